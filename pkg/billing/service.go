package billing

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Service wires the billing core together: checkout orchestration,
// subscription lifecycle and webhook reconciliation over one Store and one
// GatewayClient. Construct with NewService; the zero value is not usable.
type Service struct {
	store          Store
	users          UserDirectory
	gateway        GatewayClient
	lifecycle      *Lifecycle
	paymentMethods map[string]PaymentMethod

	log             *slog.Logger
	clock           func() time.Time
	sessionTTL      time.Duration
	graceWindow     time.Duration
	defaultBackURL  string
	notificationURL string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source, mainly for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSessionTTL overrides the checkout session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithGraceWindow sets how long a subscription may sit in past_due/on_hold
// before expire() terminates it. Zero disables automatic expiry.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.graceWindow = d
		}
	}
}

// WithDefaultBackURL sets the redirect target used when a checkout request
// does not carry one.
func WithDefaultBackURL(u string) Option {
	return func(s *Service) { s.defaultBackURL = u }
}

// WithNotificationURL sets the webhook callback URL embedded in gateway
// preferences.
func WithNotificationURL(u string) Option {
	return func(s *Service) { s.notificationURL = u }
}

// WithPaymentMethods replaces the static payment method catalog.
func WithPaymentMethods(methods []PaymentMethod) Option {
	return func(s *Service) {
		if len(methods) == 0 {
			return
		}
		catalog := make(map[string]PaymentMethod, len(methods))
		for _, m := range methods {
			catalog[m.ID] = m
		}
		s.paymentMethods = catalog
	}
}

// NewService creates the billing service. Panics on nil store, users or
// gateway to fail fast during composition.
func NewService(store Store, users UserDirectory, gateway GatewayClient, opts ...Option) *Service {
	if store == nil {
		panic("billing: Store is required")
	}
	if users == nil {
		panic("billing: UserDirectory is required")
	}
	if gateway == nil {
		panic("billing: GatewayClient is required")
	}

	s := &Service{
		store:          store,
		users:          users,
		gateway:        gateway,
		lifecycle:      NewLifecycle(),
		paymentMethods: defaultPaymentMethods(),
		log:            slog.Default(),
		clock:          func() time.Time { return time.Now().UTC() },
		sessionTTL:     DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSubscription returns a subscription after an ownership check.
func (s *Service) GetSubscription(ctx context.Context, actor Actor, subscriptionID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(sub.UserID) {
		return nil, ErrAccessDenied
	}
	return sub, nil
}

// GetQuota exposes the subscription's current job-offer quota state.
// Enforcement of the limits is owned by the consuming module.
func (s *Service) GetQuota(ctx context.Context, actor Actor, subscriptionID uuid.UUID) (*QuotaState, error) {
	sub, err := s.GetSubscription(ctx, actor, subscriptionID)
	if err != nil {
		return nil, err
	}
	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	q := sub.Quota(*plan)
	return &q, nil
}

// PaymentMethods returns the selectable payment method catalog sorted by id.
func (s *Service) PaymentMethods() []PaymentMethod {
	out := make([]PaymentMethod, 0, len(s.paymentMethods))
	for _, m := range s.paymentMethods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTransitions returns the subscription's status history, oldest first.
func (s *Service) ListTransitions(ctx context.Context, actor Actor, subscriptionID uuid.UUID) ([]Transition, error) {
	if _, err := s.GetSubscription(ctx, actor, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, subscriptionID)
}
