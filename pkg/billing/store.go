package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserDirectory is how the billing core resolves user identity at checkout.
// The host application owns users; the core only reads them.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}

// UserDirectoryFunc adapts a function to the UserDirectory interface.
type UserDirectoryFunc func(ctx context.Context, id uuid.UUID) (*User, error)

func (f UserDirectoryFunc) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return f(ctx, id)
}

// PlanStore provides read access to the plan catalog. Catalog CRUD lives
// outside the core.
type PlanStore interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
}

// CouponStore persists coupons and their append-only usage ledger.
type CouponStore interface {
	GetCoupon(ctx context.Context, id uuid.UUID) (*Coupon, error)
	// AppendCouponUsage records one immutable ledger entry. Must happen in
	// the same logical transaction as session creation.
	AppendCouponUsage(ctx context.Context, usage *CouponUsage) error
	ListCouponUsage(ctx context.Context, couponID, userID uuid.UUID) ([]CouponUsage, error)
}

// SubscriptionStore persists subscriptions and their transition history.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// GetSubscriptionByGatewayID resolves a gateway subscription id to the
	// local subscription. Returns ErrSubscriptionNotFound when unknown.
	GetSubscriptionByGatewayID(ctx context.Context, gatewaySubID string) (*Subscription, error)
	// GetSubscriptionByReference resolves the checkout correlation id
	// (external reference) to the local subscription.
	GetSubscriptionByReference(ctx context.Context, reference string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	AppendTransition(ctx context.Context, tr *Transition) error
	ListTransitions(ctx context.Context, subscriptionID uuid.UUID) ([]Transition, error)
	// ListGraceSubscriptions returns subscriptions sitting in a grace state
	// (past_due/on_hold) whose last update is older than cutoff.
	ListGraceSubscriptions(ctx context.Context, cutoff time.Time) ([]Subscription, error)
}

// SessionStore persists checkout sessions. Implementations must enforce at
// most one open session per subscription.
type SessionStore interface {
	CreateSession(ctx context.Context, session *CheckoutSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*CheckoutSession, error)
	GetSessionByPreference(ctx context.Context, preferenceID string) (*CheckoutSession, error)
	// GetOpenSession returns the subscription's pending session, expired or
	// not. Returns ErrSessionNotFound when there is none.
	GetOpenSession(ctx context.Context, subscriptionID uuid.UUID) (*CheckoutSession, error)
	UpdateSession(ctx context.Context, session *CheckoutSession) error
}

// PaymentStore persists the append-only payment ledger.
type PaymentStore interface {
	// InsertPayment appends a payment row. Returns ErrDuplicatePayment when
	// the gateway payment id was already recorded.
	InsertPayment(ctx context.Context, payment *Payment) error
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*Payment, error)
	// LatestPayment returns the subscription's payment with the newest
	// gateway-reported timestamp, or ErrPaymentNotFound.
	LatestPayment(ctx context.Context, subscriptionID uuid.UUID) (*Payment, error)
	ListPayments(ctx context.Context, subscriptionID uuid.UUID) ([]Payment, error)
}

// Store aggregates all billing persistence behind one per-subscription
// serialization point. Atomic runs fn with a store view whose writes either
// all apply or none do; two concurrent Atomic calls for the same
// subscription id never interleave.
type Store interface {
	PlanStore
	CouponStore
	SubscriptionStore
	SessionStore
	PaymentStore

	Atomic(ctx context.Context, subscriptionID uuid.UUID, fn func(ctx context.Context, tx Store) error) error
}

// NewStoreWithSessions returns a Store that keeps checkout sessions in a
// dedicated SessionStore, typically a RedisSessionStore, and delegates all
// other persistence and the Atomic serialization point to base. Session
// writes happen outside base's transaction; the one-open-session invariant
// is enforced by the session store itself, and session state stays
// recoverable through the reconciliation paths even if a commit and a
// session write land on opposite sides of a crash.
func NewStoreWithSessions(base Store, sessions SessionStore) Store {
	return &storeWithSessions{Store: base, sessions: sessions}
}

type storeWithSessions struct {
	Store
	sessions SessionStore
}

func (s *storeWithSessions) CreateSession(ctx context.Context, session *CheckoutSession) error {
	return s.sessions.CreateSession(ctx, session)
}

func (s *storeWithSessions) GetSession(ctx context.Context, id uuid.UUID) (*CheckoutSession, error) {
	return s.sessions.GetSession(ctx, id)
}

func (s *storeWithSessions) GetSessionByPreference(ctx context.Context, preferenceID string) (*CheckoutSession, error) {
	return s.sessions.GetSessionByPreference(ctx, preferenceID)
}

func (s *storeWithSessions) GetOpenSession(ctx context.Context, subscriptionID uuid.UUID) (*CheckoutSession, error) {
	return s.sessions.GetOpenSession(ctx, subscriptionID)
}

func (s *storeWithSessions) UpdateSession(ctx context.Context, session *CheckoutSession) error {
	return s.sessions.UpdateSession(ctx, session)
}

// Atomic keeps routing session calls made inside fn to the session store
// while base provides transactionality for everything else.
func (s *storeWithSessions) Atomic(ctx context.Context, subscriptionID uuid.UUID, fn func(ctx context.Context, tx Store) error) error {
	return s.Store.Atomic(ctx, subscriptionID, func(ctx context.Context, tx Store) error {
		return fn(ctx, &storeWithSessions{Store: tx, sessions: s.sessions})
	})
}
