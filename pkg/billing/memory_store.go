package billing

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and embedded use. The
// per-subscription serialization point is a mutex per subscription id;
// Atomic is mutual exclusion rather than rollback, which matches how the
// store is used: validation happens before writes inside the critical
// section.
type MemoryStore struct {
	mu          sync.RWMutex
	plans       map[uuid.UUID]Plan
	coupons     map[uuid.UUID]Coupon
	usage       []CouponUsage
	subs        map[uuid.UUID]Subscription
	transitions map[uuid.UUID][]Transition
	sessions    map[uuid.UUID]CheckoutSession
	payments    map[uuid.UUID][]Payment
	byGatewayID map[string]Payment

	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:       make(map[uuid.UUID]Plan),
		coupons:     make(map[uuid.UUID]Coupon),
		subs:        make(map[uuid.UUID]Subscription),
		transitions: make(map[uuid.UUID][]Transition),
		sessions:    make(map[uuid.UUID]CheckoutSession),
		payments:    make(map[uuid.UUID][]Payment),
		byGatewayID: make(map[string]Payment),
	}
}

// SeedPlan adds or replaces a plan in the catalog.
func (m *MemoryStore) SeedPlan(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
}

// SeedCoupon adds or replaces a coupon.
func (m *MemoryStore) SeedCoupon(c Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coupons[c.ID] = c
}

func (m *MemoryStore) Atomic(ctx context.Context, subscriptionID uuid.UUID, fn func(ctx context.Context, tx Store) error) error {
	v, _ := m.locks.LoadOrStore(subscriptionID, &sync.Mutex{})
	lock := v.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	return fn(ctx, m)
}

func (m *MemoryStore) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (m *MemoryStore) GetCoupon(ctx context.Context, id uuid.UUID) (*Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[id]
	if !ok {
		return nil, ErrCouponNotFound
	}
	c.PlanIDs = slices.Clone(c.PlanIDs)
	return &c, nil
}

func (m *MemoryStore) AppendCouponUsage(ctx context.Context, usage *CouponUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, *usage)
	return nil
}

func (m *MemoryStore) ListCouponUsage(ctx context.Context, couponID, userID uuid.UUID) ([]CouponUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CouponUsage
	for _, u := range m.usage {
		if u.CouponID == couponID && u.UserID == userID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySubscription(*sub)
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	out := copySubscription(sub)
	return &out, nil
}

func (m *MemoryStore) GetSubscriptionByGatewayID(ctx context.Context, gatewaySubID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.GatewaySubscriptionID != "" && sub.GatewaySubscriptionID == gatewaySubID {
			out := copySubscription(sub)
			return &out, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetSubscriptionByReference(ctx context.Context, reference string) (*Subscription, error) {
	if reference == "" {
		return nil, ErrSubscriptionNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if sub.Metadata[MetaTransactionID] == reference {
			out := copySubscription(sub)
			return &out, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	m.subs[sub.ID] = copySubscription(*sub)
	return nil
}

func (m *MemoryStore) AppendTransition(ctx context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[tr.SubscriptionID] = append(m.transitions[tr.SubscriptionID], *tr)
	return nil
}

func (m *MemoryStore) ListTransitions(ctx context.Context, subscriptionID uuid.UUID) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.transitions[subscriptionID]), nil
}

func (m *MemoryStore) ListGraceSubscriptions(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, sub := range m.subs {
		if sub.Status.IsGrace() && sub.UpdatedAt.Before(cutoff) {
			out = append(out, copySubscription(sub))
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.SubscriptionID == session.SubscriptionID && existing.Status == SessionPending {
			return ErrOpenSessionExists
		}
	}
	m.sessions[session.ID] = *session
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*CheckoutSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (m *MemoryStore) GetSessionByPreference(ctx context.Context, preferenceID string) (*CheckoutSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.PreferenceID == preferenceID {
			out := session
			return &out, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryStore) GetOpenSession(ctx context.Context, subscriptionID uuid.UUID) (*CheckoutSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.SubscriptionID == subscriptionID && session.Status == SessionPending {
			out := session
			return &out, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session *CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[session.ID] = *session
	return nil
}

func (m *MemoryStore) InsertPayment(ctx context.Context, payment *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byGatewayID[payment.GatewayPaymentID]; ok {
		return ErrDuplicatePayment
	}
	m.byGatewayID[payment.GatewayPaymentID] = *payment
	m.payments[payment.SubscriptionID] = append(m.payments[payment.SubscriptionID], *payment)
	return nil
}

func (m *MemoryStore) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byGatewayID[gatewayPaymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (m *MemoryStore) LatestPayment(ctx context.Context, subscriptionID uuid.UUID) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payments := m.payments[subscriptionID]
	if len(payments) == 0 {
		return nil, ErrPaymentNotFound
	}
	latest := payments[0]
	for _, p := range payments[1:] {
		if p.GatewayCreatedAt.After(latest.GatewayCreatedAt) {
			latest = p
		}
	}
	return &latest, nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, subscriptionID uuid.UUID) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.payments[subscriptionID]), nil
}

func copySubscription(sub Subscription) Subscription {
	sub.Metadata = maps.Clone(sub.Metadata)
	return sub
}
