package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// DefaultSessionRetention is how long closed checkout sessions remain
// readable in redis before eviction. Sessions are a checkout staging area,
// not billing truth, so bounded retention is acceptable.
const DefaultSessionRetention = 30 * 24 * time.Hour

// RedisSessionStore is a SessionStore over redis for deployments that keep
// the checkout staging area out of the primary database. Single-open-session
// enforcement uses SETNX on a per-subscription pointer key.
//
// Record keys outlive the checkout TTL so that lazily expiring a lapsed
// session still finds it; eviction happens at the retention horizon.
//
// Mount it through NewStoreWithSessions:
//
//	store := billing.NewStoreWithSessions(pgStore, billing.NewRedisSessionStore(client))
//	svc := billing.NewService(store, users, gateway)
type RedisSessionStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisSessionStore creates a session store over an existing redis client.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client, retention: DefaultSessionRetention}
}

func sessionKey(id uuid.UUID) string { return "billing:session:" + id.String() }

func sessionPrefKey(pref string) string { return "billing:session:pref:" + pref }

func sessionOpenKey(sub uuid.UUID) string { return "billing:session:open:" + sub.String() }

type redisSession struct {
	ID                 uuid.UUID     `json:"id"`
	UserID             uuid.UUID     `json:"user_id"`
	SubscriptionID     uuid.UUID     `json:"subscription_id"`
	PlanID             uuid.UUID     `json:"plan_id"`
	PaymentMethodID    string        `json:"payment_method_id"`
	Status             SessionStatus `json:"status"`
	PreferenceID       string        `json:"preference_id"`
	CheckoutURL        string        `json:"checkout_url"`
	SandboxCheckoutURL string        `json:"sandbox_checkout_url,omitempty"`
	OriginalAmount     string        `json:"original_amount"`
	DiscountAmount     string        `json:"discount_amount"`
	FinalAmount        string        `json:"final_amount"`
	CreatedAt          time.Time     `json:"created_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
}

func encodeSession(s *CheckoutSession) ([]byte, error) {
	return json.Marshal(redisSession{
		ID:                 s.ID,
		UserID:             s.UserID,
		SubscriptionID:     s.SubscriptionID,
		PlanID:             s.PlanID,
		PaymentMethodID:    s.PaymentMethodID,
		Status:             s.Status,
		PreferenceID:       s.PreferenceID,
		CheckoutURL:        s.CheckoutURL,
		SandboxCheckoutURL: s.SandboxCheckoutURL,
		OriginalAmount:     s.OriginalAmount.String(),
		DiscountAmount:     s.DiscountAmount.String(),
		FinalAmount:        s.FinalAmount.String(),
		CreatedAt:          s.CreatedAt,
		ExpiresAt:          s.ExpiresAt,
	})
}

func decodeSession(data []byte) (*CheckoutSession, error) {
	var rs redisSession
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	s := &CheckoutSession{
		ID:                 rs.ID,
		UserID:             rs.UserID,
		SubscriptionID:     rs.SubscriptionID,
		PlanID:             rs.PlanID,
		PaymentMethodID:    rs.PaymentMethodID,
		Status:             rs.Status,
		PreferenceID:       rs.PreferenceID,
		CheckoutURL:        rs.CheckoutURL,
		SandboxCheckoutURL: rs.SandboxCheckoutURL,
		CreatedAt:          rs.CreatedAt,
		ExpiresAt:          rs.ExpiresAt,
	}
	var err error
	if s.OriginalAmount, err = decimal.NewFromString(rs.OriginalAmount); err != nil {
		return nil, fmt.Errorf("invalid session amount %q: %w", rs.OriginalAmount, err)
	}
	if s.DiscountAmount, err = decimal.NewFromString(rs.DiscountAmount); err != nil {
		return nil, fmt.Errorf("invalid session amount %q: %w", rs.DiscountAmount, err)
	}
	if s.FinalAmount, err = decimal.NewFromString(rs.FinalAmount); err != nil {
		return nil, fmt.Errorf("invalid session amount %q: %w", rs.FinalAmount, err)
	}
	return s, nil
}

func (r *RedisSessionStore) CreateSession(ctx context.Context, session *CheckoutSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return fmt.Errorf("failed to encode checkout session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, sessionOpenKey(session.SubscriptionID),
		session.ID.String(), r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve open session slot: %w", err)
	}
	if !ok {
		return ErrOpenSessionExists
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(session.ID), data, r.retention)
	if session.PreferenceID != "" {
		pipe.Set(ctx, sessionPrefKey(session.PreferenceID), session.ID.String(), r.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.client.Del(ctx, sessionOpenKey(session.SubscriptionID))
		return fmt.Errorf("failed to store checkout session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) GetSession(ctx context.Context, id uuid.UUID) (*CheckoutSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout session: %w", err)
	}
	return decodeSession(data)
}

func (r *RedisSessionStore) GetSessionByPreference(ctx context.Context, preferenceID string) (*CheckoutSession, error) {
	return r.getByPointer(ctx, sessionPrefKey(preferenceID))
}

func (r *RedisSessionStore) GetOpenSession(ctx context.Context, subscriptionID uuid.UUID) (*CheckoutSession, error) {
	return r.getByPointer(ctx, sessionOpenKey(subscriptionID))
}

func (r *RedisSessionStore) getByPointer(ctx context.Context, pointerKey string) (*CheckoutSession, error) {
	raw, err := r.client.Get(ctx, pointerKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session pointer: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt session pointer %q: %w", raw, err)
	}
	return r.GetSession(ctx, id)
}

func (r *RedisSessionStore) UpdateSession(ctx context.Context, session *CheckoutSession) error {
	data, err := encodeSession(session)
	if err != nil {
		return fmt.Errorf("failed to encode checkout session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(session.ID), data, r.retention)
	if session.Status != SessionPending {
		// Closed sessions free the per-subscription open slot.
		pipe.Del(ctx, sessionOpenKey(session.SubscriptionID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update checkout session: %w", err)
	}
	return nil
}
