package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hireloop/billingkit/pkg/pg"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx so the same query
// methods run inside and outside transactions.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the PostgreSQL-backed Store. The per-subscription
// serialization point is a transaction holding an advisory lock keyed by
// the subscription id, so concurrent reconciliations of the same
// subscription queue up instead of interleaving.
type PgStore struct {
	pool *pgxpool.Pool
	db   pgQuerier
}

// NewPgStore creates a postgres store over an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, db: pool}
}

func (s *PgStore) Atomic(ctx context.Context, subscriptionID uuid.UUID, fn func(ctx context.Context, tx Store) error) error {
	if s.pool == nil {
		// Already transactional: nested Atomic reuses the outer lock.
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		subscriptionID.String(),
	); err != nil {
		return fmt.Errorf("failed to acquire subscription lock: %w", err)
	}

	if err := fn(ctx, &PgStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, description, price::text, currency, billing_interval,
		       interval_count, trial_days, active, max_job_offers,
		       max_featured_offers, created_at, updated_at
		FROM plans WHERE id = $1`, id)

	var p Plan
	var price string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &price, &p.Currency,
		&p.Interval, &p.IntervalCount, &p.TrialDays, &p.Active,
		&p.MaxJobOffers, &p.MaxFeaturedOffers, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid plan price %q: %w", price, err)
	}
	return &p, nil
}

func (s *PgStore) GetCoupon(ctx context.Context, id uuid.UUID) (*Coupon, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, code, discount_type, value::text, max_discount::text,
		       applies_to_all_plans, plan_ids, active, created_at, updated_at
		FROM coupons WHERE id = $1`, id)

	var c Coupon
	var value string
	var maxDiscount *string
	var planIDs []byte
	err := row.Scan(&c.ID, &c.Code, &c.Type, &value, &maxDiscount,
		&c.AppliesToAllPlans, &planIDs, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("failed to load coupon: %w", err)
	}
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("invalid coupon value %q: %w", value, err)
	}
	if maxDiscount != nil {
		cap, err := decimal.NewFromString(*maxDiscount)
		if err != nil {
			return nil, fmt.Errorf("invalid coupon cap %q: %w", *maxDiscount, err)
		}
		c.MaxDiscount = &cap
	}
	if len(planIDs) > 0 {
		if err := json.Unmarshal(planIDs, &c.PlanIDs); err != nil {
			return nil, fmt.Errorf("invalid coupon plan restriction set: %w", err)
		}
	}
	return &c, nil
}

func (s *PgStore) AppendCouponUsage(ctx context.Context, usage *CouponUsage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO coupon_usage (id, coupon_id, user_id, session_id,
		                          discount_amount, original_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.ID, usage.CouponID, usage.UserID, usage.SessionID,
		usage.DiscountAmount.String(), usage.OriginalAmount.String(), usage.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append coupon usage: %w", err)
	}
	return nil
}

func (s *PgStore) ListCouponUsage(ctx context.Context, couponID, userID uuid.UUID) ([]CouponUsage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, coupon_id, user_id, session_id, discount_amount::text,
		       original_amount::text, created_at
		FROM coupon_usage
		WHERE coupon_id = $1 AND user_id = $2
		ORDER BY created_at`, couponID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list coupon usage: %w", err)
	}
	defer rows.Close()

	var out []CouponUsage
	for rows.Next() {
		var u CouponUsage
		var discount, original string
		if err := rows.Scan(&u.ID, &u.CouponID, &u.UserID, &u.SessionID,
			&discount, &original, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan coupon usage: %w", err)
		}
		if u.DiscountAmount, err = decimal.NewFromString(discount); err != nil {
			return nil, err
		}
		if u.OriginalAmount, err = decimal.NewFromString(original); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const subscriptionColumns = `
	id, user_id, plan_id, payment_method_id, coupon_id, session_id, status,
	paused, paused_at, current_period_start, current_period_end,
	next_billing_at, used_job_offers, used_featured_offers,
	gateway_subscription_id, metadata, created_at, updated_at`

func (s *PgStore) scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var metadata []byte
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.PaymentMethodID,
		&sub.CouponID, &sub.SessionID, &sub.Status, &sub.Paused, &sub.PausedAt,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.NextBillingAt,
		&sub.UsedJobOffers, &sub.UsedFeaturedOffers, &sub.GatewaySubscriptionID,
		&metadata, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("invalid subscription metadata: %w", err)
		}
	}
	return &sub, nil
}

func (s *PgStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	metadata, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode subscription metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18)`,
		sub.ID, sub.UserID, sub.PlanID, sub.PaymentMethodID, sub.CouponID,
		sub.SessionID, sub.Status, sub.Paused, sub.PausedAt,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextBillingAt,
		sub.UsedJobOffers, sub.UsedFeaturedOffers, sub.GatewaySubscriptionID,
		metadata, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *PgStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (s *PgStore) GetSubscriptionByGatewayID(ctx context.Context, gatewaySubID string) (*Subscription, error) {
	if gatewaySubID == "" {
		return nil, ErrSubscriptionNotFound
	}
	return s.scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE gateway_subscription_id = $1`,
		gatewaySubID))
}

func (s *PgStore) GetSubscriptionByReference(ctx context.Context, reference string) (*Subscription, error) {
	if reference == "" {
		return nil, ErrSubscriptionNotFound
	}
	return s.scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE metadata->>'transaction_id' = $1`,
		reference))
}

func (s *PgStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	metadata, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode subscription metadata: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET
			status = $2, paused = $3, paused_at = $4,
			current_period_start = $5, current_period_end = $6,
			next_billing_at = $7, used_job_offers = $8,
			used_featured_offers = $9, gateway_subscription_id = $10,
			metadata = $11, updated_at = $12
		WHERE id = $1`,
		sub.ID, sub.Status, sub.Paused, sub.PausedAt,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.NextBillingAt,
		sub.UsedJobOffers, sub.UsedFeaturedOffers, sub.GatewaySubscriptionID,
		metadata, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PgStore) AppendTransition(ctx context.Context, tr *Transition) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscription_transitions (id, subscription_id, from_status,
		                                      to_status, triggered_by, payment_id, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.ID, tr.SubscriptionID, tr.From, tr.To, tr.TriggeredBy, tr.PaymentID, tr.At)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (s *PgStore) ListTransitions(ctx context.Context, subscriptionID uuid.UUID) ([]Transition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subscription_id, from_status, to_status, triggered_by, payment_id, at
		FROM subscription_transitions
		WHERE subscription_id = $1
		ORDER BY at`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.ID, &tr.SubscriptionID, &tr.From, &tr.To,
			&tr.TriggeredBy, &tr.PaymentID, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *PgStore) ListGraceSubscriptions(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status IN ('past_due', 'on_hold') AND updated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list grace subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

const sessionColumns = `
	id, user_id, subscription_id, plan_id, payment_method_id, status,
	preference_id, checkout_url, sandbox_checkout_url, original_amount::text,
	discount_amount::text, final_amount::text, created_at, expires_at`

func (s *PgStore) scanSession(row pgx.Row) (*CheckoutSession, error) {
	var cs CheckoutSession
	var original, discount, final string
	err := row.Scan(&cs.ID, &cs.UserID, &cs.SubscriptionID, &cs.PlanID,
		&cs.PaymentMethodID, &cs.Status, &cs.PreferenceID, &cs.CheckoutURL,
		&cs.SandboxCheckoutURL, &original, &discount, &final,
		&cs.CreatedAt, &cs.ExpiresAt)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to scan checkout session: %w", err)
	}
	if cs.OriginalAmount, err = decimal.NewFromString(original); err != nil {
		return nil, err
	}
	if cs.DiscountAmount, err = decimal.NewFromString(discount); err != nil {
		return nil, err
	}
	if cs.FinalAmount, err = decimal.NewFromString(final); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *PgStore) CreateSession(ctx context.Context, session *CheckoutSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO checkout_sessions (id, user_id, subscription_id, plan_id,
			payment_method_id, status, preference_id, checkout_url,
			sandbox_checkout_url, original_amount, discount_amount,
			final_amount, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		session.ID, session.UserID, session.SubscriptionID, session.PlanID,
		session.PaymentMethodID, session.Status, session.PreferenceID,
		session.CheckoutURL, session.SandboxCheckoutURL,
		session.OriginalAmount.String(), session.DiscountAmount.String(),
		session.FinalAmount.String(), session.CreatedAt, session.ExpiresAt)
	if err != nil {
		// Partial unique index: one pending session per subscription.
		if pg.IsDuplicateKey(err) {
			return ErrOpenSessionExists
		}
		return fmt.Errorf("failed to create checkout session: %w", err)
	}
	return nil
}

func (s *PgStore) GetSession(ctx context.Context, id uuid.UUID) (*CheckoutSession, error) {
	return s.scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id))
}

func (s *PgStore) GetSessionByPreference(ctx context.Context, preferenceID string) (*CheckoutSession, error) {
	return s.scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE preference_id = $1`,
		preferenceID))
}

func (s *PgStore) GetOpenSession(ctx context.Context, subscriptionID uuid.UUID) (*CheckoutSession, error) {
	return s.scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions
		 WHERE subscription_id = $1 AND status = 'pending'`, subscriptionID))
}

func (s *PgStore) UpdateSession(ctx context.Context, session *CheckoutSession) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE checkout_sessions SET status = $2 WHERE id = $1`,
		session.ID, session.Status)
	if err != nil {
		return fmt.Errorf("failed to update checkout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PgStore) InsertPayment(ctx context.Context, payment *Payment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (id, subscription_id, amount, status, paid_at,
			gateway_payment_id, gateway_status, gateway_status_detail,
			gateway_created_at, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		payment.ID, payment.SubscriptionID, payment.Amount.String(),
		payment.Status, payment.PaidAt, payment.GatewayPaymentID,
		payment.GatewayStatus, payment.GatewayStatusDetail,
		payment.GatewayCreatedAt, []byte(payment.Raw), payment.CreatedAt)
	if err != nil {
		if pg.IsDuplicateKey(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `
	id, subscription_id, amount::text, status, paid_at, gateway_payment_id,
	gateway_status, gateway_status_detail, gateway_created_at, raw, created_at`

func (s *PgStore) scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount string
	var raw []byte
	err := row.Scan(&p.ID, &p.SubscriptionID, &amount, &p.Status, &p.PaidAt,
		&p.GatewayPaymentID, &p.GatewayStatus, &p.GatewayStatusDetail,
		&p.GatewayCreatedAt, &raw, &p.CreatedAt)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	p.Raw = raw
	return &p, nil
}

func (s *PgStore) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*Payment, error) {
	return s.scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_payment_id = $1`,
		gatewayPaymentID))
}

func (s *PgStore) LatestPayment(ctx context.Context, subscriptionID uuid.UUID) (*Payment, error) {
	return s.scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE subscription_id = $1
		 ORDER BY gateway_created_at DESC LIMIT 1`, subscriptionID))
}

func (s *PgStore) ListPayments(ctx context.Context, subscriptionID uuid.UUID) ([]Payment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE subscription_id = $1
		ORDER BY gateway_created_at`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
