package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultSessionTTL is how long a checkout session stays open before it
// expires by wall clock. Expiry is checked lazily at point of use, no
// background sweep is required for correctness.
const DefaultSessionTTL = 24 * time.Hour

// CheckoutSession is a checkout proposal: a pending attempt to pay for a
// plan. It never represents billing truth by itself.
type CheckoutSession struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	SubscriptionID     uuid.UUID
	PlanID             uuid.UUID
	PaymentMethodID    string
	Status             SessionStatus
	PreferenceID       string
	CheckoutURL        string
	SandboxCheckoutURL string
	OriginalAmount     decimal.Decimal
	DiscountAmount     decimal.Decimal
	FinalAmount        decimal.Decimal
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// IsExpired reports whether the session has passed its expiry at now.
// Already-closed sessions are not considered expired.
func (s *CheckoutSession) IsExpired(now time.Time) bool {
	return s.Status == SessionPending && now.After(s.ExpiresAt)
}

// IsOpen reports whether the session can still be consumed at now.
func (s *CheckoutSession) IsOpen(now time.Time) bool {
	return s.Status == SessionPending && !now.After(s.ExpiresAt)
}
