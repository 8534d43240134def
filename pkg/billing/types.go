package billing

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusPending       SubscriptionStatus = "pending"
	StatusTrial         SubscriptionStatus = "trial"
	StatusActive        SubscriptionStatus = "active"
	StatusPastDue       SubscriptionStatus = "past_due"
	StatusPaymentFailed SubscriptionStatus = "payment_failed"
	StatusOnHold        SubscriptionStatus = "on_hold"
	StatusCanceled      SubscriptionStatus = "canceled"
	StatusExpired       SubscriptionStatus = "expired"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// IsGrace reports whether s is a recoverable failure state that an external
// expiry policy may eventually terminate.
func (s SubscriptionStatus) IsGrace() bool {
	return s == StatusPastDue || s == StatusOnHold
}

// PaymentStatus mirrors the gateway payment states after boundary mapping.
type PaymentStatus string

const (
	PaymentPending     PaymentStatus = "pending"
	PaymentApproved    PaymentStatus = "approved"
	PaymentRejected    PaymentStatus = "rejected"
	PaymentCancelled   PaymentStatus = "cancelled"
	PaymentRefunded    PaymentStatus = "refunded"
	PaymentInProcess   PaymentStatus = "in_process"
	PaymentInMediation PaymentStatus = "in_mediation"
	PaymentChargedBack PaymentStatus = "charged_back"
)

// SessionStatus represents the state of a checkout session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// BillingInterval represents the billing frequency unit for a plan.
type BillingInterval string

const (
	IntervalDaily      BillingInterval = "daily"
	IntervalWeekly     BillingInterval = "weekly"
	IntervalMonthly    BillingInterval = "monthly"
	IntervalQuarterly  BillingInterval = "quarterly"
	IntervalSemiannual BillingInterval = "semiannual"
	IntervalAnnual     BillingInterval = "annual"
)

// Advance returns t moved forward by count intervals.
// Unknown intervals default to monthly to keep billing moving forward
// rather than freezing a period on bad data.
func (i BillingInterval) Advance(t time.Time, count int) time.Time {
	if count < 1 {
		count = 1
	}
	switch i {
	case IntervalDaily:
		return t.AddDate(0, 0, count)
	case IntervalWeekly:
		return t.AddDate(0, 0, 7*count)
	case IntervalQuarterly:
		return t.AddDate(0, 3*count, 0)
	case IntervalSemiannual:
		return t.AddDate(0, 6*count, 0)
	case IntervalAnnual:
		return t.AddDate(count, 0, 0)
	default:
		return t.AddDate(0, count, 0)
	}
}

// DiscountType represents how a coupon value is interpreted.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// User is the minimal identity the billing core needs from the host
// application. Loaded through UserDirectory at checkout time.
type User struct {
	ID    uuid.UUID
	Email string
	Name  string
}

// Actor identifies who is performing an operation, used for ownership checks
// on subscription reads and syncs.
type Actor struct {
	UserID uuid.UUID
	Admin  bool
}

// CanAccess reports whether the actor may operate on a subscription owned by
// ownerID.
func (a Actor) CanAccess(ownerID uuid.UUID) bool {
	return a.Admin || a.UserID == ownerID
}

// PaymentMethod describes a user-selectable payment family and the gateway
// exclusion lists it implies. The catalog is a static lookup table.
type PaymentMethod struct {
	ID                     string
	Name                   string
	ExcludedPaymentTypes   []string
	ExcludedPaymentMethods []string
}

// defaultPaymentMethods restricts checkout to the family the user picked.
// The universal entry leaves everything enabled for the gateway-hosted
// checkout to decide.
func defaultPaymentMethods() map[string]PaymentMethod {
	return map[string]PaymentMethod{
		"credit_card": {
			ID:                   "credit_card",
			Name:                 "Credit card",
			ExcludedPaymentTypes: []string{"debit_card", "ticket", "atm", "bank_transfer"},
		},
		"debit_card": {
			ID:                   "debit_card",
			Name:                 "Debit card",
			ExcludedPaymentTypes: []string{"credit_card", "ticket", "atm", "bank_transfer"},
		},
		"bank_transfer": {
			ID:                   "bank_transfer",
			Name:                 "Bank transfer",
			ExcludedPaymentTypes: []string{"credit_card", "debit_card", "ticket", "atm"},
		},
		"universal": {
			ID:   "universal",
			Name: "Hosted checkout",
		},
	}
}
