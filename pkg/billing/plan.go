package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Plan describes a subscription plan. Price and interval are immutable once a
// subscription references the plan; only Active and Description may change.
type Plan struct {
	ID                uuid.UUID
	Name              string
	Description       string
	Price             decimal.Decimal
	Currency          string
	Interval          BillingInterval
	IntervalCount     int
	TrialDays         int
	Active            bool
	MaxJobOffers      int
	MaxFeaturedOffers int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PeriodEnd returns the end of a billing period starting at start.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	return p.Interval.Advance(start, p.IntervalCount)
}

// TrialEndsAt returns when a trial started at startedAt ends. Plans without a
// trial return startedAt unchanged.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

// HasTrial reports whether new subscriptions start with a trial period.
func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}
