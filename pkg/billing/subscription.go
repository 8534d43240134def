package billing

import (
	"time"

	"github.com/google/uuid"
)

// Metadata keys used to correlate gateway callbacks with local entities.
const (
	MetaTransactionID = "transaction_id"
	MetaPreferenceID  = "preference_id"
)

// Subscription is the billing truth for one user-plan relationship. Status
// is derived from payments and explicit user actions through the lifecycle
// transition table, never written directly.
type Subscription struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	PlanID                uuid.UUID
	PaymentMethodID       string
	CouponID              *uuid.UUID
	SessionID             *uuid.UUID
	Status                SubscriptionStatus
	Paused                bool
	PausedAt              *time.Time
	CurrentPeriodStart    *time.Time
	CurrentPeriodEnd      *time.Time
	NextBillingAt         *time.Time
	UsedJobOffers         int
	UsedFeaturedOffers    int
	GatewaySubscriptionID string
	Metadata              map[string]string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Reference returns the correlation id embedded in gateway requests for this
// subscription, empty if checkout never reached the gateway.
func (s *Subscription) Reference() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[MetaTransactionID]
}

// QuotaState is a consistent snapshot of the job-offer quota for the
// consuming module. Enforcement of the limits happens outside the core.
type QuotaState struct {
	UsedJobOffers      int
	MaxJobOffers       int
	UsedFeaturedOffers int
	MaxFeaturedOffers  int
}

// Quota returns the current quota state against the given plan.
func (s *Subscription) Quota(plan Plan) QuotaState {
	return QuotaState{
		UsedJobOffers:      s.UsedJobOffers,
		MaxJobOffers:       plan.MaxJobOffers,
		UsedFeaturedOffers: s.UsedFeaturedOffers,
		MaxFeaturedOffers:  plan.MaxFeaturedOffers,
	}
}

// Transition is one entry of the append-only status history. Enough to
// reconstruct how a subscription reached its current state.
type Transition struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	From           SubscriptionStatus
	To             SubscriptionStatus
	TriggeredBy    string     // action name or webhook action
	PaymentID      *uuid.UUID // set when a payment justified the change
	At             time.Time
}
