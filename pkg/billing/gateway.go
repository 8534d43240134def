package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayClient is the billing core's view of the remote payment gateway.
// Implementations must bound every call with a timeout and surface transient
// failures as ErrGatewayUnavailable so callers can retry.
type GatewayClient interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
	GetPreference(ctx context.Context, id string) (*Preference, error)
	GetPayment(ctx context.Context, id string) (*GatewayPayment, error)
	SearchPayments(ctx context.Context, q PaymentSearch) ([]GatewayPayment, error)
}

// PreferenceItem is one line item of a checkout preference.
type PreferenceItem struct {
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency_id"`
}

// PreferencePayer identifies the paying user to the gateway.
type PreferencePayer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// BackURLs are the redirect targets after a hosted checkout finishes.
type BackURLs struct {
	Success string `json:"success"`
	Pending string `json:"pending"`
	Failure string `json:"failure"`
}

// PreferenceRequest is the payload for creating a gateway checkout
// preference. ExternalReference carries the locally minted correlation id.
type PreferenceRequest struct {
	Items                  []PreferenceItem `json:"items"`
	Payer                  PreferencePayer  `json:"payer"`
	BackURLs               BackURLs         `json:"back_urls"`
	ExternalReference      string           `json:"external_reference"`
	ExcludedPaymentTypes   []string         `json:"excluded_payment_types,omitempty"`
	ExcludedPaymentMethods []string         `json:"excluded_payment_methods,omitempty"`
	NotificationURL        string           `json:"notification_url,omitempty"`
}

// Preference is a gateway-hosted checkout intent yielding redirect URLs.
type Preference struct {
	ID                string `json:"id"`
	InitPoint         string `json:"init_point"`
	SandboxInitPoint  string `json:"sandbox_init_point"`
	ExternalReference string `json:"external_reference"`
}

// PaymentSearch selects gateway payments by one correlation axis.
type PaymentSearch struct {
	PreferenceID      string
	SubscriptionID    string
	ExternalReference string
}

// GatewayPayment is a gateway payment mapped into strict local types at the
// client boundary. Raw keeps the original response for forensic replay.
//
// A payment carries up to three correlation handles: the gateway-side
// subscription id (renewals), the external reference minted at checkout
// (first payments), and the preference id of the checkout it paid for.
type GatewayPayment struct {
	ID                string
	Status            string
	StatusDetail      string
	TransactionAmount decimal.Decimal
	DateCreated       time.Time
	ExternalReference string
	SubscriptionID    string
	PreferenceID      string
	Raw               json.RawMessage
}

// Notification is an incoming gateway webhook push, already stripped of
// transport concerns.
type Notification struct {
	Type       string          `json:"type"`
	Action     string          `json:"action"`
	ResourceID string          `json:"resource_id"`
	LiveMode   bool            `json:"live_mode"`
	Raw        json.RawMessage `json:"-"`
}
