package billing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment is one append-only ledger row for a gateway payment. The gateway
// payment id is unique system-wide and serves as the idempotency key for
// webhook ingestion.
type Payment struct {
	ID                  uuid.UUID
	SubscriptionID      uuid.UUID
	Amount              decimal.Decimal
	Status              PaymentStatus
	PaidAt              *time.Time
	GatewayPaymentID    string
	GatewayStatus       string
	GatewayStatusDetail string
	GatewayCreatedAt    time.Time
	Raw                 json.RawMessage // forensic snapshot of the gateway response
	CreatedAt           time.Time
}

// MapGatewayStatus converts a raw gateway payment status into the strict
// local payment status. Approved and rejected/cancelled are normalized, the
// remaining gateway states pass through as-is.
func MapGatewayStatus(gatewayStatus string) PaymentStatus {
	switch gatewayStatus {
	case "approved":
		return PaymentApproved
	case "rejected", "cancelled", "canceled":
		return PaymentRejected
	case "refunded":
		return PaymentRefunded
	case "in_process":
		return PaymentInProcess
	case "in_mediation":
		return PaymentInMediation
	case "charged_back":
		return PaymentChargedBack
	case "pending", "":
		return PaymentPending
	default:
		return PaymentStatus(gatewayStatus)
	}
}

// newPaymentFromGateway maps a gateway payment into the strict local model
// at the ingestion boundary, so internal logic never touches loose shapes.
func newPaymentFromGateway(subscriptionID uuid.UUID, gp GatewayPayment, now time.Time) *Payment {
	p := &Payment{
		ID:                  uuid.New(),
		SubscriptionID:      subscriptionID,
		Amount:              gp.TransactionAmount,
		Status:              MapGatewayStatus(gp.Status),
		GatewayPaymentID:    gp.ID,
		GatewayStatus:       gp.Status,
		GatewayStatusDetail: gp.StatusDetail,
		GatewayCreatedAt:    gp.DateCreated,
		Raw:                 gp.Raw,
		CreatedAt:           now,
	}
	if p.Status == PaymentApproved {
		paidAt := gp.DateCreated
		p.PaidAt = &paidAt
	}
	return p
}
