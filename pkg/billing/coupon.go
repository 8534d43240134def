package billing

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Coupon describes a discount that can be applied at checkout.
type Coupon struct {
	ID                uuid.UUID
	Code              string
	Type              DiscountType
	Value             decimal.Decimal
	MaxDiscount       *decimal.Decimal // optional cap on the computed discount
	AppliesToAllPlans bool
	PlanIDs           []uuid.UUID // restriction set, ignored when AppliesToAllPlans
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AppliesTo reports whether the coupon may be used with the given plan.
func (c Coupon) AppliesTo(planID uuid.UUID) bool {
	if c.AppliesToAllPlans || len(c.PlanIDs) == 0 {
		return true
	}
	return slices.Contains(c.PlanIDs, planID)
}

// CouponUsage is one entry of the append-only coupon usage ledger. Entries
// are never mutated; totals are derived by summing the ledger.
type CouponUsage struct {
	ID             uuid.UUID
	CouponID       uuid.UUID
	UserID         uuid.UUID
	SessionID      uuid.UUID
	DiscountAmount decimal.Decimal
	OriginalAmount decimal.Decimal
	CreatedAt      time.Time
}

// Discount is the result of applying a coupon to a plan price.
type Discount struct {
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

var percentBase = decimal.NewFromInt(100)

// CalculateDiscount computes the discounted price for a plan price and an
// optional coupon. Pure and deterministic: same inputs always produce the
// same output, no side effects.
//
// Rules are applied in order: inactive or absent coupons yield a zero
// discount, a plan outside the coupon's restriction set fails with
// ErrCouponNotApplicable, then the discount is computed by type and clamped
// first to the coupon cap and finally to the price itself so the final
// amount can never go negative.
func CalculateDiscount(price decimal.Decimal, coupon *Coupon, planID uuid.UUID) (Discount, error) {
	if price.IsNegative() {
		price = decimal.Zero
	}

	if coupon == nil || !coupon.Active {
		return Discount{DiscountAmount: decimal.Zero, FinalAmount: price}, nil
	}

	if !coupon.AppliesTo(planID) {
		return Discount{}, ErrCouponNotApplicable
	}

	var amount decimal.Decimal
	switch coupon.Type {
	case DiscountPercentage:
		amount = price.Mul(coupon.Value).Div(percentBase)
	case DiscountFixed:
		amount = coupon.Value
	default:
		amount = decimal.Zero
	}

	if amount.IsNegative() {
		amount = decimal.Zero
	}
	if coupon.MaxDiscount != nil && amount.GreaterThan(*coupon.MaxDiscount) {
		amount = *coupon.MaxDiscount
	}
	if amount.GreaterThan(price) {
		amount = price
	}

	return Discount{
		DiscountAmount: amount,
		FinalAmount:    price.Sub(amount),
	}, nil
}
