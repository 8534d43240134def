package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InitCheckoutRequest carries everything needed to open a checkout attempt.
type InitCheckoutRequest struct {
	UserID          uuid.UUID
	PlanID          uuid.UUID
	PaymentMethodID string
	CouponID        *uuid.UUID
	BackURL         string
}

// CheckoutResult is returned to the caller so it can redirect the user to
// the gateway-hosted checkout.
type CheckoutResult struct {
	CheckoutURL        string
	SandboxCheckoutURL string
	PreferenceID       string
	SubscriptionID     uuid.UUID
	SessionID          uuid.UUID
	ExpiresAt          time.Time
}

// InitCheckout validates a checkout request, prices it, creates a gateway
// preference and opens a Subscription plus CheckoutSession pair. The
// subscription starts pending, or in trial when the plan has trial days.
//
// Each call mints a fresh correlation id and preference, which makes the
// operation safely retriable: a failed attempt leaves at worst an orphaned
// gateway preference and a session that expires on its own.
func (s *Service) InitCheckout(ctx context.Context, req InitCheckoutRequest) (*CheckoutResult, error) {
	user, err := s.users.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanInactive
	}

	method, ok := s.paymentMethods[req.PaymentMethodID]
	if !ok {
		return nil, ErrPaymentMethodNotFound
	}

	var coupon *Coupon
	if req.CouponID != nil {
		coupon, err = s.store.GetCoupon(ctx, *req.CouponID)
		if err != nil {
			return nil, err
		}
	}
	discount, err := CalculateDiscount(plan.Price, coupon, plan.ID)
	if err != nil {
		return nil, err
	}

	backURL := req.BackURL
	if backURL == "" {
		backURL = s.defaultBackURL
	}

	// Correlation id embedded as the gateway external reference; webhooks
	// resolve back to this subscription through it.
	transactionID := uuid.New()

	pref, err := s.gateway.CreatePreference(ctx, PreferenceRequest{
		Items: []PreferenceItem{{
			Title:     plan.Name,
			Quantity:  1,
			UnitPrice: discount.FinalAmount,
			Currency:  plan.Currency,
		}},
		Payer: PreferencePayer{
			Name:  user.Name,
			Email: user.Email,
		},
		BackURLs: BackURLs{
			Success: backURL,
			Pending: backURL,
			Failure: backURL,
		},
		ExternalReference:      transactionID.String(),
		ExcludedPaymentTypes:   method.ExcludedPaymentTypes,
		ExcludedPaymentMethods: method.ExcludedPaymentMethods,
		NotificationURL:        s.notificationURL,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock()
	subscriptionID := uuid.New()
	sessionID := uuid.New()
	expiresAt := now.Add(s.sessionTTL)

	initialStatus := StatusPending
	if plan.HasTrial() {
		initialStatus = StatusTrial
	}
	sub := &Subscription{
		ID:              subscriptionID,
		UserID:          user.ID,
		PlanID:          plan.ID,
		PaymentMethodID: method.ID,
		CouponID:        req.CouponID,
		SessionID:       &sessionID,
		Status:          initialStatus,
		Metadata: map[string]string{
			MetaTransactionID: transactionID.String(),
			MetaPreferenceID:  pref.ID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if initialStatus == StatusTrial {
		// The trial end is the first billing boundary; the first approved
		// payment replaces it with a real paid period.
		trialEnd := plan.TrialEndsAt(now)
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &trialEnd
		sub.NextBillingAt = &trialEnd
	}
	session := &CheckoutSession{
		ID:                 sessionID,
		UserID:             user.ID,
		SubscriptionID:     subscriptionID,
		PlanID:             plan.ID,
		PaymentMethodID:    method.ID,
		Status:             SessionPending,
		PreferenceID:       pref.ID,
		CheckoutURL:        pref.InitPoint,
		SandboxCheckoutURL: pref.SandboxInitPoint,
		OriginalAmount:     plan.Price,
		DiscountAmount:     discount.DiscountAmount,
		FinalAmount:        discount.FinalAmount,
		CreatedAt:          now,
		ExpiresAt:          expiresAt,
	}

	// Subscription, session, ledger entry and the initial transition commit
	// as one unit so the discount is never counted without its session.
	err = s.store.Atomic(ctx, subscriptionID, func(ctx context.Context, tx Store) error {
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		if coupon != nil && discount.DiscountAmount.IsPositive() {
			if err := tx.AppendCouponUsage(ctx, &CouponUsage{
				ID:             uuid.New(),
				CouponID:       coupon.ID,
				UserID:         user.ID,
				SessionID:      sessionID,
				DiscountAmount: discount.DiscountAmount,
				OriginalAmount: plan.Price,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}
		return tx.AppendTransition(ctx, &Transition{
			ID:             uuid.New(),
			SubscriptionID: subscriptionID,
			From:           "",
			To:             initialStatus,
			TriggeredBy:    "checkout",
			At:             now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "checkout initiated",
		"subscription_id", subscriptionID,
		"session_id", sessionID,
		"plan_id", plan.ID,
		"preference_id", pref.ID,
		"final_amount", discount.FinalAmount.String())

	return &CheckoutResult{
		CheckoutURL:        pref.InitPoint,
		SandboxCheckoutURL: pref.SandboxInitPoint,
		PreferenceID:       pref.ID,
		SubscriptionID:     subscriptionID,
		SessionID:          sessionID,
		ExpiresAt:          expiresAt,
	}, nil
}
