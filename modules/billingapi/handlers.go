package billingapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hireloop/billingkit/pkg/billing"
)

type checkoutRequest struct {
	PlanID          uuid.UUID  `json:"plan_id"`
	PaymentMethodID string     `json:"payment_method_id"`
	CouponID        *uuid.UUID `json:"coupon_id,omitempty"`
	BackURL         string     `json:"back_url,omitempty"`
}

type checkoutResponse struct {
	CheckoutURL        string    `json:"checkout_url"`
	SandboxCheckoutURL string    `json:"sandbox_checkout_url,omitempty"`
	PreferenceID       string    `json:"preference_id"`
	SubscriptionID     uuid.UUID `json:"subscription_id"`
	SessionID          uuid.UUID `json:"session_id"`
	ExpiresAt          time.Time `json:"expires_at"`
}

func (a *API) initCheckout(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, badRequest("invalid_body", "request body is not valid JSON"))
		return
	}
	if req.PlanID == uuid.Nil {
		a.writeError(w, r, badRequest("missing_plan", "plan_id is required"))
		return
	}
	if req.PaymentMethodID == "" {
		a.writeError(w, r, badRequest("missing_payment_method", "payment_method_id is required"))
		return
	}

	res, err := a.svc.InitCheckout(r.Context(), billing.InitCheckoutRequest{
		UserID:          actor.UserID,
		PlanID:          req.PlanID,
		PaymentMethodID: req.PaymentMethodID,
		CouponID:        req.CouponID,
		BackURL:         req.BackURL,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.writeJSON(w, http.StatusCreated, checkoutResponse{
		CheckoutURL:        res.CheckoutURL,
		SandboxCheckoutURL: res.SandboxCheckoutURL,
		PreferenceID:       res.PreferenceID,
		SubscriptionID:     res.SubscriptionID,
		SessionID:          res.SessionID,
		ExpiresAt:          res.ExpiresAt,
	})
}

// webhookPayload covers the gateway's push shape; the resource id may arrive
// in the body or as query parameters depending on the notification channel.
type webhookPayload struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	LiveMode bool   `json:"live_mode"`
	Data     struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *API) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.writeError(w, r, badRequest("invalid_body", "failed to read request body"))
		return
	}

	var payload webhookPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			a.writeError(w, r, badRequest("invalid_body", "request body is not valid JSON"))
			return
		}
	}

	n := billing.Notification{
		Type:       payload.Type,
		Action:     payload.Action,
		ResourceID: payload.Data.ID,
		LiveMode:   payload.LiveMode,
		Raw:        body,
	}
	if n.Type == "" {
		n.Type = r.URL.Query().Get("topic")
	}
	if n.ResourceID == "" {
		n.ResourceID = r.URL.Query().Get("id")
	}

	res, err := a.svc.ProcessWebhook(r.Context(), n)
	if err != nil {
		// Transport errors get a retryable status so the gateway redelivers.
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

type subscriptionResponse struct {
	ID                 uuid.UUID                  `json:"id"`
	PlanID             uuid.UUID                  `json:"plan_id"`
	PaymentMethodID    string                     `json:"payment_method_id"`
	Status             billing.SubscriptionStatus `json:"status"`
	Paused             bool                       `json:"paused"`
	CurrentPeriodStart *time.Time                 `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time                 `json:"current_period_end,omitempty"`
	NextBillingAt      *time.Time                 `json:"next_billing_at,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
}

func toSubscriptionResponse(sub *billing.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                 sub.ID,
		PlanID:             sub.PlanID,
		PaymentMethodID:    sub.PaymentMethodID,
		Status:             sub.Status,
		Paused:             sub.Paused,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		NextBillingAt:      sub.NextBillingAt,
		CreatedAt:          sub.CreatedAt,
	}
}

func (a *API) getSubscription(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.subscriptionScope(w, r)
	if !ok {
		return
	}
	sub, err := a.svc.GetSubscription(r.Context(), actor, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (a *API) getQuota(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.subscriptionScope(w, r)
	if !ok {
		return
	}
	quota, err := a.svc.GetQuota(r.Context(), actor, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, quota)
}

type transitionResponse struct {
	From        billing.SubscriptionStatus `json:"from"`
	To          billing.SubscriptionStatus `json:"to"`
	TriggeredBy string                     `json:"triggered_by"`
	At          time.Time                  `json:"at"`
}

func (a *API) listTransitions(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.subscriptionScope(w, r)
	if !ok {
		return
	}
	transitions, err := a.svc.ListTransitions(r.Context(), actor, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]transitionResponse, 0, len(transitions))
	for _, tr := range transitions {
		out = append(out, transitionResponse{
			From:        tr.From,
			To:          tr.To,
			TriggeredBy: tr.TriggeredBy,
			At:          tr.At,
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.subscriptionScope(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, r, badRequest("invalid_body", "request body is not valid JSON"))
			return
		}
	}
	if err := a.svc.CancelSubscription(r.Context(), actor, id, req.Reason); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) pauseSubscription(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.subscriptionScope(w, r)
	if !ok {
		return
	}
	if err := a.svc.PauseSubscription(r.Context(), actor, id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) resumeSubscription(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.subscriptionScope(w, r)
	if !ok {
		return
	}
	if err := a.svc.ResumeSubscription(r.Context(), actor, id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusNoContent, nil)
}

func (a *API) renewSubscription(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.subscriptionScope(w, r)
	if !ok {
		return
	}
	res, err := a.svc.RenewSubscription(r.Context(), actor, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) syncSubscription(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.subscriptionScope(w, r)
	if !ok {
		return
	}
	res, err := a.svc.SyncSubscription(r.Context(), actor, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, res)
}

func (a *API) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.svc.PaymentMethods())
}

// subscriptionScope resolves the actor and the subscription id path param,
// writing the error response itself on failure.
func (a *API) subscriptionScope(w http.ResponseWriter, r *http.Request) (billing.Actor, uuid.UUID, bool) {
	actor, err := a.actor(r)
	if err != nil {
		a.writeError(w, r, err)
		return billing.Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, badRequest("invalid_subscription_id", "subscription id is not a valid uuid"))
		return billing.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}
