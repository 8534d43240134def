package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// lifecycleEvent triggers a subscription state transition. Events are the
// same whether a transition comes from a user action, a webhook, or a sync.
type lifecycleEvent string

const (
	eventPaymentApproved lifecycleEvent = "payment_approved"
	eventPaymentRejected lifecycleEvent = "payment_rejected"
	eventCancel          lifecycleEvent = "cancel"
	eventExpire          lifecycleEvent = "expire"
)

// Lifecycle holds the subscription state machine as a nested transition
// table keyed by current status and event. Absence of an entry means the
// event is a no-op in that state; terminal states have no entries at all.
type Lifecycle struct {
	table map[SubscriptionStatus]map[lifecycleEvent]SubscriptionStatus
}

// NewLifecycle builds the transition table.
//
// Approved payments activate pending, trialing and past-due subscriptions.
// A rejected first payment fails the subscription, a rejected renewal on an
// active subscription only degrades it to the past_due grace state. Cancel
// is allowed from every non-terminal state. Expire terminates subscriptions
// stuck in a grace state.
func NewLifecycle() *Lifecycle {
	l := &Lifecycle{table: make(map[SubscriptionStatus]map[lifecycleEvent]SubscriptionStatus)}

	l.add(StatusPending, eventPaymentApproved, StatusActive)
	l.add(StatusTrial, eventPaymentApproved, StatusActive)
	l.add(StatusPastDue, eventPaymentApproved, StatusActive)

	l.add(StatusPending, eventPaymentRejected, StatusPaymentFailed)
	l.add(StatusActive, eventPaymentRejected, StatusPastDue)

	for _, from := range []SubscriptionStatus{
		StatusPending, StatusTrial, StatusActive,
		StatusPastDue, StatusPaymentFailed, StatusOnHold,
	} {
		l.add(from, eventCancel, StatusCanceled)
	}

	l.add(StatusPastDue, eventExpire, StatusExpired)
	l.add(StatusOnHold, eventExpire, StatusExpired)

	return l
}

func (l *Lifecycle) add(from SubscriptionStatus, ev lifecycleEvent, to SubscriptionStatus) {
	if _, ok := l.table[from]; !ok {
		l.table[from] = make(map[lifecycleEvent]SubscriptionStatus)
	}
	l.table[from][ev] = to
}

// Next returns the target status for an event fired in the given state. The
// second return value is false when the event does not transition from that
// state.
func (l *Lifecycle) Next(from SubscriptionStatus, ev lifecycleEvent) (SubscriptionStatus, bool) {
	events, ok := l.table[from]
	if !ok {
		return from, false
	}
	to, ok := events[ev]
	return to, ok
}

// eventForPayment maps a recorded payment status to the lifecycle event it
// triggers. Intermediate gateway states (pending, in_process, mediation)
// are recorded but drive no transition.
func eventForPayment(status PaymentStatus) (lifecycleEvent, bool) {
	switch status {
	case PaymentApproved:
		return eventPaymentApproved, true
	case PaymentRejected, PaymentCancelled:
		return eventPaymentRejected, true
	default:
		return "", false
	}
}

// applyTransition mutates sub to the new status, appends the history row and
// persists the change. Must run inside Store.Atomic for the subscription.
func (s *Service) applyTransition(ctx context.Context, tx Store, sub *Subscription, to SubscriptionStatus, triggeredBy string, paymentID *uuid.UUID, now time.Time) error {
	from := sub.Status
	sub.Status = to
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	return tx.AppendTransition(ctx, &Transition{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		From:           from,
		To:             to,
		TriggeredBy:    triggeredBy,
		PaymentID:      paymentID,
		At:             now,
	})
}

// advancePeriod moves the subscription's billing period forward from the
// given anchor according to its plan.
func (s *Service) advancePeriod(ctx context.Context, tx Store, sub *Subscription, anchor time.Time) error {
	plan, err := tx.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	start := anchor
	end := plan.PeriodEnd(start)
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	sub.NextBillingAt = &end
	return nil
}

// CancelSubscription moves a subscription to canceled from any non-terminal
// state. Canceling an already canceled subscription is a no-op success.
func (s *Service) CancelSubscription(ctx context.Context, actor Actor, subscriptionID uuid.UUID, reason string) error {
	return s.store.Atomic(ctx, subscriptionID, func(ctx context.Context, tx Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !actor.CanAccess(sub.UserID) {
			return ErrAccessDenied
		}
		if sub.Status == StatusCanceled {
			return nil
		}
		to, ok := s.lifecycle.Next(sub.Status, eventCancel)
		if !ok {
			return ErrInvalidTransition
		}
		triggeredBy := "cancel"
		if reason != "" {
			triggeredBy = "cancel:" + reason
		}
		now := s.clock()
		if err := s.applyTransition(ctx, tx, sub, to, triggeredBy, nil, now); err != nil {
			return err
		}
		s.log.InfoContext(ctx, "subscription canceled",
			"subscription_id", sub.ID, "reason", reason)
		return nil
	})
}

// PauseSubscription sets the pause flag on an active, unpaused subscription.
// Pause is orthogonal to status: the subscription stays active.
func (s *Service) PauseSubscription(ctx context.Context, actor Actor, subscriptionID uuid.UUID) error {
	return s.store.Atomic(ctx, subscriptionID, func(ctx context.Context, tx Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !actor.CanAccess(sub.UserID) {
			return ErrAccessDenied
		}
		if sub.Status != StatusActive || sub.Paused {
			return ErrInvalidTransition
		}
		now := s.clock()
		sub.Paused = true
		sub.PausedAt = &now
		sub.UpdatedAt = now
		return tx.UpdateSubscription(ctx, sub)
	})
}

// ResumeSubscription clears the pause flag on an active, paused subscription.
func (s *Service) ResumeSubscription(ctx context.Context, actor Actor, subscriptionID uuid.UUID) error {
	return s.store.Atomic(ctx, subscriptionID, func(ctx context.Context, tx Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !actor.CanAccess(sub.UserID) {
			return ErrAccessDenied
		}
		if sub.Status != StatusActive || !sub.Paused {
			return ErrInvalidTransition
		}
		sub.Paused = false
		sub.PausedAt = nil
		sub.UpdatedAt = s.clock()
		return tx.UpdateSubscription(ctx, sub)
	})
}

// ExpireSubscription terminates a subscription that has been sitting in a
// grace state (past_due/on_hold) for longer than the configured grace
// window. A zero grace window disables automatic expiry.
func (s *Service) ExpireSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	if s.graceWindow <= 0 {
		return nil
	}
	return s.store.Atomic(ctx, subscriptionID, func(ctx context.Context, tx Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		now := s.clock()
		if !sub.Status.IsGrace() || now.Sub(sub.UpdatedAt) < s.graceWindow {
			return nil
		}
		to, ok := s.lifecycle.Next(sub.Status, eventExpire)
		if !ok {
			return nil
		}
		return s.applyTransition(ctx, tx, sub, to, "expire", nil, now)
	})
}

// ExpireOverdue applies the grace-window expiry policy over every
// subscription currently in a grace state. Intended to be driven by an
// external scheduler.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	if s.graceWindow <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-s.graceWindow)
	subs, err := s.store.ListGraceSubscriptions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range subs {
		if err := s.ExpireSubscription(ctx, subs[i].ID); err != nil {
			s.log.ErrorContext(ctx, "failed to expire subscription",
				"subscription_id", subs[i].ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}
