package billing

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

// Reconcile actions reported in ReconcileResult.Action.
const (
	ActionApplied        = "applied"         // payment recorded, status transition applied
	ActionRecorded       = "recorded"        // payment recorded, no transition for it
	ActionDuplicate      = "duplicate"       // gateway payment id already ingested, no-op
	ActionStaleRecorded  = "stale_recorded"  // out-of-order payment recorded, status kept
	ActionDropped        = "dropped"         // no local entity matches the notification
	ActionIgnored        = "ignored"         // notification type the core does not process
	ActionNoPayments     = "no_payments"     // gateway reports no payments yet
	ActionSessionExpired = "session_expired" // checkout session lapsed unconsumed
)

// ReconcileResult describes what a webhook or sync run did.
type ReconcileResult struct {
	Success      bool               `json:"success"`
	Action       string             `json:"action"`
	ResourceID   string             `json:"resource_id,omitempty"`
	ResourceType string             `json:"resource_type,omitempty"`
	Status       SubscriptionStatus `json:"status,omitempty"`
}

// ProcessWebhook ingests a push notification from the payment gateway.
//
// Redelivery is a no-op: a payment whose gateway id was already recorded
// short-circuits without a second record or transition. Notifications for
// resources the local system does not know are logged and dropped, not
// retried and not errors.
func (s *Service) ProcessWebhook(ctx context.Context, n Notification) (*ReconcileResult, error) {
	if n.Type != "payment" {
		s.log.DebugContext(ctx, "ignoring webhook of unhandled type",
			"type", n.Type, "action", n.Action, "resource_id", n.ResourceID)
		return &ReconcileResult{
			Success:      true,
			Action:       ActionIgnored,
			ResourceID:   n.ResourceID,
			ResourceType: n.Type,
		}, nil
	}

	gp, err := s.gateway.GetPayment(ctx, n.ResourceID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			s.log.WarnContext(ctx, "webhook references unknown gateway payment, dropping",
				"resource_id", n.ResourceID, "action", n.Action)
			return &ReconcileResult{
				Success:      false,
				Action:       ActionDropped,
				ResourceID:   n.ResourceID,
				ResourceType: n.Type,
			}, nil
		}
		return nil, err
	}

	sub, err := s.resolveSubscription(ctx, gp)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.log.WarnContext(ctx, "webhook payment matches no local subscription, dropping",
				"resource_id", n.ResourceID, "external_reference", gp.ExternalReference)
			return &ReconcileResult{
				Success:      false,
				Action:       ActionDropped,
				ResourceID:   n.ResourceID,
				ResourceType: n.Type,
			}, nil
		}
		return nil, err
	}

	trigger := "webhook"
	if n.Action != "" {
		trigger = "webhook:" + n.Action
	}
	return s.applyGatewayPayment(ctx, sub.ID, *gp, trigger)
}

// SyncSubscription pulls the subscription's current state from the gateway
// on demand and applies it through the same reconciliation core the webhook
// path uses.
func (s *Service) SyncSubscription(ctx context.Context, actor Actor, subscriptionID uuid.UUID) (*ReconcileResult, error) {
	sub, err := s.GetSubscription(ctx, actor, subscriptionID)
	if err != nil {
		return nil, err
	}

	q := PaymentSearch{}
	switch {
	case sub.GatewaySubscriptionID != "":
		q.SubscriptionID = sub.GatewaySubscriptionID
	case sub.Metadata[MetaPreferenceID] != "":
		q.PreferenceID = sub.Metadata[MetaPreferenceID]
	default:
		q.ExternalReference = sub.Reference()
	}

	payments, err := s.gateway.SearchPayments(ctx, q)
	if err != nil {
		return nil, err
	}

	if len(payments) == 0 {
		return s.syncWithoutPayments(ctx, sub)
	}

	// Oldest first so history lands in order; the staleness check keeps the
	// newest payment authoritative regardless.
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].DateCreated.Before(payments[j].DateCreated)
	})

	var last *ReconcileResult
	for _, gp := range payments {
		res, err := s.applyGatewayPayment(ctx, sub.ID, gp, "sync")
		if err != nil {
			return nil, err
		}
		last = res
	}
	return last, nil
}

// syncWithoutPayments reports the state of a checkout the gateway has no
// payments for. A lapsed session is marked expired here rather than being
// silently reusable.
func (s *Service) syncWithoutPayments(ctx context.Context, sub *Subscription) (*ReconcileResult, error) {
	res := &ReconcileResult{
		Success:      true,
		Action:       ActionNoPayments,
		ResourceID:   sub.ID.String(),
		ResourceType: "subscription",
		Status:       sub.Status,
	}

	err := s.store.Atomic(ctx, sub.ID, func(ctx context.Context, tx Store) error {
		session, err := tx.GetOpenSession(ctx, sub.ID)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		}
		if !session.IsExpired(s.clock()) {
			return nil
		}
		session.Status = SessionExpired
		if err := tx.UpdateSession(ctx, session); err != nil {
			return err
		}
		res.Action = ActionSessionExpired
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RenewSubscription re-runs the payment confirmation path against the
// gateway subscription id. On an approved newer payment the billing period
// advances; on a rejected one the failure is reported through the lifecycle
// table without destructive status writes.
func (s *Service) RenewSubscription(ctx context.Context, actor Actor, subscriptionID uuid.UUID) (*ReconcileResult, error) {
	sub, err := s.GetSubscription(ctx, actor, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	if sub.GatewaySubscriptionID == "" {
		return nil, ErrMissingGatewaySubID
	}

	payments, err := s.gateway.SearchPayments(ctx, PaymentSearch{SubscriptionID: sub.GatewaySubscriptionID})
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return &ReconcileResult{
			Success:      false,
			Action:       ActionNoPayments,
			ResourceID:   sub.ID.String(),
			ResourceType: "subscription",
			Status:       sub.Status,
		}, nil
	}

	latest := payments[0]
	for _, gp := range payments[1:] {
		if gp.DateCreated.After(latest.DateCreated) {
			latest = gp
		}
	}
	return s.applyGatewayPayment(ctx, sub.ID, latest, "renew")
}

// resolveSubscription maps a gateway payment to the local subscription by
// the correlation handles it carries, strongest first: the gateway
// subscription id (renewal payments carry no external reference), then the
// external reference minted at checkout, then the checkout session the
// payment's preference belongs to.
func (s *Service) resolveSubscription(ctx context.Context, gp *GatewayPayment) (*Subscription, error) {
	if gp.SubscriptionID != "" {
		sub, err := s.store.GetSubscriptionByGatewayID(ctx, gp.SubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
	}
	if gp.ExternalReference != "" {
		sub, err := s.store.GetSubscriptionByReference(ctx, gp.ExternalReference)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
	}
	if gp.PreferenceID != "" {
		session, err := s.store.GetSessionByPreference(ctx, gp.PreferenceID)
		if err == nil {
			return s.store.GetSubscription(ctx, session.SubscriptionID)
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	return nil, ErrSubscriptionNotFound
}

// applyGatewayPayment is the single write path shared by webhook, sync and
// renew. Payment insert and the status derivation it justifies commit as
// one atomic unit under the subscription's serialization point.
func (s *Service) applyGatewayPayment(ctx context.Context, subscriptionID uuid.UUID, gp GatewayPayment, trigger string) (*ReconcileResult, error) {
	res := &ReconcileResult{
		ResourceID:   gp.ID,
		ResourceType: "payment",
	}

	err := s.store.Atomic(ctx, subscriptionID, func(ctx context.Context, tx Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		res.Status = sub.Status

		// Idempotent short-circuit: redelivery of an ingested payment.
		if _, err := tx.GetPaymentByGatewayID(ctx, gp.ID); err == nil {
			res.Success = true
			res.Action = ActionDuplicate
			return nil
		} else if !errors.Is(err, ErrPaymentNotFound) {
			return err
		}

		var newestSeen *Payment
		if latest, err := tx.LatestPayment(ctx, subscriptionID); err == nil {
			newestSeen = latest
		} else if !errors.Is(err, ErrPaymentNotFound) {
			return err
		}

		now := s.clock()
		payment := newPaymentFromGateway(subscriptionID, gp, now)
		if err := tx.InsertPayment(ctx, payment); err != nil {
			// Lost a race with a concurrent delivery of the same payment.
			if errors.Is(err, ErrDuplicatePayment) {
				res.Success = true
				res.Action = ActionDuplicate
				return nil
			}
			return err
		}

		// A notification older than the newest recorded payment is kept for
		// ledger completeness but must not regress status set by newer data.
		if newestSeen != nil && gp.DateCreated.Before(newestSeen.GatewayCreatedAt) {
			s.log.InfoContext(ctx, "recorded stale out-of-order payment",
				"subscription_id", subscriptionID,
				"gateway_payment_id", gp.ID,
				"gateway_created_at", gp.DateCreated)
			res.Success = true
			res.Action = ActionStaleRecorded
			return nil
		}

		ev, hasEvent := eventForPayment(payment.Status)
		if !hasEvent {
			res.Success = true
			res.Action = ActionRecorded
			return nil
		}
		to, ok := s.lifecycle.Next(sub.Status, ev)
		if !ok {
			// Terminal or non-matching state: the payment stays in history
			// without moving the subscription.
			res.Success = true
			res.Action = ActionRecorded
			return nil
		}

		if to == StatusActive {
			if err := s.advancePeriod(ctx, tx, sub, gp.DateCreated); err != nil {
				return err
			}
			if err := s.completeSession(ctx, tx, sub); err != nil {
				return err
			}
		}
		if err := s.applyTransition(ctx, tx, sub, to, trigger, &payment.ID, now); err != nil {
			return err
		}

		res.Success = true
		res.Action = ActionApplied
		res.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "payment reconciled",
		"subscription_id", subscriptionID,
		"gateway_payment_id", gp.ID,
		"action", res.Action,
		"status", res.Status,
		"trigger", trigger)
	return res, nil
}

// completeSession closes the subscription's open checkout session once its
// payment is confirmed.
func (s *Service) completeSession(ctx context.Context, tx Store, sub *Subscription) error {
	session, err := tx.GetOpenSession(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	session.Status = SessionCompleted
	return tx.UpdateSession(ctx, session)
}
