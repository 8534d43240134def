package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/billingkit/pkg/billing"
)

func TestProcessWebhook(t *testing.T) {
	t.Parallel()

	t.Run("approved payment activates a pending subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)

		gp := gatewayPayment("900001", "approved", sub.Reference(), f.clock.Now())
		out := f.deliverPayment(t, gp)

		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionApplied, out.Action)
		assert.Equal(t, billing.StatusActive, out.Status)

		sub, err := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.Equal(t, f.clock.Now().AddDate(0, 1, 0), *sub.CurrentPeriodEnd)

		session, err := f.store.GetSession(context.Background(), res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, billing.SessionCompleted, session.Status)
	})

	t.Run("approved payment converts a trial to active", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		trial := f.plan
		trial.ID = uuid.New()
		trial.TrialDays = 14
		f.store.SeedPlan(trial)

		res, err := f.svc.InitCheckout(context.Background(), billing.InitCheckoutRequest{
			UserID:          f.user.ID,
			PlanID:          trial.ID,
			PaymentMethodID: "credit_card",
		})
		require.NoError(t, err)
		sub, err := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		require.Equal(t, billing.StatusTrial, sub.Status)

		f.clock.Advance(14 * 24 * time.Hour)
		out := f.deliverPayment(t, gatewayPayment("900055", "approved", sub.Reference(), f.clock.Now()))

		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionApplied, out.Action)
		assert.Equal(t, billing.StatusActive, out.Status)

		sub, err = f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.Equal(t, f.clock.Now().AddDate(0, 1, 0), *sub.CurrentPeriodEnd)
	})

	t.Run("pushed renewal resolves by gateway subscription id", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		f.deliverPayment(t, gatewayPayment("900060", "approved", sub.Reference(), f.clock.Now()))

		stored, err := f.store.GetSubscription(context.Background(), res.SubscriptionID)
		require.NoError(t, err)
		stored.GatewaySubscriptionID = "gw-sub-7"
		require.NoError(t, f.store.UpdateSubscription(context.Background(), stored))

		// Renewal payments carry the gateway subscription id but no external
		// reference.
		f.clock.Advance(30 * 24 * time.Hour)
		renewal := billing.GatewayPayment{
			ID:                "900061",
			Status:            "approved",
			TransactionAmount: dec("100"),
			DateCreated:       f.clock.Now(),
			SubscriptionID:    "gw-sub-7",
		}
		out := f.deliverPayment(t, renewal)

		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionApplied, out.Action)
		assert.Equal(t, billing.StatusActive, out.Status)

		sub, err = f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.Equal(t, renewal.DateCreated.AddDate(0, 1, 0), *sub.CurrentPeriodEnd)
	})

	t.Run("payment resolves through the session preference id", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)

		gp := billing.GatewayPayment{
			ID:                "900070",
			Status:            "approved",
			TransactionAmount: dec("100"),
			DateCreated:       f.clock.Now(),
			PreferenceID:      res.PreferenceID,
		}
		out := f.deliverPayment(t, gp)

		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionApplied, out.Action)
		assert.Equal(t, billing.StatusActive, out.Status)
	})

	t.Run("redelivered webhook is a no-op", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)

		gp := gatewayPayment("900002", "approved", sub.Reference(), f.clock.Now())
		first := f.deliverPayment(t, gp)
		require.Equal(t, billing.ActionApplied, first.Action)

		second := f.deliverPayment(t, gp)
		assert.True(t, second.Success)
		assert.Equal(t, billing.ActionDuplicate, second.Action)

		payments, err := f.store.ListPayments(context.Background(), res.SubscriptionID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)

		history, err := f.svc.ListTransitions(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		assert.Len(t, history, 2) // checkout + activation, nothing more
	})

	t.Run("out-of-order rejection does not regress an active subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)

		t1 := f.clock.Now()
		t2 := t1.Add(time.Minute)

		// Newer approved payment lands first, older rejection second.
		approved := gatewayPayment("900010", "approved", sub.Reference(), t2)
		rejected := gatewayPayment("900011", "rejected", sub.Reference(), t1)

		out := f.deliverPayment(t, approved)
		require.Equal(t, billing.ActionApplied, out.Action)

		out = f.deliverPayment(t, rejected)
		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionStaleRecorded, out.Action)

		sub, err := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)

		payments, err := f.store.ListPayments(context.Background(), res.SubscriptionID)
		require.NoError(t, err)
		assert.Len(t, payments, 2)
	})

	t.Run("rejected first payment fails the subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)

		out := f.deliverPayment(t, gatewayPayment("900020", "rejected", sub.Reference(), f.clock.Now()))
		assert.Equal(t, billing.ActionApplied, out.Action)
		assert.Equal(t, billing.StatusPaymentFailed, out.Status)
	})

	t.Run("rejected renewal degrades active to past_due", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)

		f.deliverPayment(t, gatewayPayment("900030", "approved", sub.Reference(), f.clock.Now()))
		f.clock.Advance(31 * 24 * time.Hour)
		out := f.deliverPayment(t, gatewayPayment("900031", "rejected", sub.Reference(), f.clock.Now()))

		assert.Equal(t, billing.ActionApplied, out.Action)
		assert.Equal(t, billing.StatusPastDue, out.Status)
	})

	t.Run("intermediate payment status is recorded without a transition", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)

		out := f.deliverPayment(t, gatewayPayment("900040", "in_process", sub.Reference(), f.clock.Now()))
		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionRecorded, out.Action)
		assert.Equal(t, billing.StatusPending, out.Status)

		payments, err := f.store.ListPayments(context.Background(), res.SubscriptionID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
	})

	t.Run("approved payment cannot revive a canceled subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, f.svc.CancelSubscription(context.Background(), f.actor, res.SubscriptionID, ""))

		out := f.deliverPayment(t, gatewayPayment("900045", "approved", sub.Reference(), f.clock.Now()))
		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionRecorded, out.Action)

		sub, err := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)

		// The payment still lands in the ledger for audit.
		payments, err := f.store.ListPayments(context.Background(), res.SubscriptionID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
	})

	t.Run("unknown gateway payment is dropped, not an error", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.gw.getPayment = func(ctx context.Context, id string) (*billing.GatewayPayment, error) {
			return nil, billing.ErrPaymentNotFound
		}

		out, err := f.svc.ProcessWebhook(context.Background(), billing.Notification{
			Type:       "payment",
			Action:     "payment.created",
			ResourceID: "999999",
		})
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Equal(t, billing.ActionDropped, out.Action)
	})

	t.Run("payment matching no subscription is dropped", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		gp := gatewayPayment("900050", "approved", uuid.NewString(), f.clock.Now())
		f.gw.getPayment = func(ctx context.Context, id string) (*billing.GatewayPayment, error) {
			return &gp, nil
		}

		out, err := f.svc.ProcessWebhook(context.Background(), billing.Notification{
			Type:       "payment",
			ResourceID: gp.ID,
		})
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Equal(t, billing.ActionDropped, out.Action)
	})

	t.Run("non-payment notification types are ignored", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		out, err := f.svc.ProcessWebhook(context.Background(), billing.Notification{
			Type:       "merchant_order",
			ResourceID: "42",
		})
		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionIgnored, out.Action)
	})

	t.Run("gateway outage propagates for redelivery", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.gw.getPayment = func(ctx context.Context, id string) (*billing.GatewayPayment, error) {
			return nil, billing.ErrGatewayUnavailable
		}

		_, err := f.svc.ProcessWebhook(context.Background(), billing.Notification{
			Type:       "payment",
			ResourceID: "1",
		})
		require.ErrorIs(t, err, billing.ErrGatewayUnavailable)
	})
}

func TestSyncSubscription(t *testing.T) {
	t.Parallel()

	t.Run("applies gateway payments oldest first", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)

		t1 := f.clock.Now()
		f.gw.searchPayments = func(ctx context.Context, q billing.PaymentSearch) ([]billing.GatewayPayment, error) {
			// Deliberately newest first; sync must reorder.
			return []billing.GatewayPayment{
				gatewayPayment("910002", "approved", sub.Reference(), t1.Add(time.Hour)),
				gatewayPayment("910001", "rejected", sub.Reference(), t1),
			}, nil
		}

		out, err := f.svc.SyncSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionApplied, out.Action)
		assert.Equal(t, billing.StatusActive, out.Status)

		payments, err := f.store.ListPayments(context.Background(), res.SubscriptionID)
		require.NoError(t, err)
		assert.Len(t, payments, 2)
	})

	t.Run("no payments and live session reports no_payments", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		f.gw.searchPayments = func(ctx context.Context, q billing.PaymentSearch) ([]billing.GatewayPayment, error) {
			return nil, nil
		}

		out, err := f.svc.SyncSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.Equal(t, billing.ActionNoPayments, out.Action)
	})

	t.Run("no payments after the TTL expires the session", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)
		f.gw.searchPayments = func(ctx context.Context, q billing.PaymentSearch) ([]billing.GatewayPayment, error) {
			return nil, nil
		}

		f.clock.Advance(25 * time.Hour)
		out, err := f.svc.SyncSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, billing.ActionSessionExpired, out.Action)

		session, err := f.store.GetSession(context.Background(), res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, billing.SessionExpired, session.Status)
	})

	t.Run("stranger cannot sync", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)

		_, err := f.svc.SyncSubscription(context.Background(),
			billing.Actor{UserID: uuid.New()}, res.SubscriptionID)
		require.ErrorIs(t, err, billing.ErrAccessDenied)
	})
}

func TestRenewSubscription(t *testing.T) {
	t.Parallel()

	// activate brings a fresh checkout to active and tags it with a gateway
	// subscription id so renewal has something to search by.
	activate := func(t *testing.T, f *fixture) uuid.UUID {
		t.Helper()
		res := f.checkout(t, nil)
		sub, _ := f.svc.GetSubscription(context.Background(), f.actor, res.SubscriptionID)
		f.deliverPayment(t, gatewayPayment("920000", "approved", sub.Reference(), f.clock.Now()))

		sub, err := f.store.GetSubscription(context.Background(), res.SubscriptionID)
		require.NoError(t, err)
		sub.GatewaySubscriptionID = "gw-sub-1"
		require.NoError(t, f.store.UpdateSubscription(context.Background(), sub))
		return res.SubscriptionID
	}

	t.Run("approved newer payment advances the period", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activate(t, f)

		f.clock.Advance(30 * 24 * time.Hour)
		renewedAt := f.clock.Now()
		f.gw.searchPayments = func(ctx context.Context, q billing.PaymentSearch) ([]billing.GatewayPayment, error) {
			assert.Equal(t, "gw-sub-1", q.SubscriptionID)
			return []billing.GatewayPayment{
				gatewayPayment("920001", "approved", "", renewedAt),
			}, nil
		}

		out, err := f.svc.RenewSubscription(context.Background(), f.actor, id)
		require.NoError(t, err)
		assert.Equal(t, billing.ActionApplied, out.Action)
		assert.Equal(t, billing.StatusActive, out.Status)

		sub, err := f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.Equal(t, renewedAt.AddDate(0, 1, 0), *sub.CurrentPeriodEnd)
	})

	t.Run("no gateway subscription id", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)

		_, err := f.svc.RenewSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.ErrorIs(t, err, billing.ErrMissingGatewaySubID)
	})

	t.Run("no gateway payments", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activate(t, f)
		f.gw.searchPayments = func(ctx context.Context, q billing.PaymentSearch) ([]billing.GatewayPayment, error) {
			return nil, nil
		}

		out, err := f.svc.RenewSubscription(context.Background(), f.actor, id)
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Equal(t, billing.ActionNoPayments, out.Action)
	})

	t.Run("terminal subscription cannot renew", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activate(t, f)
		require.NoError(t, f.svc.CancelSubscription(context.Background(), f.actor, id, "test"))

		_, err := f.svc.RenewSubscription(context.Background(), f.actor, id)
		require.ErrorIs(t, err, billing.ErrInvalidTransition)
	})
}
