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

// activeSubscription opens a checkout and pays it, leaving the fixture with
// an active subscription.
func activeSubscription(t *testing.T, f *fixture) uuid.UUID {
	t.Helper()
	res := f.checkout(t, nil)
	sub, err := f.store.GetSubscription(context.Background(), res.SubscriptionID)
	require.NoError(t, err)
	f.deliverPayment(t, gatewayPayment(uuid.NewString(), "approved", sub.Reference(), f.clock.Now()))
	return res.SubscriptionID
}

func TestCancelSubscription(t *testing.T) {
	t.Parallel()

	t.Run("cancel from active", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activeSubscription(t, f)

		require.NoError(t, f.svc.CancelSubscription(context.Background(), f.actor, id, "too expensive"))

		sub, err := f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, sub.Status)

		history, err := f.svc.ListTransitions(context.Background(), f.actor, id)
		require.NoError(t, err)
		last := history[len(history)-1]
		assert.Equal(t, billing.StatusCanceled, last.To)
		assert.Equal(t, "cancel:too expensive", last.TriggeredBy)
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activeSubscription(t, f)

		require.NoError(t, f.svc.CancelSubscription(context.Background(), f.actor, id, ""))
		require.NoError(t, f.svc.CancelSubscription(context.Background(), f.actor, id, ""))

		history, err := f.svc.ListTransitions(context.Background(), f.actor, id)
		require.NoError(t, err)
		cancels := 0
		for _, tr := range history {
			if tr.To == billing.StatusCanceled {
				cancels++
			}
		}
		assert.Equal(t, 1, cancels)
	})

	t.Run("expired subscription cannot be canceled", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, billing.WithGraceWindow(24*time.Hour))
		id := activeSubscription(t, f)

		// Push it to past_due, then past the grace window.
		sub, _ := f.store.GetSubscription(context.Background(), id)
		f.deliverPayment(t, gatewayPayment(uuid.NewString(), "rejected", sub.Reference(), f.clock.Now().Add(time.Hour)))
		f.clock.Advance(48 * time.Hour)
		require.NoError(t, f.svc.ExpireSubscription(context.Background(), id))

		err := f.svc.CancelSubscription(context.Background(), f.actor, id, "")
		require.ErrorIs(t, err, billing.ErrInvalidTransition)
	})

	t.Run("stranger cannot cancel", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activeSubscription(t, f)

		err := f.svc.CancelSubscription(context.Background(), billing.Actor{UserID: uuid.New()}, id, "")
		require.ErrorIs(t, err, billing.ErrAccessDenied)
	})
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	t.Run("pause and resume round-trip keeps status active", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activeSubscription(t, f)

		require.NoError(t, f.svc.PauseSubscription(context.Background(), f.actor, id))
		sub, err := f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, sub.Paused)
		assert.NotNil(t, sub.PausedAt)
		assert.Equal(t, billing.StatusActive, sub.Status)

		require.NoError(t, f.svc.ResumeSubscription(context.Background(), f.actor, id))
		sub, err = f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, sub.Paused)
		assert.Nil(t, sub.PausedAt)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})

	t.Run("cannot pause a pending subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		res := f.checkout(t, nil)

		err := f.svc.PauseSubscription(context.Background(), f.actor, res.SubscriptionID)
		require.ErrorIs(t, err, billing.ErrInvalidTransition)
	})

	t.Run("cannot pause twice", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activeSubscription(t, f)

		require.NoError(t, f.svc.PauseSubscription(context.Background(), f.actor, id))
		err := f.svc.PauseSubscription(context.Background(), f.actor, id)
		require.ErrorIs(t, err, billing.ErrInvalidTransition)
	})

	t.Run("cannot resume an unpaused subscription", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activeSubscription(t, f)

		err := f.svc.ResumeSubscription(context.Background(), f.actor, id)
		require.ErrorIs(t, err, billing.ErrInvalidTransition)
	})
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	// degrade pushes an active subscription into past_due.
	degrade := func(t *testing.T, f *fixture, id uuid.UUID) {
		t.Helper()
		sub, err := f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		f.deliverPayment(t, gatewayPayment(uuid.NewString(), "rejected", sub.Reference(), f.clock.Now().Add(time.Second)))
		sub, err = f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, billing.StatusPastDue, sub.Status)
	}

	t.Run("zero grace window disables expiry", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		id := activeSubscription(t, f)
		degrade(t, f, id)

		f.clock.Advance(365 * 24 * time.Hour)
		require.NoError(t, f.svc.ExpireSubscription(context.Background(), id))

		sub, err := f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, sub.Status)
	})

	t.Run("subscription inside the grace window survives", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, billing.WithGraceWindow(72*time.Hour))
		id := activeSubscription(t, f)
		degrade(t, f, id)

		f.clock.Advance(24 * time.Hour)
		require.NoError(t, f.svc.ExpireSubscription(context.Background(), id))

		sub, err := f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, sub.Status)
	})

	t.Run("subscription past the grace window expires", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, billing.WithGraceWindow(72*time.Hour))
		id := activeSubscription(t, f)
		degrade(t, f, id)

		f.clock.Advance(96 * time.Hour)
		require.NoError(t, f.svc.ExpireSubscription(context.Background(), id))

		sub, err := f.store.GetSubscription(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusExpired, sub.Status)
	})

	t.Run("ExpireOverdue sweeps only overdue grace subscriptions", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, billing.WithGraceWindow(72*time.Hour))
		overdue := activeSubscription(t, f)
		degrade(t, f, overdue)

		f.clock.Advance(96 * time.Hour)
		healthy := activeSubscription(t, f)

		expired, err := f.svc.ExpireOverdue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, expired)

		sub, err := f.store.GetSubscription(context.Background(), overdue)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusExpired, sub.Status)

		sub, err = f.store.GetSubscription(context.Background(), healthy)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})
}
