// Package billing implements recurring subscription billing against a
// preference-based payment gateway: plan pricing with coupon discounts,
// hosted-checkout initiation, and idempotent reconciliation of subscription
// state from asynchronous gateway notifications.
//
// The hard part of the domain is the subscription lifecycle state machine
// and its reconciliation protocol. Gateway webhooks arrive duplicated and
// out of order, and local state can diverge from gateway state; the package
// guarantees that a subscription's billing state never regresses incorrectly
// and that ingesting the same payment twice has no effect beyond the first.
//
// # Architecture
//
//   - Service: composition root for all billing operations
//   - Lifecycle: the subscription state transition table
//   - Store: persistence with a per-subscription serialization point
//   - GatewayClient: the remote payment gateway (preference + payment API)
//   - UserDirectory: identity lookup owned by the host application
//
// Subscription status is always derived through the Lifecycle table, either
// from a recorded payment or from an explicit user action, never written
// directly. Payments and coupon usage are append-only ledgers.
//
// # Reconciliation
//
// Webhook push (ProcessWebhook) and on-demand pull (SyncSubscription) share
// one write path: resolve the subscription via the checkout correlation id,
// short-circuit if the gateway payment id is already recorded, append the
// payment, then derive the next status. The payment insert and the status
// update commit atomically under Store.Atomic. Notifications older than the
// newest recorded payment are kept for ledger completeness but do not move
// status backwards.
//
// # Quick Start
//
//	store := billing.NewMemoryStore()
//	gateway := billing.NewHTTPGateway(gatewayCfg)
//	svc := billing.NewService(store, users, gateway,
//		billing.WithLogger(log),
//		billing.WithGraceWindow(30*24*time.Hour),
//	)
//
//	res, err := svc.InitCheckout(ctx, billing.InitCheckoutRequest{
//		UserID:          userID,
//		PlanID:          planID,
//		PaymentMethodID: "credit_card",
//	})
//	// redirect the user to res.CheckoutURL
//
// Incoming gateway notifications are fed to svc.ProcessWebhook; redelivered
// or unknown notifications are safe no-ops.
package billing
