// Package billingapi mounts the billing service as a JSON HTTP module.
//
// The module owns transport concerns only: request decoding, actor
// resolution, and mapping billing error kinds to HTTP status codes. All
// billing semantics live in pkg/billing.
package billingapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hireloop/billingkit/pkg/billing"
)

// ActorResolver extracts the authenticated actor from a request. The host
// application owns authentication; the module only consumes its result.
type ActorResolver func(r *http.Request) (billing.Actor, error)

// API exposes the billing service over HTTP.
type API struct {
	svc   *billing.Service
	actor ActorResolver
	log   *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// New creates the billing HTTP module. Panics on a nil service or resolver
// to fail fast during composition.
func New(svc *billing.Service, actor ActorResolver, opts ...Option) *API {
	if svc == nil {
		panic("billingapi: billing.Service is required")
	}
	if actor == nil {
		panic("billingapi: ActorResolver is required")
	}
	a := &API{svc: svc, actor: actor, log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle returns the module's router, ready to be mounted.
//
// Example:
//
//	api := billingapi.New(svc, actorFromSession)
//	r.Mount("/billing", api.Handle())
func (a *API) Handle() http.Handler {
	r := chi.NewRouter()

	r.Get("/payment-methods", a.listPaymentMethods)
	r.Post("/checkout", a.initCheckout)

	// Gateway callback, authenticated by the gateway's delivery contract
	// rather than an actor. Always mount behind the host's webhook guard.
	r.Post("/webhooks/payments", a.paymentWebhook)

	r.Route("/subscriptions/{id}", func(r chi.Router) {
		r.Get("/", a.getSubscription)
		r.Get("/quota", a.getQuota)
		r.Get("/transitions", a.listTransitions)
		r.Post("/cancel", a.cancelSubscription)
		r.Post("/pause", a.pauseSubscription)
		r.Post("/resume", a.resumeSubscription)
		r.Post("/renew", a.renewSubscription)
		r.Post("/sync", a.syncSubscription)
	})

	return r
}
