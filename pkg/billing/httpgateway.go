package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

// GatewayConfig configures the HTTP payment gateway client.
type GatewayConfig struct {
	BaseURL       string        `env:"PAYMENT_GATEWAY_URL,required"`
	AccessToken   string        `env:"PAYMENT_GATEWAY_TOKEN,required"`
	Timeout       time.Duration `env:"PAYMENT_GATEWAY_TIMEOUT" envDefault:"10s"`
	RetryAttempts uint64        `env:"PAYMENT_GATEWAY_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBase     time.Duration `env:"PAYMENT_GATEWAY_RETRY_BASE" envDefault:"500ms"`
}

// GatewayConfigFromEnv loads the gateway configuration from environment
// variables, reading a local .env file first when present.
func GatewayConfigFromEnv() (GatewayConfig, error) {
	// The .env file is optional; absence is not an error.
	_ = godotenv.Load()
	var cfg GatewayConfig
	if err := env.Parse(&cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("failed to parse gateway config: %w", err)
	}
	return cfg, nil
}

// HTTPGateway implements GatewayClient over the gateway's REST API. Every
// call is bounded by the configured timeout, retried with exponential
// backoff on transient failures, and guarded by a circuit breaker so a
// degraded gateway fails fast instead of piling up timeouts.
type HTTPGateway struct {
	cfg     GatewayConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewHTTPGateway creates a gateway client from config.
func NewHTTPGateway(cfg GatewayConfig) *HTTPGateway {
	return &HTTPGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name: "payment-gateway",
			// A missing resource is a valid gateway answer, not a failure
			// that should open the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errGatewayNotFound)
			},
		}),
	}
}

func (g *HTTPGateway) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	var pref Preference
	if err := g.do(ctx, http.MethodPost, "/checkout/preferences", req, &pref); err != nil {
		return nil, err
	}
	if pref.InitPoint == "" {
		return nil, ErrGatewayUnavailable.WithCause(errors.New("no init point in preference response"))
	}
	return &pref, nil
}

func (g *HTTPGateway) GetPreference(ctx context.Context, id string) (*Preference, error) {
	var pref Preference
	path := "/checkout/preferences/" + url.PathEscape(id)
	if err := g.do(ctx, http.MethodGet, path, nil, &pref); err != nil {
		if errors.Is(err, errGatewayNotFound) {
			return nil, ErrPreferenceNotFound
		}
		return nil, err
	}
	return &pref, nil
}

func (g *HTTPGateway) GetPayment(ctx context.Context, id string) (*GatewayPayment, error) {
	var payload gatewayPaymentPayload
	path := "/v1/payments/" + url.PathEscape(id)
	if err := g.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		if errors.Is(err, errGatewayNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	gp := payload.toGatewayPayment()
	return &gp, nil
}

func (g *HTTPGateway) SearchPayments(ctx context.Context, q PaymentSearch) ([]GatewayPayment, error) {
	params := url.Values{}
	if q.PreferenceID != "" {
		params.Set("preference_id", q.PreferenceID)
	}
	if q.SubscriptionID != "" {
		params.Set("subscription_id", q.SubscriptionID)
	}
	if q.ExternalReference != "" {
		params.Set("external_reference", q.ExternalReference)
	}

	var payload struct {
		Results []gatewayPaymentPayload `json:"results"`
	}
	path := "/v1/payments/search?" + params.Encode()
	if err := g.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	payments := make([]GatewayPayment, 0, len(payload.Results))
	for _, p := range payload.Results {
		payments = append(payments, p.toGatewayPayment())
	}
	return payments, nil
}

// errGatewayNotFound is internal to the client: callers translate it into
// the entity-specific not-found sentinel.
var errGatewayNotFound = errors.New("gateway resource not found")

// do performs one API call with retry and circuit breaking, decoding the
// response into out when non-nil.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody []byte
	if body != nil {
		var err error
		if reqBody, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode gateway request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(g.cfg.RetryAttempts, retry.NewExponential(g.cfg.RetryBase))

	var respBody []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, err := g.breaker.Execute(func() ([]byte, error) {
			return g.roundTrip(ctx, method, path, reqBody)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Retrying against an open breaker only burns the budget.
				return ErrGatewayUnavailable.WithCause(err)
			}
			if errors.Is(err, errGatewayRetriable) {
				return retry.RetryableError(ErrGatewayUnavailable.WithCause(err))
			}
			return err
		}
		respBody = data
		return nil
	})
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

// errGatewayRetriable marks transient transport and server failures.
var errGatewayRetriable = errors.New("transient gateway failure")

func (g *HTTPGateway) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errGatewayRetriable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errGatewayRetriable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errGatewayNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: gateway returned %d", errGatewayRetriable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(data))
	}
}

// gatewayPaymentPayload is the loose wire shape of a gateway payment,
// mapped into the strict GatewayPayment immediately on ingestion.
type gatewayPaymentPayload struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	DateCreated       time.Time       `json:"date_created"`
	ExternalReference string          `json:"external_reference"`
	SubscriptionID    string          `json:"subscription_id"`
	PreferenceID      string          `json:"preference_id"`
}

func (p gatewayPaymentPayload) toGatewayPayment() GatewayPayment {
	raw, _ := json.Marshal(p)
	return GatewayPayment{
		ID:                p.ID.String(),
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		TransactionAmount: p.TransactionAmount,
		DateCreated:       p.DateCreated,
		ExternalReference: p.ExternalReference,
		SubscriptionID:    p.SubscriptionID,
		PreferenceID:      p.PreferenceID,
		Raw:               raw,
	}
}
