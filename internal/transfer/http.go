package transfer

import (
	"EscrowLedger/internal/observability"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type HTTPConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RatePerSec   float64 // 0 disables client-side throttling
	MaxTries     uint    // per call, transport errors and 5xx only
	RetryInitial time.Duration
}

// HTTPGateway talks JSON over HTTP to a custody service:
//
//	POST /v1/transfers               {destination, amount, idempotency_key}
//	GET  /v1/transfers/{key}         404 when the key was never seen
//	GET  /v1/balance
type HTTPGateway struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewHTTPGateway(cfg HTTPConfig, metrics *observability.Metrics, log zerolog.Logger) (*HTTPGateway, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("transfer base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &HTTPGateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		metrics: metrics,
		log:     log,
	}, nil
}

var _ Gateway = (*HTTPGateway)(nil)

type transferRequest struct {
	Destination    string `json:"destination"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type transferResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

func (g *HTTPGateway) Transfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (Result, error) {
	body, err := json.Marshal(transferRequest{Destination: destination, Amount: amount, IdempotencyKey: idempotencyKey})
	if err != nil {
		return Result{}, err
	}
	var resp transferResponse
	status, err := g.do(ctx, "transfer", http.MethodPost, "/v1/transfers", body, &resp)
	if err != nil {
		return Result{}, err
	}
	if status == http.StatusUnprocessableEntity || status == http.StatusBadRequest {
		return Result{Status: StatusFailed, Message: resp.Message}, nil
	}
	return toResult(resp)
}

func (g *HTTPGateway) QueryTransfer(ctx context.Context, idempotencyKey string) (Result, error) {
	var resp transferResponse
	status, err := g.do(ctx, "query", http.MethodGet, "/v1/transfers/"+url.PathEscape(idempotencyKey), nil, &resp)
	if err != nil {
		return Result{}, err
	}
	if status == http.StatusNotFound {
		return Result{Status: StatusNotFound}, nil
	}
	return toResult(resp)
}

func (g *HTTPGateway) Balance(ctx context.Context) (int64, error) {
	var resp balanceResponse
	if _, err := g.do(ctx, "balance", http.MethodGet, "/v1/balance", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

func toResult(resp transferResponse) (Result, error) {
	switch s := Status(strings.ToUpper(resp.Status)); s {
	case StatusPending, StatusConfirmed, StatusFailed, StatusNotFound:
		return Result{Status: s, Reference: resp.Reference, Message: resp.Message}, nil
	default:
		return Result{}, fmt.Errorf("%w: unrecognised status %q", ErrUnavailable, resp.Status)
	}
}

// do performs one logical call, retrying transport errors and 5xx responses.
// 4xx responses are returned to the caller with their status code.
func (g *HTTPGateway) do(ctx context.Context, op, method, path string, body []byte, out any) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.cfg.RetryInitial

	status, err := backoff.Retry(ctx, func() (int, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return 0, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.cfg.BaseURL, "/")+path, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if g.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return 0, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		if resp.StatusCode >= 500 {
			return 0, fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
		}
		if len(data) > 0 && out != nil {
			if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
				return 0, backoff.Permanent(fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err))
			}
		}
		return resp.StatusCode, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(g.cfg.MaxTries),
	)

	result := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "cancelled"
	case err != nil:
		result = "error"
	case status >= 400:
		result = fmt.Sprintf("%dxx", status/100)
	}
	g.metrics.TransferCall(op, result)
	if err != nil {
		g.log.Warn().Err(err).Str("op", op).Str("path", path).Msg("transfer gateway call failed")
	}
	return status, err
}
