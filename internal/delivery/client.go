// Package delivery sends rendered messages to the external email service
// and classifies the result for the due processor's retry/backoff
// decisions. It wraps every call with a replica-local
// circuit breaker and records outcomes to Prometheus.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/chronicle/internal/circuitbreaker"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Outcome classifies the result of a single delivery attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeTerminal  Outcome = "terminal"
	OutcomeBreaker   Outcome = "breaker_open"
)

// ErrBreakerOpen is returned when the circuit breaker rejects the call
// without attempting the HTTP request.
var ErrBreakerOpen = fmt.Errorf("delivery: circuit breaker open")

// Result carries the classified outcome of an Attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

// Config configures the delivery client.
type Config struct {
	EmailServiceURL string
	Timeout         time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
}

type emailRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// Client sends rendered messages to the configured email service,
// classifying failures so the caller can decide whether to retry.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// New creates a delivery client backed by the given circuit breaker.
// breaker may be nil, in which case the breaker is treated as always
// closed.
func New(cfg Config, breaker *circuitbreaker.Breaker) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// Attempt performs a single-call dispatch with bounded exponential
// retry: the breaker is checked once, then up to MaxRetries further
// attempts are made internally while the outcome stays retryable, with
// BackoffDelay between them. The breaker only sees the outcome of the
// whole invocation, not each internal attempt, and the due processor's
// own persisted retry count only advances when Attempt as a whole
// fails — this is the across-tick retry budget, separate from the
// bounded retries made here within one call.
func (c *Client) Attempt(ctx context.Context, email, message string) Result {
	if c.breaker != nil {
		allowed := c.breaker.Allow()
		metrics.Current().SetBreakerState(c.breaker.State().String())
		if !allowed {
			return Result{Outcome: OutcomeBreaker, Err: ErrBreakerOpen}
		}
	}

	start := time.Now()
	res := c.sendWithRetry(ctx, email, message)
	metrics.Current().ObserveDelivery(string(res.Outcome), time.Since(start))

	if c.breaker != nil {
		before := c.breaker.State()
		switch res.Outcome {
		case OutcomeSuccess:
			c.breaker.RecordSuccess()
		case OutcomeRetryable:
			c.breaker.RecordFailure()
		}
		after := c.breaker.State()
		if after == circuitbreaker.StateOpen && before != circuitbreaker.StateOpen {
			metrics.Current().IncBreakerTrip()
		}
		metrics.Current().SetBreakerState(after.String())
	}
	return res
}

// sendWithRetry makes the initial call plus up to MaxRetries further
// calls while the outcome stays retryable, sleeping BackoffDelay(n)
// between attempt n and n+1. It returns as soon as an attempt succeeds
// or comes back terminal, or the context is cancelled mid-backoff.
func (c *Client) sendWithRetry(ctx context.Context, email, message string) Result {
	res := c.send(ctx, email, message)
	for attempt := 0; res.Outcome == OutcomeRetryable && attempt < c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return res
		case <-time.After(c.BackoffDelay(attempt)):
		}
		res = c.send(ctx, email, message)
	}
	return res
}

func (c *Client) send(ctx context.Context, email, message string) Result {
	ctx, span := observability.Tracer().Start(ctx, "delivery.send")
	defer span.End()

	body, err := json.Marshal(emailRequest{Email: email, Message: message})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal request")
		return Result{Outcome: OutcomeTerminal, Err: fmt.Errorf("marshal request: %w", err)}
	}

	url := c.cfg.EmailServiceURL + "/send-email"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request")
		return Result{Outcome: OutcomeTerminal, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		logging.Op().Warn("delivery request failed", "url", url, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return Result{Outcome: OutcomeRetryable, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	outcome := classify(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode), attribute.String("delivery.outcome", string(outcome)))
	if outcome != OutcomeSuccess {
		span.SetStatus(codes.Error, string(outcome))
	}
	return Result{Outcome: outcome, StatusCode: resp.StatusCode}
}

// classify maps an HTTP status code to a delivery outcome:
// 2xx succeeds; 5xx, 408, and 429 are retryable; any other 4xx is
// terminal (the request itself is malformed or rejected and retrying
// it unchanged cannot help).
func classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return OutcomeRetryable
	case status >= 500:
		return OutcomeRetryable
	case status >= 400:
		return OutcomeTerminal
	default:
		return OutcomeTerminal
	}
}

// BackoffDelay returns the delay before retry attempt n (0-indexed),
// computed as baseDelay * 2^n.
func (c *Client) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := c.cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// MaxRetries returns the configured retry budget.
func (c *Client) MaxRetries() int {
	return c.cfg.MaxRetries
}
