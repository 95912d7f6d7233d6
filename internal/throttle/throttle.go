// Package throttle wraps outbound provider calls with rate limiting, retry,
// and budget enforcement. It owns every token bucket in the process; callers
// describe the call and never touch a limiter directly.
package throttle

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/telemetry"
)

// Class separates fast metadata endpoints from slow ML endpoints. Each class
// carries its own rate bucket and call budget.
type Class string

const (
	// ClassMetadata covers report listings, downloads, and document listings.
	ClassMetadata Class = "metadata"
	// ClassML covers parser submissions and other model-backed endpoints.
	ClassML Class = "ml"
)

// Call budgets and the retry schedule. The budget covers every attempt of a
// call including limiter waits and backoff sleeps.
const (
	MetadataBudget = 30 * time.Second
	MLBudget       = 90 * time.Second

	maxAttempts  = 3
	retryBase    = 2 * time.Second
	retryCeiling = 30 * time.Second
)

// Budget returns the default call budget for a class.
func Budget(class Class) time.Duration {
	if class == ClassML {
		return MLBudget
	}
	return MetadataBudget
}

// Response is the provider's answer to one attempt. Adapters fill it from
// whatever transport they use.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Call describes one provider operation. Op performs the actual request with
// the deadline-bounded context it receives. Refresh, when set, is invoked at
// most once after a 401 before the single permitted re-attempt.
type Call struct {
	Provider string
	Endpoint string
	Class    Class
	Budget   time.Duration // zero means the class default
	Op       func(ctx context.Context) (*Response, error)
	Refresh  func(ctx context.Context) error
}

// Event describes one attempt for observers.
type Event struct {
	Provider  string
	Endpoint  string
	Status    int
	Latency   time.Duration
	Attempt   int
	Retryable bool
	Err       error
}

// Observer receives one Event per attempt.
type Observer func(Event)

type bucketKey struct {
	provider string
	class    Class
}

type bucketLimit struct {
	rps   rate.Limit
	burst int
}

// Client executes provider calls behind per-(provider, class) token buckets
// with a bounded retry schedule. Safe for concurrent use.
type Client struct {
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	limiters map[bucketKey]*rate.Limiter
	limits   map[bucketKey]bucketLimit
	defaults map[Class]bucketLimit

	attempts metric.Int64Counter
}

// Option configures a Client.
type Option func(*Client)

// WithObserver installs a per-attempt hook.
func WithObserver(fn Observer) Option {
	return func(c *Client) { c.observer = fn }
}

// WithLimit overrides the token bucket for one (provider, class) pair.
func WithLimit(provider string, class Class, rps rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limits[bucketKey{provider, class}] = bucketLimit{rps, burst}
	}
}

// WithDefaultLimit overrides the fallback bucket for a class.
func WithDefaultLimit(class Class, rps rate.Limit, burst int) Option {
	return func(c *Client) {
		c.defaults[class] = bucketLimit{rps, burst}
	}
}

// New creates a throttled client. A nil logger falls back to slog.Default.
func New(logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("recoup/throttle")
	attempts, _ := meter.Int64Counter("recoup.throttle.attempts",
		metric.WithDescription("Provider call attempts by status and retryability"),
	)
	c := &Client{
		logger:   logger,
		limiters: make(map[bucketKey]*rate.Limiter),
		limits:   make(map[bucketKey]bucketLimit),
		defaults: map[Class]bucketLimit{
			ClassMetadata: {rps: 2, burst: 4},
			ClassML:       {rps: 1, burst: 2},
		},
		attempts: attempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) limiter(provider string, class Class) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := bucketKey{provider, class}
	if l, ok := c.limiters[k]; ok {
		return l
	}
	lim, ok := c.limits[k]
	if !ok {
		lim = c.defaults[class]
	}
	l := rate.NewLimiter(lim.rps, lim.burst)
	c.limiters[k] = l
	return l
}

// Do executes the call within its budget: wait for a token, attempt, classify,
// and retry transient failures on an exponential schedule capped at three
// attempts. A 429 with a Retry-After header waits exactly that long. The last
// response is returned alongside the error so callers can inspect it.
func (c *Client) Do(ctx context.Context, call Call) (*Response, error) {
	if call.Op == nil {
		return nil, fault.New(fault.Validation, "throttle: call has no operation")
	}

	budget := call.Budget
	if budget <= 0 {
		budget = Budget(call.Class)
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	limiter := c.limiter(call.Provider, call.Class)

	var (
		last      *Response
		attempt   int
		refreshed bool
	)

	op := func() (*Response, error) {
		attempt++
		if err := limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fault.Wrap(fault.Transient,
				call.Provider+" "+call.Endpoint+": budget exhausted waiting for rate limit", err).
				With("attempt", attempt))
		}

		start := time.Now()
		resp, err := call.Op(ctx)
		latency := time.Since(start)
		if resp != nil {
			last = resp
		}

		v := Classify(resp, err)
		c.observe(ctx, call, resp, err, attempt, latency, v.Retryable)

		if v.Kind == "" {
			return resp, nil
		}

		// A 401 earns one credential refresh and one re-attempt.
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if call.Refresh != nil && !refreshed {
				refreshed = true
				if rerr := call.Refresh(ctx); rerr != nil {
					return nil, backoff.Permanent(fault.Wrap(fault.Auth,
						call.Provider+" "+call.Endpoint+": refresh credentials", rerr))
				}
				return nil, fault.New(fault.Auth,
					call.Provider+" "+call.Endpoint+": unauthorized, credentials refreshed")
			}
			return nil, backoff.Permanent(fault.New(fault.Auth,
				call.Provider+" "+call.Endpoint+": unauthorized"))
		}

		ferr := attemptError(call, resp, err, v)
		if !v.Retryable {
			return nil, backoff.Permanent(ferr)
		}
		return nil, ferr
	}

	sched := backoff.NewExponentialBackOff()
	sched.InitialInterval = retryBase
	sched.Multiplier = 2
	sched.RandomizationFactor = 0.25
	sched.MaxInterval = retryCeiling

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(sched),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = fault.Wrap(fault.Transient,
				call.Provider+" "+call.Endpoint+": call budget exhausted", err)
		}
		return last, err
	}
	return resp, nil
}

// attemptError builds the classified error for one failed attempt. A 429 with
// a Retry-After header carries a backoff.RetryAfter cause so the retry loop
// honors the server's schedule.
func attemptError(call Call, resp *Response, err error, v Verdict) error {
	if err != nil {
		return fault.Wrap(v.Kind, call.Provider+" "+call.Endpoint+": request failed", err)
	}
	var cause error
	if v.RetryAfter >= time.Second {
		cause = backoff.RetryAfter(int(v.RetryAfter / time.Second))
	}
	fe := &fault.Error{
		Kind:    v.Kind,
		Message: call.Provider + " " + call.Endpoint + ": status " + strconv.Itoa(resp.StatusCode),
		Cause:   cause,
	}
	return fe.With("status", resp.StatusCode)
}

func (c *Client) observe(ctx context.Context, call Call, resp *Response, err error, attempt int, latency time.Duration, retryable bool) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	level := slog.LevelDebug
	if err != nil || status >= 400 {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "provider call",
		"provider", call.Provider,
		"endpoint", call.Endpoint,
		"status", status,
		"latency_ms", latency.Milliseconds(),
		"attempt", attempt,
		"retryable", retryable,
	)

	if c.attempts != nil {
		c.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", call.Provider),
			attribute.String("class", string(call.Class)),
			attribute.Int("status", status),
			attribute.Bool("retryable", retryable),
		))
	}

	if c.observer != nil {
		c.observer(Event{
			Provider:  call.Provider,
			Endpoint:  call.Endpoint,
			Status:    status,
			Latency:   latency,
			Attempt:   attempt,
			Retryable: retryable,
			Err:       err,
		})
	}
}

// Verdict is the classification of one attempt.
type Verdict struct {
	Kind       fault.Kind // empty on success
	Retryable  bool
	RetryAfter time.Duration
}

// Classify maps an attempt outcome to its fault kind and retryability.
// Retries are earned only by 408, 429, 502, 503, 504, and transport errors;
// a spent budget is transient but final for this call.
func Classify(resp *Response, err error) Verdict {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Verdict{Kind: fault.Transient, Retryable: false}
		}
		return Verdict{Kind: fault.Transient, Retryable: true}
	}
	if resp == nil {
		return Verdict{Kind: fault.Transient, Retryable: true}
	}

	switch {
	case resp.StatusCode < 300:
		return Verdict{}
	case resp.StatusCode == http.StatusUnauthorized:
		return Verdict{Kind: fault.Auth, Retryable: false}
	case resp.StatusCode == http.StatusNotFound:
		return Verdict{Kind: fault.NotFound, Retryable: false}
	case resp.StatusCode == http.StatusRequestTimeout:
		return Verdict{Kind: fault.Transient, Retryable: true}
	case resp.StatusCode == http.StatusConflict:
		return Verdict{Kind: fault.Conflict, Retryable: false}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Verdict{Kind: fault.RateLimited, Retryable: true, RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return Verdict{Kind: fault.Transient, Retryable: true}
	case resp.StatusCode < 500:
		return Verdict{Kind: fault.Validation, Retryable: false}
	default:
		return Verdict{Kind: fault.Transient, Retryable: false}
	}
}

// retryAfter parses a Retry-After header as delay seconds or an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
