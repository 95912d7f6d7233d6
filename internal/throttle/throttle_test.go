package throttle

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/recoup-ai/recoup/internal/fault"
)

func uncappedClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithDefaultLimit(ClassMetadata, rate.Inf, 1),
		WithDefaultLimit(ClassML, rate.Inf, 1),
	}, opts...)
	return New(nil, opts...)
}

func respond(status int, header http.Header) func(ctx context.Context) (*Response, error) {
	return func(ctx context.Context) (*Response, error) {
		return &Response{StatusCode: status, Header: header}, nil
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		resp      *Response
		err       error
		kind      fault.Kind
		retryable bool
	}{
		{"success", &Response{StatusCode: 200}, nil, "", false},
		{"created", &Response{StatusCode: 201}, nil, "", false},
		{"unauthorized", &Response{StatusCode: 401}, nil, fault.Auth, false},
		{"not found", &Response{StatusCode: 404}, nil, fault.NotFound, false},
		{"timeout status", &Response{StatusCode: 408}, nil, fault.Transient, true},
		{"conflict", &Response{StatusCode: 409}, nil, fault.Conflict, false},
		{"rate limited", &Response{StatusCode: 429}, nil, fault.RateLimited, true},
		{"bad gateway", &Response{StatusCode: 502}, nil, fault.Transient, true},
		{"unavailable", &Response{StatusCode: 503}, nil, fault.Transient, true},
		{"gateway timeout", &Response{StatusCode: 504}, nil, fault.Transient, true},
		{"bad request", &Response{StatusCode: 400}, nil, fault.Validation, false},
		{"teapot", &Response{StatusCode: 418}, nil, fault.Validation, false},
		{"internal error", &Response{StatusCode: 500}, nil, fault.Transient, false},
		{"transport error", nil, errors.New("connection reset by peer"), fault.Transient, true},
		{"budget exceeded", nil, context.DeadlineExceeded, fault.Transient, false},
		{"cancelled", nil, context.Canceled, fault.Transient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(tt.resp, tt.err)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.retryable, v.Retryable)
		})
	}
}

func TestClassifyRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	v := Classify(&Response{StatusCode: 429, Header: h}, nil)
	assert.Equal(t, 7*time.Second, v.RetryAfter)

	h = http.Header{}
	h.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
	v = Classify(&Response{StatusCode: 429, Header: h}, nil)
	assert.Greater(t, v.RetryAfter, 5*time.Second)

	v = Classify(&Response{StatusCode: 429}, nil)
	assert.Zero(t, v.RetryAfter)
}

func TestDoSuccessSingleAttempt(t *testing.T) {
	c := uncappedClient(t)

	calls := 0
	resp, err := c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/reports",
		Class:    ClassMetadata,
		Op: func(ctx context.Context) (*Response, error) {
			calls++
			return &Response{StatusCode: 200, Body: []byte("ok")}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []byte("ok"), resp.Body)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	c := uncappedClient(t)

	calls := 0
	resp, err := c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/reports",
		Class:    ClassMetadata,
		Op: func(ctx context.Context) (*Response, error) {
			calls++
			if calls == 1 {
				return &Response{StatusCode: 503}, nil
			}
			return &Response{StatusCode: 200}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 200, resp.StatusCode)
}

// Three straight 429s with Retry-After: 2 must stop at three attempts having
// honored the server's schedule between them.
func TestDoRateLimitedHonorsRetryAfter(t *testing.T) {
	c := uncappedClient(t)

	h := http.Header{}
	h.Set("Retry-After", "2")

	calls := 0
	start := time.Now()
	resp, err := c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/reports",
		Class:    ClassMetadata,
		Op: func(ctx context.Context) (*Response, error) {
			calls++
			return &Response{StatusCode: 429, Header: h}, nil
		},
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, fault.RateLimited, fault.KindOf(err))
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, elapsed, 4*time.Second, "two Retry-After waits of 2s each")
	require.NotNil(t, resp, "last response rides along with the error")
	assert.Equal(t, 429, resp.StatusCode)
}

func TestDoUnauthorizedRefreshesOnce(t *testing.T) {
	c := uncappedClient(t)

	calls, refreshes := 0, 0
	resp, err := c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/reports",
		Class:    ClassMetadata,
		Op: func(ctx context.Context) (*Response, error) {
			calls++
			if calls == 1 {
				return &Response{StatusCode: 401}, nil
			}
			return &Response{StatusCode: 200}, nil
		},
		Refresh: func(ctx context.Context) error {
			refreshes++
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestDoSecondUnauthorizedIsPermanent(t *testing.T) {
	c := uncappedClient(t)

	calls, refreshes := 0, 0
	_, err := c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/reports",
		Class:    ClassMetadata,
		Op: func(ctx context.Context) (*Response, error) {
			calls++
			return &Response{StatusCode: 401}, nil
		},
		Refresh: func(ctx context.Context) error {
			refreshes++
			return nil
		},
	})
	require.Error(t, err)
	assert.Equal(t, fault.Auth, fault.KindOf(err))
	assert.Equal(t, 2, calls, "exactly one re-attempt after the refresh")
	assert.Equal(t, 1, refreshes)
}

func TestDoNotFoundNeverRetries(t *testing.T) {
	c := uncappedClient(t)

	calls := 0
	start := time.Now()
	_, err := c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/documents/42",
		Class:    ClassMetadata,
		Op: func(ctx context.Context) (*Response, error) {
			calls++
			return &Response{StatusCode: 404}, nil
		},
	})
	require.Error(t, err)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second, "permanent failures return immediately")
}

func TestDoBudgetBoundsTheCall(t *testing.T) {
	c := uncappedClient(t)

	_, err := c.Do(context.Background(), Call{
		Provider: "parser",
		Endpoint: "/parse",
		Class:    ClassML,
		Budget:   50 * time.Millisecond,
		Op: func(ctx context.Context) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.Error(t, err)
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}

func TestDoEmitsObserverEvents(t *testing.T) {
	var events []Event
	c := uncappedClient(t, WithObserver(func(e Event) {
		events = append(events, e)
	}))

	_, err := c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/reports",
		Class:    ClassMetadata,
		Op:       respond(404, nil),
	})
	require.Error(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "amazon", events[0].Provider)
	assert.Equal(t, "/reports", events[0].Endpoint)
	assert.Equal(t, 404, events[0].Status)
	assert.Equal(t, 1, events[0].Attempt)
	assert.False(t, events[0].Retryable)
}

func TestLimiterSharedPerProviderClass(t *testing.T) {
	c := New(nil, WithLimit("amazon", ClassMetadata, rate.Every(time.Hour), 1))

	// First call takes the only token.
	_, err := c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/reports",
		Class:    ClassMetadata,
		Op:       respond(200, nil),
	})
	require.NoError(t, err)

	// Second call cannot get a token inside its budget.
	_, err = c.Do(context.Background(), Call{
		Provider: "amazon",
		Endpoint: "/reports",
		Class:    ClassMetadata,
		Budget:   100 * time.Millisecond,
		Op:       respond(200, nil),
	})
	require.Error(t, err)
	assert.Equal(t, fault.Transient, fault.KindOf(err))

	// A different provider has its own bucket.
	_, err = c.Do(context.Background(), Call{
		Provider: "gmail",
		Endpoint: "/messages",
		Class:    ClassMetadata,
		Budget:   100 * time.Millisecond,
		Op:       respond(200, nil),
	})
	require.NoError(t, err)
}
