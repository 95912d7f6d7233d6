package parser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/throttle"
)

func testThrottle(t *testing.T) *throttle.Client {
	t.Helper()
	return throttle.New(nil, throttle.WithDefaultLimit(throttle.ClassML, 1000, 1000))
}

func TestParseSubmitsDocument(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/parse", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req parseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "invoice.pdf", req.Filename)
		assert.NotEmpty(t, req.Content)

		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "pj-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token", testThrottle(t), nil)
	jobID, err := c.Parse(context.Background(), uuid.New(), uuid.New(), "invoice.pdf", "application/pdf", []byte("%PDF-"))
	require.NoError(t, err)
	assert.Equal(t, "pj-123", jobID)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestGetJobAndParsed(t *testing.T) {
	docID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/jobs/pj-123":
			_ = json.NewEncoder(w).Encode(JobStatus{JobID: "pj-123", Status: JobCompleted})
		case "/v1/documents/" + docID.String() + "/parsed":
			conf := 0.92
			_ = json.NewEncoder(w).Encode(Parsed{DocType: "invoice", Confidence: &conf})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", testThrottle(t), nil)

	status, err := c.GetJob(context.Background(), uuid.New(), "pj-123")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, status.Status)

	parsed, err := c.GetParsed(context.Background(), uuid.New(), docID)
	require.NoError(t, err)
	assert.Equal(t, "invoice", parsed.DocType)
	require.NotNil(t, parsed.Confidence)
	assert.InDelta(t, 0.92, *parsed.Confidence, 1e-9)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", testThrottle(t), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.GetJob(ctx, uuid.New(), "pj-err")
		require.Error(t, err)
	}
	hitsBeforeOpen := hits

	_, err := c.GetJob(ctx, uuid.New(), "pj-err")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Transient))
	assert.Equal(t, hitsBeforeOpen, hits, "open circuit must not reach the server")
}

func TestNotFoundSurfacesAsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", testThrottle(t), nil)
	_, err := c.GetParsed(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}
