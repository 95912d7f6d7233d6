package recoup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the Recoup API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register auth endpoint.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:  serverURL,
		SellerID: uuid.NewString(),
		APIKey:   "test-key",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{SellerID: "s", APIKey: "k"}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "http://x", APIKey: "k"}); err == nil {
		t.Error("expected error for missing SellerID")
	}
	if _, err := NewClient(Config{BaseURL: "http://x", SellerID: "s"}); err == nil {
		t.Error("expected error for missing APIKey")
	}
}

func TestStartSyncUnwrapsEnvelope(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/sync/jobs": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "unauthorized", "message": "bad token"},
				})
				return
			}
			var req StartSyncRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.WindowMonths == nil || *req.WindowMonths != 6 {
				t.Errorf("expected window_months 6, got %v", req.WindowMonths)
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": Enqueued{JobID: jobID, State: JobQueued},
			})
		},
	})
	defer srv.Close()

	months := 6
	client := newTestClient(t, srv.URL)
	enq, err := client.StartSync(context.Background(), StartSyncRequest{WindowMonths: &months})
	if err != nil {
		t.Fatalf("StartSync failed: %v", err)
	}
	if enq.JobID != jobID {
		t.Errorf("expected job ID %s, got %s", jobID, enq.JobID)
	}
	if enq.State != JobQueued {
		t.Errorf("expected state %q, got %q", JobQueued, enq.State)
	}
}

func TestListClaimsSendsFilters(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/claims": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("state") != ClaimPending {
				t.Errorf("expected state filter %q, got %q", ClaimPending, q.Get("state"))
			}
			if q.Get("limit") != "10" {
				t.Errorf("expected limit 10, got %q", q.Get("limit"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []Claim{
					{ID: uuid.New(), State: ClaimPending, Category: "lost_inventory", Amount: "42.10", Currency: "USD"},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	claims, err := client.ListClaims(context.Background(), &ClaimOptions{State: ClaimPending, Limit: 10})
	if err != nil {
		t.Fatalf("ListClaims failed: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	if claims[0].Amount != "42.10" {
		t.Errorf("expected amount 42.10, got %q", claims[0].Amount)
	}
}

func TestErrorTypes(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/claims/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "not_found", "message": "claim not found"},
			})
		},
		"POST /v1/prompts/{id}/answer": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "conflict", "message": "prompt already answered"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.GetClaim(context.Background(), uuid.New())
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got %v", err)
	}

	_, err = client.AnswerPrompt(context.Background(), uuid.New(), AnswerYes)
	if !IsConflict(err) {
		t.Errorf("expected IsConflict, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Message != "prompt already answered" {
		t.Errorf("expected server message, got %v", err)
	}
}

func TestTokenCachedAcrossRequests(t *testing.T) {
	var authCalls atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		},
		"GET /v1/connections": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": []Connection{}})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for range 3 {
		if _, err := client.ListConnections(context.Background()); err != nil {
			t.Fatalf("ListConnections failed: %v", err)
		}
	}
	if got := authCalls.Load(); got != 1 {
		t.Errorf("expected 1 auth call, got %d", got)
	}
}

func TestDeleteConnectionNoContent(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"DELETE /v1/connections/{id}": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.DeleteConnection(context.Background(), uuid.New()); err != nil {
		t.Fatalf("DeleteConnection failed: %v", err)
	}
}

func TestWatchJobStopsAtTerminalEvent(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/events": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("job_id") != jobID.String() {
				t.Errorf("expected job_id %s, got %q", jobID, r.URL.Query().Get("job_id"))
			}
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, ev := range []Event{
				{JobID: jobID, Type: "progress", Current: 3, Total: 7, At: time.Now()},
				{JobID: jobID, Type: "completed", At: time.Now()},
			} {
				payload, _ := json.Marshal(ev)
				_, _ = w.Write([]byte("event: " + ev.Type + "\ndata: " + string(payload) + "\n\n"))
				flusher.Flush()
			}
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	var seen []string
	err := client.WatchJob(context.Background(), jobID, func(ev Event) error {
		seen = append(seen, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("WatchJob failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != "progress" || seen[1] != "completed" {
		t.Errorf("unexpected event sequence: %v", seen)
	}
}
