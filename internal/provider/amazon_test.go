package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/throttle"
)

func testThrottle() *throttle.Client {
	return throttle.New(nil,
		throttle.WithDefaultLimit(throttle.ClassMetadata, rate.Inf, 1),
		throttle.WithDefaultLimit(throttle.ClassML, rate.Inf, 1),
	)
}

func newTestAmazon(server *httptest.Server, onRefresh func(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle)) *Amazon {
	return NewAmazon(AmazonConfig{
		Endpoint:            server.URL,
		AuthEndpoint:        server.URL + "/auth/o2/token",
		ClientID:            "client-id",
		ClientSecret:        "client-secret",
		OnCredentialRefresh: onRefresh,
	}, testThrottle(), nil)
}

func TestAmazonAuthURL(t *testing.T) {
	a := NewAmazon(AmazonConfig{ClientID: "app-123"}, testThrottle(), nil)
	u := a.AuthURL("state-xyz")
	if !strings.Contains(u, "application_id=app-123") {
		t.Errorf("auth url missing application id: %s", u)
	}
	if !strings.Contains(u, "state=state-xyz") {
		t.Errorf("auth url missing state: %s", u)
	}
}

func TestAmazonExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/o2/token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code"); got != "the-code" {
			t.Errorf("code = %q", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "client-secret" {
			t.Errorf("client_secret = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	a := newTestAmazon(server, nil)
	bundle, err := a.ExchangeCode(context.Background(), "the-code")
	if err != nil {
		t.Fatal(err)
	}
	if bundle.AccessToken != "at-1" || bundle.RefreshToken != "rt-1" {
		t.Errorf("unexpected bundle: %+v", bundle)
	}
	if bundle.ExpiresAt == nil || time.Until(*bundle.ExpiresAt) < 50*time.Minute {
		t.Errorf("expected expiry about an hour out, got %v", bundle.ExpiresAt)
	}
}

func TestAmazonRefreshKeepsRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		// LWA refresh responses often omit refresh_token.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-2",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	a := newTestAmazon(server, nil)
	bundle, err := a.Refresh(context.Background(), model.CredentialBundle{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if bundle.AccessToken != "at-2" {
		t.Errorf("access token = %q", bundle.AccessToken)
	}
	if bundle.RefreshToken != "rt-1" {
		t.Errorf("refresh token should survive: %q", bundle.RefreshToken)
	}
}

func TestAmazonRefreshWithoutToken(t *testing.T) {
	a := NewAmazon(AmazonConfig{}, testThrottle(), nil)
	if _, err := a.Refresh(context.Background(), model.CredentialBundle{}); err == nil {
		t.Fatal("expected error for missing refresh token")
	}
}

func TestAmazonDownloadReport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reports/v1/orders" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.URL.Query().Get("dataStartTime"); got != "2026-01-01" {
			t.Errorf("dataStartTime = %q", got)
		}
		w.Header().Set("Content-Type", "text/tab-separated-values")
		_, _ = w.Write([]byte("amazon-order-id\tsku\titem-price\n111-1\tSKU-A\t19.99\n111-2\tSKU-B\t5.00\n"))
	}))
	defer server.Close()

	a := newTestAmazon(server, nil)
	window := model.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	records, err := a.DownloadReport(context.Background(), uuid.New(), model.CredentialBundle{AccessToken: "at-1"}, model.ReportOrders, window)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["amazon-order-id"] != "111-1" || records[1]["sku"] != "SKU-B" {
		t.Errorf("unexpected records: %v", records)
	}
}

func TestAmazonDownloadReportRefreshesOn401(t *testing.T) {
	var reportCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth/o2/token":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at-fresh",
				"expires_in":   3600,
			})
		case strings.HasPrefix(r.URL.Path, "/reports/"):
			if reportCalls.Add(1) == 1 {
				http.Error(w, "expired token", http.StatusUnauthorized)
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer at-fresh" {
				t.Errorf("retry should carry the fresh token, got %q", got)
			}
			_, _ = w.Write([]byte("amazon-order-id\n111-1\n"))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer server.Close()

	var persisted atomic.Int32
	a := newTestAmazon(server, func(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle) {
		persisted.Add(1)
		if creds.AccessToken != "at-fresh" {
			t.Errorf("persisted bundle has token %q", creds.AccessToken)
		}
	})

	window := model.Window{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	creds := model.CredentialBundle{AccessToken: "at-stale", RefreshToken: "rt-1"}
	records, err := a.DownloadReport(context.Background(), uuid.New(), creds, model.ReportOrders, window)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if got := reportCalls.Load(); got != 2 {
		t.Errorf("expected 2 report attempts, got %d", got)
	}
	if got := persisted.Load(); got != 1 {
		t.Errorf("expected 1 persisted refresh, got %d", got)
	}
}

func TestAmazonListAndFetchDocuments(t *testing.T) {
	modified := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/documents/v1":
			if got := r.URL.Query().Get("since"); got == "" {
				t.Error("expected since query parameter")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"documents": []map[string]any{
					{"id": "doc-1", "filename": "invoice.pdf", "size": 1234, "modified_at": modified},
				},
			})
		case "/documents/v1/doc-1/content":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.7 fake"))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer server.Close()

	a := newTestAmazon(server, nil)
	creds := model.CredentialBundle{AccessToken: "at-1"}

	refs, err := a.ListDocuments(context.Background(), uuid.New(), creds, modified.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].ExternalRef != "doc-1" || refs[0].Filename != "invoice.pdf" {
		t.Fatalf("unexpected refs: %+v", refs)
	}

	content, err := a.FetchDocument(context.Background(), uuid.New(), creds, refs[0])
	if err != nil {
		t.Fatal(err)
	}
	if content.MIMEType != "application/pdf" {
		t.Errorf("mime type = %q", content.MIMEType)
	}
	if string(content.Content) != "%PDF-1.7 fake" {
		t.Errorf("content = %q", content.Content)
	}
}

func TestParseTSV(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		records, err := parseTSV(nil)
		if err != nil {
			t.Fatal(err)
		}
		if records != nil {
			t.Errorf("expected nil, got %v", records)
		}
	})

	t.Run("header only", func(t *testing.T) {
		records, err := parseTSV([]byte("a\tb\tc\n"))
		if err != nil {
			t.Fatal(err)
		}
		if records != nil {
			t.Errorf("expected nil, got %v", records)
		}
	})

	t.Run("short row", func(t *testing.T) {
		records, err := parseTSV([]byte("a\tb\tc\n1\t2\n"))
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != 1 {
			t.Fatalf("expected 1 record, got %d", len(records))
		}
		if records[0]["a"] != "1" || records[0]["b"] != "2" {
			t.Errorf("unexpected record: %v", records[0])
		}
		if _, ok := records[0]["c"]; ok {
			t.Error("missing column should stay absent")
		}
	})
}
