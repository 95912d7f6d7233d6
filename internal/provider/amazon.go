package provider

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/throttle"
)

const (
	amazonName = "amazon"

	defaultAmazonEndpoint = "https://sellingpartnerapi-na.amazon.com"
	defaultLWAEndpoint    = "https://api.amazon.com/auth/o2/token"
	defaultConsentBase    = "https://sellercentral.amazon.com/apps/authorize/consent"

	// Reports arrive as tab-separated documents; cap what we buffer.
	maxReportBytes   = 32 << 20
	maxDocumentBytes = 32 << 20
)

// AmazonConfig configures the Amazon adapter.
type AmazonConfig struct {
	Endpoint     string // API base; default North America
	AuthEndpoint string // LWA token endpoint
	ConsentBase  string // Seller Central consent URL
	ClientID     string
	ClientSecret string

	// OnCredentialRefresh is called after an in-flight token refresh so the
	// owner can persist the new bundle. May be nil.
	OnCredentialRefresh func(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle)
}

// Amazon syncs seller reports and attached documents from the Amazon selling
// partner API. Every request flows through the throttled client; this type
// never sleeps or retries on its own.
type Amazon struct {
	cfg    AmazonConfig
	client *throttle.Client
	http   *http.Client
	logger *slog.Logger
}

// NewAmazon creates the Amazon adapter. A nil logger falls back to
// slog.Default.
func NewAmazon(cfg AmazonConfig, client *throttle.Client, logger *slog.Logger) *Amazon {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultAmazonEndpoint
	}
	if cfg.AuthEndpoint == "" {
		cfg.AuthEndpoint = defaultLWAEndpoint
	}
	if cfg.ConsentBase == "" {
		cfg.ConsentBase = defaultConsentBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Amazon{
		cfg:    cfg,
		client: client,
		// No transport timeout; the throttled client's budget bounds every call.
		http:   &http.Client{},
		logger: logger,
	}
}

// Name implements Adapter.
func (a *Amazon) Name() string { return amazonName }

// AuthURL implements Adapter.
func (a *Amazon) AuthURL(state string) string {
	q := url.Values{}
	q.Set("application_id", a.cfg.ClientID)
	q.Set("state", state)
	q.Set("version", "beta")
	return a.cfg.ConsentBase + "?" + q.Encode()
}

type lwaTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode implements Adapter.
func (a *Amazon) ExchangeCode(ctx context.Context, code string) (model.CredentialBundle, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	return a.tokenCall(ctx, form)
}

// Refresh implements Adapter.
func (a *Amazon) Refresh(ctx context.Context, creds model.CredentialBundle) (model.CredentialBundle, error) {
	if creds.RefreshToken == "" {
		return model.CredentialBundle{}, fault.New(fault.Auth, "amazon: no refresh token on file")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)

	fresh, err := a.tokenCall(ctx, form)
	if err != nil {
		return model.CredentialBundle{}, err
	}
	// LWA may omit the refresh token on refresh; the old one stays valid.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = creds.RefreshToken
	}
	return fresh, nil
}

func (a *Amazon) tokenCall(ctx context.Context, form url.Values) (model.CredentialBundle, error) {
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)
	body := form.Encode()

	resp, err := a.client.Do(ctx, throttle.Call{
		Provider: amazonName,
		Endpoint: "/auth/o2/token",
		Class:    throttle.ClassMetadata,
		Op: func(ctx context.Context) (*throttle.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AuthEndpoint, strings.NewReader(body))
			if err != nil {
				return nil, fmt.Errorf("amazon: create token request: %w", err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return a.roundTrip(req, maxReportBytes)
		},
	})
	if err != nil {
		return model.CredentialBundle{}, err
	}

	var token lwaTokenResponse
	if err := json.Unmarshal(resp.Body, &token); err != nil {
		return model.CredentialBundle{}, fault.Wrap(fault.Transient, "amazon: decode token response", err)
	}
	if token.AccessToken == "" {
		return model.CredentialBundle{}, fault.New(fault.Auth, "amazon: token response missing access_token")
	}

	bundle := model.CredentialBundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if token.ExpiresIn > 0 {
		exp := time.Now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
		bundle.ExpiresAt = &exp
	}
	return bundle, nil
}

// ListReportWindows implements Adapter. Amazon has no opinion; the planner
// tiles the horizon.
func (a *Amazon) ListReportWindows(ctx context.Context, sellerID uuid.UUID, horizon model.Window) ([]model.Window, error) {
	return nil, ErrDefaultTiling
}

// DownloadReport implements Adapter. Reports come back as tab-separated text
// with a header row.
func (a *Amazon) DownloadReport(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, reportType model.ReportType, window model.Window) ([]RawRecord, error) {
	q := url.Values{}
	q.Set("dataStartTime", window.Start.Format("2006-01-02"))
	q.Set("dataEndTime", window.End.Format("2006-01-02"))
	endpoint := "/reports/v1/" + string(reportType)

	resp, err := a.bearerCall(ctx, sellerID, &creds, endpoint, func(ctx context.Context, token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint+endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("amazon: create report request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "text/tab-separated-values")
		return req, nil
	}, maxReportBytes)
	if err != nil {
		return nil, err
	}

	records, err := parseTSV(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "amazon: report "+string(reportType), err)
	}
	return records, nil
}

type amazonDocumentList struct {
	Documents []struct {
		ID         string    `json:"id"`
		Filename   string    `json:"filename"`
		Size       int       `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"documents"`
}

// ListDocuments implements Adapter.
func (a *Amazon) ListDocuments(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, since time.Time) ([]DocumentRef, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	endpoint := "/documents/v1"

	resp, err := a.bearerCall(ctx, sellerID, &creds, endpoint, func(ctx context.Context, token string) (*http.Request, error) {
		u := a.cfg.Endpoint + endpoint
		if enc := q.Encode(); enc != "" {
			u += "?" + enc
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("amazon: create document list request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}, maxReportBytes)
	if err != nil {
		return nil, err
	}

	var list amazonDocumentList
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, fault.Wrap(fault.Transient, "amazon: decode document list", err)
	}

	refs := make([]DocumentRef, 0, len(list.Documents))
	for _, d := range list.Documents {
		refs = append(refs, DocumentRef{
			ExternalRef: d.ID,
			Filename:    d.Filename,
			Size:        d.Size,
			ModifiedAt:  d.ModifiedAt,
		})
	}
	return refs, nil
}

// FetchDocument implements Adapter.
func (a *Amazon) FetchDocument(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, ref DocumentRef) (DocumentContent, error) {
	endpoint := "/documents/v1/" + url.PathEscape(ref.ExternalRef) + "/content"

	resp, err := a.bearerCall(ctx, sellerID, &creds, endpoint, func(ctx context.Context, token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint+endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("amazon: create document request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	}, maxDocumentBytes)
	if err != nil {
		return DocumentContent{}, err
	}

	return DocumentContent{
		Ref:      ref,
		MIMEType: resp.Header.Get("Content-Type"),
		Content:  resp.Body,
	}, nil
}

// bearerCall runs one authenticated call through the throttled client. On a
// 401 the refresh hook swaps the bundle in place and reports it upward so the
// stored connection stays current.
func (a *Amazon) bearerCall(ctx context.Context, sellerID uuid.UUID, creds *model.CredentialBundle, endpoint string, build func(ctx context.Context, token string) (*http.Request, error), limit int64) (*throttle.Response, error) {
	return a.client.Do(ctx, throttle.Call{
		Provider: amazonName,
		Endpoint: endpoint,
		Class:    throttle.ClassMetadata,
		Op: func(ctx context.Context) (*throttle.Response, error) {
			req, err := build(ctx, creds.AccessToken)
			if err != nil {
				return nil, err
			}
			return a.roundTrip(req, limit)
		},
		Refresh: func(ctx context.Context) error {
			fresh, err := a.Refresh(ctx, *creds)
			if err != nil {
				return err
			}
			*creds = fresh
			if a.cfg.OnCredentialRefresh != nil {
				a.cfg.OnCredentialRefresh(ctx, sellerID, fresh)
			}
			a.logger.Info("amazon: refreshed credentials", "seller_id", sellerID)
			return nil
		},
	})
}

func (a *Amazon) roundTrip(req *http.Request, limit int64) (*throttle.Response, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("amazon: read response body: %w", err)
	}
	return &throttle.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// parseTSV turns a tab-separated report body into raw records keyed by the
// header row. An empty or header-only body yields no records.
func parseTSV(body []byte) ([]RawRecord, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse tsv: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	header := rows[0]
	records := make([]RawRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(RawRecord, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
