package recoup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Recoup server (e.g. "http://localhost:8080").
	BaseURL string

	// SellerID identifies the seller account for authentication.
	SellerID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Ignored when HTTPClient is set.
	Timeout time.Duration
}

// Client is an HTTP client for the Recoup revenue recovery API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, SellerID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("recoup: BaseURL is required")
	}
	if cfg.SellerID == "" {
		return nil, fmt.Errorf("recoup: SellerID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("recoup: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.SellerID, cfg.APIKey, httpClient),
	}, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

// CreateConnection links the seller to a marketplace provider. The
// credentials are sealed server-side and never returned.
func (c *Client) CreateConnection(ctx context.Context, req CreateConnectionRequest) (*Connection, error) {
	var resp Connection
	if err := c.post(ctx, "/v1/connections", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListConnections returns the seller's provider connections.
func (c *Client) ListConnections(ctx context.Context) ([]Connection, error) {
	var resp []Connection
	if err := c.get(ctx, "/v1/connections", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteConnection removes a provider connection. Returns nil on success
// (204 No Content).
func (c *Client) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	return c.doDelete(ctx, "/v1/connections/"+id.String(), nil)
}

// ---------------------------------------------------------------------------
// Sync jobs
// ---------------------------------------------------------------------------

// StartSync enqueues a full-history sync. A conflict error means a sync is
// already queued or running for this seller.
func (c *Client) StartSync(ctx context.Context, req StartSyncRequest) (*Enqueued, error) {
	var resp Enqueued
	if err := c.post(ctx, "/v1/sync/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob retrieves one background job.
func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var resp Job
	if err := c.get(ctx, "/v1/sync/jobs/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs returns recent jobs, optionally filtered by state.
func (c *Client) ListJobs(ctx context.Context, state string, limit int) ([]Job, error) {
	params := url.Values{}
	if state != "" {
		params.Set("state", state)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/sync/jobs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Job
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelJob requests cancellation. Queued jobs cancel immediately; running
// jobs stop at the next task boundary.
func (c *Client) CancelJob(ctx context.Context, id uuid.UUID) (*Enqueued, error) {
	var resp Enqueued
	if err := c.post(ctx, "/v1/sync/jobs/"+id.String()+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncStatus returns the per-report-type sync state. reportType may be
// empty for all report types.
func (c *Client) SyncStatus(ctx context.Context, reportType string) ([]SyncStatus, error) {
	path := "/v1/sync/status"
	if reportType != "" {
		path += "?report_type=" + url.QueryEscape(reportType)
	}
	var resp []SyncStatus
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Ledger records
// ---------------------------------------------------------------------------

// RecordOptions are optional filters for ListRecords.
type RecordOptions struct {
	ReportType string
	RecordType string
	From       string // YYYY-MM-DD
	To         string // YYYY-MM-DD
	Limit      int
	Offset     int
}

// ListRecords returns canonical ledger rows, newest first.
func (c *Client) ListRecords(ctx context.Context, opts *RecordOptions) ([]Record, error) {
	params := url.Values{}
	if opts != nil {
		if opts.ReportType != "" {
			params.Set("report_type", opts.ReportType)
		}
		if opts.RecordType != "" {
			params.Set("record_type", opts.RecordType)
		}
		if opts.From != "" {
			params.Set("from", opts.From)
		}
		if opts.To != "" {
			params.Set("to", opts.To)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/records"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Record
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRecord retrieves one ledger record.
func (c *Client) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	var resp Record
	if err := c.get(ctx, "/v1/records/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Claims and matching
// ---------------------------------------------------------------------------

// ClaimOptions are optional filters for ListClaims.
type ClaimOptions struct {
	State    string
	Category string
	Limit    int
	Offset   int
}

// ListClaims returns claim candidates, nearest filing deadline first.
func (c *Client) ListClaims(ctx context.Context, opts *ClaimOptions) ([]Claim, error) {
	params := url.Values{}
	if opts != nil {
		if opts.State != "" {
			params.Set("state", opts.State)
		}
		if opts.Category != "" {
			params.Set("category", opts.Category)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/claims"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Claim
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetClaim retrieves a claim with its matches and evidence links.
func (c *Client) GetClaim(ctx context.Context, id uuid.UUID) (*ClaimDetail, error) {
	var resp ClaimDetail
	if err := c.get(ctx, "/v1/claims/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartMatching enqueues a full matching pass over parsed documents.
func (c *Client) StartMatching(ctx context.Context) (*Enqueued, error) {
	var resp Enqueued
	if err := c.post(ctx, "/v1/matching/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MatchOptions are optional filters for ListMatches.
type MatchOptions struct {
	ClaimID *uuid.UUID
	Action  string
	Limit   int
	Offset  int
}

// ListMatches returns scored claim/document pairs.
func (c *Client) ListMatches(ctx context.Context, opts *MatchOptions) ([]Match, error) {
	params := url.Values{}
	if opts != nil {
		if opts.ClaimID != nil {
			params.Set("claim_id", opts.ClaimID.String())
		}
		if opts.Action != "" {
			params.Set("action", opts.Action)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/matches"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Match
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// DocumentOptions are optional filters for ListDocuments.
type DocumentOptions struct {
	ParserStatus string
	Limit        int
	Offset       int
}

// ListDocuments returns ingested evidence documents, newest first.
func (c *Client) ListDocuments(ctx context.Context, opts *DocumentOptions) ([]Document, error) {
	params := url.Values{}
	if opts != nil {
		if opts.ParserStatus != "" {
			params.Set("parser_status", opts.ParserStatus)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/documents"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Document
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetDocument retrieves one evidence document.
func (c *Client) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	var resp Document
	if err := c.get(ctx, "/v1/documents/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartDocumentIngest enqueues a provider document pull.
func (c *Client) StartDocumentIngest(ctx context.Context) (*Enqueued, error) {
	var resp Enqueued
	if err := c.post(ctx, "/v1/documents/ingest", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReindexDocuments re-extracts identifiers from stored raw text and returns
// how many documents changed.
func (c *Client) ReindexDocuments(ctx context.Context) (int, error) {
	var resp struct {
		DocumentsChanged int `json:"documents_changed"`
	}
	if err := c.post(ctx, "/v1/documents/reindex", nil, &resp); err != nil {
		return 0, err
	}
	return resp.DocumentsChanged, nil
}

// ReparseDocument resets a document's parse state and queues an ingest pass.
func (c *Client) ReparseDocument(ctx context.Context, id uuid.UUID) (*Enqueued, error) {
	var resp Enqueued
	if err := c.post(ctx, "/v1/documents/"+id.String()+"/reparse", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Prompts and disputes
// ---------------------------------------------------------------------------

// ListPrompts returns smart prompts, optionally filtered by status.
func (c *Client) ListPrompts(ctx context.Context, status string, limit, offset int) ([]Prompt, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/prompts"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Prompt
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AnswerPrompt answers a pending prompt with AnswerYes, AnswerNo or
// AnswerReview. Answering a non-pending prompt is a conflict.
func (c *Client) AnswerPrompt(ctx context.Context, id uuid.UUID, answer string) (*Prompt, error) {
	body := map[string]string{"answer": answer}
	var resp Prompt
	if err := c.post(ctx, "/v1/prompts/"+id.String()+"/answer", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDisputes returns dispute cases, optionally filtered by filing status.
func (c *Client) ListDisputes(ctx context.Context, status string, limit, offset int) ([]Dispute, error) {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/disputes"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Dispute
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetDispute retrieves one dispute case.
func (c *Client) GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error) {
	var resp Dispute
	if err := c.get(ctx, "/v1/disputes/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateDisputeFiling records where a case stands with the provider.
func (c *Client) UpdateDisputeFiling(ctx context.Context, id uuid.UUID, status string, submissionRef *string) (*Dispute, error) {
	body := map[string]any{"status": status}
	if submissionRef != nil {
		body["submission_ref"] = *submissionRef
	}
	var resp Dispute
	if err := c.post(ctx, "/v1/disputes/"+id.String()+"/filing", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Progress events
// ---------------------------------------------------------------------------

// WatchJob streams a job's progress events, invoking fn for each one. It
// returns nil when the stream reaches a terminal event, or the first error
// from the transport or fn. Cancel ctx to stop early.
//
// The HTTP client used for streaming must not have a global Timeout, or the
// stream will be cut short; pass a dedicated client in Config.HTTPClient
// when long jobs are expected.
func (c *Client) WatchJob(ctx context.Context, jobID uuid.UUID, fn func(Event) error) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events?job_id="+jobID.String(), nil)
	if err != nil {
		return fmt.Errorf("recoup: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("recoup: GET /v1/events: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("recoup: event stream: %w", err)
	}
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("recoup: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("recoup: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("recoup: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("recoup: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("recoup: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("recoup: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("recoup: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		// The token may have expired server-side; drop it so the next call
		// re-authenticates.
		c.tokenMgr.invalidate()
	}

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("recoup: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("recoup: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
