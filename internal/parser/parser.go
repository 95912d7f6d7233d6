// Package parser talks to the remote document parsing service. Every call
// goes through the throttled client on the ML class budget, behind a circuit
// breaker so a struggling parser degrades ingest instead of stalling it.
package parser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/throttle"
)

const providerName = "parser"

// maxResponseBytes caps parser response bodies; raw text of a large PDF fits
// well under this.
const maxResponseBytes = 16 << 20

// Job states reported by the parse service.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// JobStatus is the parse service's view of one submitted job.
type JobStatus struct {
	JobID  string  `json:"job_id"`
	Status string  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

// Parsed is the extraction result for one document.
type Parsed struct {
	DocType    string           `json:"doc_type"`
	Confidence *float64         `json:"confidence,omitempty"`
	Extracted  model.Extraction `json:"extracted"`
	RawText    *string          `json:"raw_text,omitempty"`
}

// Client is the parse service client. Safe for concurrent use.
type Client struct {
	baseURL  string
	token    string
	throttle *throttle.Client
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[*throttle.Response]
	logger   *slog.Logger
}

// New creates a parser client. A nil logger falls back to slog.Default.
func New(baseURL, token string, tc *throttle.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:  baseURL,
		token:    token,
		throttle: tc,
		// The throttled client's budget bounds every call.
		http:   &http.Client{},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*throttle.Response](gobreaker.Settings{
		Name:    "parser",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("parser circuit state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

type parseRequest struct {
	SellerID   uuid.UUID `json:"seller_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	MIMEType   string    `json:"mime_type"`
	Content    string    `json:"content"` // base64
}

type parseResponse struct {
	JobID string `json:"job_id"`
}

// Parse submits one document for parsing and returns the remote job id.
func (c *Client) Parse(ctx context.Context, sellerID, documentID uuid.UUID, filename, mimeType string, content []byte) (string, error) {
	body, err := json.Marshal(parseRequest{
		SellerID:   sellerID,
		DocumentID: documentID,
		Filename:   filename,
		MIMEType:   mimeType,
		Content:    base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return "", fmt.Errorf("parser: marshal parse request: %w", err)
	}

	resp, err := c.call(ctx, http.MethodPost, "/v1/parse", body)
	if err != nil {
		return "", err
	}
	var out parseResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fault.Wrap(fault.Transient, "parser: decode parse response", err)
	}
	if out.JobID == "" {
		return "", fault.New(fault.Transient, "parser: parse response missing job_id")
	}
	return out.JobID, nil
}

// GetJob polls one parse job's status.
func (c *Client) GetJob(ctx context.Context, sellerID uuid.UUID, jobID string) (JobStatus, error) {
	resp, err := c.call(ctx, http.MethodGet,
		"/v1/jobs/"+url.PathEscape(jobID)+"?seller_id="+sellerID.String(), nil)
	if err != nil {
		return JobStatus{}, err
	}
	var out JobStatus
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return JobStatus{}, fault.Wrap(fault.Transient, "parser: decode job status", err)
	}
	return out, nil
}

// GetParsed fetches the extraction for a completed document.
func (c *Client) GetParsed(ctx context.Context, sellerID, documentID uuid.UUID) (Parsed, error) {
	resp, err := c.call(ctx, http.MethodGet,
		"/v1/documents/"+documentID.String()+"/parsed?seller_id="+sellerID.String(), nil)
	if err != nil {
		return Parsed{}, err
	}
	var out Parsed
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Parsed{}, fault.Wrap(fault.Transient, "parser: decode parsed document", err)
	}
	return out, nil
}

// call runs one request through the breaker and the throttled client. An
// open breaker surfaces immediately as a transient fault without consuming
// rate tokens.
func (c *Client) call(ctx context.Context, method, endpoint string, body []byte) (*throttle.Response, error) {
	resp, err := c.breaker.Execute(func() (*throttle.Response, error) {
		return c.throttle.Do(ctx, throttle.Call{
			Provider: providerName,
			Endpoint: endpoint,
			Class:    throttle.ClassML,
			Op: func(ctx context.Context) (*throttle.Response, error) {
				var reader io.Reader
				if body != nil {
					reader = bytes.NewReader(body)
				}
				req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
				if err != nil {
					return nil, fmt.Errorf("parser: create request: %w", err)
				}
				if body != nil {
					req.Header.Set("Content-Type", "application/json")
				}
				if c.token != "" {
					req.Header.Set("Authorization", "Bearer "+c.token)
				}
				return c.roundTrip(req)
			},
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.Wrap(fault.Transient, "parser: circuit open", err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(req *http.Request) (*throttle.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("parser: read response body: %w", err)
	}
	return &throttle.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
