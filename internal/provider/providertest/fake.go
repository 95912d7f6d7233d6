// Package providertest provides a deterministic in-memory Adapter for
// exercising the sync pipeline without a network. Reports, documents, and
// failures are scripted per call; nothing is randomized.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/provider"
)

// Fake implements provider.Adapter from scripted fixtures. Safe for
// concurrent use. The zero value is not usable; call New.
type Fake struct {
	ProviderName string

	mu        sync.Mutex
	reports   map[string][]provider.RawRecord
	failures  map[string][]error
	docs      []provider.DocumentRef
	contents  map[string][]byte
	mimeTypes map[string]string
	calls     []string
	delay     time.Duration
	refreshes int
}

// New returns an empty fake registered under the name "fake".
func New() *Fake {
	return &Fake{
		ProviderName: "fake",
		reports:      make(map[string][]provider.RawRecord),
		failures:     make(map[string][]error),
		contents:     make(map[string][]byte),
		mimeTypes:    make(map[string]string),
	}
}

func taskKey(reportType model.ReportType, window model.Window) string {
	return string(reportType) + "|" + window.Start.Format("2006-01-02")
}

// SetReport scripts the rows DownloadReport returns for one task.
func (f *Fake) SetReport(reportType model.ReportType, window model.Window, rows []provider.RawRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[taskKey(reportType, window)] = rows
}

// FailNext queues an error for the next DownloadReport of one task. Multiple
// queued errors are consumed in order before the scripted rows succeed.
func (f *Fake) FailNext(reportType model.ReportType, window model.Window, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := taskKey(reportType, window)
	f.failures[k] = append(f.failures[k], err)
}

// AddDocument scripts one remote document.
func (f *Fake) AddDocument(ref provider.DocumentRef, mimeType string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, ref)
	f.contents[ref.ExternalRef] = content
	f.mimeTypes[ref.ExternalRef] = mimeType
}

// SetDelay makes every downloading call sleep, honoring the context.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns the audit trail of downloading calls in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Refreshes reports how many times Refresh ran.
func (f *Fake) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// Name implements provider.Adapter.
func (f *Fake) Name() string { return f.ProviderName }

// AuthURL implements provider.Adapter.
func (f *Fake) AuthURL(state string) string {
	return "https://fake.example/consent?state=" + state
}

// ExchangeCode implements provider.Adapter.
func (f *Fake) ExchangeCode(ctx context.Context, code string) (model.CredentialBundle, error) {
	if code == "" {
		return model.CredentialBundle{}, fault.New(fault.Validation, "fake: empty code")
	}
	return model.CredentialBundle{AccessToken: "fake-access", RefreshToken: "fake-refresh"}, nil
}

// Refresh implements provider.Adapter.
func (f *Fake) Refresh(ctx context.Context, creds model.CredentialBundle) (model.CredentialBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return model.CredentialBundle{
		AccessToken:  fmt.Sprintf("fake-access-%d", f.refreshes),
		RefreshToken: creds.RefreshToken,
	}, nil
}

// ListReportWindows implements provider.Adapter.
func (f *Fake) ListReportWindows(ctx context.Context, sellerID uuid.UUID, horizon model.Window) ([]model.Window, error) {
	return nil, provider.ErrDefaultTiling
}

// DownloadReport implements provider.Adapter.
func (f *Fake) DownloadReport(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, reportType model.ReportType, window model.Window) ([]provider.RawRecord, error) {
	if err := f.sleep(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	k := taskKey(reportType, window)
	f.calls = append(f.calls, "download:"+k)

	if errs := f.failures[k]; len(errs) > 0 {
		f.failures[k] = errs[1:]
		return nil, errs[0]
	}

	rows := f.reports[k]
	out := make([]provider.RawRecord, len(rows))
	for i, row := range rows {
		cp := make(provider.RawRecord, len(row))
		for key, val := range row {
			cp[key] = val
		}
		out[i] = cp
	}
	return out, nil
}

// ListDocuments implements provider.Adapter.
func (f *Fake) ListDocuments(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, since time.Time) ([]provider.DocumentRef, error) {
	if err := f.sleep(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list_documents")

	var out []provider.DocumentRef
	for _, ref := range f.docs {
		if !ref.ModifiedAt.Before(since) {
			out = append(out, ref)
		}
	}
	return out, nil
}

// FetchDocument implements provider.Adapter.
func (f *Fake) FetchDocument(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, ref provider.DocumentRef) (provider.DocumentContent, error) {
	if err := f.sleep(ctx); err != nil {
		return provider.DocumentContent{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetch:"+ref.ExternalRef)

	content, ok := f.contents[ref.ExternalRef]
	if !ok {
		return provider.DocumentContent{}, fault.Newf(fault.NotFound, "fake: document %s", ref.ExternalRef)
	}
	return provider.DocumentContent{
		Ref:      ref,
		MIMEType: f.mimeTypes[ref.ExternalRef],
		Content:  content,
	}, nil
}

func (f *Fake) sleep(ctx context.Context) error {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
