// Package provider defines the adapter surface for external commerce and
// document sources. An adapter turns provider-specific wire formats into raw
// string records and document blobs; normalization into ledger rows happens
// downstream.
package provider

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
)

// RawRecord is one untyped row from a provider report. Keys and values are
// whatever the provider sent; the normalizer owns cleanup.
type RawRecord = map[string]string

// DocumentRef identifies one remote document without its content.
type DocumentRef struct {
	ExternalRef string    `json:"external_ref"`
	Filename    string    `json:"filename"`
	Size        int       `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// DocumentContent is a fetched document.
type DocumentContent struct {
	Ref      DocumentRef
	MIMEType string
	Content  []byte
}

// ErrDefaultTiling signals that the adapter has no opinion on report windows
// and the planner should tile the horizon itself.
var ErrDefaultTiling = errors.New("provider: adapter uses default window tiling")

// Adapter is one external source of reports and documents. Implementations
// must be safe for concurrent use; every blocking method honors its context.
type Adapter interface {
	// Name is the registry key and the value stored on connections.
	Name() string

	// AuthURL returns the provider consent URL carrying the opaque state.
	AuthURL(state string) string

	// ExchangeCode trades an OAuth authorization code for credentials.
	ExchangeCode(ctx context.Context, code string) (model.CredentialBundle, error)

	// Refresh trades a refresh token for a fresh bundle.
	Refresh(ctx context.Context, creds model.CredentialBundle) (model.CredentialBundle, error)

	// ListReportWindows lets a provider dictate window boundaries inside the
	// horizon. Most return ErrDefaultTiling.
	ListReportWindows(ctx context.Context, sellerID uuid.UUID, horizon model.Window) ([]model.Window, error)

	// DownloadReport fetches every row of one report type in one window.
	DownloadReport(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, reportType model.ReportType, window model.Window) ([]RawRecord, error)

	// ListDocuments enumerates documents modified at or after since.
	ListDocuments(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, since time.Time) ([]DocumentRef, error)

	// FetchDocument downloads one document's content.
	FetchDocument(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle, ref DocumentRef) (DocumentContent, error)
}

// Registry maps provider names to adapters. Adapters are injected explicitly;
// there is no global registration.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "provider %q is not configured", name)
	}
	return a, nil
}

// Names lists registered providers sorted for stable output.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
