package recoup

import (
	"log/slog"

	"github.com/recoup-ai/recoup/internal/match"
	"github.com/recoup-ai/recoup/internal/provider"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port          int
	databaseURL   string
	notifyURL     string
	logger        *slog.Logger
	version       string
	adapters      []provider.Adapter
	matchObserver match.Observer
}

// WithPort overrides the TCP port from config (RECOUP_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAdapter registers an additional provider adapter alongside the built-in
// Amazon one. Multiple adapters may be registered; a connection's provider
// name selects among them at sync time.
func WithAdapter(a provider.Adapter) Option {
	return func(o *resolvedOptions) { o.adapters = append(o.adapters, a) }
}

// WithMatchObserver sets a callback invoked for every scored match.
// Only the last call wins.
func WithMatchObserver(fn match.Observer) Option {
	return func(o *resolvedOptions) { o.matchObserver = fn }
}
