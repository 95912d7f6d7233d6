// Package recoup is the public API for embedding the Recoup revenue
// recovery server.
//
// Consumers construct and extend the server without forking it:
//
//	app, err := recoup.New(
//	    recoup.WithVersion(version),
//	    recoup.WithLogger(logger),
//	    recoup.WithAdapter(myProviderAdapter),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: recoup (root) imports
// internal/*, but internal/* never imports recoup (root).
package recoup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/recoup-ai/recoup/internal/auth"
	"github.com/recoup-ai/recoup/internal/candidates"
	"github.com/recoup-ai/recoup/internal/config"
	"github.com/recoup-ai/recoup/internal/match"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/orchestrator"
	"github.com/recoup-ai/recoup/internal/parser"
	"github.com/recoup-ai/recoup/internal/progress"
	"github.com/recoup-ai/recoup/internal/provider"
	"github.com/recoup-ai/recoup/internal/queue"
	"github.com/recoup-ai/recoup/internal/ratelimit"
	"github.com/recoup-ai/recoup/internal/route"
	"github.com/recoup-ai/recoup/internal/secrets"
	"github.com/recoup-ai/recoup/internal/server"
	"github.com/recoup-ai/recoup/internal/service/matching"
	"github.com/recoup-ai/recoup/internal/storage"
	"github.com/recoup-ai/recoup/internal/telemetry"
	"github.com/recoup-ai/recoup/internal/throttle"
	"github.com/recoup-ai/recoup/migrations"
)

const reapInterval = time.Minute

// App is the Recoup server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	listener     *progress.Listener
	workers      []*queue.Worker
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Recoup server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("recoup starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	teardown := func() {
		db.Close(ctx)
		_ = otelShutdown(ctx)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		teardown()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.TokenTTL)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("auth: %w", err)
	}

	secretKey := cfg.SecretKey
	if secretKey == "" {
		// Connections sealed under an ephemeral key become unreadable after
		// restart. Fine for development, set RECOUP_SECRET_KEY in production.
		secretKey, err = secrets.GenerateKey()
		if err != nil {
			teardown()
			return nil, fmt.Errorf("secrets: %w", err)
		}
		logger.Warn("RECOUP_SECRET_KEY not set, using an ephemeral key")
	}
	box, err := secrets.NewBox(secretKey)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("secrets: %w", err)
	}

	// One throttled client is shared by every provider adapter and the
	// parser, so rate budgets hold across subsystems.
	tc := throttle.New(logger)

	adapters := append([]provider.Adapter{
		provider.NewAmazon(provider.AmazonConfig{
			Endpoint:            cfg.AmazonEndpoint,
			ClientID:            cfg.AmazonClientID,
			ClientSecret:        cfg.AmazonClientSecret,
			OnCredentialRefresh: persistCredentials(db, box, "amazon", logger),
		}, tc, logger),
	}, o.adapters...)
	registry := provider.NewRegistry(adapters...)

	pub := progress.NewPublisher(db, logger)
	broker := progress.NewBroker(logger)
	listener := progress.NewListener(db, broker, logger)

	var parseSvc orchestrator.ParseService
	if cfg.ParserURL != "" {
		parseSvc = parser.New(cfg.ParserURL, cfg.ParserToken, tc, logger)
		logger.Info("document parser: enabled", "url", cfg.ParserURL)
	} else {
		logger.Info("document parser: disabled (no PARSER_URL), documents stored unparsed")
	}

	gen := candidates.NewGenerator(db, logger)
	runner := orchestrator.NewRunner(db, registry, box, pub, gen, parseSvc, orchestrator.Config{
		MonthsToSync:  cfg.MonthsToSync,
		WindowMonths:  cfg.BatchWindowMonths,
		BatchSize:     cfg.BatchSize,
		ReportWorkers: cfg.ReportWorkers,
	}, logger)

	engine := match.NewEngine(o.matchObserver)
	router := route.NewRouter(db, pub, cfg.AutoThreshold, cfg.PromptThreshold, logger)
	matchingSvc := matching.New(db, engine, router, pub, cfg.BatchSize, logger)

	limiter, err := newLimiter(cfg, logger)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("ratelimit: %w", err)
	}

	handlers := server.NewHandlers(server.HandlersDeps{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Registry:            registry,
		Box:                 box,
		Broker:              broker,
		MatchingSvc:         matchingSvc,
		Logger:              logger,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, handlers, jwtMgr, limiter, logger)

	if err := seedSeller(ctx, db, cfg, logger); err != nil {
		_ = limiter.Close()
		teardown()
		return nil, fmt.Errorf("seed seller: %w", err)
	}

	workers := []*queue.Worker{
		queue.New(db, queue.Config{
			Kinds:       []model.JobKind{model.JobFullSync},
			Handler:     runner.Run,
			Concurrency: cfg.SyncWorkers,
			MaxAttempts: cfg.MaxJobAttempts,
			Wakeups:     listener.Wakeups(),
		}, logger),
		queue.New(db, queue.Config{
			Kinds:       []model.JobKind{model.JobMatching},
			Handler:     matchingSvc.Run,
			Concurrency: cfg.MatchWorkers,
			MaxAttempts: cfg.MaxJobAttempts,
		}, logger),
		queue.New(db, queue.Config{
			Kinds:       []model.JobKind{model.JobDocumentIngest},
			Handler:     runner.RunDocumentIngest,
			Concurrency: cfg.IngestWorkers,
			MaxAttempts: cfg.MaxJobAttempts,
		}, logger),
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		listener:     listener,
		workers:      workers,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the progress listener, queue workers and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("progress listener stopped", "error", err)
		}
	}()

	for _, w := range a.workers {
		w.Start(ctx)
	}

	go a.reapLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, waits for claimed jobs to release
// (their leases resume elsewhere), then closes the pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("recoup shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	for _, w := range a.workers {
		if err := w.Drain(drainCtx); err != nil {
			a.logger.Warn("worker drain incomplete", "error", err)
		}
	}
	drainCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("recoup stopped")
	return nil
}

// reapLoop periodically requeues jobs whose workers died holding a lease.
func (a *App) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := a.db.ReapStuckJobs(opCtx, a.cfg.MaxJobAttempts)
			cancel()
			if err != nil {
				a.logger.Warn("job reaper failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("requeued stuck jobs", "count", n)
			}
		}
	}
}

// newLimiter picks the rate limiter implementation from config: Redis when a
// shared URL is configured, in-memory token bucket otherwise, none when the
// rate is zero.
func newLimiter(cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if cfg.RateLimitRPS <= 0 {
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		perMinute := int(cfg.RateLimitRPS * 60)
		logger.Info("rate limiting: redis fixed window", "per_minute", perMinute)
		return ratelimit.NewRedisLimiter(redis.NewClient(opts), perMinute, time.Minute), nil
	}
	logger.Info("rate limiting: memory token bucket", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

// persistCredentials stores a refreshed credential bundle back on the
// seller's connection so the next sync starts from a valid token.
func persistCredentials(db *storage.DB, box *secrets.Box, providerName string, logger *slog.Logger) func(context.Context, uuid.UUID, model.CredentialBundle) {
	return func(ctx context.Context, sellerID uuid.UUID, creds model.CredentialBundle) {
		conn, err := db.GetConnectionByProvider(ctx, sellerID, providerName)
		if err != nil {
			logger.Warn("credential refresh: connection lookup failed", "error", err, "seller_id", sellerID)
			return
		}
		sealed, err := box.SealCredentials(creds)
		if err != nil {
			logger.Warn("credential refresh: seal failed", "error", err, "seller_id", sellerID)
			return
		}
		if err := db.UpdateConnectionCredentials(ctx, conn.ID, sealed); err != nil {
			logger.Warn("credential refresh: persist failed", "error", err, "seller_id", sellerID)
		}
	}
}

// seedSeller creates (or re-keys) the bootstrap seller named in config so a
// fresh deployment has one credentialed seller without touching SQL.
func seedSeller(ctx context.Context, db *storage.DB, cfg config.Config, logger *slog.Logger) error {
	if cfg.SeedSellerName == "" || cfg.SeedAPIKey == "" {
		return nil
	}

	hash, err := auth.HashAPIKey(cfg.SeedAPIKey)
	if err != nil {
		return fmt.Errorf("hash seed key: %w", err)
	}

	existing, err := db.GetSellerByName(ctx, cfg.SeedSellerName)
	switch {
	case err == nil:
		if err := db.UpdateSellerAPIKeyHash(ctx, existing.ID, hash); err != nil {
			return err
		}
		logger.Info("seed seller key rotated", "seller_id", existing.ID, "name", existing.Name)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		seller, err := db.CreateSeller(ctx, model.Seller{Name: cfg.SeedSellerName, APIKeyHash: &hash})
		if err != nil {
			return err
		}
		logger.Info("seed seller created", "seller_id", seller.ID, "name", seller.Name)
		return nil
	default:
		return err
	}
}
