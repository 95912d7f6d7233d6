package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/auth"
	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/progress"
	"github.com/recoup-ai/recoup/internal/provider"
	"github.com/recoup-ai/recoup/internal/secrets"
	"github.com/recoup-ai/recoup/internal/service/matching"
	"github.com/recoup-ai/recoup/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	registry            *provider.Registry
	box                 *secrets.Box
	broker              *progress.Broker
	matchingSvc         *matching.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, MatchingSvc.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Registry            *provider.Registry
	Box                 *secrets.Box
	Broker              *progress.Broker
	MatchingSvc         *matching.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		registry:            d.Registry,
		box:                 d.Box,
		broker:              d.Broker,
		matchingSvc:         d.MatchingSvc,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token: API key in, short-lived JWT out.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil || req.APIKey == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	seller, err := h.db.GetSeller(r.Context(), sellerID)
	if err != nil {
		// Burn the same time as a real verification so existence does not
		// leak through latency.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if seller.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *seller.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(seller)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "database unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// HandleVersion handles GET /version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"version": h.version})
}

// HandleCreateConnection handles POST /v1/connections. Credentials are
// sealed before they touch storage.
func (h *Handlers) HandleCreateConnection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateConnectionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if _, err := h.registry.Get(req.Provider); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown provider "+req.Provider)
		return
	}

	sealed, err := h.box.SealCredentials(req.Credentials)
	if err != nil {
		h.writeInternalError(w, r, "failed to seal credentials", err)
		return
	}

	conn, err := h.db.CreateConnection(r.Context(), model.SourceConnection{
		SellerID:    claims.SellerID,
		Provider:    req.Provider,
		Credentials: sealed,
		Scopes:      req.Scopes,
	})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.MaskConnection(conn))
}

// HandleListConnections handles GET /v1/connections.
func (h *Handlers) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	conns, err := h.db.ListConnections(r.Context(), claims.SellerID)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	out := make([]model.ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, model.MaskConnection(c))
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleDeleteConnection handles DELETE /v1/connections/{connection_id}.
func (h *Handlers) HandleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "connection_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid connection id")
		return
	}
	if err := h.db.DeleteConnection(r.Context(), claims.SellerID, id); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStartSync handles POST /v1/sync/jobs: enqueue a full-history sync.
func (h *Handlers) HandleStartSync(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.StartSyncRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	job := model.SyncJob{
		SellerID:    claims.SellerID,
		Kind:        model.JobFullSync,
		ReportTypes: req.ReportTypes,
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.WindowMonths != nil {
		end := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
		start := end.AddDate(0, -*req.WindowMonths, 0)
		job.WindowStart = &start
		job.WindowEnd = &end
	}

	enqueued, err := h.db.EnqueueJob(r.Context(), job)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.EnqueuedResponse{JobID: enqueued.ID, State: enqueued.State})
}

// HandleStartMatching handles POST /v1/matching/jobs: enqueue a full
// matching pass.
func (h *Handlers) HandleStartMatching(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	enqueued, err := h.db.EnqueueJob(r.Context(), model.SyncJob{
		SellerID:    claims.SellerID,
		Kind:        model.JobMatching,
		ReportTypes: []model.ReportType{},
	})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.EnqueuedResponse{JobID: enqueued.ID, State: enqueued.State})
}

// HandleStartDocumentIngest handles POST /v1/documents/ingest: enqueue a
// provider document pull.
func (h *Handlers) HandleStartDocumentIngest(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	enqueued, err := h.db.EnqueueJob(r.Context(), model.SyncJob{
		SellerID:    claims.SellerID,
		Kind:        model.JobDocumentIngest,
		ReportTypes: []model.ReportType{},
	})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.EnqueuedResponse{JobID: enqueued.ID, State: enqueued.State})
}

// HandleGetJob handles GET /v1/sync/jobs/{job_id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "job_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job id")
		return
	}
	job, err := h.db.GetJob(r.Context(), claims.SellerID, id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleListJobs handles GET /v1/sync/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, _ := pagination(r, 20, 100)

	var state *model.JobState
	if v := r.URL.Query().Get("state"); v != "" {
		s := model.JobState(v)
		state = &s
	}

	jobs, err := h.db.ListJobs(r.Context(), claims.SellerID, state, limit)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, jobs)
}

// HandleCancelJob handles POST /v1/sync/jobs/{job_id}/cancel. Cancellation
// is a request; the runner honors it at the next task boundary.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "job_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid job id")
		return
	}
	state, err := h.db.CancelJob(r.Context(), claims.SellerID, id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, model.EnqueuedResponse{JobID: id, State: state})
}

// HandleSyncStatus handles GET /v1/sync/status.
func (h *Handlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var rt *model.ReportType
	if v := r.URL.Query().Get("report_type"); v != "" {
		t := model.ReportType(v)
		if !t.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown report type "+v)
			return
		}
		rt = &t
	}

	statuses, err := h.db.GetSyncStatus(r.Context(), claims.SellerID, rt)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statuses)
}

// writeStorageError maps storage and fault errors onto HTTP statuses.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case fault.KindOf(err) == fault.Validation:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case fault.KindOf(err) == fault.NotFound:
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	default:
		h.writeInternalError(w, r, "storage error", err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}
