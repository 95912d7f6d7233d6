package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/storage"
)

// HandleListDocuments handles GET /v1/documents with parser_status, limit
// and offset query parameters.
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := pagination(r, 50, 500)

	filter := storage.DocumentFilter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("parser_status"); v != "" {
		s := model.ParserStatus(v)
		filter.ParserStatus = &s
	}

	docs, err := h.db.ListDocuments(r.Context(), claims.SellerID, filter)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	total, err := h.db.CountDocuments(r.Context(), claims.SellerID, filter)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	t := int(total)
	writeList(w, r, docs, &t, limit, offset, int64(offset+len(docs)) < total)
}

// HandleGetDocument handles GET /v1/documents/{document_id}.
func (h *Handlers) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "document_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid document id")
		return
	}
	doc, err := h.db.GetDocument(r.Context(), claims.SellerID, id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

// HandleReindexDocuments handles POST /v1/documents/reindex: salvage
// identifiers from raw text of already parsed documents and fold any new
// ones into the stored extractions. Runs inline; the pass only reads and
// rewrites extraction JSON.
func (h *Handlers) HandleReindexDocuments(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	if h.matchingSvc == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "matching service not available")
		return
	}
	changed, err := h.matchingSvc.Reindex(r.Context(), claims.SellerID)
	if err != nil {
		h.writeInternalError(w, r, "reindex failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"documents_changed": changed})
}

// HandleReparseDocument handles POST /v1/documents/{document_id}/reparse:
// reset the document's parse state and queue an ingest pass to run it
// through the parser again.
func (h *Handlers) HandleReparseDocument(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "document_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid document id")
		return
	}

	if err := h.db.ResetDocumentParse(r.Context(), claims.SellerID, id); err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	// An already-queued ingest job will pick the document up; a conflict
	// here is not an error.
	enqueued, err := h.db.EnqueueJob(r.Context(), model.SyncJob{
		SellerID:    claims.SellerID,
		Kind:        model.JobDocumentIngest,
		ReportTypes: []model.ReportType{},
	})
	if err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			h.writeStorageError(w, r, err)
			return
		}
		if active, ok := h.activeJob(r, claims.SellerID, model.JobDocumentIngest); ok {
			enqueued = active
		}
	}
	writeJSON(w, r, http.StatusAccepted, model.EnqueuedResponse{JobID: enqueued.ID, State: enqueued.State})
}

// activeJob finds the seller's queued or running job of the given kind.
func (h *Handlers) activeJob(r *http.Request, sellerID uuid.UUID, kind model.JobKind) (model.SyncJob, bool) {
	jobs, err := h.db.ListJobs(r.Context(), sellerID, nil, 50)
	if err != nil {
		return model.SyncJob{}, false
	}
	for _, j := range jobs {
		if j.Kind == kind && (j.State == model.JobQueued || j.State == model.JobRunning) {
			return j, true
		}
	}
	return model.SyncJob{}, false
}
