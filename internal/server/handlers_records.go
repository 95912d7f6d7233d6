package server

import (
	"net/http"
	"time"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/storage"
)

// HandleListRecords handles GET /v1/records with report_type, record_type,
// from, to, limit and offset query parameters.
func (h *Handlers) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := pagination(r, 50, 500)

	filter := storage.RecordFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	if v := q.Get("report_type"); v != "" {
		t := model.ReportType(v)
		if !t.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown report type "+v)
			return
		}
		filter.ReportType = &t
	}
	if v := q.Get("record_type"); v != "" {
		t := model.RecordType(v)
		filter.RecordType = &t
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from must be YYYY-MM-DD")
			return
		}
		filter.From = &ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "to must be YYYY-MM-DD")
			return
		}
		filter.To = &ts
	}

	records, err := h.db.QueryRecords(r.Context(), claims.SellerID, filter)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	total, err := h.db.CountRecords(r.Context(), claims.SellerID, filter)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	t := int(total)
	writeList(w, r, records, &t, limit, offset, int64(offset+len(records)) < total)
}

// HandleGetRecord handles GET /v1/records/{record_id}.
func (h *Handlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "record_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid record id")
		return
	}
	record, err := h.db.GetRecord(r.Context(), claims.SellerID, id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, record)
}
