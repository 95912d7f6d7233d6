package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/storage"
)

// HandleListClaims handles GET /v1/claims with state, category, limit and
// offset query parameters. Claims come back nearest filing deadline first.
func (h *Handlers) HandleListClaims(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := pagination(r, 50, 500)

	filter := storage.ClaimFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	if v := q.Get("state"); v != "" {
		s := model.ClaimState(v)
		filter.State = &s
	}
	if v := q.Get("category"); v != "" {
		c := model.ClaimCategory(v)
		filter.Category = &c
	}

	list, err := h.db.ListClaims(r.Context(), claims.SellerID, filter)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	total, err := h.db.CountClaims(r.Context(), claims.SellerID, filter)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	t := int(total)
	writeList(w, r, list, &t, limit, offset, int64(offset+len(list)) < total)
}

// HandleGetClaim handles GET /v1/claims/{claim_id}: the claim plus its match
// results and evidence links.
func (h *Handlers) HandleGetClaim(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "claim_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid claim id")
		return
	}

	claim, err := h.db.GetClaim(r.Context(), claims.SellerID, id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	matches, err := h.db.ListMatches(r.Context(), claims.SellerID, storage.MatchFilter{ClaimID: &id})
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	links, err := h.db.ListLinksForClaim(r.Context(), claims.SellerID, id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.ClaimDetail{
		Claim:         claim,
		DaysRemaining: claim.DaysRemaining(time.Now().UTC()),
		Matches:       matches,
		Links:         links,
	})
}

// HandleListMatches handles GET /v1/matches with claim_id, action, limit and
// offset query parameters.
func (h *Handlers) HandleListMatches(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := pagination(r, 50, 500)

	filter := storage.MatchFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	if v := q.Get("claim_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid claim_id")
			return
		}
		filter.ClaimID = &id
	}
	if v := q.Get("action"); v != "" {
		a := model.Action(v)
		filter.Action = &a
	}

	matches, err := h.db.ListMatches(r.Context(), claims.SellerID, filter)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, matches)
}

// HandleListPrompts handles GET /v1/prompts with status, limit and offset
// query parameters.
func (h *Handlers) HandleListPrompts(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := pagination(r, 50, 500)

	var status *model.PromptStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.PromptStatus(v)
		status = &s
	}

	prompts, err := h.db.ListPrompts(r.Context(), claims.SellerID, status, limit, offset)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	total, err := h.db.CountPrompts(r.Context(), claims.SellerID, status)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	t := int(total)
	writeList(w, r, prompts, &t, limit, offset, int64(offset+len(prompts)) < total)
}

// HandleAnswerPrompt handles POST /v1/prompts/{prompt_id}/answer. A yes
// confirms the suggested evidence and disputes the claim, a no dismisses the
// suggestion, review parks the link for a human. Answering a prompt that is
// no longer pending is a conflict.
func (h *Handlers) HandleAnswerPrompt(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "prompt_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid prompt id")
		return
	}

	var req model.AnswerPromptRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	prompt, err := h.db.AnswerPrompt(r.Context(), claims.SellerID, id, req.Answer)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, prompt)
}

// HandleListDisputes handles GET /v1/disputes with status, limit and offset
// query parameters.
func (h *Handlers) HandleListDisputes(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit, offset := pagination(r, 50, 500)

	var status *model.FilingStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.FilingStatus(v)
		status = &s
	}

	disputes, err := h.db.ListDisputes(r.Context(), claims.SellerID, status, limit, offset)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, disputes)
}

// HandleGetDispute handles GET /v1/disputes/{dispute_id}.
func (h *Handlers) HandleGetDispute(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "dispute_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid dispute id")
		return
	}
	dispute, err := h.db.GetDispute(r.Context(), claims.SellerID, id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dispute)
}

// HandleUpdateDisputeFiling handles POST /v1/disputes/{dispute_id}/filing,
// recording where a case stands with the provider.
func (h *Handlers) HandleUpdateDisputeFiling(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := pathUUID(r, "dispute_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid dispute id")
		return
	}

	var req model.UpdateFilingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.UpdateDisputeFiling(r.Context(), claims.SellerID, id, req.Status, req.SubmissionRef); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	dispute, err := h.db.GetDispute(r.Context(), claims.SellerID, id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dispute)
}
