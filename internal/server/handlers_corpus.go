package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/conflictsearch"
	"github.com/engagehq/engage/internal/model"
)

// HandleCreateConflictEntry handles POST /v1/conflicts/entries (staff).
// The entry is written to Postgres first — the authoritative corpus — then
// mirrored into the vector index.
func (h *Handlers) HandleCreateConflictEntry(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.ConflictEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.DisplayName == "" || len(req.Fields) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "display_name and fields are required")
		return
	}
	if h.embedder == nil || h.conflictIdx == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependencyDown, "conflict index not available")
		return
	}
	claims := ClaimsFromContext(r.Context())

	vec, err := h.embedder.Embed(r.Context(), conflictsearch.EntryText(req.DisplayName, req.Fields))
	if err != nil {
		h.logger.Error("embed conflict entry", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependencyDown, "embedding unavailable")
		return
	}

	entry := model.ConflictEntry{
		EntityID:    uuid.New(),
		TenantID:    claims.TenantID,
		DisplayName: req.DisplayName,
		Fields:      req.Fields,
	}
	entry, err = h.db.CreateConflictEntry(r.Context(), entry, vec)
	if err != nil {
		h.logger.Error("create conflict entry", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}

	if err := h.conflictIdx.UpsertEntry(r.Context(), entry, vec.Slice()); err != nil {
		// Roll the corpus row back so Postgres and Qdrant never disagree on
		// which entities exist.
		if _, derr := h.db.DeleteConflictEntry(r.Context(), claims.TenantID, entry.EntityID); derr != nil {
			h.logger.Error("rollback conflict entry", "entity_id", entry.EntityID, "error", derr)
		}
		h.logger.Error("index conflict entry", "entity_id", entry.EntityID, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependencyDown, "conflict index unavailable")
		return
	}

	writeJSON(w, r, http.StatusCreated, entry)
}

// HandleListConflictEntries handles GET /v1/conflicts/entries (staff).
func (h *Handlers) HandleListConflictEntries(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	entries, err := h.db.ListConflictEntries(r.Context(), claims.TenantID)
	if err != nil {
		h.logger.Error("list conflict entries", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleDeleteConflictEntry handles DELETE /v1/conflicts/entries/{entity_id}
// (admin). This is the only path that resets settled conflict verdicts:
// sessions matched to the removed entity go back to pending and re-check on
// their next message.
func (h *Handlers) HandleDeleteConflictEntry(w http.ResponseWriter, r *http.Request) {
	entityID, err := uuid.Parse(r.PathValue("entity_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid entity id")
		return
	}
	claims := ClaimsFromContext(r.Context())

	resetIDs, err := h.db.DeleteConflictEntry(r.Context(), claims.TenantID, entityID)
	if err != nil {
		writeCommandError(w, r, toCommandError(err))
		return
	}

	if h.conflictIdx != nil {
		if err := h.conflictIdx.DeleteEntry(r.Context(), entityID); err != nil {
			// The Postgres delete already won: a stale vector point can only
			// produce matches against an entity the verdict path no longer
			// recognizes. Log for operator cleanup.
			h.logger.Warn("delete conflict entry from index", "entity_id", entityID, "error", err)
		}
	}

	h.logger.Info("conflict entry removed",
		"tenant_id", claims.TenantID, "entity_id", entityID, "reset_sessions", len(resetIDs))
	writeJSON(w, r, http.StatusOK, map[string]any{
		"entity_id":      entityID,
		"reset_sessions": resetIDs,
	})
}

// HandleUpsertKnowledgeDocument handles POST /v1/knowledge/documents (staff).
func (h *Handlers) HandleUpsertKnowledgeDocument(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.KnowledgeDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.GoalID == "" || req.Description == "" || req.Body == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "goal_id, description, and body are required")
		return
	}
	if h.embedder == nil || h.knowledgeIdx == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependencyDown, "knowledge index not available")
		return
	}
	claims := ClaimsFromContext(r.Context())

	vec, err := h.embedder.Embed(r.Context(), req.Description+"\n"+req.Body)
	if err != nil {
		h.logger.Error("embed knowledge document", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependencyDown, "embedding unavailable")
		return
	}

	doc := model.KnowledgeDocument{
		ID:           uuid.New(),
		TenantID:     claims.TenantID,
		GoalID:       req.GoalID,
		Description:  req.Description,
		Body:         req.Body,
		PracticeArea: req.PracticeArea,
	}
	doc, err = h.db.UpsertKnowledgeDocument(r.Context(), doc, vec)
	if err != nil {
		h.logger.Error("upsert knowledge document", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}

	if err := h.knowledgeIdx.UpsertDocument(r.Context(), doc, vec.Slice()); err != nil {
		h.logger.Error("index knowledge document", "doc_id", doc.ID, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependencyDown, "knowledge index unavailable")
		return
	}

	writeJSON(w, r, http.StatusCreated, doc)
}

// HandleListKnowledgeDocuments handles GET /v1/knowledge/documents (staff).
func (h *Handlers) HandleListKnowledgeDocuments(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	docs, err := h.db.ListKnowledgeDocuments(r.Context(), claims.TenantID)
	if err != nil {
		h.logger.Error("list knowledge documents", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	writeJSON(w, r, http.StatusOK, docs)
}

// HandleDeleteKnowledgeDocument handles
// DELETE /v1/knowledge/documents/{goal_id} (staff).
func (h *Handlers) HandleDeleteKnowledgeDocument(w http.ResponseWriter, r *http.Request) {
	goalID := r.PathValue("goal_id")
	if goalID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "goal_id is required")
		return
	}
	claims := ClaimsFromContext(r.Context())

	docID, err := h.db.DeleteKnowledgeDocument(r.Context(), claims.TenantID, goalID)
	if err != nil {
		writeCommandError(w, r, toCommandError(err))
		return
	}
	if h.knowledgeIdx != nil {
		if err := h.knowledgeIdx.DeleteDocument(r.Context(), docID); err != nil {
			h.logger.Warn("delete knowledge document from index", "doc_id", docID, "error", err)
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true, "goal_id": goalID})
}

// TenantRequest is the request body for POST /v1/tenants (admin).
type TenantRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// HandleCreateTenant handles POST /v1/tenants (admin).
func (h *Handlers) HandleCreateTenant(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req TenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Name == "" || req.Slug == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and slug are required")
		return
	}

	tenant, err := h.db.CreateTenant(r.Context(), model.Tenant{
		ID:        uuid.New(),
		Name:      req.Name,
		Slug:      req.Slug,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("create tenant", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	writeJSON(w, r, http.StatusCreated, tenant)
}
