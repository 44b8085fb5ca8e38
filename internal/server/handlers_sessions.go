package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/storage"
)

// HandleStartSession handles POST /v1/sessions. Public: visitors start
// sessions before any authentication exists.
func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	var req model.StartSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.TenantSlug == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_slug is required")
		return
	}

	s, token, err := h.engine.Start(r.Context(), req.TenantSlug, req.PracticeArea)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.StartSessionResponse{
		Session:     model.Snapshot(s),
		ResumeToken: token,
	})
}

// HandlePostMessage handles POST /v1/sessions/{id}/messages.
func (h *Handlers) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session id")
		return
	}
	var req model.PostMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	snap, err := h.engine.PostMessage(r.Context(), sessionID, callerFromRequest(r), req)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleCompleteLogin handles POST /v1/sessions/{id}/login. The subject comes
// from the validated bearer token, never from the request body.
func (h *Handlers) HandleCompleteLogin(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session id")
		return
	}
	claims := ClaimsFromContext(r.Context())

	snap, err := h.engine.CompleteLogin(r.Context(), sessionID, claims.Subject)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleGoalEvidence handles POST /v1/sessions/{id}/goals/{goal_id}/evidence,
// the callback from the conversation-understanding layer.
func (h *Handlers) HandleGoalEvidence(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session id")
		return
	}
	goalID := r.PathValue("goal_id")
	var req model.GoalEvidenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	snap, err := h.engine.RecordGoalEvidence(r.Context(), sessionID, goalID, req.EvidenceFound)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// SessionDetail is the authoritative detail view returned by GET
// /v1/sessions/{id}: the snapshot plus the transcript.
type SessionDetail struct {
	Session  model.SessionSnapshot `json:"session"`
	Messages []model.Message       `json:"messages"`
}

// HandleGetSession handles GET /v1/sessions/{id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session id")
		return
	}

	caller := callerFromRequest(r)
	s, err := h.engine.Get(r.Context(), sessionID, caller)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	if !h.tenantVisible(r, s.TenantID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}

	msgs, err := h.engine.Messages(r.Context(), sessionID, caller)
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, SessionDetail{Session: model.Snapshot(s), Messages: msgs})
}

// HandleDeleteSession handles DELETE /v1/sessions/{id} (admin).
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session id")
		return
	}
	claims := ClaimsFromContext(r.Context())
	if !h.sessionInTenant(w, r, sessionID) {
		return
	}

	if err := h.engine.AdminDelete(r.Context(), sessionID, claims.Subject); err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": true})
}

// HandleRemoveGoal handles DELETE /v1/sessions/{id}/goals/{goal_id} (admin).
func (h *Handlers) HandleRemoveGoal(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session id")
		return
	}
	if !h.sessionInTenant(w, r, sessionID) {
		return
	}

	snap, err := h.engine.RemoveGoal(r.Context(), sessionID, r.PathValue("goal_id"))
	if err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleAssign handles PATCH /v1/sessions/{id}/assignee (staff).
func (h *Handlers) HandleAssign(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)
	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid session id")
		return
	}
	var req model.AssignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if !h.sessionInTenant(w, r, sessionID) {
		return
	}

	if err := h.engine.Assign(r.Context(), sessionID, req.Assignee); err != nil {
		writeCommandError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"assignee": req.Assignee})
}

// HandleListSessions handles GET /v1/sessions (staff dashboard). Served from
// the eventually consistent index, never the authoritative table.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	q := r.URL.Query()

	filter := storage.IndexFilter{
		Phase:          model.Phase(q.Get("phase")),
		ConflictStatus: model.ConflictStatus(q.Get("conflict")),
		Assignee:       q.Get("assignee"),
		PracticeArea:   q.Get("practice_area"),
		IncludeDeleted: q.Get("include_deleted") == "true",
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	}
	if filter.Phase != "" && !filter.Phase.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown phase filter")
		return
	}

	rows, total, err := h.db.ListIndexRows(r.Context(), claims.TenantID, filter)
	if err != nil {
		h.logger.Error("list sessions", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}

	writeListJSON(w, r, rows, total, filter.Limit, filter.Offset)
}

// HandleIdentitySessions handles GET /v1/identities/{subject}/sessions:
// the directory of sessions a verified subject has secured.
func (h *Handlers) HandleIdentitySessions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	ids, err := h.db.ListSessionsForSubject(r.Context(), claims.TenantID, subject)
	if err != nil {
		h.logger.Error("list sessions for subject", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"subject": subject, "session_ids": ids})
}

// HandleReconcile handles POST /v1/reconcile (admin): a synchronous read-model
// rebuild for the caller's tenant.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependencyDown, "reconciler not available")
		return
	}
	claims := ClaimsFromContext(r.Context())

	if err := h.reconciler.ReconcileTenant(r.Context(), claims.TenantID); err != nil {
		h.logger.Error("manual reconcile", "tenant_id", claims.TenantID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "reconciliation failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"reconciled": true})
}

// sessionInTenant loads the session with staff-level read access and rejects
// the request with NOT_FOUND when it belongs to a different tenant. Foreign
// sessions must be indistinguishable from absent ones.
func (h *Handlers) sessionInTenant(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) bool {
	s, err := h.engine.Get(r.Context(), sessionID, callerFromRequest(r))
	if err != nil {
		writeCommandError(w, r, err)
		return false
	}
	if !h.tenantVisible(r, s.TenantID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return false
	}
	return true
}

// tenantVisible reports whether an authenticated caller's tenant matches the
// session's. Anonymous callers already proved access with the resume token.
func (h *Handlers) tenantVisible(r *http.Request, tenantID uuid.UUID) bool {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return true
	}
	return claims.TenantID == tenantID
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// writeListJSON writes the standard paginated list envelope.
func writeListJSON(w http.ResponseWriter, r *http.Request, data any, total, limit, offset int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		Total:   total,
		HasMore: offset+limit < total,
		Limit:   limit,
		Offset:  offset,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}
