package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for message ingestion. These keep a single oversized
// request from filling Postgres TEXT columns or the embedding pipeline with
// caller-controlled garbage.
const (
	MaxMessageBodyLen   = 32 * 1024 // 32 KB
	MaxIdentityFieldLen = 512
	MaxIdentityFields   = 16
	MaxKeywordLen       = 128
	MaxKeywords         = 32
)

// ValidatePostMessage checks per-field limits on a message request.
func ValidatePostMessage(req PostMessageRequest) error {
	if req.Text == "" {
		return fmt.Errorf("text is required")
	}
	if len(req.Text) > MaxMessageBodyLen {
		return fmt.Errorf("text exceeds maximum length of %d bytes", MaxMessageBodyLen)
	}
	if len(req.Fields) > MaxIdentityFields {
		return fmt.Errorf("at most %d identity fields per message", MaxIdentityFields)
	}
	for k, v := range req.Fields {
		if len(k) > MaxIdentityFieldLen || len(v) > MaxIdentityFieldLen {
			return fmt.Errorf("identity field %q exceeds maximum length of %d", k, MaxIdentityFieldLen)
		}
	}
	if len(req.Keywords) > MaxKeywords {
		return fmt.Errorf("at most %d keywords per message", MaxKeywords)
	}
	for _, kw := range req.Keywords {
		if len(kw) > MaxKeywordLen {
			return fmt.Errorf("keyword exceeds maximum length of %d", MaxKeywordLen)
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// StartSessionRequest is the request body for POST /v1/sessions.
type StartSessionRequest struct {
	TenantSlug   string `json:"tenant_slug"`
	PracticeArea string `json:"practice_area,omitempty"`
}

// StartSessionResponse returns the new session snapshot plus the resume
// token. The raw token appears here exactly once; only its hash is stored.
type StartSessionResponse struct {
	Session     SessionSnapshot `json:"session"`
	ResumeToken string          `json:"resume_token"`
}

// PostMessageRequest is the request body for POST /v1/sessions/{id}/messages.
// Fields and Keywords are structured extractions supplied by the external
// conversation-understanding layer; an empty field value retracts a
// previously captured identifier.
type PostMessageRequest struct {
	Text     string         `json:"text"`
	Fields   IdentityFields `json:"fields,omitempty"`
	Keywords []string       `json:"keywords,omitempty"`
}

// GoalEvidenceRequest is the callback body from the understanding layer for
// POST /v1/sessions/{id}/goals/{goal_id}/evidence.
type GoalEvidenceRequest struct {
	EvidenceFound bool `json:"evidence_found"`
}

// AssignRequest is the request body for PATCH /v1/sessions/{id}/assignee.
type AssignRequest struct {
	Assignee string `json:"assignee"`
}

// ConflictEntryRequest is the request body for POST /v1/conflicts/entries.
type ConflictEntryRequest struct {
	DisplayName string         `json:"display_name"`
	Fields      IdentityFields `json:"fields"`
}

// KnowledgeDocumentRequest is the request body for POST /v1/knowledge/documents.
type KnowledgeDocumentRequest struct {
	GoalID       string `json:"goal_id"`
	Description  string `json:"description"`
	Body         string `json:"body"`
	PracticeArea string `json:"practice_area,omitempty"`
}

// PreLoginGoals is the fixed pre-login goal set as surfaced to callers.
type PreLoginGoals struct {
	UserIdentification   bool `json:"user_identification"`
	ConflictCheck        bool `json:"conflict_check"`
	LegalNeedsAssessment bool `json:"legal_needs_assessment"`
}

// SessionSnapshot is the goal/phase view a command returns to its caller.
// It never exposes raw Conflict/Goal service internals.
type SessionSnapshot struct {
	SessionID      uuid.UUID      `json:"session_id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	Phase          Phase          `json:"phase"`
	Secured        bool           `json:"secured"`
	ConflictStatus ConflictStatus `json:"conflict_status"`
	PreLoginGoals  PreLoginGoals  `json:"pre_login_goals"`
	DynamicGoals   []Goal         `json:"dynamic_goals"`
	PracticeArea   string         `json:"practice_area,omitempty"`
	// Degraded is set when a Conflict/Goal lookup was skipped after retry;
	// the message itself was still recorded.
	Degraded       bool      `json:"degraded,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Snapshot builds the caller-facing view of a session.
func Snapshot(s *Session) SessionSnapshot {
	goals := make([]Goal, len(s.DynamicGoals))
	copy(goals, s.DynamicGoals)
	return SessionSnapshot{
		SessionID:      s.ID,
		TenantID:       s.TenantID,
		Phase:          s.Phase,
		Secured:        s.IsSecured,
		ConflictStatus: s.Conflict.Status,
		PreLoginGoals: PreLoginGoals{
			UserIdentification:   s.GoalIdentification,
			ConflictCheck:        s.GoalConflictCheck,
			LegalNeedsAssessment: s.GoalNeedsAssessment,
		},
		DynamicGoals:   goals,
		PracticeArea:   s.PracticeArea,
		Degraded:       s.ConflictRetry || s.GoalRetry,
		LastActivityAt: s.LastActivityAt,
	}
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	Qdrant      string `json:"qdrant,omitempty"`
	OutboxDepth int64  `json:"outbox_depth"`
	Uptime      int64  `json:"uptime_seconds"`
}
