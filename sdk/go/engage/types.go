package engage

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the security phase of an intake session.
type Phase string

// Session phases, in forward order. secured and terminated are irreversible.
const (
	PhasePreLogin       Phase = "pre_login"
	PhaseLoginSuggested Phase = "login_suggested"
	PhaseSecured        Phase = "secured"
	PhaseCompleted      Phase = "completed"
	PhaseTerminated     Phase = "terminated"
)

// ConflictStatus is the conflict-of-interest verdict for a session.
type ConflictStatus string

// Conflict verdicts. clear and conflict_detected are settled and permanent
// for the life of the session.
const (
	ConflictPending  ConflictStatus = "pending"
	ConflictClear    ConflictStatus = "clear"
	ConflictDetected ConflictStatus = "conflict_detected"
)

// Goal is a dynamic per-session objective.
type Goal struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
	Completed   bool      `json:"completed"`
	AddedAt     time.Time `json:"added_at"`
}

// PreLoginGoals is the fixed pre-login goal set.
type PreLoginGoals struct {
	UserIdentification   bool `json:"user_identification"`
	ConflictCheck        bool `json:"conflict_check"`
	LegalNeedsAssessment bool `json:"legal_needs_assessment"`
}

// SessionSnapshot is the state view every session command returns.
type SessionSnapshot struct {
	SessionID      uuid.UUID      `json:"session_id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	Phase          Phase          `json:"phase"`
	Secured        bool           `json:"secured"`
	ConflictStatus ConflictStatus `json:"conflict_status"`
	PreLoginGoals  PreLoginGoals  `json:"pre_login_goals"`
	DynamicGoals   []Goal         `json:"dynamic_goals"`
	PracticeArea   string         `json:"practice_area,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// StartSessionResponse returns the new session plus its resume token. The raw
// token appears here exactly once; store it — it is the only way to drive the
// session until the visitor logs in.
type StartSessionResponse struct {
	Session     SessionSnapshot `json:"session"`
	ResumeToken string          `json:"resume_token"`
}

// Message is one turn of the conversation transcript.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionDetail is a snapshot plus the transcript.
type SessionDetail struct {
	Session  SessionSnapshot `json:"session"`
	Messages []Message       `json:"messages"`
}

// PostMessageRequest carries one visitor turn: the raw text plus the
// structured extractions the conversation layer produced from it. An empty
// field value retracts a previously captured identifier.
type PostMessageRequest struct {
	Text     string            `json:"text"`
	Fields   map[string]string `json:"fields,omitempty"`
	Keywords []string          `json:"keywords,omitempty"`
}

// IndexRow is one row of the staff dashboard listing.
type IndexRow struct {
	TenantID       uuid.UUID      `json:"tenant_id"`
	SessionID      uuid.UUID      `json:"session_id"`
	Phase          Phase          `json:"phase"`
	Secured        bool           `json:"secured"`
	Assignee       string         `json:"assignee"`
	PracticeArea   string         `json:"practice_area"`
	ConflictStatus ConflictStatus `json:"conflict_status"`
	GoalsTotal     int            `json:"goals_total"`
	GoalsDone      int            `json:"goals_done"`
	MessageCount   int            `json:"message_count"`
	Deleted        bool           `json:"deleted"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// SessionList is a page of dashboard rows.
type SessionList struct {
	Sessions []IndexRow
	Total    int
	HasMore  bool
}

// ConflictEntry is one party in a tenant's conflict corpus.
type ConflictEntry struct {
	EntityID    uuid.UUID         `json:"entity_id"`
	TenantID    uuid.UUID         `json:"tenant_id"`
	DisplayName string            `json:"display_name"`
	Fields      map[string]string `json:"fields"`
	CreatedAt   time.Time         `json:"created_at"`
}

// HealthResponse reports server and dependency health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Postgres    string `json:"postgres"`
	Qdrant      string `json:"qdrant,omitempty"`
	OutboxDepth int64  `json:"outbox_depth"`
	Uptime      int64  `json:"uptime_seconds"`
}
