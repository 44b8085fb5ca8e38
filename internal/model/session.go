package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Well-known identity field names. Callers may supply additional fields
// (address, company, date of birth) which participate in conflict matching
// but not in goal evaluation.
const (
	FieldName  = "name"
	FieldEmail = "email"
	FieldPhone = "phone"
)

// IdentityFields is the set of identifying facts captured from the
// conversation so far, keyed by field name.
type IdentityFields map[string]string

// Clone returns a deep copy. A nil receiver clones to an empty non-nil map
// so callers can mutate the result unconditionally.
func (f IdentityFields) Clone() IdentityFields {
	out := make(IdentityFields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Covers reports whether f contains every field/value pair of other.
func (f IdentityFields) Covers(other IdentityFields) bool {
	for k, v := range other {
		if f[k] != v {
			return false
		}
	}
	return true
}

// Goal sources.
const (
	GoalSourceKnowledge      = "knowledge"
	GoalSourceDisambiguation = "conflict_disambiguation"
)

// Goal is a dynamic per-session objective injected by a knowledge lookup or
// by a mid-band conflict match needing disambiguation.
type Goal struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Source      string    `json:"source"`
	Completed   bool      `json:"completed"`
	AddedAt     time.Time `json:"added_at"`
}

// ConflictState tracks the conflict-of-interest check for one session.
// CheckedFields records the exact identity snapshot the last search covered;
// a new search fires only when the live snapshot has fields the last search
// did not cover.
type ConflictState struct {
	Status          ConflictStatus `json:"status"`
	CheckedFields   IdentityFields `json:"checked_fields"`
	MatchedEntityID *uuid.UUID     `json:"matched_entity_id,omitempty"`
	DetectedAt      *time.Time     `json:"detected_at,omitempty"`
}

// Session is the authoritative per-conversation state. All mutation flows
// through the session engine under the per-session executor; nothing outside
// internal/session writes these fields.
type Session struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	UserID   uuid.UUID

	Phase     Phase
	IsSecured bool
	// AllowedIdentity is nil until the session is secured, then holds exactly
	// one verified subject forever.
	AllowedIdentity *string
	ResumeTokenHash string

	PracticeArea string
	Assignee     *string

	IdentityFields IdentityFields
	Keywords       []string

	GoalIdentification  bool
	GoalConflictCheck   bool
	GoalNeedsAssessment bool
	DynamicGoals        []Goal

	Conflict ConflictState
	// ConflictRetry and GoalRetry mark a lookup that failed after retry and
	// must be re-attempted on the next command.
	ConflictRetry bool
	GoalRetry     bool

	MessageCount int

	IsDeleted bool
	DeletedBy *string
	DeletedAt *time.Time

	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

// PreLoginGoalsMet reports whether all three fixed pre-login goals are done.
func (s *Session) PreLoginGoalsMet() bool {
	return s.GoalIdentification && s.GoalConflictCheck && s.GoalNeedsAssessment
}

// AllGoalsMet reports whether the fixed goals and every dynamic goal are done.
func (s *Session) AllGoalsMet() bool {
	if !s.PreLoginGoalsMet() {
		return false
	}
	for _, g := range s.DynamicGoals {
		if !g.Completed {
			return false
		}
	}
	return true
}

// FindGoal returns the dynamic goal with the given ID, or nil.
func (s *Session) FindGoal(id string) *Goal {
	for i := range s.DynamicGoals {
		if s.DynamicGoals[i].ID == id {
			return &s.DynamicGoals[i]
		}
	}
	return nil
}

// HasOpenDisambiguation reports whether an incomplete disambiguation goal
// is pending. While one is open the conflict verdict cannot settle to clear.
func (s *Session) HasOpenDisambiguation() bool {
	for _, g := range s.DynamicGoals {
		if g.Source == GoalSourceDisambiguation && !g.Completed {
			return true
		}
	}
	return false
}

// GoalCounts returns the total and completed goal counts, fixed plus dynamic.
func (s *Session) GoalCounts() (total, done int) {
	total = 3 + len(s.DynamicGoals)
	if s.GoalIdentification {
		done++
	}
	if s.GoalConflictCheck {
		done++
	}
	if s.GoalNeedsAssessment {
		done++
	}
	for _, g := range s.DynamicGoals {
		if g.Completed {
			done++
		}
	}
	return total, done
}

// MergeKeywords appends keywords not already present. Empty strings are
// skipped. Returns true if the set changed.
func (s *Session) MergeKeywords(kws []string) bool {
	changed := false
	for _, kw := range kws {
		if kw == "" {
			continue
		}
		if !slices.Contains(s.Keywords, kw) {
			s.Keywords = append(s.Keywords, kw)
			changed = true
		}
	}
	return changed
}

// MergeIdentityFields applies extracted fields to the session. An empty
// value retracts a previously captured field. Returns true if anything
// changed.
func (s *Session) MergeIdentityFields(fields IdentityFields) bool {
	if len(fields) == 0 {
		return false
	}
	if s.IdentityFields == nil {
		s.IdentityFields = make(IdentityFields)
	}
	changed := false
	for k, v := range fields {
		if v == "" {
			if _, ok := s.IdentityFields[k]; ok {
				delete(s.IdentityFields, k)
				changed = true
			}
			continue
		}
		if s.IdentityFields[k] != v {
			s.IdentityFields[k] = v
			changed = true
		}
	}
	return changed
}

// Message roles.
const (
	RoleVisitorMsg   = "visitor"
	RoleAssistantMsg = "assistant"
	RoleSystemMsg    = "system"
)

// Message is one turn of the conversation transcript.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionCommit is the unit of work a command hands to storage: the updated
// session plus any new transcript rows and identity consolidation, persisted
// in one transaction alongside an index outbox record.
type SessionCommit struct {
	Session     *Session
	NewMessages []Message
	Identity    *UserIdentity
}

// Tenant is one law firm using the service.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserIdentity consolidates what is known about one person across their
// sessions within a tenant: every identifier value ever captured, the
// verified subjects they logged in with, and the sticky conflict verdict.
type UserIdentity struct {
	TenantID        uuid.UUID
	UserID          uuid.UUID
	Identifiers     map[string][]string
	Subjects        []string
	ConflictVerdict ConflictStatus
	SessionIDs      []uuid.UUID
	UpdatedAt       time.Time
}

// AddIdentifier records a field value against the identity if not already
// present.
func (u *UserIdentity) AddIdentifier(field, value string) {
	if value == "" {
		return
	}
	if u.Identifiers == nil {
		u.Identifiers = make(map[string][]string)
	}
	if !slices.Contains(u.Identifiers[field], value) {
		u.Identifiers[field] = append(u.Identifiers[field], value)
	}
}

// IndexRow is the denormalized dashboard projection of one session. It is
// derived from Session alone so the incremental replicator and the full
// reconciler produce byte-identical rows.
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

// ConflictEntry is one party in a tenant's conflict-of-interest corpus.
type ConflictEntry struct {
	EntityID    uuid.UUID      `json:"entity_id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	DisplayName string         `json:"display_name"`
	Fields      IdentityFields `json:"fields"`
	CreatedAt   time.Time      `json:"created_at"`
}

// KnowledgeDocument describes one dynamic goal a tenant wants pursued when
// the conversation drifts near its content.
type KnowledgeDocument struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	GoalID       string    `json:"goal_id"`
	Description  string    `json:"description"`
	Body         string    `json:"body"`
	PracticeArea string    `json:"practice_area"`
	CreatedAt    time.Time `json:"created_at"`
}
