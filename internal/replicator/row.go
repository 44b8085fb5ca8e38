// Package replicator keeps the dashboard read model eventually consistent
// with the authoritative sessions table. Every committed command enqueues an
// index_outbox row; the worker projects the session into session_index and
// the identity directory. A periodic reconciler rebuilds both from scratch to
// bound staleness after outbox dead-letters.
package replicator

import (
	"github.com/engagehq/engage/internal/model"
)

// BuildRow projects a session into its dashboard index row. It is the single
// projection used by both the incremental worker and the full reconciler, so
// the two paths cannot drift.
func BuildRow(s *model.Session) model.IndexRow {
	total, done := s.GoalCounts()
	assignee := ""
	if s.Assignee != nil {
		assignee = *s.Assignee
	}
	return model.IndexRow{
		TenantID:       s.TenantID,
		SessionID:      s.ID,
		Phase:          s.Phase,
		Secured:        s.IsSecured,
		Assignee:       assignee,
		PracticeArea:   s.PracticeArea,
		ConflictStatus: s.Conflict.Status,
		GoalsTotal:     total,
		GoalsDone:      done,
		MessageCount:   s.MessageCount,
		Deleted:        s.IsDeleted,
		LastActivityAt: s.LastActivityAt,
	}
}
