package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/conflictsearch"
	"github.com/engagehq/engage/internal/knowledge"
	"github.com/engagehq/engage/internal/model"
)

// PostMessage appends a visitor turn and runs the full evaluation pass:
// merge extracted facts, re-derive goals, run conflict and knowledge lookups,
// and apply phase promotion or demotion. Everything lands in one transaction;
// a failed lookup degrades the session (retry flag set) instead of failing
// the command.
func (e *Engine) PostMessage(ctx context.Context, sessionID uuid.UUID, caller Caller, req model.PostMessageRequest) (model.SessionSnapshot, error) {
	if err := model.ValidatePostMessage(req); err != nil {
		return model.SessionSnapshot{}, &model.CommandError{Code: model.ErrCodeInvalidInput, Message: err.Error()}
	}

	release := e.registry.acquire(sessionID)
	defer release()

	s, err := e.load(ctx, sessionID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if err := authorize(s, caller); err != nil {
		return model.SessionSnapshot{}, err
	}
	if s.Phase.Terminal() {
		return model.SessionSnapshot{}, model.ErrInvalidState("session is %s", s.Phase)
	}

	now := time.Now().UTC()
	s.MessageCount++
	msg := model.Message{
		ID:        uuid.New(),
		SessionID: s.ID,
		Seq:       s.MessageCount,
		Role:      model.RoleVisitorMsg,
		Body:      req.Text,
		CreatedAt: now,
	}

	s.MergeIdentityFields(req.Fields)
	s.MergeKeywords(req.Keywords)
	evaluateFixedGoals(s)

	e.runConflictCheck(ctx, s, false)
	e.runGoalLookup(ctx, s, req.Text)

	evaluateFixedGoals(s)
	e.evaluatePhase(s)
	s.LastActivityAt = now

	commit := model.SessionCommit{Session: s, NewMessages: []model.Message{msg}}
	if len(s.IdentityFields) > 0 {
		commit.Identity = e.identityAggregate(ctx, s)
	}
	if err := e.store.CommitSession(ctx, commit); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("session: post message: %w", err)
	}
	return model.Snapshot(s), nil
}

// RecordGoalEvidence marks a dynamic goal complete (or reopens it) based on
// what the understanding layer observed in the conversation. Completing a
// disambiguation goal forces an immediate conflict re-search so the verdict
// can settle without waiting for new identity facts.
func (e *Engine) RecordGoalEvidence(ctx context.Context, sessionID uuid.UUID, goalID string, evidenceFound bool) (model.SessionSnapshot, error) {
	release := e.registry.acquire(sessionID)
	defer release()

	s, err := e.load(ctx, sessionID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if s.Phase.Terminal() {
		return model.SessionSnapshot{}, model.ErrInvalidState("session is %s", s.Phase)
	}

	switch goalID {
	case GoalIDIdentification, GoalIDConflictCheck, GoalIDNeedsAssessment:
		// Fixed goals are derived from session state; the understanding layer
		// cannot set them directly.
		return model.SessionSnapshot{}, &model.CommandError{
			Code:    model.ErrCodeInvalidInput,
			Message: fmt.Sprintf("goal %s is derived and cannot be recorded", goalID),
		}
	}

	goal := s.FindGoal(goalID)
	if goal == nil {
		return model.SessionSnapshot{}, &model.CommandError{Code: model.ErrCodeNotFound, Message: "goal not found"}
	}
	goal.Completed = evidenceFound

	if goal.Source == model.GoalSourceDisambiguation && evidenceFound {
		e.runConflictCheck(ctx, s, true)
	}

	evaluateFixedGoals(s)
	e.evaluatePhase(s)
	s.LastActivityAt = time.Now().UTC()

	if err := e.store.CommitSession(ctx, model.SessionCommit{Session: s}); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("session: record evidence: %w", err)
	}
	return model.Snapshot(s), nil
}

// disambigGoalID derives the stable goal ID for a mid-band corpus match, so
// repeated searches against the same entity never stack duplicate goals.
func disambigGoalID(entityID uuid.UUID) string {
	return "disambiguate:" + entityID.String()
}

// runConflictCheck runs the conflict-of-interest search when warranted and
// applies the banded outcome. The verdict is monotonic: once settled it never
// changes here; only corpus removal resets it. force bypasses the coverage
// gate after a disambiguation goal completes.
func (e *Engine) runConflictCheck(ctx context.Context, s *model.Session, force bool) {
	if s.Conflict.Status.Settled() {
		return
	}
	if !s.GoalIdentification {
		return
	}
	if !force && !s.ConflictRetry && s.Conflict.CheckedFields.Covers(s.IdentityFields) {
		return
	}

	// A person already known to have a detected conflict inherits it in any
	// new session, before the corpus is consulted.
	if e.inheritVerdict(ctx, s) {
		return
	}

	if e.conflicts == nil {
		s.ConflictRetry = true
		return
	}

	snapshot := s.IdentityFields.Clone()
	var matches []conflictsearch.Match
	err := e.withLookup(ctx, func(lctx context.Context) error {
		var serr error
		matches, serr = e.conflicts.Search(lctx, s.TenantID, snapshot)
		return serr
	})
	if err != nil {
		s.ConflictRetry = true
		e.logger.Warn("conflict search failed, session degraded",
			"session_id", s.ID, "error", err)
		return
	}
	s.ConflictRetry = false
	s.Conflict.CheckedFields = snapshot

	best := conflictsearch.Best(matches)
	band := conflictsearch.BandNone
	if best != nil {
		band = conflictsearch.Classify(best.Score, e.cfg.ConflictLowThreshold, e.cfg.ConflictHighThreshold)
	}

	switch band {
	case conflictsearch.BandHigh:
		now := time.Now().UTC()
		entityID := best.EntityID
		s.Conflict.Status = model.ConflictDetected
		s.Conflict.MatchedEntityID = &entityID
		s.Conflict.DetectedAt = &now
		e.logger.Info("conflict detected",
			"session_id", s.ID, "entity_id", entityID, "score", best.Score)
	case conflictsearch.BandMid:
		// Inject at most one disambiguation goal per entity, ever. If the
		// goal already ran its course and the score is still ambiguous, fall
		// through to the clear check below.
		if s.FindGoal(disambigGoalID(best.EntityID)) == nil {
			s.DynamicGoals = append(s.DynamicGoals, model.Goal{
				ID:          disambigGoalID(best.EntityID),
				Description: fmt.Sprintf("Confirm whether the visitor is %s", best.DisplayName),
				Source:      model.GoalSourceDisambiguation,
				AddedAt:     time.Now().UTC(),
			})
			return
		}
		fallthrough
	case conflictsearch.BandNone:
		if !s.HasOpenDisambiguation() {
			s.Conflict.Status = model.ConflictClear
		}
	}
}

// inheritVerdict looks the visitor up in the consolidated identity store by
// contact identifier. A prior detected verdict is sticky across sessions; a
// known person also keeps their user ID so sessions consolidate.
func (e *Engine) inheritVerdict(ctx context.Context, s *model.Session) bool {
	for _, field := range []string{model.FieldEmail, model.FieldPhone} {
		value, ok := s.IdentityFields[field]
		if !ok {
			continue
		}
		identity, err := e.store.FindUserIdentityByIdentifier(ctx, s.TenantID, field, value)
		if err != nil || identity == nil {
			continue
		}
		s.UserID = identity.UserID
		if identity.ConflictVerdict == model.ConflictDetected {
			now := time.Now().UTC()
			s.Conflict.Status = model.ConflictDetected
			s.Conflict.DetectedAt = &now
			s.ConflictRetry = false
			e.logger.Info("conflict inherited from prior session",
				"session_id", s.ID, "user_id", identity.UserID)
			return true
		}
		return false
	}
	return false
}

// runGoalLookup queries the tenant's knowledge documents against the latest
// turn and appends any sufficiently relevant goals not already tracked.
func (e *Engine) runGoalLookup(ctx context.Context, s *model.Session, text string) {
	query := knowledge.QueryText(text, s.Keywords)
	if query == "" {
		return
	}
	if e.knowledge == nil {
		s.GoalRetry = true
		return
	}

	var candidates []knowledge.Candidate
	err := e.withLookup(ctx, func(lctx context.Context) error {
		var serr error
		candidates, serr = e.knowledge.Candidates(lctx, s.TenantID, s.PracticeArea, query)
		return serr
	})
	if err != nil {
		s.GoalRetry = true
		e.logger.Warn("knowledge lookup failed, session degraded",
			"session_id", s.ID, "error", err)
		return
	}
	s.GoalRetry = false

	for _, c := range candidates {
		if float64(c.Relevance) < e.cfg.KnowledgeThreshold {
			continue
		}
		if s.FindGoal(c.GoalID) != nil {
			continue
		}
		s.DynamicGoals = append(s.DynamicGoals, model.Goal{
			ID:          c.GoalID,
			Description: c.Description,
			Source:      model.GoalSourceKnowledge,
			AddedAt:     time.Now().UTC(),
		})
	}
}

// withLookup bounds an external lookup with the configured timeout and
// retries it at most cfg.LookupRetries additional times.
func (e *Engine) withLookup(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.LookupRetries; attempt++ {
		lctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
		err = fn(lctx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}
