// Package session implements the intake session engine: the security state
// machine, goal tracking, and conflict-of-interest orchestration. All session
// mutation flows through Engine under a per-session executor, so command
// handlers never observe or produce interleaved state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/auth"
	"github.com/engagehq/engage/internal/conflictsearch"
	"github.com/engagehq/engage/internal/knowledge"
	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/storage"
)

// Fixed pre-login goal IDs as surfaced to the understanding layer.
const (
	GoalIDIdentification  = "user_identification"
	GoalIDConflictCheck   = "conflict_check"
	GoalIDNeedsAssessment = "legal_needs_assessment"
)

// Store is the persistence surface the engine depends on. *storage.DB
// implements it; tests substitute an in-memory fake.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (model.Tenant, error)
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	CommitSession(ctx context.Context, commit model.SessionCommit) error
	GetUserIdentity(ctx context.Context, tenantID, userID uuid.UUID) (*model.UserIdentity, error)
	FindUserIdentityByIdentifier(ctx context.Context, tenantID uuid.UUID, field, value string) (*model.UserIdentity, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error)
}

// Config tunes conflict banding, goal relevance, and external call bounds.
type Config struct {
	ConflictLowThreshold  float64
	ConflictHighThreshold float64
	KnowledgeThreshold    float64
	LookupTimeout         time.Duration
	LookupRetries         int
}

// Caller identifies who is issuing a command and with what credential.
type Caller struct {
	Subject     string // verified IdP subject, empty for anonymous visitors
	ResumeToken string // raw resume token, empty for authenticated callers
	Role        model.Role
}

// Engine executes session commands.
type Engine struct {
	store     Store
	conflicts conflictsearch.Searcher
	knowledge knowledge.Searcher
	cfg       Config
	logger    *slog.Logger
	registry  *registry
}

// New creates an Engine. conflicts and knowledge may be nil when the vector
// backend is not configured; the corresponding lookups then mark retry flags
// instead of running.
func New(store Store, conflicts conflictsearch.Searcher, kn knowledge.Searcher, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		conflicts: conflicts,
		knowledge: kn,
		cfg:       cfg,
		logger:    logger,
		registry:  newRegistry(),
	}
}

// Start creates a pre_login session for an active tenant and returns the raw
// resume token exactly once.
func (e *Engine) Start(ctx context.Context, tenantSlug, practiceArea string) (*model.Session, string, error) {
	tenant, err := e.store.GetTenantBySlug(ctx, tenantSlug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", &model.CommandError{Code: model.ErrCodeNotFound, Message: "tenant not found"}
		}
		return nil, "", fmt.Errorf("session: start: %w", err)
	}
	if !tenant.Active {
		return nil, "", &model.CommandError{Code: model.ErrCodeInvalidInput, Message: "tenant is not active"}
	}

	token, err := auth.NewResumeToken()
	if err != nil {
		return nil, "", fmt.Errorf("session: start: %w", err)
	}
	hash, err := auth.HashResumeToken(token)
	if err != nil {
		return nil, "", fmt.Errorf("session: start: %w", err)
	}

	s := &model.Session{
		ID:              uuid.New(),
		TenantID:        tenant.ID,
		UserID:          uuid.New(),
		Phase:           model.PhasePreLogin,
		ResumeTokenHash: hash,
		PracticeArea:    practiceArea,
		IdentityFields:  model.IdentityFields{},
		Conflict:        model.ConflictState{Status: model.ConflictPending, CheckedFields: model.IdentityFields{}},
	}
	if err := e.store.CreateSession(ctx, s); err != nil {
		return nil, "", fmt.Errorf("session: start: %w", err)
	}

	e.logger.Info("session started", "session_id", s.ID, "tenant_id", s.TenantID)
	return s, token, nil
}

// CompleteLogin secures a login_suggested session and binds it permanently to
// the verified subject. Replay with the same subject is an idempotent no-op;
// a different subject is FORBIDDEN regardless of any other credential.
func (e *Engine) CompleteLogin(ctx context.Context, sessionID uuid.UUID, subject string) (model.SessionSnapshot, error) {
	if subject == "" {
		return model.SessionSnapshot{}, &model.CommandError{Code: model.ErrCodeInvalidInput, Message: "subject is required"}
	}

	release := e.registry.acquire(sessionID)
	defer release()

	s, err := e.load(ctx, sessionID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}

	if s.IsSecured {
		if s.AllowedIdentity != nil && *s.AllowedIdentity == subject {
			return model.Snapshot(s), nil
		}
		return model.SessionSnapshot{}, model.ErrForbidden()
	}
	if s.Phase != model.PhaseLoginSuggested {
		return model.SessionSnapshot{}, model.ErrInvalidState("login not available in phase %s", s.Phase)
	}

	if !model.CanTransition(s.Phase, model.PhaseSecured, s.IsSecured) {
		return model.SessionSnapshot{}, model.ErrInvalidState("cannot secure from phase %s", s.Phase)
	}
	s.Phase = model.PhaseSecured
	s.IsSecured = true
	s.AllowedIdentity = &subject
	s.LastActivityAt = time.Now().UTC()

	identity := e.identityAggregate(ctx, s)
	identity.Subjects = appendUnique(identity.Subjects, subject)

	if err := e.store.CommitSession(ctx, model.SessionCommit{Session: s, Identity: identity}); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("session: complete login: %w", err)
	}

	e.logger.Info("session secured", "session_id", s.ID, "tenant_id", s.TenantID)
	return model.Snapshot(s), nil
}

// Get returns the session after enforcing read access: a secured session is
// visible to its bound subject and to staff; an unsecured one to resume-token
// holders and staff.
func (e *Engine) Get(ctx context.Context, sessionID uuid.UUID, caller Caller) (*model.Session, error) {
	s, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if model.RoleAtLeast(caller.Role, model.RoleStaff) {
		return s, nil
	}
	if err := authorize(s, caller); err != nil {
		return nil, err
	}
	return s, nil
}

// Messages returns a session's transcript under the same access rules as Get.
func (e *Engine) Messages(ctx context.Context, sessionID uuid.UUID, caller Caller) ([]model.Message, error) {
	if _, err := e.Get(ctx, sessionID, caller); err != nil {
		return nil, err
	}
	return e.store.ListMessages(ctx, sessionID)
}

// AdminDelete soft-deletes a session. The row and transcript stay for audit;
// the index projection marks it deleted. A non-terminal session is also
// terminated so no further commands land on it.
func (e *Engine) AdminDelete(ctx context.Context, sessionID uuid.UUID, byUser string) error {
	release := e.registry.acquire(sessionID)
	defer release()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.ErrSessionNotFound()
		}
		return fmt.Errorf("session: admin delete: %w", err)
	}
	if s.IsDeleted {
		return nil
	}

	now := time.Now().UTC()
	s.IsDeleted = true
	s.DeletedBy = &byUser
	s.DeletedAt = &now
	if model.CanTransition(s.Phase, model.PhaseTerminated, s.IsSecured) {
		s.Phase = model.PhaseTerminated
	}

	if err := e.store.CommitSession(ctx, model.SessionCommit{Session: s}); err != nil {
		return fmt.Errorf("session: admin delete: %w", err)
	}

	e.logger.Info("session deleted", "session_id", s.ID, "by", byUser)
	return nil
}

// RemoveGoal removes a dynamic goal. This is the only shrink path for the
// goal list and exists for explicit firm corrections.
func (e *Engine) RemoveGoal(ctx context.Context, sessionID uuid.UUID, goalID string) (model.SessionSnapshot, error) {
	release := e.registry.acquire(sessionID)
	defer release()

	s, err := e.load(ctx, sessionID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if s.Phase.Terminal() {
		return model.SessionSnapshot{}, model.ErrInvalidState("session is %s", s.Phase)
	}

	idx := -1
	for i := range s.DynamicGoals {
		if s.DynamicGoals[i].ID == goalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.SessionSnapshot{}, &model.CommandError{Code: model.ErrCodeNotFound, Message: "goal not found"}
	}
	s.DynamicGoals = append(s.DynamicGoals[:idx], s.DynamicGoals[idx+1:]...)
	e.evaluatePhase(s)
	s.LastActivityAt = time.Now().UTC()

	if err := e.store.CommitSession(ctx, model.SessionCommit{Session: s}); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("session: remove goal: %w", err)
	}
	return model.Snapshot(s), nil
}

// Assign sets the staff assignee shown on the dashboard.
func (e *Engine) Assign(ctx context.Context, sessionID uuid.UUID, assignee string) error {
	release := e.registry.acquire(sessionID)
	defer release()

	s, err := e.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if assignee == "" {
		s.Assignee = nil
	} else {
		s.Assignee = &assignee
	}

	if err := e.store.CommitSession(ctx, model.SessionCommit{Session: s}); err != nil {
		return fmt.Errorf("session: assign: %w", err)
	}
	return nil
}

// load fetches a non-deleted session, mapping absence to NOT_FOUND.
func (e *Engine) load(ctx context.Context, sessionID uuid.UUID) (*model.Session, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, model.ErrSessionNotFound()
		}
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if s.IsDeleted {
		return nil, model.ErrSessionNotFound()
	}
	return s, nil
}

// authorize enforces the write-access rule. A secured session admits only its
// bound subject; token possession is irrelevant once secured. An unsecured
// session admits whoever presents the resume token.
func authorize(s *model.Session, caller Caller) error {
	if s.IsSecured {
		if s.AllowedIdentity == nil || caller.Subject == "" || caller.Subject != *s.AllowedIdentity {
			// Equalize timing with the unsecured path so a rejection does not
			// reveal which check failed.
			auth.DummyVerify()
			return model.ErrForbidden()
		}
		return nil
	}

	if caller.ResumeToken == "" {
		auth.DummyVerify()
		return model.ErrForbidden()
	}
	ok, err := auth.VerifyResumeToken(caller.ResumeToken, s.ResumeTokenHash)
	if err != nil || !ok {
		return model.ErrForbidden()
	}
	return nil
}

// evaluateFixedGoals re-derives the identification and needs-assessment goals
// from captured data. The conflict-check goal follows the verdict: satisfied
// only once the verdict settles as clear.
func evaluateFixedGoals(s *model.Session) {
	_, hasName := s.IdentityFields[model.FieldName]
	_, hasEmail := s.IdentityFields[model.FieldEmail]
	_, hasPhone := s.IdentityFields[model.FieldPhone]
	s.GoalIdentification = hasName && (hasEmail || hasPhone)
	s.GoalNeedsAssessment = s.PracticeArea != "" && len(s.Keywords) > 0
	s.GoalConflictCheck = s.Conflict.Status == model.ConflictClear
}

// evaluatePhase applies promotions and demotions after goal state changed.
// The login suggestion hinges on the three fixed pre-login goals alone; open
// dynamic goals delay completion, not securing. A detected conflict pins an
// unsecured session in pre_login.
func (e *Engine) evaluatePhase(s *model.Session) {
	if s.Phase.Terminal() {
		return
	}
	if s.IsSecured {
		if s.Phase == model.PhaseSecured && s.AllGoalsMet() &&
			model.CanTransition(s.Phase, model.PhaseCompleted, s.IsSecured) {
			s.Phase = model.PhaseCompleted
			e.logger.Info("session completed", "session_id", s.ID)
		}
		return
	}

	eligible := s.PreLoginGoalsMet() && s.Conflict.Status != model.ConflictDetected
	switch {
	case eligible && s.Phase == model.PhasePreLogin:
		if model.CanTransition(s.Phase, model.PhaseLoginSuggested, s.IsSecured) {
			s.Phase = model.PhaseLoginSuggested
		}
	case !eligible && s.Phase == model.PhaseLoginSuggested:
		if model.CanTransition(s.Phase, model.PhasePreLogin, s.IsSecured) {
			s.Phase = model.PhasePreLogin
		}
	}
}

// identityAggregate loads or initializes the consolidated identity for the
// session's person and folds in the session's current identifiers.
func (e *Engine) identityAggregate(ctx context.Context, s *model.Session) *model.UserIdentity {
	identity, err := e.store.GetUserIdentity(ctx, s.TenantID, s.UserID)
	if err != nil {
		identity = &model.UserIdentity{
			TenantID:        s.TenantID,
			UserID:          s.UserID,
			ConflictVerdict: model.ConflictPending,
		}
	}
	for field, value := range s.IdentityFields {
		identity.AddIdentifier(field, value)
	}
	identity.SessionIDs = appendUniqueUUID(identity.SessionIDs, s.ID)
	if s.Conflict.Status.Settled() {
		identity.ConflictVerdict = s.Conflict.Status
	}
	return identity
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func appendUniqueUUID(list []uuid.UUID, v uuid.UUID) []uuid.UUID {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
