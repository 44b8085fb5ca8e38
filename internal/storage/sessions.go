package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/engagehq/engage/internal/model"
)

const sessionColumns = `id, tenant_id, user_id, phase, is_secured, allowed_identity,
	resume_token_hash, practice_area, assignee, identity_fields, keywords,
	goal_identification, goal_conflict_check, goal_needs_assessment, dynamic_goals,
	conflict_status, conflict_checked_fields, conflict_matched_entity_id, conflict_detected_at,
	conflict_retry, goal_retry, message_count, is_deleted, deleted_by, deleted_at,
	version, created_at, updated_at, last_activity_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	err := row.Scan(
		&s.ID, &s.TenantID, &s.UserID, &s.Phase, &s.IsSecured, &s.AllowedIdentity,
		&s.ResumeTokenHash, &s.PracticeArea, &s.Assignee, &s.IdentityFields, &s.Keywords,
		&s.GoalIdentification, &s.GoalConflictCheck, &s.GoalNeedsAssessment, &s.DynamicGoals,
		&s.Conflict.Status, &s.Conflict.CheckedFields, &s.Conflict.MatchedEntityID, &s.Conflict.DetectedAt,
		&s.ConflictRetry, &s.GoalRetry, &s.MessageCount, &s.IsDeleted, &s.DeletedBy, &s.DeletedAt,
		&s.Version, &s.CreatedAt, &s.UpdatedAt, &s.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a new session and enqueues its first index outbox row
// in one transaction.
func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	now := time.Now().UTC()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = now
	}
	if s.Version == 0 {
		s.Version = 1
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		s.ID, s.TenantID, s.UserID, s.Phase, s.IsSecured, s.AllowedIdentity,
		s.ResumeTokenHash, s.PracticeArea, s.Assignee, s.IdentityFields, s.Keywords,
		s.GoalIdentification, s.GoalConflictCheck, s.GoalNeedsAssessment, s.DynamicGoals,
		s.Conflict.Status, s.Conflict.CheckedFields, s.Conflict.MatchedEntityID, s.Conflict.DetectedAt,
		s.ConflictRetry, s.GoalRetry, s.MessageCount, s.IsDeleted, s.DeletedBy, s.DeletedAt,
		s.Version, s.CreatedAt, s.UpdatedAt, s.LastActivityAt,
	); err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}

	if err := enqueueOutbox(ctx, tx, s.TenantID, s.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// CommitSession persists a completed command in one transaction: the updated
// session row (version-checked), any new transcript messages, the consolidated
// user identity, and an index outbox record.
func (db *DB) CommitSession(ctx context.Context, commit model.SessionCommit) error {
	s := commit.Session
	now := time.Now().UTC()
	s.UpdatedAt = now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin commit session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET
			phase = $1, is_secured = $2, allowed_identity = $3, practice_area = $4,
			assignee = $5, identity_fields = $6, keywords = $7,
			goal_identification = $8, goal_conflict_check = $9, goal_needs_assessment = $10,
			dynamic_goals = $11, conflict_status = $12, conflict_checked_fields = $13,
			conflict_matched_entity_id = $14, conflict_detected_at = $15,
			conflict_retry = $16, goal_retry = $17, message_count = $18,
			is_deleted = $19, deleted_by = $20, deleted_at = $21,
			version = version + 1, updated_at = $22, last_activity_at = $23
		 WHERE id = $24 AND version = $25`,
		s.Phase, s.IsSecured, s.AllowedIdentity, s.PracticeArea,
		s.Assignee, s.IdentityFields, s.Keywords,
		s.GoalIdentification, s.GoalConflictCheck, s.GoalNeedsAssessment,
		s.DynamicGoals, s.Conflict.Status, s.Conflict.CheckedFields,
		s.Conflict.MatchedEntityID, s.Conflict.DetectedAt,
		s.ConflictRetry, s.GoalRetry, s.MessageCount,
		s.IsDeleted, s.DeletedBy, s.DeletedAt,
		s.UpdatedAt, s.LastActivityAt,
		s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s at version %d: %w", s.ID, s.Version, ErrVersionConflict)
	}
	s.Version++

	for i := range commit.NewMessages {
		m := &commit.NewMessages[i]
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, session_id, seq, role, body, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, m.SessionID, m.Seq, m.Role, m.Body, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert message: %w", err)
		}
	}

	if commit.Identity != nil {
		if err := upsertUserIdentity(ctx, tx, commit.Identity); err != nil {
			return err
		}
	}

	if err := enqueueOutbox(ctx, tx, s.TenantID, s.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit session: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, tenantID, sessionID uuid.UUID) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO index_outbox (tenant_id, session_id) VALUES ($1, $2)`,
		tenantID, sessionID,
	); err != nil {
		return fmt.Errorf("storage: enqueue outbox: %w", err)
	}
	return nil
}

// ListSessionsForTenant returns every session of a tenant, soft-deleted
// included. Used by the reconciler to rebuild the index.
func (db *DB) ListSessionsForTenant(ctx context.Context, tenantID uuid.UUID) ([]*model.Session, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListSessionsMatchedToEntity returns sessions whose conflict verdict points
// at the given corpus entity. Used when the entity is removed from the corpus.
func (db *DB) ListSessionsMatchedToEntity(ctx context.Context, tenantID, entityID uuid.UUID) ([]*model.Session, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE tenant_id = $1 AND conflict_matched_entity_id = $2`,
		tenantID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list matched sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListMessages returns a session's transcript in sequence order.
func (db *DB) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, seq, role, body, created_at
		 FROM messages WHERE session_id = $1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
