package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/engagehq/engage/internal/model"
)

// CreateConflictEntry inserts a corpus entry with its embedding.
func (db *DB) CreateConflictEntry(ctx context.Context, e model.ConflictEntry, embedding pgvector.Vector) (model.ConflictEntry, error) {
	if e.EntityID == uuid.Nil {
		e.EntityID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO conflict_entries (entity_id, tenant_id, display_name, fields, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EntityID, e.TenantID, e.DisplayName, e.Fields, embedding, e.CreatedAt,
	)
	if err != nil {
		return model.ConflictEntry{}, fmt.Errorf("storage: create conflict entry: %w", err)
	}
	return e, nil
}

// GetConflictEntry retrieves a corpus entry by ID within a tenant.
func (db *DB) GetConflictEntry(ctx context.Context, tenantID, entityID uuid.UUID) (model.ConflictEntry, error) {
	var e model.ConflictEntry
	err := db.pool.QueryRow(ctx,
		`SELECT entity_id, tenant_id, display_name, fields, created_at
		 FROM conflict_entries WHERE tenant_id = $1 AND entity_id = $2`,
		tenantID, entityID,
	).Scan(&e.EntityID, &e.TenantID, &e.DisplayName, &e.Fields, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConflictEntry{}, fmt.Errorf("storage: conflict entry %s: %w", entityID, ErrNotFound)
		}
		return model.ConflictEntry{}, fmt.Errorf("storage: get conflict entry: %w", err)
	}
	return e, nil
}

// ListConflictEntries returns a tenant's corpus entries.
func (db *DB) ListConflictEntries(ctx context.Context, tenantID uuid.UUID) ([]model.ConflictEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT entity_id, tenant_id, display_name, fields, created_at
		 FROM conflict_entries WHERE tenant_id = $1 ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list conflict entries: %w", err)
	}
	defer rows.Close()

	var entries []model.ConflictEntry
	for rows.Next() {
		var e model.ConflictEntry
		if err := rows.Scan(&e.EntityID, &e.TenantID, &e.DisplayName, &e.Fields, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan conflict entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteConflictEntry removes a corpus entry and unwinds every verdict that
// rested on it: matched sessions revert to pending (with the check goal
// reopened so the next command re-searches), their identities revert to
// pending, and each touched session is re-enqueued for index replication.
// Returns the IDs of the sessions that were reset.
//
// This is the one path in the system that moves a settled conflict verdict.
func (db *DB) DeleteConflictEntry(ctx context.Context, tenantID, entityID uuid.UUID) ([]uuid.UUID, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin delete conflict entry: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM conflict_entries WHERE tenant_id = $1 AND entity_id = $2`,
		tenantID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: delete conflict entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("storage: conflict entry %s: %w", entityID, ErrNotFound)
	}

	rows, err := tx.Query(ctx,
		`UPDATE sessions SET
			conflict_status = 'pending',
			conflict_checked_fields = '{}',
			conflict_matched_entity_id = NULL,
			conflict_detected_at = NULL,
			goal_conflict_check = FALSE,
			version = version + 1,
			updated_at = now()
		 WHERE tenant_id = $1 AND conflict_matched_entity_id = $2
		 RETURNING id`,
		tenantID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: reset matched sessions: %w", err)
	}
	var resetIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan reset session: %w", err)
		}
		resetIDs = append(resetIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: reset matched sessions: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_identities SET conflict_verdict = 'pending', updated_at = now()
		 WHERE tenant_id = $1 AND user_id IN (
			SELECT user_id FROM sessions WHERE id = ANY($2)
		 )`,
		tenantID, resetIDs,
	); err != nil {
		return nil, fmt.Errorf("storage: reset identity verdicts: %w", err)
	}

	for _, id := range resetIDs {
		if err := enqueueOutbox(ctx, tx, tenantID, id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit delete conflict entry: %w", err)
	}
	return resetIDs, nil
}
