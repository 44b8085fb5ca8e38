package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UpsertDirectoryRow records that a verified subject secured a session.
func (db *DB) UpsertDirectoryRow(ctx context.Context, tenantID uuid.UUID, subject string, sessionID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO identity_sessions (tenant_id, subject, session_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, subject, session_id) DO UPDATE SET updated_at = now()`,
		tenantID, subject, sessionID,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert directory row: %w", err)
	}
	return nil
}

// ListSessionsForSubject returns the sessions a verified subject secured
// within a tenant, newest first.
func (db *DB) ListSessionsForSubject(ctx context.Context, tenantID uuid.UUID, subject string) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT session_id FROM identity_sessions
		 WHERE tenant_id = $1 AND subject = $2 ORDER BY updated_at DESC`,
		tenantID, subject,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions for subject: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan directory row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RebuildDirectoryForTenant rewrites the subject directory from the
// authoritative sessions table. Used by the reconciler.
func (db *DB) RebuildDirectoryForTenant(ctx context.Context, tenantID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin rebuild directory: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM identity_sessions WHERE tenant_id = $1`, tenantID,
	); err != nil {
		return fmt.Errorf("storage: clear directory: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO identity_sessions (tenant_id, subject, session_id)
		 SELECT tenant_id, allowed_identity, id FROM sessions
		 WHERE tenant_id = $1 AND allowed_identity IS NOT NULL AND is_deleted = FALSE`,
		tenantID,
	); err != nil {
		return fmt.Errorf("storage: rebuild directory: %w", err)
	}

	return tx.Commit(ctx)
}
