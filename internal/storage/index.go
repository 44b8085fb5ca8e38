package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/engagehq/engage/internal/model"
)

// IndexFilter narrows dashboard index queries. Zero values mean "any".
type IndexFilter struct {
	Phase          model.Phase
	Assignee       string
	ConflictStatus model.ConflictStatus
	PracticeArea   string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

const indexColumns = `tenant_id, session_id, phase, secured, assignee, practice_area,
	conflict_status, goals_total, goals_done, message_count, deleted, last_activity_at`

// UpsertIndexRow writes one projected row into the dashboard index.
func (db *DB) UpsertIndexRow(ctx context.Context, row model.IndexRow) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO session_index (`+indexColumns+`, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (tenant_id, session_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			secured = EXCLUDED.secured,
			assignee = EXCLUDED.assignee,
			practice_area = EXCLUDED.practice_area,
			conflict_status = EXCLUDED.conflict_status,
			goals_total = EXCLUDED.goals_total,
			goals_done = EXCLUDED.goals_done,
			message_count = EXCLUDED.message_count,
			deleted = EXCLUDED.deleted,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = EXCLUDED.updated_at`,
		row.TenantID, row.SessionID, row.Phase, row.Secured, row.Assignee, row.PracticeArea,
		row.ConflictStatus, row.GoalsTotal, row.GoalsDone, row.MessageCount, row.Deleted,
		row.LastActivityAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert index row: %w", err)
	}
	return nil
}

// GetIndexRow reads one projected row.
func (db *DB) GetIndexRow(ctx context.Context, tenantID, sessionID uuid.UUID) (model.IndexRow, error) {
	var row model.IndexRow
	err := db.pool.QueryRow(ctx,
		`SELECT `+indexColumns+` FROM session_index WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID,
	).Scan(
		&row.TenantID, &row.SessionID, &row.Phase, &row.Secured, &row.Assignee, &row.PracticeArea,
		&row.ConflictStatus, &row.GoalsTotal, &row.GoalsDone, &row.MessageCount, &row.Deleted,
		&row.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.IndexRow{}, fmt.Errorf("storage: index row %s: %w", sessionID, ErrNotFound)
		}
		return model.IndexRow{}, fmt.Errorf("storage: get index row: %w", err)
	}
	return row, nil
}

// ListIndexRows returns filtered dashboard rows plus the total match count.
func (db *DB) ListIndexRows(ctx context.Context, tenantID uuid.UUID, f IndexFilter) ([]model.IndexRow, int, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}

	if f.Phase != "" {
		args = append(args, f.Phase)
		where = append(where, fmt.Sprintf("phase = $%d", len(args)))
	}
	if f.Assignee != "" {
		args = append(args, f.Assignee)
		where = append(where, fmt.Sprintf("assignee = $%d", len(args)))
	}
	if f.ConflictStatus != "" {
		args = append(args, f.ConflictStatus)
		where = append(where, fmt.Sprintf("conflict_status = $%d", len(args)))
	}
	if f.PracticeArea != "" {
		args = append(args, f.PracticeArea)
		where = append(where, fmt.Sprintf("practice_area = $%d", len(args)))
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted = FALSE")
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_index WHERE `+clause, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count index rows: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(
		`SELECT `+indexColumns+` FROM session_index WHERE %s
		 ORDER BY last_activity_at DESC LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args),
	)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list index rows: %w", err)
	}
	defer rows.Close()

	var result []model.IndexRow
	for rows.Next() {
		var row model.IndexRow
		if err := rows.Scan(
			&row.TenantID, &row.SessionID, &row.Phase, &row.Secured, &row.Assignee, &row.PracticeArea,
			&row.ConflictStatus, &row.GoalsTotal, &row.GoalsDone, &row.MessageCount, &row.Deleted,
			&row.LastActivityAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan index row: %w", err)
		}
		result = append(result, row)
	}
	return result, total, rows.Err()
}

// DeleteIndexRowsNotIn removes orphaned index rows for a tenant: rows whose
// session no longer exists in the authoritative table. Used by the reconciler.
func (db *DB) DeleteIndexRowsNotIn(ctx context.Context, tenantID uuid.UUID, keep []uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM session_index WHERE tenant_id = $1 AND session_id != ALL($2)`,
		tenantID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete orphaned index rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxDepth returns the number of pending index outbox entries.
func (db *DB) OutboxDepth(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM index_outbox WHERE attempts < $1`, maxAttempts,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return count, nil
}
