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

// GetUserIdentity retrieves the consolidated identity for a person within a tenant.
func (db *DB) GetUserIdentity(ctx context.Context, tenantID, userID uuid.UUID) (*model.UserIdentity, error) {
	var u model.UserIdentity
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, user_id, identifiers, subjects, conflict_verdict, session_ids, updated_at
		 FROM user_identities WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	).Scan(&u.TenantID, &u.UserID, &u.Identifiers, &u.Subjects, &u.ConflictVerdict, &u.SessionIDs, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: identity %s/%s: %w", tenantID, userID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get identity: %w", err)
	}
	return &u, nil
}

// FindUserIdentityByIdentifier locates an identity holding the given field
// value. Used to recognize a returning person before their session secures.
func (db *DB) FindUserIdentityByIdentifier(ctx context.Context, tenantID uuid.UUID, field, value string) (*model.UserIdentity, error) {
	var u model.UserIdentity
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, user_id, identifiers, subjects, conflict_verdict, session_ids, updated_at
		 FROM user_identities
		 WHERE tenant_id = $1 AND identifiers -> $2 @> to_jsonb($3::text)
		 LIMIT 1`,
		tenantID, field, value,
	).Scan(&u.TenantID, &u.UserID, &u.Identifiers, &u.Subjects, &u.ConflictVerdict, &u.SessionIDs, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: identity by %s: %w", field, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: find identity: %w", err)
	}
	return &u, nil
}

// UpsertUserIdentity writes the consolidated identity outside a session commit.
func (db *DB) UpsertUserIdentity(ctx context.Context, u *model.UserIdentity) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin upsert identity: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertUserIdentity(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertUserIdentity(ctx context.Context, tx pgx.Tx, u *model.UserIdentity) error {
	u.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_identities (tenant_id, user_id, identifiers, subjects, conflict_verdict, session_ids, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			identifiers = EXCLUDED.identifiers,
			subjects = EXCLUDED.subjects,
			conflict_verdict = EXCLUDED.conflict_verdict,
			session_ids = EXCLUDED.session_ids,
			updated_at = EXCLUDED.updated_at`,
		u.TenantID, u.UserID, u.Identifiers, u.Subjects, u.ConflictVerdict, u.SessionIDs, u.UpdatedAt,
	); err != nil {
		return fmt.Errorf("storage: upsert identity: %w", err)
	}
	return nil
}

// ResetIdentityVerdictsForEntity reverts the conflict verdict to pending for
// every identity whose sessions matched the given corpus entity.
func (db *DB) ResetIdentityVerdictsForEntity(ctx context.Context, tenantID, entityID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE user_identities SET conflict_verdict = 'pending', updated_at = now()
		 WHERE tenant_id = $1 AND user_id IN (
			SELECT user_id FROM sessions
			WHERE tenant_id = $1 AND conflict_matched_entity_id = $2
		 )`,
		tenantID, entityID,
	)
	if err != nil {
		return fmt.Errorf("storage: reset identity verdicts: %w", err)
	}
	return nil
}
