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

const tenantColumns = `id, name, slug, active, created_at, updated_at`

// CreateTenant inserts a new tenant.
func (db *DB) CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, slug, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Slug, t.Active, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: create tenant: %w", err)
	}
	return t, nil
}

// GetTenant retrieves a tenant by ID.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	var t model.Tenant
	err := db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tenant{}, fmt.Errorf("storage: tenant %s: %w", id, ErrNotFound)
		}
		return model.Tenant{}, fmt.Errorf("storage: get tenant: %w", err)
	}
	return t, nil
}

// GetTenantBySlug retrieves a tenant by slug.
func (db *DB) GetTenantBySlug(ctx context.Context, slug string) (model.Tenant, error) {
	var t model.Tenant
	err := db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug,
	).Scan(&t.ID, &t.Name, &t.Slug, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Tenant{}, fmt.Errorf("storage: tenant %s: %w", slug, ErrNotFound)
		}
		return model.Tenant{}, fmt.Errorf("storage: get tenant by slug: %w", err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by creation time.
func (db *DB) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []model.Tenant
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
