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

// UpsertKnowledgeDocument inserts or replaces a tenant's knowledge document.
// Documents are keyed by (tenant_id, goal_id) so re-uploading replaces content.
func (db *DB) UpsertKnowledgeDocument(ctx context.Context, d model.KnowledgeDocument, embedding pgvector.Vector) (model.KnowledgeDocument, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO knowledge_documents (id, tenant_id, goal_id, description, body, practice_area, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, goal_id) DO UPDATE SET
			description = EXCLUDED.description,
			body = EXCLUDED.body,
			practice_area = EXCLUDED.practice_area,
			embedding = EXCLUDED.embedding
		 RETURNING id`,
		d.ID, d.TenantID, d.GoalID, d.Description, d.Body, d.PracticeArea, embedding, d.CreatedAt,
	).Scan(&d.ID)
	if err != nil {
		return model.KnowledgeDocument{}, fmt.Errorf("storage: upsert knowledge document: %w", err)
	}
	return d, nil
}

// GetKnowledgeDocument retrieves a document by goal ID within a tenant.
func (db *DB) GetKnowledgeDocument(ctx context.Context, tenantID uuid.UUID, goalID string) (model.KnowledgeDocument, error) {
	var d model.KnowledgeDocument
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, goal_id, description, body, practice_area, created_at
		 FROM knowledge_documents WHERE tenant_id = $1 AND goal_id = $2`,
		tenantID, goalID,
	).Scan(&d.ID, &d.TenantID, &d.GoalID, &d.Description, &d.Body, &d.PracticeArea, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KnowledgeDocument{}, fmt.Errorf("storage: knowledge document %s: %w", goalID, ErrNotFound)
		}
		return model.KnowledgeDocument{}, fmt.Errorf("storage: get knowledge document: %w", err)
	}
	return d, nil
}

// ListKnowledgeDocuments returns a tenant's knowledge documents.
func (db *DB) ListKnowledgeDocuments(ctx context.Context, tenantID uuid.UUID) ([]model.KnowledgeDocument, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, goal_id, description, body, practice_area, created_at
		 FROM knowledge_documents WHERE tenant_id = $1 ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list knowledge documents: %w", err)
	}
	defer rows.Close()

	var docs []model.KnowledgeDocument
	for rows.Next() {
		var d model.KnowledgeDocument
		if err := rows.Scan(&d.ID, &d.TenantID, &d.GoalID, &d.Description, &d.Body, &d.PracticeArea, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteKnowledgeDocument removes a document. Dynamic goals already injected
// into sessions are unaffected; removal only stops future injections.
func (db *DB) DeleteKnowledgeDocument(ctx context.Context, tenantID uuid.UUID, goalID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`DELETE FROM knowledge_documents WHERE tenant_id = $1 AND goal_id = $2 RETURNING id`,
		tenantID, goalID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("storage: knowledge document %s: %w", goalID, ErrNotFound)
		}
		return uuid.Nil, fmt.Errorf("storage: delete knowledge document: %w", err)
	}
	return id, nil
}
