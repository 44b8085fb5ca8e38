package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/engagehq/engage/internal/storage"
)

// maxConcurrentTenants bounds how many tenants reconcile in parallel.
const maxConcurrentTenants = 4

// Reconciler periodically rebuilds the dashboard index and identity directory
// from the authoritative sessions table. It is the backstop for outbox
// dead-letters and for index rows orphaned by operational surgery.
type Reconciler struct {
	db       *storage.DB
	logger   *slog.Logger
	interval time.Duration
}

// NewReconciler creates a reconciler running at the given interval.
func NewReconciler(db *storage.DB, logger *slog.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{db: db, logger: logger, interval: interval}
}

// Run reconciles on a ticker until the context is canceled. One pass runs
// immediately on startup so a fresh deploy converges without waiting a full
// interval.
func (r *Reconciler) Run(ctx context.Context) {
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	start := time.Now()
	if err := r.ReconcileAll(ctx); err != nil {
		r.logger.Error("reconciler: pass failed", "error", err)
		return
	}
	r.logger.Info("reconciler: pass complete", "elapsed", time.Since(start))
}

// ReconcileAll rebuilds the read models for every tenant.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	tenants, err := r.db.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: list tenants: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTenants)
	for _, tenant := range tenants {
		g.Go(func() error {
			// The directory rebuild races session commits; retry transient
			// serialization failures before surfacing them.
			return storage.WithRetry(gctx, 2, 100*time.Millisecond, func() error {
				return r.ReconcileTenant(gctx, tenant.ID)
			})
		})
	}
	return g.Wait()
}

// ReconcileTenant replays every session of one tenant through the same row
// builder the incremental worker uses, then removes index rows whose session
// no longer exists and rewrites the identity directory.
func (r *Reconciler) ReconcileTenant(ctx context.Context, tenantID uuid.UUID) error {
	sessions, err := r.db.ListSessionsForTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("reconciler: tenant %s: %w", tenantID, err)
	}

	keep := make([]uuid.UUID, 0, len(sessions))
	for _, s := range sessions {
		keep = append(keep, s.ID)
		if err := r.db.UpsertIndexRow(ctx, BuildRow(s)); err != nil {
			return fmt.Errorf("reconciler: tenant %s session %s: %w", tenantID, s.ID, err)
		}
	}

	removed, err := r.db.DeleteIndexRowsNotIn(ctx, tenantID, keep)
	if err != nil {
		return fmt.Errorf("reconciler: tenant %s: %w", tenantID, err)
	}
	if removed > 0 {
		r.logger.Info("reconciler: removed orphaned index rows",
			"tenant_id", tenantID, "removed", removed)
	}

	if err := r.db.RebuildDirectoryForTenant(ctx, tenantID); err != nil {
		return fmt.Errorf("reconciler: tenant %s: %w", tenantID, err)
	}
	return nil
}
