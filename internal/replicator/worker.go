package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/storage"
	"github.com/engagehq/engage/internal/telemetry"
)

// MaxAttempts is the dead-letter threshold for index outbox entries. Entries
// at or past it are skipped by the worker and eventually cleaned up; the
// reconciler covers the sessions they pointed at.
const MaxAttempts = 10

// outboxEntry is a single row from the index_outbox table.
type outboxEntry struct {
	ID        int64
	TenantID  uuid.UUID
	SessionID uuid.UUID
	Attempts  int
}

// Worker polls index_outbox and projects changed sessions into the dashboard
// index and the identity directory, then emits a NOTIFY for SSE fan-out.
type Worker struct {
	db           *storage.DB
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates an index outbox worker.
func NewWorker(db *storage.DB, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	return &Worker{
		db:           db,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("index outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (w *Worker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("index outbox: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	pool := w.db.Pool()
	tx, err := pool.Begin(ctx)
	if err != nil {
		w.logger.Error("index outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, tenant_id, session_id, attempts
		 FROM index_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		MaxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("index outbox: select pending", "error", err)
		return
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("index outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Lock the entries for 60 seconds (must exceed the 30s batchCtx timeout
	// to prevent a second worker from picking up entries whose lock expired
	// while the first worker is still processing).
	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE index_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("index outbox: lock entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("index outbox: commit lock", "error", err)
		return
	}

	w.processEntries(ctx, entries)

	// Periodically clean up dead-letter entries (attempts >= max, older than 7 days).
	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

// processEntries projects each referenced session. Multiple outbox rows for
// the same session collapse into one projection of its current state: the row
// is built from the live session, so replaying older entries is harmless.
func (w *Worker) processEntries(ctx context.Context, entries []outboxEntry) {
	bySession := make(map[uuid.UUID][]outboxEntry, len(entries))
	for _, e := range entries {
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}

	var succeeded, failed []outboxEntry
	var failMsg string
	projected := 0
	for sessionID, group := range bySession {
		s, err := w.db.GetSession(ctx, sessionID)
		if err != nil {
			// A session row never disappears (deletes are soft), so absence
			// means the entry is stale garbage; drop it.
			if errors.Is(err, storage.ErrNotFound) {
				succeeded = append(succeeded, group...)
				continue
			}
			failed = append(failed, group...)
			failMsg = err.Error()
			continue
		}
		if err := w.projectSession(ctx, s); err != nil {
			w.logger.Error("index outbox: project session", "session_id", sessionID, "error", err)
			failed = append(failed, group...)
			failMsg = err.Error()
			continue
		}
		succeeded = append(succeeded, group...)
		projected++
	}

	if len(succeeded) > 0 {
		w.succeedEntries(ctx, succeeded)
	}
	if len(failed) > 0 {
		w.failEntries(ctx, failed, failMsg)
	}
	if projected > 0 {
		w.logger.Info("index outbox: projected", "sessions", projected)
	}
}

// projectSession writes the index row, maintains the identity directory for
// secured sessions, and notifies SSE listeners.
func (w *Worker) projectSession(ctx context.Context, s *model.Session) error {
	row := BuildRow(s)
	if err := w.db.UpsertIndexRow(ctx, row); err != nil {
		return err
	}
	if s.IsSecured && s.AllowedIdentity != nil && !s.IsDeleted {
		if err := w.db.UpsertDirectoryRow(ctx, s.TenantID, *s.AllowedIdentity, s.ID); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("replicator: marshal index row: %w", err)
	}
	if err := w.db.Notify(ctx, storage.ChannelSessions, string(payload)); err != nil {
		// Notification loss only delays the SSE update until the next poll;
		// the projection itself is already durable.
		w.logger.Warn("index outbox: notify failed", "error", err)
	}
	return nil
}

func (w *Worker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.db.Pool().Exec(ctx,
		`DELETE FROM index_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		MaxAttempts,
	)
	if err != nil {
		w.logger.Error("index outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("index outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *Worker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.db.Pool().Exec(ctx,
		`DELETE FROM index_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("index outbox: delete completed entries", "error", err)
	}
}

func (w *Worker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	// Exponential backoff: locked_until = now() + 2^attempts seconds (capped
	// at 5 minutes) so a Postgres or index hiccup does not turn into a tight
	// retry loop.
	if _, err := w.db.Pool().Exec(ctx,
		`UPDATE index_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("index outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= MaxAttempts {
			w.logger.Warn("index outbox: dead-letter entry",
				"outbox_id", e.ID,
				"session_id", e.SessionID,
				"attempts", e.Attempts+1,
			)
		}
	}
}

// registerMetrics registers observable OTEL gauges for outbox health monitoring.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("engage/replicator")

	_, _ = meter.Int64ObservableGauge("engage.outbox.depth",
		metric.WithDescription("Number of pending entries in the index outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := w.db.OutboxDepth(ctx, MaxAttempts)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.Attempts); err != nil {
			return nil, fmt.Errorf("index outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
