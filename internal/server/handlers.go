package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/conflictsearch"
	"github.com/engagehq/engage/internal/embedding"
	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/replicator"
	"github.com/engagehq/engage/internal/session"
	"github.com/engagehq/engage/internal/storage"
)

// SessionEngine is the command surface the HTTP layer drives. Implemented by
// *session.Engine; stubbed in handler tests.
type SessionEngine interface {
	Start(ctx context.Context, tenantSlug, practiceArea string) (*model.Session, string, error)
	PostMessage(ctx context.Context, id uuid.UUID, caller session.Caller, req model.PostMessageRequest) (model.SessionSnapshot, error)
	CompleteLogin(ctx context.Context, id uuid.UUID, subject string) (model.SessionSnapshot, error)
	RecordGoalEvidence(ctx context.Context, id uuid.UUID, goalID string, evidenceFound bool) (model.SessionSnapshot, error)
	Get(ctx context.Context, id uuid.UUID, caller session.Caller) (*model.Session, error)
	Messages(ctx context.Context, id uuid.UUID, caller session.Caller) ([]model.Message, error)
	AdminDelete(ctx context.Context, id uuid.UUID, byUser string) error
	RemoveGoal(ctx context.Context, id uuid.UUID, goalID string) (model.SessionSnapshot, error)
	Assign(ctx context.Context, id uuid.UUID, assignee string) error
}

// ConflictIndex is the vector-side corpus surface the corpus handlers need.
type ConflictIndex interface {
	UpsertEntry(ctx context.Context, entry model.ConflictEntry, emb []float32) error
	DeleteEntry(ctx context.Context, entityID uuid.UUID) error
}

// KnowledgeIndex is the vector-side document surface the corpus handlers need.
type KnowledgeIndex interface {
	UpsertDocument(ctx context.Context, doc model.KnowledgeDocument, emb []float32) error
	DeleteDocument(ctx context.Context, docID uuid.UUID) error
}

// Reconciler triggers read-model rebuilds on demand.
type Reconciler interface {
	ReconcileTenant(ctx context.Context, tenantID uuid.UUID) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	engine              SessionEngine
	conflictIdx         ConflictIndex
	knowledgeIdx        KnowledgeIndex
	embedder            embedding.Provider
	reconciler          Reconciler
	searcher            conflictsearch.Searcher
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): ConflictIdx, KnowledgeIdx, Embedder, Reconciler,
// Searcher, Broker, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Engine              SessionEngine
	ConflictIdx         ConflictIndex
	KnowledgeIdx        KnowledgeIndex
	Embedder            embedding.Provider
	Reconciler          Reconciler
	Searcher            conflictsearch.Searcher
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		engine:              d.Engine,
		conflictIdx:         d.ConflictIdx,
		knowledgeIdx:        d.KnowledgeIdx,
		embedder:            d.Embedder,
		reconciler:          d.Reconciler,
		searcher:            d.Searcher,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// limitBody caps the request body size before decoding.
func (h *Handlers) limitBody(w http.ResponseWriter, r *http.Request) {
	if h.maxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}
}

// HandleSubscribe handles GET /v1/events (SSE), scoped to the caller's tenant.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	claims := ClaimsFromContext(r.Context())
	ch := h.broker.Subscribe(claims.TenantID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db == nil {
		writeJSON(w, r, http.StatusServiceUnavailable, model.HealthResponse{
			Status: "unhealthy", Version: h.version, Postgres: "not configured",
		})
		return
	}
	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	var outboxDepth int64
	if depth, err := h.db.OutboxDepth(r.Context(), replicator.MaxAttempts); err == nil {
		outboxDepth = depth
	}

	resp := model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Postgres:    pgStatus,
		OutboxDepth: outboxDepth,
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}
