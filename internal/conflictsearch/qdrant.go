package conflictsearch

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/engagehq/engage/internal/embedding"
	"github.com/engagehq/engage/internal/model"
)

// Config holds configuration for connecting to Qdrant.
type Config struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "localhost:6334"
	APIKey     string
	Collection string
	Dims       uint64
}

// Index is the Qdrant-backed view of a tenant's conflict corpus.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// ParseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func ParseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		// Bare host:port without a scheme.
		u, parseErr = url.Parse("http://" + rawURL)
		if parseErr != nil || u.Host == "" {
			return "", 0, false, fmt.Errorf("conflictsearch: invalid qdrant URL: %q", rawURL)
		}
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("conflictsearch: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to the Qdrant server via gRPC.
func NewIndex(cfg Config, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := ParseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("conflictsearch: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the tenant isolation payload index is present. CreateFieldIndex is
// idempotent on Qdrant, so it is always attempted.
func (q *Index) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("conflictsearch: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("conflictsearch: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "tenant_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("conflictsearch: ensure index on tenant_id: %w", err)
	}

	return nil
}

// maxMatches caps how many corpus neighbors a single search considers.
const maxMatches = 10

// Search queries the corpus for entities similar to the embedding.
// tenant_id is always applied as a filter (tenant isolation).
func (q *Index) Search(ctx context.Context, tenantID uuid.UUID, emb []float32) ([]Match, error) {
	fetchLimit := uint64(maxMatches)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(emb),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("tenant_id", tenantID.String()),
		}},
		Limit:       &fetchLimit,
		WithPayload: qdrant.NewWithPayloadInclude("display_name"),
	})
	if err != nil {
		return nil, fmt.Errorf("conflictsearch: qdrant query: %w", err)
	}

	matches := make([]Match, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		entityID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		name := ""
		if v, ok := sp.Payload["display_name"]; ok {
			name = v.GetStringValue()
		}
		matches = append(matches, Match{EntityID: entityID, DisplayName: name, Score: sp.Score})
	}
	return matches, nil
}

// UpsertEntry inserts or updates one corpus entity point.
func (q *Index) UpsertEntry(ctx context.Context, entry model.ConflictEntry, emb []float32) error {
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(entry.EntityID.String()),
		Vectors: qdrant.NewVectorsDense(emb),
		Payload: qdrant.NewValueMap(map[string]any{
			"tenant_id":    entry.TenantID.String(),
			"display_name": entry.DisplayName,
		}),
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("conflictsearch: qdrant upsert entry %s: %w", entry.EntityID, err)
	}
	return nil
}

// DeleteEntry removes one corpus entity point.
func (q *Index) DeleteEntry(ctx context.Context, entityID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(entityID.String())},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("conflictsearch: qdrant delete entry %s: %w", entityID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every command. Concurrent calls
// after cache expiry are deduplicated via singleflight so only one gRPC call
// is made; all waiters share its result.
func (q *Index) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context —
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("conflictsearch: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *Index) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (q *Index) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *Index) Close() error {
	return q.client.Close()
}

// Service composes an embedding provider with the Qdrant index so callers
// search by identity fields rather than raw vectors.
type Service struct {
	provider embedding.Provider
	index    *Index
}

// NewService creates a corpus search service.
func NewService(provider embedding.Provider, index *Index) *Service {
	return &Service{provider: provider, index: index}
}

// Search embeds the identity snapshot and queries the tenant's corpus.
func (s *Service) Search(ctx context.Context, tenantID uuid.UUID, fields model.IdentityFields) ([]Match, error) {
	vec, err := s.provider.Embed(ctx, EntryText("", fields))
	if err != nil {
		return nil, fmt.Errorf("conflictsearch: embed snapshot: %w", err)
	}
	return s.index.Search(ctx, tenantID, vec.Slice())
}

// Healthy reports whether the backing index is reachable.
func (s *Service) Healthy(ctx context.Context) error {
	return s.index.Healthy(ctx)
}
