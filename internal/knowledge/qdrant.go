package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/engagehq/engage/internal/conflictsearch"
	"github.com/engagehq/engage/internal/embedding"
	"github.com/engagehq/engage/internal/model"
)

// Config holds configuration for the knowledge collection.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dims       uint64
}

// Index is the Qdrant-backed store of knowledge document embeddings.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

// NewIndex connects to the Qdrant server via gRPC.
func NewIndex(cfg Config, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := conflictsearch.ParseQdrantURL(cfg.URL)
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
		return nil, fmt.Errorf("knowledge: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection and payload indexes if missing.
func (q *Index) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("knowledge: check collection exists: %w", err)
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
			return fmt.Errorf("knowledge: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"tenant_id", "practice_area"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("knowledge: ensure index on %q: %w", field, err)
		}
	}

	return nil
}

// maxCandidates caps how many documents a single lookup considers.
const maxCandidates = 5

// Search queries a tenant's documents for the embedding. When practiceArea is
// non-empty, results are restricted to documents tagged with it or untagged.
func (q *Index) Search(ctx context.Context, tenantID uuid.UUID, practiceArea string, emb []float32) ([]Candidate, error) {
	must := []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", tenantID.String()),
	}
	var should []*qdrant.Condition
	if practiceArea != "" {
		should = []*qdrant.Condition{
			qdrant.NewMatch("practice_area", practiceArea),
			qdrant.NewMatch("practice_area", ""),
		}
	}

	fetchLimit := uint64(maxCandidates)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(emb),
		Filter:         &qdrant.Filter{Must: must, Should: should},
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayloadInclude("goal_id", "description"),
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: qdrant query: %w", err)
	}

	candidates := make([]Candidate, 0, len(scored))
	for _, sp := range scored {
		var c Candidate
		if v, ok := sp.Payload["goal_id"]; ok {
			c.GoalID = v.GetStringValue()
		}
		if c.GoalID == "" {
			continue
		}
		if v, ok := sp.Payload["description"]; ok {
			c.Description = v.GetStringValue()
		}
		c.Relevance = sp.Score
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// UpsertDocument inserts or updates one document point.
func (q *Index) UpsertDocument(ctx context.Context, doc model.KnowledgeDocument, emb []float32) error {
	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(doc.ID.String()),
		Vectors: qdrant.NewVectorsDense(emb),
		Payload: qdrant.NewValueMap(map[string]any{
			"tenant_id":     doc.TenantID.String(),
			"goal_id":       doc.GoalID,
			"description":   doc.Description,
			"practice_area": doc.PracticeArea,
		}),
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("knowledge: qdrant upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteDocument removes one document point.
func (q *Index) DeleteDocument(ctx context.Context, docID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(docID.String())},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("knowledge: qdrant delete document %s: %w", docID, err)
	}
	return nil
}

// Close shuts down the Qdrant gRPC connection.
func (q *Index) Close() error {
	return q.client.Close()
}

// Service composes an embedding provider with the index so callers search by
// conversation text rather than raw vectors.
type Service struct {
	provider embedding.Provider
	index    *Index
}

// NewService creates a knowledge lookup service.
func NewService(provider embedding.Provider, index *Index) *Service {
	return &Service{provider: provider, index: index}
}

// Candidates embeds the text and queries the tenant's documents.
func (s *Service) Candidates(ctx context.Context, tenantID uuid.UUID, practiceArea, text string) ([]Candidate, error) {
	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	return s.index.Search(ctx, tenantID, practiceArea, vec.Slice())
}
