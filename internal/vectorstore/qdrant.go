// Package vectorstore persists chunk embeddings and serves filtered k-NN
// queries over them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"emr-query-engine/internal/config"
	"emr-query-engine/pkg/types"
)

// SemanticHit pairs a stored chunk with its similarity score
type SemanticHit struct {
	Chunk types.Chunk
	Score float64
}

// Store is the vector index interface used by retrieval
type Store interface {
	// Initialize connects and ensures the collection exists
	Initialize(ctx context.Context) error

	// UpsertChunks stores chunks with their embedding vectors
	UpsertChunks(ctx context.Context, chunks []types.Chunk, vectors [][]float32) error

	// Search runs filtered k-NN over the collection
	Search(ctx context.Context, vector []float32, patientID string, filters types.QueryFilters, limit int) ([]SemanticHit, error)

	// DeleteArtifact removes every chunk belonging to an artifact
	DeleteArtifact(ctx context.Context, artifactID string) error

	// HealthCheck verifies the store is reachable
	HealthCheck(ctx context.Context) error

	// Close releases the connection
	Close() error
}

// chunkNamespace salts the UUID v5 derivation of point IDs from chunk IDs
var chunkNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// QdrantStore implements Store against a Qdrant collection
type QdrantStore struct {
	client     *qdrant.Client
	config     *config.QdrantConfig
	collection string
	dimensions int
}

// NewQdrantStore creates a Qdrant-backed store. Initialize must be called
// before use.
func NewQdrantStore(cfg *config.QdrantConfig, dimensions int) *QdrantStore {
	collection := cfg.Collection
	if collection == "" {
		collection = "emr_chunks"
	}
	return &QdrantStore{
		config:     cfg,
		collection: collection,
		dimensions: dimensions,
	}
}

// Initialize connects to Qdrant and creates the collection when missing
func (qs *QdrantStore) Initialize(ctx context.Context) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   qs.config.Host,
		Port:   qs.config.Port,
		APIKey: qs.config.APIKey,
		UseTLS: qs.config.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create qdrant client: %w", err)
	}
	qs.client = client

	collections, err := qs.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, name := range collections {
		if name == qs.collection {
			return nil
		}
	}

	err = qs.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: qs.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(qs.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", qs.collection, err)
	}
	return nil
}

// UpsertChunks stores chunks with their vectors
func (qs *QdrantStore) UpsertChunks(ctx context.Context, chunks []types.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i := range chunks {
		points[i] = chunkToPoint(&chunks[i], vectors[i])
	}

	_, err := qs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: qs.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	return nil
}

// Search runs filtered k-NN and returns chunks with similarity scores
func (qs *QdrantStore) Search(ctx context.Context, vector []float32, patientID string, filters types.QueryFilters, limit int) ([]SemanticHit, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector cannot be empty")
	}
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}

	result, err := qs.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: qs.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(patientID, filters),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search qdrant: %w", err)
	}

	hits := make([]SemanticHit, 0, len(result))
	for _, point := range result {
		chunk, err := payloadToChunk(point.GetPayload())
		if err != nil {
			continue
		}
		hits = append(hits, SemanticHit{Chunk: *chunk, Score: float64(point.GetScore())})
	}
	return hits, nil
}

// DeleteArtifact removes every point whose artifact_id matches
func (qs *QdrantStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	_, err := qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qs.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{keywordCondition("artifact_id", artifactID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", artifactID, err)
	}
	return nil
}

// HealthCheck lists collections as a liveness probe
func (qs *QdrantStore) HealthCheck(ctx context.Context) error {
	if qs.client == nil {
		return errors.New("qdrant store not initialized")
	}
	if _, err := qs.client.ListCollections(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Close releases the client connection
func (qs *QdrantStore) Close() error {
	if qs.client == nil {
		return nil
	}
	return qs.client.Close()
}

func chunkToPoint(chunk *types.Chunk, vector []float32) *qdrant.PointStruct {
	payload := map[string]*qdrant.Value{
		"chunk_id":      stringValue(chunk.ChunkID),
		"artifact_id":   stringValue(chunk.ArtifactID),
		"patient_id":    stringValue(chunk.PatientID),
		"artifact_type": stringValue(string(chunk.ArtifactType)),
		"chunk_text":    stringValue(chunk.ChunkText),
		"occurred_at":   intValue(chunk.OccurredAt.Unix()),
		"char_start":    intValue(int64(chunk.CharOffsets.Start)),
		"char_end":      intValue(int64(chunk.CharOffsets.End)),
		"author":        stringValue(chunk.Author),
		"source":        stringValue(chunk.Source),
	}

	return &qdrant.PointStruct{
		Id:      pointID(chunk.ChunkID),
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: vector}}},
		Payload: payload,
	}
}

func payloadToChunk(payload map[string]*qdrant.Value) (*types.Chunk, error) {
	chunkID := payload["chunk_id"].GetStringValue()
	if chunkID == "" {
		return nil, errors.New("payload missing chunk_id")
	}
	return &types.Chunk{
		ChunkID:      chunkID,
		ArtifactID:   payload["artifact_id"].GetStringValue(),
		PatientID:    payload["patient_id"].GetStringValue(),
		ArtifactType: types.ArtifactType(payload["artifact_type"].GetStringValue()),
		ChunkText:    payload["chunk_text"].GetStringValue(),
		CharOffsets: types.Span{
			Start: int(payload["char_start"].GetIntegerValue()),
			End:   int(payload["char_end"].GetIntegerValue()),
		},
		OccurredAt: time.Unix(payload["occurred_at"].GetIntegerValue(), 0).UTC(),
		Author:     payload["author"].GetStringValue(),
		Source:     payload["source"].GetStringValue(),
	}, nil
}

// buildFilter narrows search to one patient plus optional type and date
// constraints.
func buildFilter(patientID string, filters types.QueryFilters) *qdrant.Filter {
	conditions := []*qdrant.Condition{keywordCondition("patient_id", patientID)}

	if len(filters.ArtifactTypes) > 0 {
		values := make([]string, len(filters.ArtifactTypes))
		for i, t := range filters.ArtifactTypes {
			values[i] = string(t)
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "artifact_type",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{
							Keywords: &qdrant.RepeatedStrings{Strings: values},
						},
					},
				},
			},
		})
	}

	if filters.DateRange != nil {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "occurred_at",
					Range: &qdrant.Range{
						Gte: qdrant.PtrOf(float64(filters.DateRange.From.Unix())),
						Lte: qdrant.PtrOf(float64(filters.DateRange.To.Unix())),
					},
				},
			},
		})
	}

	return &qdrant.Filter{Must: conditions}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

// pointID derives a stable UUID from the chunk ID since Qdrant requires
// UUID or integer point identifiers.
func pointID(chunkID string) *qdrant.PointId {
	id := uuid.NewSHA1(chunkNamespace, []byte(chunkID))
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id.String()}}
}
