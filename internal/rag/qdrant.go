package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"echovault/server/internal/config"
)

// ErrDimensionMismatch is returned when the index collection was created with
// a different vector size than the process-wide embedding dimension. The
// coordinator self-heals by recreating the collection; this never reaches a
// caller.
var ErrDimensionMismatch = errors.New("index dimension mismatch")

// payloadMemoryID carries the record fingerprint in the point payload, since
// Qdrant point ids must be UUIDs or integers.
const payloadMemoryID = "memory_id"

// pointNamespace is the fixed UUIDv5 namespace for deriving point ids from
// record fingerprints, keeping upserts and deletes addressable without a
// second id column.
var pointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// IndexHit is a single nearest-neighbor result.
type IndexHit struct {
	ID    string
	Score float64
}

// VectorIndex is the fast vector index adapter over Qdrant. It is a pure
// accelerator: its state can always be rebuilt from the durable store and it
// is never the only place an embedding exists.
type VectorIndex struct {
	client     *qdrant.Client
	collection string
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewVectorIndex(cfg config.QdrantConfig, logger zerolog.Logger) (*VectorIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &VectorIndex{
		client:     client,
		collection: cfg.Collection,
		timeout:    cfg.Timeout,
		logger:     logger.With().Str("component", "qdrant").Logger(),
	}, nil
}

// PointID derives the Qdrant point id for a record fingerprint.
func PointID(memoryID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(memoryID)).String()
}

// EnsureCollection creates the collection when missing and verifies its
// vector size against the process-wide dimension. A size mismatch returns
// ErrDimensionMismatch so the coordinator can recreate the index.
func (v *VectorIndex) EnsureCollection(ctx context.Context, dimension int) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	exists, err := v.client.CollectionExists(ctx, v.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		return v.create(ctx, dimension)
	}

	current, err := v.Dimension(ctx)
	if err != nil {
		return err
	}
	if current != dimension {
		return fmt.Errorf("%w: collection has %d, process expects %d", ErrDimensionMismatch, current, dimension)
	}
	return nil
}

// Dimension reports the collection's configured vector size.
func (v *VectorIndex) Dimension(ctx context.Context) (int, error) {
	info, err := v.client.GetCollectionInfo(ctx, v.collection)
	if err != nil {
		return 0, fmt.Errorf("failed to get collection info: %w", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return 0, fmt.Errorf("collection %s has no vector params", v.collection)
	}
	return int(params.GetSize()), nil
}

// Recreate drops and recreates the collection empty with the given
// dimension. Search falls back to the durable store until a backfill
// repopulates it.
func (v *VectorIndex) Recreate(ctx context.Context, dimension int) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := v.client.DeleteCollection(ctx, v.collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	v.logger.Warn().Int("dimension", dimension).Msg("recreating index collection")
	return v.create(ctx, dimension)
}

func (v *VectorIndex) create(ctx context.Context, dimension int) error {
	err := v.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Upsert writes a record's embedding keyed by its fingerprint.
func (v *VectorIndex) Upsert(ctx context.Context, memoryID string, vec []float32) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: v.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewID(PointID(memoryID)),
				Vectors: qdrant.NewVectors(vec...),
				Payload: qdrant.NewValueMap(map[string]any{
					payloadMemoryID: memoryID,
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// Query returns the nearest neighbors above the score threshold, best first.
func (v *VectorIndex) Query(ctx context.Context, vec []float32, limit int, threshold float64) ([]IndexHit, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	points, err := v.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: v.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(threshold)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index query failed: %w", err)
	}

	hits := make([]IndexHit, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()[payloadMemoryID].GetStringValue()
		if id == "" {
			continue
		}
		hits = append(hits, IndexHit{ID: id, Score: float64(p.GetScore())})
	}
	return hits, nil
}

// Delete removes a record's point. Missing points are not an error.
func (v *VectorIndex) Delete(ctx context.Context, memoryID string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	_, err := v.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: v.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(qdrant.NewID(PointID(memoryID))),
	})
	if err != nil {
		return fmt.Errorf("failed to delete point: %w", err)
	}
	return nil
}

// Health probes the service.
func (v *VectorIndex) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	_, err := v.client.HealthCheck(ctx)
	return err
}

func (v *VectorIndex) Close() error {
	return v.client.Close()
}
