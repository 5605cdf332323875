package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"gorm.io/gorm"

	"echovault/server/internal/models"
	"echovault/server/internal/observability"
	"echovault/server/internal/rag"
	"echovault/server/internal/storage"
)

// BackendState is the closed set of per-backend operating states. Tagged
// states keep the fallback logic auditable; no scattered boolean flags.
type BackendState int32

const (
	StateHealthy BackendState = iota
	StateDegraded
	StateRebuilding
)

func (s BackendState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

// DurableStore is the relational source of truth. Its vector search must
// rank by cosine similarity, higher first, ties by ascending created_at, so
// fallback from the fast index is transparent.
type DurableStore interface {
	Insert(ctx context.Context, m *models.Memory) (bool, error)
	GetByID(ctx context.Context, id string) (*models.Memory, error)
	SearchVector(ctx context.Context, vec []float32, limit int, threshold float64) ([]models.ScoredMemory, error)
	SearchByTag(ctx context.Context, tag string, limit int) ([]models.Memory, error)
	SelectAged(ctx context.Context, cutoff time.Time, limit int) ([]models.Memory, error)
	SelectOlderThan(ctx context.Context, cutoff time.Time) ([]models.Memory, error)
	Retire(ctx context.Context, ids []string) error
	Delete(ctx context.Context, id string) (bool, error)
	UpdateEmbedding(ctx context.Context, id string, vec []float32) error
	PendingBackfill(ctx context.Context, limit int) ([]models.Memory, error)
	SelectEmbedded(ctx context.Context, offset, limit int) ([]models.Memory, error)
	MarkOrphan(ctx context.Context, blobKey string) error
	Orphans(ctx context.Context) ([]models.OrphanedBlob, error)
	RemoveOrphan(ctx context.Context, blobKey string) error
	Stats(ctx context.Context) (*storage.StoreStats, error)
	Health(ctx context.Context) error
}

// VectorIndex is the optional nearest-neighbor accelerator. Never a system
// of record; its state can always be rebuilt from the durable store.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, dimension int) error
	Recreate(ctx context.Context, dimension int) error
	Upsert(ctx context.Context, memoryID string, vec []float32) error
	Query(ctx context.Context, vec []float32, limit int, threshold float64) ([]rag.IndexHit, error)
	Delete(ctx context.Context, memoryID string) error
	Health(ctx context.Context) error
}

// BlobStore holds payloads exceeding the inline threshold.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Health(ctx context.Context) error
}

// Embedder converts text to fixed-length vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Options configures the coordinator.
type Options struct {
	InlineThreshold int
	FingerprintSalt string
	HealthWindow    time.Duration
	DefaultLimit    int
}

// backendStatus tracks one backend's state with a freshness timestamp. The
// state is scoped to the coordinator instance, never process-wide, so
// multiple coordinators (for example in tests) do not interfere.
type backendStatus struct {
	name      string
	state     *atomic.Int32
	checkedAt *atomic.Time
}

func newBackendStatus(name string, initial BackendState) *backendStatus {
	return &backendStatus{
		name:      name,
		state:     atomic.NewInt32(int32(initial)),
		checkedAt: atomic.NewTime(time.Time{}),
	}
}

func (b *backendStatus) get() BackendState {
	return BackendState(b.state.Load())
}

func (b *backendStatus) fresh(window time.Duration) bool {
	return time.Since(b.checkedAt.Load()) < window
}

// Coordinator orchestrates writes and reads across the durable store, the
// fast vector index and the blob store. The durable store write is the
// durability boundary; everything else is best-effort with explicit
// degraded-mode fallbacks.
type Coordinator struct {
	durable  DurableStore
	index    VectorIndex // nil when the accelerator is disabled
	blobs    BlobStore
	embedder Embedder

	opts    Options
	metrics *observability.Metrics
	events  *observability.EventHub
	logger  zerolog.Logger

	indexStatus *backendStatus
	blobStatus  *backendStatus
}

func NewCoordinator(durable DurableStore, index VectorIndex, blobs BlobStore, embedder Embedder, opts Options, metrics *observability.Metrics, events *observability.EventHub, logger zerolog.Logger) *Coordinator {
	if opts.HealthWindow == 0 {
		opts.HealthWindow = 30 * time.Second
	}
	if opts.DefaultLimit == 0 {
		opts.DefaultLimit = 10
	}

	indexState := StateHealthy
	if index == nil {
		indexState = StateDegraded
	}
	blobState := StateHealthy
	if blobs == nil {
		blobState = StateDegraded
	}

	return &Coordinator{
		durable:     durable,
		index:       index,
		blobs:       blobs,
		embedder:    embedder,
		opts:        opts,
		metrics:     metrics,
		events:      events,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		indexStatus: newBackendStatus("index", indexState),
		blobStatus:  newBackendStatus("blobstore", blobState),
	}
}

// Init verifies the fast index collection against the process-wide embedding
// dimension, recreating it when stale.
func (c *Coordinator) Init(ctx context.Context) error {
	if c.index == nil {
		return nil
	}
	err := c.index.EnsureCollection(ctx, c.embedder.Dimension())
	if errors.Is(err, rag.ErrDimensionMismatch) {
		return c.healIndex(ctx)
	}
	if err != nil {
		c.degrade(c.indexStatus, err)
		return nil
	}
	c.markHealthy(c.indexStatus)
	return nil
}

// Store persists content across the backends and returns the record id.
// Storing identical content twice is idempotent and returns the existing id.
func (c *Coordinator) Store(ctx context.Context, content string, tags []string, importance float64) (string, error) {
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	return c.store(ctx, content, tags, importance, nil)
}

// StoreSummary persists a summary record referencing the ids it replaces.
// Only the lifecycle manager calls this.
func (c *Coordinator) StoreSummary(ctx context.Context, content string, tags []string, importance float64, summaryOf []string) (string, error) {
	return c.store(ctx, content, tags, importance, summaryOf)
}

func (c *Coordinator) store(ctx context.Context, content string, tags []string, importance float64, summaryOf []string) (string, error) {
	id := Fingerprint(content, c.opts.FingerprintSalt)

	// Cheap dedup before touching any backend; the unique constraint on the
	// durable store remains the source of write ordering truth for races.
	if existing, err := c.durable.GetByID(ctx, id); err == nil && existing != nil {
		c.count(func(m *observability.Metrics) { m.StoresTotal.WithLabelValues("deduplicated").Inc() })
		return id, nil
	}

	record := &models.Memory{
		ID:         id,
		Tags:       models.NormalizeTags(tags),
		Importance: importance,
		CreatedAt:  time.Now().UTC(),
		SummaryOf:  models.IDList(summaryOf),
	}

	// Oversized content goes to the blob store; an unreachable blob store
	// falls back to inline storage instead of failing the write.
	payload := []byte(content)
	blobWritten := ""
	if len(payload) > c.opts.InlineThreshold && c.blobs != nil {
		var key string
		err := c.timed("blobstore", "put", func() error {
			var err error
			key, err = c.blobs.Put(ctx, payload)
			return err
		})
		if err != nil {
			c.degrade(c.blobStatus, err)
			record.Content = content
		} else {
			c.markHealthy(c.blobStatus)
			record.BlobKey = key
			record.BlobSize = int64(len(payload))
			blobWritten = key
		}
	} else {
		record.Content = content
	}

	// Embedding is best-effort: a record without a vector stays
	// tag-searchable and is flagged for backfill.
	vec, err := c.embedder.Embed(ctx, NormalizeContent(content))
	if err != nil {
		c.logger.Warn().Err(err).Str("id", id).Msg("embedding unavailable, storing without vector")
		c.publish("embedding_unavailable", map[string]string{"id": id})
	} else {
		v := pgvector.NewVector(vec)
		record.Embedding = &v
	}

	// Durability boundary: the caller only sees success after this write.
	var inserted bool
	err = c.timed("durable", "insert", func() error {
		var err error
		inserted, err = c.durable.Insert(ctx, record)
		return err
	})
	if err != nil {
		// The blob has no surviving row to reference it; reclaim it now or
		// queue it for sweep so a caller retry cannot leak it.
		if blobWritten != "" {
			if derr := c.blobs.Delete(ctx, blobWritten); derr != nil {
				c.orphanBlob(ctx, blobWritten, derr)
			}
		}
		c.count(func(m *observability.Metrics) { m.StoresTotal.WithLabelValues("error").Inc() })
		return "", &ConnectivityError{Backend: "durable store", Err: err}
	}
	if !inserted {
		// Lost the race to an identical store; drop our blob copy.
		if blobWritten != "" {
			if err := c.blobs.Delete(ctx, blobWritten); err != nil {
				c.orphanBlob(ctx, blobWritten, err)
			}
		}
		c.count(func(m *observability.Metrics) { m.StoresTotal.WithLabelValues("deduplicated").Inc() })
		return id, nil
	}

	// Accelerator write is allowed to lag or fail; the durable store's own
	// vector search is the always-available fallback.
	if record.Embedding != nil && c.index != nil {
		if err := c.timed("index", "upsert", func() error { return c.index.Upsert(ctx, id, vec) }); err != nil {
			if errors.Is(err, rag.ErrDimensionMismatch) {
				_ = c.healIndex(ctx)
			} else {
				c.degrade(c.indexStatus, err)
			}
		} else if c.indexStatus.get() != StateRebuilding {
			// A rebuild only completes through a backfill pass.
			c.markHealthy(c.indexStatus)
		}
	}

	c.count(func(m *observability.Metrics) { m.StoresTotal.WithLabelValues("stored").Inc() })
	return id, nil
}

// Search runs similarity search, serving from the fast index when its most
// recent health probe succeeded within the freshness window and falling back
// to the durable store otherwise. Both paths rank identically.
func (c *Coordinator) Search(ctx context.Context, query string, limit int, threshold float64) ([]models.ScoredMemory, error) {
	if limit <= 0 {
		limit = c.opts.DefaultLimit
	}

	vec, err := c.embedder.Embed(ctx, NormalizeContent(query))
	if err != nil {
		return nil, ErrEmbeddingUnavailable
	}

	if c.indexUsable(ctx) {
		results, err := c.searchIndex(ctx, vec, limit, threshold)
		if err == nil {
			c.count(func(m *observability.Metrics) { m.SearchesTotal.WithLabelValues("index").Inc() })
			return results, nil
		}
		c.degrade(c.indexStatus, err)
	}

	var results []models.ScoredMemory
	err = c.timed("durable", "search_vector", func() error {
		var err error
		results, err = c.durable.SearchVector(ctx, vec, limit, threshold)
		return err
	})
	if err != nil {
		return nil, &ConnectivityError{Backend: "durable store", Err: err}
	}
	for i := range results {
		c.hydrate(ctx, &results[i].Memory)
	}
	rankResults(results)
	c.count(func(m *observability.Metrics) { m.SearchesTotal.WithLabelValues("fallback").Inc() })
	return results, nil
}

func (c *Coordinator) searchIndex(ctx context.Context, vec []float32, limit int, threshold float64) ([]models.ScoredMemory, error) {
	var hits []rag.IndexHit
	err := c.timed("index", "query", func() error {
		var err error
		hits, err = c.index.Query(ctx, vec, limit, threshold)
		return err
	})
	if err != nil {
		if errors.Is(err, rag.ErrDimensionMismatch) {
			_ = c.healIndex(ctx)
		}
		return nil, err
	}

	results := make([]models.ScoredMemory, 0, len(hits))
	for _, hit := range hits {
		record, err := c.durable.GetByID(ctx, hit.ID)
		if err != nil || record == nil || record.IsRetired() {
			// Index entry lagging behind the source of truth; skip.
			continue
		}
		c.hydrate(ctx, record)
		results = append(results, models.ScoredMemory{Memory: *record, Score: hit.Score})
	}
	rankResults(results)
	return results, nil
}

// rankResults orders by descending score, ties by ascending created_at, so
// callers observe consistent ranking regardless of which path served them.
func rankResults(results []models.ScoredMemory) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
}

// SearchByTag returns records carrying the tag, newest first. Always served
// by the durable store.
func (c *Coordinator) SearchByTag(ctx context.Context, tag string, limit int) ([]models.Memory, error) {
	if limit <= 0 {
		limit = c.opts.DefaultLimit
	}
	tags := models.NormalizeTags([]string{tag})
	if len(tags) == 0 {
		return nil, nil
	}

	results, err := c.durable.SearchByTag(ctx, tags[0], limit)
	if err != nil {
		return nil, &ConnectivityError{Backend: "durable store", Err: err}
	}
	for i := range results {
		c.hydrate(ctx, &results[i])
	}
	return results, nil
}

// Get fetches a single record with its full content.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.Memory, error) {
	record, err := c.durable.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, &ConnectivityError{Backend: "durable store", Err: err}
	}
	c.hydrate(ctx, record)
	return record, nil
}

// Delete removes a record everywhere. The index entry is removed
// best-effort; a failed blob removal marks the blob orphaned for sweep
// instead of blocking the delete.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	record, err := c.durable.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return &ConnectivityError{Backend: "durable store", Err: err}
	}

	if c.index != nil {
		if err := c.index.Delete(ctx, id); err != nil {
			c.degrade(c.indexStatus, err)
		}
	}

	blobFailed := false
	if record.IsBlobBacked() && c.blobs != nil {
		if err := c.blobs.Delete(ctx, record.BlobKey); err != nil {
			blobFailed = true
			c.degrade(c.blobStatus, err)
		}
	}

	removed, err := c.durable.Delete(ctx, id)
	if err != nil {
		c.count(func(m *observability.Metrics) { m.DeletesTotal.WithLabelValues("error").Inc() })
		return &ConnectivityError{Backend: "durable store", Err: err}
	}
	if !removed {
		return ErrNotFound
	}

	if blobFailed {
		c.orphanBlob(ctx, record.BlobKey, nil)
	}
	c.count(func(m *observability.Metrics) { m.DeletesTotal.WithLabelValues("deleted").Inc() })
	return nil
}

// Stats reports record counts and per-backend health.
type Stats struct {
	RecordCount     int64                   `json:"record_count"`
	SummaryCount    int64                   `json:"summary_count"`
	PendingBackfill int64                   `json:"pending_backfill"`
	OrphanedBlobs   int64                   `json:"orphaned_blobs"`
	BackendHealth   map[string]BackendState `json:"-"`
}

func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	store, err := c.durable.Stats(ctx)
	if err != nil {
		return nil, &ConnectivityError{Backend: "durable store", Err: err}
	}

	durableState := StateHealthy
	if err := c.durable.Health(ctx); err != nil {
		durableState = StateDegraded
	}

	if c.metrics != nil {
		c.metrics.EmbeddingBackfillPending.Set(float64(store.PendingBackfill))
	}

	return &Stats{
		RecordCount:     store.RecordCount,
		SummaryCount:    store.SummaryCount,
		PendingBackfill: store.PendingBackfill,
		OrphanedBlobs:   store.OrphanedBlobs,
		BackendHealth: map[string]BackendState{
			"durable":   durableState,
			"index":     c.indexStatus.get(),
			"blobstore": c.blobStatus.get(),
		},
	}, nil
}

// BackfillReport summarizes a backfill pass.
type BackfillReport struct {
	EmbeddingsFilled int `json:"embeddings_filled"`
	IndexRepopulated int `json:"index_repopulated"`
}

// Backfill embeds records stored while the provider was down and, when the
// index is rebuilding, repopulates it from the durable store. Triggered by
// an operator, never scheduled.
func (c *Coordinator) Backfill(ctx context.Context, batchSize int) (*BackfillReport, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	report := &BackfillReport{}

	pending, err := c.durable.PendingBackfill(ctx, batchSize)
	if err != nil {
		return nil, &ConnectivityError{Backend: "durable store", Err: err}
	}
	for i := range pending {
		c.hydrate(ctx, &pending[i])
		vec, err := c.embedder.Embed(ctx, NormalizeContent(contentOf(&pending[i])))
		if err != nil {
			return report, ErrEmbeddingUnavailable
		}
		if err := c.durable.UpdateEmbedding(ctx, pending[i].ID, vec); err != nil {
			return report, &ConnectivityError{Backend: "durable store", Err: err}
		}
		report.EmbeddingsFilled++
		if c.index != nil {
			if err := c.index.Upsert(ctx, pending[i].ID, vec); err != nil {
				c.degrade(c.indexStatus, err)
			}
		}
	}

	if c.index != nil && c.indexStatus.get() == StateRebuilding {
		n, err := c.repopulateIndex(ctx, batchSize)
		report.IndexRepopulated = n
		if err != nil {
			return report, err
		}
		c.markHealthy(c.indexStatus)
		c.publish("index_rebuilt", map[string]int{"points": n})
	}

	return report, nil
}

func (c *Coordinator) repopulateIndex(ctx context.Context, batchSize int) (int, error) {
	total := 0
	for offset := 0; ; offset += batchSize {
		records, err := c.durable.SelectEmbedded(ctx, offset, batchSize)
		if err != nil {
			return total, &ConnectivityError{Backend: "durable store", Err: err}
		}
		if len(records) == 0 {
			return total, nil
		}
		for i := range records {
			if records[i].Embedding == nil {
				continue
			}
			if err := c.index.Upsert(ctx, records[i].ID, records[i].Embedding.Slice()); err != nil {
				// Stay in Rebuilding: the index is still incomplete and
				// searches keep falling back until a full pass succeeds.
				return total, fmt.Errorf("index repopulation stopped after %d points: %w", total, err)
			}
			total++
		}
	}
}

// ContentOf returns the record's full payload, fetching it from the blob
// store when offloaded. Used by the lifecycle manager to feed summarization.
func (c *Coordinator) ContentOf(ctx context.Context, m *models.Memory) string {
	c.hydrate(ctx, m)
	return contentOf(m)
}

// indexUsable reports whether the fast index should serve this search. A
// stale health verdict triggers a fresh probe.
func (c *Coordinator) indexUsable(ctx context.Context) bool {
	if c.index == nil {
		return false
	}
	if c.indexStatus.get() == StateRebuilding {
		return false
	}
	if c.indexStatus.fresh(c.opts.HealthWindow) {
		return c.indexStatus.get() == StateHealthy
	}

	if err := c.index.Health(ctx); err != nil {
		c.degrade(c.indexStatus, err)
		return false
	}
	c.markHealthy(c.indexStatus)
	return true
}

// healIndex recreates the index empty with the process-wide dimension and
// leaves it in Rebuilding state until a backfill repopulates it. This is a
// self-healing transition, never an error surfaced to the caller.
func (c *Coordinator) healIndex(ctx context.Context) error {
	c.logger.Warn().Msg("index dimension stale, recreating")
	if err := c.index.Recreate(ctx, c.embedder.Dimension()); err != nil {
		c.degrade(c.indexStatus, err)
		return nil
	}
	c.setState(c.indexStatus, StateRebuilding)
	c.publish("index_rebuilding", map[string]int{"dimension": c.embedder.Dimension()})
	return nil
}

// hydrate loads blob-backed content so callers always see the full payload.
func (c *Coordinator) hydrate(ctx context.Context, m *models.Memory) {
	if !m.IsBlobBacked() || m.Content != "" || c.blobs == nil {
		return
	}
	var data []byte
	err := c.timed("blobstore", "get", func() error {
		var err error
		data, err = c.blobs.Get(ctx, m.BlobKey)
		return err
	})
	if err != nil {
		c.degrade(c.blobStatus, err)
		return
	}
	c.markHealthy(c.blobStatus)
	m.Content = string(data)
}

func contentOf(m *models.Memory) string {
	return m.Content
}

func (c *Coordinator) orphanBlob(ctx context.Context, key string, cause error) {
	// Emitted, not thrown: the delete already succeeded for the caller.
	c.logger.Warn().Err(cause).Str("blob_key", key).Msg("blob left orphaned, queued for sweep")
	if err := c.durable.MarkOrphan(ctx, key); err != nil {
		c.logger.Error().Err(err).Str("blob_key", key).Msg("failed to record orphaned blob")
		return
	}
	c.count(func(m *observability.Metrics) { m.OrphanedBlobsTotal.Inc() })
	c.publish("orphaned_blob", map[string]string{"blob_key": key})
}

func (c *Coordinator) degrade(status *backendStatus, cause error) {
	status.checkedAt.Store(time.Now())
	// Rebuilding is sticky. Downgrading an unpopulated index to Degraded
	// would let a later successful health probe put it back in service
	// empty; it leaves Rebuilding only through a completed backfill.
	if BackendState(status.state.Load()) == StateRebuilding {
		c.logger.Warn().Err(cause).Str("backend", status.name).Msg("backend error during rebuild")
		return
	}
	prev := BackendState(status.state.Swap(int32(StateDegraded)))
	if prev != StateDegraded {
		c.logger.Warn().Err(cause).Str("backend", status.name).Msg("backend degraded")
		c.count(func(m *observability.Metrics) { m.DegradedTransitionsTotal.WithLabelValues(status.name).Inc() })
		c.publish("backend_degraded", map[string]string{"backend": status.name})
	}
}

func (c *Coordinator) markHealthy(status *backendStatus) {
	status.checkedAt.Store(time.Now())
	prev := BackendState(status.state.Swap(int32(StateHealthy)))
	if prev != StateHealthy {
		c.logger.Info().Str("backend", status.name).Msg("backend recovered")
		c.publish("backend_recovered", map[string]string{"backend": status.name})
	}
}

func (c *Coordinator) setState(status *backendStatus, state BackendState) {
	status.checkedAt.Store(time.Now())
	status.state.Store(int32(state))
}

func (c *Coordinator) count(fn func(*observability.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}

func (c *Coordinator) publish(eventType string, data interface{}) {
	if c.events != nil {
		c.events.Publish(eventType, data)
	}
}

func (c *Coordinator) timed(backend, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if c.metrics != nil {
		c.metrics.BackendLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
	return err
}
