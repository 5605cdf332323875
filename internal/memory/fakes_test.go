package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"echovault/server/internal/models"
	"echovault/server/internal/rag"
	"echovault/server/internal/storage"
)

// tokenVector builds a deterministic embedding from token counts, so texts
// sharing words get a positive cosine similarity and unrelated texts score
// near zero.
func tokenVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%dim]++
	}
	return rag.NormalizeVector(vec)
}

func cosine(a, b []float32) float64 {
	score, err := rag.CosineSimilarity(a, b)
	if err != nil {
		return 0
	}
	return score
}

type fakeEmbedder struct {
	mu    sync.Mutex
	dim   int
	err   error
	calls int
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim}
}

func (f *fakeEmbedder) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return tokenVector(text, f.dim), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int {
	return f.dim
}

type fakeIndex struct {
	mu        sync.Mutex
	dimension int // 0 means no collection yet
	points    map[string][]float32
	healthErr error
	upsertErr error
	queryErr  error
	recreates int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: make(map[string][]float32)}
}

func (f *fakeIndex) EnsureCollection(_ context.Context, dimension int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dimension == 0 {
		f.dimension = dimension
		return nil
	}
	if f.dimension != dimension {
		return rag.ErrDimensionMismatch
	}
	return nil
}

func (f *fakeIndex) Recreate(_ context.Context, dimension int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dimension = dimension
	f.points = make(map[string][]float32)
	f.recreates++
	return nil
}

func (f *fakeIndex) Upsert(_ context.Context, memoryID string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if len(vec) != f.dimension {
		return rag.ErrDimensionMismatch
	}
	f.points[memoryID] = append([]float32(nil), vec...)
	return nil
}

func (f *fakeIndex) Query(_ context.Context, vec []float32, limit int, threshold float64) ([]rag.IndexHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	hits := make([]rag.IndexHit, 0, len(f.points))
	for id, stored := range f.points {
		score := cosine(stored, vec)
		if score >= threshold {
			hits = append(hits, rag.IndexHit{ID: id, Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *fakeIndex) Delete(_ context.Context, memoryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.points, memoryID)
	return nil
}

func (f *fakeIndex) Health(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeIndex) setHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

func (f *fakeIndex) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func (f *fakeIndex) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.points[id]
	return ok
}

type fakeBlobs struct {
	mu     sync.Mutex
	data   map[string][]byte
	seq    int
	putErr error
	getErr error
	delErr error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(_ context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	f.seq++
	key := fmt.Sprintf("blob:%d", f.seq)
	f.data[key] = append([]byte(nil), data...)
	return key, nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.data, key)
	return nil
}

func (f *fakeBlobs) Health(_ context.Context) error {
	return nil
}

func (f *fakeBlobs) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

// fakeDurable mirrors the postgres adapter's semantics in memory: unknown ids
// return gorm.ErrRecordNotFound, duplicate inserts report false, and vector
// search ranks by descending score with ties broken by ascending created_at.
type fakeDurable struct {
	mu        sync.Mutex
	rows      map[string]*models.Memory
	orphans   map[string]time.Time
	insertErr error
	searchErr error
	healthErr error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		rows:    make(map[string]*models.Memory),
		orphans: make(map[string]time.Time),
	}
}

func cloneMemory(m *models.Memory) *models.Memory {
	c := *m
	if m.Embedding != nil {
		v := *m.Embedding
		c.Embedding = &v
	}
	if m.RetiredAt != nil {
		t := *m.RetiredAt
		c.RetiredAt = &t
	}
	c.Tags = append(models.TagList(nil), m.Tags...)
	c.SummaryOf = append(models.IDList(nil), m.SummaryOf...)
	return &c
}

func (f *fakeDurable) Insert(_ context.Context, m *models.Memory) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	if _, ok := f.rows[m.ID]; ok {
		return false, nil
	}
	f.rows[m.ID] = cloneMemory(m)
	return true, nil
}

func (f *fakeDurable) GetByID(_ context.Context, id string) (*models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneMemory(m), nil
}

func (f *fakeDurable) SearchVector(_ context.Context, vec []float32, limit int, threshold float64) ([]models.ScoredMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var results []models.ScoredMemory
	for _, m := range f.rows {
		if m.Embedding == nil || m.RetiredAt != nil {
			continue
		}
		score := cosine(m.Embedding.Slice(), vec)
		if score >= threshold {
			results = append(results, models.ScoredMemory{Memory: *cloneMemory(m), Score: score})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeDurable) SearchByTag(_ context.Context, tag string, limit int) ([]models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []models.Memory
	for _, m := range f.rows {
		if m.RetiredAt != nil || !m.Tags.Contains(tag) {
			continue
		}
		results = append(results, *cloneMemory(m))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeDurable) SelectAged(_ context.Context, cutoff time.Time, limit int) ([]models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []models.Memory
	for _, m := range f.rows {
		if m.IsSummary() || m.RetiredAt != nil || !m.CreatedAt.Before(cutoff) {
			continue
		}
		results = append(results, *cloneMemory(m))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeDurable) SelectOlderThan(_ context.Context, cutoff time.Time) ([]models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []models.Memory
	for _, m := range f.rows {
		if m.CreatedAt.Before(cutoff) {
			results = append(results, *cloneMemory(m))
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (f *fakeDurable) Retire(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		if m, ok := f.rows[id]; ok {
			t := now
			m.RetiredAt = &t
		}
	}
	return nil
}

func (f *fakeDurable) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return false, nil
	}
	delete(f.rows, id)
	return true, nil
}

func (f *fakeDurable) UpdateEmbedding(_ context.Context, id string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[id]; ok {
		v := pgvector.NewVector(vec)
		m.Embedding = &v
	}
	return nil
}

func (f *fakeDurable) PendingBackfill(_ context.Context, limit int) ([]models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []models.Memory
	for _, m := range f.rows {
		if m.Embedding != nil || m.RetiredAt != nil {
			continue
		}
		results = append(results, *cloneMemory(m))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeDurable) SelectEmbedded(_ context.Context, offset, limit int) ([]models.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []models.Memory
	for _, m := range f.rows {
		if m.Embedding == nil || m.RetiredAt != nil {
			continue
		}
		results = append(results, *cloneMemory(m))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeDurable) MarkOrphan(_ context.Context, blobKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orphans[blobKey]; !ok {
		f.orphans[blobKey] = time.Now().UTC()
	}
	return nil
}

func (f *fakeDurable) Orphans(_ context.Context) ([]models.OrphanedBlob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []models.OrphanedBlob
	for key, marked := range f.orphans {
		results = append(results, models.OrphanedBlob{BlobKey: key, MarkedAt: marked})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].BlobKey < results[j].BlobKey
	})
	return results, nil
}

func (f *fakeDurable) RemoveOrphan(_ context.Context, blobKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orphans, blobKey)
	return nil
}

func (f *fakeDurable) Stats(_ context.Context) (*storage.StoreStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &storage.StoreStats{OrphanedBlobs: int64(len(f.orphans))}
	for _, m := range f.rows {
		if m.RetiredAt != nil {
			continue
		}
		stats.RecordCount++
		if m.IsSummary() {
			stats.SummaryCount++
		}
		if m.Embedding == nil {
			stats.PendingBackfill++
		}
	}
	return stats, nil
}

func (f *fakeDurable) Health(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeDurable) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeDurable) setCreatedAt(id string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.rows[id]; ok {
		m.CreatedAt = t
	}
}
