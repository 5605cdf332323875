package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echovault/server/internal/config"
)

type fakeSummarizer struct {
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, texts []string, _ int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("summary of %d records", len(texts)), nil
}

func newLifecycleEnv(t *testing.T) (*testEnv, *Lifecycle, *fakeSummarizer) {
	t.Helper()
	env := newTestEnv(t)
	summarizer := &fakeSummarizer{}
	lc := NewLifecycle(env.coord, env.durable, env.blobs, summarizer, config.LifecycleConfig{
		AgeThresholdDays: 30,
		MinBatch:         5,
		MaxBatch:         20,
		MaxSummaryLength: 500,
		RetentionDays:    365,
	}, nil, nil, zerolog.Nop())
	return env, lc, summarizer
}

func storeAged(t *testing.T, env *testEnv, n int, age time.Duration) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	base := time.Now().UTC().Add(-age)
	for i := 0; i < n; i++ {
		id, err := env.coord.Store(ctx, fmt.Sprintf("aged record number %d", i), []string{fmt.Sprintf("topic%d", i%3)}, 0.1*float64(i%10))
		require.NoError(t, err)
		env.durable.setCreatedAt(id, base.Add(time.Duration(i)*time.Minute))
		ids[i] = id
	}
	return ids
}

func TestSummarizeOldReplacesBatchWithSummary(t *testing.T) {
	env, lc, _ := newLifecycleEnv(t)
	ctx := context.Background()

	ids := storeAged(t, env, 12, 40*24*time.Hour)

	report, err := lc.SummarizeOld(ctx, 30*24*time.Hour, 5, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BatchesCreated)
	assert.Equal(t, 12, report.RecordsRetired)
	assert.Equal(t, 0, report.Deferred)

	// Only the summary remains.
	assert.Equal(t, 1, env.durable.count())
	for _, id := range ids {
		_, err := env.coord.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	byTag, err := env.coord.SearchByTag(ctx, "topic0", 10)
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	summary := byTag[0]
	assert.True(t, summary.IsSummary())
	assert.ElementsMatch(t, ids, []string(summary.SummaryOf))
	assert.True(t, summary.Tags.Contains("topic1"))
	assert.True(t, summary.Tags.Contains("topic2"))
	assert.InDelta(t, 0.9, summary.Importance, 1e-9) // max of the batch
}

func TestSummarizeOldDefersTrailingSmallBatch(t *testing.T) {
	env, lc, summarizer := newLifecycleEnv(t)
	ctx := context.Background()

	storeAged(t, env, 7, 40*24*time.Hour)

	report, err := lc.SummarizeOld(ctx, 30*24*time.Hour, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, report.BatchesCreated)
	assert.Equal(t, 5, report.RecordsRetired)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, 1, summarizer.calls)

	// Two deferred originals plus one summary.
	assert.Equal(t, 3, env.durable.count())
}

func TestSummarizeOldSkipsWhenBelowMinBatch(t *testing.T) {
	env, lc, summarizer := newLifecycleEnv(t)
	ctx := context.Background()

	storeAged(t, env, 3, 40*24*time.Hour)

	report, err := lc.SummarizeOld(ctx, 30*24*time.Hour, 5, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, report.BatchesCreated)
	assert.Equal(t, 3, report.Deferred)
	assert.Equal(t, 0, summarizer.calls)
	assert.Equal(t, 3, env.durable.count())
}

func TestSummarizeOldIgnoresRecentRecords(t *testing.T) {
	env, lc, _ := newLifecycleEnv(t)
	ctx := context.Background()

	storeAged(t, env, 6, 10*24*time.Hour) // newer than the threshold

	report, err := lc.SummarizeOld(ctx, 30*24*time.Hour, 5, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, report.BatchesCreated)
	assert.Equal(t, 6, env.durable.count())
}

func TestSummarizeOldFailureLeavesOriginalsIntact(t *testing.T) {
	env, lc, summarizer := newLifecycleEnv(t)
	ctx := context.Background()

	ids := storeAged(t, env, 6, 40*24*time.Hour)
	summarizer.err = errors.New("model overloaded")

	_, err := lc.SummarizeOld(ctx, 30*24*time.Hour, 5, 20)
	require.Error(t, err)

	assert.Equal(t, 6, env.durable.count())
	for _, id := range ids {
		record, err := env.coord.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, record.IsRetired())
	}
}

func TestSummarizeOldRejectsInvalidBounds(t *testing.T) {
	_, lc, _ := newLifecycleEnv(t)
	ctx := context.Background()

	_, err := lc.SummarizeOld(ctx, time.Hour, 0, 20)
	assert.Error(t, err)
	_, err = lc.SummarizeOld(ctx, time.Hour, 10, 5)
	assert.Error(t, err)
}

func TestSummariesAreNeverReSummarized(t *testing.T) {
	env, lc, _ := newLifecycleEnv(t)
	ctx := context.Background()

	storeAged(t, env, 5, 40*24*time.Hour)

	_, err := lc.SummarizeOld(ctx, 30*24*time.Hour, 5, 20)
	require.NoError(t, err)
	require.Equal(t, 1, env.durable.count())

	// Age the summary past the threshold and run again.
	byTag, err := env.coord.SearchByTag(ctx, "topic0", 10)
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	env.durable.setCreatedAt(byTag[0].ID, time.Now().UTC().Add(-60*24*time.Hour))

	report, err := lc.SummarizeOld(ctx, 30*24*time.Hour, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, report.BatchesCreated)
	assert.Equal(t, 1, env.durable.count())
}

func TestPurgeEnforcesRetentionCeiling(t *testing.T) {
	env, lc, _ := newLifecycleEnv(t)
	ctx := context.Background()

	storeAged(t, env, 2, 400*24*time.Hour)
	keep, err := env.coord.Store(ctx, "recent enough to survive", nil, 0.5)
	require.NoError(t, err)

	// Oversized expired record so the purge also reclaims its blob.
	blobbed, err := env.coord.Store(ctx, strings.Repeat("expired oversized ", 20), nil, 0.5)
	require.NoError(t, err)
	env.durable.setCreatedAt(blobbed, time.Now().UTC().Add(-400*24*time.Hour))
	require.Equal(t, 1, env.blobs.size())

	purged, err := lc.Purge(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)
	assert.Equal(t, 1, env.durable.count())
	assert.Equal(t, 0, env.blobs.size())

	_, err = env.coord.Get(ctx, keep)
	assert.NoError(t, err)
}

func TestPurgeIncludesSummaries(t *testing.T) {
	env, lc, _ := newLifecycleEnv(t)
	ctx := context.Background()

	id, err := env.coord.StoreSummary(ctx, "an old summary", nil, 0.5, []string{"gone-a", "gone-b"})
	require.NoError(t, err)
	env.durable.setCreatedAt(id, time.Now().UTC().Add(-400*24*time.Hour))

	purged, err := lc.Purge(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, 0, env.durable.count())
}

func TestPurgeRejectsNonPositiveRetention(t *testing.T) {
	_, lc, _ := newLifecycleEnv(t)
	_, err := lc.Purge(context.Background(), 0)
	assert.Error(t, err)
}

func TestSweepOrphansReclaimsBlobs(t *testing.T) {
	env, lc, _ := newLifecycleEnv(t)
	ctx := context.Background()

	id, err := env.coord.Store(ctx, strings.Repeat("orphan fodder ", 20), nil, 0.5)
	require.NoError(t, err)

	env.blobs.delErr = errors.New("connection reset")
	require.NoError(t, env.coord.Delete(ctx, id))
	require.Equal(t, 1, env.blobs.size())

	env.blobs.delErr = nil
	swept, err := lc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 0, env.blobs.size())

	stats, err := env.coord.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.OrphanedBlobs)
}

func TestSweepOrphansRetriesLater(t *testing.T) {
	env, lc, _ := newLifecycleEnv(t)
	ctx := context.Background()

	id, err := env.coord.Store(ctx, strings.Repeat("stubborn orphan ", 20), nil, 0.5)
	require.NoError(t, err)

	env.blobs.delErr = errors.New("connection reset")
	require.NoError(t, env.coord.Delete(ctx, id))

	// Blob store still down; the orphan survives for the next sweep.
	swept, err := lc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	stats, err := env.coord.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.OrphanedBlobs)
}

func TestScheduleRegistersConfiguredJobs(t *testing.T) {
	env := newTestEnv(t)
	lc := NewLifecycle(env.coord, env.durable, env.blobs, &fakeSummarizer{}, config.LifecycleConfig{
		AgeThresholdDays: 30,
		MinBatch:         5,
		MaxBatch:         20,
		RetentionDays:    365,
		SummarizeCron:    "0 3 * * *",
		PurgeCron:        "30 3 * * *",
		SweepCron:        "0 4 * * *",
	}, nil, nil, zerolog.Nop())

	c := cron.New()
	require.NoError(t, lc.Schedule(c))
	assert.Len(t, c.Entries(), 3)
}

func TestScheduleRejectsInvalidSpec(t *testing.T) {
	env := newTestEnv(t)
	lc := NewLifecycle(env.coord, env.durable, env.blobs, &fakeSummarizer{}, config.LifecycleConfig{
		SummarizeCron: "not a cron spec",
	}, nil, nil, zerolog.Nop())

	assert.Error(t, lc.Schedule(cron.New()))
}
