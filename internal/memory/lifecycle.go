package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"echovault/server/internal/config"
	"echovault/server/internal/models"
	"echovault/server/internal/observability"
	"echovault/server/internal/rag"
)

// RunReport summarizes one summarization run.
type RunReport struct {
	BatchesCreated int `json:"batches_created"`
	RecordsRetired int `json:"records_retired"`
	Deferred       int `json:"deferred"`
}

// Lifecycle periodically compacts aged records into summaries and enforces
// the retention ceiling. Summaries are written back through the coordinator;
// originals are deleted only after the summary write succeeds, so a crash
// mid-batch leaves them intact and the batch is retried on the next run.
type Lifecycle struct {
	coord      *Coordinator
	durable    DurableStore
	blobs      BlobStore
	summarizer rag.Summarizer
	cfg        config.LifecycleConfig
	metrics    *observability.Metrics
	events     *observability.EventHub
	logger     zerolog.Logger
}

func NewLifecycle(coord *Coordinator, durable DurableStore, blobs BlobStore, summarizer rag.Summarizer, cfg config.LifecycleConfig, metrics *observability.Metrics, events *observability.EventHub, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		coord:      coord,
		durable:    durable,
		blobs:      blobs,
		summarizer: summarizer,
		cfg:        cfg,
		metrics:    metrics,
		events:     events,
		logger:     logger.With().Str("component", "lifecycle").Logger(),
	}
}

// SummarizeOld selects records older than ageThreshold, groups them into
// batches of minBatch..maxBatch, and replaces each batch with one summary
// record. A trailing group smaller than minBatch is deferred to the next run
// rather than summarized early.
func (l *Lifecycle) SummarizeOld(ctx context.Context, ageThreshold time.Duration, minBatch, maxBatch int) (*RunReport, error) {
	if minBatch < 1 || maxBatch < minBatch {
		return nil, fmt.Errorf("invalid batch bounds: min %d, max %d", minBatch, maxBatch)
	}

	cutoff := time.Now().UTC().Add(-ageThreshold)
	aged, err := l.durable.SelectAged(ctx, cutoff, 0)
	if err != nil {
		return nil, &ConnectivityError{Backend: "durable store", Err: err}
	}

	report := &RunReport{}
	for start := 0; start < len(aged); start += maxBatch {
		end := start + maxBatch
		if end > len(aged) {
			end = len(aged)
		}
		batch := aged[start:end]
		if len(batch) < minBatch {
			report.Deferred += len(batch)
			break
		}

		if err := l.summarizeBatch(ctx, batch); err != nil {
			// Originals stay intact; the batch is retried on the next run.
			l.logger.Error().Err(err).Int("size", len(batch)).Msg("batch summarization failed")
			return report, err
		}
		report.BatchesCreated++
		report.RecordsRetired += len(batch)
	}

	if l.metrics != nil {
		l.metrics.SummariesCreatedTotal.Add(float64(report.BatchesCreated))
		l.metrics.RecordsRetiredTotal.Add(float64(report.RecordsRetired))
	}
	if l.events != nil && report.BatchesCreated > 0 {
		l.events.Publish("summarize_run", report)
	}
	l.logger.Info().
		Int("batches", report.BatchesCreated).
		Int("retired", report.RecordsRetired).
		Int("deferred", report.Deferred).
		Msg("summarization run complete")
	return report, nil
}

func (l *Lifecycle) summarizeBatch(ctx context.Context, batch []models.Memory) error {
	ids := make([]string, len(batch))
	texts := make([]string, len(batch))
	var importance float64
	tagSet := make([]string, 0, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
		texts[i] = l.coord.ContentOf(ctx, &batch[i])
		if batch[i].Importance > importance {
			importance = batch[i].Importance
		}
		tagSet = append(tagSet, batch[i].Tags...)
	}

	summary, err := l.summarizer.Summarize(ctx, texts, l.cfg.MaxSummaryLength)
	if err != nil {
		return fmt.Errorf("summarization failed: %w", err)
	}

	// Summaries inherit the union of member tags so tag search still finds
	// the topic, and the highest member importance.
	if _, err := l.coord.StoreSummary(ctx, summary, tagSet, importance, ids); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}

	// Tombstone first so the originals drop out of every search path the
	// moment their summary exists, then delete them for real.
	if err := l.durable.Retire(ctx, ids); err != nil {
		return &ConnectivityError{Backend: "durable store", Err: err}
	}
	for _, id := range ids {
		if err := l.coord.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Purge hard-deletes every record older than the retention horizon,
// summaries and blobs included. Retention is an absolute ceiling and runs
// independently of summarization.
func (l *Lifecycle) Purge(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	expired, err := l.durable.SelectOlderThan(ctx, cutoff)
	if err != nil {
		return 0, &ConnectivityError{Backend: "durable store", Err: err}
	}

	purged := 0
	for i := range expired {
		if err := l.coord.Delete(ctx, expired[i].ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return purged, err
		}
		purged++
	}

	if l.metrics != nil {
		l.metrics.RecordsPurgedTotal.Add(float64(purged))
	}
	if l.events != nil && purged > 0 {
		l.events.Publish("purge_run", map[string]int{"purged": purged})
	}
	l.logger.Info().Int("purged", purged).Int("retention_days", retentionDays).Msg("purge complete")
	return purged, nil
}

// SweepOrphans deletes blobs whose metadata rows are already gone.
func (l *Lifecycle) SweepOrphans(ctx context.Context) (int, error) {
	if l.blobs == nil {
		return 0, nil
	}
	orphans, err := l.durable.Orphans(ctx)
	if err != nil {
		return 0, &ConnectivityError{Backend: "durable store", Err: err}
	}

	swept := 0
	for _, o := range orphans {
		if err := l.blobs.Delete(ctx, o.BlobKey); err != nil {
			l.logger.Warn().Err(err).Str("blob_key", o.BlobKey).Msg("orphan sweep failed, will retry")
			continue
		}
		if err := l.durable.RemoveOrphan(ctx, o.BlobKey); err != nil {
			return swept, &ConnectivityError{Backend: "durable store", Err: err}
		}
		swept++
	}

	if swept > 0 {
		l.logger.Info().Int("swept", swept).Msg("orphaned blobs reclaimed")
	}
	return swept, nil
}

// Schedule registers the configured cron entries. Empty specs disable the
// corresponding job; manual triggers over HTTP remain available either way.
func (l *Lifecycle) Schedule(c *cron.Cron) error {
	age := time.Duration(l.cfg.AgeThresholdDays) * 24 * time.Hour

	if l.cfg.SummarizeCron != "" {
		_, err := c.AddFunc(l.cfg.SummarizeCron, func() {
			if _, err := l.SummarizeOld(context.Background(), age, l.cfg.MinBatch, l.cfg.MaxBatch); err != nil {
				l.logger.Error().Err(err).Msg("scheduled summarization failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid summarize cron spec: %w", err)
		}
	}
	if l.cfg.PurgeCron != "" {
		_, err := c.AddFunc(l.cfg.PurgeCron, func() {
			if _, err := l.Purge(context.Background(), l.cfg.RetentionDays); err != nil {
				l.logger.Error().Err(err).Msg("scheduled purge failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid purge cron spec: %w", err)
		}
	}
	if l.cfg.SweepCron != "" {
		_, err := c.AddFunc(l.cfg.SweepCron, func() {
			if _, err := l.SweepOrphans(context.Background()); err != nil {
				l.logger.Error().Err(err).Msg("scheduled orphan sweep failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid sweep cron spec: %w", err)
		}
	}
	return nil
}
