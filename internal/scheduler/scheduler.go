// Package scheduler drives the collection calendar: on configured days of
// month it builds a batch for a collection date a lead time ahead, and a
// configured offset later it submits exported batches to the bank.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openassoc/sepa-collector/internal/config"
	"github.com/openassoc/sepa-collector/internal/metrics"
	"github.com/openassoc/sepa-collector/internal/retry"
	"github.com/openassoc/sepa-collector/internal/types"

	"github.com/google/uuid"
)

type Builder interface {
	Build(ctx context.Context, collectionDate time.Time) (*types.BuildResult, error)
	MarkExported(ctx context.Context, batchUUID uuid.UUID) error
}

type Exporter interface {
	Export(batch *types.Batch) ([]byte, error)
}

type Submitter interface {
	SubmitFile(ctx context.Context, filename string, payload []byte) error
}

type Repository interface {
	BatchByUUID(ctx context.Context, batchUUID uuid.UUID) (*types.Batch, error)
	ExportedBatchesBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	UpdateBatchStatus(ctx context.Context, batchUUID uuid.UUID,
		status types.BatchStatus) error
}

type Scheduler struct {
	config    *config.Schedule
	builder   Builder
	exporter  Exporter
	submitter Submitter
	repo      Repository
	breaker   *retry.Breaker
	now       func() time.Time

	lastBuildDay time.Time

	log *slog.Logger
}

func New(cfg *config.Schedule, builder Builder, exporter Exporter,
	submitter Submitter, repo Repository, breaker *retry.Breaker) *Scheduler {

	return &Scheduler{
		config:    cfg,
		builder:   builder,
		exporter:  exporter,
		submitter: submitter,
		repo:      repo,
		breaker:   breaker,
		now:       time.Now,
		log:       slog.With("component", "scheduler"),
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("starting scheduler",
		"collection_days", s.config.CollectionDays,
		"submission_offset_days", s.config.SubmissionOffset,
	)

	interval := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping scheduler")
			return ctx.Err()

		case <-time.After(interval):
			interval = s.config.CheckInterval

			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	today := s.truncate(s.now().UTC())

	if s.isCollectionDay(today) && !s.lastBuildDay.Equal(today) {
		if err := s.buildAndExport(ctx, today); err != nil {
			s.log.Error("scheduled build failed", "error", err)
		} else {
			s.lastBuildDay = today
		}
	}

	if err := s.submitDue(ctx); err != nil {
		s.log.Error("scheduled submission failed", "error", err)
	}
}

func (s *Scheduler) isCollectionDay(today time.Time) bool {
	for _, d := range s.config.CollectionDays {
		if today.Day() == d {
			return true
		}
	}
	return false
}

// buildAndExport builds the batch for today's trigger and immediately marks
// it exported. Re-running after a partial failure is safe: already-claimed
// invoices are contested and skipped, the rest form a new batch.
func (s *Scheduler) buildAndExport(ctx context.Context, today time.Time) error {
	collectionDate := today.AddDate(0, 0, s.config.LeadTimeDays)

	result, err := s.builder.Build(ctx, collectionDate)
	if err != nil {
		return fmt.Errorf("build batch for %s: %w",
			collectionDate.Format("2006-01-02"), err)
	}

	metrics.CoverageGaps.Add(float64(len(result.Gaps)))

	if result.Batch == nil {
		return nil
	}

	metrics.BatchesBuilt.Inc()
	metrics.BatchEntries.Add(float64(len(result.Batch.Entries)))

	// Render once now so a malformed batch fails on the build day, not on
	// the submission day.
	if _, err := s.exporter.Export(result.Batch); err != nil {
		return fmt.Errorf("export batch %s: %w", result.Batch.UUID, err)
	}

	if err := s.builder.MarkExported(ctx, result.Batch.UUID); err != nil {
		return fmt.Errorf("mark batch %s exported: %w", result.Batch.UUID, err)
	}

	return nil
}

// submitDue pushes exported batches whose submission offset has elapsed to
// the bank, guarded by the circuit breaker.
func (s *Scheduler) submitDue(ctx context.Context) error {
	cutoff := s.now().UTC().AddDate(0, 0, -s.config.SubmissionOffset)

	due, err := s.repo.ExportedBatchesBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, batchUUID := range due {
		if err := s.breaker.Allow(); err != nil {
			s.log.Warn("bank breaker open, deferring submissions",
				"pending", len(due))
			return nil
		}

		if err := s.submit(ctx, batchUUID); err != nil {
			s.breaker.Failure()
			s.log.Error("batch submission failed",
				"batch", batchUUID, "error", err)
			continue
		}

		s.breaker.Success()
	}

	return nil
}

func (s *Scheduler) submit(ctx context.Context, batchUUID uuid.UUID) error {
	batch, err := s.repo.BatchByUUID(ctx, batchUUID)
	if err != nil {
		return err
	}

	payload, err := s.exporter.Export(batch)
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("pain008-%s-%s.xml",
		batch.CollectionDate.Format("20060102"), batch.UUID)

	if err := s.submitter.SubmitFile(ctx, filename, payload); err != nil {
		return err
	}

	if err := s.repo.UpdateBatchStatus(ctx, batchUUID, types.BatchSubmitted); err != nil {
		return fmt.Errorf("mark batch %s submitted: %w", batchUUID, err)
	}

	s.log.Info("batch submitted",
		"batch", batchUUID,
		"file", filename,
		"entries", len(batch.Entries),
	)

	return nil
}

func (s *Scheduler) truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
