// Package retry schedules and executes re-attempts of failed collections
// against the bank, classifies failures into a closed taxonomy, and guards
// the bank interface with a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openassoc/sepa-collector/internal/config"
	"github.com/openassoc/sepa-collector/internal/metrics"
	"github.com/openassoc/sepa-collector/internal/types"

	"github.com/google/uuid"
)

// Submitter re-submits a single failed collection to the bank. The real
// implementation talks to the bank interface; tests inject fakes.
type Submitter interface {
	Submit(ctx context.Context, record types.RetryRecord) error
}

type Repository interface {
	DueRetries(ctx context.Context, now time.Time, limit int64) ([]types.RetryRecord, error)
	RetryByInvoice(ctx context.Context, invoiceID string) (*types.RetryRecord, error)
	SaveRetry(ctx context.Context, record types.RetryRecord) error
}

type Events interface {
	RetryEscalated(ctx context.Context, record types.RetryRecord)
}

type Engine struct {
	config    *config.Retry
	repo      Repository
	breaker   *Breaker
	submitter Submitter
	backoff   Backoff
	events    Events
	now       func() time.Time
	log       *slog.Logger
}

func NewEngine(cfg *config.Retry, repo Repository, breaker *Breaker,
	submitter Submitter, events Events) *Engine {

	return &Engine{
		config:    cfg,
		repo:      repo,
		breaker:   breaker,
		submitter: submitter,
		backoff: Backoff{
			Base:   cfg.BaseDelay,
			Max:    cfg.MaxDelay,
			Jitter: cfg.JitterFactor,
		},
		events: events,
		now:    time.Now,
		log:    slog.With("component", "retry-engine"),
	}
}

// Schedule records a classified failure for an invoice and decides its
// retry fate. Validation and data failures escalate immediately; temporary
// and authorization failures get a next-retry timestamp. A repeat failure
// for the same invoice bumps the existing record instead of creating a
// second one.
func (e *Engine) Schedule(ctx context.Context, invoiceID, mandateID,
	batchUUID, reasonCode string) (*types.RetryRecord, error) {

	class := Classify(reasonCode)
	now := e.now().UTC()

	record, err := e.repo.RetryByInvoice(ctx, invoiceID)
	if err != nil && !errors.Is(err, ErrNoRetryRecord) {
		return nil, fmt.Errorf("load retry record for %s: %w", invoiceID, err)
	}

	if record == nil {
		record = &types.RetryRecord{
			ID:        uuid.NewString(),
			InvoiceID: invoiceID,
			MandateID: mandateID,
			BatchUUID: batchUUID,
			CreatedAt: now,
		}
	}

	record.ReasonCode = reasonCode
	record.Class = class
	record.Attempt++
	record.UpdatedAt = now

	switch class {
	case types.FailureValidation, types.FailureData:
		// Not retryable: manual correction or the record is gone.
		e.escalate(ctx, record)

	case types.FailureTemporary, types.FailureAuthorization:
		if record.Attempt >= e.maxAttemptsFor(class) {
			e.escalate(ctx, record)
			break
		}

		record.Status = types.RetryScheduled
		record.NextRetry = now.Add(e.delayFor(class, record.Attempt))

		metrics.RetriesScheduled.Inc()

		e.log.Info(
			"retry scheduled",
			"invoice", invoiceID,
			"reason", reasonCode,
			"class", class,
			"attempt", record.Attempt,
			"next_retry", record.NextRetry,
		)
	}

	if err := e.repo.SaveRetry(ctx, *record); err != nil {
		return nil, fmt.Errorf("save retry record for %s: %w", invoiceID, err)
	}

	return record, nil
}

// Resolve marks an invoice's retry record resolved after a successful
// settlement, if one exists.
func (e *Engine) Resolve(ctx context.Context, invoiceID string) error {
	record, err := e.repo.RetryByInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, ErrNoRetryRecord) {
			return nil
		}
		return fmt.Errorf("load retry record for %s: %w", invoiceID, err)
	}

	if record.Status == types.RetryEscalated || record.Status == types.RetryResolved {
		return nil
	}

	record.Status = types.RetryResolved
	record.UpdatedAt = e.now().UTC()

	return e.repo.SaveRetry(ctx, *record)
}

// Run polls for due retry records and executes them through the breaker.
// Independent of the request path; retries across batches run here while
// per-mandate serialization is handled by the mandate registry.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("starting retry engine")

	pollInterval := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("stopping retry engine")
			return ctx.Err()

		case <-time.After(pollInterval):
			pollInterval = e.config.PollInterval

			dbCtx, cancel := context.WithTimeout(ctx, e.config.SubmitTimeout)
			due, err := e.repo.DueRetries(dbCtx, e.now().UTC(), e.config.PollBatchSize)
			cancel()
			if err != nil {
				e.log.Error("couldn't fetch due retries", "error", err)
				continue
			}

			for _, record := range due {
				e.execute(ctx, record)
			}
		}
	}
}

// execute runs one due retry attempt. An open breaker pushes the record
// forward by the cool-down instead of contacting the bank.
func (e *Engine) execute(ctx context.Context, record types.RetryRecord) {
	if err := e.breaker.Allow(); err != nil {
		record.NextRetry = e.now().UTC().Add(e.config.CoolDown)
		record.UpdatedAt = e.now().UTC()

		if err := e.repo.SaveRetry(ctx, record); err != nil {
			e.log.Error("couldn't defer retry", "invoice", record.InvoiceID, "error", err)
		}

		e.log.Debug("breaker open, retry deferred", "invoice", record.InvoiceID)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.config.SubmitTimeout)
	err := e.submitter.Submit(submitCtx, record)
	cancel()

	if errors.Is(err, context.Canceled) {
		// Shutdown, not a bank failure: the record stays due and the
		// breaker is untouched.
		e.log.Debug("retry interrupted", "invoice", record.InvoiceID)
		return
	}

	now := e.now().UTC()
	record.UpdatedAt = now

	if err == nil {
		e.breaker.Success()

		record.Status = types.RetryRetried

		if saveErr := e.repo.SaveRetry(ctx, record); saveErr != nil {
			e.log.Error("couldn't save retried record",
				"invoice", record.InvoiceID, "error", saveErr)
		}

		e.log.Info("retry submitted", "invoice", record.InvoiceID,
			"attempt", record.Attempt)
		return
	}

	e.breaker.Failure()

	record.Attempt++
	record.Class = ClassifyError(err)

	if record.Attempt >= e.maxAttemptsFor(record.Class) {
		e.escalate(ctx, &record)
	} else {
		record.Status = types.RetryScheduled
		record.NextRetry = now.Add(e.delayFor(record.Class, record.Attempt))
	}

	if saveErr := e.repo.SaveRetry(ctx, record); saveErr != nil {
		e.log.Error("couldn't save failed retry",
			"invoice", record.InvoiceID, "error", saveErr)
	}

	e.log.Warn(
		"retry attempt failed",
		"invoice", record.InvoiceID,
		"attempt", record.Attempt,
		"error", err,
	)
}

func (e *Engine) escalate(ctx context.Context, record *types.RetryRecord) {
	record.Status = types.RetryEscalated

	metrics.RetriesEscalated.Inc()

	e.log.Warn(
		"retry escalated to manual handling",
		"invoice", record.InvoiceID,
		"reason", record.ReasonCode,
		"class", record.Class,
		"attempts", record.Attempt,
	)

	if e.events != nil {
		e.events.RetryEscalated(ctx, *record)
	}
}

func (e *Engine) maxAttemptsFor(class types.FailureClass) int {
	switch class {
	case types.FailureTemporary:
		return e.config.MaxAttempts
	case types.FailureAuthorization:
		return e.config.AuthMaxAttempts
	default:
		// Validation and data failures never reach a retry attempt.
		return 0
	}
}

func (e *Engine) delayFor(class types.FailureClass, attempt int) time.Duration {
	if class == types.FailureAuthorization {
		// Fixed long delay: credential problems are fixed by people, not
		// by backing off faster.
		return e.config.AuthDelay
	}
	return e.backoff.Delay(attempt)
}

// ErrNoRetryRecord is returned by repositories when an invoice has no retry
// record yet.
var ErrNoRetryRecord = errors.New("no retry record")
