package bank

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openassoc/sepa-collector/internal/batcher"
	"github.com/openassoc/sepa-collector/internal/types"

	"github.com/google/uuid"
)

// Repository loads the batch a failed collection originally went out in and
// persists the single-entry batch a resubmission goes out in.
type Repository interface {
	BatchByUUID(ctx context.Context, batchUUID uuid.UUID) (*types.Batch, error)
	PersistBatch(ctx context.Context, batch *types.Batch) error
	UpdateBatchStatus(ctx context.Context, batchUUID uuid.UUID, status types.BatchStatus) error
}

// MandateService records the in-flight usage of the new collection attempt.
type MandateService interface {
	RecordUsage(ctx context.Context, mandateID string, usage types.MandateUsage) error
	MarkUsageAborted(ctx context.Context, mandateID string, collectionDate time.Time) error
}

// Exporter renders a batch into the bank's wire format.
type Exporter interface {
	Export(batch *types.Batch) ([]byte, error)
}

// Resubmitter re-collects a single failed entry: it lifts the original entry
// out of its batch into a fresh single-entry batch with a pushed-forward
// collection date and submits that. The entry keeps its recorded sequence
// type, so a failed first collection goes out as FRST again, but gets its own
// end-to-end id per attempt so the bank's report on the retry reconciles
// independently of the report on the original.
type Resubmitter struct {
	client   *Client
	exporter Exporter
	repo     Repository
	mandates MandateService
	leadDays int
	log      *slog.Logger
}

func NewResubmitter(client *Client, exporter Exporter, repo Repository,
	mandates MandateService, leadDays int) *Resubmitter {

	return &Resubmitter{
		client:   client,
		exporter: exporter,
		repo:     repo,
		mandates: mandates,
		leadDays: leadDays,
		log:      slog.With("component", "resubmitter"),
	}
}

func (r *Resubmitter) Submit(ctx context.Context, record types.RetryRecord) error {
	batchUUID, err := uuid.Parse(record.BatchUUID)
	if err != nil {
		return fmt.Errorf("retry for invoice %s: bad batch uuid %q: %w",
			record.InvoiceID, record.BatchUUID, err)
	}

	original, err := r.repo.BatchByUUID(ctx, batchUUID)
	if err != nil {
		return fmt.Errorf("retry for invoice %s: %w", record.InvoiceID, err)
	}

	var entry *types.BatchEntry
	for i := range original.Entries {
		if original.Entries[i].InvoiceID == record.InvoiceID {
			entry = &original.Entries[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("retry for invoice %s: entry not found in batch %s",
			record.InvoiceID, record.BatchUUID)
	}

	collectionDate := time.Now().UTC().AddDate(0, 0, r.leadDays)

	retryBatch := &types.Batch{
		UUID:           uuid.New(),
		CollectionDate: collectionDate,
		Total:          entry.Amount,
		Status:         types.BatchExported,
		CreatedAt:      time.Now().UTC(),
	}

	retryEntry := *entry
	retryEntry.BatchUUID = retryBatch.UUID
	retryEntry.CollectionDate = collectionDate
	retryEntry.EndToEndID = batcher.RetryEndToEndID(record.InvoiceID, record.Attempt)
	retryEntry.Status = types.EntryPending
	retryBatch.Entries = []types.BatchEntry{retryEntry}

	payload, err := r.exporter.Export(retryBatch)
	if err != nil {
		return fmt.Errorf("retry for invoice %s: %w", record.InvoiceID, err)
	}

	err = r.mandates.RecordUsage(ctx, retryEntry.MandateID, types.MandateUsage{
		CollectionDate: collectionDate,
		Sequence:       retryEntry.Sequence,
		State:          types.UsagePending,
		InvoiceID:      retryEntry.InvoiceID,
	})
	if err != nil {
		return fmt.Errorf("record usage for invoice %s: %w", record.InvoiceID, err)
	}

	if err := r.repo.PersistBatch(ctx, retryBatch); err != nil {
		r.unwind(retryEntry.MandateID, collectionDate, uuid.Nil)
		return fmt.Errorf("persist retry batch for invoice %s: %w",
			record.InvoiceID, err)
	}

	filename := fmt.Sprintf("pain008-retry-%s.xml", retryBatch.UUID)

	r.log.Info("resubmitting collection",
		"invoice", record.InvoiceID,
		"batch", retryBatch.UUID,
		"end_to_end", retryEntry.EndToEndID,
		"sequence", retryEntry.Sequence,
		"attempt", record.Attempt,
	)

	if err := r.client.SubmitFile(ctx, filename, payload); err != nil {
		r.unwind(retryEntry.MandateID, collectionDate, retryBatch.UUID)
		return err
	}

	err = r.repo.UpdateBatchStatus(ctx, retryBatch.UUID, types.BatchSubmitted)
	if err != nil {
		// The batch stays exported; reconciliation matches both states.
		r.log.Error("couldn't mark retry batch submitted",
			"batch", retryBatch.UUID, "error", err)
	}

	return nil
}

// unwind rolls back a resubmission that never reached the bank: the pending
// usage is marked aborted and the persisted retry batch, if any, is marked
// failed. It runs on a fresh context because the submit context may already
// be cancelled.
func (r *Resubmitter) unwind(mandateID string, collectionDate time.Time,
	batchUUID uuid.UUID) {

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.mandates.MarkUsageAborted(ctx, mandateID, collectionDate); err != nil {
		r.log.Error("couldn't unwind retry usage",
			"mandate", mandateID, "error", err)
	}

	if batchUUID == uuid.Nil {
		return
	}

	if err := r.repo.UpdateBatchStatus(ctx, batchUUID, types.BatchFailed); err != nil {
		r.log.Error("couldn't mark retry batch failed",
			"batch", batchUUID, "error", err)
	}
}
