// Package recon ingests the bank's pain.002 return files and matches each
// reported transaction back to a batch entry. Matching is by composite key
// (mandate reference + amount + collection date) because the bank does not
// always echo transaction identifiers reliably; the end-to-end id, when
// present, serves only as the idempotency key.
package recon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openassoc/sepa-collector/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OutcomeKind string

const (
	OutcomeSettled OutcomeKind = "settled"
	OutcomeFailed  OutcomeKind = "failed"
	// OutcomeDuplicate means the transaction reference was already applied
	// by an earlier ingestion of the same file.
	OutcomeDuplicate OutcomeKind = "duplicate"
	// OutcomeUnmatched means no open batch entry matched the composite
	// key. Requires manual reconciliation, never discarded.
	OutcomeUnmatched OutcomeKind = "unmatched"
)

// Outcome is the per-line-item result of an ingestion run.
type Outcome struct {
	Kind           OutcomeKind     `json:"kind"`
	EndToEndID     string          `json:"end_to_end_id"`
	MandateRef     string          `json:"mandate_reference"`
	InvoiceID      string          `json:"invoice_id,omitempty"`
	ReasonCode     string          `json:"reason_code,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	CollectionDate time.Time       `json:"collection_date"`
}

// ErrEntryNotFound is returned by repositories when no open batch entry
// matches the composite key.
var ErrEntryNotFound = errors.New("no matching batch entry")

type Repository interface {
	// OpenEntryByComposite looks up a pending entry of an exported or
	// submitted batch by mandate reference, amount and collection date.
	OpenEntryByComposite(ctx context.Context, mandateRef string,
		amount decimal.Decimal, collectionDate time.Time) (*types.BatchEntry, error)
	UpdateEntryStatus(ctx context.Context, batchUUID uuid.UUID, invoiceID string,
		status types.EntryStatus, reasonCode string) error
	MarkInvoicePaid(ctx context.Context, invoiceID string) error
	// RefreshBatchStatus rolls entry states up to the batch: settled when
	// every entry collected, failed when any entry failed terminally.
	RefreshBatchStatus(ctx context.Context, batchUUID uuid.UUID) error
	IsApplied(ctx context.Context, ref string) (bool, error)
	MarkApplied(ctx context.Context, ref string) error
}

// MandateService is the slice of the registry reconciliation updates.
type MandateService interface {
	ConfirmUsage(ctx context.Context, mandateID string, collectionDate time.Time) error
	MarkUsageFailed(ctx context.Context, mandateID string, collectionDate time.Time) error
}

// RetryScheduler feeds unresolved failures into the retry engine.
type RetryScheduler interface {
	Schedule(ctx context.Context, invoiceID, mandateID, batchUUID,
		reasonCode string) (*types.RetryRecord, error)
	Resolve(ctx context.Context, invoiceID string) error
}

type Events interface {
	ReconciliationException(ctx context.Context, outcome Outcome)
}

type Config struct {
	ParseTimeout time.Duration
}

type Processor struct {
	config   *Config
	repo     Repository
	mandates MandateService
	retries  RetryScheduler
	events   Events
	log      *slog.Logger
}

func NewProcessor(config *Config, repo Repository, mandates MandateService,
	retries RetryScheduler, events Events) *Processor {

	return &Processor{
		config:   config,
		repo:     repo,
		mandates: mandates,
		retries:  retries,
		events:   events,
		log:      slog.With("component", "reconciliation"),
	}
}

// Ingest processes one bank return file. Re-ingesting the same file is safe:
// every state change is keyed on the file's transaction reference and
// already-applied references are skipped.
func (p *Processor) Ingest(ctx context.Context, r io.Reader) ([]Outcome, error) {
	if p.config.ParseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ParseTimeout)
		defer cancel()
	}

	doc, err := parsePain002(r)
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	touched := map[uuid.UUID]bool{}

	for _, pmtInf := range doc.CstmrPmtStsRpt.OrgnlPmtInf {
		for _, tx := range pmtInf.TxInfAndSts {
			outcome, batchUUID, err := p.processTransaction(ctx, tx)
			if err != nil {
				return outcomes, err
			}

			outcomes = append(outcomes, outcome)

			if batchUUID != uuid.Nil {
				touched[batchUUID] = true
			}
		}
	}

	for batchUUID := range touched {
		if err := p.repo.RefreshBatchStatus(ctx, batchUUID); err != nil {
			p.log.Error("couldn't refresh batch status",
				"batch", batchUUID, "error", err)
		}
	}

	p.log.Info("return file ingested", "outcomes", len(outcomes))

	return outcomes, nil
}

func (p *Processor) processTransaction(ctx context.Context, tx pain002TxInf) (
	Outcome, uuid.UUID, error) {

	amount, err := decimal.NewFromString(tx.OrgnlTxRef.Amt.InstdAmt.Value)
	if err != nil {
		return Outcome{}, uuid.Nil, fmt.Errorf("transaction %s: bad amount %q: %w",
			tx.OrgnlEndToEndID, tx.OrgnlTxRef.Amt.InstdAmt.Value, err)
	}

	collectionDate, err := time.Parse("2006-01-02", tx.OrgnlTxRef.ReqdColltnDt)
	if err != nil {
		return Outcome{}, uuid.Nil, fmt.Errorf("transaction %s: bad collection date %q: %w",
			tx.OrgnlEndToEndID, tx.OrgnlTxRef.ReqdColltnDt, err)
	}

	outcome := Outcome{
		EndToEndID:     tx.OrgnlEndToEndID,
		MandateRef:     tx.OrgnlTxRef.MndtRltdInf.MndtID,
		ReasonCode:     tx.StsRsnInf.Rsn.Cd,
		Amount:         amount,
		CollectionDate: collectionDate,
	}

	applied, err := p.repo.IsApplied(ctx, tx.OrgnlEndToEndID)
	if err != nil {
		return Outcome{}, uuid.Nil, fmt.Errorf("check applied ref %s: %w", tx.OrgnlEndToEndID, err)
	}
	if applied {
		outcome.Kind = OutcomeDuplicate
		p.log.Debug("skipping already-applied transaction", "ref", tx.OrgnlEndToEndID)
		return outcome, uuid.Nil, nil
	}

	entry, err := p.repo.OpenEntryByComposite(ctx, outcome.MandateRef,
		amount, collectionDate)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		outcome.Kind = OutcomeUnmatched
		p.log.Warn(
			"unmatched return transaction, manual reconciliation needed",
			"ref", tx.OrgnlEndToEndID,
			"mandate_ref", outcome.MandateRef,
			"amount", amount.StringFixed(2),
		)
		if p.events != nil {
			p.events.ReconciliationException(ctx, outcome)
		}
		return outcome, uuid.Nil, nil
	case err != nil:
		return Outcome{}, uuid.Nil, fmt.Errorf("match transaction %s: %w", tx.OrgnlEndToEndID, err)
	}

	outcome.InvoiceID = entry.InvoiceID

	switch tx.TxSts {
	case txStatusSettled, txStatusAccepted:
		if err := p.applySuccess(ctx, entry); err != nil {
			return Outcome{}, uuid.Nil, err
		}
		outcome.Kind = OutcomeSettled

	case txStatusRejected:
		if err := p.applyFailure(ctx, entry, tx.StsRsnInf.Rsn.Cd); err != nil {
			return Outcome{}, uuid.Nil, err
		}
		outcome.Kind = OutcomeFailed

	default:
		// Unknown status code: treated like an unmatched item rather than
		// guessed at.
		outcome.Kind = OutcomeUnmatched
		p.log.Warn("unknown transaction status",
			"ref", tx.OrgnlEndToEndID, "status", tx.TxSts)
		if p.events != nil {
			p.events.ReconciliationException(ctx, outcome)
		}
		return outcome, uuid.Nil, nil
	}

	if err := p.repo.MarkApplied(ctx, tx.OrgnlEndToEndID); err != nil {
		return Outcome{}, uuid.Nil, fmt.Errorf("mark ref %s applied: %w", tx.OrgnlEndToEndID, err)
	}

	return outcome, entry.BatchUUID, nil
}

func (p *Processor) applySuccess(ctx context.Context, entry *types.BatchEntry) error {
	if err := p.repo.MarkInvoicePaid(ctx, entry.InvoiceID); err != nil {
		return fmt.Errorf("mark invoice %s paid: %w", entry.InvoiceID, err)
	}

	err := p.repo.UpdateEntryStatus(ctx, entry.BatchUUID, entry.InvoiceID,
		types.EntryCollected, "")
	if err != nil {
		return fmt.Errorf("update entry %s: %w", entry.InvoiceID, err)
	}

	err = p.mandates.ConfirmUsage(ctx, entry.MandateID, entry.CollectionDate)
	if err != nil {
		return err
	}

	if err := p.retries.Resolve(ctx, entry.InvoiceID); err != nil {
		return err
	}

	p.log.Info("collection settled",
		"invoice", entry.InvoiceID, "mandate", entry.MandateID)

	return nil
}

func (p *Processor) applyFailure(ctx context.Context, entry *types.BatchEntry,
	reasonCode string) error {

	err := p.repo.UpdateEntryStatus(ctx, entry.BatchUUID, entry.InvoiceID,
		types.EntryFailed, reasonCode)
	if err != nil {
		return fmt.Errorf("update entry %s: %w", entry.InvoiceID, err)
	}

	err = p.mandates.MarkUsageFailed(ctx, entry.MandateID, entry.CollectionDate)
	if err != nil {
		return err
	}

	_, err = p.retries.Schedule(ctx, entry.InvoiceID, entry.MandateID,
		entry.BatchUUID.String(), reasonCode)
	if err != nil {
		return err
	}

	p.log.Warn("collection failed",
		"invoice", entry.InvoiceID, "reason", reasonCode)

	return nil
}
