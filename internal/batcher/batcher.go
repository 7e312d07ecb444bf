// Package batcher assembles direct-debit batches: it selects eligible
// invoices, claims each one atomically so no invoice can end up in two open
// batches, resolves sequence types in bulk and persists an immutable draft.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/openassoc/sepa-collector/internal/mandate"
	"github.com/openassoc/sepa-collector/internal/sepa"
	"github.com/openassoc/sepa-collector/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceSource is the invoicing collaborator: eligible-invoice queries and
// the atomic claim primitive. Claim returns false when another batch already
// holds the invoice; losing a claim is an exclusion, not an error.
type InvoiceSource interface {
	EligibleInvoices(ctx context.Context, collectionDate time.Time) ([]types.Invoice, error)
	Claim(ctx context.Context, invoiceID string, batchUUID uuid.UUID) (bool, error)
	ReleaseClaims(ctx context.Context, batchUUID uuid.UUID) error
}

// MandateService is the slice of the mandate registry the builder needs.
type MandateService interface {
	LookupActive(ctx context.Context, payerID string) (*types.Mandate, error)
	RecordUsage(ctx context.Context, mandateID string, usage types.MandateUsage) error
	MarkUsageAborted(ctx context.Context, mandateID string, collectionDate time.Time) error
}

type Resolver interface {
	ResolveBatch(ctx context.Context, mandateIDs []string) (map[string]types.SequenceType, error)
}

type Repository interface {
	PersistBatch(ctx context.Context, batch *types.Batch) error
	BatchByUUID(ctx context.Context, batchUUID uuid.UUID) (*types.Batch, error)
	UpdateBatchStatus(ctx context.Context, batchUUID uuid.UUID, status types.BatchStatus) error
	DeleteDraftBatch(ctx context.Context, batchUUID uuid.UUID) error
}

type Events interface {
	CoverageGap(ctx context.Context, gap types.CoverageGap)
}

type Config struct {
	DBTimeout time.Duration
}

type Builder struct {
	config   *Config
	invoices InvoiceSource
	mandates MandateService
	resolver Resolver
	repo     Repository
	events   Events
	log      *slog.Logger
}

type selection struct {
	invoice types.Invoice
	mandate *types.Mandate
}

func New(config *Config, invoices InvoiceSource, mandates MandateService,
	resolver Resolver, repo Repository, events Events) *Builder {

	return &Builder{
		config:   config,
		invoices: invoices,
		mandates: mandates,
		resolver: resolver,
		repo:     repo,
		events:   events,
		log:      slog.With("component", "batch-builder"),
	}
}

// Build assembles a draft batch for the collection date. Per-invoice faults
// (missing mandate, lost claim) only exclude that invoice; structural faults
// abort the whole build and release every claim taken so far.
func (b *Builder) Build(ctx context.Context, collectionDate time.Time) (
	*types.BuildResult, error) {

	batchUUID := uuid.New()

	log := b.log.With(
		"batch", batchUUID,
		"collection_date", collectionDate.Format("2006-01-02"),
	)
	log.Info("starting batch build")

	eligible, err := b.invoices.EligibleInvoices(ctx, collectionDate)
	if err != nil {
		return nil, fmt.Errorf("query eligible invoices: %w", err)
	}

	// Deterministic order: the per-mandate FRST tie-break is "lowest
	// invoice identifier".
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].ID < eligible[j].ID
	})

	result := &types.BuildResult{}

	var (
		selected   []selection
		mandateIDs []string
		seen       = map[string]bool{}
	)

	for _, inv := range eligible {
		m, err := b.mandates.LookupActive(ctx, inv.PayerID)
		switch {
		case errors.Is(err, mandate.ErrNotFound):
			b.reportGap(ctx, result, inv, "no active mandate")
			continue
		case errors.Is(err, mandate.ErrMultipleActive):
			b.reportGap(ctx, result, inv, "multiple active mandates")
			continue
		case err != nil:
			b.unwind(batchUUID, selected, collectionDate)
			return nil, fmt.Errorf("mandate lookup for invoice %s: %w", inv.ID, err)
		}

		if m.BIC == "" {
			bic, err := sepa.DeriveBIC(m.IBAN)
			if err != nil {
				b.reportGap(ctx, result, inv, "cannot derive debtor BIC: "+err.Error())
				continue
			}
			m.BIC = bic
		}

		ok, err := b.invoices.Claim(ctx, inv.ID, batchUUID)
		if err != nil {
			b.unwind(batchUUID, selected, collectionDate)
			return nil, fmt.Errorf("claim invoice %s: %w", inv.ID, err)
		}
		if !ok {
			// Lost the race to a concurrent build. The other batch
			// collects it; the next trigger picks up anything left.
			log.Debug("invoice already claimed, skipping", "invoice", inv.ID)
			result.ContestedInvoices = append(result.ContestedInvoices, inv.ID)
			continue
		}

		selected = append(selected, selection{invoice: inv, mandate: m})
		if !seen[m.ID] {
			seen[m.ID] = true
			mandateIDs = append(mandateIDs, m.ID)
		}
	}

	if len(selected) == 0 {
		log.Info("nothing to collect", "gaps", len(result.Gaps))
		return result, nil
	}

	sequences, err := b.resolver.ResolveBatch(ctx, mandateIDs)
	if err != nil {
		b.unwind(batchUUID, selected, collectionDate)
		return nil, fmt.Errorf("resolve sequence types: %w", err)
	}

	batch := &types.Batch{
		UUID:           batchUUID,
		CollectionDate: collectionDate,
		Total:          decimal.Zero,
		Status:         types.BatchDraft,
		CreatedAt:      time.Now().UTC(),
	}

	// Entries are in ascending invoice-id order; the first entry per
	// mandate carries the resolved type, every later one is RCUR. A batch
	// must never carry two FRST entries for one mandate.
	firstEntryDone := map[string]bool{}

	for _, sel := range selected {
		seq := sequences[sel.mandate.ID]
		if firstEntryDone[sel.mandate.ID] {
			seq = types.SequenceRecurring
		}
		firstEntryDone[sel.mandate.ID] = true

		entry := types.BatchEntry{
			BatchUUID:      batchUUID,
			InvoiceID:      sel.invoice.ID,
			MandateID:      sel.mandate.ID,
			MandateRef:     sel.mandate.Reference,
			DebtorName:     sel.mandate.HolderName,
			IBAN:           sel.mandate.IBAN,
			BIC:            sel.mandate.BIC,
			SignDate:       sel.mandate.SignDate,
			Amount:         sel.invoice.Amount,
			Currency:       sel.invoice.Currency,
			Sequence:       seq,
			EndToEndID:     EndToEndID(sel.invoice.ID),
			Status:         types.EntryPending,
			CollectionDate: collectionDate,
		}

		err := b.mandates.RecordUsage(ctx, sel.mandate.ID, types.MandateUsage{
			CollectionDate: collectionDate,
			Sequence:       seq,
			State:          types.UsagePending,
			InvoiceID:      sel.invoice.ID,
		})
		if err != nil {
			b.unwind(batchUUID, selected, collectionDate)
			return nil, fmt.Errorf("record usage for invoice %s: %w",
				sel.invoice.ID, err)
		}

		batch.Entries = append(batch.Entries, entry)
		batch.Total = batch.Total.Add(entry.Amount)
	}

	dbCtx, cancel := context.WithTimeout(ctx, b.config.DBTimeout)
	defer cancel()

	if err := b.repo.PersistBatch(dbCtx, batch); err != nil {
		b.unwind(batchUUID, selected, collectionDate)
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	log.Info(
		"batch built",
		"entries", len(batch.Entries),
		"total", batch.Total.StringFixed(2),
		"gaps", len(result.Gaps),
		"contested", len(result.ContestedInvoices),
	)

	result.Batch = batch
	return result, nil
}

// Abort discards a draft batch before export: all invoice claims are
// released and the pending usage records are marked aborted. Exported
// batches are immutable and cannot be aborted, only superseded.
func (b *Builder) Abort(ctx context.Context, batchUUID uuid.UUID) error {
	batch, err := b.repo.BatchByUUID(ctx, batchUUID)
	if err != nil {
		return fmt.Errorf("abort batch %s: %w", batchUUID, err)
	}

	if batch.Status != types.BatchDraft {
		return fmt.Errorf("abort batch %s: status is %q, only drafts can be aborted",
			batchUUID, batch.Status)
	}

	for _, entry := range batch.Entries {
		err := b.mandates.MarkUsageAborted(ctx, entry.MandateID, batch.CollectionDate)
		if err != nil {
			return err
		}
	}

	if err := b.invoices.ReleaseClaims(ctx, batchUUID); err != nil {
		return fmt.Errorf("release claims for batch %s: %w", batchUUID, err)
	}

	if err := b.repo.DeleteDraftBatch(ctx, batchUUID); err != nil {
		return fmt.Errorf("delete draft batch %s: %w", batchUUID, err)
	}

	b.log.Info("batch aborted", "batch", batchUUID)

	return nil
}

// MarkExported transitions a draft to exported. From this point on the batch
// is immutable; corrections require a new batch.
func (b *Builder) MarkExported(ctx context.Context, batchUUID uuid.UUID) error {
	return b.repo.UpdateBatchStatus(ctx, batchUUID, types.BatchExported)
}

// unwind is the build-failure path: release claims and mark the usage
// records aborted before the batch was ever persisted. It runs on a fresh
// context because the build context may already be cancelled, and leaked
// claims would block invoices until a manual fix.
func (b *Builder) unwind(batchUUID uuid.UUID, selected []selection,
	collectionDate time.Time) {

	ctx, cancel := context.WithTimeout(context.Background(), b.config.DBTimeout)
	defer cancel()

	for _, sel := range selected {
		err := b.mandates.MarkUsageAborted(ctx, sel.mandate.ID, collectionDate)
		if err != nil {
			b.log.Error("couldn't unwind usage",
				"mandate", sel.mandate.ID, "error", err)
		}
	}

	if err := b.invoices.ReleaseClaims(ctx, batchUUID); err != nil {
		b.log.Error("couldn't release claims", "batch", batchUUID, "error", err)
	}
}

func (b *Builder) reportGap(ctx context.Context, result *types.BuildResult,
	inv types.Invoice, reason string) {

	gap := types.CoverageGap{
		InvoiceID: inv.ID,
		PayerID:   inv.PayerID,
		Reason:    reason,
	}

	b.log.Warn("coverage gap",
		"invoice", inv.ID, "payer", inv.PayerID, "reason", reason)

	if b.events != nil {
		b.events.CoverageGap(ctx, gap)
	}

	result.Gaps = append(result.Gaps, gap)
}

// EndToEndID derives the end-to-end identifier the bank echoes back in
// return files.
func EndToEndID(invoiceID string) string {
	return "E2E-" + invoiceID
}

// RetryEndToEndID derives the identifier of the n-th resubmission of a
// collection. Every attempt carries its own id so the bank's report on a
// retry reconciles independently of the report on the original.
func RetryEndToEndID(invoiceID string, attempt int) string {
	return fmt.Sprintf("%s-R%d", EndToEndID(invoiceID), attempt)
}
