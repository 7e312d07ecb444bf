package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchExported  BatchStatus = "exported"
	BatchSubmitted BatchStatus = "submitted"
	BatchSettled   BatchStatus = "settled"
	BatchFailed    BatchStatus = "failed"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCollected EntryStatus = "collected"
	EntryFailed    EntryStatus = "failed"
)

// Invoice is the slice of the invoicing collaborator's record that batch
// building needs: unpaid, direct-debit invoices for a collection date.
type Invoice struct {
	ID       string          `db:"id"`
	PayerID  string          `db:"payer_id"`
	Amount   decimal.Decimal `db:"amount"`
	Currency string          `db:"currency"`
	DueDate  time.Time       `db:"due_date"`
}

// BatchEntry is one collection inside a batch. The sequence type is resolved
// at build time against the mandate's usage history and never recomputed.
type BatchEntry struct {
	BatchUUID      uuid.UUID       `db:"batch_uuid"`
	InvoiceID      string          `db:"invoice_id"`
	MandateID      string          `db:"mandate_id"`
	MandateRef     string          `db:"mandate_reference"`
	DebtorName     string          `db:"debtor_name"`
	IBAN           string          `db:"iban"`
	BIC            string          `db:"bic"`
	SignDate       time.Time       `db:"sign_date"`
	Amount         decimal.Decimal `db:"amount"`
	Currency       string          `db:"currency"`
	Sequence       SequenceType    `db:"sequence_type"`
	EndToEndID     string          `db:"end_to_end_id"`
	Status         EntryStatus     `db:"status"`
	CollectionDate time.Time       `db:"collection_date"`
}

// MinorUnits returns the entry amount in minor currency units (cents).
func (e *BatchEntry) MinorUnits() int64 {
	return e.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// Batch is an immutable, dated group of collection entries. Once exported it
// can only be superseded by a correcting batch, never mutated.
type Batch struct {
	UUID           uuid.UUID       `db:"uuid"`
	CollectionDate time.Time       `db:"collection_date"`
	Entries        []BatchEntry
	Total          decimal.Decimal `db:"total"`
	Status         BatchStatus     `db:"status"`
	CreatedAt      time.Time       `db:"created_at"`
}

// CoverageGap is an invoice that should have been collected but was excluded
// because its mandate is missing or unusable. Always surfaced, never dropped.
type CoverageGap struct {
	InvoiceID string `json:"invoice_id"`
	PayerID   string `json:"payer_id"`
	Reason    string `json:"reason"`
}

// BuildResult is what a batch build returns to its caller: the batch plus
// everything that was excluded and why.
type BuildResult struct {
	Batch *Batch
	Gaps  []CoverageGap
	// ContestedInvoices lost their claim to a concurrent build. Not an
	// error; they are picked up by the next trigger.
	ContestedInvoices []string
}
