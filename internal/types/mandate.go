package types

import (
	"time"
)

type MandateStatus string

const (
	MandateActive    MandateStatus = "active"
	MandateCancelled MandateStatus = "cancelled"
	MandateExpired   MandateStatus = "expired"
)

type SequenceType string

const (
	SequenceFirst     SequenceType = "FRST"
	SequenceRecurring SequenceType = "RCUR"
)

type UsageState string

const (
	// UsagePending means the collection is in an exported batch but the bank
	// has not confirmed settlement yet.
	UsagePending UsageState = "pending"
	UsageSettled UsageState = "settled"
	UsageFailed  UsageState = "failed"
	// UsageAborted means the batch carrying this collection was aborted
	// before export; the attempt never reached the bank.
	UsageAborted UsageState = "aborted"
)

// MandateUsage is one collection attempt recorded against a mandate.
// The ordered usage history is what the sequence resolver works from,
// so it includes pending and failed attempts, not only settled ones.
type MandateUsage struct {
	CollectionDate time.Time    `db:"collection_date"`
	Sequence       SequenceType `db:"sequence_type"`
	State          UsageState   `db:"state"`
	InvoiceID      string       `db:"invoice_id"`
	// OutOfOrder marks a usage that settled after a later regular
	// collection for the same mandate. Flagged for manual review,
	// never reordered.
	OutOfOrder bool      `db:"out_of_order"`
	RecordedAt time.Time `db:"recorded_at"`
}

// Mandate is a payer's standing authorization for direct-debit collection.
// Never hard-deleted; the usage history must survive for audit.
type Mandate struct {
	ID         string        `db:"id"`
	Reference  string        `db:"reference"`
	PayerID    string        `db:"payer_id"`
	IBAN       string        `db:"iban"`
	BIC        string        `db:"bic"`
	HolderName string        `db:"holder_name"`
	SignDate   time.Time     `db:"sign_date"`
	Status     MandateStatus `db:"status"`
	Usage      []MandateUsage
}

// HasSettledUsage reports whether any collection under this mandate has
// been confirmed by the bank.
func (m *Mandate) HasSettledUsage() bool {
	for _, u := range m.Usage {
		if u.State == UsageSettled {
			return true
		}
	}
	return false
}

// HasPendingUsage reports whether a collection is currently in flight.
func (m *Mandate) HasPendingUsage() bool {
	for _, u := range m.Usage {
		if u.State == UsagePending {
			return true
		}
	}
	return false
}

// HasFailedFirstUsage reports whether a FRST collection was attempted but
// never settled (bank failure or aborted batch). A retry of that collection
// must reuse FRST, not be silently downgraded to RCUR.
func (m *Mandate) HasFailedFirstUsage() bool {
	for _, u := range m.Usage {
		if u.Sequence == SequenceFirst &&
			(u.State == UsageFailed || u.State == UsageAborted) {
			return true
		}
	}
	return false
}

// LatestSettledDate returns the collection date of the most recent settled
// usage, or the zero time if nothing has settled yet.
func (m *Mandate) LatestSettledDate() time.Time {
	var latest time.Time
	for _, u := range m.Usage {
		if u.State == UsageSettled && u.CollectionDate.After(latest) {
			latest = u.CollectionDate
		}
	}
	return latest
}
