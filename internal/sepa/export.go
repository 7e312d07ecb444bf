// Package sepa serializes built batches into the bank's pain.008.001.08
// direct-debit dialect. No business validation happens here; the exporter's
// only job is a structurally complete file, and it fails loudly on any
// absent field rather than emitting something the bank would reject.
package sepa

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"time"

	"github.com/openassoc/sepa-collector/internal/config"
	"github.com/openassoc/sepa-collector/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const namespace = "urn:iso:std:iso:20022:tech:xsd:pain.008.001.08"

type Exporter struct {
	creditor config.Creditor
	log      *slog.Logger
}

func NewExporter(creditor config.Creditor) *Exporter {
	return &Exporter{
		creditor: creditor,
		log:      slog.With("component", "sepa-exporter"),
	}
}

// Export renders a batch as a pain.008.001.08 document. Entries are split
// into one payment-information block per sequence type: FRST and RCUR
// collections must never share a PmtInf even within one batch.
func (e *Exporter) Export(batch *types.Batch) ([]byte, error) {
	if err := e.creditor.Validate(); err != nil {
		return nil, fmt.Errorf("export batch %s: %w", batch.UUID, err)
	}

	if len(batch.Entries) == 0 {
		return nil, fmt.Errorf("export batch %s: batch has no entries", batch.UUID)
	}

	if batch.CollectionDate.IsZero() {
		return nil, fmt.Errorf("export batch %s: collection date is not set", batch.UUID)
	}

	for i := range batch.Entries {
		if err := validateEntry(&batch.Entries[i]); err != nil {
			return nil, fmt.Errorf("export batch %s: entry %d: %w",
				batch.UUID, i, err)
		}
	}

	msgID := messageID(batch.UUID)

	doc := pain008Document{
		Xmlns: namespace,
		CstmrDrctDbtInitn: pain008Initiation{
			GrpHdr: pain008GrpHdr{
				MsgID:    msgID,
				CreDtTm:  time.Now().UTC().Format("2006-01-02T15:04:05"),
				NbOfTxs:  fmt.Sprintf("%d", len(batch.Entries)),
				CtrlSum:  batch.Total.StringFixed(2),
				InitgPty: pain008Party{Nm: e.creditor.Name},
			},
		},
	}

	// FRST before RCUR, deterministic file layout.
	for _, seq := range []types.SequenceType{types.SequenceFirst, types.SequenceRecurring} {
		entries := entriesBySequence(batch, seq)
		if len(entries) == 0 {
			continue
		}

		doc.CstmrDrctDbtInitn.PmtInf = append(doc.CstmrDrctDbtInitn.PmtInf,
			e.paymentInfo(batch, msgID, seq, entries))
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export batch %s: marshal: %w", batch.UUID, err)
	}

	e.log.Info(
		"batch exported",
		"batch", batch.UUID,
		"msg_id", msgID,
		"entries", len(batch.Entries),
		"control_sum", batch.Total.StringFixed(2),
	)

	return append([]byte(xml.Header), out...), nil
}

func (e *Exporter) paymentInfo(batch *types.Batch, msgID string,
	seq types.SequenceType, entries []types.BatchEntry) pain008PmtInf {

	total := decimal.Zero
	txs := make([]pain008TxInf, 0, len(entries))

	for _, entry := range entries {
		total = total.Add(entry.Amount)
		txs = append(txs, pain008TxInf{
			PmtID: pain008PmtID{EndToEndID: entry.EndToEndID},
			InstdAmt: pain008Amt{
				Value: entry.Amount.StringFixed(2),
				Ccy:   entry.Currency,
			},
			DrctDbtTx: pain008DrctDbtTx{
				MndtRltdInf: pain008MndtRltdInf{
					MndtID:    entry.MandateRef,
					DtOfSgntr: entry.SignDate.Format("2006-01-02"),
				},
			},
			DbtrAgt:  pain008Agt{FinInstnID: pain008FinInstnID{BIC: entry.BIC}},
			Dbtr:     pain008Party{Nm: entry.DebtorName},
			DbtrAcct: pain008Acct{ID: pain008AcctID{IBAN: entry.IBAN}},
			RmtInf: pain008RmtInf{
				Ustrd: fmt.Sprintf("Invoice %s", entry.InvoiceID),
			},
		})
	}

	return pain008PmtInf{
		PmtInfID:     fmt.Sprintf("%s-%s", msgID, seq),
		PmtMtd:       "DD",
		BtchBookg:    "true",
		NbOfTxs:      fmt.Sprintf("%d", len(entries)),
		CtrlSum:      total.StringFixed(2),
		PmtTpInf: pain008PmtTpInf{
			SvcLvl:    pain008Cd{Cd: "SEPA"},
			LclInstrm: pain008Cd{Cd: "CORE"},
			SeqTp:     string(seq),
		},
		ReqdColltnDt: batch.CollectionDate.Format("2006-01-02"),
		Cdtr:         pain008Party{Nm: e.creditor.Name},
		CdtrAcct:     pain008Acct{ID: pain008AcctID{IBAN: e.creditor.IBAN}},
		CdtrAgt:      pain008Agt{FinInstnID: pain008FinInstnID{BIC: e.creditor.BIC}},
		CdtrSchmeID: pain008CdtrSchmeID{
			ID: pain008SchmeIDWrap{
				PrvtID: pain008PrvtID{
					Othr: pain008Othr{
						ID:      e.creditor.CreditorID,
						SchmeNm: pain008SchmeNm{Prtry: "SEPA"},
					},
				},
			},
		},
		DrctDbtTxInf: txs,
	}
}

func validateEntry(entry *types.BatchEntry) error {
	switch {
	case entry.EndToEndID == "":
		return fmt.Errorf("invoice %s: missing end-to-end id", entry.InvoiceID)
	case entry.MandateRef == "":
		return fmt.Errorf("invoice %s: missing mandate reference", entry.InvoiceID)
	case entry.IBAN == "":
		return fmt.Errorf("invoice %s: missing debtor IBAN", entry.InvoiceID)
	case entry.BIC == "":
		return fmt.Errorf("invoice %s: missing debtor BIC", entry.InvoiceID)
	case entry.DebtorName == "":
		return fmt.Errorf("invoice %s: missing debtor name", entry.InvoiceID)
	case entry.SignDate.IsZero():
		return fmt.Errorf("invoice %s: missing mandate signing date", entry.InvoiceID)
	case entry.Currency == "":
		return fmt.Errorf("invoice %s: missing currency", entry.InvoiceID)
	case !entry.Amount.IsPositive():
		return fmt.Errorf("invoice %s: amount %s is not positive",
			entry.InvoiceID, entry.Amount)
	case entry.Sequence != types.SequenceFirst && entry.Sequence != types.SequenceRecurring:
		return fmt.Errorf("invoice %s: invalid sequence type %q",
			entry.InvoiceID, entry.Sequence)
	}
	return nil
}

func entriesBySequence(batch *types.Batch, seq types.SequenceType) []types.BatchEntry {
	var entries []types.BatchEntry
	for _, entry := range batch.Entries {
		if entry.Sequence == seq {
			entries = append(entries, entry)
		}
	}
	return entries
}

// messageID builds the unique group-header message identifier.
func messageID(batchUUID uuid.UUID) string {
	return "MSG-" + batchUUID.String()
}
