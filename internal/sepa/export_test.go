package sepa_test

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassoc/sepa-collector/internal/config"
	"github.com/openassoc/sepa-collector/internal/sepa"
	"github.com/openassoc/sepa-collector/internal/types"
)

var testCreditor = config.Creditor{
	Name:       "Vereniging De Toekomst",
	IBAN:       "NL39RABO0300065264",
	BIC:        "RABONL2U",
	CreditorID: "NL98ZZZ999999990000",
}

func amount(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func entry(invoiceID string, seq types.SequenceType, amt string) types.BatchEntry {
	return types.BatchEntry{
		InvoiceID:      invoiceID,
		MandateID:      "MND-1",
		MandateRef:     "REF-MND-1",
		DebtorName:     "J. Jansen",
		IBAN:           "NL91ABNA0417164300",
		BIC:            "ABNANL2A",
		SignDate:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Amount:         amount(amt),
		Currency:       "EUR",
		Sequence:       seq,
		EndToEndID:     "E2E-" + invoiceID,
		Status:         types.EntryPending,
		CollectionDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testBatch(entries ...types.BatchEntry) *types.Batch {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return &types.Batch{
		UUID:           uuid.New(),
		CollectionDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Entries:        entries,
		Total:          total,
		Status:         types.BatchDraft,
	}
}

// Minimal parse-back structure to verify the document layout.
type parsedDoc struct {
	XMLName xml.Name `xml:"Document"`
	Initn   struct {
		GrpHdr struct {
			NbOfTxs string `xml:"NbOfTxs"`
			CtrlSum string `xml:"CtrlSum"`
		} `xml:"GrpHdr"`
		PmtInf []struct {
			NbOfTxs  string `xml:"NbOfTxs"`
			CtrlSum  string `xml:"CtrlSum"`
			PmtTpInf struct {
				SeqTp string `xml:"SeqTp"`
			} `xml:"PmtTpInf"`
			ReqdColltnDt string `xml:"ReqdColltnDt"`
			Txs          []struct {
				PmtID struct {
					EndToEndID string `xml:"EndToEndId"`
				} `xml:"PmtId"`
				InstdAmt struct {
					Value string `xml:",chardata"`
					Ccy   string `xml:"Ccy,attr"`
				} `xml:"InstdAmt"`
			} `xml:"DrctDbtTxInf"`
		} `xml:"PmtInf"`
	} `xml:"CstmrDrctDbtInitn"`
}

func TestExport(t *testing.T) {
	t.Run("splits sequence types into separate payment blocks", func(t *testing.T) {
		exporter := sepa.NewExporter(testCreditor)

		out, err := exporter.Export(testBatch(
			entry("INV-1", types.SequenceFirst, "12.50"),
			entry("INV-2", types.SequenceRecurring, "22.50"),
			entry("INV-3", types.SequenceRecurring, "5.00"),
		))
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(string(out), xml.Header))
		assert.Contains(t, string(out),
			`urn:iso:std:iso:20022:tech:xsd:pain.008.001.08`)

		var doc parsedDoc
		require.NoError(t, xml.Unmarshal(out, &doc))

		assert.Equal(t, "3", doc.Initn.GrpHdr.NbOfTxs)
		assert.Equal(t, "40.00", doc.Initn.GrpHdr.CtrlSum)

		require.Len(t, doc.Initn.PmtInf, 2)

		frst := doc.Initn.PmtInf[0]
		assert.Equal(t, "FRST", frst.PmtTpInf.SeqTp)
		assert.Equal(t, "1", frst.NbOfTxs)
		assert.Equal(t, "12.50", frst.CtrlSum)
		assert.Equal(t, "2026-03-01", frst.ReqdColltnDt)
		require.Len(t, frst.Txs, 1)
		assert.Equal(t, "E2E-INV-1", frst.Txs[0].PmtID.EndToEndID)
		assert.Equal(t, "EUR", frst.Txs[0].InstdAmt.Ccy)

		rcur := doc.Initn.PmtInf[1]
		assert.Equal(t, "RCUR", rcur.PmtTpInf.SeqTp)
		assert.Equal(t, "2", rcur.NbOfTxs)
		assert.Equal(t, "27.50", rcur.CtrlSum)
	})

	t.Run("single sequence type produces one block", func(t *testing.T) {
		exporter := sepa.NewExporter(testCreditor)

		out, err := exporter.Export(testBatch(
			entry("INV-1", types.SequenceRecurring, "10.00"),
		))
		require.NoError(t, err)

		var doc parsedDoc
		require.NoError(t, xml.Unmarshal(out, &doc))
		require.Len(t, doc.Initn.PmtInf, 1)
		assert.Equal(t, "RCUR", doc.Initn.PmtInf[0].PmtTpInf.SeqTp)
	})

	t.Run("empty batch is refused", func(t *testing.T) {
		exporter := sepa.NewExporter(testCreditor)

		_, err := exporter.Export(testBatch())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no entries")
	})

	t.Run("incomplete creditor configuration is refused", func(t *testing.T) {
		creditor := testCreditor
		creditor.CreditorID = ""
		exporter := sepa.NewExporter(creditor)

		_, err := exporter.Export(testBatch(
			entry("INV-1", types.SequenceFirst, "10.00"),
		))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "creditor scheme id")
	})

	t.Run("missing entry fields are named in the error", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*types.BatchEntry)
			want   string
		}{
			{"missing IBAN", func(e *types.BatchEntry) { e.IBAN = "" }, "missing debtor IBAN"},
			{"missing mandate reference", func(e *types.BatchEntry) { e.MandateRef = "" }, "missing mandate reference"},
			{"missing sign date", func(e *types.BatchEntry) { e.SignDate = time.Time{} }, "missing mandate signing date"},
			{"zero amount", func(e *types.BatchEntry) { e.Amount = decimal.Zero }, "not positive"},
			{"bad sequence", func(e *types.BatchEntry) { e.Sequence = "ONCE" }, "invalid sequence type"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				e := entry("INV-1", types.SequenceFirst, "10.00")
				tt.mutate(&e)

				exporter := sepa.NewExporter(testCreditor)
				_, err := exporter.Export(testBatch(e))
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.want)
			})
		}
	})
}
