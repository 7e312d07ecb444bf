package bank_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassoc/sepa-collector/internal/bank"
	"github.com/openassoc/sepa-collector/internal/config"
	"github.com/openassoc/sepa-collector/internal/sepa"
	"github.com/openassoc/sepa-collector/internal/types"
)

type mockRepo struct {
	batch     *types.Batch
	persisted []*types.Batch
	statuses  map[uuid.UUID]types.BatchStatus
}

func (m *mockRepo) BatchByUUID(_ context.Context, batchUUID uuid.UUID) (
	*types.Batch, error) {

	if m.batch == nil || m.batch.UUID != batchUUID {
		return nil, errors.New("batch not found")
	}
	return m.batch, nil
}

func (m *mockRepo) PersistBatch(_ context.Context, batch *types.Batch) error {
	m.persisted = append(m.persisted, batch)
	return nil
}

func (m *mockRepo) UpdateBatchStatus(_ context.Context, batchUUID uuid.UUID,
	status types.BatchStatus) error {

	if m.statuses == nil {
		m.statuses = map[uuid.UUID]types.BatchStatus{}
	}
	m.statuses[batchUUID] = status
	return nil
}

type mockMandates struct {
	usages  []types.MandateUsage
	aborted []time.Time
}

func (m *mockMandates) RecordUsage(_ context.Context, _ string,
	usage types.MandateUsage) error {

	m.usages = append(m.usages, usage)
	return nil
}

func (m *mockMandates) MarkUsageAborted(_ context.Context, _ string,
	collectionDate time.Time) error {

	m.aborted = append(m.aborted, collectionDate)
	return nil
}

func originalBatch() *types.Batch {
	entry := types.BatchEntry{
		InvoiceID:      "INV-1",
		MandateID:      "MND-1",
		MandateRef:     "REF-MND-1",
		DebtorName:     "J. Jansen",
		IBAN:           "NL91ABNA0417164300",
		BIC:            "ABNANL2A",
		SignDate:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Amount:         decimal.RequireFromString("12.50"),
		Currency:       "EUR",
		Sequence:       types.SequenceFirst,
		EndToEndID:     "E2E-INV-1",
		Status:         types.EntryFailed,
		CollectionDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	batchUUID := uuid.New()
	entry.BatchUUID = batchUUID

	return &types.Batch{
		UUID:           batchUUID,
		CollectionDate: entry.CollectionDate,
		Entries:        []types.BatchEntry{entry},
		Total:          entry.Amount,
		Status:         types.BatchSubmitted,
	}
}

var creditor = config.Creditor{
	Name:       "Vereniging De Toekomst",
	IBAN:       "NL39RABO0300065264",
	BIC:        "RABONL2U",
	CreditorID: "NL98ZZZ999999990000",
}

func TestSubmit(t *testing.T) {
	t.Run("failed FRST goes out as FRST again", func(t *testing.T) {
		var gotBody []byte
		var gotAuth string

		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotBody, _ = io.ReadAll(r.Body)
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(http.StatusCreated)
			}))
		defer server.Close()

		client := bank.NewClient(&bank.Config{
			BaseURL: server.URL,
			Token:   "secret",
			Timeout: 5 * time.Second,
		})

		repo := &mockRepo{batch: originalBatch()}
		mandates := &mockMandates{}
		resubmitter := bank.NewResubmitter(client, sepa.NewExporter(creditor),
			repo, mandates, 5)

		err := resubmitter.Submit(context.Background(), types.RetryRecord{
			InvoiceID: "INV-1",
			MandateID: "MND-1",
			BatchUUID: repo.batch.UUID.String(),
			Attempt:   1,
		})
		require.NoError(t, err)

		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Contains(t, string(gotBody), "<SeqTp>FRST</SeqTp>")
		assert.Contains(t, string(gotBody), "E2E-INV-1-R1")
	})

	t.Run("retry batch is persisted before it reaches the bank", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
			}))
		defer server.Close()

		client := bank.NewClient(&bank.Config{
			BaseURL: server.URL,
			Timeout: 5 * time.Second,
		})

		repo := &mockRepo{batch: originalBatch()}
		mandates := &mockMandates{}
		resubmitter := bank.NewResubmitter(client, sepa.NewExporter(creditor),
			repo, mandates, 5)

		err := resubmitter.Submit(context.Background(), types.RetryRecord{
			InvoiceID: "INV-1",
			MandateID: "MND-1",
			BatchUUID: repo.batch.UUID.String(),
			Attempt:   2,
		})
		require.NoError(t, err)

		// The new batch with the pushed-forward collection date is in the
		// store, so the bank's report on the retry matches an open entry.
		require.Len(t, repo.persisted, 1)
		persisted := repo.persisted[0]
		assert.NotEqual(t, repo.batch.UUID, persisted.UUID)
		assert.True(t, persisted.CollectionDate.After(repo.batch.CollectionDate))

		require.Len(t, persisted.Entries, 1)
		entry := persisted.Entries[0]
		assert.Equal(t, persisted.UUID, entry.BatchUUID)
		assert.Equal(t, "E2E-INV-1-R2", entry.EndToEndID)
		assert.Equal(t, types.SequenceFirst, entry.Sequence)
		assert.Equal(t, types.EntryPending, entry.Status)
		assert.Equal(t, persisted.CollectionDate, entry.CollectionDate)

		// An in-flight usage for the new date, settled or failed by the
		// bank's report later.
		require.Len(t, mandates.usages, 1)
		assert.Equal(t, types.UsagePending, mandates.usages[0].State)
		assert.Equal(t, persisted.CollectionDate, mandates.usages[0].CollectionDate)
		assert.Empty(t, mandates.aborted)

		assert.Equal(t, types.BatchSubmitted, repo.statuses[persisted.UUID])
	})

	t.Run("bank rejection surfaces the response body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("maintenance window"))
			}))
		defer server.Close()

		client := bank.NewClient(&bank.Config{
			BaseURL: server.URL,
			Timeout: 5 * time.Second,
		})

		repo := &mockRepo{batch: originalBatch()}
		mandates := &mockMandates{}
		resubmitter := bank.NewResubmitter(client, sepa.NewExporter(creditor),
			repo, mandates, 5)

		err := resubmitter.Submit(context.Background(), types.RetryRecord{
			InvoiceID: "INV-1",
			BatchUUID: repo.batch.UUID.String(),
			Attempt:   1,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maintenance window")

		// The rejected attempt is unwound: usage aborted, batch failed.
		require.Len(t, repo.persisted, 1)
		assert.Len(t, mandates.aborted, 1)
		assert.Equal(t, types.BatchFailed, repo.statuses[repo.persisted[0].UUID])
	})

	t.Run("unknown invoice in the batch is an error", func(t *testing.T) {
		repo := &mockRepo{batch: originalBatch()}
		client := bank.NewClient(&bank.Config{BaseURL: "http://localhost:0"})
		resubmitter := bank.NewResubmitter(client, sepa.NewExporter(creditor),
			repo, &mockMandates{}, 5)

		err := resubmitter.Submit(context.Background(), types.RetryRecord{
			InvoiceID: "INV-404",
			BatchUUID: repo.batch.UUID.String(),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "entry not found")
		assert.Empty(t, repo.persisted)
	})
}
