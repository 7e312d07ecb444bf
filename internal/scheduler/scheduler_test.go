package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassoc/sepa-collector/internal/config"
	"github.com/openassoc/sepa-collector/internal/retry"
	"github.com/openassoc/sepa-collector/internal/types"
)

type mockBuilder struct {
	built    []time.Time
	exported []uuid.UUID
	result   *types.BuildResult
}

func (m *mockBuilder) Build(_ context.Context, collectionDate time.Time) (
	*types.BuildResult, error) {

	m.built = append(m.built, collectionDate)
	if m.result != nil {
		return m.result, nil
	}
	return &types.BuildResult{}, nil
}

func (m *mockBuilder) MarkExported(_ context.Context, batchUUID uuid.UUID) error {
	m.exported = append(m.exported, batchUUID)
	return nil
}

type mockExporter struct{}

func (m *mockExporter) Export(_ *types.Batch) ([]byte, error) {
	return []byte("<Document/>"), nil
}

type mockSubmitter struct {
	submitted []string
	err       error
}

func (m *mockSubmitter) SubmitFile(_ context.Context, filename string,
	_ []byte) error {

	if m.err != nil {
		return m.err
	}
	m.submitted = append(m.submitted, filename)
	return nil
}

type mockSchedRepo struct {
	batches  map[uuid.UUID]*types.Batch
	due      []uuid.UUID
	statuses map[uuid.UUID]types.BatchStatus
}

func (m *mockSchedRepo) BatchByUUID(_ context.Context, batchUUID uuid.UUID) (
	*types.Batch, error) {

	b, ok := m.batches[batchUUID]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

func (m *mockSchedRepo) ExportedBatchesBefore(_ context.Context, _ time.Time) (
	[]uuid.UUID, error) {

	return m.due, nil
}

func (m *mockSchedRepo) UpdateBatchStatus(_ context.Context, batchUUID uuid.UUID,
	status types.BatchStatus) error {

	if m.statuses == nil {
		m.statuses = map[uuid.UUID]types.BatchStatus{}
	}
	m.statuses[batchUUID] = status
	return nil
}

func exportedBatch() *types.Batch {
	return &types.Batch{
		UUID:           uuid.New(),
		CollectionDate: time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
		Entries:        []types.BatchEntry{{InvoiceID: "INV-1"}},
		Status:         types.BatchExported,
	}
}

func newTestScheduler(builder *mockBuilder, submitter *mockSubmitter,
	repo *mockSchedRepo, now time.Time) *Scheduler {

	s := New(&config.Schedule{
		CollectionDays:   []int{1, 15},
		SubmissionOffset: 2,
		LeadTimeDays:     5,
		CheckInterval:    time.Hour,
	}, builder, &mockExporter{}, submitter, repo, retry.NewBreaker(5, time.Minute))

	s.now = func() time.Time { return now }
	return s
}

func TestTick(t *testing.T) {
	t.Run("collection day builds for today plus lead time", func(t *testing.T) {
		builder := &mockBuilder{}
		repo := &mockSchedRepo{}

		s := newTestScheduler(builder, &mockSubmitter{}, repo,
			time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

		s.tick(context.Background())

		require.Len(t, builder.built, 1)
		assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
			builder.built[0])
	})

	t.Run("a second tick on the same day does not rebuild", func(t *testing.T) {
		builder := &mockBuilder{}

		s := newTestScheduler(builder, &mockSubmitter{}, &mockSchedRepo{},
			time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC))

		s.tick(context.Background())
		s.tick(context.Background())

		assert.Len(t, builder.built, 1)
	})

	t.Run("ordinary days build nothing", func(t *testing.T) {
		builder := &mockBuilder{}

		s := newTestScheduler(builder, &mockSubmitter{}, &mockSchedRepo{},
			time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC))

		s.tick(context.Background())

		assert.Empty(t, builder.built)
	})

	t.Run("built batch is marked exported", func(t *testing.T) {
		batch := exportedBatch()
		builder := &mockBuilder{result: &types.BuildResult{Batch: batch}}

		s := newTestScheduler(builder, &mockSubmitter{}, &mockSchedRepo{},
			time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

		s.tick(context.Background())

		assert.Equal(t, []uuid.UUID{batch.UUID}, builder.exported)
	})
}

func TestSubmitDue(t *testing.T) {
	t.Run("due exported batches are submitted and marked", func(t *testing.T) {
		batch := exportedBatch()
		repo := &mockSchedRepo{
			batches: map[uuid.UUID]*types.Batch{batch.UUID: batch},
			due:     []uuid.UUID{batch.UUID},
		}
		submitter := &mockSubmitter{}

		s := newTestScheduler(&mockBuilder{}, submitter, repo,
			time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC))

		require.NoError(t, s.submitDue(context.Background()))

		require.Len(t, submitter.submitted, 1)
		assert.Contains(t, submitter.submitted[0], "pain008-20260306")
		assert.Equal(t, types.BatchSubmitted, repo.statuses[batch.UUID])
	})

	t.Run("submission failure leaves the batch exported", func(t *testing.T) {
		batch := exportedBatch()
		repo := &mockSchedRepo{
			batches: map[uuid.UUID]*types.Batch{batch.UUID: batch},
			due:     []uuid.UUID{batch.UUID},
		}
		submitter := &mockSubmitter{err: errors.New("bank unreachable")}

		s := newTestScheduler(&mockBuilder{}, submitter, repo,
			time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC))

		require.NoError(t, s.submitDue(context.Background()))

		assert.Empty(t, repo.statuses)
	})

	t.Run("open breaker defers every submission", func(t *testing.T) {
		batch := exportedBatch()
		repo := &mockSchedRepo{
			batches: map[uuid.UUID]*types.Batch{batch.UUID: batch},
			due:     []uuid.UUID{batch.UUID},
		}
		submitter := &mockSubmitter{}

		s := newTestScheduler(&mockBuilder{}, submitter, repo,
			time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC))

		for i := 0; i < 5; i++ {
			s.breaker.Failure()
		}

		require.NoError(t, s.submitDue(context.Background()))

		assert.Empty(t, submitter.submitted)
		assert.Empty(t, repo.statuses)
	})
}
