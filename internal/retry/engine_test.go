package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassoc/sepa-collector/internal/config"
	"github.com/openassoc/sepa-collector/internal/types"
)

type mockRetryRepo struct {
	records map[string]types.RetryRecord
	saved   []types.RetryRecord
}

func newMockRetryRepo() *mockRetryRepo {
	return &mockRetryRepo{records: map[string]types.RetryRecord{}}
}

func (m *mockRetryRepo) DueRetries(_ context.Context, now time.Time, _ int64) (
	[]types.RetryRecord, error) {

	var due []types.RetryRecord
	for _, r := range m.records {
		if r.Status == types.RetryScheduled && !r.NextRetry.After(now) {
			due = append(due, r)
		}
	}
	return due, nil
}

func (m *mockRetryRepo) RetryByInvoice(_ context.Context, invoiceID string) (
	*types.RetryRecord, error) {

	r, ok := m.records[invoiceID]
	if !ok {
		return nil, ErrNoRetryRecord
	}
	return &r, nil
}

func (m *mockRetryRepo) SaveRetry(_ context.Context, record types.RetryRecord) error {
	m.records[record.InvoiceID] = record
	m.saved = append(m.saved, record)
	return nil
}

type mockSubmitter struct {
	err   error
	calls int
}

func (m *mockSubmitter) Submit(_ context.Context, _ types.RetryRecord) error {
	m.calls++
	return m.err
}

type mockRetryEvents struct {
	escalated []types.RetryRecord
}

func (m *mockRetryEvents) RetryEscalated(_ context.Context, record types.RetryRecord) {
	m.escalated = append(m.escalated, record)
}

func testRetryConfig() *config.Retry {
	return &config.Retry{
		MaxAttempts:      3,
		BaseDelay:        time.Hour,
		MaxDelay:         72 * time.Hour,
		AuthDelay:        24 * time.Hour,
		AuthMaxAttempts:  2,
		FailureThreshold: 5,
		CoolDown:         5 * time.Minute,
		PollInterval:     time.Minute,
		PollBatchSize:    100,
		SubmitTimeout:    time.Second,
	}
}

func newTestEngine(repo Repository, submitter Submitter,
	events Events) (*Engine, time.Time) {

	cfg := testRetryConfig()
	e := NewEngine(cfg, repo, NewBreaker(cfg.FailureThreshold, cfg.CoolDown),
		submitter, events)

	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }
	e.backoff.Jitter = 0

	return e, fixed
}

func TestSchedule(t *testing.T) {
	t.Run("temporary failure gets a future retry", func(t *testing.T) {
		repo := newMockRetryRepo()
		e, now := newTestEngine(repo, nil, nil)

		record, err := e.Schedule(context.Background(),
			"INV-1", "MND-1", "batch-1", "AM04")
		require.NoError(t, err)

		assert.Equal(t, types.RetryScheduled, record.Status)
		assert.Equal(t, types.FailureTemporary, record.Class)
		assert.Equal(t, 1, record.Attempt)
		assert.Equal(t, now.Add(2*time.Hour), record.NextRetry)
	})

	t.Run("validation failure escalates immediately", func(t *testing.T) {
		repo := newMockRetryRepo()
		events := &mockRetryEvents{}
		e, _ := newTestEngine(repo, nil, events)

		record, err := e.Schedule(context.Background(),
			"INV-1", "MND-1", "batch-1", "AC01")
		require.NoError(t, err)

		assert.Equal(t, types.RetryEscalated, record.Status)
		assert.Len(t, events.escalated, 1)
	})

	t.Run("data failure escalates immediately", func(t *testing.T) {
		repo := newMockRetryRepo()
		e, _ := newTestEngine(repo, nil, &mockRetryEvents{})

		record, err := e.Schedule(context.Background(),
			"INV-1", "MND-1", "batch-1", "MD01")
		require.NoError(t, err)
		assert.Equal(t, types.RetryEscalated, record.Status)
	})

	t.Run("authorization failure uses the fixed long delay", func(t *testing.T) {
		repo := newMockRetryRepo()
		e, now := newTestEngine(repo, nil, nil)

		record, err := e.Schedule(context.Background(),
			"INV-1", "MND-1", "batch-1", "AG01")
		require.NoError(t, err)

		assert.Equal(t, types.RetryScheduled, record.Status)
		assert.Equal(t, now.Add(24*time.Hour), record.NextRetry)
	})

	t.Run("repeat failures bump the same record until the cap", func(t *testing.T) {
		repo := newMockRetryRepo()
		events := &mockRetryEvents{}
		e, _ := newTestEngine(repo, nil, events)

		for i := 0; i < 2; i++ {
			_, err := e.Schedule(context.Background(),
				"INV-1", "MND-1", "batch-1", "AM04")
			require.NoError(t, err)
		}

		record, err := e.Schedule(context.Background(),
			"INV-1", "MND-1", "batch-1", "AM04")
		require.NoError(t, err)

		assert.Equal(t, 3, record.Attempt)
		assert.Equal(t, types.RetryEscalated, record.Status)
		assert.Len(t, repo.records, 1)
		assert.Len(t, events.escalated, 1)
	})
}

func TestResolve(t *testing.T) {
	t.Run("scheduled record is resolved", func(t *testing.T) {
		repo := newMockRetryRepo()
		e, _ := newTestEngine(repo, nil, nil)

		_, err := e.Schedule(context.Background(),
			"INV-1", "MND-1", "batch-1", "AM04")
		require.NoError(t, err)

		require.NoError(t, e.Resolve(context.Background(), "INV-1"))
		assert.Equal(t, types.RetryResolved, repo.records["INV-1"].Status)
	})

	t.Run("no record is not an error", func(t *testing.T) {
		e, _ := newTestEngine(newMockRetryRepo(), nil, nil)
		assert.NoError(t, e.Resolve(context.Background(), "INV-404"))
	})

	t.Run("escalated records stay escalated", func(t *testing.T) {
		repo := newMockRetryRepo()
		e, _ := newTestEngine(repo, nil, &mockRetryEvents{})

		_, err := e.Schedule(context.Background(),
			"INV-1", "MND-1", "batch-1", "AC01")
		require.NoError(t, err)

		require.NoError(t, e.Resolve(context.Background(), "INV-1"))
		assert.Equal(t, types.RetryEscalated, repo.records["INV-1"].Status)
	})
}

func TestExecute(t *testing.T) {
	scheduled := func(attempt int) types.RetryRecord {
		return types.RetryRecord{
			ID:        "r-1",
			InvoiceID: "INV-1",
			MandateID: "MND-1",
			BatchUUID: "batch-1",
			Class:     types.FailureTemporary,
			Attempt:   attempt,
			Status:    types.RetryScheduled,
		}
	}

	t.Run("successful submission marks the record retried", func(t *testing.T) {
		repo := newMockRetryRepo()
		submitter := &mockSubmitter{}
		e, _ := newTestEngine(repo, submitter, nil)

		e.execute(context.Background(), scheduled(1))

		assert.Equal(t, 1, submitter.calls)
		assert.Equal(t, types.RetryRetried, repo.records["INV-1"].Status)
		assert.Equal(t, BreakerClosed, e.breaker.State())
	})

	t.Run("failed submission reschedules with the next attempt", func(t *testing.T) {
		repo := newMockRetryRepo()
		submitter := &mockSubmitter{err: errors.New("bank timeout")}
		e, now := newTestEngine(repo, submitter, nil)

		e.execute(context.Background(), scheduled(1))

		record := repo.records["INV-1"]
		assert.Equal(t, types.RetryScheduled, record.Status)
		assert.Equal(t, 2, record.Attempt)
		assert.Equal(t, now.Add(4*time.Hour), record.NextRetry)
	})

	t.Run("failure at the attempt cap escalates", func(t *testing.T) {
		repo := newMockRetryRepo()
		events := &mockRetryEvents{}
		submitter := &mockSubmitter{err: errors.New("bank timeout")}
		e, _ := newTestEngine(repo, submitter, events)

		e.execute(context.Background(), scheduled(2))

		assert.Equal(t, types.RetryEscalated, repo.records["INV-1"].Status)
		assert.Len(t, events.escalated, 1)
	})

	t.Run("shutdown cancellation is not a bank failure", func(t *testing.T) {
		repo := newMockRetryRepo()
		submitter := &mockSubmitter{err: fmt.Errorf("submit: %w", context.Canceled)}
		e, _ := newTestEngine(repo, submitter, nil)

		e.execute(context.Background(), scheduled(1))

		// No attempt bump, no breaker failure: the record stays due for the
		// next process to pick up.
		assert.Equal(t, 1, submitter.calls)
		assert.Empty(t, repo.saved)
		assert.Equal(t, BreakerClosed, e.breaker.State())
		assert.NoError(t, e.breaker.Allow())
	})

	t.Run("open breaker defers without contacting the bank", func(t *testing.T) {
		repo := newMockRetryRepo()
		submitter := &mockSubmitter{}
		e, now := newTestEngine(repo, submitter, nil)

		for i := 0; i < testRetryConfig().FailureThreshold; i++ {
			e.breaker.Failure()
		}
		require.Equal(t, BreakerOpen, e.breaker.State())

		e.execute(context.Background(), scheduled(1))

		assert.Equal(t, 0, submitter.calls)
		record := repo.records["INV-1"]
		assert.Equal(t, now.Add(5*time.Minute), record.NextRetry)
		assert.Equal(t, types.RetryScheduled, record.Status)
	})
}
