package sequence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassoc/sepa-collector/internal/sequence"
	"github.com/openassoc/sepa-collector/internal/types"
)

type mockMandateReader struct {
	mandates map[string]*types.Mandate
	calls    int
}

func (m *mockMandateReader) Get(_ context.Context, mandateID string) (*types.Mandate, error) {
	m.calls++
	mandate, ok := m.mandates[mandateID]
	if !ok {
		return nil, fmt.Errorf("mandate %s not found", mandateID)
	}
	return mandate, nil
}

func usage(seq types.SequenceType, state types.UsageState) types.MandateUsage {
	return types.MandateUsage{
		CollectionDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Sequence:       seq,
		State:          state,
		RecordedAt:     time.Now().UTC(),
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name  string
		usage []types.MandateUsage
		want  types.SequenceType
	}{
		{
			name:  "mandate never used",
			usage: nil,
			want:  types.SequenceFirst,
		},
		{
			name:  "settled usage",
			usage: []types.MandateUsage{usage(types.SequenceFirst, types.UsageSettled)},
			want:  types.SequenceRecurring,
		},
		{
			name:  "pending usage counts as used",
			usage: []types.MandateUsage{usage(types.SequenceFirst, types.UsagePending)},
			want:  types.SequenceRecurring,
		},
		{
			name:  "failed first attempt keeps FRST",
			usage: []types.MandateUsage{usage(types.SequenceFirst, types.UsageFailed)},
			want:  types.SequenceFirst,
		},
		{
			name:  "aborted first attempt keeps FRST",
			usage: []types.MandateUsage{usage(types.SequenceFirst, types.UsageAborted)},
			want:  types.SequenceFirst,
		},
		{
			name: "failed first then settled retry",
			usage: []types.MandateUsage{
				usage(types.SequenceFirst, types.UsageFailed),
				usage(types.SequenceFirst, types.UsageSettled),
			},
			want: types.SequenceRecurring,
		},
		{
			name:  "only a failed recurring collection",
			usage: []types.MandateUsage{usage(types.SequenceRecurring, types.UsageFailed)},
			want:  types.SequenceRecurring,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &mockMandateReader{mandates: map[string]*types.Mandate{
				"MND-1": {
					ID:     "MND-1",
					Status: types.MandateActive,
					Usage:  tt.usage,
				},
			}}

			resolver := sequence.NewResolver(reader)

			got, err := resolver.Resolve(context.Background(), "MND-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveBatch(t *testing.T) {
	t.Run("classifies every mandate once", func(t *testing.T) {
		reader := &mockMandateReader{mandates: map[string]*types.Mandate{
			"MND-1": {ID: "MND-1", Status: types.MandateActive},
			"MND-2": {
				ID:     "MND-2",
				Status: types.MandateActive,
				Usage:  []types.MandateUsage{usage(types.SequenceFirst, types.UsageSettled)},
			},
		}}

		resolver := sequence.NewResolver(reader)

		got, err := resolver.ResolveBatch(context.Background(),
			[]string{"MND-1", "MND-2", "MND-1"})
		require.NoError(t, err)

		assert.Equal(t, map[string]types.SequenceType{
			"MND-1": types.SequenceFirst,
			"MND-2": types.SequenceRecurring,
		}, got)
		assert.Equal(t, 2, reader.calls)
	})

	t.Run("propagates lookup errors", func(t *testing.T) {
		resolver := sequence.NewResolver(&mockMandateReader{})

		_, err := resolver.ResolveBatch(context.Background(), []string{"MND-9"})
		require.Error(t, err)
	})
}
