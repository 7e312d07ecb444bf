package sepa_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openassoc/sepa-collector/internal/sepa"
)

func TestDeriveBIC(t *testing.T) {
	t.Run("known Dutch banks", func(t *testing.T) {
		tests := []struct {
			iban string
			want string
		}{
			{"NL91ABNA0417164300", "ABNANL2A"},
			{"NL39RABO0300065264", "RABONL2U"},
			{"NL69INGB0123456789", "INGBNL2A"},
			{"nl13 bunq 2025 2016 40", "BUNQNL2A"},
		}

		for _, tt := range tests {
			got, err := sepa.DeriveBIC(tt.iban)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		}
	})

	t.Run("unknown bank code is an error, never a default", func(t *testing.T) {
		_, err := sepa.DeriveBIC("NL00XXXX0000000000")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown bank code")
	})

	t.Run("non-Dutch IBAN", func(t *testing.T) {
		_, err := sepa.DeriveBIC("DE89370400440532013000")
		require.Error(t, err)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := sepa.DeriveBIC("NL91")
		require.Error(t, err)
	})
}
