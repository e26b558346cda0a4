package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/0x0shephard/t4-bot/internal/errors"
)

func TestDeviationGuard(t *testing.T) {
	guard := DeviationGuard{MaxDeviation: DefaultMaxDeviation}
	previous := &IndexSnapshot{IndexPrice: d("0.50")}

	lower, upper := guard.Bounds(previous.IndexPrice)
	assert.Equal(t, "0.4", lower.String())
	assert.Equal(t, "0.6", upper.String())

	tests := []struct {
		next string
		ok   bool
	}{
		{"0.50", true},
		{"0.40", true},
		{"0.60", true},
		{"0.39", false},
		{"0.61", false},
		{"5.00", false},
	}
	for _, tt := range tests {
		err := guard.Check(previous, d(tt.next))
		if tt.ok {
			assert.NoError(t, err, tt.next)
		} else {
			assert.True(t, errors.HasCode(err, errors.ErrCodePriceDeviation), tt.next)
		}
	}
}

func TestDeviationGuardFirstSnapshotAndDisabled(t *testing.T) {
	guard := DeviationGuard{MaxDeviation: DefaultMaxDeviation}
	assert.NoError(t, guard.Check(nil, d("100")))

	disabled := DeviationGuard{MaxDeviation: decimal.Zero}
	assert.NoError(t, disabled.Check(&IndexSnapshot{IndexPrice: d("1")}, d("100")))
}
