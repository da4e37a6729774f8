package pricing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/speakselect/ttsgate/internal/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrice_Table(t *testing.T) {
	tests := []struct {
		name  string
		chars int
		tier  request.VoiceTier
		want  string
	}{
		{"one million premium", 1_000_000, request.TierPremium, "16.00"},
		{"one million neural", 1_000_000, request.TierNeural, "16.00"},
		{"one million standard", 1_000_000, request.TierStandard, "4.00"},
		{"small standard", 77, request.TierStandard, "0.000308"},
		{"tiny standard", 5, request.TierStandard, "0.00002"},
		{"single premium char", 1, request.TierPremium, "0.000016"},
		{"zero chars", 0, request.TierStandard, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Price(tt.chars, tt.tier)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				"Price(%d, %s) = %s, want %s", tt.chars, tt.tier, got, tt.want)
		})
	}
}

func TestPrice_RoundTripsThroughString(t *testing.T) {
	// Costs persist as decimal strings; re-parsing must be lossless
	// well past six decimal places.
	cost := Price(77, request.TierNeural) // 0.001232
	parsed, err := decimal.NewFromString(cost.String())
	require.NoError(t, err)
	assert.True(t, cost.Equal(parsed), "cost %s did not round-trip", cost)

	tiny := Price(1, request.TierStandard) // 0.000004
	assert.Equal(t, "0.000004", tiny.String())
}

func TestRatePerMillion_UnknownTierBillsPremium(t *testing.T) {
	rate := RatePerMillion(request.VoiceTier("mystery"))
	assert.True(t, rate.Equal(decimal.RequireFromString("16.00")))
}

type recordedCost struct {
	identity string
	day      string
	cost     decimal.Decimal
}

type fakeRecorder struct {
	records []recordedCost
}

func (f *fakeRecorder) RecordCost(_ context.Context, identity, day string, cost decimal.Decimal) error {
	f.records = append(f.records, recordedCost{identity, day, cost})
	return nil
}

func TestAccountant_Record(t *testing.T) {
	rec := &fakeRecorder{}
	acct := NewAccountant(rec)

	cost := Price(5, request.TierStandard)
	require.NoError(t, acct.Record(context.Background(), "u1", "2025-06-01", cost))

	require.Len(t, rec.records, 1)
	assert.Equal(t, "u1", rec.records[0].identity)
	assert.True(t, rec.records[0].cost.Equal(decimal.RequireFromString("0.00002")))
}

func TestAccountant_IgnoresNegative(t *testing.T) {
	rec := &fakeRecorder{}
	acct := NewAccountant(rec)

	require.NoError(t, acct.Record(context.Background(), "u1", "2025-06-01", decimal.NewFromInt(-1)))
	assert.Empty(t, rec.records)
}
