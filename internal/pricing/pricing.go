// Package pricing computes the monetary cost of synthesis calls.
// Costs are decimal values, never floats: accrued amounts as small as
// a few millionths of a dollar must survive persistence exactly.
package pricing

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/speakselect/ttsgate/internal/request"
)

// Provider rates in dollars per one million characters.
var (
	rateStandard = decimal.RequireFromString("4.00")
	ratePremium  = decimal.RequireFromString("16.00")

	million = decimal.NewFromInt(1_000_000)
)

// CostRecorder accepts accrued costs for later aggregation. The quota
// limiter satisfies this against the day's usage counter.
type CostRecorder interface {
	RecordCost(ctx context.Context, identity, day string, cost decimal.Decimal) error
}

// Accountant prices non-cached synthesis calls and records what they
// cost. Cache hits are never priced; they cost exactly zero.
type Accountant struct {
	recorder CostRecorder
}

// NewAccountant creates an accountant recording into rec.
func NewAccountant(rec CostRecorder) *Accountant {
	return &Accountant{recorder: rec}
}

// RatePerMillion returns the dollar rate per million characters for a
// voice tier. Unknown tiers are billed at the premium rate so a
// mapping bug can never undercharge.
func RatePerMillion(tier request.VoiceTier) decimal.Decimal {
	if tier == request.TierStandard {
		return rateStandard
	}
	return ratePremium
}

// Price returns the exact cost of synthesizing characterCount
// characters at the given tier: characterCount / 1,000,000 x rate.
func Price(characterCount int, tier request.VoiceTier) decimal.Decimal {
	return decimal.NewFromInt(int64(characterCount)).
		Mul(RatePerMillion(tier)).
		Div(million)
}

// Record adds cost to the identity's counter for the day. Negative
// amounts are ignored; accrued cost only grows.
func (a *Accountant) Record(ctx context.Context, identity, day string, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return nil
	}
	return a.recorder.RecordCost(ctx, identity, day, cost)
}
