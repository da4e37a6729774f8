// Package quota enforces per-identity daily spending limits for paid
// synthesis calls. Usage is aggregated per (identity, UTC calendar
// day); the check-and-increment on admission is atomic per key so
// concurrent requests cannot jointly cross a limit.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Default per-identity daily limits.
const (
	DefaultDailyCharacterLimit = 50_000
	DefaultDailyRequestLimit   = 1_000
)

// DenyReason explains why an admission was refused.
type DenyReason string

const (
	DenyCharacterLimit DenyReason = "daily_character_limit_exceeded"
	DenyRequestLimit   DenyReason = "daily_request_limit_exceeded"
)

// DeniedError is returned by Admit when the identity is over quota.
type DeniedError struct {
	Identity string
	Reason   DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota denied for %s: %s", e.Identity, e.Reason)
}

// Counter is the per-identity, per-day usage aggregate. It is created
// lazily on the first admitted request of the day and only ever grows;
// retention and archival are external concerns.
type Counter struct {
	CharactersUsed int64           `json:"characters_used"`
	RequestsMade   int64           `json:"requests_made"`
	CostAccrued    decimal.Decimal `json:"cost_accrued"`
}

// Limits bounds a single identity's daily consumption.
type Limits struct {
	DailyCharacterLimit int64 `yaml:"daily_character_limit" mapstructure:"daily_character_limit"`
	DailyRequestLimit   int64 `yaml:"daily_request_limit" mapstructure:"daily_request_limit"`
}

// DefaultLimits returns the stock per-identity limits.
func DefaultLimits() Limits {
	return Limits{
		DailyCharacterLimit: DefaultDailyCharacterLimit,
		DailyRequestLimit:   DefaultDailyRequestLimit,
	}
}

// Day formats the UTC calendar day a counter belongs to. A counter
// never spans two days.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store persists usage counters. Update must apply fn atomically per
// (identity, day) key: no two concurrent Updates for the same key may
// interleave between read and write.
type Store interface {
	// Get returns the counter for the key, zero-valued when absent.
	Get(ctx context.Context, identity, day string) (Counter, error)

	// Update atomically replaces the counter with fn's result. When fn
	// returns an error the counter is left untouched and the error is
	// returned as-is.
	Update(ctx context.Context, identity, day string, fn func(Counter) (Counter, error)) (Counter, error)
}
