package quota

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
)

// Limiter gates paid synthesis calls against per-identity daily
// limits. Limits can be overridden per identity tier; the tier of an
// identity is resolved through an optional callback so the limiter
// stays decoupled from whatever account system supplies tiers.
type Limiter struct {
	store Store

	mu       sync.RWMutex
	defaults Limits
	tiers    map[string]Limits
	resolve  func(identity string) string
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithTierLimits installs per-tier limit overrides and the resolver
// mapping an identity to its tier name. Identities resolving to an
// unknown tier fall back to the defaults.
func WithTierLimits(tiers map[string]Limits, resolve func(identity string) string) LimiterOption {
	return func(l *Limiter) {
		l.tiers = tiers
		l.resolve = resolve
	}
}

// NewLimiter creates a limiter over the given store with the given
// default limits. Zero-valued limits fields fall back to the package
// defaults.
func NewLimiter(store Store, defaults Limits, opts ...LimiterOption) *Limiter {
	if defaults.DailyCharacterLimit <= 0 {
		defaults.DailyCharacterLimit = DefaultDailyCharacterLimit
	}
	if defaults.DailyRequestLimit <= 0 {
		defaults.DailyRequestLimit = DefaultDailyRequestLimit
	}

	l := &Limiter{
		store:    store,
		defaults: defaults,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetDefaults swaps the default limits at runtime (config reload).
func (l *Limiter) SetDefaults(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limits.DailyCharacterLimit > 0 {
		l.defaults.DailyCharacterLimit = limits.DailyCharacterLimit
	}
	if limits.DailyRequestLimit > 0 {
		l.defaults.DailyRequestLimit = limits.DailyRequestLimit
	}
	log.Info("quota limits updated",
		"characters", l.defaults.DailyCharacterLimit,
		"requests", l.defaults.DailyRequestLimit)
}

// LimitsFor returns the effective limits for an identity.
func (l *Limiter) LimitsFor(identity string) Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.resolve != nil {
		if limits, ok := l.tiers[l.resolve(identity)]; ok {
			return limits
		}
	}
	return l.defaults
}

// Admit checks the identity's counter for today and, when both limits
// hold, increments charactersUsed and requestsMade in the same atomic
// step. Over-limit requests return *DeniedError and leave the counter
// untouched.
func (l *Limiter) Admit(ctx context.Context, identity string, day string, characterCount int) (Counter, error) {
	limits := l.LimitsFor(identity)

	return l.store.Update(ctx, identity, day, func(c Counter) (Counter, error) {
		if c.CharactersUsed+int64(characterCount) > limits.DailyCharacterLimit {
			return c, &DeniedError{Identity: identity, Reason: DenyCharacterLimit}
		}
		if c.RequestsMade >= limits.DailyRequestLimit {
			return c, &DeniedError{Identity: identity, Reason: DenyRequestLimit}
		}
		c.CharactersUsed += int64(characterCount)
		c.RequestsMade++
		return c, nil
	})
}

// RecordCost adds an accrued cost to the identity's counter for the
// day. Negative costs are rejected; counters only grow.
func (l *Limiter) RecordCost(ctx context.Context, identity, day string, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return nil
	}
	_, err := l.store.Update(ctx, identity, day, func(c Counter) (Counter, error) {
		c.CostAccrued = c.CostAccrued.Add(cost)
		return c, nil
	})
	return err
}

// Usage returns the counter for the identity on the given day.
func (l *Limiter) Usage(ctx context.Context, identity, day string) (Counter, error) {
	return l.store.Get(ctx, identity, day)
}
