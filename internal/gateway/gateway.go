// Package gateway orchestrates synthesis requests across the response
// cache, the quota limiter, the cost accountant, and the external TTS
// provider. It is the sole entry point the rest of the product calls.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shopspring/decimal"
	"github.com/speakselect/ttsgate/internal/analytics"
	"github.com/speakselect/ttsgate/internal/cache"
	"github.com/speakselect/ttsgate/internal/pricing"
	"github.com/speakselect/ttsgate/internal/quota"
	"github.com/speakselect/ttsgate/internal/request"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 10 * time.Second

// Provider is the external TTS vendor. Implementations must respect
// context cancellation and should return *UpstreamError for vendor
// rejections so they classify correctly.
type Provider interface {
	Synthesize(ctx context.Context, req request.Request) (*ProviderResult, error)
}

// ProviderResult is what the vendor hands back on success.
type ProviderResult struct {
	Audio     []byte
	Format    string
	VoiceName string
	VoiceTier request.VoiceTier
	Duration  time.Duration
}

// Result is the gateway's answer to a synthesis request.
type Result struct {
	Payload   []byte
	Format    string
	VoiceName string
	VoiceTier request.VoiceTier
	Duration  time.Duration
	Cost      decimal.Decimal
	Cached    bool
	Key       string
}

// Config tunes gateway behavior.
type Config struct {
	// MaxTextLength caps request text (0 = request.DefaultMaxTextLength).
	MaxTextLength int

	// CacheTTL applied to stored entries (0 = cache.DefaultTTL).
	CacheTTL time.Duration

	// ProviderTimeout bounds each provider call (0 = DefaultProviderTimeout).
	ProviderTimeout time.Duration

	// ProviderRPS paces provider calls process-wide (0 = unpaced).
	ProviderRPS   float64
	ProviderBurst int

	// CollapseConcurrent folds concurrent identical cache misses into
	// one provider call. Off by default: with it on, N concurrent
	// callers share one result and only the executing caller's
	// identity is charged.
	CollapseConcurrent bool
}

// Gateway coordinates one synthesis request at a time per caller;
// any number of calls may run concurrently.
type Gateway struct {
	cfg        Config
	cache      *cache.ResponseCache
	limiter    *quota.Limiter
	accountant *pricing.Accountant
	provider   Provider
	sink       analytics.Sink

	flight singleflight.Group
	pace   *rate.Limiter
}

// New wires a gateway. A nil sink defaults to analytics.NopSink.
func New(cfg Config, rc *cache.ResponseCache, limiter *quota.Limiter, acct *pricing.Accountant, provider Provider, sink analytics.Sink) *Gateway {
	if sink == nil {
		sink = analytics.NopSink{}
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}

	g := &Gateway{
		cfg:        cfg,
		cache:      rc,
		limiter:    limiter,
		accountant: acct,
		provider:   provider,
		sink:       sink,
	}
	if cfg.ProviderRPS > 0 {
		burst := cfg.ProviderBurst
		if burst < 1 {
			burst = 1
		}
		g.pace = rate.NewLimiter(rate.Limit(cfg.ProviderRPS), burst)
	}
	return g
}

// Synthesize runs the full request pipeline: validate, cache lookup,
// quota admission, provider call, pricing, cache write. Every outcome
// is reported to the analytics sink without ever blocking the result.
func (g *Gateway) Synthesize(ctx context.Context, req request.Request, identity string) (*Result, error) {
	norm := req.Normalize()

	if err := norm.Validate(g.cfg.MaxTextLength); err != nil {
		g.report(analytics.EventInvalidRequest, identity, norm, decimal.Zero, map[string]any{"reason": err.Error()})
		return nil, invalidRequest(err)
	}

	// Cache hits cost nothing and never touch the limiter.
	if entry := g.cache.Lookup(norm); entry != nil {
		g.report(analytics.EventCacheHit, identity, norm, decimal.Zero, nil)
		return &Result{
			Payload:   entry.Payload,
			Format:    entry.Format,
			VoiceName: entry.VoiceName,
			VoiceTier: entry.VoiceTier,
			Duration:  entry.Duration,
			Cost:      decimal.Zero,
			Cached:    true,
			Key:       entry.Key,
		}, nil
	}

	if g.cfg.CollapseConcurrent {
		v, err, _ := g.flight.Do(norm.Key(), func() (any, error) {
			return g.fetch(ctx, norm, identity)
		})
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	}

	return g.fetch(ctx, norm, identity)
}

// fetch handles the miss path: admission, the provider call, pricing,
// and the cache write.
func (g *Gateway) fetch(ctx context.Context, norm request.Request, identity string) (*Result, error) {
	day := quota.Day(time.Now())
	chars := norm.CharacterCount()

	if _, err := g.limiter.Admit(ctx, identity, day, chars); err != nil {
		var denied *quota.DeniedError
		if errors.As(err, &denied) {
			g.report(analytics.EventRateLimited, identity, norm, decimal.Zero, map[string]any{"reason": string(denied.Reason)})
			return nil, rateLimited(string(denied.Reason), err)
		}
		// Store trouble (e.g. Redis down) surfaces as a provider-class
		// failure: transient, retryable, not the caller's fault.
		return nil, providerError(DetailTransport, err)
	}

	if g.pace != nil {
		if err := g.pace.Wait(ctx); err != nil {
			g.report(analytics.EventProviderError, identity, norm, decimal.Zero, map[string]any{"detail": DetailTimeout})
			return nil, providerError(DetailTimeout, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.ProviderTimeout)
	defer cancel()

	pr, err := g.provider.Synthesize(callCtx, norm)
	if err != nil {
		// The admission from above stays consumed: a failed provider
		// call still spends quota.
		detail := classifyProviderError(err)
		g.report(analytics.EventProviderError, identity, norm, decimal.Zero, map[string]any{"detail": detail})
		return nil, providerError(detail, err)
	}

	tier := pr.VoiceTier
	if !tier.Valid() {
		tier = norm.VoiceTier
	}

	cost := pricing.Price(chars, tier)
	if err := g.accountant.Record(ctx, identity, day, cost); err != nil {
		// The provider call already happened; a lost cost record is a
		// reporting gap, not a request failure.
		log.Error("failed to record synthesis cost",
			"identity", identity, "cost", cost.String(), "error", err)
	}

	// A cancelled caller never installs an entry it did not finish
	// validating.
	if ctx.Err() == nil {
		meta := cache.Metadata{
			Format:    pr.Format,
			VoiceName: pr.VoiceName,
			VoiceTier: tier,
			Duration:  pr.Duration,
		}
		if err := g.cache.Store(norm, pr.Audio, meta, g.cfg.CacheTTL); err != nil {
			log.Error("dropping invalid cache entry", "key", norm.Key(), "error", err)
		}
	}

	g.report(analytics.EventSynthesisOK, identity, norm, cost, map[string]any{"bytes": len(pr.Audio)})

	return &Result{
		Payload:   pr.Audio,
		Format:    pr.Format,
		VoiceName: pr.VoiceName,
		VoiceTier: tier,
		Duration:  pr.Duration,
		Cost:      cost,
		Cached:    false,
		Key:       norm.Key(),
	}, nil
}

// report forwards an outcome to the analytics sink. Sinks are
// fire-and-forget by contract; a panicking sink must not take the
// request down with it.
func (g *Gateway) report(eventType, identity string, norm request.Request, cost decimal.Decimal, extra map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("analytics sink panicked", "event", eventType, "panic", r)
		}
	}()

	attrs := map[string]any{
		"identity":   identity,
		"key":        norm.Key(),
		"characters": norm.CharacterCount(),
		"tier":       string(norm.VoiceTier),
		"cost":       cost.String(),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	g.sink.Record(eventType, attrs)
}

// classifyProviderError maps a provider failure onto the error detail
// taxonomy.
func classifyProviderError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return DetailTimeout
	case errors.Is(err, context.Canceled):
		return DetailCanceled
	default:
		var upstream *UpstreamError
		if errors.As(err, &upstream) {
			return DetailUpstream
		}
		return DetailTransport
	}
}
