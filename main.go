// Package main provides the entry point for the ttsgate daemon: the
// caching and cost-control layer between the read-aloud extension and
// the paid TTS provider.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/speakselect/ttsgate/internal/analytics"
	"github.com/speakselect/ttsgate/internal/api"
	"github.com/speakselect/ttsgate/internal/cache"
	"github.com/speakselect/ttsgate/internal/config"
	"github.com/speakselect/ttsgate/internal/gateway"
	"github.com/speakselect/ttsgate/internal/ledger"
	"github.com/speakselect/ttsgate/internal/pricing"
	"github.com/speakselect/ttsgate/internal/provider/google"
	"github.com/speakselect/ttsgate/internal/quota"
)

var (
	// Version as provided by goreleaser.
	Version = ""

	configFile string
	listenAddr string
	debug      bool

	rootCmd = &cobra.Command{
		Use:           "ttsgate",
		Short:         "Caching and cost-control gateway for paid text-to-speech",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address (overrides config)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(*cobra.Command, []string) error {
	// A .env next to the binary is the easiest way to carry the
	// provider key in development.
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	setupLogging(cfg.LogLevel)

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}

	limiter := buildLimiter(store, cfg)
	accountant := pricing.NewAccountant(limiter)

	responseCache, err := cache.New(cache.Config{
		MaxEntries:       cfg.Cache.MaxEntries,
		MaxBytes:         int64(cfg.Cache.MaxMB) << 20,
		EvictInterval:    cfg.EvictInterval(),
		Dir:              cfg.Cache.Dir,
		CompressionLevel: cfg.Cache.CompressionLevel,
	})
	if err != nil {
		return err
	}

	provider, err := google.New(google.Config{
		APIKey:        cfg.Provider.APIKey,
		Endpoint:      cfg.Provider.Endpoint,
		AudioEncoding: cfg.Provider.AudioEncoding,
	})
	if err != nil {
		return err
	}

	sink, closeSink := buildSink(cfg)

	gw := gateway.New(gateway.Config{
		MaxTextLength:      cfg.Gateway.MaxTextLength,
		CacheTTL:           cfg.CacheTTL(),
		ProviderTimeout:    cfg.ProviderTimeout(),
		ProviderRPS:        cfg.Provider.RPS,
		ProviderBurst:      cfg.Provider.Burst,
		CollapseConcurrent: cfg.Gateway.CollapseConcurrent,
	}, responseCache, limiter, accountant, provider, sink)

	tracker := ledger.New()
	server := api.NewServer(gw, limiter, responseCache, tracker)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Live quota-limit updates when running against a config file.
	stopWatch := func() {}
	if configFile != "" {
		stopWatch, err = config.Watch(configFile, func(next *config.Config) {
			limiter.SetDefaults(next.Quota.Limits)
		})
		if err != nil {
			log.Warn("config watching disabled", "error", err)
			stopWatch = func() {}
		}
	}

	auditStop := startLeakAudit(tracker)

	errCh := make(chan error, 1)
	go func() {
		log.Info("ttsgate listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	stopWatch()
	auditStop()
	tracker.ReleaseAll()
	if err := responseCache.Close(); err != nil {
		log.Warn("cache close failed", "error", err)
	}
	closeStore()
	closeSink()

	return nil
}

// buildStore picks the usage counter backend: Redis when configured,
// otherwise a JSON snapshot file, otherwise pure memory.
func buildStore(cfg *config.Config) (quota.Store, func(), error) {
	if cfg.Quota.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Quota.RedisAddr})
		retention := time.Duration(cfg.Quota.RetentionDays) * 24 * time.Hour
		log.Info("usage counters in redis", "addr", cfg.Quota.RedisAddr)
		return quota.NewRedisStore(client, retention), func() { _ = client.Close() }, nil
	}

	if cfg.Quota.StorePath != "" {
		fs, err := quota.NewFileStore(cfg.Quota.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {
			if err := fs.Close(); err != nil {
				log.Warn("usage store close failed", "error", err)
			}
		}, nil
	}

	log.Warn("usage counters are in-memory only; quota resets on restart")
	return quota.NewMemoryStore(), func() {}, nil
}

// buildLimiter attaches tier overrides when configured. Identities
// from the identity service carry their plan as a "tier:" prefix
// (e.g. "premium:u123"); unknown tiers get the defaults.
func buildLimiter(store quota.Store, cfg *config.Config) *quota.Limiter {
	if len(cfg.Quota.Tiers) == 0 {
		return quota.NewLimiter(store, cfg.Quota.Limits)
	}
	return quota.NewLimiter(store, cfg.Quota.Limits,
		quota.WithTierLimits(cfg.Quota.Tiers, func(identity string) string {
			tier, _, ok := strings.Cut(identity, ":")
			if !ok {
				return ""
			}
			return tier
		}))
}

func buildSink(cfg *config.Config) (analytics.Sink, func()) {
	if !cfg.Analytics.Enabled {
		return analytics.NopSink{}, func() {}
	}
	async := analytics.NewAsyncSink(analytics.LogSink{}, cfg.Analytics.Buffer)
	return async, async.Close
}

// startLeakAudit periodically reports playback handles that outlived
// their session without being released.
func startLeakAudit(tracker *ledger.Ledger) func() {
	ticker := time.NewTicker(time.Minute)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				if leaks := tracker.Audit(5 * time.Minute); len(leaks) > 0 {
					log.Warn("unreleased playback handles detected",
						"count", len(leaks), "oldest", leaks[0].Age)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

func setupLogging(level string) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
