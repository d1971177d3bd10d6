package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/api"
	"github.com/manoj0727/Wi-fi-firewall/pkg/cache"
	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/dns"
	"github.com/manoj0727/Wi-fi-firewall/pkg/enforcement"
	"github.com/manoj0727/Wi-fi-firewall/pkg/events"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/privacy"
	"github.com/manoj0727/Wi-fi-firewall/pkg/ratelimit"
	"github.com/manoj0727/Wi-fi-firewall/pkg/resolver"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
	"github.com/manoj0727/Wi-fi-firewall/pkg/stats"
	"github.com/manoj0727/Wi-fi-firewall/pkg/storage"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"
)

const accessLogCleanupInterval = time.Hour

// app owns every long-lived component and their start/stop order.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	telem     *telemetry.Telemetry
	storage   storage.Storage
	rules     *rules.Store
	syncer    *rules.Syncer
	decisions *cache.Cache
	resolver  *resolver.Resolver
	stats     *stats.Aggregator
	hub       *events.Hub
	privacy   *privacy.Sanitizer
	limiter   *ratelimit.Limiter
	pipeline  *dns.Pipeline
	dnsServer *dns.Server
	api       *api.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.telem = telem

	metrics, err := telem.InitMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	a.storage, err = storage.New(&cfg.Storage, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	policy, err := a.initialPolicy(ctx)
	if err != nil {
		return nil, err
	}
	a.rules, err = rules.NewStore(policy, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("invalid rule set: %w", err)
	}
	if cfg.Storage.Enabled {
		a.syncer = rules.NewSyncer(a.rules, a.storage, cfg.Rules.SyncInterval, logger.WithComponent("rules"))
	}

	backend := cache.NewBackend(ctx, &cfg.Cache.Redis, logger)
	a.decisions, err = cache.New(&cfg.Cache, backend, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	a.resolver = resolver.New(&cfg.Upstream, logger, metrics)

	privacyMode, err := privacy.ParseMode(cfg.Privacy.Mode)
	if err != nil {
		return nil, err
	}
	a.privacy = privacy.NewSanitizer(privacyMode)

	a.stats = stats.New(&cfg.Stats, logger, metrics, stats.WithHistorySanitizer(a.privacy.SanitizeQuery))
	a.hub = events.NewHub(logger, metrics)

	a.pipeline = dns.NewPipeline(cfg, a.rules, a.decisions, a.resolver, a.stats, logger, metrics)
	a.pipeline.SetBroadcaster(a.hub)
	a.pipeline.SetSanitizer(a.privacy)
	a.pipeline.SetTracer(telem.Tracer())
	if a.limiter = ratelimit.New(&cfg.RateLimit, logger); a.limiter != nil {
		a.pipeline.SetLimiter(a.limiter)
	}
	if cfg.Storage.Enabled {
		a.pipeline.SetPersister(a.storage)
		a.pipeline.SetAccessLogger(a.storage)
	}

	a.dnsServer = dns.NewServer(&cfg.Server, a.pipeline, logger)

	if cfg.API.Enabled {
		a.api = api.New(&api.Config{
			ListenAddress: cfg.API.ListenAddress,
			Auth:          cfg.API,
			Pipeline:      a.pipeline,
			Hub:           a.hub,
			Privacy:       a.privacy,
			Enforcement:   enforcement.NewNoOp(logger),
			AccessLog:     a.storage,
			StorageOn:     cfg.Storage.Enabled,
			Logger:        logger,
			Version:       version,
		})
	}

	return a, nil
}

// initialPolicy seeds an empty repository from the config lists and reads
// the repository back. Without storage the config lists are used directly.
func (a *app) initialPolicy(ctx context.Context) (rules.Policy, error) {
	mode, err := rules.ParseMode(a.cfg.Rules.Mode)
	if err != nil {
		return rules.Policy{}, err
	}
	seed := rules.SplitLists(mode, a.cfg.Rules.Blocked, a.cfg.Rules.Allowed, a.cfg.Rules.Categories, a.cfg.Rules.ActiveCategories)

	if !a.cfg.Storage.Enabled {
		return seed, nil
	}

	seeded, err := a.storage.Seed(ctx, seed)
	if err != nil {
		a.logger.Warn("Failed to seed rule repository", "error", err)
	} else if seeded {
		a.logger.Info("Rule repository seeded from config",
			"blocked", len(seed.Blocked),
			"allowed", len(seed.Allowed),
			"wildcards", len(seed.Wildcards))
	}

	policy, err := rules.LoadPolicy(ctx, a.storage, mode)
	if err != nil {
		a.logger.Warn("Rule repository unreadable, using config rules", "error", err)
		return seed, nil
	}
	return policy, nil
}

// run starts every server and blocks until ctx is cancelled or one of them
// fails.
func (a *app) run(ctx context.Context) error {
	a.stats.Start(ctx)
	if a.syncer != nil {
		a.syncer.Start(ctx)
	}

	errChan := make(chan error, 2)
	go func() {
		if err := a.dnsServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("dns server: %w", err)
		}
	}()
	if a.api != nil {
		go func() {
			if err := a.api.Start(ctx); err != nil {
				errChan <- fmt.Errorf("api server: %w", err)
			}
		}()
	}
	if a.cfg.Storage.Enabled {
		go a.cleanupLoop(ctx)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// applyConfig hot-applies the settings that can change without a restart.
func (a *app) applyConfig(cfg *config.Config) {
	a.logger.SetLevel(cfg.Logging.Level)

	if err := a.privacy.SetMode(cfg.Privacy.Mode); err != nil {
		a.logger.Warn("Ignoring invalid privacy mode", "mode", cfg.Privacy.Mode, "error", err)
	}
	a.resolver.SetTimeout(cfg.Upstream.Timeout)

	if a.api != nil {
		a.api.UpdateAuth(cfg.API)
	}

	if a.syncer != nil {
		a.syncer.Notify()
	}
}

// cleanupLoop prunes the access log to the retention of the current
// privacy mode.
func (a *app) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(accessLogCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cleanupAccessLog(ctx)
		}
	}
}

func (a *app) cleanupAccessLog(ctx context.Context) {
	days := a.privacy.Mode().RetentionDays()
	cutoff := time.Now().AddDate(0, 0, -days)

	removed, err := a.storage.Cleanup(ctx, cutoff)
	if err != nil {
		a.logger.Error("Access log cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		a.logger.Info("Access log cleaned up", "removed", removed, "retention_days", days)
	}
}

// shutdown stops components in reverse dependency order.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if err := a.dnsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dns server: %w", err))
	}
	if a.api != nil {
		if err := a.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if a.syncer != nil {
		a.syncer.Stop()
	}
	a.limiter.Stop()
	a.stats.Stop()
	a.hub.Close()

	if err := a.decisions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := a.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := a.telem.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}
