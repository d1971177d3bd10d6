package rules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
)

// ModeSettingKey is the repository setting that holds the evaluation mode.
const ModeSettingKey = "mode"

// Category is a named domain list with its enabled flag, as stored in the
// repository.
type Category struct {
	Name    string   `json:"name"`
	Domains []string `json:"domains"`
	Enabled bool     `json:"enabled"`
}

// Source is the read side of the rule repository.
type Source interface {
	BlockedDomains(ctx context.Context) ([]string, error)
	AllowedDomains(ctx context.Context) ([]string, error)
	Categories(ctx context.Context) ([]Category, error)
	Setting(ctx context.Context, key string) (string, bool, error)
}

// LoadPolicy reads a complete policy from src. fallbackMode is used when the
// repository has no mode setting.
func LoadPolicy(ctx context.Context, src Source, fallbackMode Mode) (Policy, error) {
	blocked, err := src.BlockedDomains(ctx)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: blocked domains: %v", ErrSourceUnavailable, err)
	}
	allowed, err := src.AllowedDomains(ctx)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: allowed domains: %v", ErrSourceUnavailable, err)
	}
	cats, err := src.Categories(ctx)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: categories: %v", ErrSourceUnavailable, err)
	}
	modeValue, ok, err := src.Setting(ctx, ModeSettingKey)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: mode setting: %v", ErrSourceUnavailable, err)
	}

	mode := fallbackMode
	if ok {
		if parsed, perr := ParseMode(modeValue); perr == nil {
			mode = parsed
		}
	}

	categories := make(map[string][]string, len(cats))
	var active []string
	for _, c := range cats {
		categories[c.Name] = c.Domains
		if c.Enabled {
			active = append(active, c.Name)
		}
	}

	return SplitLists(mode, blocked, allowed, categories, active), nil
}

// Syncer replaces the store's snapshot from the repository at startup, on
// a fixed interval, and whenever Notify is called. A failed read leaves the
// current snapshot in place until the next attempt.
type Syncer struct {
	store    *Store
	source   Source
	interval time.Duration
	logger   *logging.Logger

	notifyCh chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool

	lastSync atomic.Value // time.Time
	failures atomic.Uint64
}

// NewSyncer creates a syncer. An interval of zero disables the periodic
// sync; startup and notified syncs still run.
func NewSyncer(store *Store, source Source, interval time.Duration, logger *logging.Logger) *Syncer {
	if logger == nil {
		logger = logging.NewDefault()
	}
	s := &Syncer{
		store:    store,
		source:   source,
		interval: interval,
		logger:   logger,
		notifyCh: make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	s.lastSync.Store(time.Time{})
	return s
}

// Sync performs one repository read and store replacement.
func (s *Syncer) Sync(ctx context.Context) error {
	p, err := LoadPolicy(ctx, s.source, s.store.Snapshot().Mode())
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("Rule sync failed, keeping current rules", "error", err)
		return err
	}

	snap, err := s.store.Replace(p)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("Repository returned an invalid policy, keeping current rules", "error", err)
		return err
	}

	s.lastSync.Store(time.Now())
	s.logger.Info("Rules synced from repository",
		"version", snap.Version(),
		"mode", snap.Mode(),
		"blocked", len(p.Blocked),
		"allowed", len(p.Allowed),
		"wildcards", len(p.Wildcards))
	return nil
}

// Start runs the startup sync and launches the background loop.
func (s *Syncer) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("Rule syncer already started")
		return
	}
	s.stopChan = make(chan struct{})

	// Startup failure is not fatal; config-seeded rules stay in effect
	_ = s.Sync(ctx)

	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-tick:
			_ = s.Sync(ctx)
		case <-s.notifyCh:
			_ = s.Sync(ctx)
		}
	}
}

// Notify requests a sync soon. Requests arriving while one is pending are
// coalesced.
func (s *Syncer) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Stop halts the background loop.
func (s *Syncer) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("Rule syncer stopped")
}

// LastSync returns the time of the last successful sync.
func (s *Syncer) LastSync() time.Time {
	return s.lastSync.Load().(time.Time)
}

// Failures returns the number of failed sync attempts.
func (s *Syncer) Failures() uint64 {
	return s.failures.Load()
}
