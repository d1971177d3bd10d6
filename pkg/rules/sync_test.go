package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu         sync.Mutex
	blocked    []string
	allowed    []string
	categories []Category
	settings   map[string]string
	err        error
	reads      int
}

func (f *fakeSource) BlockedDomains(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.blocked...), nil
}

func (f *fakeSource) AllowedDomains(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.allowed...), nil
}

func (f *fakeSource) Categories(ctx context.Context) ([]Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Category(nil), f.categories...), nil
}

func (f *fakeSource) Setting(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[key]
	return v, ok, nil
}

func (f *fakeSource) set(fn func(*fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSource) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func TestLoadPolicy(t *testing.T) {
	src := &fakeSource{
		blocked: []string{"tracker.io", "*.ads.example"},
		allowed: []string{"school.edu"},
		categories: []Category{
			{Name: "social", Domains: []string{"facebook.com"}, Enabled: true},
			{Name: "gaming", Domains: []string{"steam.com"}},
		},
		settings: map[string]string{ModeSettingKey: "whitelist"},
	}

	p, err := LoadPolicy(context.Background(), src, ModeBlacklist)
	require.NoError(t, err)

	assert.Equal(t, ModeWhitelist, p.Mode)
	assert.Equal(t, []string{"tracker.io"}, p.Blocked)
	assert.Equal(t, []string{"school.edu"}, p.Allowed)
	assert.Equal(t, []WildcardRule{{Pattern: "*.ads.example", Action: ActionBlock}}, p.Wildcards)
	assert.Equal(t, []string{"social"}, p.ActiveCategories)
	assert.Len(t, p.Categories, 2)
}

func TestLoadPolicyFallbackMode(t *testing.T) {
	src := &fakeSource{settings: map[string]string{ModeSettingKey: "garbage"}}
	p, err := LoadPolicy(context.Background(), src, ModeWhitelist)
	require.NoError(t, err)
	assert.Equal(t, ModeWhitelist, p.Mode)
}

func TestSyncReplacesStore(t *testing.T) {
	store := newTestStore(t, Policy{Blocked: []string{"seed.com"}})
	src := &fakeSource{blocked: []string{"repo.com"}}

	syncer := NewSyncer(store, src, 0, logging.NewDefault())
	require.NoError(t, syncer.Sync(context.Background()))

	snap := store.Snapshot()
	assert.True(t, IsBlocked("repo.com", snap))
	assert.False(t, IsBlocked("seed.com", snap))
	assert.False(t, syncer.LastSync().IsZero())
}

func TestSyncFailureKeepsSnapshot(t *testing.T) {
	store := newTestStore(t, Policy{Blocked: []string{"seed.com"}})
	before := store.Snapshot()
	src := &fakeSource{err: errors.New("database is locked")}

	syncer := NewSyncer(store, src, 0, logging.NewDefault())
	err := syncer.Sync(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Same(t, before, store.Snapshot())
	assert.Equal(t, uint64(1), syncer.Failures())
	assert.True(t, syncer.LastSync().IsZero())
}

func TestSyncerNotify(t *testing.T) {
	store := newTestStore(t, Policy{})
	src := &fakeSource{blocked: []string{"first.com"}}

	syncer := NewSyncer(store, src, 0, logging.NewDefault())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncer.Start(ctx)
	defer syncer.Stop()

	assert.True(t, IsBlocked("first.com", store.Snapshot()), "startup sync runs before Start returns")

	src.set(func(f *fakeSource) { f.blocked = []string{"second.com"} })
	syncer.Notify()

	require.Eventually(t, func() bool {
		return IsBlocked("second.com", store.Snapshot())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncerPeriodic(t *testing.T) {
	store := newTestStore(t, Policy{})
	src := &fakeSource{}

	syncer := NewSyncer(store, src, 20*time.Millisecond, logging.NewDefault())
	syncer.Start(context.Background())
	defer syncer.Stop()

	require.Eventually(t, func() bool {
		return src.readCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncerStopIsIdempotent(t *testing.T) {
	store := newTestStore(t, Policy{})
	syncer := NewSyncer(store, &fakeSource{}, time.Hour, nil)

	syncer.Start(context.Background())
	syncer.Start(context.Background())
	syncer.Stop()
	syncer.Stop()
}
