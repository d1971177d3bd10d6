package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.StorageConfig {
	return &config.StorageConfig{
		Enabled:       true,
		DatabasePath:  filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout:   5000,
		WALMode:       false,
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}
}

func setupTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	storage, err := NewSQLiteStorage(testConfig(t), logging.NewDefault(), nil)
	if err != nil {
		t.Fatalf("setupTestStorage() error = %v", err)
	}

	cleanup := func() {
		_ = storage.Close()
	}

	return storage, cleanup
}

func TestNewSQLiteStorage(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()

	if err := storage.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	_, err := NewSQLiteStorage(&config.StorageConfig{}, logging.NewDefault(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMigrationsApplied(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()

	version, err := getCurrentVersion(storage.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	// A second run is a no-op
	require.NoError(t, runMigrations(storage.db))
	version, err = getCurrentVersion(storage.db)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestMigrationsUniqueAndSorted(t *testing.T) {
	seen := map[int]bool{}
	for i, m := range getMigrations() {
		assert.False(t, seen[m.Version], "duplicate version %d", m.Version)
		seen[m.Version] = true
		assert.NotEmpty(t, m.Description)
		assert.NotEmpty(t, m.SQL)
		if i > 0 {
			assert.Greater(t, m.Version, getMigrations()[i-1].Version)
		}
	}
}

func TestDomainLists(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, storage.AddDomain(ctx, ListBlocked, "tracker.io"))
	require.NoError(t, storage.AddDomain(ctx, ListBlocked, "*.ads.example"))
	require.NoError(t, storage.AddDomain(ctx, ListBlocked, "tracker.io"))
	require.NoError(t, storage.AddDomain(ctx, ListAllowed, "school.edu"))

	blocked, err := storage.BlockedDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tracker.io", "*.ads.example"}, blocked)

	allowed, err := storage.AllowedDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"school.edu"}, allowed)

	require.NoError(t, storage.RemoveDomain(ctx, ListBlocked, "tracker.io"))
	require.NoError(t, storage.RemoveDomain(ctx, ListBlocked, "missing.io"))

	blocked, err = storage.BlockedDomains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"*.ads.example"}, blocked)

	err = storage.AddDomain(ctx, List("grey"), "x.com")
	assert.ErrorIs(t, err, ErrInvalidList)
}

func TestSettings(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, ok, err := storage.Setting(ctx, rules.ModeSettingKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, storage.SetSetting(ctx, rules.ModeSettingKey, "blacklist"))
	require.NoError(t, storage.SetSetting(ctx, rules.ModeSettingKey, "whitelist"))

	value, ok, err := storage.Setting(ctx, rules.ModeSettingKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "whitelist", value)
}

func TestSeedAndLoadPolicy(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	seed := rules.Policy{
		Mode:    rules.ModeBlacklist,
		Blocked: []string{"tracker.io"},
		Allowed: []string{"school.edu"},
		Wildcards: []rules.WildcardRule{
			{Pattern: "*.ads.example", Action: rules.ActionBlock},
			{Pattern: "*.cdn.example", Action: rules.ActionAllow},
		},
		Categories: map[string][]string{
			"social": {"facebook.com", "instagram.com"},
			"gaming": {"steam.com"},
		},
		ActiveCategories: []string{"social"},
	}

	seeded, err := storage.Seed(ctx, seed)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = storage.Seed(ctx, rules.Policy{Blocked: []string{"other.io"}})
	require.NoError(t, err)
	assert.False(t, seeded, "non-empty repository must not be reseeded")

	p, err := rules.LoadPolicy(ctx, storage, rules.ModeWhitelist)
	require.NoError(t, err)

	assert.Equal(t, rules.ModeBlacklist, p.Mode)
	assert.Equal(t, []string{"tracker.io"}, p.Blocked)
	assert.Equal(t, []string{"school.edu"}, p.Allowed)
	assert.Equal(t, []rules.WildcardRule{
		{Pattern: "*.ads.example", Action: rules.ActionBlock},
		{Pattern: "*.cdn.example", Action: rules.ActionAllow},
	}, p.Wildcards)
	assert.Equal(t, []string{"facebook.com", "instagram.com"}, p.Categories["social"])
	assert.Equal(t, []string{"social"}, p.ActiveCategories)
}

func TestSetCategoryEnabled(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	_, err := storage.Seed(ctx, rules.Policy{Categories: map[string][]string{"ads": {"doubleclick.net"}}})
	require.NoError(t, err)

	require.NoError(t, storage.SetCategoryEnabled(ctx, "ads", true))
	require.NoError(t, storage.SetCategoryEnabled(ctx, "custom", true))

	cats, err := storage.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2)

	assert.Equal(t, rules.Category{Name: "ads", Domains: []string{"doubleclick.net"}, Enabled: true}, cats[0])
	assert.Equal(t, rules.Category{Name: "custom", Domains: []string{}, Enabled: true}, cats[1])

	require.NoError(t, storage.SetCategoryEnabled(ctx, "ads", false))
	cats, err = storage.Categories(ctx)
	require.NoError(t, err)
	assert.False(t, cats[0].Enabled)
}

func TestLogAccessFlushes(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, storage.LogAccess(ctx, &AccessLog{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			ClientIP:  "192.168.1.xxx",
			Domain:    "example.com",
			Action:    "allowed",
		}))
	}

	require.Eventually(t, func() bool {
		entries, err := storage.RecentAccess(ctx, 10, 0)
		return err == nil && len(entries) == 3
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := storage.RecentAccess(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Timestamp.After(entries[1].Timestamp), "newest first")
	assert.Equal(t, "192.168.1.xxx", entries[0].ClientIP)
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushInterval = time.Hour

	storage, err := NewSQLiteStorage(cfg, logging.NewDefault(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, storage.LogAccess(ctx, &AccessLog{ClientIP: "10.0.0.xxx", Domain: "a.com", Action: "blocked"}))
	require.NoError(t, storage.Close())
	require.NoError(t, storage.Close())

	assert.ErrorIs(t, storage.LogAccess(ctx, &AccessLog{}), ErrClosed)
	_, err = storage.BlockedDomains(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	reopened, err := NewSQLiteStorage(cfg, logging.NewDefault(), nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	entries, err := reopened.RecentAccess(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.com", entries[0].Domain)
}

func TestLogAccessBufferFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferSize = 1
	cfg.BatchSize = 1000
	cfg.FlushInterval = time.Hour

	storage, err := NewSQLiteStorage(cfg, logging.NewDefault(), nil)
	require.NoError(t, err)
	defer func() { _ = storage.Close() }()

	ctx := context.Background()
	var full int
	for i := 0; i < 50; i++ {
		if err := storage.LogAccess(ctx, &AccessLog{Domain: "a.com", Action: "allowed"}); errors.Is(err, ErrBufferFull) {
			full++
		}
	}
	assert.Greater(t, full, 0)
}

func TestCleanup(t *testing.T) {
	storage, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)
	require.NoError(t, storage.flushBatch([]*AccessLog{
		{Timestamp: old, ClientIP: "a", Domain: "old.com", Action: "allowed"},
		{Timestamp: now, ClientIP: "a", Domain: "new.com", Action: "allowed"},
	}))

	removed, err := storage.Cleanup(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := storage.RecentAccess(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new.com", entries[0].Domain)
}

func TestNewFactory(t *testing.T) {
	s, err := New(&config.StorageConfig{Enabled: false}, logging.NewDefault(), nil)
	require.NoError(t, err)
	_, ok := s.(*NoOpStorage)
	assert.True(t, ok)

	s, err = New(testConfig(t), logging.NewDefault(), nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	_, ok = s.(*SQLiteStorage)
	assert.True(t, ok)
}

func TestNoOpStorage(t *testing.T) {
	n := NewNoOpStorage()
	ctx := context.Background()

	p, err := rules.LoadPolicy(ctx, n, rules.ModeBlacklist)
	require.NoError(t, err)
	assert.Equal(t, rules.ModeBlacklist, p.Mode)
	assert.Empty(t, p.Blocked)

	seeded, err := n.Seed(ctx, rules.Policy{})
	assert.NoError(t, err)
	assert.False(t, seeded)
	assert.NoError(t, n.LogAccess(ctx, &AccessLog{}))
	assert.NoError(t, n.Close())
}
