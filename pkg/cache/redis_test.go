package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
)

func unreachableRedis() *config.RedisConfig {
	return &config.RedisConfig{
		Enabled:   true,
		Address:   "127.0.0.1:1",
		KeyPrefix: "block:",
		Timeout:   50 * time.Millisecond,
	}
}

func TestNewRedisBackendUnreachable(t *testing.T) {
	start := time.Now()
	_, err := NewRedisBackend(context.Background(), unreachableRedis(), testLogger(t))
	if err == nil {
		t.Fatal("expected error connecting to a closed port")
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("error %v should wrap ErrBackendUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("connection attempt took %s, timeout not honored", elapsed)
	}
}

func TestNewBackendFallsBack(t *testing.T) {
	logger := testLogger(t)

	disabled := unreachableRedis()
	disabled.Enabled = false
	if _, ok := NewBackend(context.Background(), disabled, logger).(NullBackend); !ok {
		t.Error("disabled redis should yield NullBackend")
	}

	if _, ok := NewBackend(context.Background(), unreachableRedis(), logger).(NullBackend); !ok {
		t.Error("unreachable redis should yield NullBackend")
	}
}

func TestNullBackend(t *testing.T) {
	var b Backend = NullBackend{}
	ctx := context.Background()

	if err := b.Set(ctx, "a.com", Entry{Policy: "p1"}, time.Minute); err != nil {
		t.Errorf("Set() error = %v", err)
	}
	if _, ok, err := b.Get(ctx, "a.com"); ok || err != nil {
		t.Errorf("Get() = %v, %v; want miss", ok, err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if b.Name() != "none" {
		t.Errorf("Name() = %s", b.Name())
	}
}
