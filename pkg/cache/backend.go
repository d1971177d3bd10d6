package cache

import (
	"context"
	"errors"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
)

// ErrBackendUnavailable is returned when the distributed tier cannot be
// reached at startup.
var ErrBackendUnavailable = errors.New("cache backend unavailable")

// Entry is what the distributed tier stores per domain. Policy is the
// fingerprint of the rule set the verdict was computed against.
type Entry struct {
	Verdict rules.Verdict `json:"verdict"`
	Policy  string        `json:"policy"`
}

// Backend is an optional second cache tier shared between instances.
// Callers treat every error as a miss.
type Backend interface {
	Name() string
	Get(ctx context.Context, domain string) (Entry, bool, error)
	Set(ctx context.Context, domain string, e Entry, ttl time.Duration) error
	Flush(ctx context.Context) error
	Close() error
}

// NullBackend is the Backend used when no distributed tier is configured.
type NullBackend struct{}

func (NullBackend) Name() string { return "none" }

func (NullBackend) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, nil
}

func (NullBackend) Set(context.Context, string, Entry, time.Duration) error { return nil }

func (NullBackend) Flush(context.Context) error { return nil }

func (NullBackend) Close() error { return nil }

var (
	_ Backend = NullBackend{}
	_ Backend = (*RedisBackend)(nil)
)
