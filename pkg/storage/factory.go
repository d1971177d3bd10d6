package storage

import (
	"context"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"
)

// New creates the configured storage. A disabled config yields NoOpStorage.
func New(cfg *config.StorageConfig, logger *logging.Logger, metrics *telemetry.Metrics) (Storage, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOpStorage(), nil
	}
	return NewSQLiteStorage(cfg, logger, metrics)
}

// NoOpStorage is used when storage is disabled. Reads return nothing and
// writes are discarded.
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

// BlockedDomains returns an empty slice
func (n *NoOpStorage) BlockedDomains(context.Context) ([]string, error) { return []string{}, nil }

// AllowedDomains returns an empty slice
func (n *NoOpStorage) AllowedDomains(context.Context) ([]string, error) { return []string{}, nil }

// Categories returns an empty slice
func (n *NoOpStorage) Categories(context.Context) ([]rules.Category, error) {
	return []rules.Category{}, nil
}

// Setting reports every key as unset
func (n *NoOpStorage) Setting(context.Context, string) (string, bool, error) { return "", false, nil }

func (n *NoOpStorage) AddDomain(context.Context, List, string) error { return nil }
func (n *NoOpStorage) RemoveDomain(context.Context, List, string) error { return nil }
func (n *NoOpStorage) SetCategoryEnabled(context.Context, string, bool) error { return nil }
func (n *NoOpStorage) SetSetting(context.Context, string, string) error { return nil }

// Seed does nothing
func (n *NoOpStorage) Seed(context.Context, rules.Policy) (bool, error) { return false, nil }

// LogAccess does nothing
func (n *NoOpStorage) LogAccess(context.Context, *AccessLog) error { return nil }

// RecentAccess returns an empty slice
func (n *NoOpStorage) RecentAccess(context.Context, int, int) ([]*AccessLog, error) {
	return []*AccessLog{}, nil
}

// Cleanup does nothing
func (n *NoOpStorage) Cleanup(context.Context, time.Time) (int64, error) { return 0, nil }

// Close does nothing
func (n *NoOpStorage) Close() error { return nil }

// Ping does nothing
func (n *NoOpStorage) Ping(context.Context) error { return nil }

var _ Storage = (*NoOpStorage)(nil)
