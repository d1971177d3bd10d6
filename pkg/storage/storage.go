package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
)

// Storage is the rule repository plus the access log.
// Implementations must be thread-safe and support concurrent access
type Storage interface {
	rules.Source

	// Rule writes
	AddDomain(ctx context.Context, list List, domain string) error
	RemoveDomain(ctx context.Context, list List, domain string) error
	SetCategoryEnabled(ctx context.Context, name string, enabled bool) error
	SetSetting(ctx context.Context, key, value string) error

	// Seed fills an empty repository from p. A repository that already holds
	// rules is left untouched.
	Seed(ctx context.Context, p rules.Policy) (bool, error)

	// Access log
	LogAccess(ctx context.Context, entry *AccessLog) error
	RecentAccess(ctx context.Context, limit, offset int) ([]*AccessLog, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
	Ping(ctx context.Context) error
}

// List names one of the two explicit domain lists.
type List string

const (
	ListBlocked List = "blocked"
	ListAllowed List = "allowed"
)

// ParseList validates s as a list name.
func ParseList(s string) (List, error) {
	switch l := List(s); l {
	case ListBlocked, ListAllowed:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidList, s)
	}
}

// AccessLog is one persisted query decision. Fields arrive already
// sanitized.
type AccessLog struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ClientIP  string    `json:"client_ip"`
	Domain    string    `json:"domain"`
	Action    string    `json:"action"`
	Rule      string    `json:"rule,omitempty"`
	Source    string    `json:"source,omitempty"`
	Category  string    `json:"category,omitempty"`
	Cached    bool      `json:"cached"`
}
