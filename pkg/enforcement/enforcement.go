// Package enforcement defines the collaborator that redirects network DNS
// traffic to this resolver. Platform implementations live outside this
// repository.
package enforcement

import (
	"context"
	"runtime"
	"sync"

	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
)

// Status reports whether enforcement is active.
type Status struct {
	Enforcing bool   `json:"enforcing"`
	Platform  string `json:"platform"`
	Backend   string `json:"backend"`
}

// NetworkEnforcement turns traffic redirection on and off.
type NetworkEnforcement interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Status() Status
}

// NoOp records the requested state without touching the host.
type NoOp struct {
	logger *logging.Logger

	mu        sync.Mutex
	enforcing bool
}

// NewNoOp creates a no-op enforcement collaborator.
func NewNoOp(logger *logging.Logger) *NoOp {
	return &NoOp{logger: logger}
}

// Enable marks enforcement active.
func (n *NoOp) Enable(context.Context) error {
	n.mu.Lock()
	n.enforcing = true
	n.mu.Unlock()

	n.logger.Warn("Network enforcement requested but no platform backend is installed; DNS must be pointed at this server manually")
	return nil
}

// Disable marks enforcement inactive.
func (n *NoOp) Disable(context.Context) error {
	n.mu.Lock()
	n.enforcing = false
	n.mu.Unlock()

	n.logger.Info("Network enforcement disabled")
	return nil
}

func (n *NoOp) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{Enforcing: n.enforcing, Platform: runtime.GOOS, Backend: "none"}
}

var _ NetworkEnforcement = (*NoOp)(nil)
