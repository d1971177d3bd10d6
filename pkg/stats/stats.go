// Package stats aggregates query counters, top domains, global history and
// per-device records.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
	"github.com/manoj0727/Wi-fi-firewall/pkg/telemetry"
)

// Event describes one answered query.
type Event struct {
	Domain     string        `json:"domain"`
	ClientIP   string        `json:"client_ip"`
	DeviceName string        `json:"device_name,omitempty"`
	Verdict    rules.Verdict `json:"verdict"`
	Timestamp  time.Time     `json:"timestamp"`
	Cached     bool          `json:"cached"`
}

// Action returns "blocked" or "allowed".
func (e Event) Action() string {
	return e.Verdict.Status()
}

// DomainCount is one row of a top-domain table.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  uint64 `json:"count"`
}

// Snapshot is a point-in-time copy of the aggregate state.
type Snapshot struct {
	TotalQueries   uint64         `json:"total_queries"`
	BlockedQueries uint64         `json:"blocked_queries"`
	AllowedQueries uint64         `json:"allowed_queries"`
	ParseErrors    uint64         `json:"parse_errors"`
	TopBlocked     []DomainCount  `json:"top_blocked"`
	TopAllowed     []DomainCount  `json:"top_allowed"`
	Devices        []DeviceRecord `json:"devices"`
	History        []Event        `json:"history"`
}

// Aggregator is safe for concurrent use. One mutex guards counters, devices
// and history; the sweep takes the same lock.
type Aggregator struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics

	historySize   int
	activitySize  int
	topN          int
	maxDomains    int
	activeWindow  time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	sanitize      func(Event) Event

	mu          sync.Mutex
	total       uint64
	blocked     uint64
	allowed     uint64
	parseErrors uint64
	topBlocked  *counter
	topAllowed  *counter
	devices     map[string]*DeviceRecord
	deviceOrder []string
	names       map[string]string
	history     *ring

	started  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithHistorySanitizer rewrites events before they enter the global history.
// Device records always see the raw event.
func WithHistorySanitizer(fn func(Event) Event) Option {
	return func(a *Aggregator) { a.sanitize = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator. Zero values in cfg fall back to the defaults.
func New(cfg *config.StatsConfig, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:        logger,
		metrics:       metrics,
		historySize:   orDefault(cfg.HistorySize, 1000),
		activitySize:  orDefault(cfg.ActivitySize, 50),
		topN:          orDefault(cfg.TopN, 10),
		maxDomains:    orDefault(cfg.MaxTrackedDomains, 50000),
		activeWindow:  cfg.ActiveWindow,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
		devices:       make(map[string]*DeviceRecord),
		names:         make(map[string]string),
	}
	a.topBlocked = newCounter(a.topN, a.maxDomains)
	a.topAllowed = newCounter(a.topN, a.maxDomains)
	if a.activeWindow <= 0 {
		a.activeWindow = 5 * time.Minute
	}
	if a.sweepInterval <= 0 {
		a.sweepInterval = 30 * time.Second
	}
	for _, opt := range opts {
		opt(a)
	}
	a.history = newRing(a.historySize)
	return a
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Record applies one query event and returns the resulting snapshot.
func (a *Aggregator) Record(e Event) Snapshot {
	a.Observe(e)
	return a.Snapshot()
}

// Observe applies one query event. It does not build a snapshot, so its
// cost does not grow with the history or device tables.
func (a *Aggregator) Observe(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	if e.Verdict.Blocked {
		a.blocked++
		a.topBlocked.inc(e.Domain)
	} else {
		a.allowed++
		a.topAllowed.inc(e.Domain)
	}

	dev := a.deviceLocked(e)
	dev.TotalQueries++
	if e.Verdict.Blocked {
		dev.BlockedQueries++
	} else {
		dev.AllowedQueries++
	}
	if e.Timestamp.After(dev.LastSeen) {
		dev.LastSeen = e.Timestamp
	}
	dev.push(Activity{Domain: e.Domain, Action: e.Action(), Timestamp: e.Timestamp}, a.activitySize)

	entry := e
	if a.sanitize != nil {
		entry = a.sanitize(e)
	}
	a.history.push(entry)
}

// deviceLocked returns the record for e.ClientIP, creating it on first sight.
func (a *Aggregator) deviceLocked(e Event) *DeviceRecord {
	if dev, ok := a.devices[e.ClientIP]; ok {
		if _, named := a.names[e.ClientIP]; !named && e.DeviceName != "" {
			dev.Name = e.DeviceName
		}
		return dev
	}

	name, ok := a.names[e.ClientIP]
	if !ok {
		name = e.DeviceName
	}
	if name == "" {
		name = DefaultDeviceName(e.ClientIP)
	}

	dev := &DeviceRecord{
		IP:             e.ClientIP,
		Name:           name,
		FirstSeen:      e.Timestamp,
		LastSeen:       e.Timestamp,
		RecentActivity: make([]Activity, 0, a.activitySize),
		Status:         StatusActive,
	}
	a.devices[e.ClientIP] = dev
	a.deviceOrder = append(a.deviceOrder, e.ClientIP)
	return dev
}

// RecordParseError counts a dropped malformed packet.
func (a *Aggregator) RecordParseError() {
	a.mu.Lock()
	a.parseErrors++
	a.mu.Unlock()
}

// Snapshot returns a copy of the aggregate state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		TotalQueries:   a.total,
		BlockedQueries: a.blocked,
		AllowedQueries: a.allowed,
		ParseErrors:    a.parseErrors,
		TopBlocked:     a.topBlocked.table(),
		TopAllowed:     a.topAllowed.table(),
		Devices:        a.devicesLocked(),
		History:        a.history.page(0, 0),
	}
}

func (a *Aggregator) devicesLocked() []DeviceRecord {
	out := make([]DeviceRecord, 0, len(a.deviceOrder))
	for _, ip := range a.deviceOrder {
		out = append(out, a.devices[ip].clone())
	}
	return out
}

// Clear resets counters, history and device records. Names set through
// SetDeviceName survive.
func (a *Aggregator) Clear() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total, a.blocked, a.allowed, a.parseErrors = 0, 0, 0, 0
	a.topBlocked = newCounter(a.topN, a.maxDomains)
	a.topAllowed = newCounter(a.topN, a.maxDomains)
	a.devices = make(map[string]*DeviceRecord)
	a.deviceOrder = nil
	a.history.reset()

	a.logger.Info("Statistics cleared")
	return a.snapshotLocked()
}

// TrackedDomains returns how many distinct blocked and allowed domains are
// currently counted.
func (a *Aggregator) TrackedDomains() (blocked, allowed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topBlocked.tracked(), a.topAllowed.tracked()
}

// History returns up to limit history entries newest first, skipping offset,
// and the total number of entries held.
func (a *Aggregator) History(limit, offset int) ([]Event, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history.page(limit, offset), a.history.len()
}

// SetDeviceName assigns a display name to ip. The name applies to an
// existing record immediately and to a record created later.
func (a *Aggregator) SetDeviceName(ip, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.names[ip] = name
	if dev, ok := a.devices[ip]; ok {
		dev.Name = name
	}
}

// Device returns a copy of the record for ip.
func (a *Aggregator) Device(ip string) (DeviceRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dev, ok := a.devices[ip]
	if !ok {
		return DeviceRecord{}, false
	}
	return dev.clone(), true
}

// Devices returns copies of every device record in first-seen order.
func (a *Aggregator) Devices() []DeviceRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.devicesLocked()
}

// ActiveDevices returns the records whose status is active as of the last
// sweep.
func (a *Aggregator) ActiveDevices() []DeviceRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []DeviceRecord
	for _, ip := range a.deviceOrder {
		if dev := a.devices[ip]; dev.Status == StatusActive {
			out = append(out, dev.clone())
		}
	}
	return out
}

// Sweep recomputes every device status against now and returns the number
// of active devices.
func (a *Aggregator) Sweep(now time.Time) int {
	a.mu.Lock()
	active := 0
	for _, dev := range a.devices {
		if now.Sub(dev.LastSeen) <= a.activeWindow {
			dev.Status = StatusActive
			active++
		} else {
			dev.Status = StatusInactive
		}
	}
	a.mu.Unlock()

	a.metrics.RecordActiveDevices(context.Background(), active)
	return active
}

// Start launches the periodic device sweep.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		a.logger.Warn("Stats aggregator already started")
		return
	}
	a.stopChan = make(chan struct{})

	a.wg.Add(1)
	go a.sweepLoop(ctx)
}

// Stop halts the sweep and waits for it to exit.
func (a *Aggregator) Stop() {
	if !a.started.CompareAndSwap(true, false) {
		return
	}
	close(a.stopChan)
	a.wg.Wait()
}

func (a *Aggregator) sweepLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	a.logger.Debug("Device sweep loop started", "interval", a.sweepInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-ticker.C:
			active := a.Sweep(a.now())
			a.logger.Debug("Device sweep completed", "active", active)
		}
	}
}
