package stats

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAggregator(opts ...Option) *Aggregator {
	logger := logging.NewWithWriter(&discard{}, "error")
	return New(&config.StatsConfig{}, logger, nil, opts...)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func blocked(domain, ip string, at time.Time) Event {
	return Event{Domain: domain, ClientIP: ip, Timestamp: at,
		Verdict: rules.Verdict{Blocked: true, Rule: domain, Source: rules.SourceExplicitBlock}}
}

func allowed(domain, ip string, at time.Time) Event {
	return Event{Domain: domain, ClientIP: ip, Timestamp: at}
}

func TestRecordCounters(t *testing.T) {
	a := newTestAggregator()

	a.Record(blocked("a.com", "10.0.0.5", base))
	a.Record(allowed("b.com", "10.0.0.5", base.Add(time.Second)))
	snap := a.Record(blocked("a.com", "10.0.0.5", base.Add(2*time.Second)))

	assert.Equal(t, uint64(3), snap.TotalQueries)
	assert.Equal(t, uint64(2), snap.BlockedQueries)
	assert.Equal(t, uint64(1), snap.AllowedQueries)
	assert.Equal(t, []DomainCount{{Domain: "a.com", Count: 2}}, snap.TopBlocked)
	assert.Equal(t, []DomainCount{{Domain: "b.com", Count: 1}}, snap.TopAllowed)
}

func TestTopTiesKeepFirstSeenOrder(t *testing.T) {
	a := newTestAggregator()
	for _, d := range []string{"z.com", "y.com", "x.com", "x.com", "w.com"} {
		a.Record(blocked(d, "10.0.0.1", base))
	}

	got := a.Snapshot().TopBlocked
	require.Len(t, got, 4)
	assert.Equal(t, "x.com", got[0].Domain)
	assert.Equal(t, []string{"z.com", "y.com", "w.com"},
		[]string{got[1].Domain, got[2].Domain, got[3].Domain})
}

func TestTopIsBounded(t *testing.T) {
	a := newTestAggregator()
	for i := 0; i < 25; i++ {
		a.Record(allowed(fmt.Sprintf("d%d.com", i), "10.0.0.1", base))
	}
	assert.Len(t, a.Snapshot().TopAllowed, 10)
}

func TestDeviceRecord(t *testing.T) {
	a := newTestAggregator()

	a.Record(blocked("a.com", "10.0.0.5", base))
	a.Record(allowed("b.com", "10.0.0.5", base.Add(time.Minute)))

	snap := a.Snapshot()
	require.Len(t, snap.Devices, 1)

	dev := snap.Devices[0]
	assert.Equal(t, "10.0.0.5", dev.IP)
	assert.Equal(t, "Device 5", dev.Name)
	assert.Equal(t, uint64(2), dev.TotalQueries)
	assert.Equal(t, uint64(1), dev.BlockedQueries)
	assert.Equal(t, uint64(1), dev.AllowedQueries)
	assert.Equal(t, base, dev.FirstSeen)
	assert.Equal(t, base.Add(time.Minute), dev.LastSeen)
	assert.Equal(t, 50.0, dev.BlockRate())

	require.Len(t, dev.RecentActivity, 2)
	assert.Equal(t, "b.com", dev.RecentActivity[0].Domain)
	assert.Equal(t, "allowed", dev.RecentActivity[0].Action)
	assert.Equal(t, "blocked", dev.RecentActivity[1].Action)
}

func TestLastSeenMonotonic(t *testing.T) {
	a := newTestAggregator()

	a.Record(allowed("a.com", "10.0.0.5", base.Add(time.Minute)))
	a.Record(allowed("b.com", "10.0.0.5", base))

	dev, ok := a.Device("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), dev.LastSeen)
}

func TestRecentActivityBounded(t *testing.T) {
	a := newTestAggregator()
	for i := 0; i < 60; i++ {
		a.Record(allowed(fmt.Sprintf("d%d.com", i), "10.0.0.5", base.Add(time.Duration(i)*time.Second)))
	}

	dev, _ := a.Device("10.0.0.5")
	require.Len(t, dev.RecentActivity, 50)
	assert.Equal(t, "d59.com", dev.RecentActivity[0].Domain)
	assert.Equal(t, "d10.com", dev.RecentActivity[49].Domain)
}

func TestHistoryBounded(t *testing.T) {
	a := newTestAggregator()
	for i := 0; i < 1001; i++ {
		a.Record(allowed(fmt.Sprintf("d%d.com", i), "10.0.0.5", base))
	}

	snap := a.Snapshot()
	require.Len(t, snap.History, 1000)
	assert.Equal(t, "d1000.com", snap.History[0].Domain)
	assert.Equal(t, "d1.com", snap.History[999].Domain)
}

func TestHistoryPaging(t *testing.T) {
	a := newTestAggregator()
	for i := 0; i < 5; i++ {
		a.Record(allowed(fmt.Sprintf("d%d.com", i), "10.0.0.5", base))
	}

	items, total := a.History(2, 1)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, "d3.com", items[0].Domain)
	assert.Equal(t, "d2.com", items[1].Domain)

	items, _ = a.History(10, 10)
	assert.Empty(t, items)
}

func TestHistorySanitizer(t *testing.T) {
	a := newTestAggregator(WithHistorySanitizer(func(e Event) Event {
		e.ClientIP = "masked"
		return e
	}))

	a.Record(allowed("a.com", "10.0.0.5", base))

	items, _ := a.History(1, 0)
	require.Len(t, items, 1)
	assert.Equal(t, "masked", items[0].ClientIP)

	_, ok := a.Device("10.0.0.5")
	assert.True(t, ok, "devices are keyed by the raw address")
}

func TestClear(t *testing.T) {
	a := newTestAggregator()
	a.SetDeviceName("10.0.0.5", "Laptop")
	a.Record(blocked("a.com", "10.0.0.5", base))
	a.RecordParseError()

	snap := a.Clear()
	assert.Zero(t, snap.TotalQueries)
	assert.Zero(t, snap.ParseErrors)
	assert.Empty(t, snap.Devices)
	assert.Empty(t, snap.History)
	assert.Empty(t, snap.TopBlocked)

	a.Record(allowed("b.com", "10.0.0.5", base))
	dev, _ := a.Device("10.0.0.5")
	assert.Equal(t, "Laptop", dev.Name)
	assert.Equal(t, uint64(1), dev.TotalQueries)
}

func TestRecordParseError(t *testing.T) {
	a := newTestAggregator()
	a.RecordParseError()
	a.RecordParseError()
	assert.Equal(t, uint64(2), a.Snapshot().ParseErrors)
	assert.Zero(t, a.Snapshot().TotalQueries)
}

func TestSetDeviceName(t *testing.T) {
	a := newTestAggregator()
	a.Record(allowed("a.com", "192.168.1.20", base))
	a.SetDeviceName("192.168.1.20", "Kitchen tablet")

	dev, _ := a.Device("192.168.1.20")
	assert.Equal(t, "Kitchen tablet", dev.Name)

	a.Record(Event{Domain: "b.com", ClientIP: "192.168.1.20", DeviceName: "ignored", Timestamp: base})
	dev, _ = a.Device("192.168.1.20")
	assert.Equal(t, "Kitchen tablet", dev.Name)
}

func TestDefaultDeviceName(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"127.0.0.1", "Local Server"},
		{"::1", "Local Server"},
		{"192.168.1.42", "Device 42"},
		{"10.1.2.3", "Device 3"},
		{"172.16.0.9", "Device 9"},
		{"8.8.8.8", "Unknown Device (8.8.8.8)"},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultDeviceName(tt.ip))
		})
	}
}

func TestSweep(t *testing.T) {
	a := newTestAggregator()
	a.Record(allowed("a.com", "10.0.0.1", base))
	a.Record(allowed("a.com", "10.0.0.2", base.Add(4*time.Minute)))

	// Status only changes on sweep
	assert.Len(t, a.ActiveDevices(), 2)

	active := a.Sweep(base.Add(6 * time.Minute))
	assert.Equal(t, 1, active)

	devs := a.ActiveDevices()
	require.Len(t, devs, 1)
	assert.Equal(t, "10.0.0.2", devs[0].IP)

	dev, _ := a.Device("10.0.0.1")
	assert.Equal(t, StatusInactive, dev.Status)
}

func TestStartStop(t *testing.T) {
	clock := base.Add(time.Hour)
	var mu sync.Mutex
	a := New(&config.StatsConfig{SweepInterval: 10 * time.Millisecond},
		logging.NewWithWriter(&discard{}, "error"), nil,
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		}))

	a.Record(allowed("a.com", "10.0.0.1", base))

	a.Start(context.Background())
	a.Start(context.Background())
	defer a.Stop()

	assert.Eventually(t, func() bool {
		return len(a.ActiveDevices()) == 0
	}, time.Second, 5*time.Millisecond)

	a.Stop()
	a.Stop()
}

func TestConcurrentRecord(t *testing.T) {
	a := newTestAggregator()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ip := fmt.Sprintf("10.0.0.%d", g)
				if i%2 == 0 {
					a.Record(blocked("a.com", ip, base))
				} else {
					a.Record(allowed("b.com", ip, base))
				}
				if i%50 == 0 {
					a.Sweep(base)
				}
			}
		}(g)
	}
	wg.Wait()

	snap := a.Snapshot()
	assert.Equal(t, uint64(1600), snap.TotalQueries)
	assert.Equal(t, uint64(800), snap.BlockedQueries)
	assert.Len(t, snap.Devices, 8)
	for _, dev := range snap.Devices {
		assert.Equal(t, uint64(200), dev.TotalQueries)
	}
}

func TestTopFollowsOvertakes(t *testing.T) {
	a := New(&config.StatsConfig{TopN: 2}, logging.NewWithWriter(&discard{}, "error"), nil)

	for _, d := range []string{"a.com", "b.com", "c.com", "c.com", "b.com", "b.com"} {
		a.Observe(blocked(d, "10.0.0.1", base))
	}

	assert.Equal(t, []DomainCount{
		{Domain: "b.com", Count: 3},
		{Domain: "c.com", Count: 2},
	}, a.Snapshot().TopBlocked)

	// a.com ties c.com and was seen first, so it takes the slot
	a.Observe(blocked("a.com", "10.0.0.1", base))
	assert.Equal(t, []DomainCount{
		{Domain: "b.com", Count: 3},
		{Domain: "a.com", Count: 2},
	}, a.Snapshot().TopBlocked)
}

func TestTrackedDomainsArePruned(t *testing.T) {
	a := New(&config.StatsConfig{TopN: 2, MaxTrackedDomains: 100}, logging.NewWithWriter(&discard{}, "error"), nil)

	a.Observe(allowed("popular.com", "10.0.0.1", base))
	a.Observe(allowed("popular.com", "10.0.0.1", base))
	for i := 0; i < 1000; i++ {
		a.Observe(allowed(fmt.Sprintf("d%d.com", i), "10.0.0.1", base))
	}

	_, tracked := a.TrackedDomains()
	assert.LessOrEqual(t, tracked, 100)

	top := a.Snapshot().TopAllowed
	require.Len(t, top, 2)
	assert.Equal(t, DomainCount{Domain: "popular.com", Count: 2}, top[0])
	assert.Equal(t, uint64(1002), a.Snapshot().TotalQueries)
}

func TestObserveMatchesRecord(t *testing.T) {
	a := newTestAggregator()
	b := newTestAggregator()

	for _, e := range []Event{
		blocked("a.com", "10.0.0.5", base),
		allowed("b.com", "10.0.0.6", base.Add(time.Second)),
	} {
		a.Observe(e)
		b.Record(e)
	}
	assert.Equal(t, b.Snapshot(), a.Snapshot())
}
