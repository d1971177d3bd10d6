package stats

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Device status values
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Activity is one entry of a device's recent activity.
type Activity struct {
	Domain    string    `json:"domain"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceRecord holds running statistics for one client IP.
type DeviceRecord struct {
	IP             string     `json:"ip"`
	Name           string     `json:"name"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	TotalQueries   uint64     `json:"total_queries"`
	BlockedQueries uint64     `json:"blocked_queries"`
	AllowedQueries uint64     `json:"allowed_queries"`
	RecentActivity []Activity `json:"recent_activity"`
	Status         string     `json:"status"`
}

// BlockRate returns the blocked share of queries as a percentage.
func (d DeviceRecord) BlockRate() float64 {
	if d.TotalQueries == 0 {
		return 0
	}
	return float64(d.BlockedQueries) / float64(d.TotalQueries) * 100
}

func (d *DeviceRecord) clone() DeviceRecord {
	out := *d
	out.RecentActivity = make([]Activity, len(d.RecentActivity))
	copy(out.RecentActivity, d.RecentActivity)
	return out
}

// push prepends a to the activity list, keeping at most limit entries.
func (d *DeviceRecord) push(a Activity, limit int) {
	if len(d.RecentActivity) < limit {
		d.RecentActivity = append(d.RecentActivity, Activity{})
	}
	copy(d.RecentActivity[1:], d.RecentActivity[:len(d.RecentActivity)-1])
	d.RecentActivity[0] = a
}

var privateBlocks = func() []*net.IPNet {
	var blocks []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, block, _ := net.ParseCIDR(cidr)
		blocks = append(blocks, block)
	}
	return blocks
}()

// DefaultDeviceName derives a display name from the client address.
func DefaultDeviceName(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.IsLoopback() {
		return "Local Server"
	}
	if parsed != nil && parsed.To4() != nil {
		for _, block := range privateBlocks {
			if block.Contains(parsed) {
				return fmt.Sprintf("Device %s", ip[strings.LastIndexByte(ip, '.')+1:])
			}
		}
	}
	return fmt.Sprintf("Unknown Device (%s)", ip)
}
