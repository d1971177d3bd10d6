package api

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const cpuSampleInterval = 250 * time.Millisecond

// SystemMetrics describes the host and this process
type SystemMetrics struct {
	Hostname      string  `json:"hostname,omitempty"`
	Platform      string  `json:"platform"`
	HostUptime    uint64  `json:"host_uptime_seconds,omitempty"`
	NumCPU        int     `json:"num_cpu"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsed       uint64  `json:"mem_used_bytes"`
	MemTotal      uint64  `json:"mem_total_bytes"`
	MemPercent    float64 `json:"mem_percent"`
	TemperatureC  float64 `json:"temperature_c,omitempty"`
	TemperatureOK bool    `json:"temperature_available"`
}

// collectSystemMetrics samples process CPU and memory. Every sample is best
// effort; fields stay zero when the platform does not expose them.
func collectSystemMetrics(ctx context.Context) SystemMetrics {
	m := SystemMetrics{
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		m.Hostname = info.Hostname
		m.HostUptime = info.Uptime
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		// Per-core percentage, normalized to 0-100
		if pct, err := proc.PercentWithContext(ctx, cpuSampleInterval); err == nil && m.NumCPU > 0 {
			m.CPUPercent = pct / float64(m.NumCPU)
		} else if percents, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false); err == nil && len(percents) > 0 {
			m.CPUPercent = percents[0]
		}

		if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
			m.MemUsed = memInfo.RSS
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemTotal = vm.Total
		if m.MemTotal > 0 && m.MemUsed > 0 {
			m.MemPercent = float64(m.MemUsed) / float64(m.MemTotal) * 100
		}
	}

	m.TemperatureC, m.TemperatureOK = cpuTemperature(ctx)
	return m
}

// cpuTemperature prefers a package or cpu sensor and falls back to the mean
// of all non-zero readings. Usually unavailable in containers.
func cpuTemperature(ctx context.Context) (float64, bool) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil || len(temps) == 0 {
		return 0, false
	}

	var sum, count float64
	for _, sensor := range temps {
		if sensor.Temperature == 0 {
			continue
		}
		key := strings.ToLower(sensor.SensorKey)
		if strings.Contains(key, "package") || strings.Contains(key, "cpu") {
			return sensor.Temperature, true
		}
		sum += sensor.Temperature
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / count, true
}
