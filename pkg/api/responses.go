package api

import (
	"github.com/manoj0727/Wi-fi-firewall/pkg/cache"
	"github.com/manoj0727/Wi-fi-firewall/pkg/dns"
	"github.com/manoj0727/Wi-fi-firewall/pkg/privacy"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"
	"github.com/manoj0727/Wi-fi-firewall/pkg/stats"
	"github.com/manoj0727/Wi-fi-firewall/pkg/storage"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	Version      string `json:"version"`
	RulesVersion uint64 `json:"rules_version"`
}

// DatabaseStatus reports whether the rule repository is reachable
type DatabaseStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// StatsResponse is the dashboard view of the aggregator
type StatsResponse struct {
	stats.Snapshot
	BlockRate    float64        `json:"block_rate"` // Percentage
	Cache        cache.Stats    `json:"cache"`
	RulesVersion uint64         `json:"rules_version"`
	Uptime       string         `json:"uptime"`
	Database     DatabaseStatus `json:"database"`
}

// HistoryResponse represents a page of recent queries
type HistoryResponse struct {
	Items  []stats.Event `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// LogsResponse represents a page of persisted access log entries
type LogsResponse struct {
	Logs   []*storage.AccessLog `json:"logs"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// RulesResponse wraps the current policy
type RulesResponse = dns.RulesUpdate

// TestDomainResponse reports how a domain would be decided
type TestDomainResponse struct {
	Domain  string        `json:"domain"`
	Status  string        `json:"status"`
	Verdict rules.Verdict `json:"verdict"`
}

// DeviceResponse is a device record with its block rate
type DeviceResponse struct {
	stats.DeviceRecord
	BlockRate float64 `json:"block_rate"`
}

// PrivacyResponse wraps privacy settings after an update
type PrivacyResponse struct {
	Success  bool             `json:"success"`
	Settings privacy.Settings `json:"settings"`
}

// SuccessResponse is returned by actions without a richer result
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    int               `json:"code"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func toDeviceResponse(d stats.DeviceRecord) DeviceResponse {
	return DeviceResponse{DeviceRecord: d, BlockRate: d.BlockRate()}
}

func toDeviceResponses(in []stats.DeviceRecord) []DeviceResponse {
	out := make([]DeviceResponse, 0, len(in))
	for _, d := range in {
		out = append(out, toDeviceResponse(d))
	}
	return out
}
