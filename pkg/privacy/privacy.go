// Package privacy rewrites query events before they are logged, broadcast or
// persisted.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/manoj0727/Wi-fi-firewall/pkg/stats"
)

// Mode selects how much of a query event is kept.
type Mode string

const (
	// ModeOff keeps events unchanged.
	ModeOff Mode = "off"
	// ModeBasic masks client addresses.
	ModeBasic Mode = "basic"
	// ModeEnhanced masks client addresses. Retention is shorter than basic.
	ModeEnhanced Mode = "enhanced"
	// ModeStrict masks client addresses and hashes domains.
	ModeStrict Mode = "strict"
)

// ErrInvalidMode is returned for an unknown privacy mode.
var ErrInvalidMode = errors.New("invalid privacy mode")

// ParseMode validates s as a privacy mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeBasic, ModeEnhanced, ModeStrict:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// RetentionDays is how long access logs are kept under m.
func (m Mode) RetentionDays() int {
	switch m {
	case ModeStrict:
		return 1
	case ModeEnhanced:
		return 7
	case ModeBasic:
		return 30
	default:
		return 90
	}
}

// Settings describes the effective privacy behavior.
type Settings struct {
	Mode            Mode `json:"mode"`
	IPAnonymization bool `json:"ip_anonymization"`
	DomainHashing   bool `json:"domain_hashing"`
	RetentionDays   int  `json:"data_retention_days"`
}

// Sanitizer applies the current mode to query events. The mode may be
// changed while queries are in flight.
type Sanitizer struct {
	mode atomic.Value // Mode

	// masked addresses are memoized per sanitizer
	maskCache sync.Map
}

// NewSanitizer creates a sanitizer in the given mode.
func NewSanitizer(mode Mode) *Sanitizer {
	s := &Sanitizer{}
	s.mode.Store(mode)
	return s
}

// Mode returns the current mode.
func (s *Sanitizer) Mode() Mode {
	return s.mode.Load().(Mode)
}

// SetMode switches the mode after validating it.
func (s *Sanitizer) SetMode(mode string) error {
	m, err := ParseMode(mode)
	if err != nil {
		return err
	}
	s.mode.Store(m)
	return nil
}

// Settings returns the effective behavior of the current mode.
func (s *Sanitizer) Settings() Settings {
	m := s.Mode()
	return Settings{
		Mode:            m,
		IPAnonymization: m != ModeOff,
		DomainHashing:   m == ModeStrict,
		RetentionDays:   m.RetentionDays(),
	}
}

// SanitizeQuery returns a copy of e with the client address masked, the
// device name removed and, in strict mode, the domain hashed.
func (s *Sanitizer) SanitizeQuery(e stats.Event) stats.Event {
	m := s.Mode()
	if m == ModeOff {
		return e
	}

	e.ClientIP = s.AnonymizeIP(e.ClientIP)
	e.DeviceName = ""
	if m == ModeStrict {
		e.Domain = HashDomain(e.Domain)
		if e.Verdict.Rule != "" {
			e.Verdict.Rule = HashDomain(e.Verdict.Rule)
		}
	}
	return e
}

// AnonymizeIP masks the host part of ip. IPv4 loses its last octet, IPv6
// keeps its first four groups.
func (s *Sanitizer) AnonymizeIP(ip string) string {
	if s.Mode() == ModeOff {
		return ip
	}
	if v, ok := s.maskCache.Load(ip); ok {
		return v.(string)
	}

	masked := maskIP(ip)
	s.maskCache.Store(ip, masked)
	return masked
}

func maskIP(ip string) string {
	parsed := net.ParseIP(ip)
	switch {
	case parsed == nil:
		return "anonymous"
	case parsed.To4() != nil:
		v4 := parsed.To4()
		return fmt.Sprintf("%d.%d.%d.xxx", v4[0], v4[1], v4[2])
	default:
		groups := strings.Split(expandIPv6(parsed), ":")
		return strings.Join(groups[:4], ":") + ":xxxx:xxxx:xxxx:xxxx"
	}
}

// expandIPv6 renders ip as eight colon-separated hex groups.
func expandIPv6(ip net.IP) string {
	b := ip.To16()
	groups := make([]string, 8)
	for i := range groups {
		groups[i] = fmt.Sprintf("%x", uint16(b[2*i])<<8|uint16(b[2*i+1]))
	}
	return strings.Join(groups, ":")
}

// HashDomain replaces domain with a short stable digest.
func HashDomain(domain string) string {
	sum := sha256.Sum256([]byte(domain))
	return hex.EncodeToString(sum[:])[:8] + ".hash"
}

// Reset drops memoized address masks.
func (s *Sanitizer) Reset() {
	s.maskCache.Range(func(k, _ any) bool {
		s.maskCache.Delete(k)
		return true
	})
}
