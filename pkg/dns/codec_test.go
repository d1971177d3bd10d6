package dns

import (
	"net"
	"testing"

	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	raw, err := m.Pack()
	require.NoError(t, err)
	return raw
}

func unpack(t *testing.T, raw []byte) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(raw))
	return m
}

func TestDecode(t *testing.T) {
	raw := packQuery(t, "WWW.Example.COM.", dns.TypeA)

	q, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", q.Name)
	assert.True(t, q.IsA())
	assert.True(t, q.RecursionDesired)
	assert.Equal(t, "A", q.TypeString())
}

func TestDecodeErrors(t *testing.T) {
	resp := new(dns.Msg)
	resp.SetQuestion("example.com.", dns.TypeA)
	resp.Response = true
	respRaw, err := resp.Pack()
	require.NoError(t, err)

	empty := new(dns.Msg)
	empty.Id = 7
	emptyRaw, err := empty.Pack()
	require.NoError(t, err)

	root := new(dns.Msg)
	root.SetQuestion(".", dns.TypeA)
	rootRaw, err := root.Pack()
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"garbage", []byte{0x01, 0x02, 0x03}},
		{"empty", nil},
		{"response", respRaw},
		{"no question", emptyRaw},
		{"root name", rootRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			require.Error(t, err)
			assert.True(t, IsParseError(err))
		})
	}
}

func TestEncodeBlocked(t *testing.T) {
	q, err := Decode(packQuery(t, "Ads.Tracker.io", dns.TypeA))
	require.NoError(t, err)

	out, err := Encode(q, rules.Verdict{Blocked: true}, net.ParseIP("1.2.3.4"))
	require.NoError(t, err)

	m := unpack(t, out)
	assert.Equal(t, q.ID, m.Id)
	assert.True(t, m.Response)
	assert.True(t, m.RecursionAvailable)
	require.Len(t, m.Question, 1)
	assert.Equal(t, "Ads.Tracker.io.", m.Question[0].Name)
	require.Len(t, m.Answer, 1)

	a, ok := m.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0", a.A.String())
	assert.Equal(t, uint32(AnswerTTL), a.Hdr.Ttl)
	assert.Equal(t, "Ads.Tracker.io.", a.Hdr.Name)
}

func TestEncodeAllowed(t *testing.T) {
	q, err := Decode(packQuery(t, "example.com", dns.TypeA))
	require.NoError(t, err)

	out, err := Encode(q, rules.Verdict{}, net.ParseIP("93.184.216.34"))
	require.NoError(t, err)

	m := unpack(t, out)
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "93.184.216.34", m.Answer[0].(*dns.A).A.String())
}

func TestEncodeFallsBackToBlockAddress(t *testing.T) {
	q, err := Decode(packQuery(t, "example.com", dns.TypeA))
	require.NoError(t, err)

	for _, addr := range []net.IP{nil, net.ParseIP("2001:db8::1")} {
		out, err := Encode(q, rules.Verdict{}, addr)
		require.NoError(t, err)
		m := unpack(t, out)
		require.Len(t, m.Answer, 1)
		assert.Equal(t, "0.0.0.0", m.Answer[0].(*dns.A).A.String())
	}
}

func TestEncodeNonA(t *testing.T) {
	q, err := Decode(packQuery(t, "example.com", dns.TypeAAAA))
	require.NoError(t, err)
	assert.False(t, q.IsA())

	out, err := Encode(q, rules.Verdict{}, nil)
	require.NoError(t, err)

	m := unpack(t, out)
	assert.Empty(t, m.Answer)
	assert.Equal(t, dns.RcodeSuccess, m.Rcode)
}
