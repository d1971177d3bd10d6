package dns

import (
	"errors"
	"fmt"
	"net"

	"github.com/manoj0727/Wi-fi-firewall/pkg/pattern"
	"github.com/manoj0727/Wi-fi-firewall/pkg/rules"

	"github.com/miekg/dns"
)

// AnswerTTL is the TTL of every synthesized or forwarded answer, in seconds.
const AnswerTTL = 300

// BlockAddress is the answer given for blocked domains and failed lookups.
var BlockAddress = net.IPv4zero

var (
	errResponse   = errors.New("message is a response")
	errNoQuestion = errors.New("no question")
	errEmptyName  = errors.New("empty question name")
)

// ParseError reports an inbound datagram that could not be decoded. The
// pipeline drops such datagrams without replying.
type ParseError struct {
	Size int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed DNS message (%d bytes): %v", e.Size, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Query is a decoded inbound question.
type Query struct {
	ID               uint16
	Name             string // lower-cased, trailing dot stripped
	Type             uint16
	RecursionDesired bool

	msg *dns.Msg
}

// IsA reports whether the question asks for an IPv4 address.
func (q *Query) IsA() bool {
	return q.Type == dns.TypeA
}

// TypeString returns the mnemonic of the question type.
func (q *Query) TypeString() string {
	if s, ok := dns.TypeToString[q.Type]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", q.Type)
}

// Decode parses raw as a DNS query. Only the first question is used.
func Decode(raw []byte) (*Query, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, &ParseError{Size: len(raw), Err: err}
	}
	if msg.Response {
		return nil, &ParseError{Size: len(raw), Err: errResponse}
	}
	if len(msg.Question) == 0 {
		return nil, &ParseError{Size: len(raw), Err: errNoQuestion}
	}

	q := msg.Question[0]
	name := pattern.Normalize(q.Name)
	if name == "" {
		return nil, &ParseError{Size: len(raw), Err: errEmptyName}
	}

	return &Query{
		ID:               msg.Id,
		Name:             name,
		Type:             q.Qtype,
		RecursionDesired: msg.RecursionDesired,
		msg:              msg,
	}, nil
}

// Encode builds the reply to q. A-type questions get one A record carrying
// addr, or BlockAddress when the verdict blocks or addr is nil. Other types
// get an empty answer section.
func Encode(q *Query, v rules.Verdict, addr net.IP) ([]byte, error) {
	resp := new(dns.Msg)
	resp.SetReply(q.msg)
	resp.RecursionAvailable = true

	if q.IsA() {
		if v.Blocked || addr == nil || addr.To4() == nil {
			addr = BlockAddress
		}
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.msg.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    AnswerTTL,
			},
			A: addr.To4(),
		})
	}

	out, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack response for %s: %w", q.Name, err)
	}
	return out, nil
}
