package providers

import (
	"context"
	"log"
	"net"

	"github.com/ospreyproxy/osprey/internal/filter"
	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// ClientIPFilter refuses clients whose address falls in a listed range.
// Entries are single addresses or CIDR blocks.
type ClientIPFilter struct {
	filter.BaseFilter

	blocked []*net.IPNet
}

// NewClientIPFilter creates a client address blocklist filter. Entries
// that parse as neither an address nor a CIDR are logged and skipped.
func NewClientIPFilter(entries []string) *ClientIPFilter {
	f := &ClientIPFilter{}
	for _, entry := range entries {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			f.blocked = append(f.blocked, cidr)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			f.blocked = append(f.blocked, &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(bits, bits),
			})
			continue
		}
		log.Printf("Ignoring unparsable client IP filter entry %q", entry)
	}
	return f
}

func (f *ClientIPFilter) Name() string  { return "client-ip" }
func (f *ClientIPFilter) Priority() int { return 95 }

func (f *ClientIPFilter) OnRequestHeaders(_ context.Context, ex *filter.Exchange, _ *httpmsg.Request) (filter.Decision, error) {
	host, _, err := net.SplitHostPort(ex.ClientAddr)
	if err != nil {
		host = ex.ClientAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return filter.Decision{Verdict: filter.VerdictPass}, nil
	}

	for _, cidr := range f.blocked {
		if cidr.Contains(ip) {
			return filter.Decision{
				Verdict:  filter.VerdictShortCircuit,
				Response: filter.SyntheticResponse(403, "Forbidden"),
				Reason:   "client " + host + " is blocked",
			}, nil
		}
	}
	return filter.Decision{Verdict: filter.VerdictPass}, nil
}
