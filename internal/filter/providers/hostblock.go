package providers

import (
	"context"
	"strings"

	"github.com/ospreyproxy/osprey/internal/filter"
	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// HostBlockFilter refuses requests to listed hosts with a synthetic 403.
// Entries are exact hostnames or "*.domain" suffix patterns.
type HostBlockFilter struct {
	filter.BaseFilter

	exact     map[string]bool
	wildcards []string
}

// NewHostBlockFilter creates a host blocklist filter.
func NewHostBlockFilter(hosts []string) *HostBlockFilter {
	f := &HostBlockFilter{exact: make(map[string]bool)}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if strings.HasPrefix(h, "*.") {
			f.wildcards = append(f.wildcards, h[1:]) // keep the leading dot
		} else {
			f.exact[h] = true
		}
	}
	return f
}

func (f *HostBlockFilter) Name() string  { return "host-block" }
func (f *HostBlockFilter) Priority() int { return 90 }

func (f *HostBlockFilter) blocked(host string) bool {
	host = strings.ToLower(host)
	if f.exact[host] {
		return true
	}
	for _, suffix := range f.wildcards {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

func (f *HostBlockFilter) OnRequestHeaders(_ context.Context, ex *filter.Exchange, req *httpmsg.Request) (filter.Decision, error) {
	host := req.Host
	if host == "" {
		host = ex.Host
	}
	if !f.blocked(host) {
		return filter.Decision{Verdict: filter.VerdictPass}, nil
	}
	return filter.Decision{
		Verdict:  filter.VerdictShortCircuit,
		Response: filter.SyntheticResponse(403, "Forbidden"),
		Reason:   "host " + host + " is blocked",
	}, nil
}
