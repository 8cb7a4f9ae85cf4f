// Package providers holds the built-in filters registered on every chain.
package providers

import (
	"context"

	"github.com/ospreyproxy/osprey/internal/filter"
	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// HopByHopFilter normalizes proxy-specific connection headers before a
// message is forwarded. Browsers speaking to a proxy send
// Proxy-Connection; origins expect Connection.
type HopByHopFilter struct {
	filter.BaseFilter
}

// NewHopByHopFilter creates the header normalization filter.
func NewHopByHopFilter() *HopByHopFilter {
	return &HopByHopFilter{}
}

func (f *HopByHopFilter) Name() string  { return "hop-by-hop" }
func (f *HopByHopFilter) Priority() int { return 100 }

// OnRequestHeaders renames Proxy-Connection to Connection, or drops it
// when a Connection header is already present.
func (f *HopByHopFilter) OnRequestHeaders(_ context.Context, _ *filter.Exchange, req *httpmsg.Request) (filter.Decision, error) {
	value, ok := req.Headers.Get("Proxy-Connection")
	if !ok {
		return filter.Decision{Verdict: filter.VerdictPass}, nil
	}

	req.Headers.Remove("Proxy-Connection")
	if _, has := req.Headers.Get("Connection"); !has {
		req.Headers.Add("Connection", value)
	}
	return filter.Decision{
		Verdict: filter.VerdictRewrite,
		Reason:  "normalized Proxy-Connection",
	}, nil
}
