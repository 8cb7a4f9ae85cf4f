package filter

import (
	"context"

	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// Verdict represents the decision made by a filter.
type Verdict int

const (
	// VerdictPass lets the message through unchanged.
	VerdictPass Verdict = iota
	// VerdictRewrite lets the message through after the filter mutated it
	// in place.
	VerdictRewrite
	// VerdictShortCircuit stops forwarding and answers the client with
	// the decision's synthetic response.
	VerdictShortCircuit
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictRewrite:
		return "rewrite"
	case VerdictShortCircuit:
		return "short-circuit"
	default:
		return "unknown"
	}
}

// Exchange carries the connection facts a filter can key on.
type Exchange struct {
	ClientAddr string
	Host       string
	Port       int
	HTTPS      bool

	// Proxied is true for plain absolute-form proxying, false inside a
	// CONNECT tunnel.
	Proxied bool
}

// Decision is the outcome of running a filter, or of the whole chain.
type Decision struct {
	Verdict    Verdict
	Response   *httpmsg.Response // set for short circuits
	FilterName string
	Reason     string
}

// Filter hooks into the exchange at header and body boundaries.
type Filter interface {
	Name() string
	Priority() int
	OnRequestHeaders(ctx context.Context, ex *Exchange, req *httpmsg.Request) (Decision, error)
	OnResponseHeaders(ctx context.Context, ex *Exchange, resp *httpmsg.Response) (Decision, error)
	OnBodyChunk(ctx context.Context, ex *Exchange, chunk []byte, isRequest bool) (Decision, error)
}

// BaseFilter is a no-op Filter for embedding, so concrete filters only
// implement the hooks they care about.
type BaseFilter struct{}

func (BaseFilter) OnRequestHeaders(context.Context, *Exchange, *httpmsg.Request) (Decision, error) {
	return Decision{Verdict: VerdictPass}, nil
}

func (BaseFilter) OnResponseHeaders(context.Context, *Exchange, *httpmsg.Response) (Decision, error) {
	return Decision{Verdict: VerdictPass}, nil
}

func (BaseFilter) OnBodyChunk(context.Context, *Exchange, []byte, bool) (Decision, error) {
	return Decision{Verdict: VerdictPass}, nil
}

// SyntheticResponse builds an in-memory response for short circuits and
// proxy-generated errors.
func SyntheticResponse(status int, reason string) *httpmsg.Response {
	resp := httpmsg.NewResponse()
	resp.MajorVersion = 1
	resp.MinorVersion = 1
	resp.StatusCode = status
	resp.Reason = reason
	resp.Headers.Add("Content-Length", "0")
	resp.Headers.Add("Connection", "close")
	resp.MarkBodyComplete()
	resp.MarkDeliverable()
	return resp
}
