package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// mockFilter returns a fixed decision from every hook.
type mockFilter struct {
	BaseFilter

	name     string
	priority int
	decision Decision
	err      error
	calls    int
}

func (m *mockFilter) Name() string  { return m.name }
func (m *mockFilter) Priority() int { return m.priority }

func (m *mockFilter) OnRequestHeaders(context.Context, *Exchange, *httpmsg.Request) (Decision, error) {
	m.calls++
	return m.decision, m.err
}

func testRequest() *httpmsg.Request {
	req := httpmsg.NewRequest()
	req.Method = "GET"
	req.URI = "/"
	req.Host = "example.com"
	req.Port = 80
	req.MajorVersion = 1
	req.MinorVersion = 1
	return req
}

func TestChainAddRemove(t *testing.T) {
	c := NewChain(false)

	f := &mockFilter{name: "a", priority: 1}
	if err := c.Add(f); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Add(f); err == nil {
		t.Error("Expected duplicate Add to fail")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	if err := c.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := c.Remove("a"); err == nil {
		t.Error("Expected second Remove to fail")
	}
}

func TestChainEmptyPasses(t *testing.T) {
	c := NewChain(false)
	d := c.OnRequestHeaders(context.Background(), &Exchange{}, testRequest())
	if d.Verdict != VerdictPass {
		t.Errorf("Verdict = %v, want pass", d.Verdict)
	}
}

func TestChainPriorityOrder(t *testing.T) {
	c := NewChain(false)

	low := &mockFilter{name: "low", priority: 1, decision: Decision{Verdict: VerdictPass}}
	high := &mockFilter{
		name:     "high",
		priority: 10,
		decision: Decision{
			Verdict:  VerdictShortCircuit,
			Response: SyntheticResponse(403, "Forbidden"),
		},
	}
	if err := c.Add(low); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(high); err != nil {
		t.Fatal(err)
	}

	d := c.OnRequestHeaders(context.Background(), &Exchange{}, testRequest())
	if d.Verdict != VerdictShortCircuit {
		t.Fatalf("Verdict = %v, want short-circuit", d.Verdict)
	}
	if d.FilterName != "high" {
		t.Errorf("FilterName = %q, want high", d.FilterName)
	}
	// the short circuit stops the chain before the low-priority filter
	if low.calls != 0 {
		t.Errorf("Low-priority filter ran %d times, want 0", low.calls)
	}
	if d.Response == nil || d.Response.StatusCode != 403 {
		t.Error("Expected the synthetic 403 to be carried on the decision")
	}
}

func TestChainFilterErrorSkipped(t *testing.T) {
	c := NewChain(false)

	broken := &mockFilter{name: "broken", priority: 10, err: errors.New("boom")}
	rewrite := &mockFilter{
		name:     "rewrite",
		priority: 1,
		decision: Decision{Verdict: VerdictRewrite, Reason: "touched"},
	}
	if err := c.Add(broken); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(rewrite); err != nil {
		t.Fatal(err)
	}

	d := c.OnRequestHeaders(context.Background(), &Exchange{}, testRequest())
	if d.Verdict != VerdictRewrite {
		t.Errorf("Verdict = %v, want rewrite despite the broken filter", d.Verdict)
	}

	stats := c.GetStats()
	if stats.Rewrites != 1 || stats.Evaluated != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestSyntheticResponse(t *testing.T) {
	resp := SyntheticResponse(502, "Bad Gateway")
	if resp.StatusCode != 502 || resp.Reason != "Bad Gateway" {
		t.Errorf("Status = %d %q", resp.StatusCode, resp.Reason)
	}
	if !resp.BodyComplete() || !resp.Deliverable() {
		t.Error("Synthetic response must be complete and deliverable")
	}
	if v, _ := resp.Headers.Get("Connection"); v != "close" {
		t.Errorf("Connection = %q, want close", v)
	}
	if resp.KeepAlive() {
		t.Error("Synthetic responses must not keep the connection alive")
	}
}

func TestVerdictString(t *testing.T) {
	tests := []struct {
		verdict Verdict
		want    string
	}{
		{VerdictPass, "pass"},
		{VerdictRewrite, "rewrite"},
		{VerdictShortCircuit, "short-circuit"},
		{Verdict(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.verdict.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.verdict, got, tt.want)
		}
	}
}
