package dnsx

import (
	"context"
	"testing"
	"time"
)

func TestLookupIPLiteral(t *testing.T) {
	r := NewResolver(nil)

	for _, host := range []string{"127.0.0.1", "::1", "10.1.2.3"} {
		ips, err := r.LookupIP(context.Background(), host)
		if err != nil {
			t.Fatalf("LookupIP(%q) failed: %v", host, err)
		}
		if len(ips) != 1 || ips[0].String() != host {
			t.Errorf("LookupIP(%q) = %v", host, ips)
		}
	}

	// literals never count as queries
	if queries, _ := r.Stats(); queries != 0 {
		t.Errorf("queries = %d, want 0", queries)
	}
}

func TestLookupUnreachableUpstream(t *testing.T) {
	r := NewResolver(&Config{
		Upstream:       "127.0.0.1:1", // nothing listens here
		TimeoutSeconds: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := r.LookupIP(ctx, "example.com"); err == nil {
		t.Fatal("Expected lookup against dead upstream to fail")
	}
	if _, failed := r.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestResolverDefaults(t *testing.T) {
	r := NewResolver(nil)
	if r.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", r.timeout)
	}
	if r.upstream != "" {
		t.Errorf("upstream = %q, want system resolver", r.upstream)
	}
}
