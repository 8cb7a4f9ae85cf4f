package providers

import (
	"context"
	"testing"

	"github.com/ospreyproxy/osprey/internal/filter"
	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

func proxiedRequest(host string) *httpmsg.Request {
	req := httpmsg.NewRequest()
	req.Method = "GET"
	req.URI = "/"
	req.Host = host
	req.Port = 80
	req.MajorVersion = 1
	req.MinorVersion = 1
	req.Headers.Add("Host", host)
	return req
}

func TestHopByHopRename(t *testing.T) {
	f := NewHopByHopFilter()

	req := proxiedRequest("example.com")
	req.Headers.Add("Proxy-Connection", "Keep-Alive")

	d, err := f.OnRequestHeaders(context.Background(), &filter.Exchange{}, req)
	if err != nil {
		t.Fatalf("OnRequestHeaders failed: %v", err)
	}
	if d.Verdict != filter.VerdictRewrite {
		t.Errorf("Verdict = %v, want rewrite", d.Verdict)
	}
	if _, ok := req.Headers.Get("Proxy-Connection"); ok {
		t.Error("Proxy-Connection should be gone")
	}
	if v, _ := req.Headers.Get("Connection"); v != "Keep-Alive" {
		t.Errorf("Connection = %q, want Keep-Alive", v)
	}
}

func TestHopByHopPrefersExistingConnection(t *testing.T) {
	f := NewHopByHopFilter()

	req := proxiedRequest("example.com")
	req.Headers.Add("Connection", "close")
	req.Headers.Add("Proxy-Connection", "Keep-Alive")

	if _, err := f.OnRequestHeaders(context.Background(), &filter.Exchange{}, req); err != nil {
		t.Fatal(err)
	}
	if v, _ := req.Headers.Get("Connection"); v != "close" {
		t.Errorf("Connection = %q, want the original close", v)
	}
}

func TestHopByHopNoHeader(t *testing.T) {
	f := NewHopByHopFilter()

	req := proxiedRequest("example.com")
	d, err := f.OnRequestHeaders(context.Background(), &filter.Exchange{}, req)
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != filter.VerdictPass {
		t.Errorf("Verdict = %v, want pass", d.Verdict)
	}
}

func TestHostBlock(t *testing.T) {
	f := NewHostBlockFilter([]string{"blocked.example", "*.ads.example"})

	tests := []struct {
		host string
		want filter.Verdict
	}{
		{"blocked.example", filter.VerdictShortCircuit},
		{"BLOCKED.example", filter.VerdictShortCircuit},
		{"x.ads.example", filter.VerdictShortCircuit},
		{"deep.x.ads.example", filter.VerdictShortCircuit},
		{"example.com", filter.VerdictPass},
		{"ads.example", filter.VerdictPass},
	}

	for _, tt := range tests {
		d, err := f.OnRequestHeaders(context.Background(), &filter.Exchange{}, proxiedRequest(tt.host))
		if err != nil {
			t.Fatalf("OnRequestHeaders(%q) failed: %v", tt.host, err)
		}
		if d.Verdict != tt.want {
			t.Errorf("Verdict for %q = %v, want %v", tt.host, d.Verdict, tt.want)
		}
		if tt.want == filter.VerdictShortCircuit && (d.Response == nil || d.Response.StatusCode != 403) {
			t.Errorf("Expected a synthetic 403 for %q", tt.host)
		}
	}
}

func TestClientIPBlock(t *testing.T) {
	f := NewClientIPFilter([]string{"10.0.0.0/8", "192.168.1.5", "garbage"})

	tests := []struct {
		addr string
		want filter.Verdict
	}{
		{"10.1.2.3:5555", filter.VerdictShortCircuit},
		{"192.168.1.5:1234", filter.VerdictShortCircuit},
		{"192.168.1.6:1234", filter.VerdictPass},
		{"172.16.0.1:80", filter.VerdictPass},
	}

	for _, tt := range tests {
		d, err := f.OnRequestHeaders(context.Background(), &filter.Exchange{ClientAddr: tt.addr}, proxiedRequest("example.com"))
		if err != nil {
			t.Fatalf("OnRequestHeaders(%q) failed: %v", tt.addr, err)
		}
		if d.Verdict != tt.want {
			t.Errorf("Verdict for %q = %v, want %v", tt.addr, d.Verdict, tt.want)
		}
	}
}
