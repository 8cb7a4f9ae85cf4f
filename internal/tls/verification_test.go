package tls

import (
	"testing"
)

func TestUpstreamPolicyShouldVerify(t *testing.T) {
	tests := []struct {
		name   string
		verify bool
		host   string
		want   bool
	}{
		{"verification disabled", false, "google.com", false},
		{"public host", true, "google.com", true},
		{"public host with port", true, "example.com:8443", true},
		{"localhost", true, "localhost", false},
		{"loopback ip", true, "127.0.0.1", false},
		{"loopback ipv6", true, "::1", false},
		{"private ip", true, "192.168.1.10", false},
		{"private ip with port", true, "10.0.0.5:443", false},
		{"mdns domain", true, "printer.local", false},
		{"test domain", true, "stage.test", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewUpstreamPolicy(tt.verify, false)
			if got := p.ShouldVerify(tt.host); got != tt.want {
				t.Errorf("ShouldVerify(%q) = %t, want %t", tt.host, got, tt.want)
			}
		})
	}
}

func TestUpstreamPolicyNilNeverVerifies(t *testing.T) {
	var p *UpstreamPolicy
	if p.ShouldVerify("google.com") {
		t.Error("nil policy must not verify")
	}
}
