package tls

import (
	"net"
	"path/filepath"
	"strings"

	"github.com/ospreyproxy/osprey/internal/logging"
)

// UpstreamPolicy decides per origin whether the proxy verifies the
// upstream certificate chain. Even with verification enabled, obvious
// development and private-network origins stay permissive so local
// endpoints with self-signed certificates keep working.
type UpstreamPolicy struct {
	verify      bool
	enableDebug bool
}

// NewUpstreamPolicy creates a policy. verify=false disables verification
// everywhere.
func NewUpstreamPolicy(verify, enableDebug bool) *UpstreamPolicy {
	return &UpstreamPolicy{verify: verify, enableDebug: enableDebug}
}

// privatePatterns names origins that never get strict verification.
var privatePatterns = []string{
	"localhost",
	"*.local",
	"*.test",
	"*.internal",
	"*.lan",
}

// ShouldVerify reports whether the handshake to host must verify the
// presented chain.
func (p *UpstreamPolicy) ShouldVerify(host string) bool {
	if p == nil || !p.verify {
		return false
	}
	if isPrivateHost(host) {
		if p.enableDebug {
			logging.Debug("Skipping upstream verification for private origin %s", host)
		}
		return false
	}
	return true
}

func isPrivateHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
	}
	host = strings.ToLower(host)
	for _, pattern := range privatePatterns {
		if matched, _ := filepath.Match(pattern, host); matched {
			return true
		}
	}
	return false
}
