package proxy

import (
	"github.com/ospreyproxy/osprey/internal/capture"
	"github.com/ospreyproxy/osprey/internal/cert"
	"github.com/ospreyproxy/osprey/internal/filter"
	"github.com/ospreyproxy/osprey/internal/session"
	tlsx "github.com/ospreyproxy/osprey/internal/tls"
	"github.com/ospreyproxy/osprey/internal/worker"
)

// StatsSnapshot aggregates the counters of every component.
type StatsSnapshot struct {
	Sessions session.StatsSnapshot          `json:"sessions"`
	Certs    cert.StatsSnapshot             `json:"certs"`
	Filters  filter.StatsSnapshot           `json:"filters"`
	Capture  capture.StatsSnapshot          `json:"capture"`
	TLSCache tlsx.SessionCacheStatsSnapshot `json:"tls_cache"`
	Workers  worker.StatsSnapshot           `json:"workers"`

	ResolverQueries int64 `json:"resolver_queries"`
	ResolverFailed  int64 `json:"resolver_failed"`
}

// GetStats returns a snapshot across all components.
func (s *Server) GetStats() StatsSnapshot {
	queries, failed := s.resolver.Stats()
	return StatsSnapshot{
		Sessions:        s.sessions.GetStats(),
		Certs:           *s.certManager.GetStats(),
		Filters:         s.filterChain.GetStats(),
		Capture:         s.captureManager.GetStats(),
		TLSCache:        s.sessionCache.GetStats(),
		Workers:         s.workerPool.GetStats(),
		ResolverQueries: queries,
		ResolverFailed:  failed,
	}
}
