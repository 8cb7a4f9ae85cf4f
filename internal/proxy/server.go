// Package proxy ties the pieces together: it owns the listener, the
// worker pool that dispatches accepted sockets, and the shared session
// dependencies (certificate authority, resolver, filters, capture).
package proxy

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/ospreyproxy/osprey/internal/capture"
	"github.com/ospreyproxy/osprey/internal/cert"
	"github.com/ospreyproxy/osprey/internal/config"
	"github.com/ospreyproxy/osprey/internal/dnsx"
	"github.com/ospreyproxy/osprey/internal/filter"
	"github.com/ospreyproxy/osprey/internal/filter/providers"
	"github.com/ospreyproxy/osprey/internal/logging"
	"github.com/ospreyproxy/osprey/internal/session"
	tlsx "github.com/ospreyproxy/osprey/internal/tls"
	"github.com/ospreyproxy/osprey/internal/worker"
)

// Server is the intercepting proxy server.
type Server struct {
	config *config.Config

	certManager    *cert.Manager
	resolver       *dnsx.Resolver
	filterChain    *filter.Chain
	captureManager *capture.Manager
	sessionCache   *tlsx.SessionCache
	sessions       *session.Manager
	workerPool     *worker.Pool

	listener   net.Listener
	shutdownCh chan struct{}
}

// NewServer creates a proxy server from config. Components are built but
// not started; Start performs the work that can fail at runtime.
func NewServer(cfg *config.Config) (*Server, error) {
	enableDebug := cfg.Logging.EnableDebug

	certManager := cert.NewManager(enableDebug)
	resolver := dnsx.NewResolver(&cfg.Resolver)
	captureManager := capture.NewManager(&cfg.Capture, enableDebug)
	sessionCache := tlsx.NewSessionCache(&tlsx.SessionCacheConfig{EnableDebug: enableDebug})

	filterChain, err := buildFilterChain(cfg, enableDebug)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter chain: %w", err)
	}

	sessionConfig := &session.Config{
		ClientIdle:   time.Duration(cfg.Proxy.ClientIdleSeconds) * time.Second,
		ServerIdle:   time.Duration(cfg.Proxy.ServerIdleSeconds) * time.Second,
		DialTimeout:  time.Duration(cfg.Proxy.DialTimeoutSeconds) * time.Second,
		Resolver:     resolver,
		CA:           certManager,
		Filters:      filterChain,
		Capture:      captureManager,
		Upstream:     tlsx.NewUpstreamPolicy(cfg.Proxy.VerifyUpstream, enableDebug),
		SessionCache: sessionCache,
		EnableDebug:  enableDebug,
	}
	sessions := session.NewManager(sessionConfig)

	s := &Server{
		config:         cfg,
		certManager:    certManager,
		resolver:       resolver,
		filterChain:    filterChain,
		captureManager: captureManager,
		sessionCache:   sessionCache,
		sessions:       sessions,
		shutdownCh:     make(chan struct{}),
	}
	s.workerPool = worker.NewPool(&worker.Config{
		WorkerCount: cfg.Proxy.Workers,
		EnableDebug: enableDebug,
	}, func(nc net.Conn) { sessions.HandleConn(nc) })

	return s, nil
}

func buildFilterChain(cfg *config.Config, enableDebug bool) (*filter.Chain, error) {
	chain := filter.NewChain(enableDebug)
	if err := chain.Add(providers.NewHopByHopFilter()); err != nil {
		return nil, err
	}
	if len(cfg.Filters.BlockHosts) > 0 {
		if err := chain.Add(providers.NewHostBlockFilter(cfg.Filters.BlockHosts)); err != nil {
			return nil, err
		}
	}
	if len(cfg.Filters.BlockClients) > 0 {
		if err := chain.Add(providers.NewClientIPFilter(cfg.Filters.BlockClients)); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// Start initializes the certificate authority, opens the listener and
// begins accepting connections.
func (s *Server) Start() error {
	if err := s.certManager.Initialize(&s.config.Cert); err != nil {
		return fmt.Errorf("certificate authority init failed: %w", err)
	}

	if len(s.config.WarmupHosts) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.certManager.WarmUp(ctx, s.config.WarmupHosts); err != nil {
			logging.Warn("Certificate warmup incomplete: %v", err)
		} else {
			logging.Info("Warmed up %d certificates", len(s.config.WarmupHosts))
		}
	}

	if s.captureManager.Enabled() {
		if err := s.captureManager.Start(); err != nil {
			return fmt.Errorf("capture start failed: %w", err)
		}
	}

	if err := s.workerPool.Start(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.config.Proxy.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", s.config.Proxy.ListenAddr, err)
	}
	s.listener = listener

	logging.Info("Proxy server listening on %s", s.config.Proxy.ListenAddr)

	go s.reportStats()
	go s.acceptLoop(listener)

	return nil
}

// Stop closes the listener, tears down live sessions and flushes capture.
func (s *Server) Stop() error {
	close(s.shutdownCh)

	if s.listener != nil {
		s.listener.Close()
	}
	if err := s.workerPool.Stop(10 * time.Second); err != nil {
		logging.Warn("Worker pool stop error: %v", err)
	}
	s.sessions.StopAll()

	if cleared := s.sessionCache.Clear(); cleared > 0 {
		logging.Info("Cleared %d TLS sessions", cleared)
	}
	if s.captureManager.Enabled() {
		if err := s.captureManager.Stop(); err != nil {
			logging.Warn("Capture stop error: %v", err)
		}
	}
	s.certManager.Shutdown()

	logging.Info("Proxy server stopped")
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				logging.Warn("Accept error: %v", err)
				continue
			}
		}

		if err := s.workerPool.Dispatch(nc); err != nil {
			logging.Warn("Dropping connection from %s: %v", nc.RemoteAddr(), err)
			nc.Close()
		}
	}
}

func (s *Server) reportStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := s.GetStats()
			logging.Stats(false, "Sessions: %d active, %d total | Certs: %d minted, %d cache hits | Filters: %d evaluated, %d blocked",
				snap.Sessions.Active,
				snap.Sessions.Total,
				snap.Certs.MintedCerts,
				snap.Certs.CacheHits,
				snap.Filters.Evaluated,
				snap.Filters.ShortCircuits,
			)

			queries, failed := s.resolver.Stats()
			logging.Stats(false, "Resolver: %d queries, %d failed | TLS sessions: %d cached, %d hits | Workers: %d dispatched, %d rejected",
				queries,
				failed,
				snap.TLSCache.Sessions,
				snap.TLSCache.Hits,
				snap.Workers.Dispatched,
				snap.Workers.Rejected,
			)

			if s.captureManager.Enabled() {
				logging.Stats(false, "Capture: %d records, %d dropped, %d save errors",
					snap.Capture.Captured,
					snap.Capture.Dropped,
					snap.Capture.SaveErrors,
				)
			}

		case <-s.shutdownCh:
			return
		}
	}
}

// ReloadConfig applies a changed configuration to a running server. Only
// the filter lists and capture toggle take effect live; listener, cert
// and resolver changes need a restart.
func (s *Server) ReloadConfig(newConfig *config.Config) error {
	old := s.config

	if old.Proxy.ListenAddr != newConfig.Proxy.ListenAddr {
		logging.Warn("listen_addr change requires a restart to take effect")
	}
	if !reflect.DeepEqual(old.Cert, newConfig.Cert) {
		logging.Warn("cert config change requires a restart to take effect")
	}
	if !reflect.DeepEqual(old.Resolver, newConfig.Resolver) {
		logging.Warn("resolver config change requires a restart to take effect")
	}

	if !reflect.DeepEqual(old.Filters, newConfig.Filters) {
		chain, err := buildFilterChain(newConfig, newConfig.Logging.EnableDebug)
		if err != nil {
			return fmt.Errorf("failed to rebuild filter chain: %w", err)
		}
		s.swapFilters(chain)
		logging.Info("Filter chain reloaded: %d filters", chain.Len())
	}

	s.config = newConfig
	return nil
}

// swapFilters replaces the chain contents in place so live sessions pick
// up the new filters without restarting.
func (s *Server) swapFilters(fresh *filter.Chain) {
	s.filterChain.ReplaceWith(fresh)
}
