// Package tls caches upstream TLS sessions so repeat connections to the
// same origin can resume instead of paying a full handshake.
package tls

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/ospreyproxy/osprey/internal/logging"
)

// SessionCache implements tls.ClientSessionCache with a capacity cap and
// a per-entry TTL.
type SessionCache struct {
	sessions map[string]*sessionEntry
	mutex    sync.RWMutex

	maxSessions int
	sessionTTL  time.Duration
	enableDebug bool

	stats SessionCacheStats
}

type sessionEntry struct {
	state     *tls.ClientSessionState
	createdAt time.Time
	lastUsed  time.Time
}

// SessionCacheStats tracks cache effectiveness.
type SessionCacheStats struct {
	mutex   sync.Mutex
	Hits    int64
	Misses  int64
	Stored  int64
	Expired int64
	Evicted int64
}

// SessionCacheStatsSnapshot is a copy of the counters without the mutex.
type SessionCacheStatsSnapshot struct {
	Sessions int   `json:"sessions"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Stored   int64 `json:"stored"`
	Expired  int64 `json:"expired"`
	Evicted  int64 `json:"evicted"`
}

// SessionCacheConfig controls cache sizing.
type SessionCacheConfig struct {
	MaxSessions int
	SessionTTL  time.Duration
	EnableDebug bool
}

// NewSessionCache creates a session cache. Zero values default to 1024
// sessions and a one hour TTL.
func NewSessionCache(config *SessionCacheConfig) *SessionCache {
	if config == nil {
		config = &SessionCacheConfig{}
	}
	maxSessions := config.MaxSessions
	if maxSessions == 0 {
		maxSessions = 1024
	}
	ttl := config.SessionTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &SessionCache{
		sessions:    make(map[string]*sessionEntry),
		maxSessions: maxSessions,
		sessionTTL:  ttl,
		enableDebug: config.EnableDebug,
	}
}

// Get retrieves a session (implements tls.ClientSessionCache).
func (sc *SessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	entry, exists := sc.sessions[sessionKey]
	if !exists {
		sc.stats.record(&sc.stats.Misses)
		return nil, false
	}
	if time.Since(entry.createdAt) > sc.sessionTTL {
		delete(sc.sessions, sessionKey)
		sc.stats.record(&sc.stats.Misses)
		sc.stats.record(&sc.stats.Expired)
		return nil, false
	}

	entry.lastUsed = time.Now()
	sc.stats.record(&sc.stats.Hits)
	if sc.enableDebug {
		logging.Debug("TLS session cache hit for %s", sessionKey)
	}
	return entry.state, true
}

// Put stores a session (implements tls.ClientSessionCache).
func (sc *SessionCache) Put(sessionKey string, state *tls.ClientSessionState) {
	if state == nil {
		return
	}
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if len(sc.sessions) >= sc.maxSessions {
		sc.evictOldestLocked()
	}
	now := time.Now()
	sc.sessions[sessionKey] = &sessionEntry{state: state, createdAt: now, lastUsed: now}
	sc.stats.record(&sc.stats.Stored)
}

func (sc *SessionCache) evictOldestLocked() {
	oldestKey := ""
	var oldest time.Time
	for key, entry := range sc.sessions {
		if oldestKey == "" || entry.lastUsed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastUsed
		}
	}
	if oldestKey != "" {
		delete(sc.sessions, oldestKey)
		sc.stats.record(&sc.stats.Evicted)
	}
}

// Clear drops all cached sessions and returns how many were removed.
func (sc *SessionCache) Clear() int {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	n := len(sc.sessions)
	sc.sessions = make(map[string]*sessionEntry)
	return n
}

// GetStats returns current cache counters.
func (sc *SessionCache) GetStats() SessionCacheStatsSnapshot {
	sc.mutex.RLock()
	sessions := len(sc.sessions)
	sc.mutex.RUnlock()

	sc.stats.mutex.Lock()
	defer sc.stats.mutex.Unlock()
	return SessionCacheStatsSnapshot{
		Sessions: sessions,
		Hits:     sc.stats.Hits,
		Misses:   sc.stats.Misses,
		Stored:   sc.stats.Stored,
		Expired:  sc.stats.Expired,
		Evicted:  sc.stats.Evicted,
	}
}

func (scs *SessionCacheStats) record(counter *int64) {
	scs.mutex.Lock()
	*counter++
	scs.mutex.Unlock()
}
