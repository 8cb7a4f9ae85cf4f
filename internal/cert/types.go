package cert

import (
	"sync"
)

// Config holds certificate authority configuration.
type Config struct {
	// CertDir is where the root material and minted leaves are persisted.
	CertDir string `json:"cert_dir"`

	// RSABits is the key size for the root and every minted leaf.
	RSABits int `json:"rsa_bits"`

	// DHBits is the prime size of the generated DH parameters.
	DHBits int `json:"dh_bits"`

	// Subject fields stamped onto the root certificate and, partially,
	// onto minted leaves.
	CommonName         string `json:"common_name"`
	Organization       string `json:"organization"`
	OrganizationalUnit string `json:"organizational_unit"`
	Country            string `json:"country"`
	Province           string `json:"province"`
	Locality           string `json:"locality"`
}

// Stats tracks certificate authority statistics.
type Stats struct {
	MintedCerts     int64 `json:"minted_certs"`
	CachedCerts     int64 `json:"cached_certs"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
	DiskLoads       int64 `json:"disk_loads"`
	PersistFailures int64 `json:"persist_failures"`
	RootLoadTime    int64 `json:"root_load_time_ms"`
	AvgMintTime     int64 `json:"avg_mint_time_ms"`
	mutex           sync.RWMutex
}

// NewStats creates a new statistics tracker.
func NewStats() *Stats {
	return &Stats{}
}

// IncrementMinted safely increments the minted certificate count.
func (s *Stats) IncrementMinted() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.MintedCerts++
}

// IncrementCacheHit safely increments cache hits.
func (s *Stats) IncrementCacheHit() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.CacheHits++
}

// IncrementCacheMiss safely increments cache misses.
func (s *Stats) IncrementCacheMiss() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.CacheMisses++
}

// IncrementDiskLoad safely increments the disk load count.
func (s *Stats) IncrementDiskLoad() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.DiskLoads++
}

// IncrementPersistFailure safely increments the persistence failure count.
func (s *Stats) IncrementPersistFailure() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.PersistFailures++
}

// StatsSnapshot represents a snapshot of authority statistics without mutex.
type StatsSnapshot struct {
	MintedCerts     int64 `json:"minted_certs"`
	CachedCerts     int64 `json:"cached_certs"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
	DiskLoads       int64 `json:"disk_loads"`
	PersistFailures int64 `json:"persist_failures"`
	RootLoadTime    int64 `json:"root_load_time_ms"`
	AvgMintTime     int64 `json:"avg_mint_time_ms"`
}

// GetStats returns a copy of current statistics.
func (s *Stats) GetStats() StatsSnapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return StatsSnapshot{
		MintedCerts:     s.MintedCerts,
		CachedCerts:     s.CachedCerts,
		CacheHits:       s.CacheHits,
		CacheMisses:     s.CacheMisses,
		DiskLoads:       s.DiskLoads,
		PersistFailures: s.PersistFailures,
		RootLoadTime:    s.RootLoadTime,
		AvgMintTime:     s.AvgMintTime,
	}
}
