package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ospreyproxy/osprey/internal/errs"
)

const (
	rootFileName = "root.crt"
	dhFileName   = "dh.pem"

	// Root and leaf certificates are valid for ten years.
	validityYears = 10
)

// Manager is the certificate authority. It owns the root material, mints
// leaf certificates on demand, and caches them in memory and on disk keyed
// by their wildcard common name.
type Manager struct {
	certCache  map[string]*tls.Certificate
	cacheMutex sync.RWMutex

	// mintGroup collapses concurrent mint requests for the same common
	// name into a single key generation.
	mintGroup singleflight.Group

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	config      *Config
	enableDebug bool

	stats *Stats
}

// NewManager creates a new certificate authority.
func NewManager(enableDebug bool) *Manager {
	return &Manager{
		certCache:   make(map[string]*tls.Certificate),
		enableDebug: enableDebug,
		stats:       NewStats(),
	}
}

// Initialize prepares the certificate directory and loads or creates the
// root material and DH parameters. Failure here is fatal to startup.
func (m *Manager) Initialize(config *Config) error {
	m.config = config

	if config.RSABits == 0 {
		config.RSABits = 2048
	}
	if config.DHBits == 0 {
		config.DHBits = 2048
	}
	if config.CommonName == "" {
		config.CommonName = "Osprey Proxy CA"
	}

	if err := os.MkdirAll(config.CertDir, 0755); err != nil {
		return errs.Wrap(errs.KindCA, err, "create cert directory")
	}

	if err := m.loadOrCreateRoot(); err != nil {
		return err
	}
	if err := m.loadOrCreateDHParams(); err != nil {
		return err
	}

	if m.enableDebug {
		log.Printf("Certificate authority initialized: dir=%s, rsa=%d, root=%s",
			config.CertDir, config.RSABits, m.rootCert.Subject.CommonName)
	}
	return nil
}

// RootCertPEM returns the PEM encoding of the root certificate so it can
// be exported for client trust stores.
func (m *Manager) RootCertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.rootCert.Raw})
}

// loadOrCreateRoot reads the root certificate and key from root.crt, or
// generates a self-signed root and persists it when the file is absent.
func (m *Manager) loadOrCreateRoot() error {
	startTime := time.Now()
	defer func() {
		m.stats.mutex.Lock()
		m.stats.RootLoadTime = time.Since(startTime).Milliseconds()
		m.stats.mutex.Unlock()
	}()

	path := filepath.Join(m.config.CertDir, rootFileName)
	if data, err := os.ReadFile(path); err == nil {
		cert, key, err := parseBundle(data)
		if err != nil {
			return errs.Wrap(errs.KindCA, err, "parse root bundle")
		}
		m.rootCert = cert
		m.rootKey = key
		if m.enableDebug {
			log.Printf("Loaded root certificate: Subject=%s, Valid until=%s",
				cert.Subject.CommonName, cert.NotAfter.Format("2006-01-02"))
		}
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, m.config.RSABits)
	if err != nil {
		return errs.Wrap(errs.KindCA, err, "generate root key")
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(0),
		Subject:               m.subjectName(m.config.CommonName),
		NotBefore:             now,
		NotAfter:              now.AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return errs.Wrap(errs.KindCA, err, "self-sign root certificate")
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return errs.Wrap(errs.KindCA, err, "parse root certificate")
	}

	if err := writeBundle(path, certDER, key); err != nil {
		return errs.Wrap(errs.KindCA, err, "persist root bundle")
	}

	m.rootCert = cert
	m.rootKey = key

	if m.enableDebug {
		log.Printf("Generated root certificate: Subject=%s, Valid until=%s",
			cert.Subject.CommonName, cert.NotAfter.Format("2006-01-02"))
	}
	return nil
}

// CertificateFor returns the leaf certificate covering host, minting and
// persisting one when neither the memory cache nor the disk has it.
// Hosts sharing a wildcard common name share one leaf.
func (m *Manager) CertificateFor(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	cn := WildcardCN(host)

	m.cacheMutex.RLock()
	cached, ok := m.certCache[cn]
	m.cacheMutex.RUnlock()
	if ok {
		m.stats.IncrementCacheHit()
		return cached, nil
	}
	m.stats.IncrementCacheMiss()

	v, err, _ := m.mintGroup.Do(cn, func() (interface{}, error) {
		m.cacheMutex.RLock()
		cached, ok := m.certCache[cn]
		m.cacheMutex.RUnlock()
		if ok {
			return cached, nil
		}

		cert, err := m.obtain(cn)
		if err != nil {
			return nil, err
		}

		m.cacheMutex.Lock()
		m.certCache[cn] = cert
		m.cacheMutex.Unlock()
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// obtain loads a persisted leaf for cn, or mints a new one.
func (m *Manager) obtain(cn string) (*tls.Certificate, error) {
	if cert, err := m.loadLeaf(cn); err == nil {
		m.stats.IncrementDiskLoad()
		if m.enableDebug {
			log.Printf("Loaded leaf certificate from disk: CN=%s", cn)
		}
		return cert, nil
	}
	return m.mint(cn)
}

// loadLeaf reads a persisted leaf bundle. Expired leaves are rejected so
// they get re-minted.
func (m *Manager) loadLeaf(cn string) (*tls.Certificate, error) {
	data, err := os.ReadFile(m.leafPath(cn))
	if err != nil {
		return nil, err
	}
	cert, key, err := parseBundle(data)
	if err != nil {
		return nil, err
	}
	if time.Now().After(cert.NotAfter) {
		return nil, errs.Newf(errs.KindCA, "persisted leaf for %s expired %s", cn, cert.NotAfter)
	}
	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// mint creates and signs a new leaf for cn. The key goes through a CSR so
// the signing path matches an external request, and the request signature
// is verified before issuing.
func (m *Manager) mint(cn string) (*tls.Certificate, error) {
	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime).Milliseconds()
		m.stats.mutex.Lock()
		if m.stats.MintedCerts > 0 {
			m.stats.AvgMintTime = (m.stats.AvgMintTime + duration) / 2
		} else {
			m.stats.AvgMintTime = duration
		}
		m.stats.mutex.Unlock()
	}()

	key, err := rsa.GenerateKey(rand.Reader, m.config.RSABits)
	if err != nil {
		return nil, errs.Wrap(errs.KindCA, err, "generate leaf key")
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: m.subjectName(cn),
	}, key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCA, err, "create signing request")
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, errs.Wrap(errs.KindCA, err, "parse signing request")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errs.Wrap(errs.KindCA, err, "verify signing request")
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		// Microsecond serials keep re-mints of the same name distinct.
		SerialNumber:          big.NewInt(now.UnixMicro()),
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(cn); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{cn}
		if strings.HasPrefix(cn, "*.") {
			template.DNSNames = append(template.DNSNames, cn[2:])
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, m.rootCert, csr.PublicKey, m.rootKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindCA, err, "sign leaf certificate")
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errs.Wrap(errs.KindCA, err, "parse leaf certificate")
	}

	// Persistence failure leaves the session path intact
	if err := writeBundle(m.leafPath(cn), certDER, key); err != nil {
		m.stats.IncrementPersistFailure()
		log.Printf("Failed to persist leaf certificate for %s: %v", cn, err)
	}

	m.stats.IncrementMinted()

	if m.enableDebug {
		log.Printf("Minted leaf certificate: CN=%s, SANs=%v, Serial=%d",
			cn, cert.DNSNames, cert.SerialNumber)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// leafPath maps a common name to its bundle file. '*' is not portable in
// file names, so it is stored as '^'.
func (m *Manager) leafPath(cn string) string {
	return filepath.Join(m.config.CertDir, strings.ReplaceAll(cn, "*", "^")+".crt")
}

func (m *Manager) subjectName(cn string) pkix.Name {
	name := pkix.Name{CommonName: cn}
	if m.config.Organization != "" {
		name.Organization = []string{m.config.Organization}
	}
	if m.config.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{m.config.OrganizationalUnit}
	}
	if m.config.Country != "" {
		name.Country = []string{m.config.Country}
	}
	if m.config.Province != "" {
		name.Province = []string{m.config.Province}
	}
	if m.config.Locality != "" {
		name.Locality = []string{m.config.Locality}
	}
	return name
}

// WildcardCN maps a hostname to the common name its leaf is minted for.
// Hosts below a registrable domain collapse to one wildcard so sibling
// subdomains share a certificate:
//
//	example.com       -> example.com   (fewer than two dots)
//	a.example.com     -> *.example.com
//	b.example.com     -> *.example.com
//	x.example.com.cn  -> x.example.com.cn (short label pair before the TLD)
//
// IP literals are kept verbatim.
func WildcardCN(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	if strings.Count(host, ".") < 2 {
		return host
	}
	last := strings.LastIndexByte(host, '.')
	penult := strings.LastIndexByte(host[:last], '.')
	// "com.cn" style suffixes: wildcarding would swallow the registrable
	// domain, keep the name verbatim
	if last-penult <= 4 {
		return host
	}
	return "*" + host[strings.IndexByte(host, '.'):]
}

// parseBundle splits a PEM bundle holding a certificate and its RSA key.
func parseBundle(data []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	var cert *x509.Certificate
	var key *rsa.PrivateKey

	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, errs.Wrap(errs.KindCA, err, "parse bundled certificate")
			}
			cert = c
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, errs.Wrap(errs.KindCA, err, "parse bundled key")
			}
			key = k
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, errs.Wrap(errs.KindCA, err, "parse bundled key")
			}
			rk, ok := k.(*rsa.PrivateKey)
			if !ok {
				return nil, nil, errs.New(errs.KindCA, "bundled key is not RSA")
			}
			key = rk
		}
	}

	if cert == nil || key == nil {
		return nil, nil, errs.New(errs.KindCA, "bundle missing certificate or key")
	}
	return cert, key, nil
}

// writeBundle persists a certificate and its key as one PEM file.
func writeBundle(path string, certDER []byte, key *rsa.PrivateKey) error {
	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})...)
	buf = append(buf, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})...)
	return os.WriteFile(path, buf, 0600)
}

// GetStats returns certificate authority statistics.
func (m *Manager) GetStats() *StatsSnapshot {
	stats := m.stats.GetStats()

	m.cacheMutex.RLock()
	stats.CachedCerts = int64(len(m.certCache))
	m.cacheMutex.RUnlock()

	return &stats
}

// Shutdown cleanly shuts down the certificate authority.
func (m *Manager) Shutdown() error {
	m.cacheMutex.Lock()
	m.certCache = make(map[string]*tls.Certificate)
	m.cacheMutex.Unlock()

	if m.enableDebug {
		stats := m.GetStats()
		log.Printf("Certificate authority shutdown: Minted=%d, CacheHits=%d, CacheMisses=%d",
			stats.MintedCerts, stats.CacheHits, stats.CacheMisses)
	}
	return nil
}
