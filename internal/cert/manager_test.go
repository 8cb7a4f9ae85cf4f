package cert

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfig(dir string) *Config {
	return &Config{
		CertDir:      dir,
		RSABits:      1024, // keep test key generation fast
		DHBits:       512,
		CommonName:   "Test Proxy CA",
		Organization: "Test",
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(false)
	if err := m.Initialize(testConfig(t.TempDir())); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return m
}

func TestWildcardCN(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"example.com", "example.com"},
		{"localhost", "localhost"},
		{"a.example.com", "*.example.com"},
		{"b.example.com", "*.example.com"},
		{"deep.a.example.com", "*.a.example.com"},
		{"x.example.com.cn", "x.example.com.cn"},
		{"foo.com.cn", "foo.com.cn"},
		{"www.google.co.uk", "www.google.co.uk"},
		{"192.168.0.1", "192.168.0.1"},
	}

	for _, tt := range tests {
		if got := WildcardCN(tt.host); got != tt.want {
			t.Errorf("WildcardCN(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestInitializeCreatesMaterial(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(false)
	if err := m.Initialize(testConfig(dir)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	for _, name := range []string{rootFileName, dhFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s to be created: %v", name, err)
		}
	}

	if m.rootCert == nil || !m.rootCert.IsCA {
		t.Fatal("Expected a CA root certificate")
	}
	if m.rootCert.Subject.CommonName != "Test Proxy CA" {
		t.Errorf("Root CN = %q", m.rootCert.Subject.CommonName)
	}
	if m.rootCert.SerialNumber.Sign() != 0 {
		t.Errorf("Root serial = %v, want 0", m.rootCert.SerialNumber)
	}
}

func TestInitializeReloadsExistingRoot(t *testing.T) {
	dir := t.TempDir()

	m1 := NewManager(false)
	if err := m1.Initialize(testConfig(dir)); err != nil {
		t.Fatalf("First Initialize failed: %v", err)
	}

	m2 := NewManager(false)
	if err := m2.Initialize(testConfig(dir)); err != nil {
		t.Fatalf("Second Initialize failed: %v", err)
	}

	if !m1.rootCert.Equal(m2.rootCert) {
		t.Error("Expected the second manager to reload the persisted root")
	}
}

func TestCertificateForSharesWildcardLeaf(t *testing.T) {
	m := newTestManager(t)

	certA, err := m.CertificateFor("a.example.com")
	if err != nil {
		t.Fatalf("CertificateFor failed: %v", err)
	}
	certB, err := m.CertificateFor("b.example.com")
	if err != nil {
		t.Fatalf("CertificateFor failed: %v", err)
	}
	if certA != certB {
		t.Error("Sibling subdomains should share one wildcard leaf")
	}
	if certA.Leaf.Subject.CommonName != "*.example.com" {
		t.Errorf("Leaf CN = %q, want *.example.com", certA.Leaf.Subject.CommonName)
	}

	certBase, err := m.CertificateFor("example.com")
	if err != nil {
		t.Fatalf("CertificateFor failed: %v", err)
	}
	if certBase == certA {
		t.Error("Registrable domain should get its own leaf")
	}

	stats := m.GetStats()
	if stats.MintedCerts != 2 {
		t.Errorf("MintedCerts = %d, want 2", stats.MintedCerts)
	}
	if stats.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", stats.CacheHits)
	}
}

func TestLeafSignedByRoot(t *testing.T) {
	m := newTestManager(t)

	cert, err := m.CertificateFor("www.example.org")
	if err != nil {
		t.Fatalf("CertificateFor failed: %v", err)
	}
	if err := cert.Leaf.CheckSignatureFrom(m.rootCert); err != nil {
		t.Errorf("Leaf not signed by root: %v", err)
	}
	if cert.Leaf.SerialNumber.Int64() <= 0 {
		t.Errorf("Leaf serial = %v, want positive", cert.Leaf.SerialNumber)
	}

	wantAfter := time.Now().AddDate(validityYears, 0, -1)
	if cert.Leaf.NotAfter.Before(wantAfter) {
		t.Errorf("Leaf NotAfter = %v, want about %d years out", cert.Leaf.NotAfter, validityYears)
	}
}

func TestLeafPersistedAndReloaded(t *testing.T) {
	dir := t.TempDir()

	m1 := NewManager(false)
	if err := m1.Initialize(testConfig(dir)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	first, err := m1.CertificateFor("a.example.com")
	if err != nil {
		t.Fatalf("CertificateFor failed: %v", err)
	}

	// wildcard names are escaped on disk
	leafFile := filepath.Join(dir, "^.example.com.crt")
	if _, err := os.Stat(leafFile); err != nil {
		t.Fatalf("Expected persisted leaf at %s: %v", leafFile, err)
	}

	m2 := NewManager(false)
	if err := m2.Initialize(testConfig(dir)); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	second, err := m2.CertificateFor("b.example.com")
	if err != nil {
		t.Fatalf("CertificateFor failed: %v", err)
	}

	if !second.Leaf.Equal(first.Leaf) {
		t.Error("Expected the persisted leaf to be reloaded")
	}
	if stats := m2.GetStats(); stats.DiskLoads != 1 || stats.MintedCerts != 0 {
		t.Errorf("DiskLoads = %d, MintedCerts = %d, want 1 and 0", stats.DiskLoads, stats.MintedCerts)
	}
}

func TestCertificateForIPLiteral(t *testing.T) {
	m := newTestManager(t)

	cert, err := m.CertificateFor("10.0.0.1")
	if err != nil {
		t.Fatalf("CertificateFor failed: %v", err)
	}
	if len(cert.Leaf.IPAddresses) != 1 || cert.Leaf.IPAddresses[0].String() != "10.0.0.1" {
		t.Errorf("IPAddresses = %v, want [10.0.0.1]", cert.Leaf.IPAddresses)
	}
}

func TestWarmUp(t *testing.T) {
	m := newTestManager(t)

	hosts := []string{"a.example.com", "b.example.com", "example.net"}
	if err := m.WarmUp(context.Background(), hosts); err != nil {
		t.Fatalf("WarmUp failed: %v", err)
	}

	// a. and b. collapse to one wildcard leaf
	if stats := m.GetStats(); stats.MintedCerts != 2 {
		t.Errorf("MintedCerts = %d, want 2", stats.MintedCerts)
	}
}
