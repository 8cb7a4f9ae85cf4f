package session

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ospreyproxy/osprey/internal/cert"
	"github.com/ospreyproxy/osprey/internal/conn"
	"github.com/ospreyproxy/osprey/internal/dnsx"
	"github.com/ospreyproxy/osprey/internal/filter"
	"github.com/ospreyproxy/osprey/internal/filter/providers"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		ClientIdle:  5 * time.Second,
		ServerIdle:  5 * time.Second,
		DialTimeout: 2 * time.Second,
		Resolver:    dnsx.NewResolver(nil),
		Filters:     filter.NewChain(false),
	}
}

// originServer runs a plain-HTTP origin that answers every request on a
// connection with the given response bytes. It reports how many
// connections it accepted.
func originServer(t *testing.T, response string) (addr string, accepted *int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	count := new(int32)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(count, 1)
			go serveOrigin(nc, response)
		}
	}()
	return ln.Addr().String(), count
}

func serveOrigin(nc net.Conn, response string) {
	defer nc.Close()
	rd := bufio.NewReader(nc)
	for {
		if err := discardRequest(rd); err != nil {
			return
		}
		if _, err := nc.Write([]byte(response)); err != nil {
			return
		}
	}
}

// discardRequest reads one bodyless request off the wire.
func discardRequest(rd *bufio.Reader) error {
	sawAny := false
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" {
			if !sawAny {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		sawAny = true
	}
}

func startSession(t *testing.T, config *Config) (client net.Conn, mgr *Manager) {
	t.Helper()
	mgr = NewManager(config)
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	mgr.HandleConn(server)
	return client, mgr
}

// readResponse reads headers plus a Content-Length body from the client
// side of the proxy.
func readResponse(t *testing.T, rd *bufio.Reader) (status string, body string) {
	t.Helper()
	var contentLength int
	first := true
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		if first {
			status = strings.TrimRight(line, "\r\n")
			first = false
		}
		if line == "\r\n" {
			break
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "content-length:") {
			fmt.Sscanf(line[len("content-length:"):], "%d", &contentLength)
		}
	}
	if contentLength > 0 {
		buf := make([]byte, contentLength)
		if _, err := io.ReadFull(rd, buf); err != nil {
			t.Fatalf("read body: %v", err)
		}
		body = string(buf)
	}
	return status, body
}

func TestPlainProxyExchange(t *testing.T) {
	addr, accepted := originServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	client, _ := startSession(t, testConfig(t))
	req := "GET http://" + addr + "/x HTTP/1.1\r\nHost: " + addr + "\r\nConnection: close\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	rd := bufio.NewReader(client)
	status, body := readResponse(t, rd)
	if !strings.Contains(status, "200") {
		t.Fatalf("status = %q, want 200", status)
	}
	if body != "ok" {
		t.Fatalf("body = %q, want %q", body, "ok")
	}
	if n := atomic.LoadInt32(accepted); n != 1 {
		t.Fatalf("origin accepted %d connections, want 1", n)
	}

	// Connection: close means the proxy hangs up after the exchange.
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := rd.ReadByte(); err == nil {
		t.Fatal("expected client connection to close")
	}
}

func TestPlainKeepAliveReusesUpstream(t *testing.T) {
	addr, accepted := originServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	client, _ := startSession(t, testConfig(t))
	rd := bufio.NewReader(client)

	for i := 0; i < 2; i++ {
		req := "GET http://" + addr + "/n HTTP/1.1\r\nHost: " + addr + "\r\n\r\n"
		if _, err := client.Write([]byte(req)); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		status, body := readResponse(t, rd)
		if !strings.Contains(status, "200") || body != "ok" {
			t.Fatalf("exchange %d: status %q body %q", i, status, body)
		}
	}
	if n := atomic.LoadInt32(accepted); n != 1 {
		t.Fatalf("origin accepted %d connections, want 1 reused", n)
	}
}

func TestBlockedHostShortCircuits(t *testing.T) {
	addr, accepted := originServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	host, _, _ := net.SplitHostPort(addr)

	config := testConfig(t)
	if err := config.Filters.Add(providers.NewHostBlockFilter([]string{host})); err != nil {
		t.Fatalf("add filter: %v", err)
	}

	client, _ := startSession(t, config)
	req := "GET http://" + addr + "/x HTTP/1.1\r\nHost: " + addr + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	rd := bufio.NewReader(client)
	status, _ := readResponse(t, rd)
	if !strings.Contains(status, "403") {
		t.Fatalf("status = %q, want 403", status)
	}
	if n := atomic.LoadInt32(accepted); n != 0 {
		t.Fatalf("origin accepted %d connections, want none", n)
	}
}

func TestMalformedRequestGetsBadGateway(t *testing.T) {
	client, _ := startSession(t, testConfig(t))
	if _, err := client.Write([]byte("GE T / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	rd := bufio.NewReader(client)
	status, _ := readResponse(t, rd)
	if !strings.Contains(status, "502") {
		t.Fatalf("status = %q, want 502", status)
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := rd.ReadByte(); err == nil {
		t.Fatal("expected close after refusal")
	}
}

func TestStaleUpstreamEventIgnored(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(1, b, testConfig(t), nil)
	s.server = conn.NewServer(s.events, time.Second)
	s.state = StateRemoteConnect

	// a kept-alive upstream that was just replaced still has queued
	// events; they must not be attributed to the live replacement
	old := conn.NewServer(s.events, time.Second)
	s.handle(conn.Event{Src: old, Side: conn.SideServer, Type: conn.EventTimeout})
	if s.state != StateRemoteConnect {
		t.Fatalf("state = %v after stale timeout, want remote-connect", s.state)
	}
	s.handle(conn.Event{Src: old, Side: conn.SideServer, Type: conn.EventError, Err: io.EOF})
	if s.state != StateRemoteConnect {
		t.Fatalf("state = %v after stale error, want remote-connect", s.state)
	}

	// events from the live connections still dispatch
	s.handle(conn.Event{Src: s.client, Side: conn.SideClient, Type: conn.EventTimeout})
	if s.state != StateTerminated {
		t.Fatalf("state = %v after live client timeout, want terminated", s.state)
	}
}

func TestCompletionWaitsForClientDrain(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(1, b, testConfig(t), nil)
	s.server = conn.NewServer(s.events, time.Second)
	s.server.Response().MarkDeliverable()
	s.server.Response().MarkBodyComplete()
	s.state = StateForwardResponse
	s.respStarted = true

	// nobody reads from a, so the drain goroutine blocks mid-buffer
	s.client.Write([]byte("tail of the response body"))
	time.Sleep(20 * time.Millisecond)

	// a WRITE event from an earlier queue-empty must not complete the
	// exchange while bytes are still queued
	s.handle(conn.Event{Src: s.client, Side: conn.SideClient, Type: conn.EventWrite})
	if s.state != StateForwardResponse {
		t.Fatalf("state = %v with bytes still draining, want forward-response", s.state)
	}
}

func TestResponseDecodeErrorHalfClosesClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		rd := bufio.NewReader(nc)
		if err := discardRequest(rd); err != nil {
			return
		}
		// valid headers and first chunk, then garbage framing
		nc.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n"))
		time.Sleep(200 * time.Millisecond)
		nc.Write([]byte("ZZ\r\n"))
	}()
	addr := ln.Addr().String()

	client, _ := startSession(t, testConfig(t))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	req := "GET http://" + addr + "/ HTTP/1.1\r\nHost: " + addr + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	// everything relayed before the framing broke arrives, then EOF; no
	// synthetic error response is forged mid-stream
	data, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read to EOF: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "200 OK") || !strings.Contains(got, "hello") {
		t.Fatalf("client received %q, want forwarded headers and first chunk", got)
	}
	if strings.Contains(got, "502") {
		t.Fatalf("client received a 502 after forwarding began: %q", got)
	}
}

// tlsOrigin runs a self-signed HTTPS origin.
func tlsOrigin(t *testing.T, response string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	tlsCert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{tlsCert}})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveOrigin(nc, response)
		}
	}()
	return ln.Addr().String()
}

func TestConnectTunnelIntercepts(t *testing.T) {
	addr := tlsOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\nsecret")

	ca := cert.NewManager(false)
	if err := ca.Initialize(&cert.Config{CertDir: t.TempDir(), RSABits: 1024, DHBits: 512, CommonName: "Test Proxy CA"}); err != nil {
		t.Fatalf("initialize CA: %v", err)
	}

	config := testConfig(t)
	config.CA = ca

	client, _ := startSession(t, config)
	if _, err := client.Write([]byte("CONNECT " + addr + " HTTP/1.1\r\nHost: " + addr + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	want := "HTTP/1.1 200 Connection Established\r\nProxy-Connection: Keep-Alive\r\n\r\n"
	reply := make([]byte, len(want))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if string(reply) != want {
		t.Fatalf("CONNECT reply = %q, want %q", reply, want)
	}

	// The minted leaf must chain to the proxy root.
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(ca.RootCertPEM()) {
		t.Fatal("append root PEM")
	}
	tc := tls.Client(client, &tls.Config{ServerName: "127.0.0.1", RootCAs: roots})
	if err := tc.Handshake(); err != nil {
		t.Fatalf("tunnel handshake: %v", err)
	}

	req := "GET /vault HTTP/1.1\r\nHost: " + addr + "\r\nConnection: close\r\n\r\n"
	if _, err := tc.Write([]byte(req)); err != nil {
		t.Fatalf("write tunneled request: %v", err)
	}
	status, body := readResponse(t, bufio.NewReader(tc))
	if !strings.Contains(status, "200") {
		t.Fatalf("status = %q, want 200", status)
	}
	if body != "secret" {
		t.Fatalf("body = %q, want %q", body, "secret")
	}
}

func TestManagerStopAll(t *testing.T) {
	mgr := NewManager(testConfig(t))
	client, server := net.Pipe()
	defer client.Close()
	mgr.HandleConn(server)

	if stats := mgr.GetStats(); stats.Active != 1 || stats.Total != 1 {
		t.Fatalf("stats = %+v, want 1 active 1 total", stats)
	}

	mgr.StopAll()
	deadline := time.Now().Add(3 * time.Second)
	for mgr.GetStats().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sessions did not drain after StopAll")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stats := mgr.GetStats(); stats.Total != 1 {
		t.Fatalf("total = %d, want 1", stats.Total)
	}
}
