// Package netio wraps a network socket so the layers above read and write
// the same way before and after TLS is spliced in. The switch to TLS is
// one-way: once a side has handshaken, the plaintext socket is gone.
package netio

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/ospreyproxy/osprey/internal/errs"
)

// Conn is a socket that may transparently become a TLS socket.
type Conn struct {
	mutex   sync.RWMutex
	raw     net.Conn
	tlsConn *tls.Conn
}

// Wrap adopts an established socket.
func Wrap(nc net.Conn) *Conn {
	return &Conn{raw: nc}
}

func (c *Conn) current() net.Conn {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.tlsConn != nil {
		return c.tlsConn
	}
	return c.raw
}

// IsTLS reports whether the TLS layer is active.
func (c *Conn) IsTLS() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.tlsConn != nil
}

func (c *Conn) Read(p []byte) (int, error)  { return c.current().Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.current().Write(p) }

// Close closes the underlying socket. Closing through the TLS layer would
// try to write an alert on a possibly dead peer, so the raw socket is
// closed directly.
func (c *Conn) Close() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.raw.Close()
}

// CloseWrite half-closes the write side when the transport supports it.
func (c *Conn) CloseWrite() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.tlsConn != nil {
		return c.tlsConn.CloseWrite()
	}
	if tc, ok := c.raw.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.current().SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.current().SetWriteDeadline(t) }

func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SwitchToTLSServer runs a server-side handshake over the current socket.
func (c *Conn) SwitchToTLSServer(ctx context.Context, cfg *tls.Config) error {
	c.mutex.Lock()
	if c.tlsConn != nil {
		c.mutex.Unlock()
		return errs.New(errs.KindTLS, "tls already active")
	}
	tc := tls.Server(c.raw, cfg)
	c.tlsConn = tc
	c.mutex.Unlock()

	if err := tc.HandshakeContext(ctx); err != nil {
		return errs.Wrap(errs.KindTLS, err, "server handshake")
	}
	return nil
}

// SwitchToTLSClient runs a client-side handshake over the current socket.
func (c *Conn) SwitchToTLSClient(ctx context.Context, cfg *tls.Config) error {
	c.mutex.Lock()
	if c.tlsConn != nil {
		c.mutex.Unlock()
		return errs.New(errs.KindTLS, "tls already active")
	}
	tc := tls.Client(c.raw, cfg)
	c.tlsConn = tc
	c.mutex.Unlock()

	if err := tc.HandshakeContext(ctx); err != nil {
		return errs.Wrap(errs.KindTLS, err, "client handshake")
	}
	return nil
}

// ServerConfig builds the local-handshake TLS config. The certificate is
// chosen per ClientHello so SNI picks the right minted leaf.
func ServerConfig(getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error)) *tls.Config {
	return &tls.Config{
		GetCertificate: getCert,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"http/1.1"},
	}
}

// ClientConfig builds the upstream-handshake TLS config. Verification is
// off unless asked for, matching an intercepting proxy's trust model; the
// shared session cache lets repeat connects resume.
func ClientConfig(serverName string, verify bool, cache tls.ClientSessionCache) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !verify,
		ClientSessionCache: cache,
		NextProtos:         []string{"http/1.1"},
	}
}
