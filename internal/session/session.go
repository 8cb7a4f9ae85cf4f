// Package session drives one client connection through the proxy: it owns
// the client and upstream sockets, decodes traffic, runs the filter chain
// and moves each exchange through the forwarding state machine.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/account-login/ctxlog"

	"github.com/ospreyproxy/osprey/internal/buffer"
	"github.com/ospreyproxy/osprey/internal/capture"
	"github.com/ospreyproxy/osprey/internal/cert"
	"github.com/ospreyproxy/osprey/internal/codec"
	"github.com/ospreyproxy/osprey/internal/conn"
	"github.com/ospreyproxy/osprey/internal/dnsx"
	"github.com/ospreyproxy/osprey/internal/errs"
	"github.com/ospreyproxy/osprey/internal/filter"
	"github.com/ospreyproxy/osprey/internal/httpmsg"
	"github.com/ospreyproxy/osprey/internal/logging"
	"github.com/ospreyproxy/osprey/internal/netio"
	tlsx "github.com/ospreyproxy/osprey/internal/tls"
)

// State identifies where a session is in the forwarding lifecycle.
type State int

const (
	// StateAwaitRequest is reading and parsing a client request.
	StateAwaitRequest State = iota
	// StateTunnelSetup is acknowledging a CONNECT and switching the
	// client socket to TLS.
	StateTunnelSetup
	// StateRemoteConnect is resolving and dialing the origin.
	StateRemoteConnect
	// StateRemoteHandshake is completing TLS with the origin.
	StateRemoteHandshake
	// StateForwardRequest is flushing the request upstream.
	StateForwardRequest
	// StateAwaitResponse is reading response headers from the origin.
	StateAwaitResponse
	// StateForwardResponse is streaming the response body to the client.
	StateForwardResponse
	// StateTerminated means both sockets are closed or closing.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitRequest:
		return "await-request"
	case StateTunnelSetup:
		return "tunnel-setup"
	case StateRemoteConnect:
		return "remote-connect"
	case StateRemoteHandshake:
		return "remote-handshake"
	case StateForwardRequest:
		return "forward-request"
	case StateAwaitResponse:
		return "await-response"
	case StateForwardResponse:
		return "forward-response"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// connectReply is sent verbatim to acknowledge a CONNECT before the
// client-side TLS handshake begins.
const connectReply = "HTTP/1.1 200 Connection Established\r\nProxy-Connection: Keep-Alive\r\n\r\n"

// Config carries the shared dependencies every session uses.
type Config struct {
	ClientIdle  time.Duration
	ServerIdle  time.Duration
	DialTimeout time.Duration

	Resolver *dnsx.Resolver
	CA       *cert.Manager
	Filters  *filter.Chain
	Capture  *capture.Manager

	// Upstream decides per origin whether the remote handshake verifies
	// the presented chain. Nil means never verify, which keeps
	// interception working for origins the local trust store does not
	// know.
	Upstream     *tlsx.UpstreamPolicy
	SessionCache tls.ClientSessionCache

	EnableDebug bool
}

// Session owns one client connection and at most one upstream connection,
// and runs their events through a single goroutine.
type Session struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	config *Config

	events chan conn.Event
	client *conn.Connection
	server *conn.Connection

	state State
	https bool

	// host and port name the current origin; serverHost and serverPort
	// name the origin the upstream socket is actually connected to.
	host       string
	port       int
	serverHost string
	serverPort int

	clientArmed bool
	serverArmed bool
	respStarted bool
	closing     bool
	halfClosing bool
	serverEOF   bool

	started       time.Time
	exchangeStart time.Time
	exchanges     int64

	onClose func(*Session)
}

func newSession(id uint64, nc net.Conn, config *Config, onClose func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = ctxlog.Pushf(ctx, "[session:%d]", id)
	s := &Session{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		config:  config,
		events:  make(chan conn.Event, 16),
		state:   StateAwaitRequest,
		started: time.Now(),
		onClose: onClose,
	}
	s.client = conn.NewClient(nc, s.events, config.ClientIdle)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// State returns the current lifecycle state. Only meaningful for
// observation; it may change immediately after being read.
func (s *Session) State() State { return s.state }

// Start launches the event loop and arms the first client read.
func (s *Session) Start() {
	if s.config.EnableDebug {
		ctxlog.Debugf(s.ctx, "accepted %s", s.client.RemoteAddr())
	}
	s.armClient()
	go s.loop()
}

// Stop asks the session to tear down. Safe to call from any goroutine.
func (s *Session) Stop() {
	s.cancel()
}

func (s *Session) loop() {
	for s.state != StateTerminated {
		select {
		case ev := <-s.events:
			s.handle(ev)
			ev.Release()
		case <-s.ctx.Done():
			s.state = StateTerminated
		}
	}
	s.cleanup()
}

func (s *Session) cleanup() {
	s.client.Stop()
	if s.server != nil {
		s.server.Stop()
	}
	s.cancel()
	if s.config.EnableDebug {
		ctxlog.Debugf(s.ctx, "closed after %s, %d exchanges", time.Since(s.started).Round(time.Millisecond), s.exchanges)
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) terminate() {
	s.state = StateTerminated
}

func (s *Session) handle(ev conn.Event) {
	switch ev.Src {
	case s.client:
		s.handleClient(ev)
	case s.server:
		s.handleServer(ev)
	default:
		// queued by a connection this session already replaced or dropped
		if s.config.EnableDebug {
			ctxlog.Debugf(s.ctx, "stale %s %s event dropped", ev.Side, ev.Type)
		}
	}
}

func (s *Session) handleClient(ev conn.Event) {
	switch ev.Type {
	case conn.EventRead:
		s.clientArmed = false
		s.onClientBytes(ev.Data)
	case conn.EventWrite:
		s.onClientFlushed()
	case conn.EventHandshake:
		s.https = true
		s.client.Reset()
		s.state = StateAwaitRequest
		s.armClient()
	case conn.EventTimeout:
		s.clientArmed = false
		if s.config.EnableDebug {
			ctxlog.Debugf(s.ctx, "client idle timeout")
		}
		s.terminate()
	case conn.EventError:
		s.clientArmed = false
		if s.config.EnableDebug && !errors.Is(ev.Err, io.EOF) {
			ctxlog.Debugf(s.ctx, "client: %v", ev.Err)
		}
		s.terminate()
	}
}

func (s *Session) onClientBytes(data []byte) {
	if s.state != StateAwaitRequest {
		s.fail(errs.New(errs.KindProtocol, "client bytes outside request phase"))
		return
	}
	n, err := s.client.DecodeRequest(data)
	if err != nil {
		s.refuseRequest(err)
		return
	}
	if warn := s.client.DecodeWarning(); warn != nil {
		ctxlog.Warnf(s.ctx, "request framing: %v", warn)
	}
	req := s.client.Request()
	if !req.BodyComplete() {
		s.armClient()
		return
	}
	if n < len(data) {
		// Pipelined requests are not supported; a client that sends
		// ahead gets torn down rather than silently losing bytes.
		s.fail(errs.New(errs.KindProtocol, "unexpected bytes after request"))
		return
	}
	s.onRequest(req)
}

// refuseRequest answers a malformed request. CONNECT errors earn a 400,
// plain requests a 502; inside an established tunnel nothing useful can be
// said, so the session just tears down.
func (s *Session) refuseRequest(cause error) {
	ctxlog.Warnf(s.ctx, "bad request from %s: %v", s.client.RemoteAddr(), cause)
	if s.https || s.respStarted {
		s.terminate()
		return
	}
	status, reason := 502, "Bad Gateway"
	if s.client.Request().IsConnect() {
		status, reason = 400, "Bad Request"
	}
	s.sendSynthetic(status, reason)
}

// sendSynthetic writes a generated response and flags the session to close
// once the bytes are flushed.
func (s *Session) sendSynthetic(status int, reason string) {
	s.writeResponse(filter.SyntheticResponse(status, reason))
}

func (s *Session) writeResponse(resp *httpmsg.Response) {
	out := buffer.NewByteBuffer()
	codec.EncodeResponse(resp, out)
	s.respStarted = true
	s.closing = true
	s.client.Write(out.Data())
}

func (s *Session) onRequest(req *httpmsg.Request) {
	s.exchangeStart = time.Now()
	s.exchanges++

	if req.IsConnect() {
		if s.https {
			s.fail(errs.New(errs.KindProtocol, "CONNECT inside established tunnel"))
			return
		}
		if req.Host == "" {
			s.refuseRequest(errs.New(errs.KindDecode, "CONNECT without authority"))
			return
		}
		s.host, s.port = req.Host, req.Port
		s.state = StateTunnelSetup
		s.client.Write([]byte(connectReply))
		return
	}

	if !s.https {
		if req.Host == "" {
			s.refuseRequest(errs.New(errs.KindDecode, "request without host"))
			return
		}
		s.host, s.port = req.Host, req.Port
	}

	decision := s.config.Filters.OnRequestHeaders(s.ctx, s.exchange(), req)
	if decision.Verdict == filter.VerdictShortCircuit {
		if s.config.EnableDebug {
			ctxlog.Debugf(s.ctx, "request blocked by %s: %s", decision.FilterName, decision.Reason)
		}
		s.writeResponse(decision.Response)
		return
	}

	rewriteOriginForm(req)
	s.connectUpstream()
}

// rewriteOriginForm strips the scheme and authority from an absolute-form
// request target so the origin sees a plain path.
func rewriteOriginForm(req *httpmsg.Request) {
	rest := ""
	switch {
	case strings.HasPrefix(req.URI, "http://"):
		rest = req.URI[len("http://"):]
	case strings.HasPrefix(req.URI, "https://"):
		rest = req.URI[len("https://"):]
	default:
		return
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		req.URI = rest[idx:]
	} else {
		req.URI = "/"
	}
}

func (s *Session) connectUpstream() {
	if s.server != nil && s.server.HasSocket() && s.serverHost == s.host && s.serverPort == s.port {
		s.forwardRequest()
		return
	}
	if s.server != nil {
		s.server.Stop()
		s.serverArmed = false
	}
	s.server = conn.NewServer(s.events, s.config.ServerIdle)
	s.serverHost, s.serverPort = s.host, s.port
	s.state = StateRemoteConnect
	s.server.Dial(s.ctx, s.config.Resolver, s.host, s.port, s.config.DialTimeout)
}

func (s *Session) forwardRequest() {
	req := s.client.Request()
	out := buffer.NewByteBuffer()
	codec.EncodeRequest(req, out)
	s.state = StateForwardRequest
	s.server.Write(out.Data())
	if s.serverArmed {
		// A reused upstream socket still has a read in flight from the
		// previous exchange; push its idle deadline out again.
		s.server.ExtendReadDeadline()
	} else {
		s.armServer()
	}
}

func (s *Session) handleServer(ev conn.Event) {
	switch ev.Type {
	case conn.EventConnect:
		if s.config.EnableDebug {
			ctxlog.Debugf(s.ctx, "connected to %s:%d", s.serverHost, s.serverPort)
		}
		if s.https {
			s.state = StateRemoteHandshake
			cfg := netio.ClientConfig(s.host, s.config.Upstream.ShouldVerify(s.host), s.config.SessionCache)
			s.server.Handshake(s.ctx, cfg, false)
			return
		}
		s.forwardRequest()
	case conn.EventHandshake:
		s.forwardRequest()
	case conn.EventWrite:
		if s.state == StateForwardRequest {
			s.state = StateAwaitResponse
		}
	case conn.EventRead:
		s.serverArmed = false
		s.onServerBytes(ev.Data)
	case conn.EventTimeout:
		s.serverArmed = false
		if s.state == StateAwaitRequest {
			// Idle between exchanges; drop the upstream socket and keep
			// the client.
			s.dropServer()
			return
		}
		s.fail(ev.Err)
	case conn.EventError:
		s.serverArmed = false
		s.onServerError(ev.Err)
	}
}

func (s *Session) onServerBytes(data []byte) {
	if s.state == StateAwaitRequest {
		// Unsolicited bytes on an idle kept-alive socket.
		s.dropServer()
		return
	}
	n, err := s.server.DecodeResponse(data)
	if err != nil {
		s.fail(err)
		return
	}
	if warn := s.server.DecodeWarning(); warn != nil {
		ctxlog.Warnf(s.ctx, "response framing from %s: %v", s.serverHost, warn)
	}
	resp := s.server.Response()

	if resp.Deliverable() && !s.respStarted {
		decision := s.config.Filters.OnResponseHeaders(s.ctx, s.exchange(), resp)
		if decision.Verdict == filter.VerdictShortCircuit {
			if s.config.EnableDebug {
				ctxlog.Debugf(s.ctx, "response blocked by %s: %s", decision.FilterName, decision.Reason)
			}
			s.dropServer()
			s.writeResponse(decision.Response)
			return
		}
		out := buffer.NewByteBuffer()
		codec.EncodeResponseHeaders(resp, out)
		s.client.Write(out.Data())
		s.respStarted = true
		s.state = StateForwardResponse
	}

	if s.respStarted {
		if wire := resp.TakeWire(); len(wire) > 0 {
			decision := s.config.Filters.OnBodyChunk(s.ctx, s.exchange(), wire, false)
			if decision.Verdict == filter.VerdictShortCircuit {
				s.fail(errs.Newf(errs.KindProtocol, "response body blocked by %s", decision.FilterName))
				return
			}
			s.client.Write(wire)
		}
	}

	if resp.BodyComplete() {
		if n < len(data) {
			s.fail(errs.New(errs.KindProtocol, "unexpected bytes after response"))
		}
		// Wait for the client-side flush before completing.
		return
	}
	s.armServer()
}

func (s *Session) onServerError(err error) {
	if errors.Is(err, io.EOF) {
		if s.state == StateAwaitRequest {
			// Kept-alive upstream closed between exchanges.
			s.dropServer()
			return
		}
		if s.respStarted {
			// A close-delimited body ends here.
			if ferr := s.server.FinishEOF(); ferr != nil {
				s.fail(ferr)
				return
			}
			s.serverEOF = true
			if wire := s.server.Response().TakeWire(); len(wire) > 0 {
				s.client.Write(wire)
			} else if s.client.WriteIdle() {
				s.completeExchange()
			}
			return
		}
	}
	s.fail(err)
}

func (s *Session) onClientFlushed() {
	if s.halfClosing {
		if s.client.WriteIdle() {
			s.finishHalfClose()
		}
		return
	}
	if s.closing {
		if s.client.WriteIdle() {
			s.terminate()
		}
		return
	}
	switch s.state {
	case StateTunnelSetup:
		if !s.client.IsTLS() {
			s.startLocalHandshake()
		}
	case StateForwardResponse:
		// a WRITE event can belong to an earlier queue-empty that raced
		// the next body buffer; only a fully drained queue completes
		if s.server != nil && s.server.Response().BodyComplete() && s.client.WriteIdle() {
			s.completeExchange()
		}
	}
}

func (s *Session) startLocalHandshake() {
	fallback := s.host
	cfg := netio.ServerConfig(func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		name := hello.ServerName
		if name == "" {
			name = fallback
		}
		return s.config.CA.CertificateFor(name)
	})
	s.client.Handshake(s.ctx, cfg, true)
}

// fail handles an error on the forwarding path. A plain-HTTP client that
// has not seen any response bytes gets a 502; a response that went bad
// mid-decode after partial forwarding ends with a half-close so the
// client sees everything already relayed before EOF; anything else
// (inside a tunnel, or mid-response I/O) is torn down without
// explanation.
func (s *Session) fail(err error) {
	if errs.KindOf(err) == errs.KindCancelled {
		s.terminate()
		return
	}
	ctxlog.Warnf(s.ctx, "%s:%d: %v", s.host, s.port, err)
	if !s.https && !s.respStarted {
		s.sendSynthetic(502, "Bad Gateway")
		return
	}
	if s.respStarted && errs.KindOf(err) == errs.KindDecode {
		s.dropServer()
		s.halfClosing = true
		if s.client.WriteIdle() {
			s.finishHalfClose()
		}
		return
	}
	s.terminate()
}

// finishHalfClose signals EOF to the client once the relayed bytes have
// drained, then tears down.
func (s *Session) finishHalfClose() {
	if err := s.client.CloseWrite(); err != nil && s.config.EnableDebug {
		ctxlog.Debugf(s.ctx, "client half-close: %v", err)
	}
	s.terminate()
}

func (s *Session) completeExchange() {
	req := s.client.Request()
	resp := s.server.Response()
	took := time.Since(s.exchangeStart)

	target := req.URI
	if s.https {
		target = fmt.Sprintf("https://%s:%d%s", s.host, s.port, req.URI)
	}
	logging.Access(req.Method, target, resp.StatusCode, s.client.BytesWritten(), took)
	if s.config.Capture != nil && s.config.Capture.Enabled() {
		s.config.Capture.Exchange(s.id, s.client.RemoteAddr(), s.host, s.port, s.https, req, resp, took)
	}

	clientAlive := req.KeepAlive() && resp.KeepAlive() && !s.serverEOF
	serverAlive := resp.KeepAlive() && !s.serverEOF
	if s.config.EnableDebug {
		ctxlog.Debugf(s.ctx, "%s %s -> %d in %s (%d in / %d out, keep-alive=%t)",
			req.Method, target, resp.StatusCode, took.Round(time.Millisecond),
			s.client.BytesRead(), s.client.BytesWritten(), clientAlive)
	}
	if !clientAlive {
		s.terminate()
		return
	}

	if serverAlive {
		s.server.Reset()
		if !s.serverArmed {
			s.armServer()
		}
	} else {
		s.dropServer()
	}
	s.client.Reset()
	s.state = StateAwaitRequest
	s.respStarted = false
	s.serverEOF = false
	s.armClient()
}

func (s *Session) dropServer() {
	if s.server != nil {
		s.server.Stop()
	}
	s.server = nil
	s.serverArmed = false
	s.serverHost, s.serverPort = "", 0
}

func (s *Session) exchange() *filter.Exchange {
	return &filter.Exchange{
		ClientAddr: s.client.RemoteAddr(),
		Host:       s.host,
		Port:       s.port,
		HTTPS:      s.https,
		Proxied:    !s.https,
	}
}

func (s *Session) armClient() {
	s.clientArmed = true
	s.client.ArmRead()
}

func (s *Session) armServer() {
	s.serverArmed = true
	s.server.ArmRead()
}
