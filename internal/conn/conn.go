// Package conn wraps one side of a session: the accepted client socket or
// the dialed server socket. Each connection runs at most one outstanding
// read and one write drain at a time; everything it learns is posted as an
// event on the owning session's channel, so all protocol state stays
// confined to the session's event loop.
package conn

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/account-login/ctxlog"

	"github.com/ospreyproxy/osprey/internal/buffer"
	"github.com/ospreyproxy/osprey/internal/codec"
	"github.com/ospreyproxy/osprey/internal/dnsx"
	"github.com/ospreyproxy/osprey/internal/errs"
	"github.com/ospreyproxy/osprey/internal/httpmsg"
	"github.com/ospreyproxy/osprey/internal/netio"
)

// Side identifies which half of a session a connection serves.
type Side int

const (
	SideClient Side = iota
	SideServer
)

// String returns the string representation of the side.
func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// EventType enumerates what a connection can report.
type EventType int

const (
	EventConnect EventType = iota
	EventHandshake
	EventRead
	EventWrite
	EventTimeout
	EventError
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventHandshake:
		return "handshake"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one occurrence posted to the session's channel. Src names the
// connection that produced it, so the session can discard events from a
// socket it has already replaced. Data is only set for reads and points
// into a pooled buffer; the session must call Release once the bytes are
// consumed.
type Event struct {
	Src  *Connection
	Side Side
	Type EventType
	Data []byte
	Err  error

	pooled *[]byte
}

// Release returns the read buffer to the pool.
func (e *Event) Release() {
	if e.pooled != nil {
		buffer.PutReadBuffer(e.pooled)
		e.pooled = nil
		e.Data = nil
	}
}

// Connection is one socket of a session plus its codec state.
type Connection struct {
	side   Side
	sock   *netio.Conn
	events chan<- Event
	idle   time.Duration

	// exactly one side of the codec is populated
	reqDec  *codec.RequestDecoder
	respDec *codec.ResponseDecoder
	req     *httpmsg.Request
	resp    *httpmsg.Response

	writeMu sync.Mutex
	queue   []*buffer.ByteBuffer
	writing bool

	done     chan struct{}
	stopOnce sync.Once

	statsMu      sync.Mutex
	bytesRead    int64
	bytesWritten int64
}

// NewClient wraps an accepted client socket.
func NewClient(nc net.Conn, events chan<- Event, idle time.Duration) *Connection {
	return &Connection{
		side:   SideClient,
		sock:   netio.Wrap(nc),
		events: events,
		idle:   idle,
		reqDec: codec.NewRequestDecoder(),
		req:    httpmsg.NewRequest(),
		done:   make(chan struct{}),
	}
}

// NewServer prepares the server side before it is dialed.
func NewServer(events chan<- Event, idle time.Duration) *Connection {
	return &Connection{
		side:    SideServer,
		events:  events,
		idle:    idle,
		respDec: codec.NewResponseDecoder(),
		resp:    httpmsg.NewResponse(),
		done:    make(chan struct{}),
	}
}

// Side reports which half this connection serves.
func (c *Connection) Side() Side { return c.side }

// Request returns the request being assembled (client side only).
func (c *Connection) Request() *httpmsg.Request { return c.req }

// Response returns the response being assembled (server side only).
func (c *Connection) Response() *httpmsg.Response { return c.resp }

// RemoteAddr returns the peer address, empty before a dial completes.
func (c *Connection) RemoteAddr() string {
	if c.sock == nil {
		return ""
	}
	return c.sock.RemoteAddr().String()
}

// IsTLS reports whether the TLS layer is active on the socket.
func (c *Connection) IsTLS() bool {
	return c.sock != nil && c.sock.IsTLS()
}

// BytesRead reports total bytes read off the socket.
func (c *Connection) BytesRead() int64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.bytesRead
}

// BytesWritten reports total bytes written to the socket.
func (c *Connection) BytesWritten() int64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.bytesWritten
}

func (c *Connection) post(ev Event) {
	ev.Src = c
	select {
	case c.events <- ev:
	case <-c.done:
		ev.Release()
	}
}

// Dial resolves and connects the server side, posting CONNECT or ERROR.
// The first resolved address that accepts wins; addresses are tried in
// resolver order.
func (c *Connection) Dial(ctx context.Context, resolver *dnsx.Resolver, host string, port int, timeout time.Duration) {
	go func() {
		ips, err := resolver.LookupIP(ctx, host)
		if err != nil {
			if ctx.Err() != nil {
				err = errs.Wrap(errs.KindCancelled, ctx.Err(), "dial "+host)
			}
			c.post(Event{Side: c.side, Type: EventError, Err: err})
			return
		}

		var nc net.Conn
		var lastErr error
		for _, ip := range ips {
			addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
			nc, lastErr = net.DialTimeout("tcp", addr, timeout)
			if lastErr == nil {
				break
			}
			ctxlog.Debugf(ctx, "dial %s failed: %v", addr, lastErr)
		}
		if nc == nil {
			c.post(Event{Side: c.side, Type: EventError,
				Err: errs.Wrap(errs.KindIO, lastErr, "connect "+host)})
			return
		}

		select {
		case <-c.done:
			// stopped mid-dial; the socket was never visible to Stop
			nc.Close()
			return
		default:
		}
		c.sock = netio.Wrap(nc)
		c.post(Event{Side: c.side, Type: EventConnect})
	}()
}

// Handshake switches the socket to TLS asynchronously, posting HANDSHAKE
// or ERROR. Server-side configs answer the local client handshake; client
// mode reaches for the remote peer.
func (c *Connection) Handshake(ctx context.Context, cfg *tls.Config, asServer bool) {
	go func() {
		var err error
		if asServer {
			err = c.sock.SwitchToTLSServer(ctx, cfg)
		} else {
			err = c.sock.SwitchToTLSClient(ctx, cfg)
		}
		if err != nil {
			c.post(Event{Side: c.side, Type: EventError, Err: err})
			return
		}
		c.post(Event{Side: c.side, Type: EventHandshake})
	}()
}

// ArmRead starts one read. The next bytes, a timeout, or a socket error
// arrive as a single event; the session re-arms after consuming it. The
// idle duration doubles as the read deadline.
func (c *Connection) ArmRead() {
	go func() {
		buf := buffer.GetReadBuffer()

		if c.idle > 0 {
			c.sock.SetReadDeadline(time.Now().Add(c.idle))
		}
		n, err := c.sock.Read(*buf)
		if n > 0 {
			c.statsMu.Lock()
			c.bytesRead += int64(n)
			c.statsMu.Unlock()
			c.post(Event{Side: c.side, Type: EventRead, Data: (*buf)[:n], pooled: buf})
			if err == nil {
				return
			}
			// the error follows the delivered bytes as its own event
		} else {
			buffer.PutReadBuffer(buf)
		}

		if err == nil {
			return
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.post(Event{Side: c.side, Type: EventTimeout,
				Err: errs.Wrap(errs.KindTimeout, err, "idle "+c.side.String())})
			return
		}
		c.post(Event{Side: c.side, Type: EventError,
			Err: errs.Wrap(errs.KindIO, err, "read "+c.side.String())})
	}()
}

// ExtendReadDeadline pushes the idle deadline of an in-flight read out
// again, used when an idle socket is put back to work.
func (c *Connection) ExtendReadDeadline() {
	if c.sock != nil && c.idle > 0 {
		c.sock.SetReadDeadline(time.Now().Add(c.idle))
	}
}

// WriteIdle reports whether the send queue is fully flushed.
func (c *Connection) WriteIdle() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return !c.writing && len(c.queue) == 0
}

// Write queues bytes for sending. Buffers drain in FIFO order on a single
// goroutine; one WRITE event fires when the queue empties.
func (c *Connection) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	b := buffer.NewByteBuffer()
	b.Append(data)

	c.writeMu.Lock()
	c.queue = append(c.queue, b)
	if !c.writing {
		c.writing = true
		go c.drain()
	}
	c.writeMu.Unlock()
}

func (c *Connection) drain() {
	for {
		c.writeMu.Lock()
		if len(c.queue) == 0 {
			c.writing = false
			c.writeMu.Unlock()
			c.post(Event{Side: c.side, Type: EventWrite})
			return
		}
		b := c.queue[0]
		c.queue = c.queue[1:]
		c.writeMu.Unlock()

		for b.Size() > 0 {
			n, err := c.sock.Write(b.Data())
			if n > 0 {
				b.Erase(n)
				c.statsMu.Lock()
				c.bytesWritten += int64(n)
				c.statsMu.Unlock()
			}
			if err != nil {
				c.writeMu.Lock()
				c.writing = false
				c.queue = nil
				c.writeMu.Unlock()
				c.post(Event{Side: c.side, Type: EventError,
					Err: errs.Wrap(errs.KindIO, err, "write "+c.side.String())})
				return
			}
		}
	}
}

// DecodeRequest feeds read bytes to the request decoder (client side).
// It reports how many bytes it consumed.
func (c *Connection) DecodeRequest(data []byte) (int, error) {
	return c.reqDec.Decode(data, c.req)
}

// DecodeResponse feeds read bytes to the response decoder (server side).
func (c *Connection) DecodeResponse(data []byte) (int, error) {
	return c.respDec.Decode(data, c.resp)
}

// FinishEOF completes a close-delimited response (server side).
func (c *Connection) FinishEOF() error {
	return c.respDec.FinishEOF(c.resp)
}

// DecodeWarning surfaces any protocol warning the decoder recorded.
func (c *Connection) DecodeWarning() error {
	if c.reqDec != nil {
		return c.reqDec.Warning()
	}
	return c.respDec.Warning()
}

// Reset clears the codec for the next exchange on a kept-alive socket.
func (c *Connection) Reset() {
	if c.reqDec != nil {
		c.reqDec.Reset()
		c.req.Reset()
	} else {
		c.respDec.Reset()
		c.resp.Reset()
	}
}

// HasSocket reports whether the connection has an established socket.
func (c *Connection) HasSocket() bool { return c.sock != nil }

// Stop closes the socket and silences any in-flight events. Safe to call
// more than once.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.sock != nil {
			c.sock.Close()
		}
	})
}

// CloseWrite half-closes the write side, signalling EOF to the peer while
// reads continue.
func (c *Connection) CloseWrite() error {
	if c.sock == nil {
		return nil
	}
	return c.sock.CloseWrite()
}
