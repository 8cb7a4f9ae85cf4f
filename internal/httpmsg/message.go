// Package httpmsg defines the structured HTTP/1.x messages assembled by the
// codec and exchanged between the two sides of a session.
package httpmsg

import (
	"strings"

	"github.com/ospreyproxy/osprey/internal/buffer"
)

// TransferCoding is the body framing of a message.
type TransferCoding int

const (
	// CodingIdentity frames the body by Content-Length or connection close.
	CodingIdentity TransferCoding = iota
	// CodingChunked frames the body as HTTP/1.1 chunks.
	CodingChunked
)

// String returns the string representation of the transfer coding.
func (tc TransferCoding) String() string {
	if tc == CodingChunked {
		return "chunked"
	}
	return "identity"
}

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list preserving first-seen order.
type Headers []Header

// Get returns the value of the first header matching name, case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value, true
		}
	}
	return "", false
}

// Set replaces the value of the first matching header in place, or appends
// a new one. The stored position of an existing header is preserved.
func (h *Headers) Set(name, value string) {
	for i := range *h {
		if strings.EqualFold((*h)[i].Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Add appends a header regardless of existing entries with the same name.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Remove deletes every header matching name and reports whether any matched.
func (h *Headers) Remove(name string) bool {
	kept := (*h)[:0]
	removed := false
	for _, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			removed = true
			continue
		}
		kept = append(kept, hdr)
	}
	*h = kept
	return removed
}

// Message is the state shared by requests and responses. The decoder fills
// it incrementally; completion is observable through the flags rather than
// through the decoder itself.
type Message struct {
	MajorVersion int
	MinorVersion int
	Headers      Headers

	// Body accumulates decoded body bytes (dechunked for chunked coding).
	Body *buffer.ByteBuffer

	// Wire accumulates raw framed body bytes exactly as read off the
	// socket, so a response body can be streamed onward without
	// re-encoding its framing. The session drains it between reads.
	Wire *buffer.ByteBuffer

	Coding        TransferCoding
	ContentLength int64 // -1 when unknown

	headersComplete bool
	bodyComplete    bool
	deliverable     bool
}

func newMessage() Message {
	return Message{
		Body:          buffer.NewByteBuffer(),
		Wire:          buffer.NewByteBuffer(),
		ContentLength: -1,
	}
}

// HeadersComplete reports whether the header section is fully parsed.
func (m *Message) HeadersComplete() bool { return m.headersComplete }

// BodyComplete reports whether the entire message has been parsed.
func (m *Message) BodyComplete() bool { return m.bodyComplete }

// Deliverable reports whether forwarding of this message may begin.
func (m *Message) Deliverable() bool { return m.deliverable }

// MarkHeadersComplete is called by the decoder once the blank line after
// the headers is consumed.
func (m *Message) MarkHeadersComplete() { m.headersComplete = true }

// MarkBodyComplete is called by the decoder once the body framing ends.
// A complete body implies complete headers.
func (m *Message) MarkBodyComplete() {
	m.headersComplete = true
	m.bodyComplete = true
}

// MarkDeliverable flags the message as ready to forward.
func (m *Message) MarkDeliverable() { m.deliverable = true }

// TakeWire returns the raw framed body bytes accumulated since the last
// call and resets the pending slice.
func (m *Message) TakeWire() []byte {
	if m.Wire.Size() == 0 {
		return nil
	}
	out := make([]byte, m.Wire.Size())
	copy(out, m.Wire.Data())
	m.Wire.Consume(len(out))
	return out
}

// Version reports the protocol version as a pair.
func (m *Message) Version() (int, int) { return m.MajorVersion, m.MinorVersion }

func (m *Message) reset() {
	m.MajorVersion = 0
	m.MinorVersion = 0
	m.Headers = m.Headers[:0]
	m.Body.Reset()
	m.Wire.Reset()
	m.Coding = CodingIdentity
	m.ContentLength = -1
	m.headersComplete = false
	m.bodyComplete = false
	m.deliverable = false
}

// Request is an HTTP request assembled by the request decoder.
type Request struct {
	Message

	Method string
	URI    string

	// Host and Port are parsed from the Host header or the request target.
	Host string
	Port int
}

// NewRequest creates an empty request.
func NewRequest() *Request {
	return &Request{Message: newMessage()}
}

// Reset clears the request for reuse on a kept-alive connection.
func (r *Request) Reset() {
	r.Message.reset()
	r.Method = ""
	r.URI = ""
	r.Host = ""
	r.Port = 0
}

// IsConnect reports whether this is a CONNECT request.
func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// KeepAlive reports whether the client side may be reused after this
// exchange. HTTP/1.1 defaults to keep-alive absent "Connection: close";
// HTTP/1.0 requires an explicit keep-alive token.
func (r *Request) KeepAlive() bool {
	return keepAlive(&r.Message)
}

// Response is an HTTP response assembled by the response decoder.
type Response struct {
	Message

	StatusCode int
	Reason     string
}

// NewResponse creates an empty response.
func NewResponse() *Response {
	return &Response{Message: newMessage()}
}

// Reset clears the response for reuse on a kept-alive connection.
func (r *Response) Reset() {
	r.Message.reset()
	r.StatusCode = 0
	r.Reason = ""
}

// KeepAlive reports whether the server side may be reused after this
// exchange.
func (r *Response) KeepAlive() bool {
	return keepAlive(&r.Message)
}

func keepAlive(m *Message) bool {
	value, ok := m.Headers.Get("Connection")
	if !ok {
		if value, ok = m.Headers.Get("Proxy-Connection"); !ok {
			// HTTP/1.1 defaults to persistent connections
			return m.MajorVersion > 1 || (m.MajorVersion == 1 && m.MinorVersion >= 1)
		}
	}
	return strings.EqualFold(strings.TrimSpace(value), "keep-alive")
}
