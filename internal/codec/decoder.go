// Package codec implements the incremental HTTP/1.x wire codec. Decoders
// are byte-fed state machines: they consume raw socket bytes and advance a
// structured message, reporting how much of the input they used. A message
// may become deliverable (headers parsed, forwarding may begin) before it
// is complete.
package codec

import (
	"strconv"
	"strings"

	"github.com/ospreyproxy/osprey/internal/errs"
	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

type state int

const (
	// request line
	stReqStart state = iota
	stMethod
	stURI
	// response status line
	stRespStart
	stStatusCodeStart
	stStatusCode
	stReasonStart
	stReason
	stStatusCR
	// shared version parsing ("HTTP/major.minor")
	stVersionH
	stVersionT1
	stVersionT2
	stVersionP
	stVersionSlash
	stMajorStart
	stMajor
	stMinorStart
	stMinor
	stVersionCR
	// headers
	stHeaderStart
	stHeaderName
	stHeaderOWS
	stHeaderValue
	stHeaderLWS
	stHeaderCR
	stHeadersEndLF
	// body
	stBodyIdentity
	stBodyUntilEOF
	stChunkSize
	stChunkExt
	stChunkSizeLF
	stChunkData
	stChunkDataCR
	stChunkDataLF
	stTrailerStart
	stTrailerLine
	stTrailerCR
	stFinalLF
	stDone
)

const maxVersionComponent = 9999

// decoder holds the state shared by the request and response decoders.
type decoder struct {
	state state

	name       strings.Builder
	value      strings.Builder
	continuing bool
	number     int64
	remain     int64
	warning    error
}

func (d *decoder) resetScratch() {
	d.name.Reset()
	d.value.Reset()
	d.continuing = false
	d.number = 0
	d.remain = 0
	d.warning = nil
}

// Warning returns the protocol warning recorded during decoding, if any
// (for example conflicting framing headers).
func (d *decoder) Warning() error { return d.warning }

func isTokenChar(c byte) bool {
	if c <= ' ' || c >= 0x7f {
		return false
	}
	switch c {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"',
		'/', '[', ']', '?', '=', '{', '}':
		return false
	}
	return true
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isCtl(c byte) bool { return c < 0x20 || c == 0x7f }

func hexDigit(c byte) (int64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int64(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int64(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int64(c-'A') + 10, true
	}
	return 0, false
}

func decodeErrf(format string, args ...interface{}) error {
	return errs.Newf(errs.KindDecode, format, args...)
}

// finishHeader stores the accumulated name/value pair on the message.
func (d *decoder) finishHeader(m *httpmsg.Message) error {
	name := d.name.String()
	value := strings.TrimRight(d.value.String(), " \t")
	m.Headers.Add(name, value)
	d.name.Reset()
	d.value.Reset()
	return nil
}

// beginBody inspects the stored framing headers and moves the decoder into
// the appropriate body state. isResponse selects close-delimited framing
// when no explicit framing header is present. noBody forces an empty body
// (CONNECT requests, 204/304/1xx responses).
func (d *decoder) beginBody(m *httpmsg.Message, isResponse, noBody bool) error {
	m.MarkHeadersComplete()

	chunked := false
	if te, ok := m.Headers.Get("Transfer-Encoding"); ok {
		if strings.Contains(strings.ToLower(te), "chunked") {
			chunked = true
		}
	}

	length := int64(-1)
	if cl, ok := m.Headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return decodeErrf("invalid Content-Length %q", cl)
		}
		length = n
	}

	if chunked && length >= 0 {
		// conflicting framing headers: warn, prefer chunked
		d.warning = errs.Newf(errs.KindProtocol,
			"both Transfer-Encoding and Content-Length present, preferring chunked")
		length = -1
	}

	switch {
	case noBody:
		m.MarkBodyComplete()
		d.state = stDone
	case chunked:
		m.Coding = httpmsg.CodingChunked
		d.number = 0
		d.state = stChunkSize
	case length == 0:
		m.ContentLength = 0
		m.MarkBodyComplete()
		d.state = stDone
	case length > 0:
		m.ContentLength = length
		d.remain = length
		d.state = stBodyIdentity
	case isResponse:
		// no framing: body runs until the peer closes the connection
		d.state = stBodyUntilEOF
	default:
		// requests without framing headers have no body
		m.MarkBodyComplete()
		d.state = stDone
	}
	return nil
}

// consumeBody handles the body states, returning how many bytes of data it
// used. Body bytes are appended both decoded (msg.Body) and framed
// (msg.Wire) so responses can be streamed onward verbatim.
func (d *decoder) consumeBody(data []byte, m *httpmsg.Message) (int, error) {
	used := 0
	for used < len(data) {
		switch d.state {
		case stBodyIdentity:
			n := int64(len(data) - used)
			if n > d.remain {
				n = d.remain
			}
			seg := data[used : used+int(n)]
			m.Body.Append(seg)
			m.Wire.Append(seg)
			d.remain -= n
			used += int(n)
			if d.remain == 0 {
				m.MarkBodyComplete()
				d.state = stDone
				return used, nil
			}

		case stBodyUntilEOF:
			seg := data[used:]
			m.Body.Append(seg)
			m.Wire.Append(seg)
			return len(data), nil

		case stChunkSize:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if v, ok := hexDigit(c); ok {
				d.number = d.number<<4 | v
				if d.number < 0 {
					return used, decodeErrf("chunk size overflow")
				}
				continue
			}
			switch c {
			case ';':
				d.state = stChunkExt
			case '\r':
				d.state = stChunkSizeLF
			default:
				return used, decodeErrf("invalid chunk size byte %q", c)
			}

		case stChunkExt:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if c == '\r' {
				d.state = stChunkSizeLF
			}

		case stChunkSizeLF:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if c != '\n' {
				return used, decodeErrf("expected LF after chunk size")
			}
			if d.number == 0 {
				d.state = stTrailerStart
			} else {
				d.remain = d.number
				d.number = 0
				d.state = stChunkData
			}

		case stChunkData:
			n := int64(len(data) - used)
			if n > d.remain {
				n = d.remain
			}
			seg := data[used : used+int(n)]
			m.Body.Append(seg)
			m.Wire.Append(seg)
			d.remain -= n
			used += int(n)
			if d.remain == 0 {
				d.state = stChunkDataCR
			}

		case stChunkDataCR:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if c != '\r' {
				return used, decodeErrf("expected CR after chunk data")
			}
			d.state = stChunkDataLF

		case stChunkDataLF:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if c != '\n' {
				return used, decodeErrf("expected LF after chunk data")
			}
			d.state = stChunkSize

		case stTrailerStart:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if c == '\r' {
				d.state = stFinalLF
			} else if isCtl(c) {
				return used, decodeErrf("control byte in trailer")
			} else {
				d.state = stTrailerLine
			}

		case stTrailerLine:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if c == '\r' {
				d.state = stTrailerCR
			}

		case stTrailerCR:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if c != '\n' {
				return used, decodeErrf("expected LF after trailer")
			}
			d.state = stTrailerStart

		case stFinalLF:
			c := data[used]
			m.Wire.AppendByte(c)
			used++
			if c != '\n' {
				return used, decodeErrf("expected LF after final chunk")
			}
			m.MarkBodyComplete()
			d.state = stDone
			return used, nil

		case stDone:
			return used, nil

		default:
			return used, decodeErrf("decoder in unexpected body state %d", d.state)
		}
	}
	return used, nil
}
