package codec

import (
	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// ResponseDecoder incrementally parses HTTP/1.x responses.
type ResponseDecoder struct {
	decoder
}

// NewResponseDecoder creates a decoder positioned at the start of a
// status line.
func NewResponseDecoder() *ResponseDecoder {
	return &ResponseDecoder{decoder{state: stRespStart}}
}

// Reset prepares the decoder for the next response on the same connection.
func (d *ResponseDecoder) Reset() {
	d.state = stRespStart
	d.resetScratch()
}

// Decode feeds bytes to the parser, advancing resp. The response becomes
// deliverable as soon as its header section is parsed so forwarding can
// begin while the body streams.
func (d *ResponseDecoder) Decode(data []byte, resp *httpmsg.Response) (int, error) {
	for i := 0; i < len(data); i++ {
		if d.state >= stBodyIdentity {
			n, err := d.consumeBody(data[i:], &resp.Message)
			return i + n, err
		}

		c := data[i]
		switch d.state {
		case stRespStart:
			if c != 'H' {
				return i, decodeErrf("response must start with a status line, got %q", c)
			}
			d.state = stVersionT1

		case stVersionT1, stVersionT2, stVersionP, stVersionSlash,
			stMajorStart, stMajor, stMinorStart, stMinor:
			next, err := d.consumeVersion(c, &resp.Message)
			if err != nil {
				return i, err
			}
			d.state = next

		case stStatusCodeStart:
			if !isDigit(c) {
				return i, decodeErrf("expected digit in status code")
			}
			resp.StatusCode = int(c - '0')
			d.state = stStatusCode

		case stStatusCode:
			if c == ' ' {
				d.state = stReasonStart
				continue
			}
			if c == '\r' {
				d.state = stStatusCR
				continue
			}
			if !isDigit(c) {
				return i, decodeErrf("expected digit in status code")
			}
			resp.StatusCode = resp.StatusCode*10 + int(c-'0')
			if resp.StatusCode > 999 {
				return i, decodeErrf("status code overflow")
			}

		case stReasonStart, stReason:
			if c == '\r' {
				resp.Reason = d.value.String()
				d.value.Reset()
				d.state = stStatusCR
				continue
			}
			if isCtl(c) && c != '\t' {
				return i, decodeErrf("control byte in reason phrase")
			}
			d.value.WriteByte(c)
			d.state = stReason

		case stStatusCR:
			if c != '\n' {
				return i, decodeErrf("expected LF after status line")
			}
			d.state = stHeaderStart

		case stHeaderStart, stHeaderName, stHeaderOWS, stHeaderValue,
			stHeaderLWS, stHeaderCR:
			next, err := d.consumeHeaderByte(c, &resp.Message)
			if err != nil {
				return i, err
			}
			d.state = next

		case stHeadersEndLF:
			if c != '\n' {
				return i, decodeErrf("expected LF ending header section")
			}
			if err := d.beginBody(&resp.Message, true, noResponseBody(resp.StatusCode)); err != nil {
				return i, err
			}
			// headers are the forwardable prefix of a response
			resp.MarkDeliverable()
			if resp.BodyComplete() {
				return i + 1, nil
			}

		case stDone:
			return i, nil

		default:
			return i, decodeErrf("response decoder in unexpected state %d", d.state)
		}
	}
	return len(data), nil
}

// FinishEOF terminates a close-delimited response when the peer closes the
// connection. It is a decode-error if the response relied on explicit
// framing that has not completed.
func (d *ResponseDecoder) FinishEOF(resp *httpmsg.Response) error {
	switch d.state {
	case stBodyUntilEOF:
		resp.MarkBodyComplete()
		d.state = stDone
		return nil
	case stDone:
		return nil
	default:
		return decodeErrf("connection closed mid-response (state %d)", d.state)
	}
}

// noResponseBody reports whether a status code forbids a message body.
func noResponseBody(status int) bool {
	return status == 204 || status == 304 || (status >= 100 && status < 200)
}
