package codec

import (
	"strconv"
	"strings"

	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

// RequestDecoder incrementally parses HTTP/1.x requests.
type RequestDecoder struct {
	decoder
}

// NewRequestDecoder creates a decoder positioned at the start of a request.
func NewRequestDecoder() *RequestDecoder {
	return &RequestDecoder{decoder{state: stReqStart}}
}

// Reset prepares the decoder for the next request on the same connection.
func (d *RequestDecoder) Reset() {
	d.state = stReqStart
	d.resetScratch()
}

// Decode feeds bytes to the parser, advancing req. It returns the number of
// bytes consumed, which is less than len(data) only when the request
// completes mid-buffer. Any rule violation yields a decode-error.
func (d *RequestDecoder) Decode(data []byte, req *httpmsg.Request) (int, error) {
	for i := 0; i < len(data); i++ {
		if d.state >= stBodyIdentity {
			n, err := d.consumeBody(data[i:], &req.Message)
			if err != nil {
				return i + n, err
			}
			if req.BodyComplete() {
				req.MarkDeliverable()
				return i + n, nil
			}
			return i + n, nil
		}

		c := data[i]
		switch d.state {
		case stReqStart:
			if !isAlpha(c) {
				return i, decodeErrf("request must start with a method, got %q", c)
			}
			d.name.WriteByte(c)
			d.state = stMethod

		case stMethod:
			if c == ' ' {
				req.Method = d.name.String()
				d.name.Reset()
				d.state = stURI
				continue
			}
			if !isAlpha(c) {
				return i, decodeErrf("invalid method byte %q", c)
			}
			d.name.WriteByte(c)

		case stURI:
			if c == ' ' {
				if d.value.Len() == 0 {
					return i, decodeErrf("empty request target")
				}
				req.URI = d.value.String()
				d.value.Reset()
				d.state = stVersionH
				continue
			}
			if isCtl(c) {
				return i, decodeErrf("control byte in request target")
			}
			d.value.WriteByte(c)

		case stVersionH, stVersionT1, stVersionT2, stVersionP, stVersionSlash,
			stMajorStart, stMajor, stMinorStart, stMinor, stVersionCR:
			next, err := d.consumeVersion(c, &req.Message)
			if err != nil {
				return i, err
			}
			d.state = next

		case stHeaderStart, stHeaderName, stHeaderOWS, stHeaderValue,
			stHeaderLWS, stHeaderCR:
			next, err := d.consumeHeaderByte(c, &req.Message)
			if err != nil {
				return i, err
			}
			d.state = next

		case stHeadersEndLF:
			if c != '\n' {
				return i, decodeErrf("expected LF ending header section")
			}
			if err := d.finishRequestHeaders(req); err != nil {
				return i, err
			}
			if req.BodyComplete() {
				req.MarkDeliverable()
				return i + 1, nil
			}

		case stDone:
			return i, nil

		default:
			return i, decodeErrf("request decoder in unexpected state %d", d.state)
		}
	}
	return len(data), nil
}

// finishRequestHeaders runs once the blank line is consumed: it derives
// host/port and selects the body framing.
func (d *RequestDecoder) finishRequestHeaders(req *httpmsg.Request) error {
	if err := parseTarget(req); err != nil {
		return err
	}
	// CONNECT carries no body; the tunnel payload follows out of band
	return d.beginBody(&req.Message, false, req.IsConnect())
}

// parseTarget fills Host and Port from the Host header, the authority-form
// CONNECT target, or an absolute-form URI, in that order of precedence.
func parseTarget(req *httpmsg.Request) error {
	if req.IsConnect() {
		host, port, err := splitHostPort(req.URI, 443)
		if err != nil || host == "" {
			return decodeErrf("invalid CONNECT target %q", req.URI)
		}
		req.Host = host
		req.Port = port
		return nil
	}

	defPort := 80
	rest := ""
	if strings.HasPrefix(req.URI, "http://") {
		rest = req.URI[len("http://"):]
	} else if strings.HasPrefix(req.URI, "https://") {
		rest = req.URI[len("https://"):]
		defPort = 443
	}

	if host, ok := req.Headers.Get("Host"); ok {
		h, p, err := splitHostPort(host, defPort)
		if err != nil {
			return decodeErrf("invalid Host header %q", host)
		}
		req.Host = h
		req.Port = p
	} else if rest != "" {
		authority := rest
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			authority = rest[:slash]
		}
		h, p, err := splitHostPort(authority, defPort)
		if err != nil || h == "" {
			return decodeErrf("invalid authority in request target %q", req.URI)
		}
		req.Host = h
		req.Port = p
	}
	if req.Port == 0 {
		req.Port = defPort
	}
	return nil
}

func splitHostPort(hostport string, defPort int) (string, int, error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return hostport, defPort, nil
	}
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, decodeErrf("invalid port in %q", hostport)
	}
	return hostport[:idx], port, nil
}

// consumeVersion handles the "HTTP/major.minor" sequence shared by request
// and status lines. It returns the next state.
func (d *decoder) consumeVersion(c byte, m *httpmsg.Message) (state, error) {
	switch d.state {
	case stVersionH:
		if c != 'H' {
			return 0, decodeErrf("expected 'H' in protocol version")
		}
		return stVersionT1, nil
	case stVersionT1:
		if c != 'T' {
			return 0, decodeErrf("expected 'T' in protocol version")
		}
		return stVersionT2, nil
	case stVersionT2:
		if c != 'T' {
			return 0, decodeErrf("expected 'T' in protocol version")
		}
		return stVersionP, nil
	case stVersionP:
		if c != 'P' {
			return 0, decodeErrf("expected 'P' in protocol version")
		}
		return stVersionSlash, nil
	case stVersionSlash:
		if c != '/' {
			return 0, decodeErrf("expected '/' in protocol version")
		}
		m.MajorVersion = 0
		m.MinorVersion = 0
		return stMajorStart, nil
	case stMajorStart:
		if !isDigit(c) {
			return 0, decodeErrf("expected digit in major version")
		}
		m.MajorVersion = int(c - '0')
		return stMajor, nil
	case stMajor:
		if c == '.' {
			return stMinorStart, nil
		}
		if !isDigit(c) {
			return 0, decodeErrf("expected digit in major version")
		}
		m.MajorVersion = m.MajorVersion*10 + int(c-'0')
		if m.MajorVersion > maxVersionComponent {
			return 0, decodeErrf("major version overflow")
		}
		return stMajor, nil
	case stMinorStart:
		if !isDigit(c) {
			return 0, decodeErrf("expected digit in minor version")
		}
		m.MinorVersion = int(c - '0')
		return stMinor, nil
	case stMinor:
		if c == '\r' {
			return stVersionCR, nil
		}
		if c == ' ' {
			// only the status line carries content after the version
			return stStatusCodeStart, nil
		}
		if !isDigit(c) {
			return 0, decodeErrf("expected digit in minor version")
		}
		m.MinorVersion = m.MinorVersion*10 + int(c-'0')
		if m.MinorVersion > maxVersionComponent {
			return 0, decodeErrf("minor version overflow")
		}
		return stMinor, nil
	case stVersionCR:
		if c != '\n' {
			return 0, decodeErrf("expected LF after request line")
		}
		return stHeaderStart, nil
	}
	return 0, decodeErrf("version parser in unexpected state %d", d.state)
}

// consumeHeaderByte handles the header block byte machine shared by
// requests and responses. It returns the next state; stHeadersEndLF signals
// that the blank line's CR was seen.
func (d *decoder) consumeHeaderByte(c byte, m *httpmsg.Message) (state, error) {
	switch d.state {
	case stHeaderStart:
		if c == '\r' {
			return stHeadersEndLF, nil
		}
		if (c == ' ' || c == '\t') && len(m.Headers) > 0 {
			// LWS continuation of the previous header's value
			return stHeaderLWS, nil
		}
		if !isTokenChar(c) {
			return 0, decodeErrf("invalid header name byte %q", c)
		}
		d.name.WriteByte(c)
		return stHeaderName, nil

	case stHeaderName:
		if c == ':' {
			return stHeaderOWS, nil
		}
		if !isTokenChar(c) {
			return 0, decodeErrf("invalid header name byte %q", c)
		}
		d.name.WriteByte(c)
		return stHeaderName, nil

	case stHeaderOWS:
		if c == ' ' || c == '\t' {
			return stHeaderOWS, nil
		}
		if c == '\r' {
			// empty header value
			return stHeaderCR, nil
		}
		if isCtl(c) {
			return 0, decodeErrf("control byte in header value")
		}
		d.value.WriteByte(c)
		return stHeaderValue, nil

	case stHeaderValue:
		if c == '\r' {
			return stHeaderCR, nil
		}
		if isCtl(c) && c != '\t' {
			return 0, decodeErrf("control byte in header value")
		}
		d.value.WriteByte(c)
		return stHeaderValue, nil

	case stHeaderLWS:
		if c == '\r' {
			return stHeaderCR, nil
		}
		if c == ' ' || c == '\t' {
			return stHeaderLWS, nil
		}
		if isCtl(c) {
			return 0, decodeErrf("control byte in header continuation")
		}
		// append to the previous header's value after a single space
		last := &m.Headers[len(m.Headers)-1]
		last.Value += " " + string(c)
		d.continuing = true
		return stHeaderValue, nil

	case stHeaderCR:
		if c != '\n' {
			return 0, decodeErrf("expected LF after header line")
		}
		if d.continuing {
			// the continued bytes were accumulated in d.value
			last := &m.Headers[len(m.Headers)-1]
			last.Value += d.value.String()
			d.value.Reset()
			d.continuing = false
		} else if d.name.Len() > 0 {
			if err := d.finishHeader(m); err != nil {
				return 0, err
			}
		}
		return stHeaderStart, nil
	}
	return 0, decodeErrf("header parser in unexpected state %d", d.state)
}
