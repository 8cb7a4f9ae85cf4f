package codec

import (
	"strconv"

	"github.com/ospreyproxy/osprey/internal/buffer"
	"github.com/ospreyproxy/osprey/internal/httpmsg"
)

const crlf = "\r\n"

// EncodeRequest serializes a request to wire form: request line, headers in
// stored order, blank line, then the body bytes verbatim.
func EncodeRequest(req *httpmsg.Request, out *buffer.ByteBuffer) {
	out.AppendString(req.Method)
	out.AppendByte(' ')
	out.AppendString(req.URI)
	out.AppendString(" HTTP/")
	out.AppendString(strconv.Itoa(req.MajorVersion))
	out.AppendByte('.')
	out.AppendString(strconv.Itoa(req.MinorVersion))
	out.AppendString(crlf)
	encodeTrailer(&req.Message, out)
}

// EncodeResponse serializes a response to wire form: status line, headers
// in stored order, blank line, then the body bytes verbatim.
func EncodeResponse(resp *httpmsg.Response, out *buffer.ByteBuffer) {
	EncodeResponseHeaders(resp, out)
	appendBody(&resp.Message, out)
}

// EncodeResponseHeaders serializes only the status line and header block,
// used when the body is streamed separately as it arrives.
func EncodeResponseHeaders(resp *httpmsg.Response, out *buffer.ByteBuffer) {
	out.AppendString("HTTP/")
	out.AppendString(strconv.Itoa(resp.MajorVersion))
	out.AppendByte('.')
	out.AppendString(strconv.Itoa(resp.MinorVersion))
	out.AppendByte(' ')
	out.AppendString(strconv.Itoa(resp.StatusCode))
	out.AppendByte(' ')
	out.AppendString(resp.Reason)
	out.AppendString(crlf)
	encodeHeaders(&resp.Message, out)
}

func encodeTrailer(m *httpmsg.Message, out *buffer.ByteBuffer) {
	encodeHeaders(m, out)
	appendBody(m, out)
}

func encodeHeaders(m *httpmsg.Message, out *buffer.ByteBuffer) {
	for _, h := range m.Headers {
		out.AppendString(h.Name)
		out.AppendString(": ")
		out.AppendString(h.Value)
		out.AppendString(crlf)
	}
	out.AppendString(crlf)
}

// appendBody emits the framed body bytes as captured off the wire. A
// message composed in memory has no wire capture, so its decoded body is
// used instead.
func appendBody(m *httpmsg.Message, out *buffer.ByteBuffer) {
	if m.Wire.Size() > 0 {
		out.Append(m.Wire.Data())
		return
	}
	if m.Body.Size() > 0 {
		out.Append(m.Body.Data())
	}
}
