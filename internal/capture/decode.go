package capture

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// maxDecodedBytes bounds decompression so a hostile payload cannot blow
// up memory.
const maxDecodedBytes = 8 * 1024 * 1024

// DecodeBody reverses a response Content-Encoding. Unknown or empty
// encodings return the input unchanged.
func DecodeBody(body []byte, encoding string) ([]byte, error) {
	var reader io.Reader

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		// deflate on the wire is usually zlib-wrapped, but some servers
		// send raw streams
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			reader = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			reader = fr
		}
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return body, nil
	}

	decoded, err := io.ReadAll(io.LimitReader(reader, maxDecodedBytes))
	if err != nil {
		return nil, err
	}
	return decoded, nil
}
