package proxy

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// decodedBody wraps a decompressing reader and releases decoder resources
// on Close. It does not close the underlying response body.
type decodedBody struct {
	io.Reader
	close func()
}

func (d *decodedBody) Close() error {
	if d.close != nil {
		d.close()
	}
	return nil
}

// decodeContent returns a reader yielding the identity form of body for the
// given Content-Encoding. ok is false for unsupported or corrupt encodings,
// in which case the caller must forward the response untouched.
func decodeContent(encoding string, body io.Reader) (r *decodedBody, ok bool) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return &decodedBody{Reader: body}, true

	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, false
		}
		return &decodedBody{Reader: gz, close: func() { gz.Close() }}, true

	case "deflate":
		// Servers disagree on whether "deflate" means zlib-wrapped or raw.
		br := bufio.NewReader(body)
		if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, false
			}
			return &decodedBody{Reader: zr, close: func() { zr.Close() }}, true
		}
		fr := flate.NewReader(br)
		return &decodedBody{Reader: fr, close: func() { fr.Close() }}, true

	case "br":
		return &decodedBody{Reader: brotli.NewReader(body)}, true

	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, false
		}
		return &decodedBody{Reader: zr, close: zr.Close}, true
	}

	return nil, false
}

func isZlibHeader(b []byte) bool {
	cmf, flg := b[0], b[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// recordingReader keeps a copy of what a decoder reads while it parses the
// stream header, so a rejected body can still be forwarded intact.
type recordingReader struct {
	r       io.Reader
	prefix  bytes.Buffer
	stopped bool
}

func (rr *recordingReader) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if !rr.stopped && n > 0 {
		rr.prefix.Write(p[:n])
	}
	return n, err
}

func (rr *recordingReader) stop() {
	rr.stopped = true
	rr.prefix = bytes.Buffer{}
}
