package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

const testHTML = "<html><head><title>Test</title></head><body>Hello World</body></html>"

func newUnstartedServer(t testing.TB, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Target == "" {
		cfg.Target = "http://localhost:3000"
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s
}

func htmlResponse(body io.Reader, encoding string) *http.Response {
	h := http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}
	if encoding != "" {
		h.Set("Content-Encoding", encoding)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(body),
	}
}

func compressGzip(t testing.TB, data []byte) *bytes.Buffer {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	w.Close()
	return &buf
}

func compressZlib(t testing.TB, data []byte) *bytes.Buffer {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	w.Close()
	return &buf
}

func compressFlate(t testing.TB, data []byte) *bytes.Buffer {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("failed to create flate writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	w.Close()
	return &buf
}

func compressBrotli(t testing.TB, data []byte) *bytes.Buffer {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	w.Close()
	return &buf
}

func compressZstd(t testing.TB, data []byte) *bytes.Buffer {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("failed to create zstd writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	w.Close()
	return &buf
}

func TestModifyResponse_DecodesAndInjects(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		compress func(testing.TB, []byte) *bytes.Buffer
	}{
		{"identity", "", func(_ testing.TB, b []byte) *bytes.Buffer { return bytes.NewBuffer(b) }},
		{"gzip", "gzip", compressGzip},
		{"x-gzip", "x-gzip", compressGzip},
		{"deflate zlib-wrapped", "deflate", compressZlib},
		{"deflate raw", "deflate", compressFlate},
		{"brotli", "br", compressBrotli},
		{"zstd", "zstd", compressZstd},
		{"encoding token case-insensitive", "GZIP", compressGzip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newUnstartedServer(t, ServerConfig{})
			resp := htmlResponse(tt.compress(t, []byte(testHTML)), tt.encoding)

			if err := s.modifyResponse(resp); err != nil {
				t.Fatalf("modifyResponse failed: %v", err)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			if got := resp.Header.Get("Content-Encoding"); got != "" {
				t.Errorf("Content-Encoding should be removed, got %q", got)
			}

			want := RewriteHTML(testHTML)
			if string(body) != want {
				t.Errorf("body mismatch\n got: %q\nwant: %q", body, want)
			}
			if resp.Header.Get("Content-Length") != strconv.Itoa(len(want)) {
				t.Errorf("Content-Length = %q, want %d", resp.Header.Get("Content-Length"), len(want))
			}
			if resp.ContentLength != int64(len(want)) {
				t.Errorf("ContentLength = %d, want %d", resp.ContentLength, len(want))
			}
			if s.Stats().InjectedPages != 1 {
				t.Errorf("InjectedPages = %d, want 1", s.Stats().InjectedPages)
			}
		})
	}
}

func TestModifyResponse_NonHTMLPassthrough(t *testing.T) {
	jsonBody := []byte(`{"key": "value", "html": "</body>"}`)
	compressed := compressGzip(t, jsonBody).Bytes()

	s := newUnstartedServer(t, ServerConfig{})
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":     []string{"application/json"},
			"Content-Encoding": []string{"gzip"},
			"Content-Length":   []string{strconv.Itoa(len(compressed))},
		},
		Body: io.NopCloser(bytes.NewReader(compressed)),
	}

	if err := s.modifyResponse(resp); err != nil {
		t.Fatalf("modifyResponse failed: %v", err)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, compressed) {
		t.Error("non-HTML body should be byte-identical")
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Error("Content-Encoding should be preserved for non-HTML")
	}
	if resp.Header.Get("Content-Length") != strconv.Itoa(len(compressed)) {
		t.Error("Content-Length should be preserved for non-HTML")
	}
}

func TestModifyResponse_UnsupportedEncodingPassthrough(t *testing.T) {
	raw := []byte("opaque-compressed-bytes")

	s := newUnstartedServer(t, ServerConfig{})
	resp := htmlResponse(bytes.NewReader(raw), "compress")

	if err := s.modifyResponse(resp); err != nil {
		t.Fatalf("modifyResponse failed: %v", err)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, raw) {
		t.Errorf("unsupported encoding should pass through, got %q", body)
	}
	if resp.Header.Get("Content-Encoding") != "compress" {
		t.Error("Content-Encoding should be preserved")
	}
}

func TestModifyResponse_CorruptGzipPassthrough(t *testing.T) {
	s := newUnstartedServer(t, ServerConfig{})
	resp := htmlResponse(strings.NewReader("not actually gzip"), "gzip")

	if err := s.modifyResponse(resp); err != nil {
		t.Fatalf("modifyResponse should not fail on a corrupt header: %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Error("corrupt body should be forwarded with its original encoding")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "not actually gzip" {
		t.Errorf("corrupt body should be forwarded intact, got %q", body)
	}
}

func TestModifyResponse_OversizedStreamsWithoutPicker(t *testing.T) {
	big := "<html><body>" + strings.Repeat("x", 4096) + "</body></html>"

	s := newUnstartedServer(t, ServerConfig{MaxRewriteBytes: 1024})
	resp := htmlResponse(compressGzip(t, []byte(big)), "gzip")

	if err := s.modifyResponse(resp); err != nil {
		t.Fatalf("modifyResponse failed: %v", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	resp.Body.Close()

	if string(body) != big {
		t.Errorf("oversized body should stream decoded and unmodified (len %d, want %d)", len(body), len(big))
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Error("Content-Encoding should be removed once the body is decoded")
	}
	if resp.ContentLength != -1 {
		t.Errorf("ContentLength = %d, want -1", resp.ContentLength)
	}
	if s.Stats().InjectedPages != 0 {
		t.Error("oversized page must not count as injected")
	}
}

func TestModifyResponse_OversizedIdentityKeepsLength(t *testing.T) {
	big := "<html><body>" + strings.Repeat("y", 2048) + "</body></html>"

	s := newUnstartedServer(t, ServerConfig{MaxRewriteBytes: 512})
	resp := htmlResponse(strings.NewReader(big), "")
	resp.Header.Set("Content-Length", strconv.Itoa(len(big)))

	if err := s.modifyResponse(resp); err != nil {
		t.Fatalf("modifyResponse failed: %v", err)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != big {
		t.Error("oversized identity body should be forwarded byte-identical")
	}
	if resp.Header.Get("Content-Length") != strconv.Itoa(len(big)) {
		t.Error("Content-Length should be preserved for identity passthrough")
	}
}

func TestModifyResponse_SkipsBodilessResponses(t *testing.T) {
	s := newUnstartedServer(t, ServerConfig{})

	for _, status := range []int{http.StatusNoContent, http.StatusNotModified, http.StatusSwitchingProtocols} {
		resp := htmlResponse(strings.NewReader(testHTML), "")
		resp.StatusCode = status
		if err := s.modifyResponse(resp); err != nil {
			t.Fatalf("status %d: modifyResponse failed: %v", status, err)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != testHTML {
			t.Errorf("status %d: body should be untouched", status)
		}
	}

	head := htmlResponse(strings.NewReader(testHTML), "")
	head.Request, _ = http.NewRequest(http.MethodHead, "http://localhost:3000/", nil)
	if err := s.modifyResponse(head); err != nil {
		t.Fatalf("HEAD: modifyResponse failed: %v", err)
	}
	body, _ := io.ReadAll(head.Body)
	if string(body) != testHTML {
		t.Error("HEAD response should be untouched")
	}
}

func TestModifyResponse_AlreadyInjected(t *testing.T) {
	page := RewriteHTML(testHTML)

	s := newUnstartedServer(t, ServerConfig{})
	resp := htmlResponse(strings.NewReader(page), "")

	if err := s.modifyResponse(resp); err != nil {
		t.Fatalf("modifyResponse failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != page {
		t.Error("page that already references the picker should be unchanged")
	}
	if s.Stats().InjectedPages != 0 {
		t.Error("unchanged page must not count as injected")
	}
}

func BenchmarkModifyResponse_Gzip(b *testing.B) {
	s := newUnstartedServer(b, ServerConfig{})
	page := []byte("<html><body>" + strings.Repeat("<p>Hello World</p>", 500) + "</body></html>")
	compressed := compressGzip(b, page).Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp := htmlResponse(bytes.NewReader(compressed), "gzip")
		if err := s.modifyResponse(resp); err != nil {
			b.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
	}
}

func BenchmarkModifyResponse_Brotli(b *testing.B) {
	s := newUnstartedServer(b, ServerConfig{})
	page := []byte("<html><body>" + strings.Repeat("<p>Hello World</p>", 500) + "</body></html>")
	compressed := compressBrotli(b, page).Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp := htmlResponse(bytes.NewReader(compressed), "br")
		if err := s.modifyResponse(resp); err != nil {
			b.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
	}
}
