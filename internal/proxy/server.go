package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vibadev/viba/internal/proxy/scripts"
)

// DefaultMaxRewriteBytes caps how much of an HTML body is buffered for
// script injection. Larger documents stream through unmodified.
const DefaultMaxRewriteBytes = 16 << 20

// Server forwards all traffic for one target origin from an ephemeral
// loopback port, injecting the element picker into HTML documents.
type Server struct {
	ID         string
	Target     *url.URL // origin only, no path
	ListenAddr string

	bindHost   string
	maxRewrite int64
	script     string
	logger     *TrafficLogger
	proxy      *httputil.ReverseProxy
	httpServer *http.Server

	running    atomic.Bool
	startTime  time.Time
	requestSeq atomic.Int64
	injected   atomic.Int64
	lastError  atomic.Value // string
	mu         sync.Mutex
	cancelFunc context.CancelFunc

	// Ready signal - closed once the listener is bound
	ready     chan struct{}
	readyOnce sync.Once

	// done is closed after Serve returns and close callbacks have run
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	onClose []func(*Server)
}

// ServerConfig holds configuration for creating a preview server.
type ServerConfig struct {
	ID                string
	Target            string // absolute http(s) URL; only its origin is used
	BindHost          string // loopback only; default 127.0.0.1
	MaxRewriteBytes   int64  // default DefaultMaxRewriteBytes
	MaxLogSize        int    // default 500
	VerifyUpstreamTLS bool   // dev servers are usually self-signed, so off by default
}

// NewServer creates a preview server. It does not bind until Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	target, err := ParseTarget(cfg.Target)
	if err != nil {
		return nil, err
	}
	origin := originURL(target)

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if !IsLoopbackHost(cfg.BindHost) {
		return nil, fmt.Errorf("%w for %s: bind host %q is not a loopback address", ErrBindFailure, origin, cfg.BindHost)
	}
	if cfg.MaxRewriteBytes <= 0 {
		cfg.MaxRewriteBytes = DefaultMaxRewriteBytes
	}

	script, err := scripts.Build(origin.String())
	if err != nil {
		return nil, err
	}

	s := &Server{
		ID:         cfg.ID,
		Target:     origin,
		bindHost:   cfg.BindHost,
		maxRewrite: cfg.MaxRewriteBytes,
		script:     script,
		logger:     NewTrafficLogger(cfg.MaxLogSize),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyUpstreamTLS} //nolint:gosec // local dev servers

	s.proxy = &httputil.ReverseProxy{
		Rewrite:        s.rewriteRequest,
		Transport:      transport,
		ModifyResponse: s.modifyResponse,
		ErrorHandler:   s.errorHandler,
		ErrorLog:       log.New(log.Writer(), "[Preview] ", log.Flags()),
	}

	return s, nil
}

// Start binds an OS-assigned port on the bind host and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("preview server already running")
	}
	if s.httpServer != nil {
		return fmt.Errorf("preview server cannot be restarted")
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(s.bindHost, "0"))
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrBindFailure, Origin(s.Target), err)
	}
	s.ListenAddr = listener.Addr().String()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelFunc = cancel

	s.httpServer = &http.Server{
		Handler: s,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ErrorLog: s.proxy.ErrorLog,
	}

	s.startTime = time.Now()
	s.running.Store(true)
	s.readyOnce.Do(func() {
		close(s.ready)
	})

	go s.serve(listener)

	return nil
}

func (s *Server) serve(listener net.Listener) {
	err := s.httpServer.Serve(listener)
	s.running.Store(false)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.lastError.Store(err.Error())
		log.Printf("[Preview] server for %s stopped: %v", Origin(s.Target), err)
	}
	s.fireClose()
}

func (s *Server) fireClose() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	callbacks := s.onClose
	s.onClose = nil
	s.closeMu.Unlock()

	for _, fn := range callbacks {
		fn(s)
	}
	close(s.done)
}

// OnClose registers fn to run once the server stops serving. If the server
// has already stopped, fn runs immediately.
func (s *Server) OnClose(fn func(*Server)) {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		fn(s)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.closeMu.Unlock()
}

// Close gracefully stops the server and waits for close callbacks to run.
// Closing a server that is not running is a no-op.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	cancel := s.cancelFunc
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		srv.Close()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Done returns a channel closed once the server has stopped serving.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// IsRunning returns true while the listener is being served.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// BaseURL returns the loopback URL clients use to reach this server.
func (s *Server) BaseURL() string {
	return "http://" + s.ListenAddr
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	_, port, err := net.SplitHostPort(s.ListenAddr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// Logger returns the traffic logger.
func (s *Server) Logger() *TrafficLogger {
	return s.logger
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	stats := ServerStats{
		ID:            s.ID,
		TargetURL:     Origin(s.Target),
		ListenAddr:    s.ListenAddr,
		BaseURL:       s.BaseURL(),
		Running:       s.running.Load(),
		TotalRequests: s.requestSeq.Load(),
		InjectedPages: s.injected.Load(),
		LoggerStats:   s.logger.Stats(),
	}
	if !s.startTime.IsZero() {
		stats.Uptime = time.Since(s.startTime)
	}
	if errVal := s.lastError.Load(); errVal != nil {
		stats.LastError = errVal.(string)
	}
	return stats
}

// ServerStats holds preview server statistics.
type ServerStats struct {
	ID            string        `json:"id"`
	TargetURL     string        `json:"target_url"`
	ListenAddr    string        `json:"listen_addr"`
	BaseURL       string        `json:"base_url"`
	Running       bool          `json:"running"`
	Uptime        time.Duration `json:"uptime"`
	TotalRequests int64         `json:"total_requests"`
	InjectedPages int64         `json:"injected_pages"`
	LoggerStats   LoggerStats   `json:"logger_stats"`
	LastError     string        `json:"last_error,omitempty"`
}

// requestState carries per-request outcomes from the reverse proxy hooks
// back to ServeHTTP for logging.
type requestState struct {
	injected atomic.Bool
	err      atomic.Value // error
}

type requestStateKey struct{}

func stateFrom(ctx context.Context) *requestState {
	if st, ok := ctx.Value(requestStateKey{}).(*requestState); ok {
		return st
	}
	return &requestState{}
}

// ServeHTTP serves the picker script and forwards everything else upstream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == PickerScriptPath && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		s.servePicker(w, r)
		return
	}

	startTime := time.Now()
	seq := s.requestSeq.Add(1)
	isWebSocket := isWebSocketRequest(r)

	if isWebSocket {
		if _, ok := w.(http.Hijacker); !ok {
			log.Printf("[Preview] cannot hijack connection for websocket %s; dropping", r.URL.Path)
			panic(http.ErrAbortHandler)
		}
	}

	state := &requestState{}
	r = r.WithContext(context.WithValue(r.Context(), requestStateKey{}, state))
	tw := &trackingWriter{ResponseWriter: w}

	defer func() {
		entry := RequestLogEntry{
			ID:         fmt.Sprintf("req-%d", seq),
			Timestamp:  startTime,
			Method:     r.Method,
			URL:        r.URL.String(),
			StatusCode: tw.status,
			Duration:   time.Since(startTime),
			Injected:   state.injected.Load(),
			WebSocket:  isWebSocket,
		}
		if tw.hijacked {
			entry.StatusCode = http.StatusSwitchingProtocols
		}
		if errVal := state.err.Load(); errVal != nil {
			entry.Error = errVal.(error).Error()
		}
		s.logger.Log(entry)
	}()

	s.proxy.ServeHTTP(tw, r)

	if !tw.wroteHeader && !tw.hijacked {
		http.Error(tw, "route not found", http.StatusNotFound)
	}
}

func (s *Server) servePicker(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", "application/javascript; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(s.script)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	io.WriteString(w, s.script)
}

// rewriteRequest points the outbound request at the target and sets the
// forwarded identity upstream frameworks use for origin checks.
func (s *Server) rewriteRequest(pr *httputil.ProxyRequest) {
	pr.SetURL(s.Target)
	pr.Out.Host = s.Target.Host

	inHost := pr.In.Host
	pr.Out.Header.Set("X-Forwarded-Host", inHost)
	if _, port, err := net.SplitHostPort(inHost); err == nil && port != "" {
		pr.Out.Header.Set("X-Forwarded-Port", port)
	}

	proto := pr.In.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
	}
	pr.Out.Header.Set("X-Forwarded-Proto", proto)

	if clientIP, _, err := net.SplitHostPort(pr.In.RemoteAddr); err == nil {
		prior := pr.In.Header.Values("X-Forwarded-For")
		pr.Out.Header.Set("X-Forwarded-For", strings.Join(append(prior, clientIP), ", "))
	}
}

// modifyResponse rewrites redirects and injects the picker into HTML.
func (s *Server) modifyResponse(resp *http.Response) error {
	s.rewriteLocation(resp)

	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusSwitchingProtocols, http.StatusNoContent, http.StatusNotModified:
		return nil
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}
	if !IsHTML(resp.Header.Values("Content-Type")...) {
		return nil
	}

	encoding := resp.Header.Get("Content-Encoding")
	rec := &recordingReader{r: resp.Body}
	decoded, ok := decodeContent(encoding, rec)
	if !ok {
		// Unknown or corrupt encoding: forward untouched, including any
		// header bytes the decoder already consumed.
		resp.Body = &passthroughBody{
			Reader:   io.MultiReader(bytes.NewReader(rec.prefix.Bytes()), resp.Body),
			decoded:  io.NopCloser(nil),
			original: resp.Body,
		}
		return nil
	}
	rec.stop()

	buf, err := io.ReadAll(io.LimitReader(decoded, s.maxRewrite+1))
	if err != nil {
		decoded.Close()
		return fmt.Errorf("read upstream body: %w", err)
	}

	if int64(len(buf)) > s.maxRewrite {
		log.Printf("[Preview] HTML from %s exceeds %d bytes; streaming without picker", Origin(s.Target), s.maxRewrite)
		resp.Body = &passthroughBody{
			Reader:   io.MultiReader(bytes.NewReader(buf), decoded),
			decoded:  decoded,
			original: resp.Body,
		}
		if !isIdentity(encoding) {
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
			resp.ContentLength = -1
		}
		return nil
	}

	decoded.Close()
	resp.Body.Close()

	modified := RewriteHTML(string(buf))
	if len(modified) != len(buf) {
		s.injected.Add(1)
		if resp.Request != nil {
			stateFrom(resp.Request.Context()).injected.Store(true)
		}
	}

	resp.Body = io.NopCloser(strings.NewReader(modified))
	resp.ContentLength = int64(len(modified))
	resp.Header.Set("Content-Length", strconv.Itoa(len(modified)))
	resp.Header.Del("Content-Encoding")

	return nil
}

// rewriteLocation maps upstream redirects onto the proxy so navigation
// stays inside the preview.
func (s *Server) rewriteLocation(resp *http.Response) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return
	}

	proxyOrigin := &url.URL{Scheme: "http", Host: s.ListenAddr}
	if resp.Request != nil {
		if fwd := resp.Request.Header.Get("X-Forwarded-Host"); fwd != "" {
			proxyOrigin.Host = fwd
		}
	}

	if rewritten := RebaseURL(loc, s.Target, proxyOrigin); rewritten != loc {
		resp.Header.Set("Location", rewritten)
	}
}

// errorHandler reports upstream failures as 502 when nothing has been sent.
func (s *Server) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	stateFrom(r.Context()).err.Store(err)

	if tw, ok := w.(*trackingWriter); ok && (tw.wroteHeader || tw.hijacked) {
		return
	}

	target := Origin(s.Target)
	var userMsg string
	errStr := err.Error()

	switch {
	case errors.Is(err, context.Canceled):
		userMsg = fmt.Sprintf("Proxy Error: Request canceled while contacting %s.", target)
	case strings.Contains(errStr, "connection refused"):
		userMsg = fmt.Sprintf("Proxy Error: Cannot connect to target server %s. Make sure the server is running.", target)
	case strings.Contains(errStr, "no such host"):
		userMsg = fmt.Sprintf("Proxy Error: Cannot resolve target host %s. Check the target URL.", target)
	default:
		userMsg = fmt.Sprintf("Proxy Error: %s (target: %s)", errStr, target)
	}

	http.Error(w, userMsg, http.StatusBadGateway)
}

func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func isIdentity(encoding string) bool {
	e := strings.ToLower(strings.TrimSpace(encoding))
	return e == "" || e == "identity"
}

// passthroughBody streams an oversized body and closes both the decoder
// and the upstream body.
type passthroughBody struct {
	io.Reader
	decoded  io.Closer
	original io.Closer
}

func (p *passthroughBody) Close() error {
	p.decoded.Close()
	return p.original.Close()
}

// trackingWriter records whether a response has been started so that the
// proxy can fall back to 404 and avoid writing errors after headers.
type trackingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	hijacked    bool
}

func (tw *trackingWriter) WriteHeader(statusCode int) {
	if tw.wroteHeader {
		return
	}
	// 1xx responses other than 101 are informational and may repeat.
	if statusCode >= 100 && statusCode < 200 && statusCode != http.StatusSwitchingProtocols {
		tw.ResponseWriter.WriteHeader(statusCode)
		return
	}
	tw.status = statusCode
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(statusCode)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher for streamed responses.
func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket support.
func (tw *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	conn, brw, err := hijacker.Hijack()
	if err == nil {
		tw.hijacked = true
	}
	return conn, brw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
