// Package api exposes the preview registry over HTTP for the browser UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/vibadev/viba/internal/proxy"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// Previewer is the subset of the registry the handler needs.
type Previewer interface {
	Ensure(ctx context.Context, target string) (proxy.EnsureResult, error)
	List() []*proxy.Server
}

// EnsureRequest is the body of POST /api/preview-proxy.
type EnsureRequest struct {
	Target string `json:"target"`
}

// EnsureResponse is returned by POST /api/preview-proxy.
type EnsureResponse struct {
	ProxyBaseURL string `json:"proxyBaseUrl"`
	ProxyURL     string `json:"proxyUrl"`
}

// ListResponse is returned by GET /api/preview-proxies.
type ListResponse struct {
	Proxies []proxy.ServerStats `json:"proxies"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the preview API.
type Handler struct {
	previews Previewer
	mux      *http.ServeMux
}

// NewHandler creates a handler backed by previews.
func NewHandler(previews Previewer) *Handler {
	h := &Handler{
		previews: previews,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("/api/preview-proxy", h.handleEnsure)
	h.mux.HandleFunc("/api/preview-proxies", h.handleList)
	h.mux.HandleFunc("/api/health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleEnsure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req EnsureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}

	res, err := h.previews.Ensure(r.Context(), req.Target)
	if err != nil {
		if errors.Is(err, proxy.ErrInvalidTarget) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[API] ensure preview proxy for %s failed: %v", req.Target, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	proxyURL, err := proxy.BuildPreviewProxyURL(res.ProxyBaseURL, req.Target)
	if err != nil {
		log.Printf("[API] build proxy URL for %s failed: %v", req.Target, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, EnsureResponse{
		ProxyBaseURL: res.ProxyBaseURL,
		ProxyURL:     proxyURL,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	servers := h.previews.List()
	resp := ListResponse{Proxies: make([]proxy.ServerStats, 0, len(servers))}
	for _, srv := range servers {
		resp.Proxies = append(resp.Proxies, srv.Stats())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
