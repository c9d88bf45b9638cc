package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibadev/viba/internal/proxy"
)

type fakePreviewer struct {
	result proxy.EnsureResult
	err    error
	calls  []string
}

func (f *fakePreviewer) Ensure(_ context.Context, target string) (proxy.EnsureResult, error) {
	f.calls = append(f.calls, target)
	if f.err != nil {
		return proxy.EnsureResult{}, f.err
	}
	return f.result, nil
}

func (f *fakePreviewer) List() []*proxy.Server { return nil }

func postEnsure(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/preview-proxy", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHandleEnsure_Success(t *testing.T) {
	fake := &fakePreviewer{result: proxy.EnsureResult{
		ProxyBaseURL: "http://127.0.0.1:45001",
		Origin:       "http://localhost:5173",
	}}
	h := NewHandler(fake)

	rec := postEnsure(t, h, `{"target":"http://localhost:5173/docs?tab=2#intro"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp EnsureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "http://127.0.0.1:45001", resp.ProxyBaseURL)
	assert.Equal(t, "http://127.0.0.1:45001/docs?tab=2#intro", resp.ProxyURL)
	assert.Equal(t, []string{"http://localhost:5173/docs?tab=2#intro"}, fake.calls)
}

func TestHandleEnsure_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		errMsg string
	}{
		{name: "malformed JSON", body: `{"target":`, errMsg: "invalid JSON"},
		{name: "wrong type", body: `{"target":42}`, errMsg: "invalid JSON"},
		{name: "missing target", body: `{}`, errMsg: "target is required"},
		{name: "empty target", body: `{"target":""}`, errMsg: "target is required"},
		{
			name:   "invalid target",
			body:   `{"target":"ftp://example.test"}`,
			err:    fmt.Errorf("%w: unsupported scheme", proxy.ErrInvalidTarget),
			errMsg: "invalid target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakePreviewer{err: tt.err})
			rec := postEnsure(t, h, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeError(t, rec), tt.errMsg)
		})
	}
}

func TestHandleEnsure_InternalErrors(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("%w for http://localhost:3000: address in use", proxy.ErrBindFailure),
		proxy.ErrRegistryClosed,
		errors.New("boom"),
	} {
		h := NewHandler(&fakePreviewer{err: err})
		rec := postEnsure(t, h, `{"target":"http://localhost:3000"}`)

		assert.Equal(t, http.StatusInternalServerError, rec.Code, "error %v", err)
		assert.Equal(t, err.Error(), decodeError(t, rec))
	}
}

func TestHandleEnsure_MethodNotAllowed(t *testing.T) {
	h := NewHandler(&fakePreviewer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preview-proxy", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHandleHealth(t *testing.T) {
	h := NewHandler(&fakePreviewer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandler_WithRegistry(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><body>%s</body></html>", r.URL.Path)
	}))
	defer backend.Close()

	reg := proxy.NewRegistry(proxy.RegistryConfig{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})

	api := httptest.NewServer(NewHandler(reg))
	defer api.Close()

	body := fmt.Sprintf(`{"target":%q}`, backend.URL+"/foo?q=1#bar")
	resp, err := http.Post(api.URL+"/api/preview-proxy", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ensured EnsureResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ensured))

	u, err := url.Parse(ensured.ProxyURL)
	require.NoError(t, err)
	assert.Equal(t, "/foo", u.Path)
	assert.Equal(t, "q=1", u.RawQuery)
	assert.Equal(t, "bar", u.Fragment)
	assert.True(t, strings.HasPrefix(ensured.ProxyURL, ensured.ProxyBaseURL))

	// Same origin, different path: same proxy.
	resp2, err := http.Post(api.URL+"/api/preview-proxy", "application/json",
		strings.NewReader(fmt.Sprintf(`{"target":%q}`, backend.URL+"/other")))
	require.NoError(t, err)
	var again EnsureResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&again))
	resp2.Body.Close()
	assert.Equal(t, ensured.ProxyBaseURL, again.ProxyBaseURL)

	listResp, err := http.Get(api.URL + "/api/preview-proxies")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var list ListResponse
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.Proxies, 1)
	assert.Equal(t, ensured.ProxyBaseURL, list.Proxies[0].BaseURL)
	assert.Equal(t, backend.URL, list.Proxies[0].TargetURL)
	assert.True(t, list.Proxies[0].Running)
}

func TestHandleList_Empty(t *testing.T) {
	h := NewHandler(&fakePreviewer{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preview-proxies", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"proxies":[]}`, rec.Body.String())
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewHandler(&fakePreviewer{}))
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
