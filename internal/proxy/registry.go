package proxy

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrRegistryClosed is returned by Ensure after Shutdown.
var ErrRegistryClosed = errors.New("preview registry is shutting down")

// RegistryConfig holds settings applied to every server the registry creates.
type RegistryConfig struct {
	BindHost          string
	MaxRewriteBytes   int64
	MaxLogSize        int
	VerifyUpstreamTLS bool
}

// EnsureResult is returned by Registry.Ensure.
type EnsureResult struct {
	ProxyBaseURL string `json:"proxyBaseUrl"`
	Origin       string `json:"origin"`
}

// Registry owns one preview server per target origin. Creation for an
// origin is de-duplicated: concurrent callers share a single server.
type Registry struct {
	cfg RegistryConfig

	mu      sync.Mutex
	servers map[string]*Server // origin -> live server
	pending singleflight.Group // origin -> in-flight creation

	created atomic.Int64

	shutdownOnce sync.Once
	shuttingDown atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		servers: make(map[string]*Server),
	}
}

// Ensure returns the base URL of the preview server for target's origin,
// creating the server if needed. Invalid targets fail before any socket is
// bound. Cancelling ctx abandons the wait but not an in-flight creation.
func (r *Registry) Ensure(ctx context.Context, target string) (EnsureResult, error) {
	u, err := ParseTarget(target)
	if err != nil {
		return EnsureResult{}, err
	}
	if r.shuttingDown.Load() {
		return EnsureResult{}, ErrRegistryClosed
	}

	origin := Origin(u)
	if srv := r.live(origin); srv != nil {
		return EnsureResult{ProxyBaseURL: srv.BaseURL(), Origin: origin}, nil
	}

	ch := r.pending.DoChan(origin, func() (any, error) {
		return r.create(origin)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return EnsureResult{}, res.Err
		}
		srv := res.Val.(*Server)
		return EnsureResult{ProxyBaseURL: srv.BaseURL(), Origin: origin}, nil
	case <-ctx.Done():
		return EnsureResult{}, ctx.Err()
	}
}

// live returns the running server for origin, evicting a stopped one.
func (r *Registry) live(origin string) *Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	srv, ok := r.servers[origin]
	if !ok {
		return nil
	}
	if !srv.IsRunning() {
		log.Printf("[Registry] evicting stopped preview server for %s", origin)
		delete(r.servers, origin)
		return nil
	}
	return srv
}

// create runs inside the singleflight group, so at most one call per origin
// is active at a time.
func (r *Registry) create(origin string) (*Server, error) {
	if srv := r.live(origin); srv != nil {
		return srv, nil
	}

	srv, err := NewServer(ServerConfig{
		Target:            origin,
		BindHost:          r.cfg.BindHost,
		MaxRewriteBytes:   r.cfg.MaxRewriteBytes,
		MaxLogSize:        r.cfg.MaxLogSize,
		VerifyUpstreamTLS: r.cfg.VerifyUpstreamTLS,
	})
	if err != nil {
		return nil, err
	}

	if err := srv.Start(context.Background()); err != nil {
		log.Printf("[Registry] failed to start preview server for %s: %v", origin, err)
		return nil, err
	}

	r.mu.Lock()
	if r.shuttingDown.Load() {
		r.mu.Unlock()
		srv.Close(context.Background())
		return nil, ErrRegistryClosed
	}
	r.servers[origin] = srv
	r.mu.Unlock()
	r.created.Add(1)

	srv.OnClose(func(closed *Server) {
		r.mu.Lock()
		defer r.mu.Unlock()
		// A newer server may already own the slot.
		if r.servers[origin] == closed {
			delete(r.servers, origin)
		}
	})

	log.Printf("[Registry] preview server for %s listening on %s", origin, srv.BaseURL())
	return srv, nil
}

// Get returns the live server for target's origin.
func (r *Registry) Get(target string) (*Server, bool) {
	u, err := ParseTarget(target)
	if err != nil {
		return nil, false
	}
	srv := r.live(Origin(u))
	return srv, srv != nil
}

// List returns registered servers ordered by target origin.
func (r *Registry) List() []*Server {
	r.mu.Lock()
	result := make([]*Server, 0, len(r.servers))
	for _, srv := range r.servers {
		result = append(result, srv)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return Origin(result[i].Target) < Origin(result[j].Target)
	})
	return result
}

// ActiveCount returns the number of registered servers.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Created returns the total number of servers ever started.
func (r *Registry) Created() int64 {
	return r.created.Load()
}

// Shutdown closes every server and rejects further Ensure calls.
func (r *Registry) Shutdown(ctx context.Context) error {
	var shutdownErr error

	r.shutdownOnce.Do(func() {
		r.shuttingDown.Store(true)

		r.mu.Lock()
		toStop := make([]*Server, 0, len(r.servers))
		for _, srv := range r.servers {
			toStop = append(toStop, srv)
		}
		r.mu.Unlock()

		var stopWg sync.WaitGroup
		var errMu sync.Mutex
		var errs []error

		for _, srv := range toStop {
			stopWg.Add(1)
			go func(s *Server) {
				defer stopWg.Done()
				if err := s.Close(ctx); err != nil {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
			}(srv)
		}
		stopWg.Wait()

		if len(errs) > 0 {
			shutdownErr = errors.Join(errs...)
		}
	})

	return shutdownErr
}
