package web

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"taskpilot/internal/metrics"
)

const readyTimeout = 2 * time.Second

// ReadyCheck reports whether one dependency is reachable.
type ReadyCheck func(context.Context) error

// GoroutineTracker records whether long-running background loops (sweeper,
// HTTP listener) are still alive so readiness reflects them.
type GoroutineTracker struct {
	mu      sync.Mutex
	alive   map[string]bool
	lastErr map[string]string
}

func NewGoroutineTracker() *GoroutineTracker {
	return &GoroutineTracker{
		alive:   map[string]bool{},
		lastErr: map[string]string{},
	}
}

func (t *GoroutineTracker) setAlive(name string, alive bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive[name] = alive
}

func (t *GoroutineTracker) setErr(name string, err error) {
	if t == nil || err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr[name] = err.Error()
}

// Checks returns "ok" for live loops, otherwise the last error or "stopped".
func (t *GoroutineTracker) Checks() map[string]string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string]string{}
	for name, alive := range t.alive {
		if alive {
			out[name] = "ok"
			continue
		}
		if msg := t.lastErr[name]; msg != "" {
			out[name] = msg
		} else {
			out[name] = "stopped"
		}
	}
	return out
}

// Track wraps fn so its lifetime is visible in Checks. The returned function
// is suitable for errgroup.Group.Go.
func (t *GoroutineTracker) Track(ctx context.Context, name string, fn func(context.Context) error) func() error {
	return func() error {
		t.setAlive(name, true)
		defer t.setAlive(name, false)
		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			t.setErr(name, err)
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := map[string]string{}
	ok := true

	names := make([]string, 0, len(s.Checks))
	for name := range s.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := s.Checks[name]
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			ok = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	for name, status := range s.Goroutines.Checks() {
		if status != "ok" {
			ok = false
		}
		checks["goroutine."+name] = status
	}

	if ok {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	if data, err := marshalJSON(map[string]any{"status": "unavailable", "checks": checks}); err == nil {
		_, _ = w.Write(data)
		return
	}
	_, _ = w.Write([]byte(`{"status":"unavailable"}`))
}

// HealthHandler serves only the health checks and metrics, for processes that do
// not expose the API.
func HealthHandler(checks map[string]ReadyCheck, tracker *GoroutineTracker) http.Handler {
	s := &Server{Checks: checks, Goroutines: tracker}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}
