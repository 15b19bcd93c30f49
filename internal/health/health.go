// Package health serves liveness and readiness checks.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 once the owner has called [Handler.SetReady] and
//     every [Checker] passes; otherwise 503.
//
// Both respond with a JSON object carrying a "status" of "ok", "starting" or
// "fail" and, for /readyz, a "checks" map of per-check results.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil while the dependency
// is usable.
type Checker struct {
	// Name keys the result in the JSON response, e.g. "signaling".
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction; the ready flag may change at any time.
type Handler struct {
	checkers []Checker
	ready    atomic.Bool
}

// New creates a Handler that runs checkers concurrently on each /readyz
// request. A Handler built with no checkers starts ready.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	h.ready.Store(len(checkers) == 0)
	return h
}

// SetReady gates /readyz independently of the checkers, e.g. until the
// first relay join completed.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness endpoint.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "starting"})
		return
	}

	checks := make(map[string]string, len(h.checkers))
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		allOK = true
	)
	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
				return
			}
			checks[c.Name] = "ok"
		}()
	}
	wg.Wait()

	if !allOK {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "fail", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, result{Status: "ok", Checks: checks})
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
