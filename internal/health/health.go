// Package health serves the liveness and readiness probes of earshot.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// runs every registered [Checker] concurrently and answers:
//
//   - 200 "ok" when all checks pass,
//   - 200 "degraded" when only optional checks fail,
//   - 503 "fail" when a required check fails.
//
// An optional check covers a dependency earshot can record without, such as
// the session store.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a check that sets no timeout of its own.
const DefaultTimeout = 5 * time.Second

// Overall and per-check status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker probes one dependency.
type Checker struct {
	// Name keys the check in the /readyz body.
	Name string

	// Check returns nil while the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional failures degrade readiness without failing it.
	Optional bool

	// Timeout overrides [DefaultTimeout].
	Timeout time.Duration
}

// Optional returns c marked optional.
func Optional(c Checker) Checker {
	c.Optional = true
	return c
}

// CheckResult is the outcome of one check in a /readyz response.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Duration string `json:"duration"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New returns a Handler evaluating checkers on every readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness and process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		Status: StatusOK,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz reports readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs every check concurrently and folds the results into a
// report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(h.checkers)),
	}
	var mu sync.Mutex

	// Checks never return their error to the group so that one failure
	// does not cancel the others.
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			res := run(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case res.Status == StatusOK:
			case c.Optional:
				if rep.Status == StatusOK {
					rep.Status = StatusDegraded
				}
			default:
				rep.Status = StatusFail
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{
		Status:   StatusOK,
		Optional: c.Optional,
		Duration: time.Since(start).Round(time.Microsecond).String(),
	}
	if err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
