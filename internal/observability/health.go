package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// readinessTimeout bounds a whole readiness evaluation.
const readinessTimeout = 2 * time.Second

// Check tests one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// HealthReport is the JSON body of both health endpoints.
type HealthReport struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime,omitempty"`
	Failing map[string]string `json:"failing,omitempty"`
}

// HealthChecker backs /healthz and /readyz. The ledger is ready once its
// state is restored (SetReady) and every registered dependency answers.
type HealthChecker struct {
	started time.Time
	ready   atomic.Bool

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now(), checks: map[string]Check{}}
}

// Register adds or replaces the named dependency check.
func (h *HealthChecker) Register(name string, check Check) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// Failing runs all checks concurrently and maps each failing name to its error.
func (h *HealthChecker) Failing(ctx context.Context) map[string]string {
	h.mu.RLock()
	pending := make(map[string]Check, len(h.checks))
	for name, c := range h.checks {
		pending[name] = c
	}
	h.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		failing = map[string]string{}
	)
	for name, check := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := check(ctx); err != nil {
				mu.Lock()
				failing[name] = err.Error()
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failing
}

// LivenessHandler answers 200 for as long as the process can serve HTTP.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, HealthReport{
		Status: "alive",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 when ready with every check passing, 503
// with the failing checks otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	failing := h.Failing(ctx)
	switch {
	case !h.IsReady():
		writeReport(w, http.StatusServiceUnavailable, HealthReport{Status: "restoring", Failing: failing})
	case len(failing) > 0:
		writeReport(w, http.StatusServiceUnavailable, HealthReport{Status: "degraded", Failing: failing})
	default:
		writeReport(w, http.StatusOK, HealthReport{Status: "ready"})
	}
}

func writeReport(w http.ResponseWriter, code int, rep HealthReport) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
