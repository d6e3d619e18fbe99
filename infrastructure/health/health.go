// Package health aggregates named component checks into an overall engine
// status: HEALTHY when everything passes, UNHEALTHY when any critical check
// fails, DEGRADED otherwise.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the aggregate or per-component health value.
type Status string

const (
	Healthy   Status = "HEALTHY"
	Degraded  Status = "DEGRADED"
	Unhealthy Status = "UNHEALTHY"
)

// CheckFunc probes one component. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Component is the evaluated state of one registered check.
type Component struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Critical  bool          `json:"critical"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Report is a full evaluation result.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
	Uptime     string      `json:"uptime"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Monitor owns the registered checks.
type Monitor struct {
	mu        sync.RWMutex
	checks    map[string]check
	startTime time.Time
	timeout   time.Duration
}

// NewMonitor creates a monitor. Each check runs under the given per-check
// timeout (default 5s).
func NewMonitor(checkTimeout time.Duration) *Monitor {
	if checkTimeout <= 0 {
		checkTimeout = 5 * time.Second
	}
	return &Monitor{
		checks:    make(map[string]check),
		startTime: time.Now(),
		timeout:   checkTimeout,
	}
}

// Register adds or replaces a named check.
func (m *Monitor) Register(name string, critical bool, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check{name: name, critical: critical, fn: fn}
}

// Unregister removes a check.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Evaluate runs every check and aggregates the result.
func (m *Monitor) Evaluate(ctx context.Context) Report {
	m.mu.RLock()
	checks := make([]check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	report := Report{
		Status:    Healthy,
		Uptime:    time.Since(m.startTime).String(),
		Timestamp: time.Now(),
	}

	for _, c := range checks {
		comp := Component{
			Name:      c.name,
			Status:    Healthy,
			Critical:  c.critical,
			CheckedAt: time.Now(),
		}
		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := c.fn(checkCtx)
		cancel()
		comp.Latency = time.Since(start)

		if err != nil {
			comp.Status = Unhealthy
			comp.Error = err.Error()
			if c.critical {
				report.Status = Unhealthy
			} else if report.Status == Healthy {
				report.Status = Degraded
			}
		}
		report.Components = append(report.Components, comp)
	}
	return report
}

// Handler serves the evaluation as JSON; an unhealthy aggregate returns 503,
// healthy and degraded ones return 200.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Evaluate(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// SystemResourcesCheck returns a non-critical check flagging memory or CPU
// saturation.
func SystemResourcesCheck(memThreshold, cpuThreshold float64) CheckFunc {
	if memThreshold <= 0 {
		memThreshold = 90
	}
	if cpuThreshold <= 0 {
		cpuThreshold = 95
	}
	return func(ctx context.Context) error {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err == nil && vm.UsedPercent > memThreshold {
			return &resourceError{kind: "memory", percent: vm.UsedPercent}
		}
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err == nil && len(percents) > 0 && percents[0] > cpuThreshold {
			return &resourceError{kind: "cpu", percent: percents[0]}
		}
		return nil
	}
}

type resourceError struct {
	kind    string
	percent float64
}

func (e *resourceError) Error() string {
	return e.kind + " usage above threshold"
}
