package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/MJE43/prize-wheel/internal/spin"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const pingTimeout = 2 * time.Second

type HealthCheckResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	GitCommit string                 `json:"git_commit,omitempty"`
	BuildTime string                 `json:"build_time,omitempty"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks"`
	System    SystemInfo             `json:"system"`
	RequestID string                 `json:"request_id,omitempty"`
}

type HealthCheck struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked string       `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	GOMAXPROCS    int    `json:"gomaxprocs"`
	MemoryAlloc   uint64 `json:"memory_alloc_bytes"`
	MemorySys     uint64 `json:"memory_sys_bytes"`
	GCCycles      uint32 `json:"gc_cycles"`
}

type MetricsResponse struct {
	Timestamp  string               `json:"timestamp"`
	Version    string               `json:"version"`
	Uptime     string               `json:"uptime"`
	System     SystemInfo           `json:"system"`
	Operations map[string]OpMetrics `json:"operations"`
	Rejections map[string]uint64    `json:"rejections"`
	RequestID  string               `json:"request_id,omitempty"`
}

type OpMetrics struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	ErrorRequests   uint64  `json:"error_requests"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	LastRequest     string  `json:"last_request,omitempty"`
}

type opCounter struct {
	total, success, failed atomic.Uint64
	nanos                  atomic.Int64
	last                   atomic.Int64
}

// HealthMonitor keeps per-operation counters for /metrics.
type HealthMonitor struct {
	startTime time.Time

	mu  sync.RWMutex
	ops map[string]*opCounter

	quotaRejections      atomic.Uint64
	inProgressRejections atomic.Uint64
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now(), ops: make(map[string]*opCounter)}
}

func (m *HealthMonitor) counter(op string) *opCounter {
	m.mu.RLock()
	c, ok := m.ops[op]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.ops[op]; !ok {
		c = &opCounter{}
		m.ops[op] = c
	}
	return c
}

// Record counts one call of op. Quota and in-progress rejections are
// tallied separately as well as counted as errors.
func (m *HealthMonitor) Record(op string, err error, d time.Duration) {
	c := m.counter(op)
	c.total.Add(1)
	c.nanos.Add(int64(d))
	c.last.Store(time.Now().UnixNano())
	if err == nil {
		c.success.Add(1)
		return
	}
	c.failed.Add(1)
	switch {
	case errors.Is(err, spin.ErrQuotaExceeded):
		m.quotaRejections.Add(1)
	case errors.Is(err, spin.ErrSpinInProgress):
		m.inProgressRejections.Add(1)
	}
}

func (m *HealthMonitor) Snapshot() (map[string]OpMetrics, map[string]uint64) {
	m.mu.RLock()
	names := make([]string, 0, len(m.ops))
	for name := range m.ops {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	ops := make(map[string]OpMetrics, len(names))
	for _, name := range names {
		c := m.counter(name)
		om := OpMetrics{
			TotalRequests:   c.total.Load(),
			SuccessRequests: c.success.Load(),
			ErrorRequests:   c.failed.Load(),
		}
		if om.TotalRequests > 0 {
			om.AvgDurationMs = float64(c.nanos.Load()) / float64(om.TotalRequests) / float64(time.Millisecond)
		}
		if last := c.last.Load(); last > 0 {
			om.LastRequest = time.Unix(0, last).UTC().Format(time.RFC3339)
		}
		ops[name] = om
	}
	return ops, map[string]uint64{
		"quota_exceeded":   m.quotaRejections.Load(),
		"spin_in_progress": m.inProgressRejections.Load(),
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	checks := map[string]HealthCheck{
		"catalog": s.checkCatalogHealth(),
		"store":   s.checkStoreHealth(r.Context()),
	}
	overall := HealthStatusHealthy
	for _, c := range checks {
		switch {
		case c.Status == HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case c.Status == HealthStatusDegraded && overall == HealthStatusHealthy:
			overall = HealthStatusDegraded
		}
	}

	status := http.StatusOK
	if overall == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, HealthCheckResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		Uptime:    time.Since(s.monitor.startTime).String(),
		Checks:    checks,
		System:    getSystemInfo(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ops, rejections := s.monitor.Snapshot()
	s.writeJSON(w, http.StatusOK, MetricsResponse{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    Version,
		Uptime:     time.Since(s.monitor.startTime).String(),
		System:     getSystemInfo(),
		Operations: ops,
		Rejections: rejections,
		RequestID:  middleware.GetReqID(r.Context()),
	})
}

// handleReadiness reports ready once wheels are published and the store answers.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready, message := true, "Ready"
	if s.spins.Catalog().Len() == 0 {
		ready, message = false, "No wheels published"
	} else if c := s.checkStoreHealth(r.Context()); c.Status != HealthStatusHealthy {
		ready, message = false, c.Message
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":      ready,
		"message":    message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"version":    Version,
		"request_id": middleware.GetReqID(r.Context()),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":      true,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"version":    Version,
		"uptime":     time.Since(s.monitor.startTime).String(),
		"request_id": middleware.GetReqID(r.Context()),
	})
}

func (s *Server) checkCatalogHealth() HealthCheck {
	start := time.Now()
	n := s.spins.Catalog().Len()
	status, message := HealthStatusHealthy, fmt.Sprintf("%d wheels published", n)
	if n == 0 {
		status, message = HealthStatusDegraded, "No wheels published"
	}
	return HealthCheck{
		Status:      status,
		Message:     message,
		LastChecked: time.Now().UTC().Format(time.RFC3339),
		Duration:    time.Since(start).String(),
	}
}

func (s *Server) checkStoreHealth(ctx context.Context) HealthCheck {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	status, message := HealthStatusHealthy, "Store reachable"
	if err := s.spins.Ledger().Ping(ctx); err != nil {
		status, message = HealthStatusUnhealthy, "Store unreachable: "+err.Error()
	}
	return HealthCheck{
		Status:      status,
		Message:     message,
		LastChecked: time.Now().UTC().Format(time.RFC3339),
		Duration:    time.Since(start).String(),
	}
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		MemoryAlloc:   m.Alloc,
		MemorySys:     m.Sys,
		GCCycles:      m.NumGC,
	}
}
