package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ns"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the worst status over all components.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime_ns"`
}

// Alert is emitted when a component changes status.
type Alert struct {
	Level     string    `json:"level"` // info|warn|critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// ErrorCheck adapts a check function that returns an error: nil is healthy, an
// error is unhealthy.
func ErrorCheck(check func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := check(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// HealthMonitor runs registered checks periodically and on demand.
type HealthMonitor struct {
	interval     time.Duration
	checkTimeout time.Duration
	now          func() time.Time
	startTime    time.Time

	mu      sync.RWMutex
	checks  map[string]HealthCheck
	results map[string]ComponentHealth

	alertCh chan Alert
}

// NewHealthMonitor checks components every interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HealthMonitor{
		interval:     interval,
		checkTimeout: 5 * time.Second,
		now:          time.Now,
		startTime:    time.Now(),
		checks:       make(map[string]HealthCheck),
		results:      make(map[string]ComponentHealth),
		alertCh:      make(chan Alert, 256),
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *HealthMonitor) SetClock(now func() time.Time) {
	m.now = now
	m.startTime = now()
}

// Register adds a named check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Start runs checks until ctx is cancelled.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Check runs every check now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// Alerts returns status-change alerts. Alerts are dropped when nobody reads.
func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alertCh
}

// ComponentStatus returns the last result for name.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// Handler serves the aggregate as JSON. Unhealthy answers 503.
func (m *HealthMonitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}

// -----------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		names = append(names, name)
		checks[name] = fn
	}
	m.mu.RUnlock()
	sort.Strings(names)

	fresh := make(map[string]ComponentHealth, len(checks))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		start := m.now()
		result := checks[name](cctx)
		cancel()
		result.Name = name
		result.LastChecked = m.now()
		result.Latency = result.LastChecked.Sub(start)
		fresh[name] = result
	}

	m.mu.Lock()
	previous := m.results
	m.results = fresh
	m.mu.Unlock()

	for _, name := range names {
		cur := fresh[name]
		prev, existed := previous[name]
		if existed && prev.Status == cur.Status {
			continue
		}
		if !existed && cur.Status == StatusHealthy {
			continue
		}
		m.emitAlert(name, cur)
	}
}

func (m *HealthMonitor) emitAlert(name string, h ComponentHealth) {
	level := "info"
	switch h.Status {
	case StatusUnhealthy:
		level = "critical"
	case StatusDegraded:
		level = "warn"
	}

	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}

	ev := log.Info()
	if level != "info" {
		ev = log.Warn()
	}
	ev.Str("component", name).Str("status", string(h.Status)).Msg("health: " + msg)

	select {
	case m.alertCh <- Alert{Level: level, Component: name, Message: msg, Timestamp: m.now()}:
	default:
	}
}

func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}

	now := m.now()
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  now,
		Uptime:     now.Sub(m.startTime),
	}
}

func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
