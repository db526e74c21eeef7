package quality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SourceStats tracks health statistics for a single external data source.
type SourceStats struct {
	Source              string    `json:"source"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	MaxLatencyMs        float64   `json:"max_latency_ms"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	StartTime           time.Time `json:"start_time"`

	// internal: running sum for avg calculation
	totalLatencyMs float64
}

// Alert represents a health alert for a specific source.
type Alert struct {
	Level   string    `json:"level"` // warn|critical
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// Config tunes when a source is considered degraded.
type Config struct {
	MaxConsecutiveFailures int           // failures in a row before a source is skipped
	Cooldown               time.Duration // skip duration after the last failure
	StaleTimeout           time.Duration
	CheckInterval          time.Duration
	LatencyWarnMs          float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		Cooldown:               30 * time.Second,
		StaleTimeout:           30 * time.Second,
		CheckInterval:          10 * time.Second,
		LatencyWarnMs:          2000,
	}
}

// Monitor tracks data source health across pool and price fetches. It
// answers whether a source should be tried right now and flags sources that
// have gone quiet.
type Monitor struct {
	mu      sync.RWMutex
	stats   map[string]*SourceStats
	alertCh chan Alert
	config  Config
	now     func() time.Time
}

// NewMonitor creates a new source health monitor.
func NewMonitor(config Config) *Monitor {
	d := DefaultConfig()
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = d.Cooldown
	}
	if config.StaleTimeout <= 0 {
		config.StaleTimeout = d.StaleTimeout
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = d.CheckInterval
	}
	return &Monitor{
		stats:   make(map[string]*SourceStats),
		alertCh: make(chan Alert, 256),
		config:  config,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// getOrCreate returns existing stats or initializes new ones for the source.
// Caller must hold m.mu write lock.
func (m *Monitor) getOrCreate(source string) *SourceStats {
	stats, ok := m.stats[source]
	if !ok {
		stats = &SourceStats{
			Source:    source,
			StartTime: m.now(),
		}
		m.stats[source] = stats
	}
	return stats
}

// RecordSuccess records a successful fetch and its latency.
func (m *Monitor) RecordSuccess(source string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(source)
	recovered := stats.ConsecutiveFailures >= m.config.MaxConsecutiveFailures
	stats.LastSuccess = m.now()
	stats.Successes++
	stats.ConsecutiveFailures = 0

	latMs := float64(latency.Microseconds()) / 1000
	stats.totalLatencyMs += latMs
	stats.AvgLatencyMs = stats.totalLatencyMs / float64(stats.Successes)
	if latMs > stats.MaxLatencyMs {
		stats.MaxLatencyMs = latMs
	}

	if recovered {
		log.Info().Str("source", source).Msg("quality: source recovered")
	}
	if m.config.LatencyWarnMs > 0 && latMs > m.config.LatencyWarnMs {
		m.emitAlert(Alert{
			Level:   "warn",
			Source:  source,
			Message: fmt.Sprintf("Source latency exceeds threshold: %.1fms > %.0fms", latMs, m.config.LatencyWarnMs),
			Ts:      stats.LastSuccess,
		})
	}
}

// RecordFailure records a failed fetch.
func (m *Monitor) RecordFailure(source string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreate(source)
	stats.LastFailure = m.now()
	stats.Failures++
	stats.ConsecutiveFailures++
	if err != nil {
		stats.LastError = err.Error()
	}

	if stats.ConsecutiveFailures == m.config.MaxConsecutiveFailures {
		m.emitAlert(Alert{
			Level:   "critical",
			Source:  source,
			Message: fmt.Sprintf("Source unavailable after %d consecutive failures: %s", stats.ConsecutiveFailures, stats.LastError),
			Ts:      stats.LastFailure,
		})
	}
}

// IsAvailable reports whether source should be queried now. A source that
// has failed MaxConsecutiveFailures times in a row is skipped until the
// cooldown since its last failure has elapsed, then tried again.
func (m *Monitor) IsAvailable(source string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.stats[source]
	if !ok || stats.ConsecutiveFailures < m.config.MaxConsecutiveFailures {
		return true
	}
	return m.now().Sub(stats.LastFailure) >= m.config.Cooldown
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of all current source stats.
func (m *Monitor) Snapshot() map[string]SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]SourceStats, len(m.stats))
	for k, v := range m.stats {
		snap[k] = *v
	}
	return snap
}

// Degraded returns the names of sources currently being skipped.
func (m *Monitor) Degraded() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.stats))
	for name := range m.stats {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var out []string
	for _, name := range names {
		if !m.IsAvailable(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Start checks for stale sources every CheckInterval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	log.Info().
		Int("max_consecutive_failures", m.config.MaxConsecutiveFailures).
		Dur("stale_timeout", m.config.StaleTimeout).
		Msg("quality: source monitor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("quality: source monitor stopped")
			return
		case <-ticker.C:
			m.checkStaleSources()
		}
	}
}

// checkStaleSources emits critical alerts for any source that has not
// succeeded for more than StaleTimeout.
func (m *Monitor) checkStaleSources() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	for _, stats := range m.stats {
		if stats.LastSuccess.IsZero() {
			continue
		}
		staleDur := now.Sub(stats.LastSuccess)
		if staleDur > m.config.StaleTimeout {
			m.emitAlert(Alert{
				Level:   "critical",
				Source:  stats.Source,
				Message: fmt.Sprintf("Source stale for >%s (last success %.1fs ago)", m.config.StaleTimeout, staleDur.Seconds()),
				Ts:      now,
			})
		}
	}
}

// emitAlert sends an alert to the channel without blocking.
// If the channel is full, the alert is dropped and a warning is logged.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		log.Warn().
			Str("source", alert.Source).
			Str("level", alert.Level).
			Str("message", alert.Message).
			Msg("quality: alert channel full, dropping alert")
	}
}
