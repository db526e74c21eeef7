package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// Clock abstracts time so confirmation polling can be tested without
// waiting.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// ---------------------------------------------------------------------------
// Retry policy
// ---------------------------------------------------------------------------

// RetryPolicy bounds retries of transient status-query errors.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 3 attempts at 200ms, 400ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    2 * time.Second,
	}
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= mult
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ---------------------------------------------------------------------------
// Monitor
// ---------------------------------------------------------------------------

// MonitorConfig controls confirmation polling.
type MonitorConfig struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	Retry        RetryPolicy
}

// DefaultMonitorConfig polls every 500ms for up to 60s.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval: 500 * time.Millisecond,
		MaxWait:      60 * time.Second,
		Retry:        DefaultRetryPolicy(),
	}
}

// Outcome is the terminal observation for one signature.
type Outcome struct {
	Signature solana.Signature       `json:"signature"`
	State     TradeState             `json:"state"`
	Status    solana.SignatureStatus `json:"status"`
	Polls     int                    `json:"polls"`
	Elapsed   time.Duration          `json:"elapsed"`
	Err       error                  `json:"-"`
}

// PendingTx is a submission whose fate is not yet known.
type PendingTx struct {
	Signature   solana.Signature `json:"signature"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Polls       int              `json:"polls"`
	// Unresolved is set once Await gave up with a timeout; the
	// transaction may still land.
	Unresolved bool `json:"unresolved"`
}

// Monitor polls signature status until a terminal state or MaxWait.
type Monitor struct {
	source StatusSource
	config MonitorConfig
	clock  Clock

	mu      sync.Mutex
	pending map[solana.Signature]*PendingTx

	confirmed atomic.Int64
	failed    atomic.Int64
	timeouts  atomic.Int64
	errors    atomic.Int64
}

// NewMonitor creates a Monitor. A nil clock uses the wall clock.
func NewMonitor(source StatusSource, config MonitorConfig, clock Clock) *Monitor {
	d := DefaultMonitorConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.MaxWait <= 0 {
		config.MaxWait = d.MaxWait
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = d.Retry
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Monitor{
		source:  source,
		config:  config,
		clock:   clock,
		pending: make(map[solana.Signature]*PendingTx),
	}
}

// Await polls sig until it is confirmed, finalized or failed. If MaxWait
// elapses first the outcome state is StateTimeout and the error is nil:
// a timeout is an observation, not a query failure. A non-nil error means
// status queries kept failing after retries or ctx was cancelled; the
// outcome state is then empty and the transaction's fate is unknown.
func (m *Monitor) Await(ctx context.Context, sig solana.Signature) (Outcome, error) {
	start := m.clock.Now()
	deadline := start.Add(m.config.MaxWait)
	m.track(sig, start)

	out := Outcome{Signature: sig}
	for {
		status, err := m.query(ctx, sig)
		out.Polls++
		m.touch(sig, out.Polls)
		if err != nil {
			m.errors.Add(1)
			m.markUnresolved(sig)
			out.Elapsed = m.clock.Now().Sub(start)
			out.Err = err
			return out, err
		}
		out.Status = status

		switch status.Status {
		case solana.TxConfirmed, solana.TxFinalized, solana.TxFailed:
			out.State = stateFor(status.Status)
			out.Elapsed = m.clock.Now().Sub(start)
			m.untrack(sig)
			m.count(out.State)
			return out, nil
		}

		if !m.clock.Now().Before(deadline) {
			out.State = StateTimeout
			out.Elapsed = m.clock.Now().Sub(start)
			m.markUnresolved(sig)
			m.timeouts.Add(1)
			log.Warn().
				Str("signature", string(sig)).
				Int("polls", out.Polls).
				Dur("elapsed", out.Elapsed).
				Msg("monitor: confirmation timeout")
			return out, nil
		}

		select {
		case <-ctx.Done():
			m.markUnresolved(sig)
			out.Elapsed = m.clock.Now().Sub(start)
			out.Err = ctx.Err()
			return out, fmt.Errorf("await %s: %w", sig, ctx.Err())
		case <-m.clock.After(m.config.PollInterval):
		}
	}
}

// query performs one status query with retries.
func (m *Monitor) query(ctx context.Context, sig solana.Signature) (solana.SignatureStatus, error) {
	var lastErr error
	for attempt := 1; attempt <= m.config.Retry.MaxAttempts; attempt++ {
		status, err := m.source.GetSignatureStatus(ctx, sig)
		if err == nil {
			return status, nil
		}
		lastErr = err
		log.Debug().Err(err).
			Str("signature", string(sig)).
			Int("attempt", attempt).
			Msg("monitor: status query failed")

		if attempt == m.config.Retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return solana.SignatureStatus{}, fmt.Errorf("status query %s: %w", sig, ctx.Err())
		case <-m.clock.After(m.config.Retry.Delay(attempt)):
		}
	}
	return solana.SignatureStatus{}, fmt.Errorf("status query %s failed after %d attempts: %w",
		sig, m.config.Retry.MaxAttempts, lastErr)
}

// AwaitMany monitors a batch of signatures concurrently.
func (m *Monitor) AwaitMany(ctx context.Context, sigs []solana.Signature) map[solana.Signature]Outcome {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[solana.Signature]Outcome, len(sigs))
	)
	for _, sig := range sigs {
		wg.Add(1)
		go func(sig solana.Signature) {
			defer wg.Done()
			o, _ := m.Await(ctx, sig)
			mu.Lock()
			out[sig] = o
			mu.Unlock()
		}(sig)
	}
	wg.Wait()
	return out
}

func stateFor(s solana.TxStatus) TradeState {
	switch s {
	case solana.TxConfirmed:
		return StateConfirmed
	case solana.TxFinalized:
		return StateFinalized
	default:
		return StateFailed
	}
}

func (m *Monitor) count(s TradeState) {
	if s == StateFailed {
		m.failed.Add(1)
	} else {
		m.confirmed.Add(1)
	}
}

// ---------------------------------------------------------------------------
// Pending tracking
// ---------------------------------------------------------------------------

func (m *Monitor) track(sig solana.Signature, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[sig]; !ok {
		m.pending[sig] = &PendingTx{Signature: sig, SubmittedAt: at}
	}
}

func (m *Monitor) touch(sig solana.Signature, polls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[sig]; ok {
		p.Polls = polls
	}
}

func (m *Monitor) markUnresolved(sig solana.Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[sig]; ok {
		p.Unresolved = true
	}
}

func (m *Monitor) untrack(sig solana.Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, sig)
}

// Pending lists submissions being polled or left unresolved, oldest first.
func (m *Monitor) Pending() []PendingTx {
	m.mu.Lock()
	out := make([]PendingTx, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, *p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// CleanupPending forgets unresolved submissions older than maxAge and
// returns how many were removed. Submissions still being polled are kept.
func (m *Monitor) CleanupPending(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for sig, p := range m.pending {
		if p.Unresolved && now.Sub(p.SubmittedAt) > maxAge {
			delete(m.pending, sig)
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("monitor: cleaned up unresolved submissions")
	}
	return removed
}

// MonitorStats reports confirmation outcomes.
type MonitorStats struct {
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
	Timeouts  int64 `json:"timeouts"`
	Errors    int64 `json:"query_errors"`
	Pending   int   `json:"pending"`
}

func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	n := len(m.pending)
	m.mu.Unlock()
	return MonitorStats{
		Confirmed: m.confirmed.Load(),
		Failed:    m.failed.Load(),
		Timeouts:  m.timeouts.Load(),
		Errors:    m.errors.Load(),
		Pending:   n,
	}
}
