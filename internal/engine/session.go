// Package engine wires detection, admission, execution and supervision into
// one trading session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/audit"
	"github.com/nexus-trading/dexsentry/internal/clickhouse"
	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/execution"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/observability"
	"github.com/nexus-trading/dexsentry/internal/position"
	"github.com/nexus-trading/dexsentry/internal/pricing"
	"github.com/nexus-trading/dexsentry/internal/quality"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/nexus-trading/dexsentry/internal/scanner"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/nexus-trading/dexsentry/internal/storage"
	"github.com/nexus-trading/dexsentry/internal/wallet"
	"github.com/rs/zerolog/log"
)

// ErrNotConfigured is returned by controls whose component is absent.
var ErrNotConfigured = errors.New("component not configured")

// Config tunes session housekeeping.
type Config struct {
	Mode market.TradingMode
	// RecentOpportunities bounds the in-memory list served to operators.
	RecentOpportunities int
	MaintenanceInterval time.Duration
	// PendingMaxAge drops unresolved submissions from the monitor's list.
	PendingMaxAge time.Duration
}

// DefaultConfig keeps 200 opportunities and runs housekeeping every minute.
func DefaultConfig() Config {
	return Config{
		Mode:                market.ModeSimulation,
		RecentOpportunities: 200,
		MaintenanceInterval: time.Minute,
		PendingMaxAge:       10 * time.Minute,
	}
}

// Components are the parts a session drives. Scanner, Gate, Coordinator
// and Supervisor are required; everything else is optional.
type Components struct {
	Aggregator  *pricing.Aggregator
	Feed        *datasource.Feed
	Health      *quality.Monitor
	Scanner     *scanner.Scanner
	Programs    *solana.ProgramMonitor
	Gate        *risk.Gate
	Coordinator *execution.Coordinator
	Monitor     *execution.Monitor
	Supervisor  *position.Supervisor
	Wallet      *wallet.LocalManager

	Trail     *audit.Trail
	Metrics   *observability.Metrics
	Analytics *clickhouse.Writer
	Store     *storage.SQLiteHistory
}

// Outcome is what happened to one detected opportunity.
type Outcome struct {
	Opportunity market.Opportunity  `json:"opportunity"`
	Decision    risk.Decision       `json:"decision"`
	Result      *market.TradeResult `json:"result,omitempty"`
	PositionID  string              `json:"position_id,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Session runs the detection → admission → execution → supervision loop.
type Session struct {
	config Config
	c      Components
	now    func() time.Time

	startedAt time.Time

	mu     sync.Mutex
	recent []Outcome

	inflight sync.WaitGroup

	failuresSeen map[string]int64

	// Stats.
	batches    atomic.Int64
	detected   atomic.Int64
	admitted   atomic.Int64
	rejected   atomic.Int64
	executed   atomic.Int64
	succeeded  atomic.Int64
	opened     atomic.Int64
	closed     atomic.Int64
	execErrors atomic.Int64
}

// NewSession validates components and installs the close and scan hooks.
func NewSession(config Config, c Components) (*Session, error) {
	if c.Scanner == nil || c.Gate == nil || c.Coordinator == nil || c.Supervisor == nil {
		return nil, fmt.Errorf("%w: session requires scanner, gate, coordinator and supervisor", market.ErrConfigInvalid)
	}
	if config.Mode != c.Coordinator.Mode() {
		return nil, fmt.Errorf("%w: session mode %s does not match coordinator mode %s",
			market.ErrConfigInvalid, config.Mode, c.Coordinator.Mode())
	}
	d := DefaultConfig()
	if config.RecentOpportunities <= 0 {
		config.RecentOpportunities = d.RecentOpportunities
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = d.MaintenanceInterval
	}
	if config.PendingMaxAge <= 0 {
		config.PendingMaxAge = d.PendingMaxAge
	}

	s := &Session{
		config:       config,
		c:            c,
		now:          time.Now,
		startedAt:    time.Now(),
		failuresSeen: make(map[string]int64),
	}
	c.Supervisor.SetOnClose(s.onPositionClosed)
	if c.Feed != nil {
		feed := c.Feed
		feed.SetSink(observationSink{s})
		c.Scanner.SetEvictHook(func(rec market.PoolRecord) {
			feed.Unwatch(rec.TokenA.Mint, rec.TokenB.Mint)
		})
	}
	if c.Metrics != nil {
		m := c.Metrics
		c.Scanner.SetScanHook(func(tracked int, elapsed time.Duration) {
			m.ScansTotal.Inc()
			m.ScanDuration.Observe(elapsed.Seconds())
			m.PoolsTracked.Set(float64(tracked))
		})
	}
	return s, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
	s.startedAt = now()
}

// Mode returns the trading mode.
func (s *Session) Mode() market.TradingMode { return s.config.Mode }

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Start launches every background component and processes opportunity
// batches until ctx is cancelled. Trades in flight at that point still run
// to resolution before the components stop. It returns after all goroutines
// stopped.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	bg, stopComponents := context.WithCancel(context.WithoutCancel(ctx))
	defer stopComponents()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bg)
			log.Debug().Str("component", name).Msg("engine: component stopped")
		}()
	}

	if s.c.Aggregator != nil {
		run("aggregator", s.c.Aggregator.Start)
	}
	if s.c.Health != nil {
		run("quality", s.c.Health.Start)
	}
	if s.c.Feed != nil {
		run("feed", s.c.Feed.Start)
	}
	if s.c.Wallet != nil {
		run("wallet", s.c.Wallet.Start)
	}
	if s.c.Analytics != nil {
		s.c.Analytics.Start(bg)
	}
	if s.c.Programs != nil {
		s.c.Scanner.SetWakeups(s.c.Programs.Start(bg))
	}
	run("supervisor", s.c.Supervisor.Start)
	run("maintenance", s.maintain)

	batches := make(chan []market.Opportunity, 16)
	scanErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanErr <- s.c.Scanner.Start(ctx, batches)
	}()

	log.Info().
		Str("mode", string(s.config.Mode)).
		Bool("feed", s.c.Feed != nil).
		Bool("program_subscription", s.c.Programs != nil).
		Bool("audit", s.c.Trail != nil).
		Bool("analytics", s.c.Analytics != nil).
		Msg("engine: session started")

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-scanErr:
			if err != nil {
				log.Error().Err(err).Msg("engine: scanner exited")
			}
			break loop
		case batch := <-batches:
			s.ProcessBatch(ctx, batch)
		}
	}

	cancel()
	if n := s.c.Gate.State().InFlight(); n > 0 {
		log.Info().Int("in_flight", n).Msg("engine: waiting for in-flight trades")
	}
	s.inflight.Wait()
	stopComponents()
	wg.Wait()
	log.Info().Msg("engine: session stopped")
	return err
}

// ProcessBatch admits one scan's opportunities, most profitable first.
// Admission is serialized on the caller; every approved opportunity then
// executes in its own goroutine so a slow confirmation never stalls the next
// batch. The returned outcomes carry decisions only; execution results land
// in Opportunities once the trade resolves. Use Wait to block until then.
func (s *Session) ProcessBatch(ctx context.Context, batch []market.Opportunity) []Outcome {
	s.batches.Add(1)
	ordered := make([]market.Opportunity, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExpectedProfitUSD > ordered[j].ExpectedProfitUSD
	})

	out := make([]Outcome, 0, len(ordered))
	for _, opp := range ordered {
		if ctx.Err() != nil {
			break
		}
		outcome := s.admit(ctx, opp)
		out = append(out, outcome)
		if !outcome.Decision.Approved {
			continue
		}
		s.inflight.Add(1)
		go func(o Outcome) {
			defer s.inflight.Done()
			s.execute(context.WithoutCancel(ctx), o)
		}(outcome)
	}
	return out
}

// Wait blocks until every trade started by ProcessBatch has resolved.
func (s *Session) Wait() { s.inflight.Wait() }

// HandleOpportunity admits opp and, when approved, executes it and opens a
// position before returning.
func (s *Session) HandleOpportunity(ctx context.Context, opp market.Opportunity) Outcome {
	outcome := s.admit(ctx, opp)
	if !outcome.Decision.Approved {
		return outcome
	}
	return s.execute(ctx, outcome)
}

// admit records opp and asks the gate. An approval reserves a trade slot
// until execution resolves.
func (s *Session) admit(ctx context.Context, opp market.Opportunity) Outcome {
	s.detected.Add(1)
	s.observeOpportunity(ctx, opp)

	decision := s.c.Gate.Evaluate(opp)
	if decision.Approved {
		s.c.Gate.State().RecordTrade(risk.TradeEvent{Kind: risk.TradeAdmitted})
	}
	if s.c.Trail != nil {
		s.c.Trail.RecordDecision(ctx, decision)
	}
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveDecision(decision)
		s.c.Metrics.ObserveRiskState(s.c.Gate.State().Stats(), s.c.Gate.Halted())
	}

	outcome := Outcome{Opportunity: opp, Decision: decision}
	if decision.Approved {
		s.admitted.Add(1)
	} else {
		s.rejected.Add(1)
	}
	s.remember(outcome)
	return outcome
}

// execute runs an admitted trade and opens its position. Any submission
// that reached the chain counts as a trade, confirmed or not.
func (s *Session) execute(ctx context.Context, outcome Outcome) Outcome {
	opp := outcome.Opportunity
	result, err := s.c.Coordinator.Execute(ctx, opp, outcome.Decision)
	if result.ID != "" {
		s.executed.Add(1)
		outcome.Result = &result
		s.observeResult(ctx, result)
	}
	if err != nil {
		s.execErrors.Add(1)
		outcome.Error = err.Error()
		level := log.Warn()
		if errors.Is(err, market.ErrExecutionTimeout) {
			level = log.Error()
		}
		level.Err(err).Str("opportunity_id", opp.ID).Msg("engine: trade did not complete")
	}

	if result.Success {
		s.succeeded.Add(1)
		symbol := opp.Pool.TokenA.Symbol
		if result.OutputMint == opp.Pool.TokenB.Mint {
			symbol = opp.Pool.TokenB.Symbol
		}
		pos, perr := s.c.Supervisor.Open(result, result.OutputMint, symbol)
		if perr != nil {
			log.Error().Err(perr).Str("trade_id", result.ID).Msg("engine: position not opened")
			outcome.Error = perr.Error()
		} else {
			s.opened.Add(1)
			outcome.PositionID = pos.ID
			if s.c.Feed != nil && pos.IsOpen() {
				s.c.Feed.Pin(pos.Token)
			}
		}
	}

	kind := risk.TradeAbandoned
	if result.Signature != "" {
		kind = risk.TradeSubmitted
	}
	s.c.Gate.State().RecordTrade(risk.TradeEvent{Kind: kind})
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveRiskState(s.c.Gate.State().Stats(), s.c.Gate.Halted())
	}

	s.settle(outcome)
	return outcome
}

func (s *Session) observeOpportunity(ctx context.Context, opp market.Opportunity) {
	if s.c.Feed != nil {
		s.c.Feed.Watch(opp.Pool.TokenA.Mint, opp.Pool.TokenB.Mint)
	}
	if s.c.Trail != nil {
		s.c.Trail.RecordOpportunity(ctx, opp)
	}
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveOpportunity(opp)
	}
	if s.c.Analytics != nil {
		if err := s.c.Analytics.WriteOpportunity(ctx, opp); err != nil {
			log.Debug().Err(err).Msg("engine: opportunity not written to analytics")
		}
	}
}

func (s *Session) observeResult(ctx context.Context, result market.TradeResult) {
	if s.c.Trail != nil {
		s.c.Trail.RecordResult(ctx, result)
	}
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveResult(result)
		s.c.Metrics.TradeDuration.Observe(s.now().Sub(result.CreatedAt).Seconds())
	}
	if s.c.Analytics != nil {
		if err := s.c.Analytics.WriteTradeResult(ctx, result); err != nil {
			log.Debug().Err(err).Msg("engine: trade result not written to analytics")
		}
	}
}

// onPositionClosed runs outside supervisor locks after every close.
func (s *Session) onPositionClosed(p position.Position) {
	s.closed.Add(1)
	if s.c.Feed != nil {
		s.c.Feed.Unpin(p.Token)
		if !s.holds(p.Token) {
			s.c.Feed.Unwatch(p.Token)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.c.Store != nil {
		if err := s.c.Store.SaveClosedPosition(ctx, p); err != nil {
			log.Error().Err(err).Str("position_id", p.ID).Msg("engine: closed position not persisted")
		}
	}
	if s.c.Trail != nil {
		s.c.Trail.RecordPositionClosed(ctx, p)
	}
	if s.c.Metrics != nil {
		s.c.Metrics.ObservePositionClosed(p)
		s.c.Metrics.ObserveRiskState(s.c.Gate.State().Stats(), s.c.Gate.Halted())
	}
}

// holds reports whether an open position is in mint.
func (s *Session) holds(mint solana.Pubkey) bool {
	for _, p := range s.c.Supervisor.OpenPositions() {
		if p.Token == mint {
			return true
		}
	}
	return false
}

func (s *Session) remember(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, o)
	if over := len(s.recent) - s.config.RecentOpportunities; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}
}

// settle replaces the admission record of o with its execution outcome.
func (s *Session) settle(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.recent) - 1; i >= 0; i-- {
		if s.recent[i].Opportunity.ID == o.Opportunity.ID && s.recent[i].Result == nil {
			s.recent[i] = o
			return
		}
	}
	s.recent = append(s.recent, o)
	if over := len(s.recent) - s.config.RecentOpportunities; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}
}

// Opportunities returns up to limit recent outcomes, newest first. A limit
// of 0 returns all of them.
func (s *Session) Opportunities(limit int) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Outcome, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// EmergencyStop halts admissions, marks open positions Emergency and locks
// the wallets. It returns the number of positions marked.
func (s *Session) EmergencyStop(reason string) int {
	if reason == "" {
		reason = "operator request"
	}
	n := s.c.Supervisor.EmergencyStop(reason)
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveRiskState(s.c.Gate.State().Stats(), true)
	}
	return n
}

// Resume reopens admissions and releases the emergency wallet locks.
// Positions marked Emergency stay marked.
func (s *Session) Resume() {
	s.c.Gate.Resume()
	if s.c.Wallet != nil {
		s.c.Wallet.Resume()
	}
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveRiskState(s.c.Gate.State().Stats(), false)
	}
	log.Warn().Msg("engine: session resumed by operator")
}

// Positions returns every supervised position.
func (s *Session) Positions() []position.Position {
	return s.c.Supervisor.Positions()
}

// ClosePosition closes an open position by hand at its last known price.
func (s *Session) ClosePosition(id, reason string) (position.Position, error) {
	if reason == "" {
		reason = "operator request"
	}
	return s.c.Supervisor.Close(id, reason)
}

// Blacklist refuses every future opportunity touching mint.
func (s *Session) Blacklist(mint, reason string) error {
	pk, err := solana.ParsePubkey(mint)
	if err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	if reason == "" {
		reason = "operator request"
	}
	s.c.Gate.State().Blacklist(pk, reason)
	return nil
}

// Whitelist lifts a blacklist entry.
func (s *Session) Whitelist(mint string) error {
	pk, err := solana.ParsePubkey(mint)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	s.c.Gate.State().Whitelist(pk)
	return nil
}

// IsBlacklisted reports whether mint is refused.
func (s *Session) IsBlacklisted(mint string) (bool, error) {
	pk, err := solana.ParsePubkey(mint)
	if err != nil {
		return false, fmt.Errorf("blacklist lookup: %w", err)
	}
	return s.c.Gate.State().IsBlacklisted(pk), nil
}

// LockWallet stops wallet name from signing until UnlockWallet.
func (s *Session) LockWallet(name, reason string) error {
	if s.c.Wallet == nil {
		return fmt.Errorf("%w: no wallet manager in %s mode", ErrNotConfigured, s.config.Mode)
	}
	if reason == "" {
		reason = "operator request"
	}
	return s.c.Wallet.Lock(name, reason)
}

// UnlockWallet re-enables wallet name. It fails during an emergency stop.
func (s *Session) UnlockWallet(name string) error {
	if s.c.Wallet == nil {
		return fmt.Errorf("%w: no wallet manager in %s mode", ErrNotConfigured, s.config.Mode)
	}
	return s.c.Wallet.Unlock(name)
}

// Pending lists submissions whose confirmation is still unknown.
func (s *Session) Pending() []execution.PendingTx {
	if s.c.Monitor == nil {
		return []execution.PendingTx{}
	}
	return s.c.Monitor.Pending()
}

// Resolution is the final status of one pending submission.
type Resolution struct {
	Signature solana.Signature     `json:"signature"`
	State     execution.TradeState `json:"state"`
	Polls     int                  `json:"polls"`
	Elapsed   string               `json:"elapsed"`
	Error     string               `json:"error,omitempty"`
}

// ResolvePending polls every pending submission concurrently until each
// reaches a terminal status or ctx ends.
func (s *Session) ResolvePending(ctx context.Context) []Resolution {
	pending := s.Pending()
	if len(pending) == 0 {
		return []Resolution{}
	}
	sigs := make([]solana.Signature, len(pending))
	for i, p := range pending {
		sigs[i] = p.Signature
	}

	outcomes := s.c.Monitor.AwaitMany(ctx, sigs)
	out := make([]Resolution, 0, len(sigs))
	for _, sig := range sigs {
		o := outcomes[sig]
		r := Resolution{Signature: sig, State: o.State, Polls: o.Polls, Elapsed: o.Elapsed.String()}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		out = append(out, r)
	}
	log.Info().Int("submissions", len(out)).Msg("engine: pending submissions resolved")
	return out
}

// ---------------------------------------------------------------------------
// Housekeeping
// ---------------------------------------------------------------------------

func (s *Session) maintain(ctx context.Context) {
	ticker := time.NewTicker(s.config.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Maintain(ctx)
		}
	}
}

// Maintain drops stale pending submissions, prunes stored history and
// refreshes gauges.
func (s *Session) Maintain(ctx context.Context) {
	if s.c.Monitor != nil {
		if n := s.c.Monitor.CleanupPending(s.config.PendingMaxAge); n > 0 {
			log.Warn().Int("dropped", n).Msg("engine: unresolved submissions dropped from pending list")
		}
	}
	if s.c.Store != nil {
		if n, err := s.c.Store.Prune(ctx, s.now()); err != nil {
			log.Error().Err(err).Msg("engine: history prune failed")
		} else if n > 0 {
			log.Info().Int64("rows", n).Msg("engine: history pruned")
		}
	}
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveRiskState(s.c.Gate.State().Stats(), s.c.Gate.Halted())
		if s.c.Health != nil {
			for name, st := range s.c.Health.Snapshot() {
				if delta := st.Failures - s.failuresSeen[name]; delta > 0 {
					s.c.Metrics.SourceErrors.WithLabelValues(name).Add(float64(delta))
				}
				s.failuresSeen[name] = st.Failures
			}
		}
	}
}

// observationSink forwards feed observations to metrics and analytics.
type observationSink struct{ s *Session }

func (o observationSink) WriteObservation(ctx context.Context, obs market.PriceObservation) error {
	if m := o.s.c.Metrics; m != nil {
		m.PriceObservations.WithLabelValues(obs.Source).Inc()
	}
	if w := o.s.c.Analytics; w != nil {
		return w.WriteObservation(ctx, obs)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is the session-wide snapshot served at /stats.
type Stats struct {
	Mode        string                         `json:"mode"`
	Uptime      string                         `json:"uptime"`
	Batches     int64                          `json:"batches"`
	Detected    int64                          `json:"opportunities_detected"`
	Admitted    int64                          `json:"admitted"`
	Rejected    int64                          `json:"rejected"`
	Executed    int64                          `json:"executed"`
	Succeeded   int64                          `json:"succeeded"`
	ExecErrors  int64                          `json:"execution_errors"`
	Opened      int64                          `json:"positions_opened"`
	Closed      int64                          `json:"positions_closed"`
	Gate        risk.GateStats                 `json:"gate"`
	Scanner     scanner.Stats                  `json:"scanner"`
	Coordinator execution.CoordinatorStats     `json:"coordinator"`
	Supervisor  position.SupervisorStats       `json:"supervisor"`
	Monitor     *execution.MonitorStats        `json:"monitor,omitempty"`
	Prices      *pricing.Stats                 `json:"prices,omitempty"`
	Feed        *datasource.FeedStats          `json:"feed,omitempty"`
	Sources     map[string]quality.SourceStats `json:"sources,omitempty"`
	Programs    *solana.ProgramMonitorStats    `json:"programs,omitempty"`
	Wallet      *wallet.Stats                  `json:"wallet,omitempty"`
	Audit       *audit.Stats                   `json:"audit,omitempty"`
	Analytics   *clickhouse.WriterStats        `json:"analytics,omitempty"`
}

func (s *Session) Stats() Stats {
	st := Stats{
		Mode:        string(s.config.Mode),
		Uptime:      s.now().Sub(s.startedAt).Truncate(time.Second).String(),
		Batches:     s.batches.Load(),
		Detected:    s.detected.Load(),
		Admitted:    s.admitted.Load(),
		Rejected:    s.rejected.Load(),
		Executed:    s.executed.Load(),
		Succeeded:   s.succeeded.Load(),
		ExecErrors:  s.execErrors.Load(),
		Opened:      s.opened.Load(),
		Closed:      s.closed.Load(),
		Gate:        s.c.Gate.Stats(),
		Scanner:     s.c.Scanner.Stats(),
		Coordinator: s.c.Coordinator.Stats(),
		Supervisor:  s.c.Supervisor.Stats(),
	}
	if s.c.Monitor != nil {
		ms := s.c.Monitor.Stats()
		st.Monitor = &ms
	}
	if s.c.Aggregator != nil {
		ps := s.c.Aggregator.Stats()
		st.Prices = &ps
	}
	if s.c.Feed != nil {
		fs := s.c.Feed.Stats()
		st.Feed = &fs
	}
	if s.c.Health != nil {
		st.Sources = s.c.Health.Snapshot()
	}
	if s.c.Programs != nil {
		ps := s.c.Programs.Stats()
		st.Programs = &ps
	}
	if s.c.Wallet != nil {
		ws := s.c.Wallet.Stats()
		st.Wallet = &ws
	}
	if s.c.Trail != nil {
		as := s.c.Trail.Stats()
		st.Audit = &as
	}
	if s.c.Analytics != nil {
		ws := s.c.Analytics.Stats()
		st.Analytics = &ws
	}
	return st
}
