// Package scanner discovers liquidity pools from the market-data sources,
// keeps a scored table of them and derives trade opportunities.
package scanner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/datasource"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/quality"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Pool scanner
// ---------------------------------------------------------------------------

// Config configures the scanner.
type Config struct {
	Interval     time.Duration `yaml:"interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// RecentWindow bounds which tracked pools a scan returns, by detection
	// time.
	RecentWindow time.Duration    `yaml:"recent_window"`
	Table        PoolTableConfig  `yaml:"table"`
	Risk         RiskScorerConfig `yaml:"risk"`
}

// DefaultConfig scans every 2s and returns pools detected in the last two
// hours.
func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		FetchTimeout: 5 * time.Second,
		RecentWindow: 2 * time.Hour,
		Table:        DefaultPoolTableConfig(),
		Risk:         DefaultRiskScorerConfig(),
	}
}

// Scanner polls pool sources in priority order and feeds the detector.
type Scanner struct {
	config   Config
	sources  []datasource.PoolSource
	health   *quality.Monitor
	table    *PoolTable
	scorer   *RiskScorer
	symbols  *SymbolResolver
	detector *Detector
	wake     <-chan solana.PoolEvent
	onScan   func(tracked int, elapsed time.Duration)
	now      func() time.Time

	running atomic.Bool

	// Stats.
	scans           atomic.Int64
	sourceErrors    atomic.Int64
	poolsSeen       atomic.Int64
	poolsDropped    atomic.Int64
	wakeups         atomic.Int64
	emitted         atomic.Int64
	exhausted       atomic.Int64
	unknownDecimals atomic.Int64
}

// NewScanner creates a scanner over sources, listed highest priority first.
// health and symbols may be nil.
func NewScanner(config Config, detector *Detector, symbols *SymbolResolver, health *quality.Monitor, sources ...datasource.PoolSource) *Scanner {
	d := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = d.FetchTimeout
	}
	if config.RecentWindow <= 0 {
		config.RecentWindow = d.RecentWindow
	}
	return &Scanner{
		config:   config,
		sources:  sources,
		health:   health,
		table:    NewPoolTable(config.Table),
		scorer:   NewRiskScorer(config.Risk),
		symbols:  symbols,
		detector: detector,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Scanner) SetClock(now func() time.Time) { s.now = now }

// SetWakeups registers a channel of program-subscription events. Each event
// triggers an immediate scan.
func (s *Scanner) SetWakeups(events <-chan solana.PoolEvent) { s.wake = events }

// SetScanHook registers fn, called after every pass with the tracked pool
// count and the pass duration.
func (s *Scanner) SetScanHook(fn func(tracked int, elapsed time.Duration)) { s.onScan = fn }

// SetEvictHook registers fn, called for every pool dropped from the table.
func (s *Scanner) SetEvictHook(fn func(market.PoolRecord)) { s.table.SetEvictHook(fn) }

// Table exposes the tracked pools.
func (s *Scanner) Table() *PoolTable { return s.table }

// Scan runs one pass over every available source and returns the tracked
// pools detected within the recent window. Source failures are logged and
// recorded. A pass where no source answers returns an empty result: pools
// tracked earlier are not re-emitted on data nobody confirmed this cycle.
func (s *Scanner) Scan(ctx context.Context) []market.PoolRecord {
	s.scans.Add(1)
	began := time.Now()

	answered := 0
	seen := make(map[solana.Pubkey]bool)
	for _, src := range s.sources {
		if ctx.Err() != nil {
			break
		}
		raws, ok := s.fetch(ctx, src)
		if !ok {
			continue
		}
		answered++
		for _, raw := range raws {
			rec, ok := Normalize(raw)
			if !ok {
				s.poolsDropped.Add(1)
				continue
			}
			if seen[rec.Address] {
				continue
			}
			seen[rec.Address] = true
			s.poolsSeen.Add(1)

			s.resolveTokens(ctx, &rec)
			s.table.Upsert(rec, s.now(), s.scorer.Score)
		}
	}

	now := s.now()
	s.table.EvictExpired(now)
	recent := []market.PoolRecord{}
	if answered > 0 {
		recent = s.table.Recent(now, s.config.RecentWindow)
	} else {
		s.exhausted.Add(1)
		log.Warn().Int("sources", len(s.sources)).Msg("scanner: no source answered, empty pass")
	}
	if s.onScan != nil {
		s.onScan(s.table.Len(), time.Since(began))
	}
	return recent
}

// fetch returns the pools of one source and whether the source answered.
func (s *Scanner) fetch(ctx context.Context, src datasource.PoolSource) ([]datasource.RawPool, bool) {
	name := src.Name()
	if s.health != nil && !s.health.IsAvailable(name) {
		log.Debug().Str("source", name).Msg("scanner: source cooling down, skipped")
		return nil, false
	}

	fctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	start := time.Now()
	pools, err := src.FetchPools(fctx)
	if err != nil {
		s.sourceErrors.Add(1)
		serr := market.SourceError(name, err)
		if s.health != nil {
			s.health.RecordFailure(name, serr)
		}
		log.Warn().Err(err).Str("source", name).Msg("scanner: pool fetch failed, trying next source")
		return nil, false
	}
	if s.health != nil {
		s.health.RecordSuccess(name, time.Since(start))
	}
	return pools, true
}

// resolveTokens fills missing symbols and decimals from the tracked record
// first, then from the resolver.
func (s *Scanner) resolveTokens(ctx context.Context, rec *market.PoolRecord) {
	if existing, ok := s.table.Get(rec.Address); ok {
		inherit(&rec.TokenA, existing.TokenA)
		inherit(&rec.TokenB, existing.TokenB)
	}
	for _, tok := range []*market.TokenRef{&rec.TokenA, &rec.TokenB} {
		if tok.Symbol == "" {
			tok.Symbol = s.symbol(ctx, tok.Mint)
		}
		if tok.Decimals == 0 {
			tok.Decimals = s.decimals(ctx, tok.Mint)
		}
	}
}

func inherit(tok *market.TokenRef, prev market.TokenRef) {
	if tok.Mint != prev.Mint {
		return
	}
	if tok.Symbol == "" {
		tok.Symbol = prev.Symbol
	}
	if tok.Decimals == 0 {
		tok.Decimals = prev.Decimals
	}
}

func (s *Scanner) decimals(ctx context.Context, mint solana.Pubkey) uint8 {
	var d uint8
	var ok bool
	if s.symbols == nil {
		d, ok = KnownDecimals(mint)
	} else {
		d, ok = s.symbols.Decimals(ctx, mint)
	}
	if !ok {
		s.unknownDecimals.Add(1)
	}
	return d
}

func (s *Scanner) symbol(ctx context.Context, mint solana.Pubkey) string {
	if s.symbols == nil {
		if sym, ok := KnownTokens[mint]; ok {
			return sym
		}
		return Placeholder(mint)
	}
	return s.symbols.Resolve(ctx, mint)
}

// Start scans on every tick and on every wake-up event, sending each pass's
// opportunities to out as one batch in discovery order. Empty passes send
// nothing. It blocks until ctx is cancelled.
func (s *Scanner) Start(ctx context.Context, out chan<- []market.Opportunity) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scanner already running")
	}
	defer s.running.Store(false)

	log.Info().
		Int("sources", len(s.sources)).
		Dur("interval", s.config.Interval).
		Bool("wakeups", s.wake != nil).
		Msg("scanner: starting")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	wake := s.wake
	s.runOnce(ctx, out)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scanner: stopped")
			return nil
		case <-ticker.C:
			s.runOnce(ctx, out)
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			s.wakeups.Add(1)
			log.Debug().
				Str("dex", ev.DEX).
				Str("pool", string(ev.PoolAddress)).
				Msg("scanner: woken by program event")
			drain(wake)
			s.runOnce(ctx, out)
		}
	}
}

// drain discards queued wake-up events so a burst causes one scan.
func drain(ch <-chan solana.PoolEvent) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *Scanner) runOnce(ctx context.Context, out chan<- []market.Opportunity) {
	batch := s.ScanOnce(ctx)
	if len(batch) == 0 {
		return
	}
	select {
	case out <- batch:
	case <-ctx.Done():
	}
}

// ScanOnce runs one Scan and passes the result through the detector.
func (s *Scanner) ScanOnce(ctx context.Context) []market.Opportunity {
	pools := s.Scan(ctx)
	if s.detector == nil {
		return nil
	}
	batch := s.detector.Detect(pools, s.now())
	s.emitted.Add(int64(len(batch)))
	return batch
}

// Stats returns scanner statistics.
type Stats struct {
	Scans           int64          `json:"scans"`
	SourceErrors    int64          `json:"source_errors"`
	PoolsSeen       int64          `json:"pools_seen"`
	PoolsDropped    int64          `json:"pools_dropped"`
	Wakeups         int64          `json:"wakeups"`
	Emitted         int64          `json:"opportunities_emitted"`
	ExhaustedPasses int64          `json:"exhausted_passes"`
	UnknownDecimals int64          `json:"unknown_decimals"`
	Table           PoolTableStats `json:"table"`
	Detector        DetectorStats  `json:"detector"`
	Symbols         *SymbolStats   `json:"symbols,omitempty"`
}

func (s *Scanner) Stats() Stats {
	st := Stats{
		Scans:           s.scans.Load(),
		SourceErrors:    s.sourceErrors.Load(),
		PoolsSeen:       s.poolsSeen.Load(),
		PoolsDropped:    s.poolsDropped.Load(),
		Wakeups:         s.wakeups.Load(),
		Emitted:         s.emitted.Load(),
		ExhaustedPasses: s.exhausted.Load(),
		UnknownDecimals: s.unknownDecimals.Load(),
		Table:           s.table.Stats(),
	}
	if s.detector != nil {
		st.Detector = s.detector.Stats()
	}
	if s.symbols != nil {
		sym := s.symbols.Stats()
		st.Symbols = &sym
	}
	return st
}
