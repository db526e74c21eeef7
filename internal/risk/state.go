package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// RiskState holds the rolling counters consulted by the Gate.
//
// RecordTrade is the only method that moves the trade counters. The hourly
// count is a sliding window over submission timestamps; the daily P&L is a
// signed running total that resets at UTC midnight. Admitted trades that
// have not reached the chain yet count against the hourly and position
// limits until they are submitted or abandoned.
type RiskState struct {
	mu sync.Mutex

	clock func() time.Time

	tradeTimes    []time.Time // within the last hour, ascending
	day           time.Time   // UTC midnight of the current trading day
	dailyPnL      float64
	dailyTrades   int
	inFlight      int
	openPositions int
	blacklist     map[solana.Pubkey]string
}

// TradeEventKind says what happened to a trade.
type TradeEventKind string

const (
	// TradeAdmitted reserves a slot for an approved trade.
	TradeAdmitted TradeEventKind = "ADMITTED"
	// TradeSubmitted releases the reservation and counts the trade. A
	// submission whose confirmation timed out may still land and counts too.
	TradeSubmitted TradeEventKind = "SUBMITTED"
	// TradeAbandoned releases the reservation of a trade that never reached
	// the chain.
	TradeAbandoned TradeEventKind = "ABANDONED"
	// TradeClosed adds a closed position's realized P&L.
	TradeClosed TradeEventKind = "CLOSED"
)

// TradeEvent is one input to RecordTrade. PnL is only read for TradeClosed.
type TradeEvent struct {
	Kind TradeEventKind
	PnL  float64
}

// NewRiskState creates an empty RiskState using the wall clock.
func NewRiskState() *RiskState {
	return &RiskState{
		clock:     time.Now,
		blacklist: make(map[solana.Pubkey]string),
	}
}

// SetClock replaces the time source.
func (s *RiskState) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.clock = now
	s.mu.Unlock()
}

// RecordTrade applies one trade lifecycle event to the counters.
func (s *RiskState) RecordTrade(ev TradeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.rollLocked(now)
	switch ev.Kind {
	case TradeAdmitted:
		s.inFlight++
	case TradeSubmitted:
		s.releaseLocked()
		s.tradeTimes = append(s.tradeTimes, now)
		s.dailyTrades++
	case TradeAbandoned:
		s.releaseLocked()
	case TradeClosed:
		s.dailyPnL += ev.PnL
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("risk: unknown trade event ignored")
		return
	}

	log.Debug().
		Str("kind", string(ev.Kind)).
		Float64("pnl", ev.PnL).
		Float64("daily_pnl", s.dailyPnL).
		Int("hourly_trades", len(s.tradeTimes)).
		Int("in_flight", s.inFlight).
		Msg("risk: trade recorded")
}

func (s *RiskState) releaseLocked() {
	if s.inFlight > 0 {
		s.inFlight--
	}
}

// rollLocked resets the daily counters on a new UTC day and expires
// hourly entries that are a full hour old.
func (s *RiskState) rollLocked(now time.Time) {
	today := now.UTC().Truncate(24 * time.Hour)
	if !today.Equal(s.day) {
		if !s.day.IsZero() {
			log.Info().
				Time("previous_day", s.day).
				Float64("pnl", s.dailyPnL).
				Int("trades", s.dailyTrades).
				Msg("risk: daily counters reset")
		}
		s.day = today
		s.dailyPnL = 0
		s.dailyTrades = 0
	}

	cutoff := now.Add(-time.Hour)
	i := sort.Search(len(s.tradeTimes), func(i int) bool { return s.tradeTimes[i].After(cutoff) })
	if i > 0 {
		s.tradeTimes = append(s.tradeTimes[:0], s.tradeTimes[i:]...)
	}
}

// HourlyCount returns the number of trades submitted in the trailing hour.
func (s *RiskState) HourlyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(s.clock())
	return len(s.tradeTimes)
}

// DailyPnL returns today's realized P&L.
func (s *RiskState) DailyPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(s.clock())
	return s.dailyPnL
}

// SetOpenPositions records the number of open positions.
func (s *RiskState) SetOpenPositions(n int) {
	s.mu.Lock()
	s.openPositions = n
	s.mu.Unlock()
}

func (s *RiskState) OpenPositions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openPositions
}

// InFlight returns the number of admitted trades not yet submitted or
// abandoned.
func (s *RiskState) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Blacklist bans a token from admission.
func (s *RiskState) Blacklist(mint solana.Pubkey, reason string) {
	s.mu.Lock()
	s.blacklist[mint] = reason
	s.mu.Unlock()
	log.Warn().Str("mint", string(mint)).Str("reason", reason).Msg("risk: token blacklisted")
}

// Whitelist lifts a ban.
func (s *RiskState) Whitelist(mint solana.Pubkey) {
	s.mu.Lock()
	_, ok := s.blacklist[mint]
	delete(s.blacklist, mint)
	s.mu.Unlock()
	if ok {
		log.Info().Str("mint", string(mint)).Msg("risk: token whitelisted")
	}
}

func (s *RiskState) IsBlacklisted(mint solana.Pubkey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blacklist[mint]
	return ok
}

// snapshot is read by the Gate under one lock acquisition.
type snapshot struct {
	hourly    int
	dailyPnL  float64
	positions int
	banned    map[solana.Pubkey]bool
}

func (s *RiskState) snapshotFor(mints ...solana.Pubkey) snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(s.clock())

	snap := snapshot{
		hourly:    len(s.tradeTimes) + s.inFlight,
		dailyPnL:  s.dailyPnL,
		positions: s.openPositions + s.inFlight,
		banned:    make(map[solana.Pubkey]bool, len(mints)),
	}
	for _, m := range mints {
		if _, ok := s.blacklist[m]; ok {
			snap.banned[m] = true
		}
	}
	return snap
}

// StateStats summarizes the rolling counters.
type StateStats struct {
	Day            string  `json:"day"`
	TradesToday    int     `json:"trades_today"`
	PnLToday       float64 `json:"pnl_today"`
	TradesLastHour int     `json:"trades_last_hour"`
	InFlight       int     `json:"in_flight"`
	OpenPositions  int     `json:"open_positions"`
	Blacklisted    int     `json:"blacklisted"`
}

func (s *RiskState) Stats() StateStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked(s.clock())
	return StateStats{
		Day:            s.day.Format("2006-01-02"),
		TradesToday:    s.dailyTrades,
		PnLToday:       s.dailyPnL,
		TradesLastHour: len(s.tradeTimes),
		InFlight:       s.inFlight,
		OpenPositions:  s.openPositions,
		Blacklisted:    len(s.blacklist),
	}
}
