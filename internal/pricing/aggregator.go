// Package pricing maintains per-token price observations from several sources
// and produces confidence-weighted consensus prices that are never older than
// the configured staleness window.
package pricing

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// Config controls freshness and consensus requirements.
type Config struct {
	StalenessWindow time.Duration `yaml:"staleness_window"`
	MinSources      int           `yaml:"min_sources"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
	// MaxPerToken bounds memory when one source floods a token.
	MaxPerToken int `yaml:"max_per_token"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StalenessWindow: 500 * time.Millisecond,
		MinSources:      2,
		PruneInterval:   5 * time.Second,
		MaxPerToken:     64,
	}
}

// Aggregator holds recent observations. Freshness is evaluated at read time,
// so pruning only bounds memory.
type Aggregator struct {
	config Config
	now    func() time.Time

	mu           sync.Mutex
	observations map[solana.Pubkey][]market.PriceObservation
	unavailable  map[string]string // source -> last error

	// Stats.
	observed    atomic.Int64
	rejected    atomic.Int64
	validated   atomic.Int64
	staleMisses atomic.Int64
	pruned      atomic.Int64
}

// NewAggregator creates an Aggregator with the given config.
func NewAggregator(config Config) *Aggregator {
	d := DefaultConfig()
	if config.StalenessWindow <= 0 {
		config.StalenessWindow = d.StalenessWindow
	}
	if config.MinSources <= 0 {
		config.MinSources = d.MinSources
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = d.PruneInterval
	}
	if config.MaxPerToken <= 0 {
		config.MaxPerToken = d.MaxPerToken
	}
	return &Aggregator{
		config:       config,
		now:          time.Now,
		observations: make(map[solana.Pubkey][]market.PriceObservation),
		unavailable:  make(map[string]string),
	}
}

// SetClock overrides the time source. Intended for tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// Config returns the active configuration.
func (a *Aggregator) Config() Config { return a.config }

// Observe records a price report. Non-positive prices and confidences
// outside [0,1] are discarded; a successful report clears the source's
// unavailable flag.
func (a *Aggregator) Observe(obs market.PriceObservation) {
	if obs.PriceUSD <= 0 || math.IsNaN(obs.PriceUSD) || math.IsInf(obs.PriceUSD, 0) ||
		obs.Confidence < 0 || obs.Confidence > 1 || math.IsNaN(obs.Confidence) {
		a.rejected.Add(1)
		log.Debug().
			Str("token", string(obs.Token)).
			Str("source", obs.Source).
			Float64("price", obs.PriceUSD).
			Float64("confidence", obs.Confidence).
			Msg("pricing: observation rejected")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = a.now()
	}
	list := append(a.observations[obs.Token], obs)
	if len(list) > a.config.MaxPerToken {
		list = list[len(list)-a.config.MaxPerToken:]
	}
	a.observations[obs.Token] = list
	delete(a.unavailable, obs.Source)
	a.observed.Add(1)
}

// GetValidated returns the consensus price for token, or false when fewer
// than MinSources distinct sources have an observation younger than the
// staleness window. An observation exactly at the window edge is stale.
func (a *Aggregator) GetValidated(token solana.Pubkey) (market.ValidatedPrice, bool) {
	a.mu.Lock()
	now := a.now()
	fresh := a.freshLocked(token, now)
	a.mu.Unlock()

	if len(fresh) < a.config.MinSources {
		a.staleMisses.Add(1)
		return market.ValidatedPrice{}, false
	}

	var weighted, weights, confSum float64
	oldest := now
	sources := make([]string, 0, len(fresh))
	for _, o := range fresh {
		weighted += o.PriceUSD * o.Confidence
		weights += o.Confidence
		confSum += o.Confidence
		sources = append(sources, o.Source)
		if o.ObservedAt.Before(oldest) {
			oldest = o.ObservedAt
		}
	}
	if weights == 0 {
		a.staleMisses.Add(1)
		return market.ValidatedPrice{}, false
	}
	price := weighted / weights

	var maxDev float64
	for _, o := range fresh {
		dev := math.Abs(o.PriceUSD-price) / price * 100
		if dev > maxDev {
			maxDev = dev
		}
	}
	sort.Strings(sources)

	a.validated.Add(1)
	return market.ValidatedPrice{
		Token:           token,
		PriceUSD:        price,
		Confidence:      confSum / float64(len(fresh)),
		Timestamp:       now,
		SourceCount:     len(fresh),
		Sources:         sources,
		MaxDeviationPct: maxDev,
		OldestAt:        oldest,
	}, true
}

// freshLocked returns the newest fresh observation per source.
// Caller must hold a.mu.
func (a *Aggregator) freshLocked(token solana.Pubkey, now time.Time) []market.PriceObservation {
	latest := make(map[string]market.PriceObservation)
	for _, o := range a.observations[token] {
		age := now.Sub(o.ObservedAt)
		if age >= a.config.StalenessWindow || age < 0 {
			continue
		}
		if prev, ok := latest[o.Source]; !ok || o.ObservedAt.After(prev.ObservedAt) {
			latest[o.Source] = o
		}
	}
	out := make([]market.PriceObservation, 0, len(latest))
	for _, o := range latest {
		out = append(out, o)
	}
	return out
}

// MarkUnavailable records a soft source failure. No price is injected.
func (a *Aggregator) MarkUnavailable(source string, err error) {
	msg := "unknown"
	if err != nil {
		msg = err.Error()
	}
	a.mu.Lock()
	a.unavailable[source] = msg
	a.mu.Unlock()
	log.Debug().Str("source", source).Str("err", msg).Msg("pricing: source marked unavailable")
}

// Available reports whether source has not failed since its last success.
func (a *Aggregator) Available(source string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, down := a.unavailable[source]
	return !down
}

// Prune drops observations that can no longer contribute.
func (a *Aggregator) Prune() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	removed := 0
	for token, list := range a.observations {
		kept := list[:0]
		for _, o := range list {
			if now.Sub(o.ObservedAt) < a.config.StalenessWindow {
				kept = append(kept, o)
			}
		}
		removed += len(list) - len(kept)
		if len(kept) == 0 {
			delete(a.observations, token)
		} else {
			a.observations[token] = kept
		}
	}
	a.pruned.Add(int64(removed))
	return removed
}

// Start runs periodic pruning until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.config.PruneInterval)
	defer ticker.Stop()

	log.Info().
		Dur("staleness_window", a.config.StalenessWindow).
		Int("min_sources", a.config.MinSources).
		Msg("pricing: aggregator started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("pricing: aggregator stopped")
			return
		case <-ticker.C:
			if n := a.Prune(); n > 0 {
				log.Debug().Int("removed", n).Msg("pricing: pruned stale observations")
			}
		}
	}
}

// Tokens returns the tokens that currently have any observation.
func (a *Aggregator) Tokens() []solana.Pubkey {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]solana.Pubkey, 0, len(a.observations))
	for t := range a.observations {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns every currently validatable price. Reporting only.
func (a *Aggregator) Snapshot() map[solana.Pubkey]market.ValidatedPrice {
	out := make(map[solana.Pubkey]market.ValidatedPrice)
	for _, t := range a.Tokens() {
		if vp, ok := a.GetValidated(t); ok {
			out[t] = vp
		}
	}
	return out
}

// Stats returns aggregator statistics.
type Stats struct {
	TokensTracked      int      `json:"tokens_tracked"`
	Observations       int      `json:"observations"`
	Observed           int64    `json:"observed_total"`
	Rejected           int64    `json:"rejected_total"`
	Validated          int64    `json:"validated_total"`
	StaleMisses        int64    `json:"stale_misses_total"`
	Pruned             int64    `json:"pruned_total"`
	UnavailableSources []string `json:"unavailable_sources"`
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	n := 0
	for _, list := range a.observations {
		n += len(list)
	}
	down := make([]string, 0, len(a.unavailable))
	for s := range a.unavailable {
		down = append(down, s)
	}
	tokens := len(a.observations)
	a.mu.Unlock()
	sort.Strings(down)

	return Stats{
		TokensTracked:      tokens,
		Observations:       n,
		Observed:           a.observed.Load(),
		Rejected:           a.rejected.Load(),
		Validated:          a.validated.Load(),
		StaleMisses:        a.staleMisses.Load(),
		Pruned:             a.pruned.Load(),
		UnavailableSources: down,
	}
}
