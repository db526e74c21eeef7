package datasource

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/pricing"
	"github.com/nexus-trading/dexsentry/internal/quality"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// ObservationSink receives every accepted price observation, e.g. the
// ClickHouse writer.
type ObservationSink interface {
	WriteObservation(ctx context.Context, obs market.PriceObservation) error
}

// FeedConfig controls price polling.
type FeedConfig struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
	// MaxWatched bounds the tokens added by Watch. Pinned tokens do not
	// count against it.
	MaxWatched int
}

// DefaultFeedConfig polls every 250ms with a 2s per-fetch timeout and
// follows at most 64 unpinned tokens.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		PollInterval: 250 * time.Millisecond,
		FetchTimeout: 2 * time.Second,
		MaxWatched:   64,
	}
}

// Feed polls every price source for the watched tokens and fans the
// results into the aggregator, the source health monitor and an optional
// sink. Each source runs in its own goroutine.
type Feed struct {
	config  FeedConfig
	sources []PriceSource
	agg     *pricing.Aggregator
	health  *quality.Monitor
	sink    ObservationSink

	mu     sync.RWMutex
	watch  map[solana.Pubkey]uint64 // mint -> last Watch sequence
	pinned map[solana.Pubkey]int
	seq    uint64

	wg sync.WaitGroup

	evicted  atomic.Int64
	observed atomic.Int64
	failures atomic.Int64
	misses   atomic.Int64
	skipped  atomic.Int64
}

// NewFeed creates a Feed over sources.
func NewFeed(config FeedConfig, agg *pricing.Aggregator, health *quality.Monitor, sources ...PriceSource) *Feed {
	d := DefaultFeedConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = d.PollInterval
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = d.FetchTimeout
	}
	if config.MaxWatched <= 0 {
		config.MaxWatched = d.MaxWatched
	}
	return &Feed{
		config:  config,
		sources: sources,
		agg:     agg,
		health:  health,
		watch:   make(map[solana.Pubkey]uint64),
		pinned:  make(map[solana.Pubkey]int),
	}
}

// SetSink registers a sink for accepted observations.
func (f *Feed) SetSink(sink ObservationSink) { f.sink = sink }

// Watch adds tokens to the polled set, or refreshes them if already there.
// Beyond MaxWatched the least recently watched token is dropped.
func (f *Feed) Watch(mints ...solana.Pubkey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mints {
		if m == "" {
			continue
		}
		if _, ok := f.pinned[m]; ok {
			continue
		}
		f.seq++
		f.watch[m] = f.seq
	}
	for len(f.watch) > f.config.MaxWatched {
		f.evictLocked()
	}
}

func (f *Feed) evictLocked() {
	var oldest solana.Pubkey
	var oldestSeq uint64
	for m, seq := range f.watch {
		if oldest == "" || seq < oldestSeq {
			oldest, oldestSeq = m, seq
		}
	}
	delete(f.watch, oldest)
	f.evicted.Add(1)
	log.Debug().Str("mint", string(oldest)).Msg("feed: watch set full, dropped least recent token")
}

// Unwatch removes tokens from the polled set. Pinned tokens stay.
func (f *Feed) Unwatch(mints ...solana.Pubkey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mints {
		delete(f.watch, m)
	}
}

// Pin keeps tokens polled until a matching Unpin. Pins nest.
func (f *Feed) Pin(mints ...solana.Pubkey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mints {
		if m == "" {
			continue
		}
		f.pinned[m]++
		delete(f.watch, m)
	}
}

// Unpin releases one Pin. A token whose last pin is released moves back
// into the bounded set as the most recently watched.
func (f *Feed) Unpin(mints ...solana.Pubkey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mints {
		n, ok := f.pinned[m]
		if !ok {
			continue
		}
		if n > 1 {
			f.pinned[m] = n - 1
			continue
		}
		delete(f.pinned, m)
		f.seq++
		f.watch[m] = f.seq
	}
	for len(f.watch) > f.config.MaxWatched {
		f.evictLocked()
	}
}

// Watched returns the polled tokens in sorted order.
func (f *Feed) Watched() []solana.Pubkey {
	f.mu.RLock()
	out := make([]solana.Pubkey, 0, len(f.watch)+len(f.pinned))
	for m := range f.pinned {
		out = append(out, m)
	}
	for m := range f.watch {
		out = append(out, m)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start runs one polling goroutine per source and blocks until ctx is
// cancelled and all of them have returned.
func (f *Feed) Start(ctx context.Context) {
	log.Info().Int("sources", len(f.sources)).Dur("interval", f.config.PollInterval).Msg("feed: starting")

	for _, src := range f.sources {
		f.wg.Add(1)
		go func(src PriceSource) {
			defer f.wg.Done()
			f.run(ctx, src)
		}(src)
	}

	<-ctx.Done()
	f.wg.Wait()
	log.Info().Msg("feed: all sources stopped")
}

func (f *Feed) run(ctx context.Context, src PriceSource) {
	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	f.poll(ctx, src)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx, src)
		}
	}
}

// PollOnce runs one pass over every source sequentially.
func (f *Feed) PollOnce(ctx context.Context) {
	for _, src := range f.sources {
		f.poll(ctx, src)
	}
}

// poll fetches every watched token from one source. The first error ends
// the pass so a failing source is not hammered; it is retried once the
// health monitor's cooldown elapses.
func (f *Feed) poll(ctx context.Context, src PriceSource) {
	name := src.Name()
	if f.health != nil && !f.health.IsAvailable(name) {
		f.skipped.Add(1)
		return
	}

	for _, mint := range f.Watched() {
		if ctx.Err() != nil {
			return
		}

		fctx, cancel := context.WithTimeout(ctx, f.config.FetchTimeout)
		start := time.Now()
		price, conf, ok, err := src.FetchPrice(fctx, mint)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.failures.Add(1)
			serr := market.SourceError(name, err)
			f.agg.MarkUnavailable(name, serr)
			if f.health != nil {
				f.health.RecordFailure(name, serr)
			}
			log.Warn().Err(err).Str("source", name).Str("mint", string(mint)).Msg("feed: price fetch failed")
			return
		}
		if f.health != nil {
			f.health.RecordSuccess(name, time.Since(start))
		}
		if !ok {
			f.misses.Add(1)
			continue
		}

		obs := market.PriceObservation{
			Token:      mint,
			PriceUSD:   price,
			Source:     name,
			Confidence: conf,
			ObservedAt: time.Now(),
		}
		f.agg.Observe(obs)
		f.observed.Add(1)

		if f.sink != nil {
			if err := f.sink.WriteObservation(ctx, obs); err != nil {
				log.Debug().Err(err).Str("source", name).Msg("feed: sink write failed")
			}
		}
	}
}

// FeedStats reports polling counters.
type FeedStats struct {
	Sources  int   `json:"sources"`
	Watched  int   `json:"watched"`
	Pinned   int   `json:"pinned"`
	Evicted  int64 `json:"evicted"`
	Observed int64 `json:"observed"`
	Failures int64 `json:"failures"`
	Misses   int64 `json:"misses"`
	Skipped  int64 `json:"skipped_passes"`
}

func (f *Feed) Stats() FeedStats {
	f.mu.RLock()
	watched, pinned := len(f.watch), len(f.pinned)
	f.mu.RUnlock()
	return FeedStats{
		Sources:  len(f.sources),
		Watched:  watched + pinned,
		Pinned:   pinned,
		Evicted:  f.evicted.Load(),
		Observed: f.observed.Load(),
		Failures: f.failures.Load(),
		Misses:   f.misses.Load(),
		Skipped:  f.skipped.Load(),
	}
}
