package scanner

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Pool table: in-memory tracking of every pool seen by the scanner
// ---------------------------------------------------------------------------

// PoolTableConfig bounds the pool table.
type PoolTableConfig struct {
	MaxTrackedPools int           `yaml:"max_tracked_pools"`
	MaxAge          time.Duration `yaml:"max_age"` // since first detection
}

// DefaultPoolTableConfig tracks up to 100 pools for one hour.
func DefaultPoolTableConfig() PoolTableConfig {
	return PoolTableConfig{
		MaxTrackedPools: 100,
		MaxAge:          time.Hour,
	}
}

// PoolTable keeps one record per pool address. Records are created on first
// observation and updated in place afterwards; DetectedAt never changes.
type PoolTable struct {
	config PoolTableConfig

	mu      sync.RWMutex
	pools   map[solana.Pubkey]*market.PoolRecord
	onEvict func(market.PoolRecord)

	inserted  atomic.Int64
	updated   atomic.Int64
	evictions atomic.Int64
}

// NewPoolTable creates an empty table.
func NewPoolTable(config PoolTableConfig) *PoolTable {
	d := DefaultPoolTableConfig()
	if config.MaxTrackedPools <= 0 {
		config.MaxTrackedPools = d.MaxTrackedPools
	}
	if config.MaxAge <= 0 {
		config.MaxAge = d.MaxAge
	}
	return &PoolTable{
		config: config,
		pools:  make(map[solana.Pubkey]*market.PoolRecord, config.MaxTrackedPools),
	}
}

// SetEvictHook registers fn, called outside the table lock for every record
// dropped by age or capacity.
func (t *PoolTable) SetEvictHook(fn func(market.PoolRecord)) {
	t.mu.Lock()
	t.onEvict = fn
	t.mu.Unlock()
}

// Upsert stores rec, scoring it with score. An existing record keeps its
// DetectedAt and any CreatedAt, symbol or decimals the new observation
// lacks. The stored copy is returned together with whether it was new.
func (t *PoolTable) Upsert(rec market.PoolRecord, now time.Time, score func(market.PoolRecord, time.Time) market.RiskScore) (market.PoolRecord, bool) {
	t.mu.Lock()

	var dropped []market.PoolRecord
	existing, ok := t.pools[rec.Address]
	if ok {
		rec.DetectedAt = existing.DetectedAt
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
		inherit(&rec.TokenA, existing.TokenA)
		inherit(&rec.TokenB, existing.TokenB)
	} else {
		if len(t.pools) >= t.config.MaxTrackedPools {
			if old, found := t.evictOldestLocked(); found {
				dropped = append(dropped, old)
			}
		}
		rec.DetectedAt = now
	}
	rec.UpdatedAt = now
	if score != nil {
		rec.Risk = score(rec, now)
	}

	stored := rec
	t.pools[rec.Address] = &stored
	hook := t.onEvict
	t.mu.Unlock()

	notify(hook, dropped)
	if ok {
		t.updated.Add(1)
	} else {
		t.inserted.Add(1)
		log.Debug().
			Str("pool", string(rec.Address)).
			Str("dex", rec.DEX).
			Float64("liquidity_usd", rec.LiquidityUSD).
			Msg("pooltable: tracking new pool")
	}
	return stored, !ok
}

// Get returns a copy of the record for address.
func (t *PoolTable) Get(address solana.Pubkey) (market.PoolRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.pools[address]
	if !ok {
		return market.PoolRecord{}, false
	}
	return *rec, true
}

// Recent returns records detected within window of now, oldest detection
// first.
func (t *PoolTable) Recent(now time.Time, window time.Duration) []market.PoolRecord {
	t.mu.RLock()
	out := make([]market.PoolRecord, 0, len(t.pools))
	for _, rec := range t.pools {
		if now.Sub(rec.DetectedAt) <= window {
			out = append(out, *rec)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Len returns the number of tracked pools.
func (t *PoolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pools)
}

// EvictExpired drops pools first detected more than MaxAge before now.
func (t *PoolTable) EvictExpired(now time.Time) int {
	cutoff := now.Add(-t.config.MaxAge)

	t.mu.Lock()
	var dropped []market.PoolRecord
	for addr, rec := range t.pools {
		if rec.DetectedAt.Before(cutoff) {
			dropped = append(dropped, *rec)
			delete(t.pools, addr)
		}
	}
	hook := t.onEvict
	t.mu.Unlock()

	evicted := len(dropped)
	notify(hook, dropped)
	if evicted > 0 {
		t.evictions.Add(int64(evicted))
		log.Debug().Int("evicted", evicted).Msg("pooltable: evicted expired pools")
	}
	return evicted
}

func (t *PoolTable) evictOldestLocked() (market.PoolRecord, bool) {
	var oldestAddr solana.Pubkey
	var oldestTime time.Time

	for addr, rec := range t.pools {
		if oldestAddr == "" || rec.DetectedAt.Before(oldestTime) {
			oldestAddr = addr
			oldestTime = rec.DetectedAt
		}
	}
	if oldestAddr == "" {
		return market.PoolRecord{}, false
	}
	old := *t.pools[oldestAddr]
	delete(t.pools, oldestAddr)
	t.evictions.Add(1)
	return old, true
}

func notify(hook func(market.PoolRecord), dropped []market.PoolRecord) {
	if hook == nil {
		return
	}
	for _, rec := range dropped {
		hook(rec)
	}
}

// PoolTableStats reports table counters.
type PoolTableStats struct {
	TrackedPools int   `json:"tracked_pools"`
	Inserted     int64 `json:"inserted"`
	Updated      int64 `json:"updated"`
	Evictions    int64 `json:"evictions"`
}

func (t *PoolTable) Stats() PoolTableStats {
	return PoolTableStats{
		TrackedPools: t.Len(),
		Inserted:     t.inserted.Load(),
		Updated:      t.updated.Load(),
		Evictions:    t.evictions.Load(),
	}
}
