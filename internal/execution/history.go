package execution

import (
	"context"
	"sync"

	"github.com/nexus-trading/dexsentry/internal/market"
)

// History is the append-only store of trade results.
type History interface {
	Append(ctx context.Context, result market.TradeResult) error
	Recent(ctx context.Context, limit int) ([]market.TradeResult, error)
}

// MemoryHistory keeps results in process memory.
type MemoryHistory struct {
	mu      sync.RWMutex
	results []market.TradeResult
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(_ context.Context, result market.TradeResult) error {
	h.mu.Lock()
	h.results = append(h.results, result)
	h.mu.Unlock()
	return nil
}

// Recent returns up to limit results, newest first. limit <= 0 returns all.
func (h *MemoryHistory) Recent(_ context.Context, limit int) ([]market.TradeResult, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.results)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]market.TradeResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.results[i])
	}
	return out, nil
}

// Len returns the number of stored results.
func (h *MemoryHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.results)
}
