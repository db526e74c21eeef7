package clickhouse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeObservation(i int) market.PriceObservation {
	return market.PriceObservation{
		Token:      "mint-x",
		PriceUSD:   1.0 + float64(i)/100,
		Source:     "jupiter",
		Confidence: 0.9,
		ObservedAt: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
	}
}

func makeResult(i int) market.TradeResult {
	return market.TradeResult{
		ID:            "t-" + string(rune('a'+i)),
		OpportunityID: "opp",
		Mode:          "paper",
		Success:       i%2 == 0,
		State:         "CONFIRMED",
		InputAmount:   1_000_000,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBatchSizeTrigger_Observations(t *testing.T) {
	const batchSize = 10

	var mu sync.Mutex
	var flushedRows [][]any

	w := NewWriter(nil, "dexsentry", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		flushedRows = append(flushedRows, rows...)
		mu.Unlock()
		assert.Equal(t, "dexsentry.price_observations", table)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < batchSize-1; i++ {
		require.NoError(t, w.WriteObservation(ctx, makeObservation(i)))
	}
	mu.Lock()
	assert.Empty(t, flushedRows, "no flush below batch size")
	mu.Unlock()

	require.NoError(t, w.WriteObservation(ctx, makeObservation(batchSize)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushedRows, batchSize)
	assert.Equal(t, "mint-x", flushedRows[0][0])
	assert.Equal(t, "jupiter", flushedRows[0][2])
}

func TestBatchSizeTrigger_Mixed(t *testing.T) {
	const batchSize = 6

	tables := map[string]int{}
	var mu sync.Mutex

	w := NewWriter(nil, "", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		tables[table] += len(rows)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, w.WriteObservation(ctx, makeObservation(i)))
		require.NoError(t, w.WriteTradeResult(ctx, makeResult(i)))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, w.WriteOpportunity(ctx, market.Opportunity{ID: "o", Type: market.VolumeSpike}))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{
		TableObservations:  2,
		TableTradeResults:  2,
		TableOpportunities: 2,
	}, tables)
}

func TestTradeResultRow(t *testing.T) {
	var row []any
	w := NewWriter(nil, "", 1, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		row = rows[0]
		return nil
	})

	require.NoError(t, w.WriteTradeResult(context.Background(), makeResult(0)))
	require.NotNil(t, row)
	assert.Equal(t, "t-a", row[0])
	assert.Equal(t, uint8(1), row[4])
	assert.Equal(t, uint64(1_000_000), row[9])
	assert.Len(t, row, len(strings.Split(tableColumns[TableTradeResults], ",")))
}

func TestFlushIntervalTrigger(t *testing.T) {
	var totalFlushed atomic.Int64

	w := NewWriter(nil, "dexsentry", 1000, 20*time.Millisecond)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteObservation(ctx, makeObservation(i)))
	}

	w.Start(ctx)
	require.Eventually(t, func() bool { return totalFlushed.Load() == 5 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Close())
	assert.Equal(t, int64(5), w.Stats().RowsSent)
}

func TestFlushEmpty(t *testing.T) {
	hookCalled := false
	w := NewWriter(nil, "dexsentry", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error {
		hookCalled = true
		return nil
	})

	require.NoError(t, w.Flush(context.Background()))
	assert.False(t, hookCalled)
	assert.Equal(t, int64(0), w.Stats().Flushes)
}

func TestFlushErrorCountsAndDrops(t *testing.T) {
	w := NewWriter(nil, "", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, _ [][]any) error {
		if table == TableObservations {
			return errors.New("connection reset")
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, w.WriteObservation(ctx, makeObservation(0)))
	require.NoError(t, w.WriteTradeResult(ctx, makeResult(0)))

	assert.ErrorContains(t, w.Flush(ctx), "connection reset")
	st := w.Stats()
	assert.Equal(t, int64(1), st.Errors)
	assert.Equal(t, int64(1), st.RowsSent)
	assert.Empty(t, st.Pending[TableObservations])
}

func TestConcurrentWrites(t *testing.T) {
	const (
		numGoroutines = 10
		writesPerGo   = 100
		batchSize     = 50
	)

	var totalFlushed atomic.Int64
	w := NewWriter(nil, "dexsentry", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(gID int) {
			defer wg.Done()
			for i := 0; i < writesPerGo; i++ {
				if gID%2 == 0 {
					_ = w.WriteObservation(ctx, makeObservation(i))
				} else {
					_ = w.WriteTradeResult(ctx, makeResult(i%20))
				}
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, int64(numGoroutines*writesPerGo), totalFlushed.Load())
}

func TestWriterClosedRejectsWrites(t *testing.T) {
	w := NewWriter(nil, "dexsentry", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error { return nil })
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteObservation(context.Background(), makeObservation(0)), ErrWriterClosed)
	assert.ErrorIs(t, w.WriteTradeResult(context.Background(), makeResult(0)), ErrWriterClosed)
}

func TestSchemaDDLPrefix(t *testing.T) {
	ddl := schemaDDL("analytics")
	require.Len(t, ddl, 3)
	assert.Contains(t, ddl[0], "analytics.price_observations")
	assert.Contains(t, schemaDDL("")[2], "EXISTS trade_results")
}
