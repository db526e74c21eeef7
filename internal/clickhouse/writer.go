package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/rs/zerolog/log"
)

// Tables written by Writer.
const (
	TableObservations  = "price_observations"
	TableOpportunities = "opportunities"
	TableTradeResults  = "trade_results"
)

var tableColumns = map[string]string{
	TableObservations:  "token, ts, source, price_usd, confidence",
	TableOpportunities: "opportunity_id, ts, type, pool, dex, token, symbol, expected_profit_usd, confidence, recommended_size_usd, liquidity_usd, risk_overall",
	TableTradeResults:  "trade_id, opportunity_id, ts, mode, success, state, signature, input_mint, output_mint, input_amount, output_amount, size_usd, slippage_bps, fee_lamports, error",
}

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("clickhouse writer is closed")

// Writer batches analytics rows and flushes them when the combined buffers
// reach batchSize or on the flush interval.
type Writer struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffers map[string][][]any
	pending int
	closed  bool

	flushCount atomic.Int64
	errorCount atomic.Int64
	rowsSent   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error
}

// NewWriter creates a writer. database prefixes table names when set.
func NewWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Writer{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffers:       make(map[string][][]any),
	}
}

// SetFlushHook sets a test hook. Intended for testing only.
func (w *Writer) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}

func (w *Writer) tableName(name string) string {
	if w.database == "" {
		return name
	}
	return w.database + "." + name
}

// WriteObservation buffers one price report. Writer satisfies
// datasource.ObservationSink.
func (w *Writer) WriteObservation(ctx context.Context, obs market.PriceObservation) error {
	return w.add(ctx, TableObservations, []any{
		string(obs.Token), obs.ObservedAt, obs.Source, obs.PriceUSD, obs.Confidence,
	})
}

// WriteOpportunity buffers one detected opportunity.
func (w *Writer) WriteOpportunity(ctx context.Context, opp market.Opportunity) error {
	return w.add(ctx, TableOpportunities, []any{
		opp.ID, opp.DetectedAt, string(opp.Type), string(opp.Pool.Address), opp.Pool.DEX,
		string(opp.Pool.TokenA.Mint), opp.Pool.TokenA.Symbol, opp.ExpectedProfitUSD,
		opp.Confidence, opp.RecommendedSizeUSD, opp.Pool.LiquidityUSD, opp.Pool.Risk.Overall,
	})
}

// WriteTradeResult buffers one terminal trade result.
func (w *Writer) WriteTradeResult(ctx context.Context, r market.TradeResult) error {
	var success uint8
	if r.Success {
		success = 1
	}
	return w.add(ctx, TableTradeResults, []any{
		r.ID, r.OpportunityID, r.CreatedAt, r.Mode, success, r.State, string(r.Signature),
		string(r.InputMint), string(r.OutputMint), r.InputAmount, r.OutputAmount,
		r.SizeUSD, r.SlippageBps, r.FeeLamports, r.Error,
	})
}

func (w *Writer) add(ctx context.Context, table string, row []any) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.buffers[table] = append(w.buffers[table], row)
	w.pending++
	needsFlush := w.pending >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// Start runs the periodic flush loop in the background until ctx is
// cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("database", w.database).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("clickhouse: writer started")

		for {
			select {
			case <-bgCtx.Done():
				if err := w.Flush(context.Background()); err != nil {
					log.Error().Err(err).Msg("clickhouse: final flush failed")
				}
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush writes every buffered row. A failed table's rows are dropped and
// the first error is returned.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	buffers := w.buffers
	w.buffers = make(map[string][][]any)
	w.pending = 0
	w.mu.Unlock()

	var firstErr error
	total := 0
	for _, table := range []string{TableObservations, TableOpportunities, TableTradeResults} {
		rows := buffers[table]
		if len(rows) == 0 {
			continue
		}
		total += len(rows)
		if err := w.send(ctx, table, rows); err != nil {
			log.Error().Err(err).Str("table", table).Int("rows", len(rows)).Msg("clickhouse: flush failed")
			w.errorCount.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.rowsSent.Add(int64(len(rows)))
	}
	if total == 0 {
		return nil
	}

	w.flushCount.Add(1)
	log.Debug().Int("rows", total).Msg("clickhouse: flushed")
	return firstErr
}

func (w *Writer) send(ctx context.Context, table string, rows [][]any) error {
	name := w.tableName(table)
	if w.flushHook != nil {
		return w.flushHook(ctx, name, rows)
	}
	if w.client == nil {
		return fmt.Errorf("no clickhouse client for %s", name)
	}

	batch, err := w.client.Conn().PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", name, tableColumns[table]))
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	return batch.Send()
}

// Close stops the background loop and performs a final flush.
func (w *Writer) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		return err
	}
	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("clickhouse: writer closed")
	return nil
}

// WriterStats reports writer progress.
type WriterStats struct {
	Flushes  int64          `json:"flushes"`
	Errors   int64          `json:"errors"`
	RowsSent int64          `json:"rows_sent"`
	Pending  map[string]int `json:"pending"`
}

func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	pending := make(map[string]int, len(w.buffers))
	for table, rows := range w.buffers {
		pending[table] = len(rows)
	}
	w.mu.Unlock()
	return WriterStats{
		Flushes:  w.flushCount.Load(),
		Errors:   w.errorCount.Load(),
		RowsSent: w.rowsSent.Load(),
		Pending:  pending,
	}
}
