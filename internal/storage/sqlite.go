// Package storage persists trade results and closed positions in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nexus-trading/dexsentry/internal/execution"
	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/position"
	"github.com/nexus-trading/dexsentry/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_results (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT    NOT NULL UNIQUE,
    opportunity_id TEXT    NOT NULL,
    mode           TEXT    NOT NULL,
    success        INTEGER NOT NULL DEFAULT 0,
    state          TEXT    NOT NULL,
    signature      TEXT,
    input_mint     TEXT    NOT NULL,
    output_mint    TEXT    NOT NULL,
    input_amount   INTEGER NOT NULL DEFAULT 0,
    output_amount  INTEGER NOT NULL DEFAULT 0,
    size_usd       REAL    NOT NULL DEFAULT 0,
    entry_price    REAL    NOT NULL DEFAULT 0,
    slippage_bps   REAL    NOT NULL DEFAULT 0,
    fee_lamports   INTEGER NOT NULL DEFAULT 0,
    error          TEXT,
    created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS closed_positions (
    id             TEXT PRIMARY KEY,
    opportunity_id TEXT NOT NULL,
    trade_id       TEXT NOT NULL,
    token          TEXT NOT NULL,
    symbol         TEXT,
    entry_price    TEXT NOT NULL,
    exit_price     TEXT NOT NULL,
    size_usd       TEXT NOT NULL,
    size_sol       TEXT NOT NULL DEFAULT '0',
    realized_pnl   TEXT NOT NULL,
    status         TEXT NOT NULL,
    close_reason   TEXT,
    opened_at      DATETIME NOT NULL,
    closed_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_created ON trade_results(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_positions_closed ON closed_positions(closed_at DESC);
`

// Retention for Prune.
const (
	RetentionResults   = 30 * 24 * time.Hour
	RetentionPositions = 90 * 24 * time.Hour
)

// SQLiteHistory stores trade results and closed positions. It implements
// execution.History.
type SQLiteHistory struct {
	db *sql.DB
}

var _ execution.History = (*SQLiteHistory)(nil)

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}
	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	log.Info().Str("path", path).Msg("storage: sqlite ready")
	return &SQLiteHistory{db: db}, nil
}

// Close closes the database.
func (s *SQLiteHistory) Close() error { return s.db.Close() }

// Append records result. A result ID already stored is ignored.
func (s *SQLiteHistory) Append(ctx context.Context, r market.TradeResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_results
			(id, opportunity_id, mode, success, state, signature, input_mint, output_mint,
			 input_amount, output_amount, size_usd, entry_price, slippage_bps, fee_lamports,
			 error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		r.ID, r.OpportunityID, r.Mode, boolInt(r.Success), r.State, string(r.Signature),
		string(r.InputMint), string(r.OutputMint), int64(r.InputAmount), int64(r.OutputAmount),
		r.SizeUSD, r.EntryPriceUSD, r.SlippageBps, int64(r.FeeLamports),
		r.Error, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: append result %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit results, newest first. limit <= 0 returns all.
func (s *SQLiteHistory) Recent(ctx context.Context, limit int) ([]market.TradeResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, opportunity_id, mode, success, state, signature, input_mint, output_mint,
		       input_amount, output_amount, size_usd, entry_price, slippage_bps, fee_lamports,
		       error, created_at
		FROM trade_results
		ORDER BY seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query results: %w", err)
	}
	defer rows.Close()

	var out []market.TradeResult
	for rows.Next() {
		var (
			r                        market.TradeResult
			success                  int
			sig, in, outMint, errStr sql.NullString
			inAmt, outAmt, fee       int64
		)
		if err := rows.Scan(
			&r.ID, &r.OpportunityID, &r.Mode, &success, &r.State, &sig, &in, &outMint,
			&inAmt, &outAmt, &r.SizeUSD, &r.EntryPriceUSD, &r.SlippageBps, &fee,
			&errStr, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan result: %w", err)
		}
		r.Success = success == 1
		r.Signature = solana.Signature(sig.String)
		r.InputMint = solana.Pubkey(in.String)
		r.OutputMint = solana.Pubkey(outMint.String)
		r.InputAmount = uint64(inAmt)
		r.OutputAmount = uint64(outAmt)
		r.FeeLamports = uint64(fee)
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Closed positions
// ---------------------------------------------------------------------------

// SaveClosedPosition stores a position that has left the Open state.
func (s *SQLiteHistory) SaveClosedPosition(ctx context.Context, p position.Position) error {
	if p.IsOpen() {
		return fmt.Errorf("storage: position %s is still open", p.ID)
	}
	closedAt := time.Now().UTC()
	if p.ClosedAt != nil {
		closedAt = p.ClosedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO closed_positions
			(id, opportunity_id, trade_id, token, symbol, entry_price, exit_price, size_usd,
			 size_sol, realized_pnl, status, close_reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exit_price   = excluded.exit_price,
			realized_pnl = excluded.realized_pnl,
			status       = excluded.status,
			close_reason = excluded.close_reason,
			closed_at    = excluded.closed_at`,
		p.ID, p.OpportunityID, p.TradeID, string(p.Token), p.Symbol,
		p.EntryPriceUSD.String(), p.CurrentPriceUSD.String(), p.SizeUSD.String(),
		p.SizeSOL.String(), p.RealizedPnL.String(), string(p.Status), p.CloseReason,
		p.OpenedAt.UTC(), closedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save position %s: %w", p.ID, err)
	}
	return nil
}

// ClosedPositions returns up to limit closed positions, most recently closed
// first.
func (s *SQLiteHistory) ClosedPositions(ctx context.Context, limit int) ([]position.Position, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, opportunity_id, trade_id, token, symbol, entry_price, exit_price, size_usd,
		       size_sol, realized_pnl, status, close_reason, opened_at, closed_at
		FROM closed_positions
		ORDER BY closed_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var (
			p                         position.Position
			token, status             string
			symbol, reason            sql.NullString
			entry, exit, size, pnlStr string
			sizeSOL                   string
			closedAt                  time.Time
		)
		if err := rows.Scan(
			&p.ID, &p.OpportunityID, &p.TradeID, &token, &symbol, &entry, &exit, &size,
			&sizeSOL, &pnlStr, &status, &reason, &p.OpenedAt, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan position: %w", err)
		}
		p.Token = solana.Pubkey(token)
		p.Symbol = symbol.String
		p.Status = position.Status(status)
		p.CloseReason = reason.String
		p.ClosedAt = &closedAt
		p.EntryPriceUSD = mustDecimal(entry)
		p.CurrentPriceUSD = mustDecimal(exit)
		p.SizeUSD = mustDecimal(size)
		p.SizeSOL = mustDecimal(sizeSOL)
		p.RealizedPnL = mustDecimal(pnlStr)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RealizedPnL sums realized P&L over positions closed at or after since.
func (s *SQLiteHistory) RealizedPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_pnl FROM closed_positions WHERE closed_at >= ?`, since.UTC())
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage: query pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, fmt.Errorf("storage: scan pnl: %w", err)
		}
		total = total.Add(mustDecimal(v))
	}
	return total, rows.Err()
}

// Prune deletes results and positions past retention. It returns the
// number of rows removed.
func (s *SQLiteHistory) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trade_results WHERE created_at < ?`, now.Add(-RetentionResults).UTC())
	if err != nil {
		return 0, fmt.Errorf("storage: prune results: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM closed_positions WHERE closed_at < ?`, now.Add(-RetentionPositions).UTC())
	if err != nil {
		return n, fmt.Errorf("storage: prune positions: %w", err)
	}
	m, _ := res.RowsAffected()

	if n+m > 0 {
		log.Info().Int64("results", n).Int64("positions", m).Msg("storage: pruned")
	}
	return n + m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Warn().Err(err).Str("value", s).Msg("storage: bad decimal column")
		return decimal.Zero
	}
	return d
}
