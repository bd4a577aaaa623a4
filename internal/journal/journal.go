// internal/journal/journal.go
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tradesafe/watchdog/internal/position"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ticker TEXT NOT NULL,
	account_id TEXT NOT NULL,
	side TEXT NOT NULL,
	tranche TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	fill_price REAL NOT NULL,
	entry_price REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	order_id TEXT,
	filled_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS closes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ticker TEXT NOT NULL,
	account_id TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price REAL NOT NULL,
	original_qty INTEGER NOT NULL,
	realized_pnl REAL NOT NULL,
	opened_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP NOT NULL,
	reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_fills_ticker ON fills(ticker);
CREATE INDEX IF NOT EXISTS idx_closes_ticker ON closes(ticker);
`

// Fill is one journaled tranche execution.
type Fill struct {
	Ticker      string
	AccountID   string
	Side        position.Side
	Tranche     position.TrancheKind
	Quantity    int64
	FillPrice   float64
	EntryPrice  float64
	RealizedPnL float64
	OrderID     string
	FilledAt    time.Time
}

// Close is the summary row written when a position fully exits or is pruned.
type Close struct {
	Ticker      string
	AccountID   string
	Side        position.Side
	EntryPrice  float64
	OriginalQty int64
	RealizedPnL float64
	OpenedAt    time.Time
	ClosedAt    time.Time
	Reason      string
}

// Journal keeps an audit trail of executed exits in sqlite, surviving after
// the state document has dropped a closed position.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database and applies the schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// RecordFill appends one executed tranche.
func (j *Journal) RecordFill(f Fill) error {
	_, err := j.db.Exec(`
		INSERT INTO fills
		(ticker, account_id, side, tranche, quantity, fill_price, entry_price, realized_pnl, order_id, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Ticker, f.AccountID, string(f.Side), string(f.Tranche), f.Quantity,
		f.FillPrice, f.EntryPrice, f.RealizedPnL, f.OrderID, f.FilledAt,
	)
	return err
}

// RecordClose appends a position close summary.
func (j *Journal) RecordClose(c Close) error {
	_, err := j.db.Exec(`
		INSERT INTO closes
		(ticker, account_id, side, entry_price, original_qty, realized_pnl, opened_at, closed_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Ticker, c.AccountID, string(c.Side), c.EntryPrice, c.OriginalQty,
		c.RealizedPnL, c.OpenedAt, c.ClosedAt, c.Reason,
	)
	return err
}

// FillsFor returns the journaled fills for a ticker, oldest first.
func (j *Journal) FillsFor(ticker string) ([]Fill, error) {
	rows, err := j.db.Query(`
		SELECT ticker, account_id, side, tranche, quantity, fill_price, entry_price, realized_pnl, order_id, filled_at
		FROM fills WHERE ticker = ? ORDER BY id`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		var side, tranche string
		if err := rows.Scan(&f.Ticker, &f.AccountID, &side, &tranche, &f.Quantity,
			&f.FillPrice, &f.EntryPrice, &f.RealizedPnL, &f.OrderID, &f.FilledAt); err != nil {
			return nil, err
		}
		f.Side = position.Side(side)
		f.Tranche = position.TrancheKind(tranche)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
