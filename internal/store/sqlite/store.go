// Package sqlite is the time-partitioned transaction store. Trades live in
// one table per calendar day (trans_YYYYMMDD) keyed by an integer ticker id;
// the tickers table maps symbols to ids.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"stockstreamv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database holding per-day transaction tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path with WAL mode and the tickers
// table in place.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single connection: one writer, and the reader side is a single
	// scheduler goroutine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tickers (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker TEXT NOT NULL UNIQUE
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &Store{db: db}, nil
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DayTable returns the transaction table name for a calendar day.
// The name is built from a fixed date format, never from user input.
func DayTable(day time.Time) string {
	return "trans_" + day.Format("20060102")
}

// EnsureDay creates the transaction table and time index for a day if they
// do not exist yet. Used by the import pipeline.
func (s *Store) EnsureDay(ctx context.Context, day time.Time) error {
	table := DayTable(day)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			ticker_id      INTEGER NOT NULL,
			time           TEXT    NOT NULL,
			price          INTEGER NOT NULL,
			size           INTEGER NOT NULL,
			exchange_id    INTEGER NOT NULL,
			condition_code TEXT,
			suspicious     INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_time ON %[1]s (time, ticker_id);
	`, table))
	if err != nil {
		return fmt.Errorf("sqlite ensure %s: %w", table, err)
	}
	return nil
}

// TickerID returns the integer id for a symbol, inserting it if missing.
// The symbol is normalized to canonical case first.
func (s *Store) TickerID(ctx context.Context, symbol string) (int64, error) {
	symbol = model.NormalizeTicker(symbol)

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM tickers WHERE ticker = ?`, symbol).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("sqlite ticker lookup %q: %w", symbol, err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO tickers (ticker) VALUES (?)`, symbol)
	if err != nil {
		return 0, fmt.Errorf("sqlite ticker insert %q: %w", symbol, err)
	}
	return res.LastInsertId()
}

// TickerCounts returns, for the day table and exact time stamp, the number of
// trade rows per ticker, ordered by ticker id. The time column holds
// second-granularity HH:MM:SS stamps, so equality on the formatted stamp is
// the one-second bucket.
func (s *Store) TickerCounts(ctx context.Context, day time.Time, stamp string) ([]model.TickerCount, error) {
	query := fmt.Sprintf(`
		SELECT ticker, ticker_id, COUNT(*) AS cnt
		FROM %s, tickers
		WHERE (time = ?) AND tickers.id = ticker_id
		GROUP BY ticker_id
		ORDER BY ticker_id ASC
	`, DayTable(day))

	rows, err := s.db.QueryContext(ctx, query, stamp)
	if err != nil {
		return nil, fmt.Errorf("sqlite ticker counts: %w", err)
	}
	defer rows.Close()

	var counts []model.TickerCount
	for rows.Next() {
		var c model.TickerCount
		if err := rows.Scan(&c.Ticker, &c.TickerID, &c.Count); err != nil {
			return nil, fmt.Errorf("sqlite ticker counts scan: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Trades returns the full rows for the ticker-id range at the given stamp,
// grouped by ticker, each group ordered by row id. The time stamp is omitted
// from the rows — it is carried once by the enclosing envelope.
func (s *Store) Trades(ctx context.Context, day time.Time, stamp string, minTicker, maxTicker int64) (map[string][]model.Trade, error) {
	table := DayTable(day)
	query := fmt.Sprintf(`
		SELECT %[1]s.id, ticker, price, size, exchange_id, condition_code, suspicious
		FROM %[1]s, tickers
		WHERE (tickers.id = %[1]s.ticker_id)
			AND (time = ?)
			AND (ticker_id BETWEEN ? AND ?)
		ORDER BY %[1]s.id
	`, table)

	rows, err := s.db.QueryContext(ctx, query, stamp, minTicker, maxTicker)
	if err != nil {
		return nil, fmt.Errorf("sqlite trades: %w", err)
	}
	defer rows.Close()

	grouped := make(map[string][]model.Trade)
	for rows.Next() {
		var (
			ticker string
			t      model.Trade
			cc     sql.NullString
		)
		if err := rows.Scan(&t.ID, &ticker, &t.Price, &t.Size, &t.ExchangeID, &cc, &t.Suspicious); err != nil {
			return nil, fmt.Errorf("sqlite trades scan: %w", err)
		}
		t.ConditionCode = cc.String
		grouped[ticker] = append(grouped[ticker], t)
	}
	return grouped, rows.Err()
}

// ImportRow is one trade to load into a day table.
type ImportRow struct {
	TickerID      int64
	Time          string // HH:MM:SS
	Price         int64
	Size          int64
	ExchangeID    int64
	ConditionCode string
	Suspicious    bool
}

// InsertTrades loads a batch of rows into the day table in a single
// transaction with a prepared statement.
func (s *Store) InsertTrades(ctx context.Context, day time.Time, batch []ImportRow) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (ticker_id, time, price, size, exchange_id, condition_code, suspicious)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, DayTable(day)))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range batch {
		sus := 0
		if r.Suspicious {
			sus = 1
		}
		if _, err := stmt.ExecContext(ctx, r.TickerID, r.Time, r.Price, r.Size, r.ExchangeID, r.ConditionCode, sus); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}
