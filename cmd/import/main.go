// cmd/import — Loads a day of trade transactions from CSV into the SQLite
// store, creating the per-day table and any missing ticker ids.
//
// Expected CSV columns (no header):
//
//	ticker, time (HH:MM:SS), price, size, exchange_id, condition_code, suspicious (0/1)
//
// Usage:
//
//	import -db data/trans.db -date 2011-01-13 -file trades.csv
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"stockstreamv1/internal/store/sqlite"
)

const batchSize = 1000

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	var (
		dbPath  = flag.String("db", "data/trans.db", "SQLite database path")
		dateStr = flag.String("date", "", "trading day, formatted 2006-01-02 (required)")
		file    = flag.String("file", "", "CSV file to load; '-' reads stdin (required)")
	)
	flag.Parse()

	if *dateStr == "" || *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	day, err := time.Parse("2006-01-02", *dateStr)
	if err != nil {
		log.Fatalf("[import] invalid -date: %v", err)
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatalf("[import] open %s: %v", *file, err)
		}
		defer f.Close()
		in = f
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("[import] open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.EnsureDay(ctx, day); err != nil {
		log.Fatalf("[import] ensure day table: %v", err)
	}

	total, err := load(ctx, store, day, in)
	if err != nil {
		log.Fatalf("[import] %v", err)
	}
	log.Printf("[import] loaded %d rows into %s", total, sqlite.DayTable(day))
}

// load streams the CSV into the day table in fixed-size batches, resolving
// ticker ids as it goes. Ids are cached so each symbol costs one lookup.
func load(ctx context.Context, store *sqlite.Store, day time.Time, in io.Reader) (int, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = 7
	r.TrimLeadingSpace = true

	ids := make(map[string]int64)
	batch := make([]sqlite.ImportRow, 0, batchSize)
	total := 0

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read csv: %w", err)
		}

		row, ticker, err := parseRecord(record)
		if err != nil {
			return total, fmt.Errorf("row %d: %w", total+1, err)
		}

		id, ok := ids[ticker]
		if !ok {
			id, err = store.TickerID(ctx, ticker)
			if err != nil {
				return total, err
			}
			ids[ticker] = id
		}
		row.TickerID = id

		batch = append(batch, row)
		if len(batch) == batchSize {
			if err := store.InsertTrades(ctx, day, batch); err != nil {
				return total, err
			}
			total += len(batch)
			batch = batch[:0]
		}
	}

	if err := store.InsertTrades(ctx, day, batch); err != nil {
		return total, err
	}
	return total + len(batch), nil
}

func parseRecord(record []string) (sqlite.ImportRow, string, error) {
	var row sqlite.ImportRow

	ticker := record[0]
	if ticker == "" {
		return row, "", fmt.Errorf("empty ticker")
	}

	if _, err := time.Parse("15:04:05", record[1]); err != nil {
		return row, "", fmt.Errorf("invalid time %q: %w", record[1], err)
	}
	row.Time = record[1]

	var err error
	if row.Price, err = strconv.ParseInt(record[2], 10, 64); err != nil {
		return row, "", fmt.Errorf("invalid price %q: %w", record[2], err)
	}
	if row.Size, err = strconv.ParseInt(record[3], 10, 64); err != nil {
		return row, "", fmt.Errorf("invalid size %q: %w", record[3], err)
	}
	if row.ExchangeID, err = strconv.ParseInt(record[4], 10, 64); err != nil {
		return row, "", fmt.Errorf("invalid exchange id %q: %w", record[4], err)
	}
	row.ConditionCode = record[5]
	row.Suspicious = record[6] == "1" || record[6] == "true"

	return row, ticker, nil
}
