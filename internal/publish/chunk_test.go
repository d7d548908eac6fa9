package publish

import (
	"reflect"
	"testing"

	"stockstreamv1/internal/model"
)

func counts(rows ...int64) []model.TickerCount {
	out := make([]model.TickerCount, len(rows))
	for i, n := range rows {
		out[i] = model.TickerCount{
			Ticker:   string(rune('A' + i)),
			TickerID: int64(i + 1),
			Count:    n,
		}
	}
	return out
}

func TestPackChunks(t *testing.T) {
	tests := []struct {
		name     string
		counts   []model.TickerCount
		budget   int64
		wantRows [][]int64 // row totals per chunk
	}{
		{
			name:     "all fit in one chunk",
			counts:   counts(10, 20, 30),
			budget:   100,
			wantRows: [][]int64{{60}},
		},
		{
			name:   "splits between tickers",
			counts: counts(60, 60, 10),
			budget: 100,
			// 60 <= 100 so the second ticker is absorbed (overshoot), the
			// third starts a new chunk.
			wantRows: [][]int64{{120}, {10}},
		},
		{
			name:     "single oversized ticker is never split",
			counts:   counts(500),
			budget:   100,
			wantRows: [][]int64{{500}},
		},
		{
			name:     "empty input",
			counts:   nil,
			budget:   100,
			wantRows: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := PackChunks(tt.counts, tt.budget)
			if len(chunks) != len(tt.wantRows) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.wantRows))
			}
			for i, c := range chunks {
				if c.Rows != tt.wantRows[i][0] {
					t.Errorf("chunk %d rows = %d, want %d", i, c.Rows, tt.wantRows[i][0])
				}
			}
		})
	}
}

func TestPackChunksContiguousRanges(t *testing.T) {
	in := counts(50, 50, 50, 50, 50)
	chunks := PackChunks(in, 100)

	var tickers []string
	prevMax := int64(0)
	total := int64(0)
	for _, c := range chunks {
		if c.MinTicker <= prevMax {
			t.Errorf("chunk range (%d, %d) overlaps previous max %d", c.MinTicker, c.MaxTicker, prevMax)
		}
		if c.MinTicker > c.MaxTicker {
			t.Errorf("chunk range inverted: (%d, %d)", c.MinTicker, c.MaxTicker)
		}
		prevMax = c.MaxTicker
		total += c.Rows
		tickers = append(tickers, c.Tickers...)
	}

	if total != 250 {
		t.Errorf("total rows = %d, want 250", total)
	}
	want := []string{"A", "B", "C", "D", "E"}
	if !reflect.DeepEqual(tickers, want) {
		t.Errorf("tickers across chunks = %v, want %v", tickers, want)
	}
}
