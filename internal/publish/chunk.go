package publish

import "stockstreamv1/internal/model"

// Chunk is a contiguous ticker-id range whose rows are published together.
// A single ticker's rows are never split across chunks; a chunk may overshoot
// the budget by the final ticker it absorbed.
type Chunk struct {
	MinTicker int64
	MaxTicker int64
	Tickers   []string
	Rows      int64
}

// PackChunks greedily packs consecutive tickers (counts must be ordered by
// ticker id) into chunks whose cumulative row count is bounded by budget.
func PackChunks(counts []model.TickerCount, budget int64) []Chunk {
	var chunks []Chunk

	idx := 0
	for idx < len(counts) {
		c := Chunk{MinTicker: counts[idx].TickerID}
		for idx < len(counts) && c.Rows <= budget {
			r := counts[idx]
			c.Rows += r.Count
			c.MaxTicker = r.TickerID
			c.Tickers = append(c.Tickers, r.Ticker)
			idx++
		}
		chunks = append(chunks, c)
	}
	return chunks
}
