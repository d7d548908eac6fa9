// Package model holds the shared data types for the tick replay pipeline:
// transaction rows read from the per-day store and the wire envelopes pushed
// to subscribers.
package model

import (
	"sort"
	"strings"
	"time"
)

// TimeLayout is the second-granularity timestamp format used on the wire
// for the "when" and "nowish" fields.
const TimeLayout = "2006-01-02T15:04:05"

// StampLayout is the time-of-day format stored in the transaction tables.
const StampLayout = "15:04:05"

// Trade is a single transaction row. The ticker symbol and time-of-day are
// carried by the enclosing envelope, not repeated per row.
type Trade struct {
	ID            int64  `json:"id"`
	Price         int64  `json:"price"` // minor units (cents)
	Size          int64  `json:"size"`
	ExchangeID    int64  `json:"exchange_id"`
	ConditionCode string `json:"cc"`
	Suspicious    bool   `json:"sus"`
}

// TickerCount is one row of the per-tick aggregate query: how many trades a
// ticker has at the current time stamp.
type TickerCount struct {
	Ticker   string
	TickerID int64
	Count    int64
}

// DataMessage is the compressed data envelope POSTed to subscriber /data
// endpoints. Payload is base64-encoded gzipped JSON of map[ticker][]Trade.
type DataMessage struct {
	When    string   `json:"when"`
	Tickers []string `json:"tickers"`
	Payload string   `json:"payload"`
}

// SignalMessage is the control envelope POSTed to subscriber /signal
// endpoints when the publish service changes state.
type SignalMessage struct {
	Signal string `json:"signal"`
	Nowish string `json:"nowish"`
}

const (
	SignalStart   = "START"
	SignalStopped = "STOPPED"
)

// NewSignal builds a signal envelope stamped with the given simulated time.
func NewSignal(signal string, nowish time.Time) SignalMessage {
	return SignalMessage{Signal: signal, Nowish: nowish.Format(TimeLayout)}
}

// NormalizeTicker maps a symbol to its canonical form. Ticker case is
// normalized to upper at every boundary (import, registration, lookup) so
// subscriptions never miss on case.
func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeTickers normalizes, dedupes and sorts a symbol list. The stable
// order makes stored subscription sets directly comparable.
func NormalizeTickers(tickers []string) []string {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		n := NormalizeTicker(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
