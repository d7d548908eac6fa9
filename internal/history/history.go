// Package history maps wall-clock elapsed time onto a historical trading-day
// offset, producing the simulated "nowish" timestamp that drives replay.
package history

import "time"

// DefaultOffset is the replay starting point when none is configured:
// the open of a known trading day.
var DefaultOffset = time.Date(2011, time.January, 13, 9, 30, 0, 0, time.UTC)

// History is an immutable virtual clock: a fixed historical offset plus the
// real instant it was constructed. Resetting the service replaces the whole
// instance rather than mutating it.
type History struct {
	offset time.Time
	start  time.Time
	now    func() time.Time
}

// New creates a clock anchored at offset. A zero offset selects
// DefaultOffset.
func New(offset time.Time) *History {
	return NewWithClock(offset, time.Now)
}

// NewWithClock is New with an injectable wall-clock source, for tests.
func NewWithClock(offset time.Time, now func() time.Time) *History {
	if offset.IsZero() {
		offset = DefaultOffset
	}
	return &History{offset: offset, start: now(), now: now}
}

// Offset returns the fixed historical anchor.
func (h *History) Offset() time.Time { return h.offset }

// Start returns the real instant the clock was constructed.
func (h *History) Start() time.Time { return h.start }

// Nowish returns offset + elapsed seconds since construction. Resolution is
// one second; sub-second drift is expected since the publish scheduler fires
// on a one-second cadence.
func (h *History) Nowish() time.Time {
	elapsed := h.now().Unix() - h.start.Unix()
	return h.offset.Add(time.Duration(elapsed) * time.Second)
}
