// Package publish drives the replay: once per second it maps wall-clock time
// onto the historical offset, queries the transaction store for the current
// time-slice, packs the result into bounded chunks, compresses them and hands
// them to the broadcast layer.
package publish

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"stockstreamv1/internal/history"
	"stockstreamv1/internal/metrics"
	"stockstreamv1/internal/model"
)

// State is the service lifecycle state.
type State int

const (
	StateNew State = iota
	StateStarted
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarted:
		return "STARTED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrAlreadyStarted is returned by Start outside NEW or STOPPED.
	ErrAlreadyStarted = errors.New("publish: service already started")

	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("publish: service not running")
)

// Store is the read side of the per-day transaction store.
type Store interface {
	TickerCounts(ctx context.Context, day time.Time, stamp string) ([]model.TickerCount, error)
	Trades(ctx context.Context, day time.Time, stamp string, minTicker, maxTicker int64) (map[string][]model.Trade, error)
}

// Broadcaster is the fan-out layer the service publishes through.
type Broadcaster interface {
	Send(ctx context.Context, msg model.DataMessage)
	Signal(ctx context.Context, msg model.SignalMessage)
	Len() int
}

// Config tunes the service.
type Config struct {
	// ChunkSize bounds the cumulative row count packed into one chunk.
	ChunkSize int64
	// TickInterval is the publish cadence. Default one second.
	TickInterval time.Duration
	// Offset is the historical replay anchor. Zero selects the default
	// trading day.
	Offset time.Time
	// Clock overrides the wall-clock source, for tests.
	Clock func() time.Time
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Service is the publish state machine. All state transitions happen under
// mu; the tick body runs outside it so slow queries never block control
// calls.
type Service struct {
	store     Store
	cast      Broadcaster
	chunkSize int64
	interval  time.Duration
	clock     func() time.Time
	metrics   *metrics.Metrics

	mu       sync.Mutex
	state    State
	hist     *history.History
	quit     chan struct{} // closes when the scheduler must exit
	stopDone chan struct{} // closes once STOPPED is reached
}

// New creates a Service in the NEW state.
func New(store Store, cast Broadcaster, cfg Config) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		store:     store,
		cast:      cast,
		chunkSize: cfg.ChunkSize,
		interval:  cfg.TickInterval,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		state:     StateNew,
		hist:      history.NewWithClock(cfg.Offset, cfg.Clock),
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns the active virtual clock.
func (s *Service) History() *history.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist
}

// Nowish returns the current simulated timestamp.
func (s *Service) Nowish() time.Time {
	return s.History().Nowish()
}

// Start begins the recurring publish tick. Valid only from NEW or STOPPED;
// any other state is an error with no side effects.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNew && s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrAlreadyStarted, state)
	}
	s.state = StateStarted
	s.quit = make(chan struct{})
	s.stopDone = make(chan struct{})
	quit := s.quit
	nowish := s.hist.Nowish()
	s.mu.Unlock()

	s.cast.Signal(ctx, model.NewSignal(model.SignalStart, nowish))
	log.Printf("[publish] started (nowish=%s)", nowish.Format(model.TimeLayout))

	go s.schedule(quit)
	return nil
}

// schedule fires the tick on the configured cadence. Each tick runs in its
// own goroutine: if one tick is still draining its sequential chunk sends
// when the next fires, both rounds may have deliveries in flight. That
// overlap is accepted; ticks are not serialized against each other.
func (s *Service) schedule(quit chan struct{}) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			go func() {
				if err := s.Tick(context.Background()); err != nil {
					log.Printf("[publish] tick error: %v", err)
				}
			}()
		}
	}
}

// Stop requests a deferred halt: the state moves to STOPPING immediately and
// the next tick boundary performs the actual shutdown (cancel the scheduler,
// signal STOPPED). Stop blocks until that happens or ctx expires. In-flight
// work is never hard-cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateNew, StateStopped:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrNotRunning, state)
	case StateStopping:
		// already stopping, fall through to wait
	default:
		s.state = StateStopping
	}
	done := s.stopDone
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset stops the service if it is running, installs a fresh virtual clock
// anchored at offset (zero selects the default trading day) and starts
// again.
func (s *Service) Reset(ctx context.Context, offset time.Time) error {
	if s.State() != StateNew {
		if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
	} else {
		log.Printf("[publish] resetting a NEW service")
	}

	s.mu.Lock()
	s.hist = history.NewWithClock(offset, s.clock)
	s.mu.Unlock()

	return s.Start(ctx)
}

// Tick executes one publish cycle. Exported for the tests that drive the
// scheduler by hand; the recurring timer calls it once per interval.
func (s *Service) Tick(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStarted:
		s.state = StateRunning
	case StateRunning:
		// steady state
	case StateStopping:
		s.state = StateStopped
		close(s.quit)
		nowish := s.hist.Nowish()
		done := s.stopDone
		s.mu.Unlock()

		s.cast.Signal(ctx, model.NewSignal(model.SignalStopped, nowish))
		log.Printf("[publish] stopped (nowish=%s)", nowish.Format(model.TimeLayout))
		close(done)
		return nil
	default:
		state := s.state
		s.mu.Unlock()
		log.Printf("[publish] tick called in state %s, skipping", state)
		return nil
	}
	nowish := s.hist.Nowish()
	s.mu.Unlock()

	if s.cast.Len() == 0 {
		// No subscribers: skip the storage queries entirely.
		if s.metrics != nil {
			s.metrics.TicksSkipped.Inc()
		}
		return nil
	}

	start := time.Now()
	err := s.publish(ctx, nowish)
	if s.metrics != nil {
		s.metrics.TicksTotal.Inc()
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.TickErrors.Inc()
		}
	}
	return err
}

// publish queries the current time-slice, chunks it and dispatches the
// chunks sequentially. A query failure aborts the remainder of this tick
// only; the scheduler keeps firing.
func (s *Service) publish(ctx context.Context, nowish time.Time) error {
	stamp := nowish.Format(model.StampLayout)

	counts, err := s.store.TickerCounts(ctx, nowish, stamp)
	if err != nil {
		return fmt.Errorf("ticker counts at %s: %w", stamp, err)
	}
	if len(counts) == 0 {
		return nil
	}

	chunks := PackChunks(counts, s.chunkSize)
	for _, chunk := range chunks {
		grouped, err := s.store.Trades(ctx, nowish, stamp, chunk.MinTicker, chunk.MaxTicker)
		if err != nil {
			return fmt.Errorf("trades at %s for tickers (%d, %d): %w",
				stamp, chunk.MinTicker, chunk.MaxTicker, err)
		}

		payload, err := compressPayload(grouped)
		if err != nil {
			return fmt.Errorf("compress chunk at %s: %w", stamp, err)
		}

		log.Printf("[publish] %s: packaging %d tickers (%d, %d), %d rows",
			stamp, len(chunk.Tickers), chunk.MinTicker, chunk.MaxTicker, chunk.Rows)

		// Dispatch-initiated semantics: Send returns once every endpoint
		// delivery has been launched, so chunks pace each other without
		// waiting on slow subscribers.
		s.cast.Send(ctx, model.DataMessage{
			When:    nowish.Format(model.TimeLayout),
			Tickers: chunk.Tickers,
			Payload: payload,
		})

		if s.metrics != nil {
			s.metrics.ChunksPublished.Inc()
			s.metrics.RowsPublished.Add(float64(chunk.Rows))
			s.metrics.ChunkRows.Observe(float64(chunk.Rows))
		}
	}
	return nil
}

// compressPayload gzips the JSON-encoded grouped rows and base64-encodes the
// result for the wire.
func compressPayload(grouped map[string][]model.Trade) (string, error) {
	raw, err := json.Marshal(grouped)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
