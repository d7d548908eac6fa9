package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the refresh breaker is cooling down.
var ErrBreakerOpen = errors.New("registry: refresh breaker open")

// breaker guards the periodic store refresh: after maxFailures consecutive
// failures it rejects calls for cooldown, then lets a single probe through.
// A successful probe closes it again. This keeps a flapping store from being
// hammered on every refresh interval.
type breaker struct {
	mu          sync.Mutex
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	open        bool
}

func newBreaker(maxFailures int, cooldown time.Duration) *breaker {
	return &breaker{maxFailures: maxFailures, cooldown: cooldown}
}

// do runs fn unless the breaker is open and still cooling down.
func (b *breaker) do(fn func() error) error {
	b.mu.Lock()
	if b.open && time.Since(b.openedAt) < b.cooldown {
		b.mu.Unlock()
		return ErrBreakerOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.failures >= b.maxFailures {
			b.open = true
			b.openedAt = time.Now()
		}
		return err
	}
	b.failures = 0
	b.open = false
	return nil
}
