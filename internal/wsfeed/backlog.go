package wsfeed

import "sync"

// backlog is a fixed-size ring of the most recent broadcast frames,
// overwriting the oldest when full. New monitors get it replayed on connect
// so they see context before the next live tick.
type backlog struct {
	mu   sync.RWMutex
	buf  [][]byte
	pos  int
	full bool
}

func newBacklog(capacity int) *backlog {
	if capacity <= 0 {
		capacity = 64
	}
	return &backlog{buf: make([][]byte, capacity)}
}

// push appends a frame, copying it so the ring never aliases caller memory.
func (b *backlog) push(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	b.mu.Lock()
	b.buf[b.pos] = cp
	b.pos = (b.pos + 1) % len(b.buf)
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// frames returns the buffered frames, oldest first.
func (b *backlog) frames() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.pos
	start := 0
	if b.full {
		n = len(b.buf)
		start = b.pos
	}

	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.buf[(start+i)%len(b.buf)])
	}
	return out
}
