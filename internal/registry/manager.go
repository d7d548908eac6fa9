package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"stockstreamv1/internal/endpoint"
	"stockstreamv1/internal/model"
)

// DefaultRefreshInterval is how often the in-memory index is rebuilt from
// the backing store.
const DefaultRefreshInterval = 60 * time.Second

// Entry pairs a live EndPoint with the tickers it subscribes to.
type Entry struct {
	EndPoint *endpoint.EndPoint
	Tickers  []string
}

// ManagerConfig tunes the Manager.
type ManagerConfig struct {
	RefreshInterval time.Duration
	// EndPointTimeout and FailureThreshold apply to endpoints rebuilt from
	// storage; zero keeps the endpoint package defaults.
	EndPointTimeout  time.Duration
	FailureThreshold int
}

// Manager owns the two-way subscription index: ticker → endpoint ids and
// endpoint id → entry. Both directions are swapped together under one lock,
// so no reader ever observes a half-updated index. The index is rebuilt from
// the store on a fixed interval and also updated incrementally on
// add/remove.
type Manager struct {
	store   *Store
	cfg     ManagerConfig
	refresh *breaker

	mu       sync.RWMutex
	byTicker map[string]map[string]struct{}
	byID     map[string]Entry

	initOnce bool
	stop     chan struct{}
}

// NewManager creates a Manager over the given store.
func NewManager(store *Store, cfg ManagerConfig) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		refresh:  newBreaker(3, 2*cfg.RefreshInterval),
		byTicker: make(map[string]map[string]struct{}),
		byID:     make(map[string]Entry),
		stop:     make(chan struct{}),
	}
}

// Init verifies the store is reachable, performs the initial fetch and
// schedules recurring refreshes. A second call warns and is a no-op. A store
// failure here is fatal: a half-initialized registry would silently drop
// every subscriber.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.initOnce {
		m.mu.Unlock()
		log.Printf("[registry] attempted to initialize manager multiple times")
		return nil
	}
	m.initOnce = true
	m.mu.Unlock()

	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("registry init: %w", err)
	}
	if err := m.refreshOnce(ctx); err != nil {
		return fmt.Errorf("registry initial fetch: %w", err)
	}

	go m.refreshLoop()
	log.Printf("[registry] initialized, refreshing every %s", m.cfg.RefreshInterval)
	return nil
}

// Close stops the refresh loop.
func (m *Manager) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *Manager) refreshLoop() {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshInterval)
			err := m.refresh.do(func() error { return m.refreshOnce(ctx) })
			cancel()
			if err != nil && err != ErrBreakerOpen {
				log.Printf("[registry] refresh failed: %v", err)
			}
		}
	}
}

// refreshOnce rebuilds both index directions from storage and swaps them in
// atomically.
func (m *Manager) refreshOnce(ctx context.Context) error {
	docs, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	byTicker := make(map[string]map[string]struct{})
	byID := make(map[string]Entry, len(docs))
	for key, doc := range docs {
		ep, err := endpoint.FromSerialized(doc.EndPoint)
		if err != nil {
			log.Printf("[registry] skipping unbuildable endpoint %q: %v", key, err)
			continue
		}
		entry := Entry{EndPoint: ep, Tickers: model.NormalizeTickers(doc.Tickers)}
		byID[key] = entry
		for _, t := range entry.Tickers {
			if byTicker[t] == nil {
				byTicker[t] = make(map[string]struct{})
			}
			byTicker[t][key] = struct{}{}
		}
	}

	m.mu.Lock()
	m.byTicker = byTicker
	m.byID = byID
	m.mu.Unlock()

	log.Printf("[registry] refreshed: %d endpoints, %d tickers", len(byID), len(byTicker))
	return nil
}

// EndPointsFor returns the entries subscribed to any of the given tickers,
// deduplicated. Tickers with no subscribers are skipped silently.
func (m *Manager) EndPointsFor(tickers []string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var entries []Entry
	for _, t := range tickers {
		ids := m.byTicker[model.NormalizeTicker(t)]
		for id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			entries = append(entries, m.byID[id])
		}
	}
	return entries
}

// AddEndPoint registers ep for the given tickers. An existing entry with the
// same identity has the ticker sets merged (deduplicated, sorted) and is
// updated only when the merge actually changes it; otherwise the call is a
// no-op. A new identity is inserted.
func (m *Manager) AddEndPoint(ctx context.Context, ep *endpoint.EndPoint, tickers []string) error {
	key := ep.Key()
	normalized := model.NormalizeTickers(tickers)

	existing, found, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}

	doc := Document{EndPoint: ep.Serialize(), Tickers: normalized}
	if found {
		merged := model.NormalizeTickers(append(append([]string{}, existing.Tickers...), normalized...))
		if equalStrings(merged, model.NormalizeTickers(existing.Tickers)) {
			return nil
		}
		doc.Tickers = merged
	}

	if err := m.store.Put(ctx, key, doc); err != nil {
		return err
	}
	m.apply(key, Entry{EndPoint: ep, Tickers: doc.Tickers})
	log.Printf("[registry] stored %s for tickers %v", ep, doc.Tickers)
	return nil
}

// RemoveEndPoint deletes the entry matching ep's identity. Removing an
// unknown endpoint succeeds silently.
func (m *Manager) RemoveEndPoint(ctx context.Context, ep *endpoint.EndPoint) error {
	key := ep.Key()
	if err := m.store.Delete(ctx, key); err != nil {
		return err
	}
	m.drop(key)
	return nil
}

// apply updates both index directions for one entry under a single lock.
func (m *Manager) apply(key string, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Remove stale ticker links before re-adding the current set.
	if old, ok := m.byID[key]; ok {
		for _, t := range old.Tickers {
			delete(m.byTicker[t], key)
			if len(m.byTicker[t]) == 0 {
				delete(m.byTicker, t)
			}
		}
	}
	m.byID[key] = entry
	for _, t := range entry.Tickers {
		if m.byTicker[t] == nil {
			m.byTicker[t] = make(map[string]struct{})
		}
		m.byTicker[t][key] = struct{}{}
	}
}

// drop removes one entry from both index directions.
func (m *Manager) drop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.byID[key]
	if !ok {
		return
	}
	for _, t := range old.Tickers {
		delete(m.byTicker[t], key)
		if len(m.byTicker[t]) == 0 {
			delete(m.byTicker, t)
		}
	}
	delete(m.byID, key)
}

// Len returns the number of indexed endpoints.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
