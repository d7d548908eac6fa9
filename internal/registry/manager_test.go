package registry

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"

	"stockstreamv1/internal/endpoint"
)

func newTestManager(t *testing.T) (*Manager, *Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := NewStore(rdb)
	mgr := NewManager(store, ManagerConfig{RefreshInterval: time.Hour})
	t.Cleanup(mgr.Close)
	return mgr, store, mr
}

func testEndpoint(t *testing.T, href string) *endpoint.EndPoint {
	t.Helper()
	ep, err := endpoint.New(endpoint.Config{Href: href})
	if err != nil {
		t.Fatalf("endpoint.New(%q): %v", href, err)
	}
	return ep
}

func TestAddAndLookup(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	ep := testEndpoint(t, "http://10.0.0.1:8081/feed")
	if err := mgr.AddEndPoint(ctx, ep, []string{"aapl", "msft"}); err != nil {
		t.Fatalf("AddEndPoint: %v", err)
	}

	entries := mgr.EndPointsFor([]string{"AAPL"})
	if len(entries) != 1 {
		t.Fatalf("EndPointsFor(AAPL) = %d entries, want 1", len(entries))
	}
	if want := []string{"AAPL", "MSFT"}; !reflect.DeepEqual(entries[0].Tickers, want) {
		t.Errorf("tickers = %v, want normalized %v", entries[0].Tickers, want)
	}

	// Lookup is case-insensitive and deduplicates across matched tickers.
	both := mgr.EndPointsFor([]string{"aapl", "Msft"})
	if len(both) != 1 {
		t.Errorf("EndPointsFor matched twice = %d entries, want deduplicated 1", len(both))
	}

	if got := mgr.EndPointsFor([]string{"GOOG"}); len(got) != 0 {
		t.Errorf("EndPointsFor(GOOG) = %v, want empty", got)
	}
}

func TestAddMergesTickerSets(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	ep := testEndpoint(t, "http://10.0.0.1:8081/feed")
	if err := mgr.AddEndPoint(ctx, ep, []string{"MSFT"}); err != nil {
		t.Fatalf("AddEndPoint: %v", err)
	}
	if err := mgr.AddEndPoint(ctx, ep, []string{"AAPL"}); err != nil {
		t.Fatalf("AddEndPoint: %v", err)
	}

	doc, found, err := store.Get(ctx, ep.Key())
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if want := []string{"AAPL", "MSFT"}; !reflect.DeepEqual(doc.Tickers, want) {
		t.Errorf("persisted tickers = %v, want merged %v", doc.Tickers, want)
	}
	if mgr.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after merge", mgr.Len())
	}
}

func TestAddSameTickersIsNoOp(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	ep := testEndpoint(t, "http://10.0.0.1:8081/feed")
	if err := mgr.AddEndPoint(ctx, ep, []string{"AAPL", "aapl"}); err != nil {
		t.Fatalf("AddEndPoint: %v", err)
	}
	if err := mgr.AddEndPoint(ctx, ep, []string{"AAPL"}); err != nil {
		t.Fatalf("repeat AddEndPoint: %v", err)
	}

	doc, _, err := store.Get(ctx, ep.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := []string{"AAPL"}; !reflect.DeepEqual(doc.Tickers, want) {
		t.Errorf("tickers = %v, want %v", doc.Tickers, want)
	}
}

func TestRemoveEndPoint(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	ep := testEndpoint(t, "http://10.0.0.1:8081/feed")
	if err := mgr.AddEndPoint(ctx, ep, []string{"AAPL"}); err != nil {
		t.Fatalf("AddEndPoint: %v", err)
	}
	if err := mgr.RemoveEndPoint(ctx, ep); err != nil {
		t.Fatalf("RemoveEndPoint: %v", err)
	}

	if got := mgr.EndPointsFor([]string{"AAPL"}); len(got) != 0 {
		t.Errorf("EndPointsFor after remove = %v, want empty", got)
	}
	if mgr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", mgr.Len())
	}

	// Removing an unknown endpoint succeeds silently.
	if err := mgr.RemoveEndPoint(ctx, ep); err != nil {
		t.Errorf("second RemoveEndPoint: %v", err)
	}
}

func TestInitLoadsPersistedDocuments(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	ep := testEndpoint(t, "http://10.0.0.2:8081/feed")
	doc := Document{EndPoint: ep.Serialize(), Tickers: []string{"IBM"}}
	if err := store.Put(ctx, ep.Key(), doc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := mgr.EndPointsFor([]string{"ibm"}); len(got) != 1 {
		t.Fatalf("EndPointsFor after Init = %d entries, want 1", len(got))
	}

	// Re-initialization warns and is a no-op.
	if err := mgr.Init(ctx); err != nil {
		t.Errorf("second Init: %v", err)
	}
}

func TestRefreshSkipsMalformedDocuments(t *testing.T) {
	mgr, store, mr := newTestManager(t)
	ctx := context.Background()

	ep := testEndpoint(t, "http://10.0.0.1:8081/feed")
	if err := store.Put(ctx, ep.Key(), Document{EndPoint: ep.Serialize(), Tickers: []string{"AAPL"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	mr.HSet(hashKey, "broken", "{not json")

	if err := mgr.refreshOnce(ctx); err != nil {
		t.Fatalf("refreshOnce: %v", err)
	}
	if mgr.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (malformed entry skipped)", mgr.Len())
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := newBreaker(2, time.Hour)
	boom := func() error { return context.DeadlineExceeded }

	if err := b.do(boom); err != context.DeadlineExceeded {
		t.Fatalf("first failure = %v", err)
	}
	if err := b.do(boom); err != context.DeadlineExceeded {
		t.Fatalf("second failure = %v", err)
	}
	if err := b.do(boom); err != ErrBreakerOpen {
		t.Fatalf("call while open = %v, want ErrBreakerOpen", err)
	}
}
