// Package metrics exposes Prometheus metrics and a health endpoint for the
// publish host.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the replay publisher.
type Metrics struct {
	TicksTotal       prometheus.Counter
	TicksSkipped     prometheus.Counter
	TickErrors       prometheus.Counter
	RowsPublished    prometheus.Counter
	ChunksPublished  prometheus.Counter
	SendsTotal       prometheus.Counter
	SendFailures     prometheus.Counter
	EndpointsDropped prometheus.Counter
	EndpointsLive    prometheus.Gauge
	ChunkRows        prometheus.Histogram
	TickDuration     prometheus.Histogram
}

// New registers and returns all publisher metrics.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockserver_ticks_total",
			Help: "Publish ticks executed",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockserver_ticks_skipped_total",
			Help: "Ticks skipped because no endpoints were registered",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockserver_tick_errors_total",
			Help: "Ticks aborted by a storage query failure",
		}),
		RowsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockserver_rows_published_total",
			Help: "Transaction rows published across all chunks",
		}),
		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockserver_chunks_published_total",
			Help: "Payload chunks dispatched to the broadcast layer",
		}),
		SendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockserver_sends_total",
			Help: "Per-endpoint deliveries attempted",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockserver_send_failures_total",
			Help: "Per-endpoint deliveries that surfaced an error",
		}),
		EndpointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockserver_endpoints_dropped_total",
			Help: "Endpoints auto-removed after crossing the failure threshold",
		}),
		EndpointsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockserver_endpoints_live",
			Help: "Currently registered endpoints",
		}),
		ChunkRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockserver_chunk_rows",
			Help:    "Row count per published chunk",
			Buckets: prometheus.ExponentialBuckets(10, 4, 7),
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockserver_tick_duration_seconds",
			Help:    "Wall time of one publish tick (queries + compression + dispatch)",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal, m.TicksSkipped, m.TickErrors,
		m.RowsPublished, m.ChunksPublished,
		m.SendsTotal, m.SendFailures,
		m.EndpointsDropped, m.EndpointsLive,
		m.ChunkRows, m.TickDuration,
	)
	return m
}

// HealthStatus tracks dependency liveness for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	StartedAt       time.Time
	RedisConnected  bool
	RedisLatencyMs  float64
	SQLiteOK        bool
	SQLiteLatencyMs float64
	State           string
	LastCheckAt     time.Time
}

// NewHealthStatus creates a health tracker. Dependencies start healthy and
// only a failed probe flips them, so a host that never probes one (the
// publisher has no Redis) is not reported degraded for it.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), RedisConnected: true, SQLiteOK: true}
}

// SetState records the publish service lifecycle state for reporting.
func (h *HealthStatus) SetState(state string) {
	h.mu.Lock()
	h.State = state
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + health.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the transaction store and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
// Pass nil for a dependency a host does not use.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		State           string  `json:"state,omitempty"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          "healthy",
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		State:           h.State,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if !h.SQLiteOK && !h.RedisConnected {
		status.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else if !h.SQLiteOK || !h.RedisConnected {
		status.Status = "degraded"
	}
	json.NewEncoder(w).Encode(status)
}

// Server exposes /metrics and /healthz on its own listener.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
