// cmd/stockserver — Historical tick replay publisher.
//
// Maps wall-clock time onto a historical trading day, queries the per-day
// transaction store once per second and pushes compressed per-ticker chunks
// to every registered endpoint.
//
// Config (env vars):
//
//	SERVER_ADDR          — control listen address       (default ":8080")
//	METRICS_ADDR         — /metrics + /healthz address  (default ":9090")
//	SQLITE_PATH          — transaction store path       (default "data/trans.db")
//	CONTROL_SECRET       — token for /serv commands     (required)
//	CONTROL_TOTP_SECRET  — optional TOTP alternative token
//	CHUNK_SIZE           — rows per payload chunk       (default 1000)
//	REPLAY_DATE          — replay anchor, 2006-01-02T15:04:05 (default 2011-01-13T09:30:00)
//	AUTOSTART            — start publishing immediately (default false)
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockstreamv1/config"
	"stockstreamv1/internal/cast"
	"stockstreamv1/internal/endpoint"
	"stockstreamv1/internal/metrics"
	"stockstreamv1/internal/notify"
	"stockstreamv1/internal/publish"
	"stockstreamv1/internal/server"
	"stockstreamv1/internal/store/sqlite"
	"stockstreamv1/internal/wsfeed"
)

// buildNotifier assembles the alert backends from config; with nothing
// configured, alerts go to the process log.
func buildNotifier(cfg *config.Config) notify.Notifier {
	backends := []notify.Notifier{notify.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		backends = append(backends, notify.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return notify.NewMulti(backends...)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[stockserver] starting...")

	cfg := config.Load()
	secret := cfg.MustSecret()

	offset, err := cfg.ReplayOffset()
	if err != nil {
		log.Fatalf("[stockserver] invalid REPLAY_DATE: %v", err)
	}

	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[stockserver] open transaction store: %v", err)
	}
	defer store.Close()

	m := metrics.New()
	alerts := buildNotifier(cfg)

	cs := cast.New()
	feed := wsfeed.New()
	cs.SetTap(feed.Tap)
	cs.OnDrop = func(ep *endpoint.EndPoint) {
		m.EndpointsDropped.Inc()
		alertCtx, alertCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer alertCancel()
		alerts.Send(alertCtx, notify.Alert{
			Level:   notify.LevelWarning,
			Title:   "endpoint dropped",
			Message: fmt.Sprintf("%s crossed its failure threshold and was unregistered", ep),
		})
	}
	cs.OnSend = func(err error) {
		m.SendsTotal.Inc()
		if err != nil {
			m.SendFailures.Inc()
		}
	}

	pub := publish.New(store, cs, publish.Config{
		ChunkSize: cfg.ChunkSize,
		Offset:    offset,
		Metrics:   m,
	})

	// Metrics and health on their own listener.
	health := metrics.NewHealthStatus()
	health.SetState(pub.State().String())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	msrv := metrics.NewServer(cfg.MetricsAddr, health)
	msrv.Start()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.EndpointsLive.Set(float64(cs.Len()))
				health.SetState(pub.State().String())
			}
		}
	}()

	// Control surface.
	srv := &server.Server{
		Pub:        pub,
		Cast:       cs,
		Secret:     secret,
		TOTPSecret: cfg.TOTPSecret,
	}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.HandleFunc("/ws", feed.Handler())

	if cfg.Autostart {
		if err := pub.Start(ctx); err != nil {
			log.Fatalf("[stockserver] autostart: %v", err)
		}
	}

	httpSrv := &http.Server{Addr: cfg.ServerAddr, Handler: mux}
	go func() {
		log.Printf("[stockserver] listening on %s", cfg.ServerAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[stockserver] server error: %v", err)
		}
	}()

	// Graceful shutdown: stop publishing at the next tick boundary, then
	// close the listeners.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[stockserver] shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := pub.Stop(stopCtx); err != nil {
		log.Printf("[stockserver] stop: %v", err)
	}
	httpSrv.Shutdown(stopCtx)
	msrv.Stop(stopCtx)
}
