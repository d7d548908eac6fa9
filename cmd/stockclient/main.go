// cmd/stockclient — Replay subscriber and downstream redistributor.
//
// Registers itself with the upstream publish host, accepts /data and /signal
// deliveries and re-fans each envelope out — filtered by ticker — to its own
// downstream subscribers, tracked in a Redis-backed registry.
//
// Config (env vars):
//
//	CLIENT_ADDR           — listen address                 (default ":8081")
//	SERVER_URL            — upstream publish host          (default "http://localhost:8080")
//	PUBLIC_URL            — advertised href for upstream registration (default derived from CLIENT_ADDR)
//	REDIS_ADDR            — registry backing store         (default "localhost:6379")
//	REDIS_PASSWORD, REDIS_DB
//	REGISTRY_REFRESH_SEC  — index rebuild interval         (default 60)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"stockstreamv1/config"
	"stockstreamv1/internal/client"
	"stockstreamv1/internal/registry"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[stockclient] starting...")

	cfg := config.Load()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	store := registry.NewStore(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.WaitReady(ctx, 10*time.Second); err != nil {
		log.Fatalf("[stockclient] registry store unreachable: %v", err)
	}

	mgr := registry.NewManager(store, registry.ManagerConfig{
		RefreshInterval: cfg.RefreshInterval,
	})
	if err := mgr.Init(ctx); err != nil {
		log.Fatalf("[stockclient] registry init: %v", err)
	}
	defer mgr.Close()

	rc := client.NewReceiver(mgr)

	mux := http.NewServeMux()
	rc.RegisterRoutes(mux)
	client.RegisterRoutes(mux, mgr)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"stockclient","endpoints":%d}`, mgr.Len())
	})

	httpSrv := &http.Server{Addr: cfg.ClientAddr, Handler: mux}
	go func() {
		log.Printf("[stockclient] listening on %s", cfg.ClientAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[stockclient] server error: %v", err)
		}
	}()

	href := cfg.PublicURL
	if href == "" {
		href = "http://localhost" + normalizeAddr(cfg.ClientAddr)
	}
	if err := registerUpstream(ctx, cfg.ServerURL, href, http.MethodPut); err != nil {
		log.Printf("[stockclient] upstream registration failed: %v", err)
	} else {
		log.Printf("[stockclient] registered %s with %s", href, cfg.ServerURL)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("[stockclient] shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := registerUpstream(stopCtx, cfg.ServerURL, href, http.MethodDelete); err != nil {
		log.Printf("[stockclient] upstream deregistration failed: %v", err)
	}
	httpSrv.Shutdown(stopCtx)
}

// registerUpstream PUTs (or DELETEs) this host's href on the publish host's
// /register endpoint.
func registerUpstream(ctx context.Context, serverURL, href, method string) error {
	body, err := json.Marshal(map[string]string{"href": href})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimSuffix(serverURL, "/")+"/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream answered %d", resp.StatusCode)
	}
	return nil
}

// normalizeAddr turns a listen address like ":8081" into a ":port" suffix
// usable in an href.
func normalizeAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return addr
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ":" + addr
}
