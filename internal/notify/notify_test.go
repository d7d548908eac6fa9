package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifierSends(t *testing.T) {
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var m map[string]string
		json.Unmarshal(raw, &m)
		got <- m
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{
		Level:   LevelWarning,
		Title:   "endpoint dropped",
		Message: "EndPoint{href=\"http://10.0.0.1:8081/\"} crossed its failure threshold",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	m := <-got
	if m["level"] != "WARNING" {
		t.Errorf("level = %q, want WARNING", m["level"])
	}
	if m["title"] != "endpoint dropped" {
		t.Errorf("title = %q", m["title"])
	}
	if m["ts"] == "" {
		t.Error("missing ts field")
	}
}

func TestWebhookNotifierBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), Alert{Level: LevelInfo, Title: "x"}); err == nil {
		t.Fatal("Send with 502 response succeeded, want error")
	}
}

type failingNotifier struct{}

func (failingNotifier) Send(context.Context, Alert) error { return errors.New("dead channel") }

type countingNotifier struct{ n int }

func (c *countingNotifier) Send(context.Context, Alert) error { c.n++; return nil }

func TestMultiSwallowsBackendFailures(t *testing.T) {
	counter := &countingNotifier{}
	m := NewMulti(failingNotifier{}, counter)

	if err := m.Send(context.Background(), Alert{Level: LevelCritical, Title: "x"}); err != nil {
		t.Fatalf("Multi.Send: %v", err)
	}
	if counter.n != 1 {
		t.Errorf("second backend called %d times, want 1", counter.n)
	}
}
