package client

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"stockstreamv1/internal/model"
	"stockstreamv1/internal/registry"
)

// FilteredMessage is the uncompressed, per-subscriber subset re-delivered to
// downstream endpoints.
type FilteredMessage struct {
	When    string                   `json:"when"`
	Tickers []string                 `json:"tickers"`
	Payload map[string][]model.Trade `json:"payload"`
}

// Receiver implements the /data and /signal endpoints a registered
// subscriber must expose, and re-fans each envelope out to its own
// downstream subscribers filtered by ticker.
type Receiver struct {
	mgr *registry.Manager

	// OnSignal, when set, observes control messages.
	OnSignal func(model.SignalMessage)
	// OnData, when set, observes every accepted envelope (used by tests
	// and the monitor feed).
	OnData func(*Data)

	// sendTimeout bounds one downstream re-delivery.
	sendTimeout time.Duration
}

// NewReceiver creates a Receiver that filters through mgr.
func NewReceiver(mgr *registry.Manager) *Receiver {
	return &Receiver{mgr: mgr, sendTimeout: 15 * time.Second}
}

// RegisterRoutes mounts the receiving endpoints on mux.
func (rc *Receiver) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/data", rc.handleData)
	mux.HandleFunc("/signal", rc.handleSignal)
}

// handleData acks immediately and processes the envelope asynchronously —
// the 200 is independent of downstream processing.
func (rc *Receiver) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, `{"success":false,"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var msg model.DataMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, `{"success":false,"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}

	data, err := ParseData(msg)
	if err != nil {
		log.Printf("[client] rejecting envelope: %v", err)
		http.Error(w, `{"success":false,"error":"malformed envelope"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"success":true}`))

	go rc.fanOut(data)
}

func (rc *Receiver) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, `{"success":false,"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var msg model.SignalMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		// Simpler variants send a bare string signal.
		msg = model.SignalMessage{}
	}

	log.Printf("[client] signal %q (nowish=%s)", msg.Signal, msg.Nowish)
	if rc.OnSignal != nil {
		rc.OnSignal(msg)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"success":true}`))
}

// fanOut decodes the payload once and re-sends the per-subscriber subset to
// every downstream endpoint whose ticker set intersects the envelope.
func (rc *Receiver) fanOut(data *Data) {
	if rc.OnData != nil {
		rc.OnData(data)
	}
	if rc.mgr == nil {
		return
	}

	entries := rc.mgr.EndPointsFor(data.Tickers)
	if len(entries) == 0 {
		return
	}

	payload, err := data.Payload()
	if err != nil {
		log.Printf("[client] decode payload failed: %v", err)
		return
	}

	when := data.When.Format(model.TimeLayout)
	for _, entry := range entries {
		valid, subset := intersectPayload(entry.Tickers, payload)
		if len(valid) == 0 {
			continue
		}

		msg := FilteredMessage{When: when, Tickers: valid, Payload: subset}
		go func(entry registry.Entry) {
			ctx, cancel := context.WithTimeout(context.Background(), rc.sendTimeout)
			defer cancel()
			if err := entry.EndPoint.Send(ctx, "", msg); err != nil {
				log.Printf("[client] failed to send to %s: %v", entry.EndPoint, err)
			}
		}(entry)
	}
}

// intersectPayload returns the tickers a subscriber cares about that are
// present in the decoded payload, plus the matching payload subset.
func intersectPayload(subscribed []string, payload map[string][]model.Trade) ([]string, map[string][]model.Trade) {
	var valid []string
	subset := make(map[string][]model.Trade)
	for _, t := range subscribed {
		if rows, ok := payload[t]; ok {
			valid = append(valid, t)
			subset[t] = rows
		}
	}
	return valid, subset
}
