// Package client implements the subscriber side of the stream: the data
// envelope with lazy decompression, and the HTTP receivers a registered
// endpoint must expose.
package client

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"stockstreamv1/internal/model"
)

// ErrNoPayload is returned by Payload when the envelope never carried one.
var ErrNoPayload = errors.New("client: no payload buffer or decoded value")

// Data wraps a received compressed envelope. The payload is decompressed and
// decoded at most once; the raw buffer is discarded after the first decode.
type Data struct {
	When    time.Time
	Tickers []string

	mu      sync.Mutex
	raw     []byte
	decoded map[string][]model.Trade
}

// ParseData builds a Data from the wire envelope, decoding the base64 wrapper
// but deferring decompression until Payload is called.
func ParseData(msg model.DataMessage) (*Data, error) {
	when, err := time.Parse(model.TimeLayout, msg.When)
	if err != nil {
		return nil, fmt.Errorf("client: parse when %q: %w", msg.When, err)
	}

	var raw []byte
	if msg.Payload != "" {
		raw, err = base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("client: decode payload: %w", err)
		}
	}

	return &Data{When: when, Tickers: msg.Tickers, raw: raw}, nil
}

// Payload returns the decoded per-ticker rows. The first call gunzips and
// JSON-decodes the buffer, memoizes the result and drops the buffer;
// subsequent calls return the memoized value.
func (d *Data) Payload() (map[string][]model.Trade, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.decoded != nil {
		return d.decoded, nil
	}
	if d.raw == nil {
		return nil, ErrNoPayload
	}

	zr, err := gzip.NewReader(bytes.NewReader(d.raw))
	if err != nil {
		return nil, fmt.Errorf("client: gunzip payload: %w", err)
	}
	plain, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("client: gunzip payload: %w", err)
	}

	var decoded map[string][]model.Trade
	if err := json.Unmarshal(plain, &decoded); err != nil {
		return nil, fmt.Errorf("client: decode payload: %w", err)
	}

	d.decoded = decoded
	d.raw = nil
	return d.decoded, nil
}
