// Package endpoint wraps a single subscriber destination: a host, port and
// path reached with a fixed HTTP verb. An EndPoint tracks its own consecutive
// delivery failures and notifies an owner callback when the failure threshold
// is crossed.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 15 * time.Second

	// DefaultFailureThreshold is how many consecutive failures mark an
	// endpoint as dead.
	DefaultFailureThreshold = 3
)

// ErrNoData is returned when Send is called without a body. Missing data is
// a programming error and never produces a request.
var ErrNoData = errors.New("endpoint: must specify string or JSON data")

// Serialized is the persistable form of an EndPoint. Two endpoints are the
// same destination iff (verb, hostname, port, pathname) match exactly.
type Serialized struct {
	Verb     string `json:"verb"`
	Protocol string `json:"protocol"`
	Hostname string `json:"hostname"`
	Pathname string `json:"pathname"`
	Port     int    `json:"port"`
}

// Key returns the identity tuple as a single map key.
func (s Serialized) Key() string {
	return s.Verb + "|" + s.Hostname + "|" + strconv.Itoa(s.Port) + "|" + s.Pathname
}

// Config configures a new EndPoint. Href, when set, takes precedence over the
// individual URL fields.
type Config struct {
	Href     string
	Verb     string // POST or PUT, default POST
	Protocol string // default "http"
	Hostname string
	Port     int    // default 80
	Pathname string // default "/"

	Timeout          time.Duration
	FailureThreshold int
	OnFailure        func(*EndPoint)
}

// EndPoint is a registered destination for data and signal pushes.
// The URL fields are immutable after construction; only the failure counter
// mutates, guarded by mu.
type EndPoint struct {
	verb     string
	protocol string
	hostname string
	port     int
	pathname string

	timeout   time.Duration
	threshold int
	client    *http.Client

	mu        sync.Mutex
	failCount int
	tripped   bool
	onFailure func(*EndPoint)
}

// New builds an EndPoint from cfg, applying the documented defaults.
func New(cfg Config) (*EndPoint, error) {
	if cfg.Href != "" {
		u, err := url.Parse(cfg.Href)
		if err != nil {
			return nil, fmt.Errorf("endpoint: parse href: %w", err)
		}
		if u.Scheme != "" {
			cfg.Protocol = u.Scheme
		}
		if u.Hostname() != "" {
			cfg.Hostname = u.Hostname()
		}
		if p := u.Port(); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("endpoint: parse port %q: %w", p, err)
			}
			cfg.Port = n
		}
		if u.Path != "" {
			cfg.Pathname = u.Path
		}
	}

	if cfg.Verb == "" {
		cfg.Verb = http.MethodPost
	}
	if cfg.Verb != http.MethodPost && cfg.Verb != http.MethodPut {
		return nil, fmt.Errorf("endpoint: verb must be POST or PUT, got %q", cfg.Verb)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "http"
	}
	if cfg.Hostname == "" {
		return nil, errors.New("endpoint: hostname required")
	}
	if cfg.Port == 0 {
		cfg.Port = 80
	}
	if cfg.Pathname == "" {
		cfg.Pathname = "/"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}

	return &EndPoint{
		verb:      cfg.Verb,
		protocol:  cfg.Protocol,
		hostname:  cfg.Hostname,
		port:      cfg.Port,
		pathname:  cfg.Pathname,
		timeout:   cfg.Timeout,
		threshold: cfg.FailureThreshold,
		onFailure: cfg.OnFailure,
		client:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// FromSerialized rebuilds an equivalent EndPoint from its persisted form.
func FromSerialized(s Serialized) (*EndPoint, error) {
	return New(Config{
		Verb:     s.Verb,
		Protocol: s.Protocol,
		Hostname: s.Hostname,
		Port:     s.Port,
		Pathname: s.Pathname,
	})
}

// Serialize returns the persistable identity of the endpoint.
func (e *EndPoint) Serialize() Serialized {
	return Serialized{
		Verb:     e.verb,
		Protocol: e.protocol,
		Hostname: e.hostname,
		Pathname: e.pathname,
		Port:     e.port,
	}
}

// Key returns the identity tuple (verb, hostname, port, pathname).
func (e *EndPoint) Key() string { return e.Serialize().Key() }

// Equal reports whether two endpoints are the same destination. Comparison is
// by identity tuple only, never by pointer.
func (e *EndPoint) Equal(other *EndPoint) bool {
	return other != nil && e.Key() == other.Key()
}

// URL joins the stored path prefix with sub and formats the full destination.
// The join never produces a double slash: "/" + "/data" is "/data".
func (e *EndPoint) URL(sub string) string {
	prefix := e.pathname
	if strings.HasSuffix(prefix, "/") && strings.HasPrefix(sub, "/") {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	u := url.URL{
		Scheme: e.protocol,
		Host:   net.JoinHostPort(e.hostname, strconv.Itoa(e.port)),
		Path:   prefix + sub,
	}
	return u.String()
}

func (e *EndPoint) Verb() string           { return e.verb }
func (e *EndPoint) Hostname() string       { return e.hostname }
func (e *EndPoint) Port() int              { return e.port }
func (e *EndPoint) Pathname() string       { return e.pathname }
func (e *EndPoint) Timeout() time.Duration { return e.timeout }

func (e *EndPoint) String() string {
	return fmt.Sprintf("EndPoint{href=%q, verb=%q}", e.URL(""), e.verb)
}

// SetOnFailure replaces the threshold-crossing handler. The registry that
// owns the endpoint wires itself in here.
func (e *EndPoint) SetOnFailure(fn func(*EndPoint)) {
	e.mu.Lock()
	e.onFailure = fn
	e.mu.Unlock()
}

// FailCount returns the current consecutive-failure count.
func (e *EndPoint) FailCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failCount
}

// Send delivers data to the endpoint at the stored prefix plus sub path.
// String data is wrapped as {"payload": data}; anything else is encoded
// verbatim. A 503 response is retried immediately in place — the gateway is
// busy, not dead. Connection-refused and timeout errors force the failure
// counter straight to the threshold.
func (e *EndPoint) Send(ctx context.Context, sub string, data interface{}) error {
	if data == nil {
		return ErrNoData
	}
	if s, ok := data.(string); ok {
		if s == "" {
			return ErrNoData
		}
		data = map[string]string{"payload": s}
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("endpoint: encode body: %w", err)
	}

	dest := e.URL(sub)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, err := e.attempt(ctx, dest, body)
		switch {
		case err != nil:
			e.recordFailure(isHardFailure(err))
			return fmt.Errorf("endpoint: %s %s: %w", e.verb, dest, err)

		case status == http.StatusOK:
			e.recordSuccess()
			return nil

		case status == http.StatusServiceUnavailable:
			// Busy gateway: count the failure but resend right away
			// instead of surfacing an error.
			log.Printf("[endpoint] 503 from %s, resending (failCount=%d)", dest, e.bumpFailCount())
			continue

		default:
			e.recordFailure(false)
			return fmt.Errorf("endpoint: bad status code: %s %s = %d", e.verb, dest, status)
		}
	}
}

func (e *EndPoint) attempt(ctx context.Context, dest string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, e.verb, dest, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	// Fire and forget: the response body is irrelevant, drain for keep-alive.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// bumpFailCount increments the counter without checking the threshold; used
// on 503 where the send is about to be retried, not abandoned.
func (e *EndPoint) bumpFailCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCount++
	return e.failCount
}

func (e *EndPoint) recordSuccess() {
	e.mu.Lock()
	e.failCount = 0
	e.tripped = false
	e.mu.Unlock()
}

// recordFailure counts a failed delivery and, exactly once per threshold
// crossing, invokes the failure handler. hard failures (connection refused,
// timeout) jump straight to the threshold.
func (e *EndPoint) recordFailure(hard bool) {
	e.mu.Lock()
	if hard {
		e.failCount = e.threshold
	} else {
		e.failCount++
	}
	crossed := e.failCount >= e.threshold && !e.tripped
	if crossed {
		e.tripped = true
	}
	fn := e.onFailure
	e.mu.Unlock()

	if crossed && fn != nil {
		fn(e)
	}
}

// isHardFailure classifies transport errors that mean the destination is
// gone rather than slow: fail fast instead of waiting out the threshold.
func isHardFailure(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
