// Package cast fans messages out to the currently registered endpoints.
// Delivery is fire-and-forget: Send and Signal return once dispatch has been
// initiated for every endpoint, not once the deliveries finish. Endpoints
// whose consecutive failures cross their threshold are unregistered
// automatically so the broadcast set never accumulates dead destinations.
package cast

import (
	"context"
	"log"
	"sync"

	"stockstreamv1/internal/endpoint"
	"stockstreamv1/internal/model"
)

// Tap observes each broadcast once (not once per endpoint). Used to mirror
// the stream to the WebSocket monitor feed.
type Tap func(path string, msg interface{})

// Server holds the live endpoint set. Registration is keyed by endpoint
// identity so the same destination is never added twice.
type Server struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint.EndPoint
	tap       Tap

	// OnDrop is called after an endpoint is auto-removed for crossing its
	// failure threshold.
	OnDrop func(*endpoint.EndPoint)

	// OnSend is called once per endpoint delivery with its outcome.
	OnSend func(err error)
}

// New creates an empty broadcast server.
func New() *Server {
	return &Server{endpoints: make(map[string]*endpoint.EndPoint)}
}

// SetTap installs the broadcast observer.
func (s *Server) SetTap(t Tap) {
	s.mu.Lock()
	s.tap = t
	s.mu.Unlock()
}

// Register adds ep to the live set unless an endpoint with the same identity
// is already present. The endpoint's failure handler is wired to remove it
// from this set.
func (s *Server) Register(ep *endpoint.EndPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ep.Key()
	if _, ok := s.endpoints[key]; ok {
		return
	}
	ep.SetOnFailure(s.dropFailed)
	s.endpoints[key] = ep
	log.Printf("[cast] registered %s (%d live)", ep, len(s.endpoints))
}

// Unregister removes the endpoint matching ep's identity, if present.
func (s *Server) Unregister(ep *endpoint.EndPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ep.Key()
	if _, ok := s.endpoints[key]; !ok {
		return
	}
	delete(s.endpoints, key)
	log.Printf("[cast] unregistered %s (%d live)", ep, len(s.endpoints))
}

// Registered reports whether an endpoint with ep's identity is in the set.
func (s *Server) Registered(ep *endpoint.EndPoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.endpoints[ep.Key()]
	return ok
}

// Len returns the number of live endpoints.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

// EndPoints returns a snapshot of the live set.
func (s *Server) EndPoints() []*endpoint.EndPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eps := make([]*endpoint.EndPoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

// Send pushes a data envelope to every live endpoint's /data path.
func (s *Server) Send(ctx context.Context, msg model.DataMessage) {
	s.broadcast(ctx, "/data", msg)
}

// Signal pushes a control message to every live endpoint's /signal path.
func (s *Server) Signal(ctx context.Context, msg model.SignalMessage) {
	s.broadcast(ctx, "/signal", msg)
}

// broadcast snapshots the endpoint set and dispatches one delivery goroutine
// per endpoint. Mutations during a round (including failure-driven removal)
// affect the live set, never the in-flight snapshot.
func (s *Server) broadcast(ctx context.Context, path string, msg interface{}) {
	s.mu.RLock()
	eps := make([]*endpoint.EndPoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	tap := s.tap
	onSend := s.OnSend
	s.mu.RUnlock()

	if tap != nil {
		tap(path, msg)
	}

	for _, ep := range eps {
		go func(ep *endpoint.EndPoint) {
			err := ep.Send(ctx, path, msg)
			if err != nil {
				log.Printf("[cast] send %s to %s failed: %v", path, ep, err)
			}
			if onSend != nil {
				onSend(err)
			}
		}(ep)
	}
}

// dropFailed is the failure-threshold handler wired into every registered
// endpoint.
func (s *Server) dropFailed(ep *endpoint.EndPoint) {
	if !s.Registered(ep) {
		return
	}
	log.Printf("[cast] %s crossed failure threshold, removing", ep)
	s.Unregister(ep)

	s.mu.RLock()
	onDrop := s.OnDrop
	s.mu.RUnlock()
	if onDrop != nil {
		onDrop(ep)
	}
}
