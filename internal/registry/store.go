// Package registry maintains the ticker→endpoint subscription index: a
// Redis-persisted set of endpoint documents with the in-memory two-way maps
// the publisher-side fan-out queries.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"stockstreamv1/internal/endpoint"

	goredis "github.com/go-redis/redis/v8"
)

// hashKey is the Redis hash holding one field per endpoint identity.
const hashKey = "registry:endpoints"

// Document is the persisted form of one subscription entry.
type Document struct {
	EndPoint endpoint.Serialized `json:"endpoint"`
	Tickers  []string            `json:"tickers"`
}

// Store persists subscription documents in a Redis hash keyed by endpoint
// identity.
type Store struct {
	rdb *goredis.Client
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("registry store ping: %w", err)
	}
	return nil
}

// Load fetches every subscription document, keyed by endpoint identity.
// Unparseable fields are skipped with a warning rather than failing the
// whole refresh.
func (s *Store) Load(ctx context.Context) (map[string]Document, error) {
	fields, err := s.rdb.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry store load: %w", err)
	}

	docs := make(map[string]Document, len(fields))
	for key, raw := range fields {
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			log.Printf("[registry] skipping malformed document %q: %v", key, err)
			continue
		}
		docs[key] = doc
	}
	return docs, nil
}

// Get fetches one document by endpoint identity key.
func (s *Store) Get(ctx context.Context, key string) (Document, bool, error) {
	raw, err := s.rdb.HGet(ctx, hashKey, key).Result()
	if err == goredis.Nil {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("registry store get %q: %w", key, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, false, fmt.Errorf("registry store decode %q: %w", key, err)
	}
	return doc, true, nil
}

// Put writes one document under the endpoint identity key.
func (s *Store) Put(ctx context.Context, key string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry store encode %q: %w", key, err)
	}
	if err := s.rdb.HSet(ctx, hashKey, key, raw).Err(); err != nil {
		return fmt.Errorf("registry store put %q: %w", key, err)
	}
	return nil
}

// Delete removes a document. Deleting an absent key succeeds silently.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.HDel(ctx, hashKey, key).Err(); err != nil {
		return fmt.Errorf("registry store delete %q: %w", key, err)
	}
	return nil
}

// WaitReady pings the store until it answers or the deadline passes. Used at
// startup where an unreachable store is fatal.
func (s *Store) WaitReady(ctx context.Context, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return s.Ping(ctx)
}
