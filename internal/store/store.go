// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package store implements the connection store, spec.md Section 4.5: a
// concurrent map keyed by peer address with a secondary index by session
// id, sharded to avoid a single global lock on the connector's hot path.
package store

import (
	"hash/fnv"
	"sync"
)

const shardCount = 16

// Store is a sharded, concurrency-safe map from peer address to a value of
// type V, with a secondary lookup by session id, spec.md Section 4.5
// "Connection store". V is generic so the root package's Connection type
// can be stored here without this package importing it, avoiding an import
// cycle between store and the root package.
type Store[V any] struct {
	shards [shardCount]*shard[V]
}

type shard[V any] struct {
	mu          sync.RWMutex
	byPeer      map[string]V
	bySessionID map[string]string // session id -> peer addr, this shard only
}

// New returns an empty Store.
func New[V any]() *Store[V] {
	s := &Store[V]{}
	for i := range s.shards {
		s.shards[i] = &shard[V]{
			byPeer:      make(map[string]V),
			bySessionID: make(map[string]string),
		}
	}
	return s
}

func (s *Store[V]) shardFor(peerAddr string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(peerAddr))
	return s.shards[h.Sum32()%shardCount]
}

// Put inserts or replaces the value for peerAddr. sessionID may be empty if
// the connection has not completed a handshake yet; Put is called again
// once it has, to populate the secondary index, spec.md Section 4.5
// invariant that the session-id index is maintained atomically with Put.
func (s *Store[V]) Put(peerAddr string, sessionID string, value V) {
	sh := s.shardFor(peerAddr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.byPeer[peerAddr] = value
	if sessionID != "" {
		sh.bySessionID[sessionID] = peerAddr
	}
}

// Get returns the value stored for peerAddr, if any.
func (s *Store[V]) Get(peerAddr string) (V, bool) {
	sh := s.shardFor(peerAddr)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.byPeer[peerAddr]
	return v, ok
}

// FindBySessionID looks up a connection by session id. Because the
// secondary index is sharded by peer address, not session id, this scans
// every shard; session-id lookups are rare (one per resumption attempt),
// unlike the address-keyed hot path Get serves.
func (s *Store[V]) FindBySessionID(sessionID string) (V, bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		peerAddr, ok := sh.bySessionID[sessionID]
		if !ok {
			sh.mu.RUnlock()
			continue
		}
		v, ok := sh.byPeer[peerAddr]
		sh.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Remove deletes any entry for peerAddr, including its session-id index
// entry if sessionID is non-empty.
func (s *Store[V]) Remove(peerAddr string, sessionID string) {
	sh := s.shardFor(peerAddr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.byPeer, peerAddr)
	if sessionID != "" {
		delete(sh.bySessionID, sessionID)
	}
}

// Clear empties the store, used by Destroy, spec.md Section 4.5.
func (s *Store[V]) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.byPeer = make(map[string]V)
		sh.bySessionID = make(map[string]string)
		sh.mu.Unlock()
	}
}

// Range calls f for every stored value. Range holds each shard's read
// lock only for the duration of copying its entries, not for the duration
// of f, so f may call back into the Store.
func (s *Store[V]) Range(f func(peerAddr string, value V) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries := make(map[string]V, len(sh.byPeer))
		for k, v := range sh.byPeer {
			entries[k] = v
		}
		sh.mu.RUnlock()

		for k, v := range entries {
			if !f(k, v) {
				return
			}
		}
	}
}

// Len returns the total number of stored entries across all shards.
func (s *Store[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.byPeer)
		sh.mu.RUnlock()
	}
	return n
}
