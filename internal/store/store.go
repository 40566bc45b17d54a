// Package store holds the latest position of every tracked entity.
package store

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/saviobatista/obu-tracker/internal/types"
)

const shardCount = 32

// UpsertResult describes the state of an entry before an upsert
type UpsertResult struct {
	IsNew    bool
	Previous *types.Position
}

type shard struct {
	mu        sync.RWMutex
	positions map[string]types.Position
}

// Store maps entity identifiers to positions. Entries are created on first
// write and never removed. Locking is per shard so writers for unrelated
// entities rarely contend.
type Store struct {
	shards [shardCount]*shard
}

// New creates an empty Store
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{positions: make(map[string]types.Position)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%shardCount]
}

// Upsert stores pos for id and reports what was there before
func (s *Store) Upsert(id string, pos types.Position) UpsertResult {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, exists := sh.positions[id]
	sh.positions[id] = pos
	if !exists {
		return UpsertResult{IsNew: true}
	}
	return UpsertResult{Previous: &prev}
}

// Write stores pos for id, discarding the previous value
func (s *Store) Write(id string, pos types.Position) {
	s.Upsert(id, pos)
}

// Get returns the position stored for id
func (s *Store) Get(id string) (types.Position, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	pos, ok := sh.positions[id]
	return pos, ok
}

// Snapshot copies every entry. All shards are held together while copying,
// so the result reflects a single point in time.
func (s *Store) Snapshot() map[string]types.Position {
	for _, sh := range s.shards {
		sh.mu.RLock()
	}
	defer func() {
		for _, sh := range s.shards {
			sh.mu.RUnlock()
		}
	}()

	total := 0
	for _, sh := range s.shards {
		total += len(sh.positions)
	}
	out := make(map[string]types.Position, total)
	for _, sh := range s.shards {
		for id, pos := range sh.positions {
			out[id] = pos
		}
	}
	return out
}

// Len returns the number of known entities
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.positions)
		sh.mu.RUnlock()
	}
	return n
}
