// Package cmap contains a thread-safe concurrent awaitable map.
// It is optimised for large maps (e.g. tens of thousands of entries) in highly
// contended environments; for smaller maps another implementation may do better.
//
// Only slightly ad-hoc testing has shown it to outperform sync.Map for our uses
// due to less contention. It is also specifically useful in cases where a caller
// wants to be able to await items entering the map (and not having to poll it to
// find out when another goroutine may insert them).
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable default shard count for large maps.
const DefaultShardCount = 1 << 8

// A Map is the top-level map type. All functions on it are threadsafe.
// It should be constructed via New() rather than creating an instance directly.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint64
	mask   uint64
}

// New creates a new Map using the given hasher to hash items in it.
// The shard count must be a power of 2; it will panic if not.
// Higher shard counts will improve concurrency but consume more memory.
// The DefaultShardCount of 256 is reasonable for a large map.
func New[K comparable, V any](shardCount uint64, hasher func(K) uint64) *Map[K, V] {
	mask := shardCount - 1
	if (shardCount & mask) != 0 {
		panic(fmt.Sprintf("Shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   mask,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]awaitableValue[V]{}
	}
	return m
}

func (m *Map[K, V]) shard(key K) *shard[K, V] {
	return &m.shards[m.hasher(key)&m.mask]
}

// Add inserts val for key if it isn't already present (including if something
// is currently waiting on it, in which case it is delivered to the waiter).
// It returns true if the item was inserted, false if it already existed.
func (m *Map[K, V]) Add(key K, val V) bool {
	return m.shard(key).add(key, val)
}

// Set is the equivalent of `map[key] = val`. It always overwrites any value
// that existed before, and wakes up anything waiting on the key.
func (m *Map[K, V]) Set(key K, val V) bool {
	return m.shard(key).set(key, val)
}

// Get returns the value for key, or its zero value if it isn't present (or
// is still only being waited on).
func (m *Map[K, V]) Get(key K) V {
	return m.shard(key).get(key)
}

// GetOrWait returns the current value for key if one has been set. Otherwise
// it returns a channel that will be closed once a value is set, and whether
// this call is the first to wait on that key.
func (m *Map[K, V]) GetOrWait(key K) (val V, wait <-chan struct{}, first bool) {
	return m.shard(key).getOrWait(key)
}

// AddOrGet either adds a new item, generated by f, if the key doesn't exist,
// or returns the existing one. It returns true if the item was inserted,
// false if it already existed.
func (m *Map[K, V]) AddOrGet(key K, f func() V) (val V, inserted bool) {
	v, wait, first := m.GetOrWait(key)
	if !first && wait == nil {
		return v, false
	}
	if !first {
		<-wait
		v, _, _ = m.GetOrWait(key)
		return v, false
	}
	val = f()
	m.Set(key, val)
	return val, true
}

// Values returns a slice of all the current values in the map.
// No particular consistency guarantees are made.
func (m *Map[K, V]) Values() []V {
	ret := []V{}
	for i := range m.shards {
		ret = append(ret, m.shards[i].values()...)
	}
	return ret
}

// Range calls f for each key-value pair currently in the map.
// No particular consistency guarantees are made during iteration.
func (m *Map[K, V]) Range(f func(key K, val V)) {
	for i := range m.shards {
		m.shards[i].rangeFn(f)
	}
}

// An awaitableValue represents a value in the map & an awaitable channel for it to exist.
type awaitableValue[V any] struct {
	Val  V
	Wait chan struct{}
}

// A shard is one of the individual shards of a map.
type shard[K comparable, V any] struct {
	m map[K]awaitableValue[V]
	l sync.Mutex
}

func (s *shard[K, V]) add(key K, val V) bool {
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present {
		if existing.Wait == nil {
			return false // already added
		}
		// Hasn't been set yet, but something is waiting for it to be.
		s.m[key] = awaitableValue[V]{Val: val}
		close(existing.Wait)
		return true
	}
	s.m[key] = awaitableValue[V]{Val: val}
	return true
}

func (s *shard[K, V]) set(key K, val V) bool {
	s.l.Lock()
	defer s.l.Unlock()
	existing, present := s.m[key]
	s.m[key] = awaitableValue[V]{Val: val}
	if present && existing.Wait != nil {
		close(existing.Wait)
	}
	return !present
}

func (s *shard[K, V]) get(key K) (val V) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok && v.Wait == nil {
		return v.Val
	}
	return val
}

func (s *shard[K, V]) getOrWait(key K) (val V, wait <-chan struct{}, first bool) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		if v.Wait == nil {
			return v.Val, nil, false
		}
		return val, v.Wait, false
	}
	ch := make(chan struct{})
	s.m[key] = awaitableValue[V]{Wait: ch}
	return val, ch, true
}

func (s *shard[K, V]) values() []V {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]V, 0, len(s.m))
	for _, v := range s.m {
		if v.Wait == nil {
			ret = append(ret, v.Val)
		}
	}
	return ret
}

func (s *shard[K, V]) rangeFn(f func(key K, val V)) {
	s.l.Lock()
	entries := make(map[K]V, len(s.m))
	for k, v := range s.m {
		if v.Wait == nil {
			entries[k] = v.Val
		}
	}
	s.l.Unlock()
	for k, v := range entries {
		f(k, v)
	}
}
