// Package lock provides per-key exclusive locks. Several keys are always
// acquired in ascending order so two callers asking for the same pair in
// opposite order cannot deadlock.
package lock

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Keyed hands out one exclusive lock per key. Entries are reference
// counted and dropped once nobody holds or waits on them.
type Keyed[K cmp.Ordered] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

func NewKeyed[K cmp.Ordered]() *Keyed[K] {
	return &Keyed[K]{entries: make(map[K]*entry)}
}

// Acquire locks every key in ascending order, blocking until all are held
// or ctx is done. On failure nothing stays locked. Duplicate keys are
// locked once.
func (k *Keyed[K]) Acquire(ctx context.Context, keys ...K) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*entry, 0, len(sorted))
	heldKeys := make([]K, 0, len(sorted))
	for _, key := range sorted {
		e := k.ref(key)
		select {
		case e.ch <- struct{}{}:
			held = append(held, e)
			heldKeys = append(heldKeys, key)
		case <-ctx.Done():
			k.unref(key, e)
			k.releaseAll(heldKeys, held)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.releaseAll(heldKeys, held) })
	}, nil
}

// Held reports whether key is currently locked by someone.
func (k *Keyed[K]) Held(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	return ok && len(e.ch) == 1
}

func (k *Keyed[K]) releaseAll(keys []K, held []*entry) {
	for i := len(held) - 1; i >= 0; i-- {
		<-held[i].ch
		k.unref(keys[i], held[i])
	}
}

func (k *Keyed[K]) ref(key K) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed[K]) unref(key K, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
