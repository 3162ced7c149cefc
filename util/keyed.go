package util

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedLocker hands out a mutex per string key. Entries are dropped once
// the last holder unlocks, so the map does not grow with key cardinality.
type KeyedLocker struct {
	lk      sync.Mutex
	entries map[string]*keyedEntry
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{
		entries: make(map[string]*keyedEntry),
	}
}

// Lock blocks until the mutex for key is held. The returned function
// releases it.
func (l *KeyedLocker) Lock(key string) func() {
	l.lk.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyedEntry{}
		l.entries[key] = e
	}
	e.refs++
	l.lk.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.lk.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
		l.lk.Unlock()
	}
}
