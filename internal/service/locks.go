package service

import "sync"

// keyedMutex serializes work per transaction id. Entries are reference
// counted so the map does not grow with every transaction ever settled.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockRef
}

type lockRef struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockRef)}
}

// lock acquires the mutex for id and returns its release func.
func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	ref, ok := k.locks[id]
	if !ok {
		ref = &lockRef{}
		k.locks[id] = ref
	}
	ref.refs++
	k.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		k.mu.Lock()
		ref.refs--
		if ref.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
