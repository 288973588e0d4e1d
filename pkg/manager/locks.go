package manager

import "sync"

// keyedMutex serializes operations per VM record id. Entries are created on
// demand and dropped once nobody holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint64]*refMutex)}
}

// Lock blocks until id is free and returns the matching unlock function
func (k *keyedMutex) Lock(id uint64) func() {
	k.mu.Lock()
	m := k.locks[id]
	if m == nil {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() { k.release(id, m) }
}

// TryLock locks id only if it is free
func (k *keyedMutex) TryLock(id uint64) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	m := k.locks[id]
	if m == nil {
		m = &refMutex{}
		k.locks[id] = m
	}
	if !m.TryLock() {
		return nil, false
	}
	m.refs++
	return func() { k.release(id, m) }, true
}

func (k *keyedMutex) release(id uint64, m *refMutex) {
	m.Unlock()
	k.mu.Lock()
	m.refs--
	if m.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()
}

// held returns the number of ids with a holder or waiter
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
