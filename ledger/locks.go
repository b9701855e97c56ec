package ledger

import "sync"

// keyLocks serializes work per stock line. Mutexes are reference counted
// and dropped once nobody holds or waits on them. LockAll excludes every
// key at once.
type keyLocks struct {
	all   sync.RWMutex
	mu    sync.Mutex
	locks map[StockKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[StockKey]*keyLock)}
}

// Lock blocks until the key is free and returns its unlock function.
func (l *keyLocks) Lock(key StockKey) func() {
	l.all.RLock()
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
		l.all.RUnlock()
	}
}

// LockAll waits for every key holder to finish and blocks new ones.
func (l *keyLocks) LockAll() func() {
	l.all.Lock()
	return l.all.Unlock
}

func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
