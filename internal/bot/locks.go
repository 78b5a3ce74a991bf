package bot

import "sync"

// LockSet serializes entry attempts per symbol. TryAcquire is a test-and-set:
// a second caller for the same symbol is refused until Release, so concurrent
// evaluation can never double-enter one market.
type LockSet struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLockSet creates an empty lock set.
func NewLockSet() *LockSet {
	return &LockSet{held: make(map[string]bool)}
}

// TryAcquire takes the lock for symbol, reporting false when already held.
func (l *LockSet) TryAcquire(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[symbol] {
		return false
	}
	l.held[symbol] = true
	return true
}

// Release frees the lock for symbol. Releasing an unheld lock is a no-op.
func (l *LockSet) Release(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, symbol)
}

// Held reports whether the symbol is currently locked.
func (l *LockSet) Held(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[symbol]
}
