package escrow

import "sync"

// AccountGuard serializes mutating operations per contract. Lock granularity
// is one escrow account; operations on different contracts proceed fully in
// parallel. Entries are reference counted so the map does not grow without
// bound across many contracts.
type AccountGuard struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

// NewAccountGuard constructs an empty guard.
func NewAccountGuard() *AccountGuard {
	return &AccountGuard{locks: make(map[string]*accountLock)}
}

// Do runs fn while holding the exclusive lock for contractID. The lock is
// released unconditionally, whether fn returns an error or panics.
func (g *AccountGuard) Do(contractID string, fn func() error) error {
	entry := g.acquire(contractID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		g.release(contractID, entry)
	}()
	return fn()
}

func (g *AccountGuard) acquire(contractID string) *accountLock {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.locks[contractID]
	if !ok {
		entry = &accountLock{}
		g.locks[contractID] = entry
	}
	entry.refs++
	return entry
}

func (g *AccountGuard) release(contractID string, entry *accountLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 {
		delete(g.locks, contractID)
	}
}
