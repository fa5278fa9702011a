package ledger

import "sync"

// =============================================================================
// KEY LOCK - Serializes balance-affecting work per (user, leave type)
// =============================================================================

// KeyLock provides an exclusive lock scoped to one balance key. The
// read-balance-then-append-consumption sequence must hold the key's lock so
// concurrent approvals cannot both pass the balance check. Different keys
// proceed fully in parallel; there is no global lock.
type KeyLock struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[Key]*sync.Mutex)}
}

// Lock acquires the key's lock and returns the unlock function.
//
//	unlock := locks.Lock(userID, leaveType)
//	defer unlock()
func (kl *KeyLock) Lock(userID UserID, leaveType LeaveType) func() {
	key := Key{UserID: userID, LeaveType: leaveType}

	kl.mu.Lock()
	m, ok := kl.locks[key]
	if !ok {
		m = &sync.Mutex{}
		kl.locks[key] = m
	}
	kl.mu.Unlock()

	m.Lock()
	return m.Unlock
}
