package ledger

import (
	"sync"

	"github.com/google/uuid"
)

// loanLocks hands out one mutex per loan and forgets it once nobody holds it.
type loanLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*loanLock
}

type loanLock struct {
	sync.Mutex
	refs int
}

func newLoanLocks() *loanLocks {
	return &loanLocks{locks: make(map[uuid.UUID]*loanLock)}
}

// lock blocks until the loan is free and returns the matching unlock.
func (l *loanLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &loanLock{}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.Lock()
	return func() {
		lk.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
