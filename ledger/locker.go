package ledger

import (
	"context"
	"sort"
	"sync"
)

// Locker serializes balance read-modify-write per account. Implementations
// must acquire in ascending id order so two transfers over the same pair of
// accounts can never deadlock.
type Locker interface {
	LockAccounts(ctx context.Context, ids ...AccountID) (release func(), err error)
}

// SortAccountIDs returns the ids ascending with duplicates removed.
func SortAccountIDs(ids []AccountID) []AccountID {
	out := make([]AccountID, 0, len(ids))
	seen := make(map[AccountID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KeyedMutex is the in-process Locker: one mutex per account, created on
// demand and dropped once nobody holds or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[AccountID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[AccountID]*refMutex)}
}

func (k *KeyedMutex) LockAccounts(ctx context.Context, ids ...AccountID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ordered := SortAccountIDs(ids)
	held := make([]*refMutex, 0, len(ordered))
	for _, id := range ordered {
		m := k.acquire(id)
		m.Lock()
		held = append(held, m)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Unlock()
				k.release(ordered[i])
			}
		})
	}, nil
}

func (k *KeyedMutex) acquire(id AccountID) *refMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	return m
}

func (k *KeyedMutex) release(id AccountID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m := k.locks[id]
	m.refs--
	if m.refs == 0 {
		delete(k.locks, id)
	}
}
