package lifecycle

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// keyedMutex hands out one mutex per market id. Entries are reference
// counted and dropped when the last holder or waiter leaves, so unrelated
// markets never share a lock and the map does not grow without bound.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[common.Hash]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[common.Hash]*slot)}
}

// Lock blocks until the lock for id is held or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, id common.Hash) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[id] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(id, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.release(id, s)
		})
	}, nil
}

func (k *keyedMutex) release(id common.Hash, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, id)
	}
}
