package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/evanphx/arctan/pkg/waiter"
)

var (
	ErrWouldBlock = errors.New("futex value changed")
	ErrTimedOut   = errors.New("futex wait timed out")
)

const futexWoken waiter.EventType = 1

type futexKey struct {
	space *AddressSpace
	addr  uint64
}

// FutexTable holds the wait queues of every futex word that has waiters.
type FutexTable struct {
	mu     sync.Mutex
	queues map[futexKey]*waiter.Waiter
}

func NewFutexTable() *FutexTable {
	return &FutexTable{
		queues: make(map[futexKey]*waiter.Waiter),
	}
}

// Wait blocks while the 32-bit word at addr holds expected, until a Wake on
// the same word, ctx is done or timeout passes. A zero timeout waits
// forever.
func (ft *FutexTable) Wait(ctx context.Context, space *AddressSpace, addr uint64, expected uint32, timeout time.Duration) error {
	key := futexKey{space, addr}

	ft.mu.Lock()

	var cur uint32

	err := space.CopyIn(addr, &cur)
	if err != nil {
		ft.mu.Unlock()
		return err
	}

	if cur != expected {
		ft.mu.Unlock()
		return errors.Wrapf(ErrWouldBlock, "addr %#x holds %d", addr, cur)
	}

	q, ok := ft.queues[key]
	if !ok {
		q = &waiter.Waiter{}
		ft.queues[key] = q
	}

	c := make(chan struct{}, 1)
	ev := q.RegisterChannel(futexWoken, c)

	ft.mu.Unlock()

	defer ft.unregister(key, q, ev)

	var expire <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expire = timer.C
	}

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expire:
		return ErrTimedOut
	}
}

func (ft *FutexTable) unregister(key futexKey, q *waiter.Waiter, ev *waiter.Event) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	q.Unregister(ev)

	if q.Len() == 0 && ft.queues[key] == q {
		delete(ft.queues, key)
	}
}

// Wake wakes up to n waiters on addr, all of them when n is negative, and
// returns how many were woken.
func (ft *FutexTable) Wake(space *AddressSpace, addr uint64, n int) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	q, ok := ft.queues[futexKey{space, addr}]
	if !ok {
		return 0
	}

	return q.Wake(futexWoken, n)
}

// Waiters reports how many waiters are queued on addr.
func (ft *FutexTable) Waiters(space *AddressSpace, addr uint64) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	q, ok := ft.queues[futexKey{space, addr}]
	if !ok {
		return 0
	}

	return q.Len()
}
