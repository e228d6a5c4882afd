package waiter

import (
	"sync"

	"github.com/evanphx/arctan/log"
)

type EventType uint64

type Waiter struct {
	mu sync.RWMutex

	waiters []*Event
}

type Event struct {
	Mask     EventType
	Context  interface{}
	Callback func(e *Event)
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.waiters = append(w.waiters, e)
}

func triggerChan(e *Event) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, cur := range w.waiters {
		if cur == e {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return
		}
	}
}

func (w *Waiter) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.waiters)
}

// Notify fires every event whose mask matches.
func (w *Waiter) Notify(mask EventType) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	log.L.Trace("waiters-notify", "count", len(w.waiters))

	for _, e := range w.waiters {
		log.L.Trace("waiters-walk", "event-mask", e.Mask, "notify-mask", mask, "match", mask&e.Mask)
		if mask&e.Mask != 0 {
			e.Callback(e)
		}
	}
}

// Wake fires at most n matching events, oldest first, and unregisters
// them. A negative n wakes all of them. It returns how many fired.
func (w *Waiter) Wake(mask EventType, n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		fired int
		kept  = w.waiters[:0]
	)

	for _, e := range w.waiters {
		if mask&e.Mask != 0 && (n < 0 || fired < n) {
			e.Callback(e)
			fired++
			continue
		}

		kept = append(kept, e)
	}

	for i := len(kept); i < len(w.waiters); i++ {
		w.waiters[i] = nil
	}

	w.waiters = kept

	log.L.Trace("waiters-wake", "fired", fired, "remaining", len(w.waiters))

	return fired
}
