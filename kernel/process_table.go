package kernel

import (
	"context"
	"sort"
	"sync"

	"github.com/evanphx/arctan/log"
	"github.com/evanphx/arctan/pkg/waiter"
)

const (
	_ waiter.EventType = iota
	ProcessExitted
)

// ProcessTable tracks live processes and lets callers wait for them to
// go away.
type ProcessTable struct {
	mu sync.RWMutex

	processes map[int]*Process

	events waiter.Waiter
}

func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		processes: make(map[int]*Process),
	}
}

func (pt *ProcessTable) Add(p *Process) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.processes[p.Pid] = p
}

func (pt *ProcessTable) Remove(p *Process) {
	pt.mu.Lock()
	delete(pt.processes, p.Pid)
	pt.mu.Unlock()

	log.L.Trace("process-exitted", "pid", p.Pid)
	pt.events.Notify(ProcessExitted)
}

func (pt *ProcessTable) Lookup(pid int) (*Process, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p, ok := pt.processes[pid]
	return p, ok
}

func (pt *ProcessTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	return len(pt.processes)
}

// List returns the live processes ordered by pid.
func (pt *ProcessTable) List() []*Process {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make([]*Process, 0, len(pt.processes))
	for _, p := range pt.processes {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })

	return out
}

// Wait blocks until pid is no longer in the table.
func (pt *ProcessTable) Wait(ctx context.Context, pid int) error {
	c := make(chan struct{}, 1)
	ev := pt.events.RegisterChannel(ProcessExitted, c)
	defer pt.events.Unregister(ev)

	for {
		if _, ok := pt.Lookup(pid); !ok {
			return nil
		}

		log.L.Trace("process-waiting", "pid", pid)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c:
			// ok, try the loop again
		}
	}
}

// WaitAll blocks until the table is empty.
func (pt *ProcessTable) WaitAll(ctx context.Context) error {
	c := make(chan struct{}, 1)
	ev := pt.events.RegisterChannel(ProcessExitted, c)
	defer pt.events.Unregister(ev)

	for pt.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c:
		}
	}

	return nil
}
