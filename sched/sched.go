// Package sched runs READY threads on a fixed set of simulated cores.
//
// Each core loops over the queued processes round robin, claims a thread
// with Process.ClaimThread and hands it to a Runner with the per-core
// kernel.Task installed in the context.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/arctan/kernel"
	"github.com/evanphx/arctan/log"
)

var ErrNoCores = errors.New("scheduler needs at least one core")

// Runner executes a claimed thread until it gives up the core. When Run
// returns with the thread still RUNNING the scheduler yields it.
type Runner interface {
	Run(ctx context.Context, task *kernel.Task) error
}

type RunnerFunc func(ctx context.Context, task *kernel.Task) error

func (f RunnerFunc) Run(ctx context.Context, task *kernel.Task) error {
	return f(ctx, task)
}

const idlePoll = 10 * time.Millisecond

type Scheduler struct {
	L hclog.Logger

	k      *kernel.Kernel
	runner Runner

	mu    sync.Mutex
	queue []*kernel.Process
	next  int

	wake chan struct{}

	current []atomic.Pointer[kernel.Task]
}

// New creates a scheduler for cores cores and installs it into k.
func New(k *kernel.Kernel, cores int, runner Runner) (*Scheduler, error) {
	if cores < 1 {
		return nil, ErrNoCores
	}

	s := &Scheduler{
		L:       log.L.Named("sched"),
		k:       k,
		runner:  runner,
		wake:    make(chan struct{}, 1),
		current: make([]atomic.Pointer[kernel.Task], cores),
	}

	k.SetScheduler(s)

	return s, nil
}

func (s *Scheduler) Cores() int {
	return len(s.current)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue makes p's threads eligible to run. Enqueuing twice is a no-op.
func (s *Scheduler) Enqueue(p *kernel.Process) {
	s.mu.Lock()

	for _, q := range s.queue {
		if q == p {
			s.mu.Unlock()
			return
		}
	}

	s.queue = append(s.queue, p)
	s.mu.Unlock()

	s.L.Debug("enqueue", "pid", p.Pid, "threads", p.ThreadCount())

	s.kick()
}

// Dequeue removes p from the run queue.
func (s *Scheduler) Dequeue(p *kernel.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, q := range s.queue {
		if q != p {
			continue
		}

		s.queue = append(s.queue[:i], s.queue[i+1:]...)

		if s.next > i {
			s.next--
		}

		s.L.Debug("dequeue", "pid", p.Pid)

		return
	}
}

// DequeueThread forgets t on whichever core is running it.
func (s *Scheduler) DequeueThread(t *kernel.Thread) {
	for i := range s.current {
		task := s.current[i].Load()
		if task != nil && task.Thread == t {
			s.current[i].CompareAndSwap(task, nil)
			s.L.Trace("dequeue-thread", "core", i, "tid", t.Tid)
		}
	}
}

func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// Current returns the task running on core, if any.
func (s *Scheduler) Current(core int) (*kernel.Task, bool) {
	if core < 0 || core >= len(s.current) {
		return nil, false
	}

	t := s.current[core].Load()

	return t, t != nil
}

// Pick claims the next READY thread, starting after the process that was
// picked last.
func (s *Scheduler) Pick() (*kernel.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.queue)

	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		p := s.queue[idx]

		if t := p.ClaimThread(); t != nil {
			s.next = (idx + 1) % n
			return t, true
		}
	}

	return nil, false
}

// RunCore drives one core until ctx is done or the runner fails.
func (s *Scheduler) RunCore(ctx context.Context, core int) error {
	L := s.L.With("core", core)

	for {
		if ctx.Err() != nil {
			return nil
		}

		t, ok := s.Pick()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			case <-time.After(idlePoll):
			}

			continue
		}

		err := s.dispatch(ctx, L, core, t)
		if err != nil {
			return err
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, L hclog.Logger, core int, t *kernel.Thread) error {
	task := kernel.NewTask(core, t)
	s.current[core].Store(task)

	defer s.current[core].CompareAndSwap(task, nil)

	L.Trace("dispatch", "pid", t.Process.Pid, "tid", t.Tid)

	err := s.runner.Run(kernel.SetTask(ctx, task), task)

	// The runner did not block or exit the thread, so it goes back to
	// the end of the line.
	if t.Yield() {
		s.kick()
	}

	if err != nil {
		L.Error("thread failed", "pid", t.Process.Pid, "tid", t.Tid, "error", err)
		return errors.Wrapf(err, "running tid %d on core %d", t.Tid, core)
	}

	return nil
}

// Run starts every core and waits for them. The first runner error stops
// the remaining cores and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)

	for i := range s.current {
		wg.Add(1)

		go func(core int) {
			defer wg.Done()

			err := s.RunCore(ctx, core)
			if err != nil {
				once.Do(func() {
					first = err
					cancel()
				})
			}
		}(i)
	}

	wg.Wait()

	return first
}

// RunUntilIdle runs until the kernel has no processes left.
func (s *Scheduler) RunUntilIdle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if s.k.Processes().WaitAll(ctx) == nil {
			cancel()
		}
	}()

	return s.Run(ctx)
}
