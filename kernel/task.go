package kernel

import (
	"context"
	"sync"
)

type prockey struct{}

func GetTask(ctx context.Context) (*Task, bool) {
	if v := ctx.Value(prockey{}); v != nil {
		return v.(*Task), true
	}

	return nil, false
}

func SetTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, prockey{}, t)
}

// Task is the per-core descriptor of what a core is currently running.
type Task struct {
	*Process

	Core   int
	Thread *Thread

	mu            sync.Mutex
	interruptFunc func()
	interrupted   bool
}

func NewTask(core int, t *Thread) *Task {
	return &Task{
		Process: t.Process,
		Core:    core,
		Thread:  t,
	}
}

func (t *Task) SetInterrupt(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.interruptFunc = f
}

// Interrupt cancels the blocking call the task is in, if any.
func (t *Task) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.interrupted = true

	if t.interruptFunc != nil {
		t.interruptFunc()
	}
}

// CheckInterrupt reports and clears a pending interrupt.
func (t *Task) CheckInterrupt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := t.interrupted
	t.interrupted = false
	t.interruptFunc = nil

	return was
}
