package kernel

import (
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/arctan/arch"
	"github.com/evanphx/arctan/memory"
)

type ThreadState int32

const (
	Ready ThreadState = iota
	Running
	Suspended
	Exited
)

func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// stackPad keeps the initial stack pointer below the top of the stack.
const stackPad = 16

type Thread struct {
	Tid     int
	Process *Process
	Context arch.Context

	PStack    uint64
	VStack    uint64
	StackSize uint64

	state      int32
	associated int32
	priority   int32
	deleted    bool

	// Held while the thread is torn down.
	lock sync.Mutex
}

func (t *Thread) State() ThreadState {
	return ThreadState(atomic.LoadInt32(&t.state))
}

func (t *Thread) transition(from, to ThreadState) bool {
	return atomic.CompareAndSwapInt32(&t.state, int32(from), int32(to))
}

// Claim moves a READY thread to RUNNING. Only one caller can win.
func (t *Thread) Claim() bool {
	return t.transition(Ready, Running)
}

// Suspend parks a RUNNING thread for a blocking call.
func (t *Thread) Suspend() bool {
	return t.transition(Running, Suspended)
}

// Resume continues a suspended thread on the core that suspended it.
func (t *Thread) Resume() bool {
	return t.transition(Suspended, Running)
}

// Wake makes a suspended thread claimable again.
func (t *Thread) Wake() bool {
	return t.transition(Suspended, Ready)
}

// Yield gives a RUNNING thread back to the scheduler.
func (t *Thread) Yield() bool {
	return t.transition(Running, Ready)
}

func (t *Thread) Exit() bool {
	return t.transition(Running, Exited)
}

// retire moves a thread that is not running to EXITED, returning the state
// it had.
func (t *Thread) retire() (ThreadState, bool) {
	for {
		s := t.State()

		switch s {
		case Running:
			return s, false
		case Exited:
			return s, true
		}

		if t.transition(s, Exited) {
			return s, true
		}
	}
}

func (t *Thread) restore(s ThreadState) {
	t.transition(Exited, s)
}

type retirement struct {
	thread *Thread
	state  ThreadState
}

func (t *Thread) Lock() {
	t.lock.Lock()
}

func (t *Thread) Unlock() {
	t.lock.Unlock()
}

// Priority returns the thread's override, or the process priority when it
// has none.
func (t *Thread) Priority() int {
	if p := atomic.LoadInt32(&t.priority); p != 0 {
		return int(p)
	}

	return t.Process.Priority()
}

func (t *Thread) SetPriority(prio int) {
	atomic.StoreInt32(&t.priority, int32(prio))
}

func (t *Thread) SetTCB(ptr uint64) {
	t.Context.SetTLS(ptr)
}

func (t *Thread) TCB() uint64 {
	return t.Context.TLS()
}

func (t *Thread) StackTop() uint64 {
	return t.VStack + t.StackSize
}

// CreateThread creates a READY thread in p that starts at entry on a new
// stack of stackSize bytes. On failure everything acquired is released.
func (k *Kernel) CreateThread(p *Process, entry, stackSize uint64) (*Thread, error) {
	if p == nil || entry == 0 || stackSize == 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "process=%v entry=%#x stack=%#x", p != nil, entry, stackSize)
	}

	size := memory.PageRound(stackSize)

	t := &Thread{
		Process:   p,
		StackSize: size,
	}

	ctx, err := k.newContext(k.cfg.Features)
	if err != nil {
		return nil, errors.Wrapf(err, "initializing context")
	}

	t.Context = ctx

	t.PStack, err = k.phys.Alloc(size)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating physical stack")
	}

	t.VStack, err = p.vm.Alloc(size)
	if err != nil {
		k.phys.Free(t.PStack)
		return nil, errors.Wrapf(err, "allocating virtual stack")
	}

	flags := memory.FlagWrite | memory.FlagNoExec
	if p.userspace {
		flags |= memory.FlagUser
	}

	err = p.Space.MapOwned(t.VStack, t.PStack, size, flags)
	if err != nil {
		p.vm.Free(t.VStack)
		k.phys.Free(t.PStack)
		return nil, errors.Wrapf(err, "mapping stack")
	}

	ring := p.Space.ring()

	ctx.SetEntry(entry)
	ctx.SetStack(t.StackTop() - stackPad)
	ctx.SetPrivilege(ring)
	ctx.SnapshotControl(k.cfg.Features, uint64(p.Space.Resolve(ring)))

	err = k.adoptThread(p, t)
	if err != nil {
		k.releaseStack(t)
		return nil, err
	}

	k.L.Debug("thread-create", "pid", p.Pid, "tid", t.Tid,
		"entry", hclog.Fmt("%#x", entry), "stack", hclog.Fmt("%#x", t.VStack))

	return t, nil
}

// adoptThread gives t an id and links it into p.
func (k *Kernel) adoptThread(p *Process, t *Thread) error {
	t.Tid = k.allocTid()
	atomic.StoreInt32(&t.state, int32(Ready))

	k.registerThread(t)

	err := p.AssociateThread(t)
	if err != nil {
		k.unregisterThread(t)
		return err
	}

	return nil
}

func (k *Kernel) releaseStack(t *Thread) {
	p := t.Process

	if err := p.Space.Release(t.VStack, t.StackSize); err != nil {
		Halt(errors.Wrapf(err, "releasing stack of tid %d", t.Tid))
	}

	if _, err := p.vm.Free(t.VStack); err != nil {
		k.L.Error("error freeing virtual stack", "tid", t.Tid, "error", err)
	}
}

// DeleteThread forgets t. It waits for any teardown already in progress
// and refuses a RUNNING thread. The stack is left alone.
func (k *Kernel) DeleteThread(t *Thread) error {
	if t == nil {
		return errors.Wrap(ErrInvalidArgument, "nil thread")
	}

	t.Lock()
	defer t.Unlock()

	if t.deleted {
		return errors.Wrapf(ErrUnknownThread, "tid %d already deleted", t.Tid)
	}

	if t.State() == Running {
		return errors.Wrapf(ErrThreadRunning, "tid %d", t.Tid)
	}

	k.unregisterThread(t)
	t.deleted = true

	return nil
}

// ReleaseThread removes t from its process, frees its stack and deletes
// it. Releasing a thread that already left its process does nothing, so
// DeleteProcess and ExitThread can both reach the same thread.
func (k *Kernel) ReleaseThread(t *Thread) error {
	if t == nil {
		return errors.Wrap(ErrInvalidArgument, "nil thread")
	}

	t.Lock()
	defer t.Unlock()

	if atomic.LoadInt32(&t.associated) == 0 {
		return nil
	}

	if t.State() == Running {
		return errors.Wrapf(ErrThreadRunning, "tid %d", t.Tid)
	}

	err := t.Process.DisassociateThread(t)
	if err != nil {
		return err
	}

	k.releaseStack(t)

	if !t.deleted {
		k.unregisterThread(t)
		t.deleted = true
	}

	return nil
}

// ExitThread finishes a thread that left RUNNING through Exit. The last
// thread out tears the process down.
func (k *Kernel) ExitThread(t *Thread) error {
	if t.State() != Exited {
		return errors.Wrapf(ErrInvalidArgument, "tid %d is %s", t.Tid, t.State())
	}

	if k.sched != nil {
		k.sched.DequeueThread(t)
	}

	p := t.Process

	err := k.ReleaseThread(t)
	if err != nil {
		return err
	}

	k.L.Debug("thread-exit", "pid", p.Pid, "tid", t.Tid, "remaining", p.ThreadCount())

	if p.ThreadCount() > 0 {
		return nil
	}

	err = k.DeleteProcess(p)

	// Another exit or an explicit delete got there first.
	if errors.Cause(err) == ErrProcessExiting {
		return nil
	}

	return err
}
