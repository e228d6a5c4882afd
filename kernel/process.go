package kernel

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/arctan/memory"
)

type threadNode struct {
	thread *Thread
	next   atomic.Pointer[threadNode]
}

type Process struct {
	Kernel *Kernel
	Pid    int

	Space *AddressSpace
	vm    memory.VirtualAllocator

	userspace bool
	priority  int32
	Entry     uint64

	exiting int32

	head  atomic.Pointer[threadNode]
	count int32

	// Serializes removals from the thread list.
	mutMu sync.Mutex

	// Inserts hold it shared; DeleteProcess holds it exclusively while it
	// marks the process exiting and snapshots the threads.
	assocMu sync.RWMutex

	files *FileTable
}

func (p *Process) Userspace() bool {
	return p.userspace
}

func (p *Process) VM() memory.VirtualAllocator {
	return p.vm
}

func (p *Process) Files() *FileTable {
	return p.files
}

func (p *Process) Priority() int {
	return int(atomic.LoadInt32(&p.priority))
}

func (p *Process) SetPriority(prio int) {
	atomic.StoreInt32(&p.priority, int32(prio))
}

func (p *Process) Exiting() bool {
	return atomic.LoadInt32(&p.exiting) == 1
}

// AssociateThread prepends t to the process's thread list.
func (p *Process) AssociateThread(t *Thread) error {
	if t == nil {
		return errors.Wrap(ErrInvalidArgument, "nil thread")
	}

	p.assocMu.RLock()
	defer p.assocMu.RUnlock()

	if p.Exiting() {
		return errors.Wrapf(ErrProcessExiting, "pid %d", p.Pid)
	}

	if !atomic.CompareAndSwapInt32(&t.associated, 0, 1) {
		return errors.Wrapf(ErrThreadAssociated, "tid %d", t.Tid)
	}

	n := &threadNode{thread: t}

	for {
		old := p.head.Load()
		n.next.Store(old)

		if p.head.CompareAndSwap(old, n) {
			break
		}
	}

	atomic.AddInt32(&p.count, 1)

	return nil
}

// DisassociateThread unlinks t from the thread list. Removals are
// serialized; inserts may run concurrently.
func (p *Process) DisassociateThread(t *Thread) error {
	p.mutMu.Lock()
	defer p.mutMu.Unlock()

	for {
		var prev *threadNode

		cur := p.head.Load()
		for cur != nil && cur.thread != t {
			prev = cur
			cur = cur.next.Load()
		}

		if cur == nil {
			return errors.Wrapf(ErrUnknownThread, "pid %d", p.Pid)
		}

		if prev == nil {
			// A concurrent prepend moves the head; scan again.
			if !p.head.CompareAndSwap(cur, cur.next.Load()) {
				continue
			}
		} else {
			prev.next.Store(cur.next.Load())
		}

		break
	}

	atomic.StoreInt32(&t.associated, 0)
	atomic.AddInt32(&p.count, -1)

	return nil
}

// ClaimThread moves the first READY thread in list order to RUNNING and
// returns it. Threads claimed by another core are skipped.
func (p *Process) ClaimThread() *Thread {
	if p.Exiting() {
		return nil
	}

	for n := p.head.Load(); n != nil; n = n.next.Load() {
		if n.thread.Claim() {
			return n.thread
		}
	}

	return nil
}

func (p *Process) Threads() []*Thread {
	var out []*Thread

	for n := p.head.Load(); n != nil; n = n.next.Load() {
		out = append(out, n.thread)
	}

	return out
}

func (p *Process) ThreadCount() int {
	return int(atomic.LoadInt32(&p.count))
}

// newAddressSpace builds the tables for a new process. Kernel-only spaces
// share the kernel root. The caller holds mapMu for reading.
func (k *Kernel) newAddressSpace(userspace bool, existing memory.Root) (*AddressSpace, error) {
	a := &AddressSpace{
		phys:      k.phys,
		pager:     k.pager,
		userspace: userspace,
		ledger:    newLedger(),
	}

	if !userspace {
		a.kernelRoot = k.pager.KernelRoot()
		a.userRoot = a.kernelRoot
		return a, nil
	}

	kroot, err := k.pager.CreateTables()
	if err != nil {
		return nil, errors.Wrapf(err, "creating kernel-facing tables")
	}

	a.kernelRoot = kroot
	a.ownsKernel = true

	if existing != memory.NoRoot {
		a.userRoot = existing
	} else {
		uroot, err := k.pager.CreateTables()
		if err != nil {
			a.Destroy()
			return nil, errors.Wrapf(err, "creating user-facing tables")
		}

		a.userRoot = uroot
		a.ownsUser = true
	}

	for _, root := range []memory.Root{a.kernelRoot, a.userRoot} {
		err = k.pager.Clone(root, k.cfg.KernelBase, k.cfg.KernelBase, k.cfg.KernelSize, 0)
		if err != nil {
			a.Destroy()
			return nil, errors.Wrapf(err, "cloning kernel image")
		}

		err = k.pager.Clone(root, k.cfg.PerCoreBase, k.cfg.PerCoreBase, uint64(k.cfg.Cores)*memory.PageSize, 0)
		if err != nil {
			a.Destroy()
			return nil, errors.Wrapf(err, "cloning per-core areas")
		}
	}

	cb, err := k.phys.Alloc(memory.PageSize)
	if err != nil {
		a.Destroy()
		return nil, errors.Wrapf(err, "allocating control block")
	}

	virt := k.cfg.DirectMapBase + cb

	err = k.pager.Map(a.userRoot, virt, cb, memory.PageSize, memory.FlagWrite|memory.FlagNoExec)
	if err != nil {
		k.phys.Free(cb)
		a.Destroy()
		return nil, errors.Wrapf(err, "mapping control block")
	}

	a.controlBlock = cb
	a.controlVirt = virt

	return a, nil
}

// CreateProcess creates an empty process. A userspace process gets its own
// tables, reusing existing as the user-facing root when it is set.
func (k *Kernel) CreateProcess(userspace bool, existing memory.Root) (*Process, error) {
	k.mapMu.RLock()
	space, err := k.newAddressSpace(userspace, existing)
	k.mapMu.RUnlock()

	if err != nil {
		return nil, err
	}

	vm := k.kernelVM

	if userspace {
		vm, err = k.newAllocator(k.cfg.VMBase, k.cfg.VMSize)
		if err != nil {
			space.Destroy()
			return nil, errors.Wrapf(err, "creating virtual allocator")
		}
	}

	p := &Process{
		Kernel:    k,
		Pid:       k.allocPid(),
		Space:     space,
		vm:        vm,
		userspace: userspace,
		files:     NewFileTable(k.cfg.FileLimit),
	}

	if space.controlBlock != 0 {
		buf, err := k.phys.Project(space.controlBlock, 8)
		if err == nil {
			binary.LittleEndian.PutUint64(buf, uint64(p.Pid))
		}
	}

	k.processes.Add(p)

	k.L.Debug("process-create", "pid", p.Pid, "userspace", userspace,
		"kernel-root", space.kernelRoot, "user-root", space.userRoot)

	return p, nil
}

// DeleteProcess tears p down: every thread is released, every open file
// closed, and the address space destroyed. It fails without side effects
// while any thread is RUNNING.
func (k *Kernel) DeleteProcess(p *Process) error {
	if p == nil {
		return errors.Wrap(ErrInvalidArgument, "nil process")
	}

	p.assocMu.Lock()

	if !atomic.CompareAndSwapInt32(&p.exiting, 0, 1) {
		p.assocMu.Unlock()
		return errors.Wrapf(ErrProcessExiting, "pid %d", p.Pid)
	}

	threads := p.Threads()

	p.assocMu.Unlock()

	var retired []retirement

	for _, t := range threads {
		prev, ok := t.retire()
		if !ok {
			for _, r := range retired {
				r.thread.restore(r.state)
			}

			atomic.StoreInt32(&p.exiting, 0)

			return errors.Wrapf(ErrThreadRunning, "pid %d, tid %d", p.Pid, t.Tid)
		}

		retired = append(retired, retirement{t, prev})
	}

	if k.sched != nil {
		k.sched.Dequeue(p)
	}

	var first error

	for _, t := range threads {
		if err := k.ReleaseThread(t); err != nil {
			k.L.Error("error releasing thread", "pid", p.Pid, "tid", t.Tid, "error", err)

			if first == nil {
				first = err
			}
		}
	}

	p.files.CloseAll()

	err := p.Space.Destroy()
	if err != nil {
		k.L.Error("error destroying address space", "pid", p.Pid, "error", err)

		if first == nil {
			first = err
		}
	}

	k.processes.Remove(p)

	k.L.Debug("process-delete", "pid", p.Pid, "threads", len(threads))

	return first
}

// Region allocation for the memory syscalls.

// MapRegion backs size bytes at hint, or anywhere in the process window
// when hint is unusable, and returns the virtual address.
func (p *Process) MapRegion(hint, size uint64, flags memory.Flags) (uint64, error) {
	if size == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "zero sized region")
	}

	size = memory.PageRound(size)

	phys, err := p.Kernel.phys.Alloc(size)
	if err != nil {
		return 0, err
	}

	if hint != 0 && memory.IsAligned(hint) {
		err = p.placeRegion(hint, phys, size, flags)
		if err == nil {
			return hint, nil
		}

		p.Kernel.L.Trace("region hint unusable", "pid", p.Pid, "hint", hclog.Fmt("%#x", hint), "error", err)
	}

	virt, err := p.vm.Alloc(size)
	if err != nil {
		p.Kernel.phys.Free(phys)
		return 0, err
	}

	err = p.Space.MapOwned(virt, phys, size, flags)
	if err != nil {
		p.vm.Free(virt)
		p.Kernel.phys.Free(phys)
		return 0, err
	}

	return virt, nil
}

func (p *Process) placeRegion(virt, phys, size uint64, flags memory.Flags) error {
	err := p.vm.AllocAt(virt, size)
	if err != nil {
		return err
	}

	err = p.Space.MapOwned(virt, phys, size, flags)
	if err != nil {
		p.vm.Free(virt)
		return err
	}

	return nil
}

// UnmapRegion releases a region returned by MapRegion. When size does not
// match the allocation only the requested pages are unmapped and the
// virtual range stays allocated.
func (p *Process) UnmapRegion(virt, size uint64) error {
	full := p.vm.QueryLength(virt)
	if full == 0 {
		return errors.Wrapf(memory.ErrNotMapped, "no region at %#x", virt)
	}

	size = memory.PageRound(size)

	if size != full {
		if size > full {
			size = full
		}

		return p.Space.Release(virt, size)
	}

	err := p.Space.Release(virt, full)
	if err != nil {
		return err
	}

	_, err = p.vm.Free(virt)
	return err
}
