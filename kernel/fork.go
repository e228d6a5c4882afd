package kernel

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/evanphx/arctan/memory"
)

// ForkPolicy decides how a child process is derived from its parent.
type ForkPolicy interface {
	Fork(k *Kernel, parent *Process, caller *Thread) (*Process, error)
}

// Fork creates a child of parent using the kernel's fork policy. caller is
// the thread that asked for the fork.
func (k *Kernel) Fork(parent *Process, caller *Thread) (*Process, error) {
	if parent == nil || caller == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "fork needs a parent and a calling thread")
	}

	if caller.Process != parent {
		return nil, errors.Wrapf(ErrUnknownThread, "tid %d is not in pid %d", caller.Tid, parent.Pid)
	}

	child, err := k.fork.Fork(k, parent, caller)
	if err != nil {
		return nil, err
	}

	k.L.Debug("process-fork", "parent", parent.Pid, "child", child.Pid, "tid", caller.Tid)

	return child, nil
}

// EagerCopy copies every page the parent owns into the child up front.
// Open files are shared and only the calling thread is duplicated.
type EagerCopy struct{}

func (EagerCopy) Fork(k *Kernel, parent *Process, caller *Thread) (*Process, error) {
	if !parent.userspace {
		return nil, errors.Wrap(ErrNotSupported, "forking a kernel-only process")
	}

	child, err := k.CreateProcess(true, memory.NoRoot)
	if err != nil {
		return nil, err
	}

	child.vm = parent.vm.Fork()
	child.Entry = parent.Entry
	child.SetPriority(parent.Priority())

	// The fresh file table is empty; swap it for a shared copy.
	child.files = parent.files.Fork()

	t := &Thread{
		Process:   child,
		Context:   caller.Context.Clone(),
		VStack:    caller.VStack,
		StackSize: caller.StackSize,
	}

	// The stack stays one physical allocation, like CreateThread's.
	t.PStack, err = copyRange(parent.Space, child.Space, t.VStack, t.StackSize)
	if err != nil {
		k.DeleteProcess(child)
		return nil, err
	}

	err = copyPages(parent.Space, child.Space, t.VStack, t.StackSize)
	if err != nil {
		k.DeleteProcess(child)
		return nil, err
	}

	t.Context.SnapshotControl(k.cfg.Features, uint64(child.Space.Resolve(child.Space.ring())))
	t.SetPriority(int(atomic.LoadInt32(&caller.priority)))

	err = k.adoptThread(child, t)
	if err != nil {
		k.DeleteProcess(child)
		return nil, err
	}

	return child, nil
}

// copyRange copies [virt, virt+size) from src into a single new
// allocation in dst and returns its physical address.
func copyRange(src, dst *AddressSpace, virt, size uint64) (uint64, error) {
	_, flags, ok := src.Translate(virt)
	if !ok {
		return 0, errors.Wrapf(ErrMappingInconsistency, "range %#x not mapped", virt)
	}

	to, err := dst.Allocate(virt, size, flags)
	if err != nil {
		return 0, err
	}

	dbuf, err := dst.phys.Project(to, size)
	if err != nil {
		return 0, err
	}

	for off := uint64(0); off < size; off += memory.PageSize {
		from, _, ok := src.Translate(virt + off)
		if !ok {
			return 0, errors.Wrapf(ErrMappingInconsistency, "page %#x not mapped", virt+off)
		}

		sbuf, err := src.phys.Project(from, memory.PageSize)
		if err != nil {
			return 0, err
		}

		copy(dbuf[off:off+memory.PageSize], sbuf)
	}

	return to, nil
}

// copyPages gives dst a private copy of every page src owns outside
// [skip, skip+skipSize).
func copyPages(src, dst *AddressSpace, skip, skipSize uint64) error {
	for _, virt := range src.OwnedPages() {
		if virt >= skip && virt < skip+skipSize {
			continue
		}

		from, flags, ok := src.Translate(virt)
		if !ok {
			return errors.Wrapf(ErrMappingInconsistency, "owned page %#x not mapped", virt)
		}

		to, err := dst.Allocate(virt, memory.PageSize, flags)
		if err != nil {
			return err
		}

		sbuf, err := src.phys.Project(from, memory.PageSize)
		if err != nil {
			return err
		}

		dbuf, err := dst.phys.Project(to, memory.PageSize)
		if err != nil {
			return err
		}

		copy(dbuf, sbuf)
	}

	return nil
}
