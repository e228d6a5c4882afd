package kernel

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/arctan/arch"
	"github.com/evanphx/arctan/memory"
)

type refusingFork struct{}

func (refusingFork) Fork(k *Kernel, parent *Process, caller *Thread) (*Process, error) {
	return nil, ErrNotSupported
}

func TestFork(t *testing.T) {
	n := neko.Modern(t)

	n.It("copies memory into an independent child", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		parent, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		caller, err := tk.CreateThread(parent, 0x401000, 0x2000)
		require.NoError(t, err)

		virt, err := parent.MapRegion(0, 0x2000, memory.FlagWrite|memory.FlagUser)
		require.NoError(t, err)

		_, err = parent.Space.WriteAt([]byte("parent"), int64(virt))
		require.NoError(t, err)

		child, err := tk.Fork(parent, caller)
		require.NoError(t, err)

		require.NotEqual(t, parent.Pid, child.Pid)
		require.Equal(t, parent.Space.Owned(), child.Space.Owned())

		buf := make([]byte, 6)
		_, err = child.Space.ReadAt(buf, int64(virt))
		require.NoError(t, err)
		require.Equal(t, "parent", string(buf))

		_, err = child.Space.WriteAt([]byte("child!"), int64(virt))
		require.NoError(t, err)

		_, err = parent.Space.ReadAt(buf, int64(virt))
		require.NoError(t, err)
		require.Equal(t, "parent", string(buf))

		// The region is known to the child's allocator too.
		require.Equal(t, uint64(0x2000), child.VM().QueryLength(virt))
	})

	n.It("duplicates only the calling thread", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		parent, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		_, err = tk.CreateThread(parent, 0x401000, 0x1000)
		require.NoError(t, err)

		caller, err := tk.CreateThread(parent, 0x402000, 0x1000)
		require.NoError(t, err)

		caller.Context.SetStack(caller.StackTop() - 0x100)

		child, err := tk.Fork(parent, caller)
		require.NoError(t, err)

		require.Equal(t, 1, child.ThreadCount())

		dup := child.Threads()[0]
		require.NotEqual(t, caller.Tid, dup.Tid)
		require.Equal(t, caller.VStack, dup.VStack)
		require.Equal(t, uint64(0x402000), dup.Context.Entry())
		require.Equal(t, caller.StackTop()-0x100, dup.Context.StackPointer())
		require.Equal(t, uint64(child.Space.Resolve(arch.RingUser)), dup.Context.PageTableRoot())
		require.Equal(t, Ready, dup.State())
	})

	n.It("keeps the child's stack in one physical range", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		parent, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		caller, err := tk.CreateThread(parent, 0x401000, 0x2000)
		require.NoError(t, err)

		_, err = parent.Space.WriteAt([]byte("low"), int64(caller.VStack))
		require.NoError(t, err)

		_, err = parent.Space.WriteAt([]byte("high"), int64(caller.VStack+memory.PageSize))
		require.NoError(t, err)

		child, err := tk.Fork(parent, caller)
		require.NoError(t, err)

		dup := child.Threads()[0]
		require.Equal(t, caller.StackSize, dup.StackSize)

		stack, err := tk.pm.Project(dup.PStack, dup.StackSize)
		require.NoError(t, err)

		require.Equal(t, "low", string(stack[:3]))
		require.Equal(t, "high", string(stack[memory.PageSize:memory.PageSize+4]))

		phys, _, ok := child.Space.Translate(dup.VStack + memory.PageSize)
		require.True(t, ok)
		require.Equal(t, dup.PStack+memory.PageSize, phys)
	})

	n.It("shares open files", func(t *testing.T) {
		tk := newTestKernel(t, testTar(t, map[string][]byte{"etc/motd": []byte("hi")}))

		parent, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		caller, err := tk.CreateThread(parent, 0x401000, 0x1000)
		require.NoError(t, err)

		f, err := tk.Files().Open(context.Background(), "/etc/motd", os.O_RDONLY, 0)
		require.NoError(t, err)

		file := NewFile("/etc/motd", f)

		fd, err := parent.Files().Install(file)
		require.NoError(t, err)

		child, err := tk.Fork(parent, caller)
		require.NoError(t, err)

		got, ok := child.Files().Get(fd)
		require.True(t, ok)
		require.Equal(t, file, got)
		require.Equal(t, 2, file.Refs())

		require.NoError(t, tk.DeleteProcess(child))
		require.Equal(t, 1, file.Refs())
	})

	n.It("returns to baseline after the child is deleted", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		parent, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		caller, err := tk.CreateThread(parent, 0x401000, 0x2000)
		require.NoError(t, err)

		inUse := tk.pm.InUse()
		roots := tk.pt.Roots()

		child, err := tk.Fork(parent, caller)
		require.NoError(t, err)

		require.NoError(t, tk.DeleteProcess(child))

		require.Equal(t, inUse, tk.pm.InUse())
		require.Equal(t, roots, tk.pt.Roots())
	})

	n.It("refuses kernel-only processes", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		p, err := tk.CreateProcess(false, memory.NoRoot)
		require.NoError(t, err)

		caller, err := tk.CreateThread(p, 0x1000, 0x1000)
		require.NoError(t, err)

		_, err = tk.Fork(p, caller)
		require.Equal(t, ErrNotSupported, errors.Cause(err))
	})

	n.It("requires the caller to belong to the parent", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		a, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		b, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		caller, err := tk.CreateThread(b, 0x1000, 0x1000)
		require.NoError(t, err)

		_, err = tk.Fork(a, caller)
		require.Equal(t, ErrUnknownThread, errors.Cause(err))
	})

	n.It("delegates to the configured policy", func(t *testing.T) {
		tk := newTestKernel(t, nil)
		tk.SetForkPolicy(refusingFork{})

		p, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		caller, err := tk.CreateThread(p, 0x1000, 0x1000)
		require.NoError(t, err)

		_, err = tk.Fork(p, caller)
		require.Equal(t, ErrNotSupported, errors.Cause(err))
	})

	n.Meow()
}

func TestFutex(t *testing.T) {
	n := neko.Modern(t)

	setup := func(t *testing.T) (*testKernel, *Process, uint64) {
		tk := newTestKernel(t, nil)

		p, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		virt, err := p.MapRegion(0, memory.PageSize, memory.FlagWrite|memory.FlagUser)
		require.NoError(t, err)

		require.NoError(t, p.Space.CopyOut(virt, uint32(1)))

		return tk, p, virt
	}

	n.It("does not block when the value changed", func(t *testing.T) {
		tk, p, addr := setup(t)

		err := tk.Futex().Wait(context.Background(), p.Space, addr, 0, 0)
		require.Equal(t, ErrWouldBlock, errors.Cause(err))
	})

	n.It("wakes a waiter", func(t *testing.T) {
		tk, p, addr := setup(t)

		done := make(chan error, 1)

		go func() {
			done <- tk.Futex().Wait(context.Background(), p.Space, addr, 1, 0)
		}()

		require.Eventually(t, func() bool {
			return tk.Futex().Waiters(p.Space, addr) == 1
		}, 5*time.Second, time.Millisecond)

		require.Equal(t, 1, tk.Futex().Wake(p.Space, addr, -1))
		require.NoError(t, <-done)

		require.Equal(t, 0, tk.Futex().Waiters(p.Space, addr))
	})

	n.It("wakes no more than asked", func(t *testing.T) {
		tk, p, addr := setup(t)

		done := make(chan error, 3)

		for i := 0; i < 3; i++ {
			go func() {
				done <- tk.Futex().Wait(context.Background(), p.Space, addr, 1, 0)
			}()
		}

		require.Eventually(t, func() bool {
			return tk.Futex().Waiters(p.Space, addr) == 3
		}, 5*time.Second, time.Millisecond)

		require.Equal(t, 2, tk.Futex().Wake(p.Space, addr, 2))
		require.NoError(t, <-done)
		require.NoError(t, <-done)

		require.Equal(t, 1, tk.Futex().Waiters(p.Space, addr))
		require.Equal(t, 1, tk.Futex().Wake(p.Space, addr, -1))
		require.NoError(t, <-done)
	})

	n.It("times out", func(t *testing.T) {
		tk, p, addr := setup(t)

		err := tk.Futex().Wait(context.Background(), p.Space, addr, 1, 10*time.Millisecond)
		require.Equal(t, ErrTimedOut, err)
	})

	n.It("stops waiting when the context is done", func(t *testing.T) {
		tk, p, addr := setup(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := tk.Futex().Wait(ctx, p.Space, addr, 1, 0)
		require.Equal(t, context.Canceled, err)
	})

	n.It("wakes nobody on an unused word", func(t *testing.T) {
		tk, p, addr := setup(t)

		require.Equal(t, 0, tk.Futex().Wake(p.Space, addr+4, -1))
	})

	n.Meow()
}
