package kernel

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/arctan/arch"
	"github.com/evanphx/arctan/memory"
)

func TestCreateThread(t *testing.T) {
	n := neko.Modern(t)

	n.It("sets up a user context at the entry point", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		p, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		th, err := tk.CreateThread(p, 0x401000, 0x1800)
		require.NoError(t, err)

		require.Equal(t, Ready, th.State())
		require.Equal(t, uint64(0x2000), th.StackSize)
		require.Equal(t, p, th.Process)

		ctx := th.Context.(*arch.AMD64Context)

		require.Equal(t, uint64(0x401000), ctx.Regs.RIP)
		require.Equal(t, th.StackTop()-16, ctx.Regs.RSP)
		require.Equal(t, ctx.Regs.RSP, ctx.Regs.RBP)
		require.Equal(t, uint64(0x23), ctx.Regs.CS)
		require.Equal(t, uint64(0x1b), ctx.Regs.SS)
		require.Equal(t, uint64(0x3202), ctx.Regs.RFLAGS)
		require.Equal(t, tk.Config().Features.CR0, ctx.CR0)
		require.Equal(t, uint64(p.Space.Resolve(arch.RingUser)), ctx.CR3)

		phys, flags, ok := tk.pt.Translate(p.Space.Resolve(arch.RingUser), th.VStack)
		require.True(t, ok)
		require.Equal(t, th.PStack, phys)
		require.Equal(t, memory.FlagWrite|memory.FlagNoExec|memory.FlagUser, flags)

		found, ok := tk.Thread(th.Tid)
		require.True(t, ok)
		require.Equal(t, th, found)
	})

	n.It("uses kernel selectors for kernel-only processes", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		p, err := tk.CreateProcess(false, memory.NoRoot)
		require.NoError(t, err)

		th, err := tk.CreateThread(p, 0xffffffff80001000, memory.PageSize)
		require.NoError(t, err)

		ctx := th.Context.(*arch.AMD64Context)
		require.Equal(t, uint64(0x8), ctx.Regs.CS)
		require.Equal(t, uint64(0x10), ctx.Regs.SS)

		_, flags, ok := tk.pt.Translate(tk.pt.KernelRoot(), th.VStack)
		require.True(t, ok)
		require.Equal(t, memory.FlagWrite|memory.FlagNoExec, flags)
	})

	n.It("builds arm64 contexts when configured", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Arch = arch.ARM64
		cfg.Features = arch.DefaultFeatures(arch.ARM64)

		k, err := NewKernel(cfg, memory.NewPhysicalMemory(512*memory.PageSize), memory.NewPager(), nil)
		require.NoError(t, err)

		p, err := k.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		th, err := k.CreateThread(p, 0x400000, memory.PageSize)
		require.NoError(t, err)

		require.Equal(t, arch.ARM64, th.Context.Arch())
		require.Equal(t, arch.RingUser, th.Context.Privilege())
	})

	n.It("validates its arguments", func(t *testing.T) {
		tk := newTestKernel(t, nil)

		p, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		_, err = tk.CreateThread(nil, 0x1000, 0x1000)
		require.Equal(t, ErrInvalidArgument, errors.Cause(err))

		_, err = tk.CreateThread(p, 0, 0x1000)
		require.Equal(t, ErrInvalidArgument, errors.Cause(err))

		_, err = tk.CreateThread(p, 0x1000, 0)
		require.Equal(t, ErrInvalidArgument, errors.Cause(err))
	})

	type step struct {
		name   string
		inject func(tk *testKernel, p *Process)
		cause  error
	}

	steps := []step{
		{
			"context init",
			func(tk *testKernel, p *Process) { tk.SetContextFactory(failingContext) },
			arch.ErrBadFeatures,
		},
		{
			"physical stack alloc",
			func(tk *testKernel, p *Process) { tk.pm.fail = true },
			memory.ErrOutOfMemory,
		},
		{
			"virtual stack alloc",
			func(tk *testKernel, p *Process) { tk.lastAllocator().fail = true },
			memory.ErrVirtualExhausted,
		},
		{
			"mapping",
			func(tk *testKernel, p *Process) { tk.pt.failMap = true },
			memory.ErrMappingConflict,
		},
		{
			"association",
			func(tk *testKernel, p *Process) { atomic.StoreInt32(&p.exiting, 1) },
			ErrProcessExiting,
		},
	}

	for _, s := range steps {
		s := s

		n.It("releases everything when "+s.name+" fails", func(t *testing.T) {
			tk := newTestKernel(t, nil)

			p, err := tk.CreateProcess(true, memory.NoRoot)
			require.NoError(t, err)

			va := tk.lastAllocator()

			inUse := tk.pm.InUse()
			vInUse := va.InUse()
			mapped := tk.pt.Mapped(p.Space.Resolve(arch.RingUser))
			threads := tk.ThreadCount()

			s.inject(tk, p)

			th, err := tk.CreateThread(p, 0x401000, 0x4000)
			require.Nil(t, th)
			require.Equal(t, s.cause, errors.Cause(err))

			require.Equal(t, inUse, tk.pm.InUse())
			require.Equal(t, vInUse, va.InUse())
			require.Equal(t, mapped, tk.pt.Mapped(p.Space.Resolve(arch.RingUser)))
			require.Equal(t, threads, tk.ThreadCount())
			require.Equal(t, 0, p.ThreadCount())
			require.Equal(t, 0, p.Space.Owned())
		})
	}

	n.Meow()
}

func TestThreadLifecycle(t *testing.T) {
	n := neko.Modern(t)

	newThread := func(t *testing.T) (*testKernel, *Thread) {
		tk := newTestKernel(t, nil)

		p, err := tk.CreateProcess(true, memory.NoRoot)
		require.NoError(t, err)

		th, err := tk.CreateThread(p, 0x401000, 0x1000)
		require.NoError(t, err)

		return tk, th
	}

	n.It("only allows the documented transitions", func(t *testing.T) {
		_, th := newThread(t)

		require.False(t, th.Suspend())
		require.False(t, th.Wake())
		require.False(t, th.Exit())

		require.True(t, th.Claim())
		require.False(t, th.Claim())

		require.True(t, th.Suspend())
		require.False(t, th.Yield())
		require.True(t, th.Wake())
		require.Equal(t, Ready, th.State())

		require.True(t, th.Claim())
		require.True(t, th.Yield())

		require.True(t, th.Claim())
		require.True(t, th.Exit())
		require.Equal(t, Exited, th.State())
		require.False(t, th.Claim())
	})

	n.It("refuses to delete a running thread", func(t *testing.T) {
		tk, th := newThread(t)

		require.True(t, th.Claim())

		err := tk.DeleteThread(th)
		require.Equal(t, ErrThreadRunning, errors.Cause(err))

		err = tk.ReleaseThread(th)
		require.Equal(t, ErrThreadRunning, errors.Cause(err))
	})

	n.It("deletes a thread without touching its stack", func(t *testing.T) {
		tk, th := newThread(t)

		require.NoError(t, tk.DeleteThread(th))

		_, ok := tk.Thread(th.Tid)
		require.False(t, ok)

		_, _, ok = th.Process.Space.Translate(th.VStack)
		require.True(t, ok)

		err := tk.DeleteThread(th)
		require.Equal(t, ErrUnknownThread, errors.Cause(err))
	})

	n.It("releases the stack with the thread", func(t *testing.T) {
		tk, th := newThread(t)

		p := th.Process
		inUse := tk.pm.InUse()

		require.NoError(t, tk.ReleaseThread(th))

		require.Equal(t, inUse-th.StackSize, tk.pm.InUse())
		require.Equal(t, 0, p.ThreadCount())

		_, _, ok := p.Space.Translate(th.VStack)
		require.False(t, ok)
	})

	n.It("tears the process down when the last thread exits", func(t *testing.T) {
		tk, th := newThread(t)

		p := th.Process

		second, err := tk.CreateThread(p, 0x401000, 0x1000)
		require.NoError(t, err)

		require.True(t, th.Claim())
		require.True(t, th.Exit())
		require.NoError(t, tk.ExitThread(th))

		_, ok := tk.Processes().Lookup(p.Pid)
		require.True(t, ok)

		require.True(t, second.Claim())
		require.True(t, second.Exit())
		require.NoError(t, tk.ExitThread(second))

		_, ok = tk.Processes().Lookup(p.Pid)
		require.False(t, ok)
	})

	n.It("finishes an exit that follows the process delete", func(t *testing.T) {
		tk, th := newThread(t)

		p := th.Process

		require.True(t, th.Claim())
		require.True(t, th.Exit())

		require.NoError(t, tk.DeleteProcess(p))
		require.NoError(t, tk.ExitThread(th))

		require.Equal(t, 0, tk.ThreadCount())
		require.Equal(t, 0, tk.Processes().Len())
	})

	n.It("lets the last two exits race for the teardown", func(t *testing.T) {
		tk, a := newThread(t)

		p := a.Process

		b, err := tk.CreateThread(p, 0x401000, 0x1000)
		require.NoError(t, err)

		require.True(t, a.Claim())
		require.True(t, a.Exit())
		require.True(t, b.Claim())
		require.True(t, b.Exit())

		// Both threads are unlinked before either exit reaches the delete.
		require.NoError(t, tk.ReleaseThread(a))
		require.NoError(t, tk.ReleaseThread(b))

		require.NoError(t, tk.ExitThread(a))
		require.NoError(t, tk.ExitThread(b))

		_, ok := tk.Processes().Lookup(p.Pid)
		require.False(t, ok)
	})

	n.It("releases a thread only once", func(t *testing.T) {
		tk, th := newThread(t)

		require.NoError(t, tk.ReleaseThread(th))

		inUse := tk.pm.InUse()

		require.NoError(t, tk.ReleaseThread(th))
		require.Equal(t, inUse, tk.pm.InUse())
	})

	n.It("falls back to the process priority", func(t *testing.T) {
		_, th := newThread(t)

		th.Process.SetPriority(4)
		require.Equal(t, 4, th.Priority())

		th.SetPriority(9)
		require.Equal(t, 9, th.Priority())
	})

	n.It("stores the thread control block in the context", func(t *testing.T) {
		_, th := newThread(t)

		th.SetTCB(0x7f0000010000)

		require.Equal(t, uint64(0x7f0000010000), th.TCB())
		require.Equal(t, uint64(0x7f0000010000), th.Context.(*arch.AMD64Context).FSBase)
	})

	n.It("serializes teardown on the thread lock", func(t *testing.T) {
		tk, th := newThread(t)

		th.Lock()

		done := make(chan error)
		go func() {
			done <- tk.DeleteThread(th)
		}()

		select {
		case <-done:
			t.Fatal("delete did not wait for the lock")
		default:
		}

		th.Unlock()

		require.NoError(t, <-done)
	})

	n.Meow()
}
