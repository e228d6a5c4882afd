package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/arctan/kernel"
	"github.com/evanphx/arctan/memory"
)

func newKernel(t *testing.T) *kernel.Kernel {
	k, err := kernel.NewKernel(kernel.DefaultConfig(), memory.NewPhysicalMemory(1024*memory.PageSize), memory.NewPager(), nil)
	require.NoError(t, err)

	return k
}

func newProcess(t *testing.T, k *kernel.Kernel, threads int) *kernel.Process {
	p, err := k.CreateProcess(true, memory.NoRoot)
	require.NoError(t, err)

	for i := 0; i < threads; i++ {
		_, err = k.CreateThread(p, 0x401000, memory.PageSize)
		require.NoError(t, err)
	}

	return p
}

func exitRunner(k *kernel.Kernel) RunnerFunc {
	return func(ctx context.Context, task *kernel.Task) error {
		if !task.Thread.Exit() {
			return errors.New("thread was not running")
		}

		return k.ExitThread(task.Thread)
	}
}

func TestScheduler(t *testing.T) {
	n := neko.Modern(t)

	n.It("needs a core", func(t *testing.T) {
		_, err := New(newKernel(t), 0, nil)
		require.Equal(t, ErrNoCores, err)
	})

	n.It("picks processes round robin", func(t *testing.T) {
		k := newKernel(t)

		s, err := New(k, 1, nil)
		require.NoError(t, err)

		a := newProcess(t, k, 2)
		b := newProcess(t, k, 2)

		s.Enqueue(a)
		s.Enqueue(b)
		s.Enqueue(a)

		require.Equal(t, 2, s.Queued())

		var order []int

		for i := 0; i < 4; i++ {
			th, ok := s.Pick()
			require.True(t, ok)
			require.Equal(t, kernel.Running, th.State())

			order = append(order, th.Process.Pid)
		}

		require.Equal(t, []int{a.Pid, b.Pid, a.Pid, b.Pid}, order)

		_, ok := s.Pick()
		require.False(t, ok)
	})

	n.It("skips dequeued processes", func(t *testing.T) {
		k := newKernel(t)

		s, err := New(k, 1, nil)
		require.NoError(t, err)

		a := newProcess(t, k, 1)
		b := newProcess(t, k, 1)

		s.Enqueue(a)
		s.Enqueue(b)
		s.Dequeue(a)

		th, ok := s.Pick()
		require.True(t, ok)
		require.Equal(t, b, th.Process)

		_, ok = s.Pick()
		require.False(t, ok)
	})

	n.It("drops a deleted process from the queue", func(t *testing.T) {
		k := newKernel(t)

		s, err := New(k, 1, nil)
		require.NoError(t, err)

		p := newProcess(t, k, 1)
		s.Enqueue(p)

		require.NoError(t, k.DeleteProcess(p))
		require.Equal(t, 0, s.Queued())
	})

	n.It("runs every thread to completion across cores", func(t *testing.T) {
		k := newKernel(t)

		s, err := New(k, 2, exitRunner(k))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			s.Enqueue(newProcess(t, k, 3))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, s.RunUntilIdle(ctx))

		require.Equal(t, 0, k.Processes().Len())
		require.Equal(t, 0, k.ThreadCount())
		require.Equal(t, 0, s.Queued())
	})

	n.It("yields threads the runner leaves running", func(t *testing.T) {
		k := newKernel(t)

		var (
			mu   sync.Mutex
			runs int
		)

		s, err := New(k, 1, RunnerFunc(func(ctx context.Context, task *kernel.Task) error {
			mu.Lock()
			runs++
			again := runs < 3
			mu.Unlock()

			if again {
				return nil
			}

			task.Thread.Exit()
			return k.ExitThread(task.Thread)
		}))
		require.NoError(t, err)

		s.Enqueue(newProcess(t, k, 1))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, s.RunUntilIdle(ctx))
		require.Equal(t, 3, runs)
	})

	n.It("installs the task for the runner", func(t *testing.T) {
		k := newKernel(t)

		var seen *kernel.Task

		var s *Scheduler

		s, err := New(k, 1, RunnerFunc(func(ctx context.Context, task *kernel.Task) error {
			got, ok := kernel.GetTask(ctx)
			if !ok || got != task {
				return errors.New("task missing from context")
			}

			cur, ok := s.Current(task.Core)
			if !ok || cur != task {
				return errors.New("task is not current")
			}

			seen = task

			task.Thread.Exit()
			err := k.ExitThread(task.Thread)

			if _, ok := s.Current(task.Core); ok {
				return errors.New("exited thread still current")
			}

			return err
		}))
		require.NoError(t, err)

		p := newProcess(t, k, 1)
		s.Enqueue(p)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, s.RunUntilIdle(ctx))

		require.NotNil(t, seen)
		require.Equal(t, 0, seen.Core)
		require.Equal(t, p.Pid, seen.Pid)
	})

	n.It("stops on a runner error", func(t *testing.T) {
		k := newKernel(t)

		boom := errors.New("boom")

		s, err := New(k, 2, RunnerFunc(func(ctx context.Context, task *kernel.Task) error {
			return boom
		}))
		require.NoError(t, err)

		p := newProcess(t, k, 1)
		s.Enqueue(p)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err = s.Run(ctx)
		require.Equal(t, boom, errors.Cause(err))

		require.Equal(t, kernel.Ready, p.Threads()[0].State())
	})

	n.Meow()
}
