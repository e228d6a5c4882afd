package syscalls

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/kernel"
)

type timespec struct {
	Sec  int64
	NSec int64
}

func sysFutexWait(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	var (
		addr     = args.Args.R0
		expected = uint32(args.Args.R1)
		tsPtr    = args.Args.R2
	)

	var timeout time.Duration

	if tsPtr != 0 {
		var ts timespec

		err := p.Space.CopyIn(tsPtr, &ts)
		if err != nil {
			return -abi.EFAULT
		}

		if ts.Sec < 0 || ts.NSec < 0 || ts.NSec >= int64(time.Second) {
			return -abi.EINVAL
		}

		timeout = time.Duration(ts.Sec)*time.Second + time.Duration(ts.NSec)

		// A zero timespec polls.
		if timeout == 0 {
			timeout = time.Nanosecond
		}
	}

	if !p.Thread.Suspend() {
		return -abi.EINVAL
	}

	err := p.Kernel.Futex().Wait(ctx, p.Space, addr, expected, timeout)

	p.Thread.Resume()

	if err != nil {
		l.Trace("futex wait finished", "addr", hclog.Fmt("%#x", addr), "error", err)
		return errno(err)
	}

	return 0
}

func sysFutexWake(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	addr := args.Args.R0

	return int64(p.Kernel.Futex().Wake(p.Space, addr, -1))
}

func init() {
	Syscalls[abi.SysFutexWait] = sysFutexWait
	Syscalls[abi.SysFutexWake] = sysFutexWake
}
