package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/kernel"
)

func sysTCBSet(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	p.Thread.SetTCB(args.Args.R0)
	return 0
}

func sysExit(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	code := int32(args.Args.R0)

	l.Info("thread exiting", "code", code)

	if !p.Thread.Exit() {
		l.Error("exit from a thread that is not running", "state", p.Thread.State())
		return -abi.EINVAL
	}

	err := p.Kernel.ExitThread(p.Thread)
	if err != nil {
		l.Error("error tearing down thread", "error", err)
		return errno(err)
	}

	return 0
}

func init() {
	Syscalls[abi.SysTCBSet] = sysTCBSet
	Syscalls[abi.SysExit] = sysExit
}
