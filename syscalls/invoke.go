package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/kernel"
	"github.com/evanphx/arctan/log"
)

type Invoker struct {
	Kernel *kernel.Kernel
	L      hclog.Logger
}

func NewInvoker(k *kernel.Kernel) *Invoker {
	return &Invoker{
		Kernel: k,
		L:      log.L.Named("syscall"),
	}
}

// InvokeSyscall runs the handler for args.Index on behalf of the task in
// ctx. An interrupt delivered while the handler runs turns the result
// into EINTR.
func (i *Invoker) InvokeSyscall(ctx context.Context, args SysArgs) int64 {
	if args.Index < 0 || int(args.Index) >= len(Syscalls) || Syscalls[args.Index] == nil {
		i.L.Warn("unknown syscall", "index", args.Index)
		return -abi.ENOSYS
	}

	f := Syscalls[args.Index]

	p, ok := kernel.GetTask(ctx)
	if !ok {
		return -abi.ENOSYS
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.SetInterrupt(cancel)

	L := i.L.With("pid", p.Pid, "tid", p.Thread.Tid)

	L.Trace("syscall", "name", abi.SyscallNames[int(args.Index)], "args", args.Args)

	ret := f(ctx, L, p, args)

	if p.CheckInterrupt() {
		return -abi.EINTR
	}

	return ret
}
