package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/kernel"
)

func sysLibcLog(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	str, err := p.Space.ReadCString(args.Args.R0)
	if err != nil {
		return -abi.EFAULT
	}

	l.Info(string(str))

	return 0
}

func init() {
	Syscalls[abi.SysLibcLog] = sysLibcLog
}
