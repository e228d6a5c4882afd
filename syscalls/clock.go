package syscalls

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/kernel"
)

var start = time.Now()

func sysClockGet(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	var (
		clk     = args.Args.R0
		secPtr  = args.Args.R1
		nsecPtr = args.Args.R2
	)

	var sec, nsec int64

	switch clk {
	case abi.CLOCK_REALTIME:
		t := time.Now()
		sec = t.Unix()
		nsec = int64(t.Nanosecond())
	case abi.CLOCK_MONOTONIC, abi.CLOCK_BOOTTIME:
		ns := time.Since(start).Nanoseconds()
		sec = ns / int64(time.Second)
		nsec = ns % int64(time.Second)
	default:
		return -abi.EINVAL
	}

	err := p.Space.CopyOut(secPtr, sec)
	if err != nil {
		return -abi.EFAULT
	}

	err = p.Space.CopyOut(nsecPtr, nsec)
	if err != nil {
		return -abi.EFAULT
	}

	return 0
}

func init() {
	Syscalls[abi.SysClockGet] = sysClockGet
}
