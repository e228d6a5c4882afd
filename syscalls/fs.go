package syscalls

import (
	"context"
	"os"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/kernel"
)

func sysOpen(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	var (
		ptr   = args.Args.R0
		flags = int(int32(args.Args.R1))
		mode  = os.FileMode(uint32(args.Args.R2))
		fdPtr = args.Args.R3
	)

	files := p.Kernel.Files()
	if files == nil {
		return -abi.ENOSYS
	}

	path, err := p.Space.ReadCString(ptr)
	if err != nil {
		l.Error("error reading cstring", "error", err)
		return -abi.EFAULT
	}

	l.Trace("open file", "path", string(path), "flags", flags)

	f, err := files.Open(ctx, string(path), flags, mode)
	if err != nil {
		l.Debug("error opening file", "path", string(path), "error", err)
		return errno(err)
	}

	file := kernel.NewFile(string(path), f)

	fd, err := p.Files().Install(file)
	if err != nil {
		file.Close()
		return errno(err)
	}

	err = p.Space.CopyOut(fdPtr, int32(fd))
	if err != nil {
		p.Files().Close(fd)
		return -abi.EFAULT
	}

	return 0
}

func init() {
	Syscalls[abi.SysOpen] = sysOpen
}
