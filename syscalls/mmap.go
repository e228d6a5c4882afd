package syscalls

import (
	"context"
	"io"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/kernel"
	"github.com/evanphx/arctan/memory"
)

func protFlags(p *kernel.Task, prot uint64) memory.Flags {
	var flags memory.Flags

	if prot&abi.PROT_WRITE != 0 {
		flags |= memory.FlagWrite
	}

	if prot&abi.PROT_EXEC == 0 {
		flags |= memory.FlagNoExec
	}

	if p.Userspace() {
		flags |= memory.FlagUser
	}

	return flags
}

// populate copies size bytes of the file at fd, starting at offset, into
// the region at virt. Bytes past the end of the file stay zero.
func populate(p *kernel.Task, fd int, offset int64, virt, size uint64) error {
	f, ok := p.Files().Get(fd)
	if !ok {
		return kernel.ErrUnknownFile
	}

	r, ok := f.Reader()
	if !ok {
		return kernel.ErrUnknownFile
	}

	s, ok := f.Seeker()
	if !ok {
		return kernel.ErrNotSupported
	}

	_, err := s.Seek(offset, io.SeekStart)
	if err != nil {
		return err
	}

	buf := make([]byte, size)

	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}

	_, err = p.Space.WriteAt(buf[:n], int64(virt))
	return err
}

func sysVMMap(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	var (
		hint   = args.Args.R0
		size   = args.Args.R1
		prot   = args.Args.R2
		mflags = args.Args.R3
		fd     = int(int32(args.Args.R4))
		offset = int64(args.Args.R5)
		winPtr = args.Args.R6
	)

	if size == 0 {
		return -abi.EINVAL
	}

	virt, err := p.MapRegion(hint, size, protFlags(p, prot))
	if err != nil {
		l.Debug("unable to map region", "size", size, "error", err)
		return errno(err)
	}

	if mflags&abi.MAP_FIXED != 0 && virt != hint {
		p.UnmapRegion(virt, size)
		return -abi.ENOMEM
	}

	if mflags&abi.MAP_ANONYMOUS == 0 && fd >= 0 {
		err = populate(p, fd, offset, virt, memory.PageRound(size))
		if err != nil {
			l.Debug("unable to populate region", "fd", fd, "error", err)
			p.UnmapRegion(virt, size)
			return errno(err)
		}
	}

	l.Trace("vm-map", "hint", hclog.Fmt("%#x", hint), "addr", hclog.Fmt("%#x", virt), "size", size)

	err = p.Space.CopyOut(winPtr, virt)
	if err != nil {
		p.UnmapRegion(virt, size)
		return -abi.EFAULT
	}

	return 0
}

func sysVMUnmap(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	var (
		addr = args.Args.R0
		size = args.Args.R1
	)

	err := p.UnmapRegion(addr, size)
	if err != nil {
		l.Debug("unable to unmap region", "addr", hclog.Fmt("%#x", addr), "error", err)
		return -abi.EINVAL
	}

	return 0
}

func sysAnonAlloc(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	var (
		size = args.Args.R0
		ptr  = args.Args.R1
	)

	if size == 0 {
		return -abi.EINVAL
	}

	virt, err := p.MapRegion(0, size, protFlags(p, abi.PROT_READ|abi.PROT_WRITE))
	if err != nil {
		l.Debug("anonymous allocation failed", "size", size, "error", err)
		p.Space.CopyOut(ptr, uint64(0))
		return errno(err)
	}

	err = p.Space.CopyOut(ptr, virt)
	if err != nil {
		p.UnmapRegion(virt, size)
		return -abi.EFAULT
	}

	return 0
}

func sysAnonFree(ctx context.Context, l hclog.Logger, p *kernel.Task, args SysArgs) int64 {
	var (
		addr = args.Args.R0
		size = args.Args.R1
	)

	err := p.UnmapRegion(addr, size)
	if err != nil {
		l.Debug("anonymous free failed", "addr", hclog.Fmt("%#x", addr), "error", err)
		return -abi.EINVAL
	}

	return 0
}

func init() {
	Syscalls[abi.SysVMMap] = sysVMMap
	Syscalls[abi.SysVMUnmap] = sysVMUnmap
	Syscalls[abi.SysAnonAlloc] = sysAnonAlloc
	Syscalls[abi.SysAnonFree] = sysAnonFree
}
