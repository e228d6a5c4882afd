package syscalls

import (
	"context"
	"io"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/kernel"
)

// Largest single read or write serviced in one call.
const maxTransfer = 1 << 20

func sysSeek(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fd     = int(int32(args.Args.R0))
		offset = int64(args.Args.R1)
		whence = int(args.Args.R2)
		outPtr = args.Args.R3
	)

	f, ok := task.Files().Get(fd)
	if !ok {
		return -abi.EBADF
	}

	s, ok := f.Seeker()
	if !ok {
		return -abi.ESPIPE
	}

	switch whence {
	case io.SeekStart, io.SeekCurrent, io.SeekEnd:
	default:
		return -abi.EINVAL
	}

	pos, err := s.Seek(offset, whence)
	if err != nil {
		l.Error("error seeking", "error", err, "fd", fd)
		return -abi.EINVAL
	}

	err = task.Space.CopyOut(outPtr, pos)
	if err != nil {
		return -abi.EFAULT
	}

	return 0
}

func sysWrite(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fd     = int(int32(args.Args.R0))
		ptr    = args.Args.R1
		sz     = args.Args.R2
		outPtr = args.Args.R3
	)

	f, ok := task.Files().Get(fd)
	if !ok {
		return -abi.EBADF
	}

	w, ok := f.Writer()
	if !ok {
		return -abi.EBADF
	}

	if sz > maxTransfer {
		sz = maxTransfer
	}

	data := make([]byte, sz)

	_, err := task.Space.ReadAt(data, int64(ptr))
	if err != nil {
		l.Error("error reading data from userspace", "error", err)
		return -abi.EFAULT
	}

	n, err := w.Write(data)
	if err != nil {
		l.Error("error writing data", "error", err, "fd", fd)
		return errno(err)
	}

	err = task.Space.CopyOut(outPtr, int64(n))
	if err != nil {
		return -abi.EFAULT
	}

	return 0
}

func sysRead(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fd     = int(int32(args.Args.R0))
		buf    = args.Args.R1
		sz     = args.Args.R2
		outPtr = args.Args.R3
	)

	f, ok := task.Files().Get(fd)
	if !ok {
		return -abi.EBADF
	}

	r, ok := f.Reader()
	if !ok {
		return -abi.EBADF
	}

	if sz > maxTransfer {
		sz = maxTransfer
	}

	tmp := make([]byte, sz)

	n, err := r.Read(tmp)
	if err != nil && err != io.EOF {
		if n == 0 || err != io.ErrUnexpectedEOF {
			l.Error("error reading", "error", err, "fd", fd)
			return -abi.EIO
		}
	}

	_, err = task.Space.WriteAt(tmp[:n], int64(buf))
	if err != nil {
		l.Error("error copying data out", "error", err)
		return -abi.EFAULT
	}

	err = task.Space.CopyOut(outPtr, int64(n))
	if err != nil {
		return -abi.EFAULT
	}

	return 0
}

func sysClose(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	fd := int(int32(args.Args.R0))

	err := task.Files().Close(fd)
	if err != nil {
		l.Debug("error closing fd", "error", err, "fd", fd)
		return errno(err)
	}

	return 0
}

func init() {
	Syscalls[abi.SysSeek] = sysSeek
	Syscalls[abi.SysWrite] = sysWrite
	Syscalls[abi.SysRead] = sysRead
	Syscalls[abi.SysClose] = sysClose
}
