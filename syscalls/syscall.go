package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/fs"
	"github.com/evanphx/arctan/kernel"
	"github.com/evanphx/arctan/memory"
)

type SysArgs struct {
	Index int32
	Args  SyscallRequest
}

// SyscallRequest holds the raw argument registers in call order.
type SyscallRequest struct {
	R0, R1, R2, R3, R4, R5, R6 uint64
}

type Handler func(context.Context, hclog.Logger, *kernel.Task, SysArgs) int64

var Syscalls [64]Handler

// errno maps a kernel error to the negative value returned to userspace.
func errno(err error) int64 {
	switch errors.Cause(err) {
	case nil:
		return 0
	case memory.ErrOutOfMemory, memory.ErrVirtualExhausted:
		return -abi.ENOMEM
	case memory.ErrInvalidMemoryAccess, memory.ErrNotMapped:
		return -abi.EFAULT
	case memory.ErrMappingConflict:
		return -abi.EEXIST
	case memory.ErrMisaligned, memory.ErrBadRegionRequest, memory.ErrBadFree,
		kernel.ErrInvalidArgument:
		return -abi.EINVAL
	case kernel.ErrUnknownFile:
		return -abi.EBADF
	case kernel.ErrTooManyFiles:
		return -abi.EMFILE
	case kernel.ErrWouldBlock:
		return -abi.EAGAIN
	case kernel.ErrTimedOut:
		return -abi.ETIMEDOUT
	case kernel.ErrNotSupported:
		return -abi.ENOSYS
	case fs.ErrUnknownPath:
		return -abi.ENOENT
	case fs.ErrIsDirectory, fs.ErrNotDirectory:
		return -abi.EINVAL
	case fs.ErrReadOnly:
		return -abi.EPERM
	case context.Canceled, context.DeadlineExceeded:
		return -abi.EINTR
	default:
		return -abi.EIO
	}
}
