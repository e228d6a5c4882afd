package abi

// Errno values returned (negated) from system calls.
const (
	EPERM     = 1
	ENOENT    = 2
	EINTR     = 4
	EIO       = 5
	EBADF     = 9
	EAGAIN    = 11
	ENOMEM    = 12
	EFAULT    = 14
	EEXIST    = 17
	EINVAL    = 22
	EMFILE    = 24
	ENOSPC    = 28
	ESPIPE    = 29
	ENOSYS    = 38
	ENOEXEC   = 8
	ETIMEDOUT = 110
)
