// Package fs is the file layer the execution core reads executables and
// serves descriptor syscalls through.
package fs

import (
	"context"
	"errors"
	"io"
	"os"
)

var (
	ErrUnknownPath  = errors.New("unknown path")
	ErrNotSymlink   = errors.New("not symlink")
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrReadOnly     = errors.New("read-only file system")
	ErrLinkLoop     = errors.New("too many levels of symbolic links")
)

// File is an open file. Offsets are per File.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

type FileSystem interface {
	Open(ctx context.Context, path string, flags int, mode os.FileMode) (File, error)
}

// InodeType enumerates types of files a FileSystem can hold.
type InodeType int

const (
	// RegularFile is a regular file.
	RegularFile InodeType = iota

	// Directory is a directory.
	Directory

	// Symlink is a symbolic link.
	Symlink

	// Pipe is a pipe (named or regular).
	Pipe

	// Socket is a socket.
	Socket

	// CharacterDevice is a character device.
	CharacterDevice

	// BlockDevice is a block device.
	BlockDevice
)

// String returns a human-readable representation of the InodeType.
func (n InodeType) String() string {
	switch n {
	case RegularFile:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Pipe:
		return "pipe"
	case Socket:
		return "socket"
	case CharacterDevice:
		return "character-device"
	case BlockDevice:
		return "block-device"
	default:
		return "unknown"
	}
}

func TypeOf(mode os.FileMode) InodeType {
	switch mode & os.ModeType {
	case os.ModeDir:
		return Directory
	case os.ModeSymlink:
		return Symlink
	case os.ModeNamedPipe:
		return Pipe
	case os.ModeSocket:
		return Socket
	case os.ModeDevice | os.ModeCharDevice:
		return CharacterDevice
	case os.ModeDevice:
		return BlockDevice
	default:
		return RegularFile
	}
}

// Writable reports whether open flags ask for write access.
func Writable(flags int) bool {
	return flags&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0
}
