package host

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/evanphx/arctan/fs"
	"github.com/evanphx/arctan/log"
)

// HostFS exposes a host directory as a file system. Paths are confined to
// the directory.
type HostFS struct {
	root string
}

func NewHostFS(path string) (*HostFS, error) {
	log.L.Trace("creating host fs", "path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t

	err = unix.Stat(abs, &st)
	if err != nil {
		log.L.Error("error stating hostfs path", "error", err)
		return nil, err
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, errors.Wrapf(fs.ErrNotDirectory, "path: %s", abs)
	}

	return &HostFS{root: abs}, nil
}

func (h *HostFS) Root() string {
	return h.root
}

func (h *HostFS) Open(ctx context.Context, path string, flags int, mode os.FileMode) (fs.File, error) {
	full := filepath.Join(h.root, filepath.Clean("/"+path))

	log.L.Trace("open file on host fs", "path", full, "flags", flags)

	fd, err := unix.Open(full, flags|unix.O_CLOEXEC, uint32(mode.Perm()))
	if err != nil {
		switch err {
		case unix.ENOENT:
			return nil, errors.Wrapf(fs.ErrUnknownPath, "path: %s", path)
		case unix.ENOTDIR:
			return nil, errors.Wrapf(fs.ErrNotDirectory, "path: %s", path)
		case unix.EROFS:
			return nil, errors.Wrapf(fs.ErrReadOnly, "path: %s", path)
		}

		return nil, errors.Wrapf(err, "opening %s", full)
	}

	var st unix.Stat_t

	err = unix.Fstat(fd, &st)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		unix.Close(fd)
		return nil, errors.Wrapf(fs.ErrIsDirectory, "path: %s", path)
	}

	return os.NewFile(uintptr(fd), full), nil
}
