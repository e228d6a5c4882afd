package kernel

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/evanphx/arctan/fs"
)

// File is an open file shared by every descriptor that refers to it.
type File struct {
	mu   sync.Mutex
	refs int

	Path string

	r io.Reader
	w io.Writer
	s io.Seeker
	c io.Closer
}

func NewFile(path string, f fs.File) *File {
	return &File{
		refs: 1,
		Path: path,
		r:    f,
		w:    f,
		s:    f,
		c:    f,
	}
}

func (f *File) Writer() (io.Writer, bool) {
	if f.w == nil {
		return nil, false
	}

	return f.w, true
}

func (f *File) Reader() (io.Reader, bool) {
	if f.r == nil {
		return nil, false
	}

	return f.r, true
}

func (f *File) Seeker() (io.Seeker, bool) {
	if f.s == nil {
		return nil, false
	}

	return f.s, true
}

func (f *File) incRef() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refs++
}

func (f *File) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refs
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refs--
	if f.refs > 0 {
		return nil
	}

	if f.c != nil {
		return f.c.Close()
	}

	return nil
}

// FileTable is a process's descriptor table with a fixed capacity.
type FileTable struct {
	mu    sync.Mutex
	limit int
	fds   []*File
}

func NewFileTable(limit int) *FileTable {
	return &FileTable{limit: limit}
}

// Install stores f in the lowest free descriptor.
func (ft *FileTable) Install(f *File) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for i, cur := range ft.fds {
		if cur == nil {
			ft.fds[i] = f
			return i, nil
		}
	}

	if len(ft.fds) >= ft.limit {
		return -1, errors.Wrapf(ErrTooManyFiles, "limit %d", ft.limit)
	}

	ft.fds = append(ft.fds, f)

	return len(ft.fds) - 1, nil
}

func (ft *FileTable) HookupStdio(i io.ReadCloser, o, e io.WriteCloser) error {
	for _, f := range []*File{
		{refs: 1, r: i, c: i},
		{refs: 1, w: o, c: o},
		{refs: 1, w: e, c: e},
	} {
		if _, err := ft.Install(f); err != nil {
			return err
		}
	}

	return nil
}

func (ft *FileTable) Get(fd int) (*File, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if fd < 0 || fd >= len(ft.fds) {
		return nil, false
	}

	file := ft.fds[fd]
	if file == nil {
		return nil, false
	}

	return file, true
}

func (ft *FileTable) Close(fd int) error {
	ft.mu.Lock()

	if fd < 0 || fd >= len(ft.fds) || ft.fds[fd] == nil {
		ft.mu.Unlock()
		return errors.Wrapf(ErrUnknownFile, "fd %d", fd)
	}

	file := ft.fds[fd]
	ft.fds[fd] = nil

	ft.mu.Unlock()

	return file.Close()
}

func (ft *FileTable) Dup2(from, to int) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if from < 0 || from >= len(ft.fds) || ft.fds[from] == nil {
		return errors.Wrapf(ErrUnknownFile, "fd %d", from)
	}

	if to < 0 || to >= ft.limit {
		return errors.Wrapf(ErrUnknownFile, "fd %d", to)
	}

	for len(ft.fds) <= to {
		ft.fds = append(ft.fds, nil)
	}

	if f := ft.fds[to]; f != nil {
		f.Close()
	}

	ft.fds[to] = ft.fds[from]
	ft.fds[to].incRef()

	return nil
}

// Fork returns a table whose descriptors share the open files of ft.
func (ft *FileTable) Fork() *FileTable {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	child := &FileTable{
		limit: ft.limit,
		fds:   make([]*File, len(ft.fds)),
	}

	for i, file := range ft.fds {
		if file != nil {
			file.incRef()
			child.fds[i] = file
		}
	}

	return child
}

func (ft *FileTable) Len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	var n int

	for _, f := range ft.fds {
		if f != nil {
			n++
		}
	}

	return n
}

func (ft *FileTable) CloseAll() {
	ft.mu.Lock()
	fds := ft.fds
	ft.fds = nil
	ft.mu.Unlock()

	for _, f := range fds {
		if f != nil {
			f.Close()
		}
	}
}
