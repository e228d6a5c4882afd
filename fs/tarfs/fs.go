package tarfs

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/evanphx/arctan/fs"
	"github.com/evanphx/arctan/log"
)

const maxLinkDepth = 40

type entry struct {
	hdr  *tar.Header
	typ  fs.InodeType
	body []byte
}

func (e *entry) String() string {
	return spew.Sdump(e.hdr)
}

// TarFS serves a tar image as a read-only file system. The whole image is
// held in memory.
type TarFS struct {
	entries map[string]*entry
}

func clean(name string) string {
	if len(name) > 2 && name[:2] == "./" {
		name = name[2:]
	}

	name = strings.TrimSuffix(name, "/")

	return filepath.Clean("/" + name)
}

func NewTarFS(r io.Reader) (*TarFS, error) {
	tr := tar.NewReader(r)

	t := &TarFS{
		entries: map[string]*entry{
			"/": {hdr: &tar.Header{Name: "./", Typeflag: tar.TypeDir}, typ: fs.Directory},
		},
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, err
		}

		data, err := ioutil.ReadAll(tr)
		if err != nil {
			return nil, err
		}

		e := &entry{
			hdr:  hdr,
			typ:  fs.TypeOf(hdr.FileInfo().Mode()),
			body: data,
		}

		if e.typ == fs.Symlink {
			e.body = []byte(hdr.Linkname)
		}

		name := clean(hdr.Name)

		t.addParents(name)
		t.entries[name] = e

		log.L.Trace("tarfs-entry", "name", name, "type", e.typ, "size", len(e.body))
	}

	return t, nil
}

func (t *TarFS) addParents(name string) {
	for dir := filepath.Dir(name); dir != "/"; dir = filepath.Dir(dir) {
		if _, ok := t.entries[dir]; ok {
			continue
		}

		t.entries[dir] = &entry{
			hdr: &tar.Header{Name: dir, Typeflag: tar.TypeDir, Mode: 0755},
			typ: fs.Directory,
		}
	}
}

func (t *TarFS) lookup(path string, depth int) (*entry, error) {
	if depth > maxLinkDepth {
		return nil, errors.Wrapf(fs.ErrLinkLoop, "path: %s", path)
	}

	path = filepath.Clean("/" + path)

	e, ok := t.entries[path]
	if !ok {
		return nil, errors.Wrapf(fs.ErrUnknownPath, "path: %s", path)
	}

	if e.typ != fs.Symlink {
		return e, nil
	}

	target := string(e.body)
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}

	return t.lookup(target, depth+1)
}

func (t *TarFS) Open(ctx context.Context, path string, flags int, mode os.FileMode) (fs.File, error) {
	if fs.Writable(flags) {
		return nil, errors.Wrapf(fs.ErrReadOnly, "path: %s", path)
	}

	e, err := t.lookup(path, 0)
	if err != nil {
		return nil, err
	}

	if e.typ == fs.Directory {
		return nil, errors.Wrapf(fs.ErrIsDirectory, "path: %s", path)
	}

	return &File{Reader: bytes.NewReader(e.body), name: path}, nil
}

// File is an open regular file inside a TarFS.
type File struct {
	*bytes.Reader

	name string
}

func (f *File) Write(b []byte) (int, error) {
	return 0, errors.Wrapf(fs.ErrReadOnly, "path: %s", f.name)
}

func (f *File) Close() error {
	return nil
}

func (f *File) Name() string {
	return f.name
}
