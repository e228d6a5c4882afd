package fs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

type mount struct {
	prefix string
	fs     FileSystem
}

// MountNamespace resolves absolute paths onto the FileSystem mounted at the
// longest matching prefix. Resolutions are cached.
type MountNamespace struct {
	mu     sync.RWMutex
	mounts []mount

	MountCache *lru.ARCCache
}

func NewMountNamespace(root FileSystem) *MountNamespace {
	cache, err := lru.NewARC(1000)
	if err != nil {
		panic(err)
	}

	m := &MountNamespace{
		MountCache: cache,
	}

	if root != nil {
		m.Mount("/", root)
	}

	return m
}

func (m *MountNamespace) Mount(prefix string, fsys FileSystem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix = filepath.Clean("/" + prefix)

	m.mounts = append(m.mounts, mount{prefix: prefix, fs: fsys})

	sort.SliceStable(m.mounts, func(i, j int) bool {
		return len(m.mounts[i].prefix) > len(m.mounts[j].prefix)
	})

	m.MountCache.Purge()
}

func under(path, prefix string) (string, bool) {
	if prefix == "/" {
		return path, true
	}

	if path == prefix {
		return "/", true
	}

	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}

	return "", false
}

func (m *MountNamespace) resolve(path string) (mount, string, error) {
	if val, ok := m.MountCache.Get(path); ok {
		mnt := val.(mount)
		rel, _ := under(path, mnt.prefix)
		return mnt, rel, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mnt := range m.mounts {
		if rel, ok := under(path, mnt.prefix); ok {
			m.MountCache.Add(path, mnt)
			return mnt, rel, nil
		}
	}

	return mount{}, "", errors.Wrapf(ErrUnknownPath, "no mount for %s", path)
}

func (m *MountNamespace) Open(ctx context.Context, path string, flags int, mode os.FileMode) (File, error) {
	path = filepath.Clean("/" + path)

	mnt, rel, err := m.resolve(path)
	if err != nil {
		return nil, err
	}

	return mnt.fs.Open(ctx, rel, flags, mode)
}
