package kernel

import (
	"context"
	"os"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/arctan/memory"
	"github.com/evanphx/arctan/sysv"
)

// CreateFromFile builds a runnable process from the executable at path:
// the image is loaded, a main thread created at its entry point and the
// initial stack laid out with argv and the configured environment. When
// argv is empty the configured default arguments are used, falling back to
// the base name of path.
func (k *Kernel) CreateFromFile(ctx context.Context, userspace bool, path string, argv ...string) (*Process, error) {
	if k.files == nil {
		return nil, errors.Wrap(ErrNotSupported, "no file system attached")
	}

	f, err := k.files.Open(ctx, path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	p, err := k.CreateProcess(userspace, memory.NoRoot)
	if err != nil {
		return nil, err
	}

	meta, err := k.loader.Load(ctx, p.Space, f)
	if err != nil {
		k.DeleteProcess(p)
		return nil, errors.Wrapf(err, "loading %s", path)
	}

	p.Entry = meta.Entry

	t, err := k.CreateThread(p, meta.Entry, k.cfg.StackSize)
	if err != nil {
		k.DeleteProcess(p)
		return nil, err
	}

	if len(argv) == 0 {
		argv = k.cfg.DefaultArgs
	}

	if len(argv) == 0 {
		argv = []string{filepath.Base(path)}
	}

	stack, err := k.phys.Project(t.PStack, t.StackSize)
	if err != nil {
		k.DeleteProcess(p)
		return nil, err
	}

	disp, err := sysv.Prepare(stack, t.StackTop(), meta, k.cfg.DefaultEnv, argv)
	if err != nil {
		k.DeleteProcess(p)
		return nil, err
	}

	t.Context.SetStack(t.StackTop() - disp)

	k.L.Info("process-exec", "pid", p.Pid, "path", path,
		"entry", hclog.Fmt("%#x", meta.Entry), "argc", len(argv))

	return p, nil
}
