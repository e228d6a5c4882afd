package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/evanphx/arctan/abi"
	"github.com/evanphx/arctan/arch"
	"github.com/evanphx/arctan/fs"
	"github.com/evanphx/arctan/fs/host"
	"github.com/evanphx/arctan/fs/tarfs"
	"github.com/evanphx/arctan/kernel"
	clog "github.com/evanphx/arctan/log"
	"github.com/evanphx/arctan/memory"
	"github.com/evanphx/arctan/sched"
	"github.com/evanphx/arctan/syscalls"
	"github.com/evanphx/arctan/sysv"
)

type closeProtect struct {
	*os.File
}

func (_ closeProtect) Close() error {
	return nil
}

var (
	fRoot    = pflag.StringP("root", "r", "", "host directory to mount as the root")
	fImage   = pflag.StringP("image", "i", "", "tar image to mount as the root")
	fMounts  = pflag.StringSliceP("mount", "m", nil, "extra host mounts as prefix=dir")
	fArch    = pflag.String("arch", "amd64", "architecture of the execution contexts")
	fMem     = pflag.Uint64("mem", 64, "simulated physical memory in MiB")
	fCores   = pflag.Int("cores", 1, "number of simulated cores")
	fStack   = pflag.Uint64("stack", 0x2000, "main thread stack size in bytes")
	fKernel  = pflag.Bool("kernel-only", false, "create a kernel-only process")
	fEnv     = pflag.StringSliceP("env", "e", nil, "environment passed to the program")
	fRun     = pflag.Bool("run", false, "dispatch the process and exit each thread through the syscall path")
	fTimeout = pflag.Duration("timeout", 10*time.Second, "limit for --run")
	fDebug   = pflag.BoolP("debug", "d", false, "enable debug logging (TRACE=1 for trace)")
)

func rootFS() (fs.FileSystem, error) {
	var root fs.FileSystem

	switch {
	case *fImage != "":
		f, err := os.Open(*fImage)
		if err != nil {
			return nil, err
		}

		defer f.Close()

		tf, err := tarfs.NewTarFS(f)
		if err != nil {
			return nil, err
		}

		root = tf
	case *fRoot != "":
		hf, err := host.NewHostFS(*fRoot)
		if err != nil {
			return nil, err
		}

		root = hf
	default:
		hf, err := host.NewHostFS(".")
		if err != nil {
			return nil, err
		}

		root = hf
	}

	ns := fs.NewMountNamespace(root)

	for _, m := range *fMounts {
		prefix, dir, ok := strings.Cut(m, "=")
		if !ok {
			return nil, errors.Errorf("bad mount %q, expected prefix=dir", m)
		}

		hf, err := host.NewHostFS(dir)
		if err != nil {
			return nil, err
		}

		ns.Mount(prefix, hf)
	}

	return ns, nil
}

func config() (kernel.Config, error) {
	a, err := arch.Parse(*fArch)
	if err != nil {
		return kernel.Config{}, err
	}

	cfg := kernel.DefaultConfig()
	cfg.Arch = a
	cfg.Features = arch.DefaultFeatures(a)
	cfg.Cores = *fCores
	cfg.StackSize = *fStack
	cfg.DefaultEnv = *fEnv

	return cfg, nil
}

type report struct {
	Pid       int
	Userspace bool
	Entry     string
	Threads   int
	Owned     int
	SP        string
	Frame     *sysv.Frame
	PhysInUse uint64
}

func describe(k *kernel.Kernel, p *kernel.Process) (*report, error) {
	t := p.Threads()[0]

	stack, err := k.Physical().Project(t.PStack, t.StackSize)
	if err != nil {
		return nil, err
	}

	sp := t.Context.StackPointer()

	frame, err := sysv.ReadFrame(stack, t.StackTop(), sp)
	if err != nil {
		return nil, err
	}

	return &report{
		Pid:       p.Pid,
		Userspace: p.Userspace(),
		Entry:     fmt.Sprintf("%#x", p.Entry),
		Threads:   p.ThreadCount(),
		Owned:     p.Space.Owned(),
		SP:        fmt.Sprintf("%#x", sp),
		Frame:     frame,
	}, nil
}

// exitRunner stands in for user code: every dispatched thread immediately
// issues the exit system call.
func exitRunner(inv *syscalls.Invoker) sched.Runner {
	return sched.RunnerFunc(func(ctx context.Context, task *kernel.Task) error {
		ret := inv.InvokeSyscall(ctx, syscalls.SysArgs{Index: abi.SysExit})
		if ret != 0 {
			return errors.Errorf("exit returned %d", ret)
		}

		return nil
	})
}

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
		defer pprof.StopCPUProfile()
	}

	pflag.Parse()

	if *fDebug {
		clog.EnableDebug()
	}

	inputArgs := pflag.Args()
	if len(inputArgs) == 0 {
		fmt.Fprintf(os.Stderr, "usage: arctan [flags] <path> [args...]\n")
		pflag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config()
	if err != nil {
		log.Fatal(err)
	}

	files, err := rootFS()
	if err != nil {
		log.Fatal(err)
	}

	phys := memory.NewPhysicalMemory(*fMem << 20)

	k, err := kernel.NewKernel(cfg, phys, memory.NewPager(), files)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	cmd := inputArgs[0]

	args := append([]string{filepath.Base(cmd)}, inputArgs[1:]...)

	proc, err := k.CreateFromFile(ctx, !*fKernel, cmd, args...)
	if err != nil {
		log.Fatal(err)
	}

	err = proc.Files().HookupStdio(os.Stdin, closeProtect{os.Stdout}, closeProtect{os.Stderr})
	if err != nil {
		log.Fatal(err)
	}

	rep, err := describe(k, proc)
	if err != nil {
		log.Fatal(err)
	}

	rep.PhysInUse = phys.InUse()

	spew.Dump(rep)

	if !*fRun {
		return
	}

	s, err := sched.New(k, cfg.Cores, exitRunner(syscalls.NewInvoker(k)))
	if err != nil {
		log.Fatal(err)
	}

	s.Enqueue(proc)

	ctx, cancel := context.WithTimeout(ctx, *fTimeout)
	defer cancel()

	err = s.RunUntilIdle(ctx)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("all processes exited, %d bytes of physical memory in use\n", phys.InUse())
}
