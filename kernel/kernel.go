package kernel

import (
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/arctan/arch"
	"github.com/evanphx/arctan/fs"
	"github.com/evanphx/arctan/loader"
	"github.com/evanphx/arctan/log"
	"github.com/evanphx/arctan/memory"
)

var (
	ErrUnknownFile          = errors.New("unknown file")
	ErrUnknownThread        = errors.New("unknown thread")
	ErrUnknownProcess       = errors.New("unknown process")
	ErrThreadRunning        = errors.New("thread is running")
	ErrThreadAssociated     = errors.New("thread already belongs to a process")
	ErrProcessExiting       = errors.New("process is exiting")
	ErrTooManyFiles         = errors.New("too many open files")
	ErrNotSupported         = errors.New("operation not supported")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrMappingInconsistency = errors.New("unrecoverable mapping inconsistency")
)

// Halt stops the kernel. It is used when page accounting can no longer be
// trusted, so there is nothing left to unwind.
func Halt(err error) {
	log.L.Error("kernel halted", "error", err)
	panic(errors.Wrap(ErrMappingInconsistency, err.Error()))
}

type Config struct {
	Arch     arch.Arch
	Features arch.Features

	// The kernel image is mapped at KernelBase in every address space.
	KernelBase uint64
	KernelSize uint64

	// One page of per-core data per core, starting at PerCoreBase.
	PerCoreBase uint64
	Cores       int

	// Physical memory is reachable at DirectMapBase+phys.
	DirectMapBase uint64

	// Window of the per-process virtual allocator.
	VMBase uint64
	VMSize uint64

	// Window used by kernel-only processes.
	KernelVMBase uint64
	KernelVMSize uint64

	StackSize uint64
	FileLimit int

	DefaultArgs []string
	DefaultEnv  []string
}

func DefaultConfig() Config {
	return Config{
		Arch:          arch.AMD64,
		Features:      arch.DefaultFeatures(arch.AMD64),
		KernelBase:    0xffffffff80000000,
		KernelSize:    16 * memory.PageSize,
		PerCoreBase:   0xffffffffc0000000,
		Cores:         1,
		DirectMapBase: 0xffff800000000000,
		VMBase:        0x7f0000000000,
		VMSize:        0x1000 * memory.PageSize,
		KernelVMBase:  0xffffc00000000000,
		KernelVMSize:  0x1000 * memory.PageSize,
		StackSize:     0x2000,
		FileLimit:     64,
	}
}

// Scheduler is told when a process or thread must no longer be dispatched.
type Scheduler interface {
	Dequeue(p *Process)
	DequeueThread(t *Thread)
}

type AllocatorFactory func(base, size uint64) (memory.VirtualAllocator, error)

func defaultAllocator(base, size uint64) (memory.VirtualAllocator, error) {
	return memory.NewRangeAllocator(base, size)
}

type Kernel struct {
	L hclog.Logger

	cfg Config

	phys   memory.Physical
	pager  memory.Pager
	files  fs.FileSystem
	loader *loader.Loader

	newContext   arch.Factory
	newAllocator AllocatorFactory
	fork         ForkPolicy
	sched        Scheduler

	// Held for reading while a new address space clones the kernel
	// mapping, for writing while the kernel mapping changes.
	mapMu sync.RWMutex

	space    *AddressSpace
	kernelVM memory.VirtualAllocator

	nextPid int64
	nextTid int64

	processes *ProcessTable

	mu      sync.RWMutex
	threads map[int]*Thread

	futex *FutexTable
}

// NewKernel boots a kernel over the given collaborators: it maps the
// kernel image and the per-core areas into the kernel tables.
func NewKernel(cfg Config, phys memory.Physical, pager memory.Pager, files fs.FileSystem) (*Kernel, error) {
	fact, err := arch.FactoryFor(cfg.Arch)
	if err != nil {
		return nil, err
	}

	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}

	k := &Kernel{
		L:            log.L.Named("kernel"),
		cfg:          cfg,
		phys:         phys,
		pager:        pager,
		files:        files,
		loader:       loader.NewLoader(loader.NewLoaderCache()),
		newContext:   fact,
		newAllocator: defaultAllocator,
		fork:         EagerCopy{},
		processes:    NewProcessTable(),
		threads:      make(map[int]*Thread),
		futex:        NewFutexTable(),
	}

	k.kernelVM, err = memory.NewRangeAllocator(cfg.KernelVMBase, cfg.KernelVMSize)
	if err != nil {
		return nil, err
	}

	k.space = &AddressSpace{
		phys:       phys,
		pager:      pager,
		kernelRoot: pager.KernelRoot(),
		userRoot:   pager.KernelRoot(),
		ledger:     newLedger(),
	}

	err = k.boot()
	if err != nil {
		return nil, err
	}

	return k, nil
}

func (k *Kernel) boot() error {
	k.mapMu.Lock()
	defer k.mapMu.Unlock()

	flags := memory.FlagWrite | memory.FlagGlobal

	_, err := k.space.Allocate(k.cfg.KernelBase, k.cfg.KernelSize, flags)
	if err != nil {
		return errors.Wrapf(err, "mapping kernel image")
	}

	for i := 0; i < k.cfg.Cores; i++ {
		_, err := k.space.Allocate(k.perCore(i), memory.PageSize, flags|memory.FlagNoExec)
		if err != nil {
			return errors.Wrapf(err, "mapping per-core area %d", i)
		}
	}

	k.L.Debug("kernel booted",
		"arch", k.cfg.Arch,
		"cores", k.cfg.Cores,
		"kernel-base", hclog.Fmt("%#x", k.cfg.KernelBase),
	)

	return nil
}

func (k *Kernel) perCore(i int) uint64 {
	return k.cfg.PerCoreBase + uint64(i)*memory.PageSize
}

// MapKernel backs [virt, virt+size) in the kernel tables. Address spaces
// created afterwards see the new range only if it falls inside the kernel
// image window.
func (k *Kernel) MapKernel(virt, size uint64, flags memory.Flags) (uint64, error) {
	k.mapMu.Lock()
	defer k.mapMu.Unlock()

	return k.space.Allocate(virt, size, flags|memory.FlagGlobal)
}

func (k *Kernel) Config() Config {
	return k.cfg
}

func (k *Kernel) Physical() memory.Physical {
	return k.phys
}

func (k *Kernel) Pager() memory.Pager {
	return k.pager
}

func (k *Kernel) Files() fs.FileSystem {
	return k.files
}

func (k *Kernel) Space() *AddressSpace {
	return k.space
}

func (k *Kernel) Futex() *FutexTable {
	return k.futex
}

func (k *Kernel) Processes() *ProcessTable {
	return k.processes
}

func (k *Kernel) SetLoader(l *loader.Loader) {
	k.loader = l
}

func (k *Kernel) SetContextFactory(f arch.Factory) {
	k.newContext = f
}

func (k *Kernel) SetAllocatorFactory(f AllocatorFactory) {
	k.newAllocator = f
}

func (k *Kernel) SetForkPolicy(p ForkPolicy) {
	k.fork = p
}

func (k *Kernel) SetScheduler(s Scheduler) {
	k.sched = s
}

func (k *Kernel) allocPid() int {
	return int(atomic.AddInt64(&k.nextPid, 1))
}

func (k *Kernel) allocTid() int {
	return int(atomic.AddInt64(&k.nextTid, 1))
}

func (k *Kernel) registerThread(t *Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.threads[t.Tid] = t
}

func (k *Kernel) unregisterThread(t *Thread) {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.threads, t.Tid)
}

// Thread looks up a live thread by tid.
func (k *Kernel) Thread(tid int) (*Thread, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	t, ok := k.threads[tid]
	return t, ok
}

func (k *Kernel) ThreadCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.threads)
}
