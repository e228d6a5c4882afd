package kernel

import (
	"archive/tar"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evanphx/arctan/arch"
	"github.com/evanphx/arctan/fs"
	"github.com/evanphx/arctan/fs/tarfs"
	"github.com/evanphx/arctan/memory"
)

type flakyPhysical struct {
	*memory.PhysicalMemory
	fail bool
}

func (f *flakyPhysical) Alloc(size uint64) (uint64, error) {
	if f.fail {
		return 0, memory.ErrOutOfMemory
	}

	return f.PhysicalMemory.Alloc(size)
}

type flakyPager struct {
	*memory.PageTables
	failMap    bool
	failCreate bool
}

func (f *flakyPager) Map(root memory.Root, virt, phys, size uint64, flags memory.Flags) error {
	if f.failMap {
		return memory.ErrMappingConflict
	}

	return f.PageTables.Map(root, virt, phys, size, flags)
}

func (f *flakyPager) CreateTables() (memory.Root, error) {
	if f.failCreate {
		return memory.NoRoot, memory.ErrOutOfMemory
	}

	return f.PageTables.CreateTables()
}

type flakyAllocator struct {
	*memory.RangeAllocator
	fail bool
}

func (f *flakyAllocator) Alloc(size uint64) (uint64, error) {
	if f.fail {
		return 0, memory.ErrVirtualExhausted
	}

	return f.RangeAllocator.Alloc(size)
}

type testKernel struct {
	*Kernel

	pm *flakyPhysical
	pt *flakyPager

	allocs []*flakyAllocator
}

func newTestKernel(t *testing.T, files fs.FileSystem) *testKernel {
	cfg := DefaultConfig()
	cfg.Cores = 2

	tk := &testKernel{
		pm: &flakyPhysical{PhysicalMemory: memory.NewPhysicalMemory(1024 * memory.PageSize)},
		pt: &flakyPager{PageTables: memory.NewPager()},
	}

	k, err := NewKernel(cfg, tk.pm, tk.pt, files)
	require.NoError(t, err)

	k.SetAllocatorFactory(func(base, size uint64) (memory.VirtualAllocator, error) {
		ra, err := memory.NewRangeAllocator(base, size)
		if err != nil {
			return nil, err
		}

		fa := &flakyAllocator{RangeAllocator: ra}
		tk.allocs = append(tk.allocs, fa)

		return fa, nil
	})

	tk.Kernel = k

	return tk
}

func (tk *testKernel) lastAllocator() *flakyAllocator {
	return tk.allocs[len(tk.allocs)-1]
}

func failingContext(f arch.Features) (arch.Context, error) {
	return nil, arch.ErrBadFeatures
}

type testSegment struct {
	vaddr uint64
	data  []byte
	memsz uint64
	flags elf.ProgFlag
}

func buildELF(t *testing.T, entry uint64, segs ...testSegment) []byte {
	hdrSize := binary.Size(elf.Header64{})
	progSize := binary.Size(elf.Prog64{})

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     uint64(hdrSize),
		Ehsize:    uint16(hdrSize),
		Phentsize: uint16(progSize),
		Phnum:     uint16(len(segs)),
	}

	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	off := uint64(hdrSize + len(segs)*progSize)

	var progs []elf.Prog64

	for _, s := range segs {
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.flags),
			Off:    off,
			Vaddr:  s.vaddr,
			Paddr:  s.vaddr,
			Filesz: uint64(len(s.data)),
			Memsz:  s.memsz,
			Align:  memory.PageSize,
		})

		off += uint64(len(s.data))
	}

	var buf bytes.Buffer

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, progs))

	for _, s := range segs {
		buf.Write(s.data)
	}

	return buf.Bytes()
}

var testCode = []byte{0x48, 0x31, 0xc0, 0x0f, 0x05, 0xeb, 0xfe}

func testImage(t *testing.T) []byte {
	return buildELF(t, 0x401000,
		testSegment{vaddr: 0x401000, data: testCode, memsz: uint64(len(testCode)), flags: elf.PF_R | elf.PF_X},
		testSegment{vaddr: 0x402000, data: []byte("data"), memsz: 0x1800, flags: elf.PF_R | elf.PF_W},
	)
}

func testTar(t *testing.T, files map[string][]byte) fs.FileSystem {
	var buf bytes.Buffer

	tw := tar.NewWriter(&buf)

	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0755,
			Size:     int64(len(body)),
		}))

		_, err := tw.Write(body)
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())

	tf, err := tarfs.NewTarFS(&buf)
	require.NoError(t, err)

	return tf
}
