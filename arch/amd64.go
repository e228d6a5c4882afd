package arch

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	KernelCS = 0x08
	KernelSS = 0x10
	UserCS   = 0x23
	UserSS   = 0x1b

	flagReserved = 1 << 1
	flagIF       = 1 << 9
	flagIOPL     = 3 << 12

	// InitialFlags enables interrupts and grants I/O privilege.
	InitialFlags = flagIF | flagReserved | flagIOPL

	fxsaveSize   = 512
	xsaveAlign   = 64
	maxXSaveSize = 4096

	defaultFCW   = 0x37f
	defaultMXCSR = 0x1f80
)

type AMD64Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP, RFLAGS uint64
	CS, SS      uint64
}

type AMD64Context struct {
	Regs AMD64Registers

	CR0, CR3, CR4 uint64
	FSBase        uint64

	XSave []byte
}

func NewAMD64(f Features) (Context, error) {
	size := f.FPStateSize

	if size < fxsaveSize || size > maxXSaveSize || size%xsaveAlign != 0 {
		return nil, errors.Wrapf(ErrBadFeatures, "xsave area size %d", size)
	}

	c := &AMD64Context{
		XSave: make([]byte, size),
	}

	// Legacy region defaults, as left by fninit / ldmxcsr.
	binary.LittleEndian.PutUint16(c.XSave[0:], defaultFCW)
	binary.LittleEndian.PutUint32(c.XSave[24:], defaultMXCSR)

	c.Regs.RFLAGS = InitialFlags
	c.Regs.R11 = InitialFlags
	c.SetPrivilege(RingKernel)

	return c, nil
}

func (c *AMD64Context) Arch() Arch {
	return AMD64
}

func (c *AMD64Context) SetEntry(ip uint64) {
	c.Regs.RIP = ip
}

func (c *AMD64Context) Entry() uint64 {
	return c.Regs.RIP
}

func (c *AMD64Context) SetStack(sp uint64) {
	c.Regs.RSP = sp
	c.Regs.RBP = sp
}

func (c *AMD64Context) StackPointer() uint64 {
	return c.Regs.RSP
}

func (c *AMD64Context) SetPrivilege(r Ring) {
	if r == RingUser {
		c.Regs.CS = UserCS
		c.Regs.SS = UserSS
	} else {
		c.Regs.CS = KernelCS
		c.Regs.SS = KernelSS
	}
}

func (c *AMD64Context) Privilege() Ring {
	return Ring(c.Regs.CS & 3)
}

func (c *AMD64Context) SnapshotControl(f Features, root uint64) {
	c.CR0 = f.CR0
	c.CR4 = f.CR4
	c.CR3 = root
}

func (c *AMD64Context) PageTableRoot() uint64 {
	return c.CR3
}

// SetTLS records the value loaded into IA32_FS_BASE on dispatch.
func (c *AMD64Context) SetTLS(ptr uint64) {
	c.FSBase = ptr
}

func (c *AMD64Context) TLS() uint64 {
	return c.FSBase
}

func (c *AMD64Context) FPState() []byte {
	return c.XSave
}

func (c *AMD64Context) Clone() Context {
	dup := *c
	dup.XSave = append([]byte(nil), c.XSave...)
	return &dup
}
