package arch

import (
	"github.com/pkg/errors"
)

const (
	pstateEL0t = 0x0
	pstateEL1h = 0x5

	minFPStateSize = 528
	maxFPStateSize = 4096
)

type ARM64Context struct {
	X  [31]uint64
	SP uint64
	PC uint64

	// PSTATE restored through SPSR_EL1. DAIF is left clear so interrupts
	// are unmasked on entry.
	PSTATE uint64

	TTBR0, SCTLR, CPACR uint64
	TPIDR               uint64

	FP []byte
}

func NewARM64(f Features) (Context, error) {
	size := f.FPStateSize

	if size < minFPStateSize || size > maxFPStateSize || size%16 != 0 {
		return nil, errors.Wrapf(ErrBadFeatures, "fp state size %d", size)
	}

	c := &ARM64Context{
		FP: make([]byte, size),
	}

	c.SetPrivilege(RingKernel)

	return c, nil
}

func (c *ARM64Context) Arch() Arch {
	return ARM64
}

func (c *ARM64Context) SetEntry(ip uint64) {
	c.PC = ip
}

func (c *ARM64Context) Entry() uint64 {
	return c.PC
}

// SetStack sets SP and the frame pointer (x29).
func (c *ARM64Context) SetStack(sp uint64) {
	c.SP = sp
	c.X[29] = sp
}

func (c *ARM64Context) StackPointer() uint64 {
	return c.SP
}

func (c *ARM64Context) SetPrivilege(r Ring) {
	if r == RingUser {
		c.PSTATE = pstateEL0t
	} else {
		c.PSTATE = pstateEL1h
	}
}

func (c *ARM64Context) Privilege() Ring {
	if c.PSTATE&0xf == pstateEL0t {
		return RingUser
	}

	return RingKernel
}

func (c *ARM64Context) SnapshotControl(f Features, root uint64) {
	c.SCTLR = f.SCTLR
	c.CPACR = f.CPACR
	c.TTBR0 = root
}

func (c *ARM64Context) PageTableRoot() uint64 {
	return c.TTBR0
}

// SetTLS records the value loaded into TPIDR_EL0 on dispatch.
func (c *ARM64Context) SetTLS(ptr uint64) {
	c.TPIDR = ptr
}

func (c *ARM64Context) TLS() uint64 {
	return c.TPIDR
}

func (c *ARM64Context) FPState() []byte {
	return c.FP
}

func (c *ARM64Context) Clone() Context {
	dup := *c
	dup.FP = append([]byte(nil), c.FP...)
	return &dup
}
