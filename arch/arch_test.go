package arch

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestAMD64(t *testing.T) {
	n := neko.Modern(t)

	n.It("starts with interrupts enabled and default fpu state", func(t *testing.T) {
		c, err := New(AMD64, DefaultFeatures(AMD64))
		require.NoError(t, err)

		ctx := c.(*AMD64Context)

		require.Equal(t, uint64(0x3202), ctx.Regs.RFLAGS)
		require.Equal(t, ctx.Regs.RFLAGS, ctx.Regs.R11)
		require.Equal(t, uint16(0x37f), binary.LittleEndian.Uint16(ctx.XSave))
		require.Equal(t, uint32(0x1f80), binary.LittleEndian.Uint32(ctx.XSave[24:]))
	})

	n.It("picks selectors by ring", func(t *testing.T) {
		c, err := New(AMD64, DefaultFeatures(AMD64))
		require.NoError(t, err)

		ctx := c.(*AMD64Context)

		require.Equal(t, RingKernel, c.Privilege())
		require.Equal(t, uint64(0x8), ctx.Regs.CS)
		require.Equal(t, uint64(0x10), ctx.Regs.SS)

		c.SetPrivilege(RingUser)

		require.Equal(t, RingUser, c.Privilege())
		require.Equal(t, uint64(0x23), ctx.Regs.CS)
		require.Equal(t, uint64(0x1b), ctx.Regs.SS)
	})

	n.It("captures control state", func(t *testing.T) {
		f := DefaultFeatures(AMD64)

		c, err := New(AMD64, f)
		require.NoError(t, err)

		c.SnapshotControl(f, 0x5000)

		ctx := c.(*AMD64Context)
		require.Equal(t, f.CR0, ctx.CR0)
		require.Equal(t, f.CR4, ctx.CR4)
		require.Equal(t, uint64(0x5000), c.PageTableRoot())
	})

	n.It("rejects odd xsave sizes", func(t *testing.T) {
		_, err := New(AMD64, Features{FPStateSize: 100})
		require.Equal(t, ErrBadFeatures, errors.Cause(err))

		_, err = New(AMD64, Features{FPStateSize: 520})
		require.Equal(t, ErrBadFeatures, errors.Cause(err))
	})

	n.It("clones independently", func(t *testing.T) {
		c, err := New(AMD64, DefaultFeatures(AMD64))
		require.NoError(t, err)

		c.SetStack(0x1000)
		dup := c.Clone()
		dup.SetStack(0x2000)
		dup.FPState()[100] = 1

		require.Equal(t, uint64(0x1000), c.StackPointer())
		require.Equal(t, byte(0), c.FPState()[100])
	})

	n.Meow()
}

func TestARM64(t *testing.T) {
	n := neko.Modern(t)

	n.It("switches exception level by ring", func(t *testing.T) {
		c, err := New(ARM64, DefaultFeatures(ARM64))
		require.NoError(t, err)

		require.Equal(t, RingKernel, c.Privilege())

		c.SetPrivilege(RingUser)
		require.Equal(t, RingUser, c.Privilege())
		require.Equal(t, uint64(0), c.(*ARM64Context).PSTATE)
	})

	n.It("keeps tls in TPIDR_EL0", func(t *testing.T) {
		c, err := New(ARM64, DefaultFeatures(ARM64))
		require.NoError(t, err)

		c.SetTLS(0xdead0000)
		require.Equal(t, uint64(0xdead0000), c.(*ARM64Context).TPIDR)
	})

	n.It("sets the frame pointer with the stack", func(t *testing.T) {
		c, err := New(ARM64, DefaultFeatures(ARM64))
		require.NoError(t, err)

		c.SetStack(0x7ff0)
		require.Equal(t, uint64(0x7ff0), c.(*ARM64Context).X[29])
	})

	n.It("parses names", func(t *testing.T) {
		a, err := Parse("aarch64")
		require.NoError(t, err)
		require.Equal(t, ARM64, a)

		_, err = Parse("riscv64")
		require.Equal(t, ErrUnsupported, errors.Cause(err))
	})

	n.Meow()
}
