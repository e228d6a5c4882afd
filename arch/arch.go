// Package arch defines the execution context a thread is dispatched with.
// The kernel only talks to the Context interface; each architecture
// supplies its own register layout.
package arch

import (
	"github.com/pkg/errors"
)

var (
	ErrUnsupported = errors.New("unsupported architecture")
	ErrBadFeatures = errors.New("bad cpu feature set")
)

type Arch int

const (
	AMD64 Arch = iota
	ARM64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

func Parse(name string) (Arch, error) {
	switch name {
	case "amd64", "x86_64", "x86-64":
		return AMD64, nil
	case "arm64", "aarch64":
		return ARM64, nil
	default:
		return 0, errors.Wrapf(ErrUnsupported, "arch: %s", name)
	}
}

// Ring is the privilege level a context runs at.
type Ring int

const (
	RingKernel Ring = 0
	RingUser   Ring = 3
)

// Features describes the executing CPU: how large the floating point /
// extended state area is and the control registers new contexts inherit.
type Features struct {
	FPStateSize int

	// amd64
	CR0, CR4 uint64

	// arm64
	SCTLR, CPACR uint64
}

func DefaultFeatures(a Arch) Features {
	switch a {
	case ARM64:
		return Features{
			FPStateSize: 528,
			SCTLR:       0x30d0198d,
			CPACR:       3 << 20,
		}
	default:
		return Features{
			FPStateSize: 512,
			CR0:         0x80050033,
			CR4:         0x3606f0,
		}
	}
}

type Context interface {
	Arch() Arch

	SetEntry(ip uint64)
	Entry() uint64

	// SetStack points both the stack and frame pointer at sp.
	SetStack(sp uint64)
	StackPointer() uint64

	SetPrivilege(r Ring)
	Privilege() Ring

	// SnapshotControl records the control state and the page-table root
	// to load when the context is dispatched.
	SnapshotControl(f Features, root uint64)
	PageTableRoot() uint64

	SetTLS(ptr uint64)
	TLS() uint64

	FPState() []byte

	Clone() Context
}

type Factory func(f Features) (Context, error)

func FactoryFor(a Arch) (Factory, error) {
	switch a {
	case AMD64:
		return NewAMD64, nil
	case ARM64:
		return NewARM64, nil
	default:
		return nil, errors.Wrapf(ErrUnsupported, "arch: %d", a)
	}
}

func New(a Arch, f Features) (Context, error) {
	fact, err := FactoryFor(a)
	if err != nil {
		return nil, err
	}

	return fact(f)
}
