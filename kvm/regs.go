package kvm

import "unsafe"

const numInterrupts = 0x100

const (
	nrGetRegs  = 0x81
	nrSetRegs  = 0x82
	nrGetSregs = 0x83
	nrSetSregs = 0x84
)

// Regs are the general purpose registers, shared by 386 and amd64 guests;
// in 386 mode only the low 32 bits of each are meaningful.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment is an x86 segment descriptor cache entry.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDT/IDT table pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs are the special (mostly memory-mapping related) registers.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetRegs reads the general purpose registers for a vcpu.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetRegs, unsafe.Sizeof(*regs)), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the general purpose registers for a vcpu.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetRegs, unsafe.Sizeof(*regs)), uintptr(unsafe.Pointer(regs)))

	return err
}

// GetSregs reads the special registers for a vcpu.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetSregs, unsafe.Sizeof(*sregs)), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the special registers for a vcpu.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetSregs, unsafe.Sizeof(*sregs)), uintptr(unsafe.Pointer(sregs)))

	return err
}

// Translate is the argument/result of KVM_TRANSLATE: a virtual-to-physical
// address lookup through the guest's current paging tables.
type Translate struct {
	LinearAddress uint64

	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

const nrTranslate = 0x85

// GetTranslate resolves vaddr through the vcpu's current page tables.
func GetTranslate(vcpuFd uintptr, vaddr uint64) (*Translate, error) {
	t := &Translate{LinearAddress: vaddr}
	_, err := Ioctl(vcpuFd, IIOWR(nrTranslate, unsafe.Sizeof(*t)), uintptr(unsafe.Pointer(t)))

	return t, err
}

const (
	nrGetDebugRegs = 0xa1
	nrSetDebugRegs = 0xa2
)

// DebugRegs are the x86 hardware breakpoint/watchpoint registers.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// GetDebugRegs reads debug registers from a vcpu.
func GetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetDebugRegs, unsafe.Sizeof(*dregs)), uintptr(unsafe.Pointer(dregs)))

	return err
}

// SetDebugRegs writes debug registers to a vcpu.
func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetDebugRegs, unsafe.Sizeof(*dregs)), uintptr(unsafe.Pointer(dregs)))

	return err
}

const nrSingleStep = 0x9b

type guestDebug struct {
	Control  uint32
	_        uint32
	DebugReg [8]uint64
}

const debugSingleStep = 1<<0 | 1<<1 // KVM_GUESTDBG_ENABLE | KVM_GUESTDBG_SINGLESTEP

// SingleStep arms or disarms single-instruction-step debug exits for a vcpu.
func SingleStep(vcpuFd uintptr, onoff bool) error {
	dbg := guestDebug{}
	if onoff {
		dbg.Control = debugSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(nrSingleStep, unsafe.Sizeof(dbg)), uintptr(unsafe.Pointer(&dbg)))

	return err
}
