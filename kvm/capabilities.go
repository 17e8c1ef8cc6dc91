package kvm

import "fmt"

// Capability is a KVM_CAP_* extension identifier, as queried with
// KVM_CHECK_EXTENSION.
type Capability uint32

const (
	CapIRQChip      Capability = 0
	CapNRMemSlots   Capability = 10
	CapMPState      Capability = 14
	CapIOMMU        Capability = 18
	CapIRQRouting   Capability = 25
	CapKVMClockCtrl Capability = 76
)

var capabilityNames = map[Capability]string{
	CapIRQChip:      "CapIRQChip",
	CapNRMemSlots:   "CapNRMemSlots",
	CapMPState:      "CapMPState",
	CapIOMMU:        "CapIOMMU",
	CapIRQRouting:   "CapIRQRouting",
	CapKVMClockCtrl: "CapKVMClockCtrl",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", uint32(c))
}

const nrCheckExtension = 0x03

// CheckExtension reports the degree to which cap is supported by the host
// kernel. A return of 0 means unsupported.
func CheckExtension(kvmFd uintptr, cap Capability) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrCheckExtension), uintptr(cap))
}
