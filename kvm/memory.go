package kvm

import "unsafe"

const (
	nrSetUserMemoryRegion = 0x46
	nrSetTSSAddr          = 0x47
	nrSetIdentityMapAddr  = 0x48
)

// UserspaceMemoryRegion describes a guest-physical-address range backed by
// a userspace mmap'd slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks the region for dirty-page tracking, used during
// live migration.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs or updates a memory slot on the VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(nrSetUserMemoryRegion, unsafe.Sizeof(*region)), uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr tells KVM where to place the task state segment it needs for
// real-mode emulation on Intel hosts.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the guest-physical address of the one-page
// identity-mapped region KVM uses for the same purpose.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIOW(nrSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}
