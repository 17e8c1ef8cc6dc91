package kvm

import "unsafe"

const (
	kvmGetAPIVersion   = 0xAE00
	kvmCreateVM        = 0xAE01
	kvmGetVCPUMMapSize = 0xAE04
	kvmCreateVCPU      = 0xAE41
	kvmRun             = 0xAE80
)

// GetAPIVersion returns the KVM API version of the opened /dev/kvm fd.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vcpu id on vmFd and returns its fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// GetVCPUMMmapSize returns the size to mmap from a vcpu fd to obtain its
// kvm_run structure.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// Run executes the guest until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// RunData mirrors the mmap'd struct kvm_run header fields this emulator
// cares about; Data holds the exit-reason-specific union.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io_in/io_out arm of the exit union: direction, access
// width in bytes, port, repeat count, and the byte offset of the data
// area within the kvm_run page.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the mmio arm of the exit union: physical address, a view
// directly onto the 8-byte data buffer inside the kvm_run page (so a read
// handler's result is delivered to the guest just by writing through it),
// access length, and whether it is a write.
func (r *RunData) MMIO() (physAddr uint64, data *[8]byte, length uint32, isWrite bool) {
	physAddr = r.Data[0]
	data = (*[8]byte)(unsafe.Pointer(&r.Data[1]))
	length = uint32(r.Data[2] & 0xFF)
	isWrite = r.Data[2]>>32&1 == 1

	return physAddr, data, length, isWrite
}
