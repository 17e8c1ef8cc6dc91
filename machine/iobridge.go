package machine

import (
	"sync"

	"github.com/cyberus-vmm/iomcore/iom"
)

// legacyPortDevice adapts the legacy `func(port uint64, bytes []byte)
// error` port handler pair -- used throughout this tree by the serial
// port, the PCI config ports, and every PCI device's own BAR -- into an
// iom.Device with iom.PortCallbacks. Every such handler already decides
// its behavior purely from the absolute port number and a byte slice
// sized to the access width, so a single adapter covers all of them.
type legacyPortDevice struct {
	name string
	lock sync.Mutex
	in   func(port uint64, bytes []byte) error
	out  func(port uint64, bytes []byte) error
}

func (d *legacyPortDevice) Name() string        { return d.name }
func (d *legacyPortDevice) IOLock() *sync.Mutex { return &d.lock }

func widthToBytes(buf []byte, value uint32, width int) {
	for i := 0; i < width; i++ {
		buf[i] = byte(value >> (8 * uint(i)))
	}
}

func bytesToWidth(buf []byte, width int) uint32 {
	v := uint32(0)
	for i := 0; i < width; i++ {
		v |= uint32(buf[i]) << (8 * uint(i))
	}

	return v
}

func legacyReadCallback(d *legacyPortDevice) iom.PortReadFunc {
	return func(_ iom.Device, _ any, port uint16, width int) (uint32, iom.Status) {
		buf := make([]byte, width)
		if d.in == nil {
			return 0, iom.Ok()
		}

		if err := d.in(uint64(port), buf); err != nil {
			return 0, iom.Fail(err)
		}

		return bytesToWidth(buf, width), iom.Ok()
	}
}

func legacyWriteCallback(d *legacyPortDevice) iom.PortWriteFunc {
	return func(_ iom.Device, _ any, port uint16, width int, value uint32) iom.Status {
		if d.out == nil {
			return iom.Ok()
		}

		buf := make([]byte, width)
		widthToBytes(buf, value, width)

		if err := d.out(uint64(port), buf); err != nil {
			return iom.Fail(err)
		}

		return iom.Ok()
	}
}

// registerLegacyPortRange wires a [start, end) port range into the io
// dispatcher under a single registration, using the device's own absolute
// port number (PortAbsolute) since every pre-existing handler in this
// tree already switches on the absolute port rather than an in-region
// offset.
func (m *Machine) registerLegacyPortRange(
	name string, start, end uint64,
	in, out func(port uint64, bytes []byte) error,
) error {
	d := &legacyPortDevice{name: name, in: in, out: out}

	h, err := m.iomVM.CreateIOPort(
		d, int(end-start), iom.PortAbsolute, nil,
		iom.PortCallbacks{In: legacyReadCallback(d), Out: legacyWriteCallback(d)},
		nil, name, nil,
	)
	if err != nil {
		return err
	}

	return m.iomVM.MapIOPort(h, uint32(start))
}

// kvmMemManager implements iom.PhysMemManager for a KVM guest. Unlike a
// hypervisor that maintains its own shadow/nested page tables, KVM's
// memory-slot model already does the routing the mapping layer needs
// for free: any
// guest access that lands outside every registered KVM_SET_USER_MEMORY_REGION
// slot comes back to userspace as a KVM_EXIT_MMIO automatically, with no
// separate "install a handler over this range" step on the host side.
// InstallMMIOHandler/RemoveMMIOHandler are therefore no-ops here -- the
// range is already unbacked by construction, which is exactly the
// condition that makes it trap. Alias/Reset back a registration's pages
// directly with another memory object (the VirtualBox framebuffer fast
// path); nothing in this tree needs that, so they're unimplemented no-ops
// rather than support code with no caller.
type kvmMemManager struct{}

func (kvmMemManager) RegisterHandlerType(vm *iom.VM, name string) error { return nil }

func (kvmMemManager) InstallMMIOHandler(vm *iom.VM, base, size uint64, handle iom.MMIOHandle) error {
	return nil
}

func (kvmMemManager) RemoveMMIOHandler(vm *iom.VM, base, size uint64) error { return nil }

func (kvmMemManager) Alias(handle iom.MMIOHandle, offsetInRegion uint64, otherRAM uintptr, offsetInOther uint64, flags uint32) error {
	return nil
}

func (kvmMemManager) Reset(handle iom.MMIOHandle) error { return nil }
