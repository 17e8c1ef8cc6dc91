package iodev

import (
	"sync"

	"github.com/cyberus-vmm/iomcore/iom"
)

// NoopDevice claims an io-port range and absorbs every access to it:
// reads come back all-ones through the dispatcher's Unused path, writes
// are silently dropped. Used for legacy PC ports this tree stubs out
// without modeling (VGA, CMOS RTC, DMA page registers, unused serial
// UARTs, ...) so that probing software sees a present-but-inert device
// rather than whatever happens to be unmapped.
type NoopDevice struct {
	name string
	lock sync.Mutex
}

func NewNoopDevice(name string) *NoopDevice { return &NoopDevice{name: name} }

func (n *NoopDevice) Name() string        { return n.name }
func (n *NoopDevice) IOLock() *sync.Mutex { return &n.lock }

func (n *NoopDevice) in(_ iom.Device, _ any, _ uint16, _ int) (uint32, iom.Status) {
	return 0, iom.Status{Code: iom.UnusedAllOnes}
}

func (n *NoopDevice) out(_ iom.Device, _ any, _ uint16, _ int, _ uint32) iom.Status {
	return iom.Ok()
}

// Register installs n over [start, end) ports under vm.
func (n *NoopDevice) Register(vm *iom.VM, start, end uint32) error {
	h, err := vm.CreateIOPort(n, int(end-start), 0, nil, iom.PortCallbacks{In: n.in, Out: n.out}, nil, n.name, nil)
	if err != nil {
		return err
	}

	return vm.MapIOPort(h, start)
}
