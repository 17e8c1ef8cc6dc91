// Package device holds small debug/firmware-facing io-port devices that
// are simple enough to not warrant their own package, adapted to register
// themselves directly with iom instead of being poked into a flat port
// array.
package device

import (
	"fmt"
	"sync"

	"github.com/cyberus-vmm/iomcore/iom"
)

// PostCodeDevice is the legacy BIOS POST-code port at 0x80: firmware and
// early boot code write one-byte progress codes here. This tree also
// treats a written 0 byte as "flush the current debug line", which is
// how it has always used the port for early guest console output.
type PostCodeDevice struct {
	lock sync.Mutex
}

func NewPostCodeDevice() *PostCodeDevice { return &PostCodeDevice{} }

func (p *PostCodeDevice) Name() string        { return "postcode" }
func (p *PostCodeDevice) IOLock() *sync.Mutex { return &p.lock }

func (p *PostCodeDevice) out(_ iom.Device, _ any, _ uint16, width int, value uint32) iom.Status {
	if width != 1 {
		return iom.Ok()
	}

	if byte(value) == 0 {
		fmt.Printf("\r\n")
	} else {
		fmt.Printf("%c", byte(value))
	}

	return iom.Ok()
}

// Register installs the device at port 0x80 under vm.
func (p *PostCodeDevice) Register(vm *iom.VM) error {
	h, err := vm.CreateIOPort(p, 1, 0, nil, iom.PortCallbacks{Out: p.out}, nil, "postcode", nil)
	if err != nil {
		return err
	}

	return vm.MapIOPort(h, 0x80)
}
