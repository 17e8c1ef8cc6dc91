package iodev

import (
	"log"
	"sync"

	"github.com/cyberus-vmm/iomcore/iom"
)

// This device is used by EDK2/CloudHv to let the host know about a shutdown.
// No implementation of handling the event on host side yet.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h

const (
	ACPIShutDownDevPort = uint32(0x600)
	acpiShutDownSize    = 8
)

// ACPIShutDownDevice registers itself as an 8-port iom range at
// ACPIShutDownDevPort and watches byte-wide writes for the ACPI reset
// and S5-sleep (shutdown) signatures.
type ACPIShutDownDevice struct {
	lock sync.Mutex
}

func NewACPIShutDownEvent() *ACPIShutDownDevice {
	return &ACPIShutDownDevice{}
}

func (a *ACPIShutDownDevice) Name() string        { return "acpi-shutdown" }
func (a *ACPIShutDownDevice) IOLock() *sync.Mutex { return &a.lock }

func (a *ACPIShutDownDevice) in(_ iom.Device, _ any, _ uint16, _ int) (uint32, iom.Status) {
	return 0, iom.Ok()
}

func (a *ACPIShutDownDevice) out(_ iom.Device, _ any, _ uint16, width int, value uint32) iom.Status {
	if width != 1 {
		return iom.Ok()
	}

	data := byte(value)

	if data == 1 {
		log.Println("ACPI Reboot signaled")
	}

	// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5.
	const (
		s5SleepVal       = uint8(5)
		sleepStatusENBit = uint8(5)
		sleepValBit      = uint8(2)
	)

	if data == (s5SleepVal<<sleepValBit)|(1<<sleepStatusENBit) {
		log.Println("ACPI Shutdown signalled")
	}

	return iom.Ok()
}

// Register installs the device at ACPIShutDownDevPort under vm.
func (a *ACPIShutDownDevice) Register(vm *iom.VM) error {
	h, err := vm.CreateIOPort(a, acpiShutDownSize, 0, nil, iom.PortCallbacks{In: a.in, Out: a.out}, nil, "acpi-shutdown", nil)
	if err != nil {
		return err
	}

	return vm.MapIOPort(h, ACPIShutDownDevPort)
}
