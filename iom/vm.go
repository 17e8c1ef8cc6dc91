package iom

import (
	"fmt"
	"sync"
)

// pageSize is the guest page granularity MMIO registrations and mappings
// must align to.
const pageSize = 4096

// VM is the per-VM dispatch state: the two registration
// tables, the two lookup arrays, the reader-writer lock protecting them,
// the frozen flag, aggregate statistics, and the MMIO handler-type
// identifier obtained from the external memory manager at ring-0 init.
type VM struct {
	mu sync.RWMutex

	ports []portRegistration
	mmios []mmioRegistration

	portLookup []portLookupEntry
	mmioLookup []mmioLookupEntry

	stats statsTable

	frozen bool

	mem         PhysMemManager
	handlerType string

	cpus []*CPUState
}

// New constructs a VM with nCPUs per-CPU dispatch states and registers
// the "MMIO" handler type with mem before any device registration runs.
// mem may be nil for unit tests that never install an MMIO page handler
// (Map/Unmap simply skip the memory-manager calls when it's absent).
func New(nCPUs int, mem PhysMemManager) (*VM, error) {
	if nCPUs < 1 {
		return nil, fmt.Errorf("iom: nCPUs %d: %w", nCPUs, ErrInvalidParameter)
	}

	vm := &VM{
		mem:         mem,
		handlerType: "MMIO",
		cpus:        make([]*CPUState, nCPUs),
	}
	for i := range vm.cpus {
		vm.cpus[i] = newCPUState()
	}

	if mem != nil {
		if err := mem.RegisterHandlerType(vm, vm.handlerType); err != nil {
			return nil, fmt.Errorf("iom: registering MMIO handler type: %w", err)
		}
	}

	return vm, nil
}

// CPU returns the per-CPU dispatch state for cpu, or nil if cpu is out
// of range (a caller bug: the execution engine sized nCPUs at New time).
func (vm *VM) CPU(cpu int) *CPUState {
	if cpu < 0 || cpu >= len(vm.cpus) {
		return nil
	}
	return vm.cpus[cpu]
}

// NumCPUs reports how many per-CPU states this VM was built with.
func (vm *VM) NumCPUs() int { return len(vm.cpus) }
