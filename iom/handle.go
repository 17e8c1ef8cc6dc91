package iom

import "fmt"

// PortHandle and MMIOHandle are stable indices into the VM's registration
// tables; growth never invalidates them because they are indices, not
// pointers into the backing array. They are disjoint numeric spaces: a PortHandle is never a valid
// MMIOHandle and vice versa, even though both are plain int32s.
type PortHandle int32
type MMIOHandle int32

// NoHandle is never a valid handle; returned alongside an error.
const NoHandle = -1

// noIdx marks an unreserved statistics slot.
const noIdx = -1

// maxRegistrations bounds each table independently.
const maxRegistrations = 4096

// maxPorts is the largest contiguous port range a single registration
// may claim.
const maxPorts = 8192

// portRegistration is a device's claim on a contiguous range of ports.
type portRegistration struct {
	device    Device
	cookie    any
	callbacks PortCallbacks
	nPorts    int
	pciAssoc  *PCIAssoc
	descr     string
	extDescr  []string
	flags     PortFlags

	mapped     bool
	mappedBase uint16

	idxStats int
	idxSelf  int
}

// mmioRegistration is a device's claim on a guest-physical MMIO region.
type mmioRegistration struct {
	device    Device
	cookie    any
	callbacks MMIOCallbacks
	size      uint64
	pciAssoc  *PCIAssoc
	descr     string
	flags     MMIOFlags

	mapped     bool
	mappedBase uint64

	idxStats int
	idxSelf  int

	alias *aliasState
}

// aliasState records an outstanding AliasMMIOPage binding so
// ResetMappedRegion can undo it.
type aliasState struct {
	offsetInRegion uint64
	otherHandle    uintptr
	offsetInOther  uint64
	flags          uint32
}

// CreateIOPort registers a device's claim on nPorts contiguous ports
// and returns a stable handle. The range stays invisible to the
// dispatcher until MapIOPort places it.
func (vm *VM) CreateIOPort(
	device Device, nPorts int, flags PortFlags, pciAssoc *PCIAssoc,
	callbacks PortCallbacks, cookie any, descr string, extDescr []string,
) (PortHandle, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.frozen {
		return NoHandle, ErrWrongOrder
	}
	if nPorts < 1 || nPorts > maxPorts {
		return NoHandle, fmt.Errorf("iom: nPorts %d: %w", nPorts, ErrInvalidParameter)
	}
	if callbacks.empty() {
		return NoHandle, fmt.Errorf("iom: no callbacks: %w", ErrInvalidParameter)
	}
	if descr == "" || len(descr) >= 128 {
		return NoHandle, fmt.Errorf("iom: description length %d: %w", len(descr), ErrInvalidParameter)
	}
	if len(vm.ports) >= maxRegistrations {
		return NoHandle, ErrTooManyRegistrations
	}

	idxStats, err := vm.stats.reserve(nPorts)
	if err != nil {
		return NoHandle, err
	}

	idx := len(vm.ports)
	vm.ports = append(vm.ports, portRegistration{
		device:    device,
		cookie:    cookie,
		callbacks: callbacks,
		nPorts:    nPorts,
		pciAssoc:  pciAssoc,
		descr:     descr,
		extDescr:  extDescr,
		flags:     flags,
		idxStats:  idxStats,
		idxSelf:   idx,
	})

	return PortHandle(idx), nil
}

// CreateMMIO registers a device's claim on an MMIO region of size bytes
// and returns a stable handle, unmapped until MapMMIO places it.
func (vm *VM) CreateMMIO(
	device Device, size uint64, flags MMIOFlags, pciAssoc *PCIAssoc,
	callbacks MMIOCallbacks, cookie any, descr string,
) (MMIOHandle, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.frozen {
		return NoHandle, ErrWrongOrder
	}
	if size == 0 || size > (1<<40) {
		return NoHandle, fmt.Errorf("iom: size %d: %w", size, ErrInvalidParameter)
	}
	if size%pageSize != 0 {
		return NoHandle, fmt.Errorf("iom: size %d not page-aligned: %w", size, ErrInvalidParameter)
	}
	if callbacks.empty() {
		return NoHandle, fmt.Errorf("iom: no callbacks: %w", ErrInvalidParameter)
	}
	switch flags.ReadMode {
	case ReadPassthrough, ReadDword, ReadDwordQword:
	default:
		return NoHandle, fmt.Errorf("iom: readMode %d: %w", flags.ReadMode, ErrInvalidParameter)
	}
	switch flags.WriteMode {
	case WritePassthrough, WriteDword, WriteDwordZeroed, WriteDwordReadMissing,
		WriteDwordQword, WriteDwordQwordReadMissing, WriteDwordOnly, WriteDwordQwordOnly:
	default:
		return NoHandle, fmt.Errorf("iom: writeMode %d: %w", flags.WriteMode, ErrInvalidParameter)
	}
	if len(vm.mmios) >= maxRegistrations {
		return NoHandle, ErrTooManyRegistrations
	}

	idxStats, err := vm.stats.reserve(1)
	if err != nil {
		return NoHandle, err
	}

	idx := len(vm.mmios)
	vm.mmios = append(vm.mmios, mmioRegistration{
		device:    device,
		cookie:    cookie,
		callbacks: callbacks,
		size:      size,
		pciAssoc:  pciAssoc,
		descr:     descr,
		flags:     flags,
		idxStats:  idxStats,
		idxSelf:   idx,
	})

	return MMIOHandle(idx), nil
}

// resolvePort turns a handle back into its table entry. Caller must hold at
// least the shared lock.
func (vm *VM) resolvePort(h PortHandle) (*portRegistration, error) {
	if h < 0 || int(h) >= len(vm.ports) {
		return nil, ErrInvalidHandle
	}
	return &vm.ports[h], nil
}

// resolveMMIO is the MMIO counterpart of resolvePort.
func (vm *VM) resolveMMIO(h MMIOHandle) (*mmioRegistration, error) {
	if h < 0 || int(h) >= len(vm.mmios) {
		return nil, ErrInvalidHandle
	}
	return &vm.mmios[h], nil
}

// ValidateOwner ensures a caller claiming to act for device actually
// owns the referenced port handle.
func (vm *VM) ValidateOwner(h PortHandle, device Device) error {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	r, err := vm.resolvePort(h)
	if err != nil {
		return err
	}
	if r.device != device {
		return ErrInvalidHandle
	}
	return nil
}

// ValidateOwnerMMIO is the MMIO counterpart of ValidateOwner.
func (vm *VM) ValidateOwnerMMIO(h MMIOHandle, device Device) error {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	r, err := vm.resolveMMIO(h)
	if err != nil {
		return err
	}
	if r.device != device {
		return ErrInvalidHandle
	}
	return nil
}

// Freeze rejects all subsequent registration and stats-growth attempts;
// it is called once, when VM construction completes.
func (vm *VM) Freeze() {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.frozen = true
	vm.stats.frozen = true
}
