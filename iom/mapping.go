package iom

import "fmt"

// portSpace is the total addressable port space; a mapped range's base
// plus its port count may not exceed it.
const portSpace = 1 << 16

// PhysMemManager is the external guest-physical memory manager
// collaborator. The core registers one handler-type with it at VM ring-0
// init and later asks it to install/remove MMIO page handlers and to
// back specific pages with alias memory.
type PhysMemManager interface {
	// RegisterHandlerType records the core's handler type name (always
	// "MMIO") and is called exactly once, at VM construction.
	RegisterHandlerType(vm *VM, name string) error
	// InstallMMIOHandler installs the MMIO handler type over
	// [base, base+size) so guest accesses there fault into the core.
	InstallMMIOHandler(vm *VM, base, size uint64, handle MMIOHandle) error
	// RemoveMMIOHandler undoes InstallMMIOHandler.
	RemoveMMIOHandler(vm *VM, base, size uint64) error
	// Alias backs the guest page at base+offsetInRegion directly with
	// another memory object, bypassing dispatch (framebuffer fast path).
	Alias(handle MMIOHandle, offsetInRegion uint64, otherRAM uintptr, offsetInOther uint64, flags uint32) error
	// Reset undoes every Alias binding for handle's region.
	Reset(handle MMIOHandle) error
}

// MapIOPort places a port registration at firstPort, making it visible
// to the dispatcher.
func (vm *VM) MapIOPort(h PortHandle, firstPort uint32) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	r, err := vm.resolvePort(h)
	if err != nil {
		return err
	}
	if r.mapped {
		return ErrAlreadyMapped
	}
	if uint64(firstPort)+uint64(r.nPorts) > portSpace {
		return fmt.Errorf("iom: firstPort %d + %d ports overflows port space: %w", firstPort, r.nPorts, ErrInvalidParameter)
	}

	lastPort := firstPort + uint32(r.nPorts) - 1
	table, err := insertPort(vm.portLookup, h, firstPort, lastPort)
	if err != nil {
		return err
	}
	vm.portLookup = table

	r.mapped = true
	r.mappedBase = uint16(firstPort)
	return nil
}

// UnmapIOPort removes a mapped port registration from the lookup index.
func (vm *VM) UnmapIOPort(h PortHandle) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	r, err := vm.resolvePort(h)
	if err != nil {
		return err
	}
	if !r.mapped {
		return ErrNotMapped
	}

	table, err := removePort(vm.portLookup, h)
	if err != nil {
		return err
	}
	vm.portLookup = table

	r.mapped = false
	r.mappedBase = 0
	return nil
}

// MapMMIO places an MMIO registration at firstAddr and asks the memory
// manager to trap guest accesses over the region.
func (vm *VM) MapMMIO(h MMIOHandle, firstAddr uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	r, err := vm.resolveMMIO(h)
	if err != nil {
		return err
	}
	if r.mapped {
		return ErrAlreadyMapped
	}
	if firstAddr%pageSize != 0 {
		return fmt.Errorf("iom: firstAddr %#x not page-aligned: %w", firstAddr, ErrInvalidParameter)
	}
	if firstAddr+r.size < firstAddr {
		return fmt.Errorf("iom: firstAddr %#x + size %d overflows: %w", firstAddr, r.size, ErrInvalidParameter)
	}

	// Set mapped/base first so concurrent fast-path readers that only
	// take the shared lock see a consistent (mapped, base) pair.
	r.mapped = true
	r.mappedBase = firstAddr

	if vm.mem != nil {
		if err := vm.mem.InstallMMIOHandler(vm, firstAddr, r.size, h); err != nil {
			r.mapped = false
			r.mappedBase = 0
			return err
		}
	}

	lastAddr := firstAddr + r.size - 1
	table, err := insertMMIO(vm.mmioLookup, h, firstAddr, lastAddr)
	if err != nil {
		if vm.mem != nil {
			_ = vm.mem.RemoveMMIOHandler(vm, firstAddr, r.size)
		}
		r.mapped = false
		r.mappedBase = 0
		return err
	}
	vm.mmioLookup = table

	return nil
}

// UnmapMMIO removes a mapped MMIO registration and its page handlers.
func (vm *VM) UnmapMMIO(h MMIOHandle) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	r, err := vm.resolveMMIO(h)
	if err != nil {
		return err
	}
	if !r.mapped {
		return ErrNotMapped
	}

	table, err := removeMMIO(vm.mmioLookup, h)
	if err != nil {
		return err
	}
	vm.mmioLookup = table

	if vm.mem != nil {
		if err := vm.mem.RemoveMMIOHandler(vm, r.mappedBase, r.size); err != nil {
			return err
		}
	}

	r.mapped = false
	r.mappedBase = 0
	return nil
}

// Mapping describes the result of GetMapping.
type Mapping struct {
	Mapped bool
	Base   uint64
}

// GetMapping atomically snapshots (mapped, base) for a port handle,
// the only safe way for external callers to read the mapping without
// holding the lock themselves.
func (vm *VM) GetMapping(h PortHandle) (Mapping, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	r, err := vm.resolvePort(h)
	if err != nil {
		return Mapping{}, err
	}
	return Mapping{Mapped: r.mapped, Base: uint64(r.mappedBase)}, nil
}

// GetMappingMMIO is GetMapping's MMIO counterpart.
func (vm *VM) GetMappingMMIO(h MMIOHandle) (Mapping, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	r, err := vm.resolveMMIO(h)
	if err != nil {
		return Mapping{}, err
	}
	return Mapping{Mapped: r.mapped, Base: r.mappedBase}, nil
}

// AliasMMIOPage backs a specific guest page directly by another memory
// object so a device can bypass dispatch for it. Valid only when the
// external memory manager supports it; the manager here always does,
// since every slot is ordinary mmap'd anonymous memory with no nested
// or shadow paging involved.
func (vm *VM) AliasMMIOPage(h MMIOHandle, offsetInRegion uint64, otherRAM uintptr, offsetInOther uint64, flags uint32) error {
	vm.mu.RLock()
	r, err := vm.resolveMMIO(h)
	if err != nil {
		vm.mu.RUnlock()
		return err
	}
	if !r.mapped {
		vm.mu.RUnlock()
		return ErrNotMapped
	}
	mem := vm.mem
	vm.mu.RUnlock()

	if mem == nil {
		return fmt.Errorf("iom: no memory manager configured: %w", ErrInvalidParameter)
	}
	if err := mem.Alias(h, offsetInRegion, otherRAM, offsetInOther, flags); err != nil {
		return err
	}

	vm.mu.Lock()
	// Re-resolve: the backing array may have been swapped out while the
	// lock was dropped for the memory-manager call.
	if r, err = vm.resolveMMIO(h); err == nil {
		r.alias = &aliasState{offsetInRegion: offsetInRegion, otherHandle: otherRAM, offsetInOther: offsetInOther, flags: flags}
	}
	vm.mu.Unlock()
	return err
}

// ResetMappedRegion undoes every alias set up by AliasMMIOPage for h's
// region.
func (vm *VM) ResetMappedRegion(h MMIOHandle) error {
	vm.mu.Lock()
	r, err := vm.resolveMMIO(h)
	if err != nil {
		vm.mu.Unlock()
		return err
	}
	mem := vm.mem
	vm.mu.Unlock()

	if mem == nil {
		return fmt.Errorf("iom: no memory manager configured: %w", ErrInvalidParameter)
	}
	if err := mem.Reset(h); err != nil {
		return err
	}

	vm.mu.Lock()
	if r, err = vm.resolveMMIO(h); err == nil {
		r.alias = nil
	}
	vm.mu.Unlock()
	return err
}
