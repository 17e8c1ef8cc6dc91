package iom

import "sync"

// testDevice is a minimal Device for exercising the dispatcher in tests.
type testDevice struct {
	name string
	lk   sync.Mutex
}

func newTestDevice(name string) *testDevice { return &testDevice{name: name} }

func (d *testDevice) Name() string        { return d.name }
func (d *testDevice) IOLock() *sync.Mutex { return &d.lk }

// fakeMem is a no-op PhysMemManager good enough for tests that never
// exercise the page-fault path.
type fakeMem struct {
	installed map[uint64]uint64
	aliased   map[MMIOHandle]bool
	failNext  bool
}

func newFakeMem() *fakeMem {
	return &fakeMem{installed: map[uint64]uint64{}, aliased: map[MMIOHandle]bool{}}
}

func (m *fakeMem) RegisterHandlerType(vm *VM, name string) error { return nil }

func (m *fakeMem) InstallMMIOHandler(vm *VM, base, size uint64, handle MMIOHandle) error {
	if m.failNext {
		m.failNext = false
		return ErrOutOfMemory
	}
	m.installed[base] = size
	return nil
}

func (m *fakeMem) RemoveMMIOHandler(vm *VM, base, size uint64) error {
	delete(m.installed, base)
	return nil
}

func (m *fakeMem) Alias(handle MMIOHandle, offsetInRegion uint64, otherRAM uintptr, offsetInOther uint64, flags uint32) error {
	m.aliased[handle] = true
	return nil
}

func (m *fakeMem) Reset(handle MMIOHandle) error {
	delete(m.aliased, handle)
	return nil
}
