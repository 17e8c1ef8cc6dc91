package iom

import (
	"errors"
	"testing"
)

func mustMapMMIO(t *testing.T, vm *VM, dev Device, size uint64, flags MMIOFlags, cb MMIOCallbacks, base uint64) MMIOHandle {
	t.Helper()
	h, err := vm.CreateMMIO(dev, size, flags, nil, cb, nil, "mmio")
	if err != nil {
		t.Fatalf("CreateMMIO: %v", err)
	}
	if err := vm.MapMMIO(h, base); err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}
	return h
}

// A byte write in dword_read_missing mode reads the containing dword,
// overlays the new byte, and writes the merged value back.
func TestDwordReadMissingByteWrite(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	var reads, writes int
	var lastWriteOffset uint64
	var lastWriteValue uint64

	cb := MMIOCallbacks{
		Read: func(_ Device, _ any, offset uint64, width int) (uint64, Status) {
			reads++
			if offset == 0x28 {
				return 0x11223344, Ok()
			}
			return 0, Ok()
		},
		Write: func(_ Device, _ any, offset uint64, width int, value uint64) Status {
			writes++
			lastWriteOffset = offset
			lastWriteValue = value
			return Ok()
		},
	}

	flags := MMIOFlags{WriteMode: WriteDwordReadMissing}
	mustMapMMIO(t, vm, dev, 0x1000, flags, cb, 0x1000_0000)

	buf := []byte{0x55}
	st := vm.MmioAccess(Slow, 0, 0x1000_002A, buf, 1, Write)
	if st.Code != Success {
		t.Fatalf("MmioAccess: %+v", st)
	}
	if reads != 1 || writes != 1 {
		t.Fatalf("got reads=%d writes=%d, want 1 and 1", reads, writes)
	}
	if lastWriteOffset != 0x28 {
		t.Fatalf("write offset = %#x, want 0x28", lastWriteOffset)
	}
	if lastWriteValue != 0x11553344 {
		t.Fatalf("merged value = %#x, want 0x11553344", lastWriteValue)
	}
}

// A 2-byte write crossing an aligned-dword boundary in
// dword_read_missing mode produces exactly two dword callback
// invocations (one read + one write) per dword touched.
func TestBoundaryCrossDwordWriteReadMissing(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	var reads, writes int
	cb := MMIOCallbacks{
		Read: func(Device, any, uint64, int) (uint64, Status) {
			reads++
			return 0, Ok()
		},
		Write: func(Device, any, uint64, int, uint64) Status {
			writes++
			return Ok()
		},
	}

	flags := MMIOFlags{WriteMode: WriteDwordReadMissing}
	mustMapMMIO(t, vm, dev, 0x1000, flags, cb, 0x2000_0000)

	// Offset 3 spans dword [0,4) and dword [4,8).
	buf := []byte{0xAA, 0xBB}
	st := vm.MmioAccess(Slow, 0, 0x2000_0003, buf, 2, Write)
	if st.Code != Success {
		t.Fatalf("MmioAccess: %+v", st)
	}
	if reads != 2 || writes != 2 {
		t.Fatalf("got reads=%d writes=%d, want 2 and 2", reads, writes)
	}
}

// A scalar read from an unregistered region comes back all-ones.
func TestUnregisteredMMIOReadAllOnes(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())

	buf := make([]byte, 4)
	st := vm.MmioAccess(Slow, 0, 0xDEAD_B000, buf, 4, Read)
	if st.Code != Success {
		t.Fatalf("MmioAccess: %+v", st)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("buf[%d] = %#x, want 0xFF", i, b)
		}
	}
}

// The third nested dispatch on one CPU is refused without reaching
// the device.
func TestRecursionGuard(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	devX := newTestDevice("x")
	devY := newTestDevice("y")

	var depthAtX, depthAtY int
	var innermostStatus Status

	cbY := MMIOCallbacks{
		Write: func(_ Device, _ any, offset uint64, width int, value uint64) Status {
			depthAtY++
			// Y calls back into X's region, a third nested level.
			innermostStatus = vm.MmioAccess(Slow, 0, 0x3000_0000, []byte{0}, 1, Write)
			return Ok()
		},
	}
	hy, _ := vm.CreateMMIO(devY, 0x1000, MMIOFlags{WriteMode: WritePassthrough}, nil, cbY, nil, "y")
	if err := vm.MapMMIO(hy, 0x4000_0000); err != nil {
		t.Fatal(err)
	}

	var xCalls int
	cbX := MMIOCallbacks{
		Write: func(_ Device, _ any, offset uint64, width int, value uint64) Status {
			depthAtX++
			xCalls++
			if xCalls == 1 {
				// First call into X recurses into Y.
				return vm.MmioAccess(Slow, 0, 0x4000_0000, []byte{0}, 1, Write)
			}
			return Ok()
		},
	}
	mustMapMMIO(t, vm, devX, 0x1000, MMIOFlags{WriteMode: WritePassthrough}, cbX, 0x3000_0000)

	st := vm.MmioAccess(Slow, 0, 0x3000_0000, []byte{0}, 1, Write)
	if st.Code != Success {
		t.Fatalf("outer MmioAccess: %+v", st)
	}
	if innermostStatus.Code != DefaultAction {
		t.Fatalf("third nested call: want DefaultAction, got %+v", innermostStatus)
	}
	if xCalls != 1 {
		t.Fatalf("device X should only be invoked once (outer + guarded recursive call denied before reaching it): got %d", xCalls)
	}

	if vm.CPU(0).mmioRecursionDepth != 0 {
		t.Fatalf("recursion depth not unwound: %d", vm.CPU(0).mmioRecursionDepth)
	}
}

// Write then read at the same aligned dword offset in passthrough
// mode delivers to the device in that order.
func TestRoundTripWriteThenReadOrder(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	var order []string
	var stored uint64

	cb := MMIOCallbacks{
		Write: func(_ Device, _ any, _ uint64, _ int, value uint64) Status {
			order = append(order, "write")
			stored = value
			return Ok()
		},
		Read: func(Device, any, uint64, int) (uint64, Status) {
			order = append(order, "read")
			return stored, Ok()
		},
	}
	mustMapMMIO(t, vm, dev, 0x1000, MMIOFlags{ReadMode: ReadPassthrough, WriteMode: WritePassthrough}, cb, 0x5000_0000)

	wbuf := []byte{0x01, 0x02, 0x03, 0x04}
	if st := vm.MmioAccess(Slow, 0, 0x5000_0000, wbuf, 4, Write); st.Code != Success {
		t.Fatalf("write: %+v", st)
	}
	rbuf := make([]byte, 4)
	if st := vm.MmioAccess(Slow, 0, 0x5000_0000, rbuf, 4, Read); st.Code != Success {
		t.Fatalf("read: %+v", st)
	}

	if len(order) != 2 || order[0] != "write" || order[1] != "read" {
		t.Fatalf("unexpected order: %v", order)
	}
	if stored != 0x04030201 {
		t.Fatalf("stored = %#x, want 0x04030201", stored)
	}
}

func TestMMIOFastContextDeferral(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	cb := MMIOCallbacks{Write: func(Device, any, uint64, int, uint64) Status {
		return Status{Code: DeferToSlow}
	}}
	mustMapMMIO(t, vm, dev, 0x1000, MMIOFlags{WriteMode: WritePassthrough}, cb, 0x6000_0000)

	st := vm.MmioAccess(Fast, 0, 0x6000_0000, []byte{1, 2, 3, 4}, 4, Write)
	if st.Code != DeferCommitToSlow {
		t.Fatalf("want DeferCommitToSlow, got %+v", st)
	}

	cs := vm.CPU(0)
	if !cs.hasPendingMMIOWrite() || cs.pendingMMIO.addr != 0x6000_0000 {
		t.Fatalf("pending mmio write not recorded: %+v", cs.pendingMMIO)
	}
}

// A sub-dword write in dword_qword mode behaves like plain dword mode:
// the partial unit is dropped, not zero-widened.
func TestDwordQwordPartialWriteDropped(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	var writes int
	var lastWidth int
	cb := MMIOCallbacks{
		Write: func(_ Device, _ any, _ uint64, width int, _ uint64) Status {
			writes++
			lastWidth = width
			return Ok()
		},
	}
	mustMapMMIO(t, vm, dev, 0x1000, MMIOFlags{WriteMode: WriteDwordQword}, cb, 0x7000_0000)

	if st := vm.MmioAccess(Slow, 0, 0x7000_0002, []byte{0xAA, 0xBB}, 2, Write); st.Code != Success {
		t.Fatalf("partial write: %+v", st)
	}
	if writes != 0 {
		t.Fatalf("partial write in dword_qword mode should be dropped, got %d invocations", writes)
	}

	buf8 := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if st := vm.MmioAccess(Slow, 0, 0x7000_0008, buf8, 8, Write); st.Code != Success {
		t.Fatalf("qword write: %+v", st)
	}
	if writes != 1 || lastWidth != 8 {
		t.Fatalf("aligned qword should pass through once: writes=%d width=%d", writes, lastWidth)
	}
}

// A deferral mid-split buffers the merged dword at its aligned address
// and the commit replays it as a single dword write.
func TestComplicatedWriteDeferralBuffersMergedTail(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	var writeCalls int
	var committedOffset uint64
	var committedValue uint64
	cb := MMIOCallbacks{
		Read: func(_ Device, _ any, offset uint64, _ int) (uint64, Status) {
			return 0x11223344, Ok()
		},
		Write: func(_ Device, _ any, offset uint64, width int, value uint64) Status {
			writeCalls++
			if writeCalls == 1 {
				return Status{Code: DeferToSlow}
			}
			committedOffset = offset
			committedValue = value
			return Ok()
		},
	}
	mustMapMMIO(t, vm, dev, 0x1000, MMIOFlags{WriteMode: WriteDwordReadMissing}, cb, 0x8000_0000)

	st := vm.MmioAccess(Fast, 0, 0x8000_002A, []byte{0x55}, 1, Write)
	if st.Code != DeferCommitToSlow {
		t.Fatalf("want DeferCommitToSlow, got %+v", st)
	}

	cs := vm.CPU(0)
	if cs.pendingMMIO.addr != 0x8000_0028 || cs.pendingMMIO.length != 4 {
		t.Fatalf("pending tail = addr %#x len %d, want aligned dword at 0x8000_0028", cs.pendingMMIO.addr, cs.pendingMMIO.length)
	}

	if final := vm.CommitPendingWrites(0); final.Code != Success {
		t.Fatalf("commit: %+v", final)
	}
	if writeCalls != 2 {
		t.Fatalf("want 2 write invocations (deferred + committed), got %d", writeCalls)
	}
	if committedOffset != 0x28 || committedValue != 0x11553344 {
		t.Fatalf("commit wrote %#x at %#x, want 0x11553344 at 0x28", committedValue, committedOffset)
	}
	if cs.hasPendingMMIOWrite() {
		t.Fatalf("pending slot not cleared after commit")
	}
}

// An adjacency-merged pending write longer than a single scalar access
// is committed in aligned dword chunks, in address order.
func TestCommitReplaysMergedPendingInChunks(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	var offsets []uint64
	var values []uint64
	cb := MMIOCallbacks{
		Write: func(_ Device, _ any, offset uint64, width int, value uint64) Status {
			offsets = append(offsets, offset)
			values = append(values, value)
			return Ok()
		},
	}
	mustMapMMIO(t, vm, dev, 0x1000, MMIOFlags{WriteMode: WritePassthrough}, cb, 0x9000_0000)

	cs := vm.CPU(0)
	if st := vm.deferMMIOWrite(cs, 0x9000_0010, []byte{1, 2, 3, 4}, noIdx, 0); st.Code != DeferCommitToSlow {
		t.Fatalf("first defer: %+v", st)
	}
	if st := vm.deferMMIOWrite(cs, 0x9000_0014, []byte{5, 6, 7, 8}, noIdx, 0); st.Code != DeferCommitToSlow {
		t.Fatalf("adjacent defer: %+v", st)
	}

	if final := vm.CommitPendingWrites(0); final.Code != Success {
		t.Fatalf("commit: %+v", final)
	}
	if len(offsets) != 2 || offsets[0] != 0x10 || offsets[1] != 0x14 {
		t.Fatalf("commit chunk offsets = %#v, want [0x10 0x14]", offsets)
	}
	if values[0] != 0x04030201 || values[1] != 0x08070605 {
		t.Fatalf("commit chunk values = %#v", values)
	}
}

// A page fault against a mapping that has since gone away surfaces
// ErrRangeNotFound to the memory manager so it can tear the stale page
// installation down; no device is involved.
func TestPageFaultOnStaleMappingSurfacesRangeNotFound(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())

	buf := make([]byte, 4)
	st := vm.MmioAccessFromPageFault(0, 0xA000_0000, buf, 4, Read)
	if !st.IsError() || !errors.Is(st.Err, ErrRangeNotFound) {
		t.Fatalf("stale page fault: got %+v, want ErrRangeNotFound", st)
	}
}

func TestPageFaultDispatchesToMappedRegion(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	var got uint64
	cb := MMIOCallbacks{Read: func(_ Device, _ any, offset uint64, _ int) (uint64, Status) {
		got = offset
		return 0xCAFEBABE, Ok()
	}}
	mustMapMMIO(t, vm, dev, 0x1000, MMIOFlags{ReadMode: ReadPassthrough, WriteMode: WritePassthrough}, cb, 0xB000_0000)

	buf := make([]byte, 4)
	if st := vm.MmioAccessFromPageFault(0, 0xB000_0010, buf, 4, Read); st.Code != Success {
		t.Fatalf("page fault dispatch: %+v", st)
	}
	if got != 0x10 {
		t.Fatalf("callback offset = %#x, want 0x10", got)
	}
	if buf[0] != 0xBE || buf[3] != 0xCA {
		t.Fatalf("value not delivered: % x", buf)
	}
}

// A fill resolves to the region's Fill callback when it has one, and is
// silently absorbed when it doesn't.
func TestMmioFill(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	dev := newTestDevice("d")

	var fillOffset uint64
	var fillItems uint32
	cb := MMIOCallbacks{
		Write: func(Device, any, uint64, int, uint64) Status { return Ok() },
		Fill: func(_ Device, _ any, offset uint64, item uint32, size uint32, items uint32) Status {
			fillOffset = offset
			fillItems = items
			return Ok()
		},
	}
	mustMapMMIO(t, vm, dev, 0x1000, MMIOFlags{WriteMode: WritePassthrough}, cb, 0xC000_0000)

	if st := vm.MmioFill(0, 0xC000_0040, 0, 4, 16); st.Code != Success {
		t.Fatalf("MmioFill: %+v", st)
	}
	if fillOffset != 0x40 || fillItems != 16 {
		t.Fatalf("fill got offset=%#x items=%d, want 0x40 and 16", fillOffset, fillItems)
	}

	if st := vm.MmioFill(0, 0xDEAD_0000, 0, 4, 16); st.Code != Success {
		t.Fatalf("fill on unmapped region should be absorbed: %+v", st)
	}
}
