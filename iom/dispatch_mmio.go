package iom

import (
	"fmt"
	"log"
)

// Direction distinguishes a read access from a write access.
type Direction int

const (
	Read Direction = iota
	Write
)

// maxMMIOAccess bounds a single scalar access; the execution engine
// never issues more than 16 bytes at once.
const maxMMIOAccess = 16

// MmioAccess is the execution engine's direct entry point for an MMIO
// scalar access.
func (vm *VM) MmioAccess(ctx Context, cpu int, physAddr uint64, buf []byte, length int, dir Direction) Status {
	return vm.mmioAccess(ctx, cpu, physAddr, buf, length, dir, false)
}

// MmioAccessFromPageFault is the page-fault handler's entry point. It always runs in the slow context: the page
// fault is only ever serviced after a VM exit back to userspace.
func (vm *VM) MmioAccessFromPageFault(cpu int, physAddr uint64, buf []byte, length int, dir Direction) Status {
	return vm.mmioAccess(Slow, cpu, physAddr, buf, length, dir, true)
}

// MmioFill services a REP STOS-style fill, always in the slow context: fills are only ever issued by the
// instruction emulator, never the fast path.
func (vm *VM) MmioFill(cpu int, physAddr uint64, item uint32, size uint32, items uint32) Status {
	cs := vm.CPU(cpu)
	if cs == nil {
		return Fail(fmt.Errorf("iom: cpu %d out of range: %w", cpu, ErrInvalidParameter))
	}

	vm.mu.RLock()
	handle, offset, _, found := findMMIO(vm.mmioLookup, physAddr, cs.mmioHint)
	if !found {
		vm.mu.RUnlock()
		return Ok()
	}
	r, err := vm.resolveMMIO(handle)
	if err != nil {
		vm.mu.RUnlock()
		return Fail(err)
	}
	fillCb := r.callbacks.Fill
	dev, cookie, flags, idxStats := r.device, r.cookie, r.flags, r.idxStats
	vm.mu.RUnlock()

	if fillCb == nil {
		return Ok()
	}

	arg := offset
	if flags.Absolute {
		arg = physAddr
	}

	dev.IOLock().Lock()
	defer dev.IOLock().Unlock()

	st := fillCb(dev, cookie, arg, item, size, items)
	vm.stats.incWrite(idxStats)
	return st
}

func (vm *VM) mmioAccess(ctx Context, cpu int, physAddr uint64, buf []byte, length int, dir Direction, viaPageFault bool) Status {
	if length < 1 || length > maxMMIOAccess {
		return Fail(fmt.Errorf("iom: mmio length %d: %w", length, ErrInvalidParameter))
	}
	cs := vm.CPU(cpu)
	if cs == nil {
		return Fail(fmt.Errorf("iom: cpu %d out of range: %w", cpu, ErrInvalidParameter))
	}

	if !lockShared(ctx, &vm.mu) {
		return Status{Code: DeferToSlow}
	}

	handle, regionOffset, hint, found := findMMIO(vm.mmioLookup, physAddr, cs.mmioHint)
	if !found {
		vm.mu.RUnlock()
		if viaPageFault {
			// A fault against a page no mapped region covers means the
			// memory manager still has a handler installed for a mapping
			// that has since gone away; surface the miss so it can tear
			// the stale installation down.
			log.Printf("iom: mmio page fault at stale mapping %#x", physAddr)
			return Fail(fmt.Errorf("iom: page fault at %#x outside any mapped region: %w", physAddr, ErrRangeNotFound))
		}
		if dir == Read {
			fillOnes(buf, length)
		}
		return Ok()
	}
	cs.mmioHint = hint

	r, err := vm.resolveMMIO(handle)
	if err != nil {
		vm.mu.RUnlock()
		return Fail(err)
	}

	// Recursion guard: a device whose callback re-enters MMIO dispatch
	// on this CPU gets a fixed depth; past it the access is unhandled.
	cs.mmioRecursionDepth++
	if cs.mmioRecursionDepth > maxMMIORecursion {
		cs.mmioRecursionDepth--
		vm.mu.RUnlock()
		return Status{Code: DefaultAction}
	}
	cs.mmioRecursionStack[cs.mmioRecursionDepth-1] = r.device
	defer func() { cs.mmioRecursionDepth-- }()

	readCb, writeCb := r.callbacks.Read, r.callbacks.Write
	dev, cookie, flags, idxStats := r.device, r.cookie, r.flags, r.idxStats
	vm.mu.RUnlock()

	var haveCallback bool
	if dir == Read {
		haveCallback = readCb != nil
	} else {
		haveCallback = writeCb != nil
	}
	if !haveCallback {
		if ctx == Fast {
			vm.stats.incFastToSlow(idxStats)
			if dir == Write && cs.hasPendingMMIOWrite() {
				return Fail(fmt.Errorf("iom: second mmio deferral before commit: %w", errInternal))
			}
			return Status{Code: DeferToSlow}
		}
		if dir == Read {
			fillOnes(buf, length)
		}
		return Ok()
	}

	offset := regionOffset
	if flags.Absolute {
		offset = physAddr
	}

	if !acquireDevice(ctx, dev) {
		return Status{Code: DeferToSlow}
	}
	defer dev.IOLock().Unlock()

	var readPassthrough, writePassthrough, qwordRead, qwordWrite bool
	readPassthrough = flags.ReadMode == ReadPassthrough
	writePassthrough = flags.WriteMode == WritePassthrough
	qwordRead = flags.qwordCapableRead()
	qwordWrite = flags.qwordCapableWrite()

	var simple bool
	if dir == Read {
		simple = isSimpleMMIO(length, regionOffset, readPassthrough, qwordRead)
	} else {
		simple = isSimpleMMIO(length, regionOffset, writePassthrough, qwordWrite)
	}

	if simple {
		return vm.mmioSimple(ctx, cs, dev, cookie, physAddr, offset, buf, length, dir, idxStats, readCb, writeCb)
	}

	vm.stats.incComplicated(idxStats)
	if dir == Read {
		return vm.mmioComplicatedRead(dev, cookie, offset, buf, length, readCb, idxStats)
	}
	return vm.mmioComplicatedWrite(ctx, cs, dev, cookie, physAddr, offset, buf, length, flags, writeCb, readCb, idxStats)
}

// isSimpleMMIO reports whether the access matches the registration's
// natural width and alignment and can be forwarded in a single call.
func isSimpleMMIO(length int, regionOffset uint64, passthrough, qwordCapable bool) bool {
	if passthrough {
		return true
	}
	if length == 4 && regionOffset%4 == 0 {
		return true
	}
	if length == 8 && regionOffset%8 == 0 && qwordCapable {
		return true
	}
	return false
}

func (vm *VM) mmioSimple(
	ctx Context, cs *CPUState, dev Device, cookie any, physAddr, offset uint64,
	buf []byte, length int, dir Direction, idxStats int,
	readCb MMIOReadFunc, writeCb MMIOWriteFunc,
) Status {
	if dir == Read {
		if readCb == nil {
			fillOnes(buf, length)
			return Ok()
		}
		value, st := readCb(dev, cookie, offset, length)
		vm.stats.incRead(idxStats)
		switch st.Code {
		case Success:
			putWidthWide(buf, value, length)
			return st
		case UnusedAllOnes:
			vm.stats.incUnusedOnes(idxStats)
			fillOnes(buf, length)
			return Ok()
		case UnusedAllZero:
			vm.stats.incUnusedZero(idxStats)
			for i := 0; i < length; i++ {
				buf[i] = 0
			}
			return Ok()
		case DeferToSlow:
			if ctx != Fast {
				return Fail(fmt.Errorf("iom: DeferToSlow from slow-context callback: %w", errInternal))
			}
			return st
		default:
			return st
		}
	}

	if writeCb == nil {
		return Ok()
	}
	value := getWidthWide(buf, length)
	st := writeCb(dev, cookie, offset, length, value)
	vm.stats.incWrite(idxStats)
	return vm.handleMMIOWriteStatus(ctx, cs, st, physAddr, offset, buf, length, idxStats)
}

func (vm *VM) handleMMIOWriteStatus(ctx Context, cs *CPUState, st Status, physAddr, offset uint64, buf []byte, length int, idxStats int) Status {
	if st.Code == DeferToSlow {
		if ctx != Fast {
			return Fail(fmt.Errorf("iom: DeferToSlow from slow-context callback: %w", errInternal))
		}
		return vm.deferMMIOWrite(cs, physAddr, buf[:length], idxStats, cs.mmioHint)
	}
	return st
}

// mmioComplicatedRead synthesizes a narrower or misaligned read from
// aligned dword transactions, discarding the bytes outside the access.
func (vm *VM) mmioComplicatedRead(dev Device, cookie any, offset uint64, buf []byte, length int, readCb MMIOReadFunc, idxStats int) Status {
	if readCb == nil {
		fillOnes(buf, length)
		return Ok()
	}

	start := offset
	end := offset + uint64(length)
	alignedStart := start - start%4

	for dwordOff := alignedStart; dwordOff < end; dwordOff += 4 {
		value, st := readCb(dev, cookie, dwordOff, 4)
		vm.stats.incRead(idxStats)

		var dword [4]byte
		switch st.Code {
		case Success:
			putWidthWide(dword[:], value, 4)
		case UnusedAllOnes:
			vm.stats.incUnusedOnes(idxStats)
			fillOnes(dword[:], 4)
		case UnusedAllZero:
			vm.stats.incUnusedZero(idxStats)
		default:
			return st
		}

		lo, hi := dwordOff, dwordOff+4
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		for a := lo; a < hi; a++ {
			buf[a-start] = dword[a-dwordOff]
		}
	}

	return Ok()
}

// mmioComplicatedWrite splits a narrower or misaligned write into
// aligned dword transactions according to the registration's write mode.
func (vm *VM) mmioComplicatedWrite(
	ctx Context, cs *CPUState, dev Device, cookie any, physAddr, offset uint64,
	buf []byte, length int, flags MMIOFlags, writeCb MMIOWriteFunc, readCb MMIOReadFunc, idxStats int,
) Status {
	switch flags.WriteMode {
	case WriteDwordOnly, WriteDwordQwordOnly:
		return Ok()
	case WritePassthrough:
		if writeCb == nil {
			return Ok()
		}
		value := getWidthWide(buf, length)
		st := writeCb(dev, cookie, offset, length, value)
		vm.stats.incWrite(idxStats)
		return vm.handleMMIOWriteStatus(ctx, cs, st, physAddr, offset, buf, length, idxStats)
	}

	if writeCb == nil {
		return Ok()
	}

	start := offset
	end := offset + uint64(length)
	alignedStart := start - start%4
	needRead := flags.WriteMode == WriteDwordReadMissing || flags.WriteMode == WriteDwordQwordReadMissing
	zeroFill := flags.WriteMode == WriteDwordZeroed

	for dwordOff := alignedStart; dwordOff < end; dwordOff += 4 {
		lo, hi := dwordOff, dwordOff+4
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		partial := lo > dwordOff || hi < dwordOff+4

		var merged uint64
		if partial {
			switch {
			case needRead:
				bg, st := readCb(dev, cookie, dwordOff, 4)
				vm.stats.incRead(idxStats)
				switch st.Code {
				case Success:
					merged = bg
				case UnusedAllOnes:
					vm.stats.incUnusedOnes(idxStats)
					merged = uint64(widthMask(4))
				case UnusedAllZero:
					vm.stats.incUnusedZero(idxStats)
					merged = 0
				default:
					return st
				}
			case zeroFill:
				merged = 0
			default:
				// plain dword mode: narrower-than-dword writes at this
				// unit are dropped entirely.
				continue
			}
		}

		for a := lo; a < hi; a++ {
			shift := uint(a-dwordOff) * 8
			merged = (merged &^ (0xFF << shift)) | uint64(buf[a-start])<<shift
		}

		st := writeCb(dev, cookie, dwordOff, 4, merged)
		vm.stats.incWrite(idxStats)
		if st.Code == Success {
			continue
		}
		if st.Code == DeferToSlow {
			if ctx != Fast {
				return Fail(fmt.Errorf("iom: DeferToSlow from slow-context callback: %w", errInternal))
			}
			// The still-unwritten tail starts at this unit's aligned
			// address: the merged dword (background bytes already folded
			// in) followed by the raw bytes beyond it.
			tail := make([]byte, 4, 4+len(buf))
			putWidthWide(tail, merged, 4)
			if hi-start < uint64(len(buf)) {
				tail = append(tail, buf[hi-start:]...)
			}
			tailAddr := physAddr + dwordOff - start
			return vm.deferMMIOWrite(cs, tailAddr, tail, idxStats, cs.mmioHint)
		}
		return st
	}

	return Ok()
}

// deferMMIOWrite buffers the still-unwritten tail of a split write, or
// merges it with an already-pending adjacent write (a push straddling
// an MMIO page boundary arrives as two contiguous halves).
func (vm *VM) deferMMIOWrite(cs *CPUState, addr uint64, tail []byte, idxStats, hint int) Status {
	if len(tail) > maxPendingMMIO {
		return Fail(fmt.Errorf("iom: mmio deferred write of %d bytes exceeds %d: %w", len(tail), maxPendingMMIO, ErrInvalidParameter))
	}

	if cs.hasPendingMMIOWrite() {
		existingEnd := cs.pendingMMIO.addr + uint64(cs.pendingMMIO.length)
		if addr == existingEnd && cs.pendingMMIO.length+len(tail) <= maxPendingMMIO {
			copy(cs.pendingMMIO.bytes[cs.pendingMMIO.length:], tail)
			cs.pendingMMIO.length += len(tail)
			vm.stats.incDeferral(idxStats)
			return Status{Code: DeferCommitToSlow}
		}
		return Fail(fmt.Errorf("iom: second mmio deferral before commit: %w", errInternal))
	}

	vm.stats.incDeferral(idxStats)
	cs.pendingMMIO.addr = addr
	cs.pendingMMIO.length = copy(cs.pendingMMIO.bytes[:], tail)
	cs.pendingMMIO.regionHint = hint
	return Status{Code: DeferCommitToSlow}
}

func putWidthWide(buf []byte, value uint64, width int) {
	for i := 0; i < width && i < len(buf); i++ {
		buf[i] = byte(value >> (8 * i))
	}
}

func getWidthWide(buf []byte, width int) uint64 {
	var v uint64
	for i := 0; i < width && i < len(buf); i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}
