package iom

import (
	"fmt"
	"sync"
)

// lockShared applies the fast/slow blocking policy to the VM-wide I/O
// lock: Fast never blocks, Slow always succeeds (eventually).
func lockShared(ctx Context, mu *sync.RWMutex) bool {
	if ctx == Fast {
		return mu.TryRLock()
	}
	mu.RLock()
	return true
}

// widthMask returns the all-ones value of the requested access width.
func widthMask(width int) uint32 {
	switch width {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

func validPortWidth(width int) bool {
	return width == 1 || width == 2 || width == 4
}

// PortRead is the execution engine's fast-context (or slow-context)
// entry point for a scalar port read.
func (vm *VM) PortRead(ctx Context, cpu int, port uint16, width int) (uint32, Status) {
	if !validPortWidth(width) {
		return 0, Fail(fmt.Errorf("iom: port read width %d: %w", width, ErrInvalidParameter))
	}
	cs := vm.CPU(cpu)
	if cs == nil {
		return 0, Fail(fmt.Errorf("iom: cpu %d out of range: %w", cpu, ErrInvalidParameter))
	}

	if !lockShared(ctx, &vm.mu) {
		return 0, Status{Code: DeferToSlow}
	}

	handle, offset, hint, found := findPort(vm.portLookup, port, cs.portReadHint)
	if !found {
		vm.mu.RUnlock()
		return widthMask(width), Ok()
	}
	cs.portReadHint = hint

	r, err := vm.resolvePort(handle)
	if err != nil {
		vm.mu.RUnlock()
		return 0, Fail(err)
	}
	callback := r.callbacks.In
	dev, cookie, flags, idxStats := r.device, r.cookie, r.flags, r.idxStats
	vm.mu.RUnlock()

	if callback == nil {
		if ctx == Fast {
			vm.stats.incFastToSlow(idxStats)
			return 0, Status{Code: DeferToSlow}
		}
		return widthMask(width), Ok()
	}

	if !acquireDevice(ctx, dev) {
		return 0, Status{Code: DeferToSlow}
	}
	defer dev.IOLock().Unlock()

	arg := port
	if flags&PortAbsolute == 0 {
		arg = offset
	}

	value, st := callback(dev, cookie, arg, width)
	vm.stats.incRead(idxStats)

	switch st.Code {
	case Success:
		return value & widthMask(width), st
	case UnusedAllOnes:
		vm.stats.incUnusedOnes(idxStats)
		return widthMask(width), Ok()
	case UnusedAllZero:
		vm.stats.incUnusedZero(idxStats)
		return 0, Ok()
	case DeferToSlow:
		if ctx != Fast {
			return 0, Fail(fmt.Errorf("iom: DeferToSlow from slow-context callback: %w", errInternal))
		}
		return 0, st
	default:
		return value, st
	}
}

// PortWrite is the execution engine's entry point for a scalar port
// write.
func (vm *VM) PortWrite(ctx Context, cpu int, port uint16, width int, value uint32) Status {
	if !validPortWidth(width) {
		return Fail(fmt.Errorf("iom: port write width %d: %w", width, ErrInvalidParameter))
	}
	cs := vm.CPU(cpu)
	if cs == nil {
		return Fail(fmt.Errorf("iom: cpu %d out of range: %w", cpu, ErrInvalidParameter))
	}

	if !lockShared(ctx, &vm.mu) {
		return Status{Code: DeferToSlow}
	}

	handle, offset, hint, found := findPort(vm.portLookup, port, cs.portWriteHint)
	if !found {
		vm.mu.RUnlock()
		return Ok()
	}
	cs.portWriteHint = hint

	r, err := vm.resolvePort(handle)
	if err != nil {
		vm.mu.RUnlock()
		return Fail(err)
	}
	callback := r.callbacks.Out
	dev, cookie, flags, idxStats := r.device, r.cookie, r.flags, r.idxStats
	vm.mu.RUnlock()

	if callback == nil {
		if ctx == Fast {
			vm.stats.incFastToSlow(idxStats)
			return Status{Code: DeferToSlow}
		}
		return Ok()
	}

	if !acquireDevice(ctx, dev) {
		return Status{Code: DeferToSlow}
	}
	defer dev.IOLock().Unlock()

	arg := port
	if flags&PortAbsolute == 0 {
		arg = offset
	}

	st := callback(dev, cookie, arg, width, value)
	vm.stats.incWrite(idxStats)

	switch st.Code {
	case Success:
		return st
	case DeferToSlow:
		if ctx != Fast {
			return Fail(fmt.Errorf("iom: DeferToSlow from slow-context callback: %w", errInternal))
		}
		return vm.deferPortWrite(cs, port, width, value, idxStats)
	default:
		return st
	}
}

// deferPortWrite buffers a write for replay by CommitPendingWrites; at
// most one port write may be buffered per CPU.
func (vm *VM) deferPortWrite(cs *CPUState, port uint16, width int, value uint32, idxStats int) Status {
	if cs.hasPendingPortWrite() {
		return Fail(fmt.Errorf("iom: second deferral before commit: %w", errInternal))
	}
	vm.stats.incDeferral(idxStats)
	cs.pendingPort = pendingPortWrite{port: port, value: value, width: width}
	return Status{Code: DeferCommitToSlow}
}

func fillOnes(buf []byte, n int) {
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = 0xFF
	}
}

// PortReadString services REP INS-style transfers.
func (vm *VM) PortReadString(ctx Context, cpu int, port uint16, dst []byte, transfers *uint32, unitWidth int) Status {
	if !validPortWidth(unitWidth) {
		return Fail(fmt.Errorf("iom: string unit width %d: %w", unitWidth, ErrInvalidParameter))
	}
	cs := vm.CPU(cpu)
	if cs == nil {
		return Fail(fmt.Errorf("iom: cpu %d out of range: %w", cpu, ErrInvalidParameter))
	}

	if !lockShared(ctx, &vm.mu) {
		return Status{Code: DeferToSlow}
	}

	handle, offset, hint, found := findPort(vm.portLookup, port, cs.portReadStringHint)
	if !found {
		vm.mu.RUnlock()
		fillOnes(dst, int(*transfers)*unitWidth)
		*transfers = 0
		return Ok()
	}
	cs.portReadStringHint = hint

	r, err := vm.resolvePort(handle)
	if err != nil {
		vm.mu.RUnlock()
		return Fail(err)
	}
	strCb, scalarCb := r.callbacks.InString, r.callbacks.In
	dev, cookie, flags, idxStats := r.device, r.cookie, r.flags, r.idxStats
	vm.mu.RUnlock()

	if strCb == nil && scalarCb == nil {
		if ctx == Fast {
			vm.stats.incFastToSlow(idxStats)
			return Status{Code: DeferToSlow}
		}
		fillOnes(dst, int(*transfers)*unitWidth)
		*transfers = 0
		return Ok()
	}

	arg := port
	if flags&PortAbsolute == 0 {
		arg = offset
	}

	if strCb != nil {
		if !acquireDevice(ctx, dev) {
			return Status{Code: DeferToSlow}
		}
		before := *transfers
		st := strCb(dev, cookie, arg, dst, transfers, unitWidth)
		dev.IOLock().Unlock()
		vm.stats.incRead(idxStats)

		consumed := before - *transfers
		dst = dst[int(consumed)*unitWidth:]

		if st.Code != Success || *transfers == 0 {
			return st
		}
	}

	if scalarCb == nil {
		fillOnes(dst, int(*transfers)*unitWidth)
		*transfers = 0
		return Ok()
	}

	for *transfers > 0 {
		if !acquireDevice(ctx, dev) {
			return Status{Code: DeferToSlow}
		}
		value, st := scalarCb(dev, cookie, arg, unitWidth)
		dev.IOLock().Unlock()
		vm.stats.incRead(idxStats)

		switch st.Code {
		case Success:
			putWidth(dst, value, unitWidth)
		case UnusedAllOnes:
			vm.stats.incUnusedOnes(idxStats)
			putWidth(dst, widthMask(unitWidth), unitWidth)
		case UnusedAllZero:
			vm.stats.incUnusedZero(idxStats)
			putWidth(dst, 0, unitWidth)
		default:
			return st
		}

		*transfers--
		dst = dst[unitWidth:]
	}

	return Ok()
}

// PortWriteString services REP OUTS-style transfers.
func (vm *VM) PortWriteString(ctx Context, cpu int, port uint16, src []byte, transfers *uint32, unitWidth int) Status {
	if !validPortWidth(unitWidth) {
		return Fail(fmt.Errorf("iom: string unit width %d: %w", unitWidth, ErrInvalidParameter))
	}
	cs := vm.CPU(cpu)
	if cs == nil {
		return Fail(fmt.Errorf("iom: cpu %d out of range: %w", cpu, ErrInvalidParameter))
	}

	if !lockShared(ctx, &vm.mu) {
		return Status{Code: DeferToSlow}
	}

	handle, offset, hint, found := findPort(vm.portLookup, port, cs.portWriteStringHint)
	if !found {
		vm.mu.RUnlock()
		*transfers = 0
		return Ok()
	}
	cs.portWriteStringHint = hint

	r, err := vm.resolvePort(handle)
	if err != nil {
		vm.mu.RUnlock()
		return Fail(err)
	}
	strCb, scalarCb := r.callbacks.OutString, r.callbacks.Out
	dev, cookie, flags, idxStats := r.device, r.cookie, r.flags, r.idxStats
	vm.mu.RUnlock()

	if strCb == nil && scalarCb == nil {
		if ctx == Fast {
			vm.stats.incFastToSlow(idxStats)
			return Status{Code: DeferToSlow}
		}
		*transfers = 0
		return Ok()
	}

	arg := port
	if flags&PortAbsolute == 0 {
		arg = offset
	}

	if strCb != nil {
		if !acquireDevice(ctx, dev) {
			return Status{Code: DeferToSlow}
		}
		before := *transfers
		st := strCb(dev, cookie, arg, src, transfers, unitWidth)
		dev.IOLock().Unlock()
		vm.stats.incWrite(idxStats)

		consumed := before - *transfers
		src = src[int(consumed)*unitWidth:]

		if st.Code == DeferToSlow {
			return vm.deferStringTail(ctx, cs, port, src, *transfers, unitWidth, idxStats)
		}
		if st.Code != Success || *transfers == 0 {
			return st
		}
	}

	if scalarCb == nil {
		*transfers = 0
		return Ok()
	}

	for *transfers > 0 {
		if !acquireDevice(ctx, dev) {
			return vm.deferStringTail(ctx, cs, port, src, *transfers, unitWidth, idxStats)
		}
		value := getWidth(src, unitWidth)
		st := scalarCb(dev, cookie, arg, unitWidth, value)
		dev.IOLock().Unlock()
		vm.stats.incWrite(idxStats)

		if st.Code == DeferToSlow {
			return vm.deferStringTail(ctx, cs, port, src, *transfers, unitWidth, idxStats)
		}
		if st.Code != Success {
			return st
		}

		*transfers--
		src = src[unitWidth:]
	}

	return Ok()
}

// deferStringTail implements write-string escalation: a single remaining
// unit is small enough to reuse the scalar pending-port-write slot;
// anything larger returns DeferToSlow unbuffered and the slow context
// redoes the remaining units itself.
func (vm *VM) deferStringTail(ctx Context, cs *CPUState, port uint16, remaining []byte, transfers uint32, unitWidth int, idxStats int) Status {
	if ctx != Fast {
		return Fail(fmt.Errorf("iom: DeferToSlow from slow-context callback: %w", errInternal))
	}
	if transfers == 1 {
		value := getWidth(remaining, unitWidth)
		return vm.deferPortWrite(cs, port, unitWidth, value, idxStats)
	}
	return Status{Code: DeferToSlow}
}

func putWidth(buf []byte, value uint32, width int) {
	for i := 0; i < width && i < len(buf); i++ {
		buf[i] = byte(value >> (8 * i))
	}
}

func getWidth(buf []byte, width int) uint32 {
	var v uint32
	for i := 0; i < width && i < len(buf); i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v
}
