package iom

import "fmt"

// CommitPendingWrites replays this CPU's buffered deferred writes. The
// execution engine calls it after returning to the slow context following a
// DeferCommitToSlow.
func (vm *VM) CommitPendingWrites(cpu int) Status {
	cs := vm.CPU(cpu)
	if cs == nil {
		return Fail(fmt.Errorf("iom: cpu %d out of range: %w", cpu, ErrInvalidParameter))
	}

	portStatus, mmioStatus := Ok(), Ok()

	if cs.hasPendingPortWrite() {
		p := cs.pendingPort
		portStatus = vm.PortWrite(Slow, cpu, p.port, p.width, p.value)
		cs.pendingPort = pendingPortWrite{}
	}

	if cs.hasPendingMMIOWrite() {
		mmioStatus = vm.commitPendingMMIO(cpu, cs)
		cs.pendingMMIO = pendingMMIOWrite{}
	}

	return MergeStatus(portStatus, mmioStatus)
}

// commitPendingMMIO replays the buffered MMIO write. regionHint biases
// the lookup the same way any other dispatch call does (findMMIO tries
// the hint first); if the hint is stale the call falls through to the
// ordinary bisection search, the general write path.
func (vm *VM) commitPendingMMIO(cpu int, cs *CPUState) Status {
	p := cs.pendingMMIO
	cs.mmioHint = p.regionHint

	// The buffered write may exceed a single scalar access (adjacency
	// merges run up to 128 bytes), so replay it in aligned dword-sized
	// chunks, in address order.
	st := Ok()
	addr := p.addr
	rest := p.bytes[:p.length]
	for len(rest) > 0 {
		n := 4 - int(addr%4)
		if n > len(rest) {
			n = len(rest)
		}
		buf := make([]byte, n)
		copy(buf, rest[:n])
		st = MergeStatus(st, vm.MmioAccess(Slow, cpu, addr, buf, n, Write))
		if st.IsError() {
			return st
		}
		addr += uint64(n)
		rest = rest[n:]
	}

	return st
}

// MergeStatus merges a deferral status with a commit status: success
// leaves the other status alone, two engine-status codes pick the
// numerically worst (most urgent), two errors pick the worst by
// severityOf, and mixing an error with an engine status yields the
// error. DeferCommitToSlow is treated as equivalent to success here,
// since by the time MergeStatus runs the write has already happened.
func MergeStatus(a, b Status) Status {
	if a.Code == DeferCommitToSlow {
		a = Ok()
	}
	if b.Code == DeferCommitToSlow {
		b = Ok()
	}

	if a.Code == Success {
		return b
	}
	if b.Code == Success {
		return a
	}

	aErr, bErr := a.Code == Failure, b.Code == Failure
	switch {
	case aErr && bErr:
		if severityOf(a.Err) >= severityOf(b.Err) {
			return a
		}
		return b
	case aErr:
		return a
	case bErr:
		return b
	}

	if a.Code == EngineStatus && b.Code == EngineStatus {
		if a.Engine >= b.Engine {
			return a
		}
		return b
	}

	return a
}
