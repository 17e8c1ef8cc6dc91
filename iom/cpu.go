package iom

// maxMMIORecursion is the MMIO recursion stack's fixed depth.
const maxMMIORecursion = 2

// maxPendingMMIO bounds a pending MMIO write's buffered length.
const maxPendingMMIO = 128

// pendingPortWrite is a deferred scalar port write awaiting its
// slow-context commit. width == 0 means none.
type pendingPortWrite struct {
	port  uint16
	value uint32
	width int
}

// pendingMMIOWrite is the deferred MMIO write slot. length == 0 means
// none. regionHint biases the commit replay's region lookup.
type pendingMMIOWrite struct {
	addr       uint64
	bytes      [maxPendingMMIO]byte
	length     int
	regionHint int
}

// CPUState is the per-CPU dispatch state: strictly owned by its CPU,
// no other CPU ever reads or writes it.
type CPUState struct {
	pendingPort pendingPortWrite
	pendingMMIO pendingMMIOWrite

	portReadHint        int
	portWriteHint       int
	portReadStringHint  int
	portWriteStringHint int
	mmioHint            int

	mmioRecursionDepth int
	mmioRecursionStack [maxMMIORecursion]Device
}

// newCPUState builds a CPUState with no pending writes and hints
// pointing nowhere in particular (hints start at 0; a miss just falls
// back to bisection, it never panics).
func newCPUState() *CPUState {
	return &CPUState{}
}

// hasPendingPortWrite reports whether a deferred port write is buffered.
func (c *CPUState) hasPendingPortWrite() bool { return c.pendingPort.width > 0 }

// hasPendingMMIOWrite reports whether a deferred MMIO write is buffered.
func (c *CPUState) hasPendingMMIOWrite() bool { return c.pendingMMIO.length > 0 }
