package iom

import "sync"

// Device is the capability a registration's owner must provide: a
// critical-section mutex the dispatcher acquires around every callback
// invocation. Fast-context acquirers
// that would block return DeferToSlow instead; this is why the lock is
// exposed as a *sync.Mutex rather than hidden behind Lock/Unlock methods
// that couldn't express TryLock.
type Device interface {
	Name() string
	IOLock() *sync.Mutex
}

// acquireDevice applies the fast/slow blocking policy to a device's
// critical section.
func acquireDevice(ctx Context, d Device) bool {
	lk := d.IOLock()
	if ctx == Fast {
		return lk.TryLock()
	}
	lk.Lock()
	return true
}

// StatusCode is the callback/dispatcher result vocabulary.
type StatusCode int

const (
	// Success indicates the operation completed.
	Success StatusCode = iota
	// UnusedAllOnes/UnusedAllZero: reads only, substitute synthetic value.
	UnusedAllOnes
	UnusedAllZero
	// DeferToSlow: needs the slow context; only a valid callback result
	// when the dispatcher itself was invoked from the fast context.
	DeferToSlow
	// DeferCommitToSlow is returned to the execution engine (never by a
	// callback) when a write has been buffered for slow-context replay.
	DeferCommitToSlow
	// DefaultAction: the recursion guard tripped; treat as unhandled.
	DefaultAction
	// EngineStatus carries an opaque execution-engine scheduling code
	// (raw-mode halt, debug stop, ...) that must propagate verbatim.
	EngineStatus
	// Failure carries a real error in Status.Err.
	Failure
)

// Status is the uniform result type threaded through the dispatcher and
// back to the execution engine.
type Status struct {
	Code   StatusCode
	Engine int   // valid when Code == EngineStatus
	Err    error // valid when Code == Failure
}

// Ok constructs a Success status.
func Ok() Status { return Status{Code: Success} }

// Fail wraps err as a Failure status.
func Fail(err error) Status { return Status{Code: Failure, Err: err} }

// Eng wraps an execution-engine scheduling code.
func Eng(k int) Status { return Status{Code: EngineStatus, Engine: k} }

// IsError reports whether s carries a real failure (not a protocol
// signal like DeferToSlow or an EngineStatus pass-through).
func (s Status) IsError() bool { return s.Code == Failure }

// PortReadFunc reads width bytes from a port (or in-region offset,
// per the Absolute flag) and returns the value plus a Status.
type PortReadFunc func(dev Device, cookie any, port uint16, width int) (uint32, Status)

// PortWriteFunc writes value (width bytes significant) to a port.
type PortWriteFunc func(dev Device, cookie any, port uint16, width int, value uint32) Status

// PortReadStringFunc/PortWriteStringFunc implement REP INS/OUTS style
// transfers; *transfers is updated in place to reflect units consumed.
type PortReadStringFunc func(dev Device, cookie any, port uint16, dst []byte, transfers *uint32, unitWidth int) Status
type PortWriteStringFunc func(dev Device, cookie any, port uint16, src []byte, transfers *uint32, unitWidth int) Status

// PortCallbacks is the polymorphic-over-capability-set callback struct
// for a port registration; any
// subset may be nil, but CreateIOPort requires at least one non-nil.
type PortCallbacks struct {
	Out       PortWriteFunc
	In        PortReadFunc
	OutString PortWriteStringFunc
	InString  PortReadStringFunc
}

func (c PortCallbacks) empty() bool {
	return c.Out == nil && c.In == nil && c.OutString == nil && c.InString == nil
}

// MMIOWriteFunc/MMIOReadFunc operate on region-relative (or absolute,
// per the Absolute flag) byte offsets.
type MMIOWriteFunc func(dev Device, cookie any, offset uint64, width int, value uint64) Status
type MMIOReadFunc func(dev Device, cookie any, offset uint64, width int) (uint64, Status)

// MMIOFillFunc services a REP STOS-style fill of items of size bytes
// each, starting at offset.
type MMIOFillFunc func(dev Device, cookie any, offset uint64, item uint32, size uint32, items uint32) Status

// MMIOCallbacks is the MMIO counterpart of PortCallbacks.
type MMIOCallbacks struct {
	Write MMIOWriteFunc
	Read  MMIOReadFunc
	Fill  MMIOFillFunc
}

func (c MMIOCallbacks) empty() bool {
	return c.Write == nil && c.Read == nil
}

// PortFlags is the port registration's flag vocabulary.
type PortFlags uint32

const (
	// PortAbsolute: callback receives the absolute port number rather
	// than the in-registration offset. Default (bit clear) is offset-based.
	PortAbsolute PortFlags = 1 << iota
)

// ReadMode governs complicated-read splitting for an MMIO registration.
type ReadMode int

const (
	ReadPassthrough ReadMode = iota
	ReadDword
	ReadDwordQword
)

// WriteMode governs complicated-write splitting for an MMIO registration.
type WriteMode int

const (
	WritePassthrough WriteMode = iota
	WriteDword
	WriteDwordZeroed
	WriteDwordReadMissing
	WriteDwordQword
	WriteDwordQwordReadMissing
	WriteDwordOnly
	WriteDwordQwordOnly
)

// MMIOFlags bundles the read/write splitting policy, the Absolute bit,
// and the debugger-stop bits.
type MMIOFlags struct {
	ReadMode                  ReadMode
	WriteMode                 WriteMode
	Absolute                  bool
	DbgStopOnComplicatedRead  bool
	DbgStopOnComplicatedWrite bool
}

// qwordCapableRead/qwordCapableWrite report whether this registration's modes permit an
// aligned 8-byte access to pass through as "simple".
func (f MMIOFlags) qwordCapableRead() bool  { return f.ReadMode == ReadDwordQword }
func (f MMIOFlags) qwordCapableWrite() bool {
	switch f.WriteMode {
	case WriteDwordQword, WriteDwordQwordReadMissing, WriteDwordQwordOnly:
		return true
	default:
		return false
	}
}

// PCIAssoc associates a registration with a PCI function's BAR.
type PCIAssoc struct {
	Device Device
	BAR    int
}
