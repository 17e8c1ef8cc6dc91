package iom

// Context tags which blocking policy a dispatch call runs under. The
// dispatcher is written once (see dispatch_port.go, dispatch_mmio.go) and
// instantiated under both: Fast never blocks and escalates to DeferToSlow
// on any contention, Slow blocks like ordinary userspace code.
type Context int

const (
	// Slow is the full-featured context: blocking lock/mutex acquisition,
	// complete device emulation available.
	Slow Context = iota
	// Fast is the driverless/kernel context: any would-be blocking
	// acquisition instead returns DeferToSlow.
	Fast
)

func (c Context) String() string {
	if c == Fast {
		return "fast"
	}
	return "slow"
}
