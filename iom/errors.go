package iom

import "errors"

// Error taxonomy surfaced from core entry points. Lookup misses on the
// guest dispatch path and Unused* callback results are recovered locally
// and never reach here; these are the errors an actual caller can
// observe. ErrRangeNotFound is the one miss that does surface: a page
// fault against an address no mapped region covers goes back to the
// memory manager so it can tear the stale page mapping down.
var (
	ErrInvalidHandle        = errors.New("iom: invalid handle")
	ErrInvalidParameter     = errors.New("iom: invalid parameter")
	ErrWrongOrder           = errors.New("iom: wrong order")
	ErrTooManyRegistrations = errors.New("iom: too many registrations")
	ErrRangeConflict        = errors.New("iom: range conflict")
	ErrNotMapped            = errors.New("iom: not mapped")
	ErrAlreadyMapped        = errors.New("iom: already mapped")
	ErrOutOfMemory          = errors.New("iom: out of memory")
	ErrRangeNotFound        = errors.New("iom: range not found")

	// errInternal marks dispatcher protocol violations: a second
	// deferral while one is already pending (the execution engine is
	// required to drain a pending write before issuing the next one), and
	// a callback returning DeferToSlow in the slow context. Hitting it is
	// a caller bug, not a recoverable condition.
	errInternal = errors.New("iom: internal protocol violation")
)

// errSeverity ranks errors for MergeStatus's "two errors, worst wins"
// rule. Unranked errors (callback-supplied, device-specific) are always
// considered worse than any ranked sentinel here, so that a device's
// own failure is never silently demoted by a VM housekeeping error.
var errSeverity = map[error]int{
	ErrInvalidParameter:     1,
	ErrNotMapped:            2,
	ErrAlreadyMapped:        2,
	ErrRangeConflict:        3,
	ErrInvalidHandle:        4,
	ErrRangeNotFound:        5,
	ErrWrongOrder:           6,
	ErrOutOfMemory:          7,
	ErrTooManyRegistrations: 7,
	errInternal:             8,
}

func severityOf(err error) int {
	worst := 0
	for sentinel, s := range errSeverity {
		if errors.Is(err, sentinel) && s > worst {
			worst = s
		}
	}
	if worst > 0 {
		return worst
	}
	return 100
}
