package iom

// debugAsserts gates the post-mutation consistency assertions. Off by
// default, and no test switches it on (lookup_test.go calls
// assertPortInvariants directly instead); it mirrors the teacher's
// if-false-log.Printf debug-gate habit in machine.go.
var debugAsserts = false

// portLookupEntry is one interval of the sorted port search index.
type portLookupEntry struct {
	first, last uint32
	handle      PortHandle
}

// mmioLookupEntry is one interval of the sorted MMIO search index.
type mmioLookupEntry struct {
	first, last uint64
	handle      MMIOHandle
}

// findPort resolves port to (handle, offset-in-registration), biasing the
// search with hint as the first probe before falling back to bisection.
func findPort(table []portLookupEntry, port uint16, hint int) (PortHandle, uint16, int, bool) {
	p := uint32(port)

	if hint >= 0 && hint < len(table) {
		e := table[hint]
		if p >= e.first && p <= e.last {
			return e.handle, uint16(p - e.first), hint, true
		}
	}

	lo, hi := 0, len(table)
	for lo < hi {
		mid := (lo + hi) / 2
		e := table[mid]
		if e.last < p {
			lo = mid + 1
		} else if e.first > p {
			hi = mid
		} else {
			return e.handle, uint16(p - e.first), mid, true
		}
	}

	return 0, 0, hint, false
}

// findMMIO is findPort's MMIO counterpart.
func findMMIO(table []mmioLookupEntry, addr uint64, hint int) (MMIOHandle, uint64, int, bool) {
	if hint >= 0 && hint < len(table) {
		e := table[hint]
		if addr >= e.first && addr <= e.last {
			return e.handle, addr - e.first, hint, true
		}
	}

	lo, hi := 0, len(table)
	for lo < hi {
		mid := (lo + hi) / 2
		e := table[mid]
		if e.last < addr {
			lo = mid + 1
		} else if e.first > addr {
			hi = mid
		} else {
			return e.handle, addr - e.first, mid, true
		}
	}

	return 0, 0, hint, false
}

// portInsertionPoint finds the index at which an interval [first,last]
// would be inserted into a sorted, disjoint table, and reports whether it
// overlaps a neighbor at that index.
func portInsertionPoint(table []portLookupEntry, first, last uint32) (int, bool) {
	lo, hi := 0, len(table)
	for lo < hi {
		mid := (lo + hi) / 2
		if table[mid].first < first {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 && first <= table[lo-1].last {
		return lo, true
	}
	if lo < len(table) && last >= table[lo].first {
		return lo, true
	}
	return lo, false
}

func mmioInsertionPoint(table []mmioLookupEntry, first, last uint64) (int, bool) {
	lo, hi := 0, len(table)
	for lo < hi {
		mid := (lo + hi) / 2
		if table[mid].first < first {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 && first <= table[lo-1].last {
		return lo, true
	}
	if lo < len(table) && last >= table[lo].first {
		return lo, true
	}
	return lo, false
}

// insertPort inserts (handle, [firstPort,lastPort]) into table, which
// must be sorted and disjoint on entry. Caller holds the exclusive lock.
func insertPort(table []portLookupEntry, handle PortHandle, firstPort, lastPort uint32) ([]portLookupEntry, error) {
	idx, conflict := portInsertionPoint(table, firstPort, lastPort)
	if conflict {
		return table, ErrRangeConflict
	}

	table = append(table, portLookupEntry{})
	copy(table[idx+1:], table[idx:len(table)-1])
	table[idx] = portLookupEntry{first: firstPort, last: lastPort, handle: handle}

	if debugAsserts {
		assertPortInvariants(table)
	}
	return table, nil
}

func insertMMIO(table []mmioLookupEntry, handle MMIOHandle, firstAddr, lastAddr uint64) ([]mmioLookupEntry, error) {
	idx, conflict := mmioInsertionPoint(table, firstAddr, lastAddr)
	if conflict {
		return table, ErrRangeConflict
	}

	table = append(table, mmioLookupEntry{})
	copy(table[idx+1:], table[idx:len(table)-1])
	table[idx] = mmioLookupEntry{first: firstAddr, last: lastAddr, handle: handle}

	if debugAsserts {
		assertMMIOInvariants(table)
	}
	return table, nil
}

// removePort removes the entry with the matching handle, shifting the
// tail leftward.
func removePort(table []portLookupEntry, handle PortHandle) ([]portLookupEntry, error) {
	for i, e := range table {
		if e.handle == handle {
			copy(table[i:], table[i+1:])
			table = table[:len(table)-1]
			if debugAsserts {
				assertPortInvariants(table)
			}
			return table, nil
		}
	}
	return table, ErrNotMapped
}

func removeMMIO(table []mmioLookupEntry, handle MMIOHandle) ([]mmioLookupEntry, error) {
	for i, e := range table {
		if e.handle == handle {
			copy(table[i:], table[i+1:])
			table = table[:len(table)-1]
			if debugAsserts {
				assertMMIOInvariants(table)
			}
			return table, nil
		}
	}
	return table, ErrNotMapped
}

// assertPortInvariants checks interval ordering and disjointness. It does
// not check that each interval's length matches the referenced
// registration's declared size, and no caller checks that either.
func assertPortInvariants(table []portLookupEntry) {
	for i, e := range table {
		if e.first > e.last {
			panic("iom: port lookup entry with first > last")
		}
		if i > 0 && table[i-1].last >= e.first {
			panic("iom: port lookup entries overlap or misordered")
		}
	}
}

func assertMMIOInvariants(table []mmioLookupEntry) {
	for i, e := range table {
		if e.first > e.last {
			panic("iom: mmio lookup entry with first > last")
		}
		if i > 0 && table[i-1].last >= e.first {
			panic("iom: mmio lookup entries overlap or misordered")
		}
	}
}
