package iom

import (
	"errors"
	"testing"
)

func TestMergeStatusSuccessLeavesOtherAlone(t *testing.T) {
	t.Parallel()

	eng := Eng(5)
	if got := MergeStatus(Ok(), eng); got != eng {
		t.Fatalf("got %+v, want %+v", got, eng)
	}
	if got := MergeStatus(eng, Ok()); got != eng {
		t.Fatalf("got %+v, want %+v", got, eng)
	}
}

func TestMergeStatusTwoEngineStatusesPicksWorst(t *testing.T) {
	t.Parallel()

	a, b := Eng(3), Eng(9)
	got := MergeStatus(a, b)
	if got.Code != EngineStatus || got.Engine != 9 {
		t.Fatalf("got %+v, want engine 9", got)
	}
	got2 := MergeStatus(b, a)
	if got2.Engine != 9 {
		t.Fatalf("got %+v, want engine 9 regardless of order", got2)
	}
}

func TestMergeStatusTwoErrorsPicksWorst(t *testing.T) {
	t.Parallel()

	a := Fail(ErrInvalidParameter) // severity 1
	b := Fail(ErrOutOfMemory)      // severity 7

	got := MergeStatus(a, b)
	if !errors.Is(got.Err, ErrOutOfMemory) {
		t.Fatalf("got %v, want the more severe ErrOutOfMemory", got.Err)
	}
}

func TestMergeStatusErrorBeatsEngineStatus(t *testing.T) {
	t.Parallel()

	err := Fail(ErrRangeConflict)
	eng := Eng(100)

	if got := MergeStatus(err, eng); !got.IsError() {
		t.Fatalf("got %+v, want the error to win", got)
	}
	if got := MergeStatus(eng, err); !got.IsError() {
		t.Fatalf("got %+v, want the error to win", got)
	}
}

func TestMergeStatusDeferCommitTreatedAsSuccess(t *testing.T) {
	t.Parallel()

	got := MergeStatus(Status{Code: DeferCommitToSlow}, Status{Code: DeferCommitToSlow})
	if got.Code != Success {
		t.Fatalf("got %+v, want Success", got)
	}
}

// Adjacency merge: a pending MMIO write and a contiguous deferred
// write on the same CPU concatenate instead of erroring.
func TestAdjacencyMergePendingMMIOWrite(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	cs := vm.CPU(0)

	if st := vm.deferMMIOWrite(cs, 0x1000, []byte{1, 2, 3, 4}, noIdx, 0); st.Code != DeferCommitToSlow {
		t.Fatalf("first defer: %+v", st)
	}
	if st := vm.deferMMIOWrite(cs, 0x1004, []byte{5, 6}, noIdx, 0); st.Code != DeferCommitToSlow {
		t.Fatalf("adjacent defer: %+v", st)
	}

	if cs.pendingMMIO.length != 6 {
		t.Fatalf("merged length = %d, want 6", cs.pendingMMIO.length)
	}
	want := []byte{1, 2, 3, 4, 5, 6}
	for i, b := range want {
		if cs.pendingMMIO.bytes[i] != b {
			t.Fatalf("byte %d = %#x, want %#x", i, cs.pendingMMIO.bytes[i], b)
		}
	}
}

func TestSecondNonAdjacentDeferralIsInternalError(t *testing.T) {
	t.Parallel()

	vm, _ := New(1, newFakeMem())
	cs := vm.CPU(0)

	vm.deferMMIOWrite(cs, 0x1000, []byte{1}, noIdx, 0)
	st := vm.deferMMIOWrite(cs, 0x2000, []byte{2}, noIdx, 0)
	if !st.IsError() {
		t.Fatalf("want an internal error for non-adjacent second deferral, got %+v", st)
	}
}
