package virtio

import (
	"testing"

	"github.com/cyberus-vmm/iomcore/iom"
)

const cfgTestBase = 0xc100_0000

func newTestCommonConfig(t *testing.T) (*iom.VM, *commonHeader) {
	t.Helper()

	vm, err := iom.New(1, nil)
	if err != nil {
		t.Fatalf("iom.New: %v", err)
	}

	hdr := &commonHeader{queueNUM: 8, queueSEL: 1}
	if _, err := NewCommonConfig("test-common-cfg", hdr).Register(vm, cfgTestBase); err != nil {
		t.Fatalf("Register: %v", err)
	}

	return vm, hdr
}

func TestCommonConfigSubDwordRead(t *testing.T) {
	t.Parallel()

	vm, _ := newTestCommonConfig(t)

	// queueNUM lives at header offset 12; a 2-byte read is narrower than
	// the dword read mode and goes through the complicated-read split.
	buf := make([]byte, 2)
	if st := vm.MmioAccess(iom.Slow, 0, cfgTestBase+12, buf, 2, iom.Read); st.Code != iom.Success {
		t.Fatalf("MmioAccess: %+v", st)
	}

	if got := uint16(buf[0]) | uint16(buf[1])<<8; got != 8 {
		t.Fatalf("queueNUM read back %d, want 8", got)
	}
}

func TestCommonConfigByteWriteMergesDword(t *testing.T) {
	t.Parallel()

	vm, hdr := newTestCommonConfig(t)

	// The ISR byte is at header offset 19, inside the dword starting at
	// 16 that also holds queueNotify and status. dword_read_missing must
	// merge the write so the neighbors survive.
	if st := vm.MmioAccess(iom.Slow, 0, cfgTestBase+19, []byte{0x1}, 1, iom.Write); st.Code != iom.Success {
		t.Fatalf("MmioAccess: %+v", st)
	}

	if hdr.isr != 0x1 {
		t.Fatalf("isr = %#x, want 0x1", hdr.isr)
	}
	if hdr.queueNUM != 8 || hdr.queueSEL != 1 {
		t.Fatalf("neighbor fields clobbered: queueNUM=%d queueSEL=%d", hdr.queueNUM, hdr.queueSEL)
	}
}

func TestCommonConfigOutOfRangeReadIsAllOnes(t *testing.T) {
	t.Parallel()

	vm, _ := newTestCommonConfig(t)

	// Past the header but inside the page-sized BAR: the device answers
	// Unused and the dispatcher substitutes all-ones.
	buf := make([]byte, 4)
	if st := vm.MmioAccess(iom.Slow, 0, cfgTestBase+0x800, buf, 4, iom.Read); st.Code != iom.Success {
		t.Fatalf("MmioAccess: %+v", st)
	}

	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("buf[%d] = %#x, want 0xFF", i, b)
		}
	}
}
