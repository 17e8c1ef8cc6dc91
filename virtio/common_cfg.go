package virtio

import (
	"sync"
	"unsafe"

	"github.com/cyberus-vmm/iomcore/iom"
)

// CommonCfgSize is the MMIO BAR size backing CommonConfig. commonHeader
// itself is a few bytes; iom.CreateMMIO requires a page-aligned size, and
// a page is the smallest it can be.
const CommonCfgSize = 0x1000

// CommonConfig mirrors a virtio device's commonHeader as an MMIO region
// instead of the legacy port-mapped BAR virtio/blk.go and virtio/net.go
// use. It registers with iom's dword_read_missing write mode: a write
// narrower than a dword (the single-byte ISR-ack idiom some guest
// drivers use against this header) gets a real read-modify-write against
// the backing struct instead of being silently dropped, exercising
// iom.WriteDwordReadMissing's merge path end to end from a real device.
type CommonConfig struct {
	lock sync.Mutex
	hdr  *commonHeader
	name string
}

func NewCommonConfig(name string, hdr *commonHeader) *CommonConfig {
	return &CommonConfig{hdr: hdr, name: name}
}

func (c *CommonConfig) Name() string        { return c.name }
func (c *CommonConfig) IOLock() *sync.Mutex { return &c.lock }

// bytes returns a byte-slice view directly over the backing commonHeader,
// the same unsafe-reinterpret idiom blk.go/net.go already use to overlay
// VirtQueue onto guest memory.
func (c *CommonConfig) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c.hdr)), unsafe.Sizeof(*c.hdr))
}

func (c *CommonConfig) read(_ iom.Device, _ any, offset uint64, width int) (uint64, iom.Status) {
	b := c.bytes()
	if int(offset)+width > len(b) {
		return 0, iom.Status{Code: iom.UnusedAllOnes}
	}

	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(b[int(offset)+i]) << (8 * i)
	}

	return v, iom.Ok()
}

func (c *CommonConfig) write(_ iom.Device, _ any, offset uint64, width int, value uint64) iom.Status {
	b := c.bytes()
	if int(offset)+width > len(b) {
		return iom.Ok()
	}

	for i := 0; i < width; i++ {
		b[int(offset)+i] = byte(value >> (8 * i))
	}

	return iom.Ok()
}

// Register creates and maps the MMIO BAR at base under vm.
func (c *CommonConfig) Register(vm *iom.VM, base uint64) (iom.MMIOHandle, error) {
	flags := iom.MMIOFlags{ReadMode: iom.ReadDword, WriteMode: iom.WriteDwordReadMissing}

	h, err := vm.CreateMMIO(c, CommonCfgSize, flags, nil, iom.MMIOCallbacks{Read: c.read, Write: c.write}, nil, c.name)
	if err != nil {
		return 0, err
	}

	if err := vm.MapMMIO(h, base); err != nil {
		return 0, err
	}

	return h, nil
}
