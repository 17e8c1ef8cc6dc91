package pci

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
import (
	"bytes"
	"encoding/binary"
)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) | 0x1) == 0x1
}

// Device is anything that can be plugged into a config-space slot: it owns
// an I/O port range and answers to config-space reads through its header.
type Device interface {
	IOInHandler(port uint64, bytes []byte) error
	IOOutHandler(port uint64, bytes []byte) error
	GetDeviceHeader() DeviceHeader
	GetIORange() (start, end uint64)
}

// DeviceHeader mirrors the first bytes of a type-0/type-1 PCI config
// header. VendorID must stay the first field: Bytes() serializes the
// struct as-is and callers read DeviceHeader.Bytes()[0] as the low byte
// of the vendor ID.
type DeviceHeader struct {
	VendorID    uint16
	DeviceID    uint16
	Command     uint16
	_           uint16 // status, unused
	_           uint32 // class code / revision, unused
	HeaderType  uint8
	SubsystemID uint8
	_           [2]uint8

	BAR [6]uint32

	InterruptLine uint8
	InterruptPin  uint8
	_             [2]uint8
}

func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

const bar0Offset = 0x10

// PCI implements the host side of configuration mechanism #1: the pair of
// 0xCF8/0xCFC ports software uses to address and read/write config space,
// dispatched across whichever devices are plugged into it.
type PCI struct {
	addr    address
	Devices []Device

	// sizingBAR tracks, per device, whether the last write to any of its
	// BARs was the all-ones probe pattern software uses to discover a
	// BAR's size.
	sizingBAR map[int]bool
}

func New(devices ...Device) *PCI {
	return &PCI{
		addr:      0xaabbccdd,
		Devices:   devices,
		sizingBAR: map[int]bool{},
	}
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	devNum := int(p.addr.getDeviceNumber())
	reg := p.addr.getRegisterOffset()

	if devNum >= len(p.Devices) {
		// No device in this slot. Unpopulated slots still answer as a
		// virtio-net PCI device; kept for the legacy probe sequence the
		// stock kernel's virtio driver runs before it walks bus 0
		// properly.
		if reg == 0 && len(values) >= 2 {
			values[0] = 0xF4
			values[1] = 0x1A
		}

		if reg == 8 && len(values) >= 2 {
			values[0] = 0x00
			values[1] = 0x10
		}

		return nil
	}

	dev := p.Devices[devNum]

	if reg >= bar0Offset && reg < bar0Offset+4*6 && p.sizingBAR[devNum] {
		start, end := dev.GetIORange()
		copy(values, NumToBytes(SizeToBits(end-start)))

		return nil
	}

	hdr, err := dev.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	if int(reg) >= len(hdr) {
		return nil
	}

	copy(values, hdr[reg:])

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	devNum := int(p.addr.getDeviceNumber())
	reg := p.addr.getRegisterOffset()

	if devNum >= len(p.Devices) {
		return nil
	}

	if reg >= bar0Offset && reg < bar0Offset+4*6 {
		p.sizingBAR[devNum] = BytesToNum(values) == 0xffffffff

		return nil
	}

	return nil
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((p.addr >> 24) & 0xff)
	values[2] = uint8((p.addr >> 16) & 0xff)
	values[1] = uint8((p.addr >> 8) & 0xff)
	values[0] = uint8((p.addr >> 0) & 0xff)

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	p.addr = address(x)

	return nil
}

// SizeToBits turns a BAR's byte size into the mask software reads back
// after probing it with an all-ones write, per the standard PCI BAR
// size-discovery convention.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

func BytesToNum(b []byte) uint64 {
	v := uint64(0)
	for i, x := range b {
		if i >= 8 {
			break
		}

		v |= uint64(x) << (8 * uint(i))
	}

	return v
}

func NumToBytes(num interface{}) []byte {
	buf := new(bytes.Buffer)

	switch v := num.(type) {
	case uint8:
		buf.WriteByte(v)
	case uint16:
		_ = binary.Write(buf, binary.LittleEndian, v)
	case uint32:
		_ = binary.Write(buf, binary.LittleEndian, v)
	case uint64:
		_ = binary.Write(buf, binary.LittleEndian, v)
	default:
		return []byte{}
	}

	return buf.Bytes()
}
