package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/cyberus-vmm/iomcore/iom"
	"github.com/cyberus-vmm/iomcore/pci"
)

const (
	BlkIOPortStart = 0x6300
	BlkIOPortSize  = 0x100

	blkKickPeriod = 10 * time.Millisecond
)

// virtio-blk request types, from the virtio spec.
const (
	blkTypeIn  = 0 // read
	blkTypeOut = 1 // write
)

// virtio-blk status byte values.
const (
	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

// Note that this interface shape recurs across packages
// (serial.IRQInjector, NetIRQInjector). It could be defined once by the
// machine, but each device keeps its own narrow view of the injector.
type BlkIRQInjector interface {
	InjectVirtioBlkIRQ() error
}

// BlkReq mirrors struct virtio_blk_outhdr: the 16-byte request header a
// guest driver places at the head of each descriptor chain.
type BlkReq struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

type Blk struct {
	Hdr blkHdr

	VirtQueue    [1]*VirtQueue
	Mem          []byte
	LastAvailIdx [1]uint16

	disk *os.File

	// kickMu guards kick sends against a concurrent Close: closing kick
	// while a send is in flight panics, so both go through kickMu.
	kickMu sync.Mutex
	kick   chan struct{}
	closed bool

	irq         uint8
	IRQInjector BlkIRQInjector
}

type blkHdr struct {
	commonHeader commonHeader
	blkHeader    blkHeader
}

func (h blkHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

type blkHeader struct {
	capacity uint64
}

func (v *Blk) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1001,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 2, // Block Device
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			BlkIOPortStart | 0x1,
		},
		// https://github.com/torvalds/linux/blob/fb3b0673b7d5b477ed104949450cd511337ba3c6/drivers/pci/setup-irq.c#L30-L55
		InterruptPin: 1,
		// https://www.webopedia.com/reference/irqnumbers/
		InterruptLine: v.irq,
	}
}

// Size reports the width of this device's legacy port-mapped BAR.
func (v *Blk) Size() uint64 {
	return uint64(BlkIOPortSize)
}

func (v *Blk) IOInHandler(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	l := len(bytes)
	copy(bytes[:l], b[offset:offset+l])

	// Reading the ISR status register acks and clears it, per the
	// legacy virtio spec.
	if offset == 19 && l == 1 {
		v.Hdr.commonHeader.isr = 0
	}

	return nil
}

// Read is an alias for IOInHandler using the naming the rest of this
// package's tests expect.
func (v *Blk) Read(port uint64, b []byte) error {
	return v.IOInHandler(port, b)
}

// Write is an alias for IOOutHandler.
func (v *Blk) Write(port uint64, b []byte) error {
	return v.IOOutHandler(port, b)
}

func (v *Blk) IOThreadEntry() {
	ticker := time.NewTicker(blkKickPeriod)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-v.kick:
			if !ok {
				return
			}

			for v.IO() == nil {
			}
		case <-ticker.C:
			// The guest may be slow to notice an IRQ; keep
			// re-asserting it while ISR is still set rather than
			// waiting indefinitely for the next kick.
			if v.Hdr.commonHeader.isr != 0 {
				if err := v.IRQInjector.InjectVirtioBlkIRQ(); err != nil {
					fmt.Printf("InjectVirtioBlkIRQ: %v\r\n", err)
				}
			}
		}
	}
}

// IO processes one pending descriptor chain from the selected virtqueue:
// a BlkReq header descriptor, a data-buffer descriptor, and a one-byte
// status descriptor, chained in that order.
func (v *Blk) IO() error {
	sel := v.Hdr.commonHeader.queueSEL

	vq := v.VirtQueue[sel]
	if vq == nil {
		return errors.New("virtqueue is not initialized")
	}

	availRing := &vq.AvailRing
	usedRing := &vq.UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return errors.New("no request pending")
	}

	headID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

	hdrDesc := vq.DescTable[headID]
	req := (*BlkReq)(unsafe.Pointer(&v.Mem[hdrDesc.Addr]))

	dataDesc := vq.DescTable[hdrDesc.Next]
	statusDesc := vq.DescTable[dataDesc.Next]

	buf := v.Mem[dataDesc.Addr : dataDesc.Addr+uint64(dataDesc.Len)]

	var status byte

	switch req.Type {
	case blkTypeIn:
		if _, err := v.disk.ReadAt(buf, int64(req.Sector)*512); err != nil && !errors.Is(err, io.EOF) {
			status = blkStatusIOErr
		}
	case blkTypeOut:
		if _, err := v.disk.WriteAt(buf, int64(req.Sector)*512); err != nil {
			status = blkStatusIOErr
		}
	default:
		status = blkStatusUnsupp
	}

	v.Mem[statusDesc.Addr] = status

	usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(headID)
	usedRing.Ring[usedRing.Idx%QueueSize].Len = dataDesc.Len
	usedRing.Idx++
	v.LastAvailIdx[sel]++

	v.Hdr.commonHeader.isr = 0x1

	if err := v.IRQInjector.InjectVirtioBlkIRQ(); err != nil {
		fmt.Printf("InjectVirtioBlkIRQ: %v\r\n", err)
	}

	return nil
}

func (v *Blk) IOOutHandler(port uint64, bytes []byte) error {
	offset := int(port - BlkIOPortStart)

	switch offset {
	case 8:
		// Queue PFN is aligned to page (4096 bytes)
		physAddr := uint32(pci.BytesToNum(bytes) * 4096)
		v.VirtQueue[v.Hdr.commonHeader.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(pci.BytesToNum(bytes))
	case 16:
		v.Hdr.commonHeader.isr = 0x0
		v.sendKick()
	case 19:
	default:
	}

	return nil
}

// sendKick notifies IOThreadEntry of pending work without ever blocking
// the calling vCPU thread: a full or receiverless kick channel just means
// a kick is already outstanding.
func (v *Blk) sendKick() {
	v.kickMu.Lock()
	defer v.kickMu.Unlock()

	if v.closed {
		return
	}

	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// Close stops IOThreadEntry and releases the backing disk file. A second
// Close returns an error.
func (v *Blk) Close() error {
	v.kickMu.Lock()

	if v.closed {
		v.kickMu.Unlock()
		return errors.New("virtio-blk device already closed")
	}

	v.closed = true
	close(v.kick)
	v.kickMu.Unlock()

	return v.disk.Close()
}

func (v *Blk) GetIORange() (start, end uint64) {
	return BlkIOPortStart, BlkIOPortStart + BlkIOPortSize
}

// RegisterCommonConfig additionally exposes this device's commonHeader as
// an MMIO BAR (supplemental to the legacy port-mapped one) so a guest
// driver using the newer virtio-mmio-style common-config layout, and the
// dword_read_missing write path, has a real device to exercise.
func (v *Blk) RegisterCommonConfig(vm *iom.VM, base uint64) error {
	_, err := NewCommonConfig("virtio-blk-common-cfg", &v.Hdr.commonHeader).Register(vm, base)
	return err
}

// NewBlk opens diskPath as the backing store for a virtio-blk device and
// reports its size in the device's capacity header field.
func NewBlk(diskPath string, irq uint8, irqInjector BlkIRQInjector, mem []byte) (*Blk, error) {
	f, err := os.OpenFile(diskPath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat disk image %q: %w", diskPath, err)
	}

	res := &Blk{
		Hdr: blkHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
			blkHeader: blkHeader{
				capacity: uint64(fi.Size()) / 512,
			},
		},
		disk:         f,
		irq:          irq,
		IRQInjector:  irqInjector,
		kick:         make(chan struct{}, 1),
		Mem:          mem,
		VirtQueue:    [1]*VirtQueue{},
		LastAvailIdx: [1]uint16{0},
	}

	return res, nil
}
