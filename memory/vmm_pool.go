package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-npu/device"
	"github.com/tsawler/go-npu/device_bridge"
)

// VMMPool serves devices whose driver supports incremental virtual-memory
// mapping. It reserves the device's address space once, commits pages in
// granularity-sized increments as the high-water mark grows, and never
// decommits before destruction: peak residency is traded for the complete
// elimination of native allocate/free churn.
//
// Buffers are carved from the committed range with a bump pointer. Freeing
// the most recently allocated buffer rolls the pointer back, and the pointer
// resets once nothing is live; other frees only adjust the in-use
// accounting.
type VMMPool struct {
	device      int
	driver      device_bridge.Driver
	granularity uint64

	reservation device_bridge.Handle
	reserved    uint64
	committed   uint64
	head        uint64
	inUse       uint64
	liveCount   int
	commits     uint64
}

// NewVMMPool reserves address space for a device and returns the pool. The
// capability record must report VMM support.
func NewVMMPool(dev int, capability device.Capability, driver device_bridge.Driver) (*VMMPool, error) {
	if !capability.VMMSupported {
		return nil, errors.Wrapf(device_bridge.ErrNotSupported, "device %d: VMM pool requested without VMM capability", dev)
	}
	if capability.VMMGranularity == 0 || capability.TotalMemory == 0 {
		return nil, errors.Errorf("device %d: capability record incomplete (granularity=%d total=%d)",
			dev, capability.VMMGranularity, capability.TotalMemory)
	}
	reserved := roundUp(capability.TotalMemory, capability.VMMGranularity)
	reservation, err := driver.VMMReserve(dev, reserved)
	if err != nil {
		return nil, errors.Wrapf(err, "device %d: reserving %d bytes of address space", dev, reserved)
	}
	return &VMMPool{
		device:      dev,
		driver:      driver,
		granularity: capability.VMMGranularity,
		reservation: reservation,
		reserved:    reserved,
	}, nil
}

// Alloc carves size bytes from the committed range, growing it by whole
// granularity units when the bump pointer would pass it.
func (p *VMMPool) Alloc(size uint64) (device_bridge.Handle, uint64, error) {
	need := alignUp(size)
	if p.head+need > p.committed {
		target := roundUp(p.head+need, p.granularity)
		if target > p.reserved {
			return nil, 0, errors.Wrapf(ErrNativeAlloc, "device %d: %d bytes would exceed %d-byte reservation", p.device, need, p.reserved)
		}
		if err := p.driver.VMMCommit(p.device, p.reservation, p.committed, target-p.committed); err != nil {
			return nil, 0, errors.Wrapf(ErrNativeAlloc, "device %d: committing %d bytes: %v", p.device, target-p.committed, err)
		}
		klog.V(2).Infof("device %d: VMM pool committed %d of %d reserved bytes", p.device, target, p.reserved)
		p.committed = target
		p.commits++
	}
	handle := device_bridge.Handle(unsafe.Add(unsafe.Pointer(p.reservation), int(p.head)))
	p.head += need
	p.inUse += need
	p.liveCount++
	return handle, need, nil
}

// Free returns a buffer's bytes to the in-use accounting. Committed pages
// stay committed.
func (p *VMMPool) Free(handle device_bridge.Handle, size uint64) error {
	base := uintptr(unsafe.Pointer(p.reservation))
	addr := uintptr(unsafe.Pointer(handle))
	if addr < base || uint64(addr-base)+size > p.head {
		return errors.Wrapf(ErrUntrackedBuffer, "device %d: handle %p outside pool range", p.device, unsafe.Pointer(handle))
	}
	offset := uint64(addr - base)
	p.inUse -= size
	p.liveCount--
	if offset+size == p.head {
		p.head = offset
	}
	if p.inUse == 0 {
		p.head = 0
	}
	return nil
}

// Destroy unmaps the reservation, committed pages included.
func (p *VMMPool) Destroy() error {
	if p.reservation == nil {
		return nil
	}
	if err := p.driver.VMMRelease(p.device, p.reservation, p.reserved); err != nil {
		return errors.Wrapf(err, "device %d: releasing %d-byte reservation", p.device, p.reserved)
	}
	p.reservation = nil
	p.committed = 0
	p.head = 0
	p.inUse = 0
	p.liveCount = 0
	return nil
}

// Device returns the device id the pool serves.
func (p *VMMPool) Device() int {
	return p.device
}

// Strategy returns StrategyVMM.
func (p *VMMPool) Strategy() Strategy {
	return StrategyVMM
}

// Size returns the committed bytes, the amount actually held from the
// device.
func (p *VMMPool) Size() uint64 {
	return p.committed
}

// Stats returns a snapshot of the pool's counters. NativeAllocs counts
// commit growths; the VMM pool never ages buffers out.
func (p *VMMPool) Stats() Stats {
	return Stats{
		BytesHeld:    p.committed,
		Tracked:      p.liveCount,
		NativeAllocs: p.commits,
	}
}
