package memory

import (
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-npu/device_bridge"
)

// SlotPool is the opt-in legacy strategy: a bounded table of slots scanned
// first-fit in slot order. The first never-filled slot ends the scan; when
// nothing was reusable, a fresh native allocation lands in the earliest
// empty slot, which may be one an aging release emptied during the same
// scan. A free slot too small for the request is released under the same
// margin and idle-age policy as the priority pool, emptying its slot. A scan
// that finds neither a reusable nor an empty slot is capacity exhaustion,
// reported as ErrPoolExhausted with no recovery.
type SlotPool struct {
	device         int
	driver         device_bridge.Driver
	clock          Clock
	disableCleanup bool

	// slots[i].rec == nil marks an empty slot. Fresh allocations take the
	// earliest empty slot so the occupied prefix stays compact and no free
	// slot hides behind a hole.
	slots    []slot
	poolSize uint64

	reuseHits    uint64
	nativeAllocs uint64
	agedReleases uint64
}

type slot struct {
	rec  *bufferRecord
	used bool
}

// NewSlotPool creates a fixed-slot pool for a device.
func NewSlotPool(device int, driver device_bridge.Driver, opts ...PoolOption) *SlotPool {
	cfg := defaultPoolConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &SlotPool{
		device:         device,
		driver:         driver,
		clock:          cfg.clock,
		disableCleanup: cfg.disableCleanup,
		slots:          make([]slot, cfg.slotCapacity),
	}
}

// Alloc scans the slot table once, in slot order, reusing the first free
// slot whose buffer fits within the reuse margin.
func (p *SlotPool) Alloc(size uint64) (device_bridge.Handle, uint64, error) {
	need := alignUp(size)

	emptyIdx := -1
	freedIdx := -1
	for i := range p.slots {
		s := &p.slots[i]
		if s.rec == nil {
			// First never-filled slot ends the scan.
			emptyIdx = i
			break
		}
		if s.used {
			continue
		}
		rec := s.rec
		if rec.size >= need {
			if rec.size-need <= MaxReuseMargin {
				s.used = true
				p.reuseHits++
				return rec.handle, rec.size, nil
			}
			continue
		}
		if p.shouldAge(rec, need) {
			if err := p.release(rec); err != nil {
				return nil, 0, err
			}
			p.agedReleases++
			s.rec = nil
			if freedIdx == -1 {
				freedIdx = i
			}
			klog.V(2).Infof("device %d: released %d-byte buffer from slot %d", p.device, rec.size, i)
		}
	}

	// A slot emptied by aging precedes the stopping empty slot; preferring
	// it keeps the occupied prefix compact.
	target := freedIdx
	if target == -1 {
		target = emptyIdx
	}
	if target == -1 {
		return nil, 0, errors.Wrapf(ErrPoolExhausted, "device %d: all %d slots occupied", p.device, len(p.slots))
	}

	handle, err := p.driver.AllocBuffer(p.device, need)
	if err != nil {
		return nil, 0, errors.Wrapf(ErrNativeAlloc, "device %d: %d bytes: %v", p.device, need, err)
	}
	p.slots[target] = slot{rec: &bufferRecord{handle: handle, size: need}, used: true}
	p.poolSize += need
	p.nativeAllocs++

	if remaining := p.emptySlots(); remaining < slotWarnThreshold {
		klog.Warningf("device %d: slot pool nearly full, %d of %d slots remain", p.device, remaining, len(p.slots))
	}
	return handle, need, nil
}

// Free searches the table for the handle and marks its slot reusable.
func (p *SlotPool) Free(handle device_bridge.Handle, size uint64) error {
	for i := range p.slots {
		s := &p.slots[i]
		if s.rec == nil || s.rec.handle != handle {
			continue
		}
		if !s.used {
			return errors.Wrapf(ErrUntrackedBuffer, "device %d: double free of handle %p", p.device, unsafe.Pointer(handle))
		}
		if s.rec.size != size {
			return errors.Wrapf(ErrSizeMismatch, "device %d: handle %p freed with %d, allocated %d", p.device, unsafe.Pointer(handle), size, s.rec.size)
		}
		s.used = false
		s.rec.lastFreed = p.clock.Now()
		return nil
	}
	return errors.Wrapf(ErrUntrackedBuffer, "device %d: handle %p", p.device, unsafe.Pointer(handle))
}

// Destroy returns every slot's buffer to the driver and verifies the size
// accounting drains to zero.
func (p *SlotPool) Destroy() error {
	var merr *multierror.Error
	for i := range p.slots {
		rec := p.slots[i].rec
		if rec == nil {
			continue
		}
		if err := p.driver.FreeBuffer(p.device, rec.handle); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "device %d: releasing %d-byte buffer from slot %d", p.device, rec.size, i))
			continue
		}
		p.poolSize -= rec.size
		p.slots[i] = slot{}
	}
	if p.poolSize != 0 {
		merr = multierror.Append(merr, errors.Wrapf(ErrPoolLeak, "device %d: %d bytes unaccounted", p.device, p.poolSize))
	}
	return merr.ErrorOrNil()
}

// Device returns the device id the pool serves.
func (p *SlotPool) Device() int {
	return p.device
}

// Strategy returns StrategySlot.
func (p *SlotPool) Strategy() Strategy {
	return StrategySlot
}

// Size returns the bytes currently held from the native allocator.
func (p *SlotPool) Size() uint64 {
	return p.poolSize
}

// Stats returns a snapshot of the pool's counters.
func (p *SlotPool) Stats() Stats {
	st := Stats{
		BytesHeld:    p.poolSize,
		ReuseHits:    p.reuseHits,
		NativeAllocs: p.nativeAllocs,
		AgedReleases: p.agedReleases,
	}
	for i := range p.slots {
		if p.slots[i].rec == nil {
			continue
		}
		st.Tracked++
		if !p.slots[i].used {
			st.Free++
		}
	}
	return st
}

func (p *SlotPool) shouldAge(rec *bufferRecord, need uint64) bool {
	if p.disableCleanup {
		return false
	}
	if rec.size <= MaxFreeMargin || need <= MaxFreeMargin {
		return false
	}
	return p.clock.Now().Sub(rec.lastFreed) >= IdleRelease
}

func (p *SlotPool) release(rec *bufferRecord) error {
	if err := p.driver.FreeBuffer(p.device, rec.handle); err != nil {
		return errors.Wrapf(err, "device %d: releasing idle %d-byte buffer", p.device, rec.size)
	}
	p.poolSize -= rec.size
	return nil
}

func (p *SlotPool) emptySlots() int {
	empty := 0
	for i := range p.slots {
		if p.slots[i].rec == nil {
			empty++
		}
	}
	return empty
}
