package memory

import (
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-npu/device_bridge"
)

// PriorityPool is the default non-VMM strategy. It tracks an unbounded set
// of buffers and services allocation by best-fit reuse from a size-ordered
// free index: candidates are popped in ascending size order, so the first
// one within the reuse margin is the smallest sufficient one. Free buffers
// too small for a large request are released back to the driver once they
// have sat idle long enough.
//
// A record absent from the free index is live; Free re-inserts it with a
// fresh idle stamp.
type PriorityPool struct {
	device         int
	driver         device_bridge.Driver
	clock          Clock
	disableCleanup bool

	records  map[device_bridge.Handle]*bufferRecord
	free     freeIndex
	poolSize uint64

	reuseHits    uint64
	nativeAllocs uint64
	agedReleases uint64
}

// NewPriorityPool creates a priority reuse pool for a device.
func NewPriorityPool(device int, driver device_bridge.Driver, opts ...PoolOption) *PriorityPool {
	cfg := defaultPoolConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &PriorityPool{
		device:         device,
		driver:         driver,
		clock:          cfg.clock,
		disableCleanup: cfg.disableCleanup,
		records:        make(map[device_bridge.Handle]*bufferRecord),
	}
}

// Alloc returns a buffer of at least size bytes, reusing the smallest free
// buffer within the reuse margin and falling back to a native allocation.
func (p *PriorityPool) Alloc(size uint64) (device_bridge.Handle, uint64, error) {
	need := alignUp(size)

	var setAside []*bufferRecord
	var chosen *bufferRecord
	for p.free.Len() > 0 {
		rec := p.free.popSmallest()
		if rec.size >= need {
			if rec.size-need <= MaxReuseMargin {
				chosen = rec
				break
			}
			setAside = append(setAside, rec)
			continue
		}
		if p.shouldAge(rec, need) {
			if err := p.release(rec); err != nil {
				p.free.push(rec)
				p.restore(setAside)
				return nil, 0, err
			}
			p.agedReleases++
			klog.V(2).Infof("device %d: released %d-byte buffer idle past threshold", p.device, rec.size)
			continue
		}
		setAside = append(setAside, rec)
	}
	p.restore(setAside)

	if chosen != nil {
		chosen.free = false
		p.reuseHits++
		return chosen.handle, chosen.size, nil
	}

	handle, err := p.driver.AllocBuffer(p.device, need)
	if err != nil {
		return nil, 0, errors.Wrapf(ErrNativeAlloc, "device %d: %d bytes: %v", p.device, need, err)
	}
	p.records[handle] = &bufferRecord{handle: handle, size: need}
	p.poolSize += need
	p.nativeAllocs++
	return handle, need, nil
}

// Free marks a buffer reusable. The handle must be tracked and size must
// equal the actual size Alloc returned for it.
func (p *PriorityPool) Free(handle device_bridge.Handle, size uint64) error {
	rec, ok := p.records[handle]
	if !ok {
		return errors.Wrapf(ErrUntrackedBuffer, "device %d: handle %p", p.device, unsafe.Pointer(handle))
	}
	if rec.free {
		return errors.Wrapf(ErrUntrackedBuffer, "device %d: double free of handle %p", p.device, unsafe.Pointer(handle))
	}
	if rec.size != size {
		return errors.Wrapf(ErrSizeMismatch, "device %d: handle %p freed with %d, allocated %d", p.device, unsafe.Pointer(handle), size, rec.size)
	}
	rec.free = true
	rec.lastFreed = p.clock.Now()
	p.free.push(rec)
	return nil
}

// Destroy returns every tracked buffer to the driver and verifies the size
// accounting drains to zero.
func (p *PriorityPool) Destroy() error {
	var merr *multierror.Error
	for handle, rec := range p.records {
		if err := p.driver.FreeBuffer(p.device, handle); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "device %d: releasing %d-byte buffer", p.device, rec.size))
			continue
		}
		p.poolSize -= rec.size
		delete(p.records, handle)
	}
	p.free = nil
	if p.poolSize != 0 {
		merr = multierror.Append(merr, errors.Wrapf(ErrPoolLeak, "device %d: %d bytes unaccounted", p.device, p.poolSize))
	}
	return merr.ErrorOrNil()
}

// Device returns the device id the pool serves.
func (p *PriorityPool) Device() int {
	return p.device
}

// Strategy returns StrategyPriority.
func (p *PriorityPool) Strategy() Strategy {
	return StrategyPriority
}

// Size returns the bytes currently held from the native allocator.
func (p *PriorityPool) Size() uint64 {
	return p.poolSize
}

// Stats returns a snapshot of the pool's counters.
func (p *PriorityPool) Stats() Stats {
	return Stats{
		BytesHeld:    p.poolSize,
		Tracked:      len(p.records),
		Free:         p.free.Len(),
		ReuseHits:    p.reuseHits,
		NativeAllocs: p.nativeAllocs,
		AgedReleases: p.agedReleases,
	}
}

// shouldAge reports whether a free candidate too small for the request may
// be released: cleanup enabled, both candidate and request above the free
// margin, and the candidate idle past the release threshold.
func (p *PriorityPool) shouldAge(rec *bufferRecord, need uint64) bool {
	if p.disableCleanup {
		return false
	}
	if rec.size <= MaxFreeMargin || need <= MaxFreeMargin {
		return false
	}
	return p.clock.Now().Sub(rec.lastFreed) >= IdleRelease
}

// release returns a free record's memory to the driver and drops it from the
// bookkeeping.
func (p *PriorityPool) release(rec *bufferRecord) error {
	if err := p.driver.FreeBuffer(p.device, rec.handle); err != nil {
		return errors.Wrapf(err, "device %d: releasing idle %d-byte buffer", p.device, rec.size)
	}
	delete(p.records, rec.handle)
	p.poolSize -= rec.size
	return nil
}

func (p *PriorityPool) restore(recs []*bufferRecord) {
	for _, rec := range recs {
		p.free.push(rec)
	}
}
