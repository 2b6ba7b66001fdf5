package memory

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-npu/device"
	"github.com/tsawler/go-npu/device_bridge"
)

// NewPoolForDevice constructs the pool for a device. The decision is made
// once and holds for the device's lifetime:
//
//  1. VMM pool, when the capability record reports support and
//     DISABLE_VMM_POOL is absent.
//  2. Priority pool, the default fallback.
//  3. Slot pool, when ENABLE_BUF_PRIO_OVERRIDE is present (see the note on
//     that flag's inverted naming in config.go).
//
// DISABLE_POOL_CLEANUP disables idle aging in both non-VMM strategies and
// has no effect on the VMM pool.
func NewPoolForDevice(dev int, caps *device.CapabilityTable, driver device_bridge.Driver, opts ...PoolOption) (Pool, error) {
	capability, err := caps.ForDevice(dev)
	if err != nil {
		return nil, err
	}
	ov := readEnvOverrides()
	if ov.disableCleanup {
		opts = append(opts, WithoutCleanup())
	}

	switch {
	case !ov.disableVMM && capability.VMMSupported:
		pool, err := NewVMMPool(dev, capability, driver)
		if err != nil {
			return nil, err
		}
		klog.Infof("device %d: using VMM pool (granularity %d)", dev, capability.VMMGranularity)
		return pool, nil
	case !ov.slotOverride:
		klog.Infof("device %d: using priority pool", dev)
		return NewPriorityPool(dev, driver, opts...), nil
	default:
		klog.Infof("device %d: using slot pool", dev)
		return NewSlotPool(dev, driver, opts...), nil
	}
}

// Pools is the process-lifetime pool registry: one pool per device,
// constructed on first use and fixed thereafter. Construction is guarded for
// concurrent first use from different device streams; the pools themselves
// remain single-stream.
type Pools struct {
	caps   *device.CapabilityTable
	driver device_bridge.Driver
	opts   []PoolOption

	mu       sync.Mutex
	byDevice map[int]Pool
}

// NewPools creates a registry over a probed capability table.
func NewPools(caps *device.CapabilityTable, driver device_bridge.Driver, opts ...PoolOption) *Pools {
	return &Pools{
		caps:     caps,
		driver:   driver,
		opts:     opts,
		byDevice: make(map[int]Pool),
	}
}

// PoolFor returns the device's pool, constructing it on first call.
func (ps *Pools) PoolFor(dev int) (Pool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if pool, ok := ps.byDevice[dev]; ok {
		return pool, nil
	}
	pool, err := NewPoolForDevice(dev, ps.caps, ps.driver, ps.opts...)
	if err != nil {
		return nil, err
	}
	ps.byDevice[dev] = pool
	return pool, nil
}

// DestroyAll tears down every constructed pool, accumulating failures.
func (ps *Pools) DestroyAll() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var merr *multierror.Error
	for dev, pool := range ps.byDevice {
		if err := pool.Destroy(); err != nil {
			merr = multierror.Append(merr, err)
		}
		delete(ps.byDevice, dev)
	}
	return merr.ErrorOrNil()
}

// snapshot returns the constructed pools for metrics collection.
func (ps *Pools) snapshot() []Pool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	pools := make([]Pool, 0, len(ps.byDevice))
	for _, pool := range ps.byDevice {
		pools = append(pools, pool)
	}
	return pools
}
