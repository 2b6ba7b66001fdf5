// Package memory implements the per-device buffer pools that amortize native
// device-memory allocation cost for the tensor-compute backend. Each device
// gets exactly one pool, chosen once by the factory from the device's probed
// capabilities and the process-wide overrides, and fixed for the device's
// lifetime.
package memory

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-npu/device_bridge"
)

const (
	// Alignment is the byte alignment every allocation is rounded up to.
	Alignment = 128

	// MaxReuseMargin bounds how much larger than the request a free buffer
	// may be and still be handed back in its place.
	MaxReuseMargin = 64 << 20

	// MaxFreeMargin is the size both a free candidate and the request must
	// exceed before idle aging may release the candidate.
	MaxFreeMargin = 4 << 20

	// IdleRelease is how long a buffer must sit free before aging may
	// release it back to the driver.
	IdleRelease = 2 * time.Second

	// DefaultSlotCapacity is the slot table size of the fixed-slot pool.
	DefaultSlotCapacity = 256

	// slotWarnThreshold triggers a warning when fewer empty slots remain.
	slotWarnThreshold = 8
)

// Invariant-violation and device-failure sentinels. These represent caller
// misuse, bookkeeping corruption, or device exhaustion; the pools perform no
// recovery and callers that cannot proceed without the buffer should treat
// them as fatal.
var (
	// ErrPoolExhausted reports that the fixed-slot pool's scan found no
	// reusable or empty slot.
	ErrPoolExhausted = errors.New("slot pool capacity exhausted")

	// ErrUntrackedBuffer reports a free of a handle the pool never allocated
	// or no longer tracks: a double free or a foreign pointer.
	ErrUntrackedBuffer = errors.New("buffer not tracked by pool")

	// ErrSizeMismatch reports a free whose size does not equal the actual
	// size returned for the handle.
	ErrSizeMismatch = errors.New("freed size does not match allocated size")

	// ErrPoolLeak reports non-zero pool size accounting after destruction
	// released every tracked buffer.
	ErrPoolLeak = errors.New("pool size accounting non-zero after destroy")

	// ErrNativeAlloc wraps a native device allocation failure. The pools
	// never retry it.
	ErrNativeAlloc = errors.New("native device allocation failed")
)

// Strategy identifies which pool implementation serves a device.
type Strategy int

const (
	// StrategyVMM grows a committed virtual address range and never
	// releases pages before destruction.
	StrategyVMM Strategy = iota
	// StrategyPriority reuses freed buffers best-fit from a size-ordered
	// free index.
	StrategyPriority
	// StrategySlot reuses freed buffers first-fit from a bounded slot table.
	StrategySlot
)

func (s Strategy) String() string {
	switch s {
	case StrategyVMM:
		return "vmm"
	case StrategyPriority:
		return "priority"
	case StrategySlot:
		return "slot"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of a pool's bookkeeping. Pools are
// single-stream, so snapshots taken from another goroutine are advisory.
type Stats struct {
	BytesHeld    uint64
	Tracked      int
	Free         int
	ReuseHits    uint64
	NativeAllocs uint64
	AgedReleases uint64
}

// Pool is the allocation surface the graph executor drives. All methods must
// be called from the single compute stream bound to the pool's device; pools
// do no internal locking.
type Pool interface {
	// Alloc returns a buffer of at least size bytes and its actual size,
	// which is a multiple of Alignment. A zero size is promoted to one
	// alignment unit.
	Alloc(size uint64) (device_bridge.Handle, uint64, error)

	// Free marks a buffer reusable. The size must equal the actual size
	// Alloc returned for the handle. The buffer is not returned to the
	// driver; only aging or destruction does that.
	Free(handle device_bridge.Handle, size uint64) error

	// Destroy releases every buffer the pool still holds, live or free,
	// back to the driver. The pool must not be used afterwards.
	Destroy() error

	// Device returns the device id the pool serves.
	Device() int

	// Strategy identifies the pool implementation.
	Strategy() Strategy

	// Size returns the bytes currently held from the native allocator.
	Size() uint64

	// Stats returns a snapshot of the pool's counters.
	Stats() Stats
}

// alignUp rounds size up to the allocation alignment, promoting zero to one
// alignment unit.
func alignUp(size uint64) uint64 {
	if size == 0 {
		size = 1
	}
	return (size + Alignment - 1) &^ uint64(Alignment-1)
}

// roundUp rounds v up to a multiple of unit.
func roundUp(v uint64, unit uint64) uint64 {
	return (v + unit - 1) / unit * unit
}
