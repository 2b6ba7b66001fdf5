package device_bridge

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// MockDriver is an in-memory Driver for tests. Handles are fabricated
// addresses in a fake address space, never dereferenced. Counters expose how
// many native calls the pools issued so tests can assert on reuse behavior,
// and the Fail* knobs simulate capability absence and device exhaustion.
type MockDriver struct {
	// Granularity is returned by VMMGranularity for devices whose query is
	// not set to fail.
	Granularity uint64

	// TotalMemory is reported by MemInfo for every device.
	TotalMemory uint64

	// FailGranularity marks devices whose granularity query fails, which the
	// probe must fold into capability absence.
	FailGranularity map[int]bool

	// FailAllocAfter makes AllocBuffer fail once this many allocations have
	// succeeded. Zero means never fail.
	FailAllocAfter int

	// FailFreeAfter makes FreeBuffer fail once this many frees have
	// succeeded. Zero means never fail.
	FailFreeAfter int

	devices int

	mu       sync.Mutex
	next     uintptr
	live     map[Handle]uint64
	allocs   int
	frees    int
	reserves int
	commits  int
	releases int
}

// NewMockDriver creates a mock driver exposing the given number of devices.
func NewMockDriver(devices int) *MockDriver {
	return &MockDriver{
		Granularity:     2 << 20,
		TotalMemory:     16 << 30,
		FailGranularity: make(map[int]bool),
		devices:         devices,
		next:            0x10000,
		live:            make(map[Handle]uint64),
	}
}

// DeviceCount returns the number of mock devices.
func (md *MockDriver) DeviceCount() int {
	return md.devices
}

// AllocBuffer hands out the next fake address and records it as live.
func (md *MockDriver) AllocBuffer(device int, size uint64) (Handle, error) {
	if err := md.checkDevice(device); err != nil {
		return nil, err
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.FailAllocAfter > 0 && md.allocs >= md.FailAllocAfter {
		return nil, errors.Errorf("mock driver: device %d out of memory", device)
	}
	handle := md.fabricate(size)
	md.live[handle] = size
	md.allocs++
	return handle, nil
}

// FreeBuffer forgets a live handle. Freeing an unknown handle is an error so
// pool bookkeeping bugs surface in tests.
func (md *MockDriver) FreeBuffer(device int, handle Handle) error {
	if err := md.checkDevice(device); err != nil {
		return err
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	if _, ok := md.live[handle]; !ok {
		return errors.Errorf("mock driver: free of unknown handle %p", unsafe.Pointer(handle))
	}
	if md.FailFreeAfter > 0 && md.frees >= md.FailFreeAfter {
		return errors.Errorf("mock driver: device %d failed to release handle %p", device, unsafe.Pointer(handle))
	}
	delete(md.live, handle)
	md.frees++
	return nil
}

// MemInfo reports the configured total for both free and total memory.
func (md *MockDriver) MemInfo(device int) (uint64, uint64, error) {
	if err := md.checkDevice(device); err != nil {
		return 0, 0, err
	}
	return md.TotalMemory, md.TotalMemory, nil
}

// VMMGranularity returns the configured granularity, or capability absence
// for devices listed in FailGranularity.
func (md *MockDriver) VMMGranularity(device int) (uint64, error) {
	if err := md.checkDevice(device); err != nil {
		return 0, err
	}
	if md.FailGranularity[device] {
		return 0, errors.Wrapf(ErrNotSupported, "mock driver: device %d has no VMM support", device)
	}
	return md.Granularity, nil
}

// VMMReserve fabricates an address-space reservation.
func (md *MockDriver) VMMReserve(device int, size uint64) (Handle, error) {
	if err := md.checkDevice(device); err != nil {
		return nil, err
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	handle := md.fabricate(size)
	md.live[handle] = size
	md.reserves++
	return handle, nil
}

// VMMCommit counts a commit call against a known reservation.
func (md *MockDriver) VMMCommit(device int, reservation Handle, offset uint64, size uint64) error {
	if err := md.checkDevice(device); err != nil {
		return err
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	reserved, ok := md.live[reservation]
	if !ok {
		return errors.Errorf("mock driver: commit to unknown reservation %p", unsafe.Pointer(reservation))
	}
	if offset+size > reserved {
		return errors.Errorf("mock driver: commit [%d, %d) beyond reservation of %d bytes", offset, offset+size, reserved)
	}
	md.commits++
	return nil
}

// VMMRelease forgets a reservation.
func (md *MockDriver) VMMRelease(device int, reservation Handle, size uint64) error {
	if err := md.checkDevice(device); err != nil {
		return err
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	if _, ok := md.live[reservation]; !ok {
		return errors.Errorf("mock driver: release of unknown reservation %p", unsafe.Pointer(reservation))
	}
	delete(md.live, reservation)
	md.releases++
	return nil
}

// AllocCount returns the number of successful AllocBuffer calls.
func (md *MockDriver) AllocCount() int {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.allocs
}

// FreeCount returns the number of successful FreeBuffer calls.
func (md *MockDriver) FreeCount() int {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.frees
}

// CommitCount returns the number of VMMCommit calls.
func (md *MockDriver) CommitCount() int {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.commits
}

// ReleaseCount returns the number of VMMRelease calls.
func (md *MockDriver) ReleaseCount() int {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.releases
}

// LiveBytes returns the total size of buffers and reservations the driver
// still considers outstanding.
func (md *MockDriver) LiveBytes() uint64 {
	md.mu.Lock()
	defer md.mu.Unlock()
	var total uint64
	for _, size := range md.live {
		total += size
	}
	return total
}

// LiveCount returns the number of outstanding handles.
func (md *MockDriver) LiveCount() int {
	md.mu.Lock()
	defer md.mu.Unlock()
	return len(md.live)
}

// fabricate advances the fake address space by size plus a guard gap so
// suballocation arithmetic inside reservations never collides with other
// handles. Callers must hold md.mu.
func (md *MockDriver) fabricate(size uint64) Handle {
	addr := md.next
	md.next += uintptr(size) + 0x1000
	return Handle(unsafe.Pointer(addr))
}

func (md *MockDriver) checkDevice(device int) error {
	if device < 0 || device >= md.devices {
		return errors.Wrapf(ErrInvalidDevice, "device %d of %d", device, md.devices)
	}
	return nil
}
