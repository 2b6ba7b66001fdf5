package device_bridge

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	defaultHostDevices    = 1
	defaultHostTotalBytes = 4 << 30
)

// HostDriver emulates a device-memory driver with anonymous host mappings.
// It lets the allocator run (and be benchmarked) on machines without an
// accelerator: AllocBuffer maps pages read-write, VMMReserve maps address
// space with no access, and VMMCommit upgrades committed ranges in place.
// The platform-specific mapping calls live in hostsim_unix.go with a plain
// heap fallback for other platforms.
type HostDriver struct {
	devices     int
	totalMemory uint64

	mu     sync.Mutex
	mapped map[Handle][]byte
}

// NewHostDriver creates a host-memory simulation driver exposing the given
// number of devices.
func NewHostDriver(devices int) *HostDriver {
	if devices <= 0 {
		devices = defaultHostDevices
	}
	return &HostDriver{
		devices:     devices,
		totalMemory: defaultHostTotalBytes,
		mapped:      make(map[Handle][]byte),
	}
}

// DeviceCount returns the number of simulated devices.
func (hd *HostDriver) DeviceCount() int {
	return hd.devices
}

// AllocBuffer maps size bytes of read-write host memory.
func (hd *HostDriver) AllocBuffer(device int, size uint64) (Handle, error) {
	if err := hd.checkDevice(device); err != nil {
		return nil, err
	}
	buf, err := pagesAlloc(size)
	if err != nil {
		return nil, errors.Wrapf(err, "host driver: mapping %d bytes for device %d", size, device)
	}
	handle := Handle(unsafe.Pointer(&buf[0]))
	hd.mu.Lock()
	hd.mapped[handle] = buf
	hd.mu.Unlock()
	return handle, nil
}

// FreeBuffer unmaps a buffer previously returned by AllocBuffer.
func (hd *HostDriver) FreeBuffer(device int, handle Handle) error {
	if err := hd.checkDevice(device); err != nil {
		return err
	}
	hd.mu.Lock()
	buf, ok := hd.mapped[handle]
	if ok {
		delete(hd.mapped, handle)
	}
	hd.mu.Unlock()
	if !ok {
		return errors.Errorf("host driver: free of unknown handle %p on device %d", unsafe.Pointer(handle), device)
	}
	return pagesFree(buf)
}

// MemInfo reports the simulated memory budget. The host simulation does not
// track consumption, so free always equals total.
func (hd *HostDriver) MemInfo(device int) (uint64, uint64, error) {
	if err := hd.checkDevice(device); err != nil {
		return 0, 0, err
	}
	return hd.totalMemory, hd.totalMemory, nil
}

// VMMGranularity returns the mapping granularity of the host simulation.
func (hd *HostDriver) VMMGranularity(device int) (uint64, error) {
	if err := hd.checkDevice(device); err != nil {
		return 0, err
	}
	return hostGranularity, nil
}

// VMMReserve maps size bytes of inaccessible address space.
func (hd *HostDriver) VMMReserve(device int, size uint64) (Handle, error) {
	if err := hd.checkDevice(device); err != nil {
		return nil, err
	}
	buf, err := pagesReserve(size)
	if err != nil {
		return nil, errors.Wrapf(err, "host driver: reserving %d bytes for device %d", size, device)
	}
	handle := Handle(unsafe.Pointer(&buf[0]))
	hd.mu.Lock()
	hd.mapped[handle] = buf
	hd.mu.Unlock()
	return handle, nil
}

// VMMCommit makes [offset, offset+size) of a reservation accessible.
func (hd *HostDriver) VMMCommit(device int, reservation Handle, offset uint64, size uint64) error {
	if err := hd.checkDevice(device); err != nil {
		return err
	}
	hd.mu.Lock()
	buf, ok := hd.mapped[reservation]
	hd.mu.Unlock()
	if !ok {
		return errors.Errorf("host driver: commit to unknown reservation %p", unsafe.Pointer(reservation))
	}
	if offset+size > uint64(len(buf)) {
		return errors.Errorf("host driver: commit [%d, %d) beyond reservation of %d bytes", offset, offset+size, len(buf))
	}
	return pagesCommit(buf[offset : offset+size])
}

// VMMRelease unmaps a reservation.
func (hd *HostDriver) VMMRelease(device int, reservation Handle, size uint64) error {
	return hd.FreeBuffer(device, reservation)
}

func (hd *HostDriver) checkDevice(device int) error {
	if device < 0 || device >= hd.devices {
		return errors.Wrapf(ErrInvalidDevice, "device %d of %d", device, hd.devices)
	}
	return nil
}
