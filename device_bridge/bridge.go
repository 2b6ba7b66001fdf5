package device_bridge

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Handle identifies a single native device-memory allocation. It is opaque to
// callers: the only valid operations are passing it back to the driver that
// issued it and using it as a map key.
type Handle unsafe.Pointer

// ErrNotSupported is returned by capability queries the device or driver
// cannot answer. It signals capability absence, not a device fault.
var ErrNotSupported = errors.New("operation not supported by device driver")

// ErrInvalidDevice is returned when a device id is outside the range the
// driver enumerates.
var ErrInvalidDevice = errors.New("invalid device id")

// Driver is the native device-memory surface the pools are built on. A real
// deployment backs it with the accelerator runtime; tests use MockDriver and
// hardware-less runs use HostDriver.
//
// AllocBuffer and FreeBuffer are the fixed-block primitives. The VMM* calls
// expose incremental virtual-memory mapping: a reservation is address space
// only, and committed pages are added in granularity-sized steps.
type Driver interface {
	// DeviceCount returns the number of devices the driver enumerates.
	DeviceCount() int

	// AllocBuffer allocates size bytes of device memory on device.
	AllocBuffer(device int, size uint64) (Handle, error)

	// FreeBuffer returns a buffer previously obtained from AllocBuffer.
	FreeBuffer(device int, handle Handle) error

	// MemInfo reports free and total device memory in bytes.
	MemInfo(device int) (free uint64, total uint64, err error)

	// VMMGranularity returns the device's recommended allocation granularity
	// for incremental virtual-memory mapping. Devices without VMM support
	// return an error wrapping ErrNotSupported.
	VMMGranularity(device int) (uint64, error)

	// VMMReserve reserves size bytes of device address space without
	// committing any memory to it.
	VMMReserve(device int, size uint64) (Handle, error)

	// VMMCommit commits size bytes of memory to a reservation, starting at
	// offset. Both offset and size must be granularity multiples.
	VMMCommit(device int, reservation Handle, offset uint64, size uint64) error

	// VMMRelease unmaps a reservation and everything committed to it.
	VMMRelease(device int, reservation Handle, size uint64) error
}
