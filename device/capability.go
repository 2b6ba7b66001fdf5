// Package device probes accelerator devices once at process start and
// publishes an immutable capability table the pool factory selects
// allocation strategies from.
package device

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-npu/device_bridge"
)

// Capability describes what the driver reported for one device at probe
// time. Records are immutable once the table is built.
type Capability struct {
	Device         int
	VMMSupported   bool
	VMMGranularity uint64

	// FreeMemory and TotalMemory are snapshots taken at probe time,
	// informational only.
	FreeMemory  uint64
	TotalMemory uint64
}

// CapabilityTable holds one Capability per device, indexed by device id. It
// is built once by Probe and never mutated.
type CapabilityTable struct {
	caps []Capability
}

// Probe queries every device the driver enumerates and builds the capability
// table. A failed granularity query is capability absence, not a fault: the
// device is recorded with VMMSupported false and probing continues. A failed
// memory query on an enumerated device is a real device fault and aborts the
// probe.
func Probe(driver device_bridge.Driver) (*CapabilityTable, error) {
	count := driver.DeviceCount()
	caps := make([]Capability, count)
	for dev := 0; dev < count; dev++ {
		c := Capability{Device: dev}

		granularity, err := driver.VMMGranularity(dev)
		if err != nil {
			klog.V(2).Infof("device %d: VMM granularity query failed, falling back to non-VMM pools: %v", dev, err)
		} else {
			c.VMMSupported = true
			c.VMMGranularity = granularity
		}

		free, total, err := driver.MemInfo(dev)
		if err != nil {
			return nil, errors.Wrapf(err, "probing memory of device %d", dev)
		}
		c.FreeMemory = free
		c.TotalMemory = total

		klog.V(2).Infof("device %d: vmm=%t granularity=%d free=%d total=%d",
			dev, c.VMMSupported, c.VMMGranularity, c.FreeMemory, c.TotalMemory)
		caps[dev] = c
	}
	return &CapabilityTable{caps: caps}, nil
}

// Len returns the number of probed devices.
func (t *CapabilityTable) Len() int {
	return len(t.caps)
}

// ForDevice returns the capability record of a device.
func (t *CapabilityTable) ForDevice(device int) (Capability, error) {
	if device < 0 || device >= len(t.caps) {
		return Capability{}, errors.Wrapf(device_bridge.ErrInvalidDevice, "device %d of %d probed", device, len(t.caps))
	}
	return t.caps[device], nil
}
