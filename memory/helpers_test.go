package memory

import (
	"time"

	"github.com/tsawler/go-npu/device_bridge"
)

// fakeClock lets tests advance idle time without sleeping.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// allocFree allocates size bytes and immediately frees the buffer, leaving
// it in the pool's free bookkeeping.
func allocFree(p Pool, size uint64) (device_bridge.Handle, uint64, error) {
	handle, actual, err := p.Alloc(size)
	if err != nil {
		return nil, 0, err
	}
	if err := p.Free(handle, actual); err != nil {
		return nil, 0, err
	}
	return handle, actual, nil
}
