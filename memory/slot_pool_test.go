package memory

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-npu/device_bridge"
)

func TestSlotPoolRoundTripReuse(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()))
	defer pool.Destroy()

	h1, actual, err := pool.Alloc(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), actual)
	require.NoError(t, pool.Free(h1, actual))

	h2, actual2, err := pool.Alloc(900)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, uint64(1024), actual2)
	assert.Equal(t, 1, driver.AllocCount())
}

func TestSlotPoolFirstFit(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()))
	defer pool.Destroy()

	first, firstSize, err := pool.Alloc(50 << 20)
	require.NoError(t, err)
	second, secondSize, err := pool.Alloc(10 << 20)
	require.NoError(t, err)
	require.NoError(t, pool.Free(first, firstSize))
	require.NoError(t, pool.Free(second, secondSize))

	// Both free slots can hold 8 MiB within margin; the scan must stop at
	// the first one even though the second is the tighter fit.
	handle, actual, err := pool.Alloc(8 << 20)
	require.NoError(t, err)
	assert.Equal(t, first, handle)
	assert.Equal(t, uint64(50<<20), actual)
	assert.Equal(t, 2, driver.AllocCount())
}

func TestSlotPoolCapacityExhaustion(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()))
	defer pool.Destroy()

	for i := 0; i < DefaultSlotCapacity; i++ {
		_, _, err := pool.Alloc(1024)
		require.NoError(t, err)
	}

	_, _, err := pool.Alloc(1024)
	assert.ErrorIs(t, err, ErrPoolExhausted,
		"allocation %d with no prior free must exhaust the pool", DefaultSlotCapacity+1)
}

func TestSlotPoolConfigurableCapacity(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()), WithSlotCapacity(4))
	defer pool.Destroy()

	for i := 0; i < 4; i++ {
		_, _, err := pool.Alloc(1024)
		require.NoError(t, err)
	}
	_, _, err := pool.Alloc(1024)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestSlotPoolAgedSlotReusedInSameScan(t *testing.T) {
	clock := newFakeClock()
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(clock), WithSlotCapacity(2))
	defer pool.Destroy()

	stale, staleSize, err := pool.Alloc(8 << 20)
	require.NoError(t, err)
	_, _, err = pool.Alloc(1024) // keeps the second slot occupied and live
	require.NoError(t, err)
	require.NoError(t, pool.Free(stale, staleSize))
	clock.Advance(IdleRelease)

	// The table is full, but aging empties the stale slot mid-scan and the
	// fresh allocation lands in it.
	handle, actual, err := pool.Alloc(16 << 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(16<<20), actual)
	assert.NotEqual(t, stale, handle)
	assert.Equal(t, 1, driver.FreeCount())
	assert.Equal(t, uint64(16<<20+1024), pool.Size())
	assert.Equal(t, uint64(1), pool.Stats().AgedReleases)
}

func TestSlotPoolAgingKeepsSlotPrefixCompact(t *testing.T) {
	clock := newFakeClock()
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(clock), WithSlotCapacity(3))
	defer pool.Destroy()

	stale, staleSize, err := pool.Alloc(8 << 20)
	require.NoError(t, err)
	small, smallSize, err := pool.Alloc(1000)
	require.NoError(t, err)
	require.NoError(t, pool.Free(stale, staleSize))
	require.NoError(t, pool.Free(small, smallSize))
	clock.Advance(IdleRelease)

	// Ages the first slot out and must land in it rather than the trailing
	// never-filled slot, so no hole opens in front of the small free slot.
	_, _, err = pool.Alloc(16 << 20)
	require.NoError(t, err)
	assert.Equal(t, 1, driver.FreeCount())

	handle, actual, err := pool.Alloc(900)
	require.NoError(t, err)
	assert.Equal(t, small, handle, "free slot behind the aged slot must stay reachable")
	assert.Equal(t, smallSize, actual)
	assert.Equal(t, 3, driver.AllocCount())
}

func TestSlotPoolLowCapacityWarning(t *testing.T) {
	var logged bytes.Buffer
	klog.LogToStderr(false)
	klog.SetOutput(&logged)
	defer klog.LogToStderr(true)

	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()), WithSlotCapacity(8))
	defer pool.Destroy()

	_, _, err := pool.Alloc(1024)
	require.NoError(t, err)
	klog.Flush()
	assert.Contains(t, logged.String(), "nearly full",
		"dropping under %d empty slots must warn", slotWarnThreshold)
}

func TestSlotPoolAgingRespectsDisable(t *testing.T) {
	clock := newFakeClock()
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(clock), WithSlotCapacity(2), WithoutCleanup())
	defer pool.Destroy()

	stale, staleSize, err := pool.Alloc(8 << 20)
	require.NoError(t, err)
	_, _, err = pool.Alloc(1024)
	require.NoError(t, err)
	require.NoError(t, pool.Free(stale, staleSize))
	clock.Advance(10 * IdleRelease)

	_, _, err = pool.Alloc(16 << 20)
	assert.ErrorIs(t, err, ErrPoolExhausted, "no slot may be aged out when cleanup is disabled")
}

func TestSlotPoolFreeErrors(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()))
	defer pool.Destroy()

	handle, actual, err := pool.Alloc(1024)
	require.NoError(t, err)

	err = pool.Free(device_bridge.Handle(nil), 1024)
	assert.ErrorIs(t, err, ErrUntrackedBuffer)

	err = pool.Free(handle, actual*2)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	require.NoError(t, pool.Free(handle, actual))
}

func TestSlotPoolDoubleFree(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()))
	defer pool.Destroy()

	handle, actual, err := pool.Alloc(1024)
	require.NoError(t, err)
	require.NoError(t, pool.Free(handle, actual))

	err = pool.Free(handle, actual)
	assert.ErrorIs(t, err, ErrUntrackedBuffer, "a slot already free must not be freed again")

	again, _, err := pool.Alloc(1024)
	require.NoError(t, err)
	assert.Equal(t, handle, again)
	assert.Zero(t, pool.Stats().Free)
}

func TestSlotPoolSizeConservation(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()))
	defer pool.Destroy()

	var handles []device_bridge.Handle
	var sizes []uint64
	for _, size := range []uint64{1000, 64 << 10, 3 << 20} {
		handle, actual, err := pool.Alloc(size)
		require.NoError(t, err)
		handles = append(handles, handle)
		sizes = append(sizes, actual)
		assert.Equal(t, driver.LiveBytes(), pool.Size())
	}
	for i, handle := range handles {
		require.NoError(t, pool.Free(handle, sizes[i]))
		assert.Equal(t, driver.LiveBytes(), pool.Size())
	}
}

func TestSlotPoolDestroy(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()))

	_, _, err := pool.Alloc(4096)
	require.NoError(t, err)
	_, _, err = allocFree(pool, 1<<20)
	require.NoError(t, err)

	require.NoError(t, pool.Destroy())
	assert.Zero(t, pool.Size())
	assert.Zero(t, driver.LiveCount())
}

func TestSlotPoolDestroyFailureAccumulates(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool := NewSlotPool(0, driver, WithClock(newFakeClock()))

	_, _, err := pool.Alloc(1024)
	require.NoError(t, err)
	_, _, err = pool.Alloc(2048)
	require.NoError(t, err)
	driver.FailFreeAfter = 1

	err = pool.Destroy()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolLeak)
	assert.ErrorContains(t, err, "mock driver")
	assert.NotZero(t, pool.Size())
}
