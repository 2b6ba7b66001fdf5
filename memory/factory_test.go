package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-npu/device"
	"github.com/tsawler/go-npu/device_bridge"
)

func probedTable(t *testing.T, driver *device_bridge.MockDriver) *device.CapabilityTable {
	t.Helper()
	caps, err := device.Probe(driver)
	require.NoError(t, err)
	return caps
}

func TestFactorySelectsVMMWhenSupported(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	pool, err := NewPoolForDevice(0, probedTable(t, driver), driver)
	require.NoError(t, err)
	defer pool.Destroy()

	assert.Equal(t, StrategyVMM, pool.Strategy())
}

func TestFactoryFallsBackWithoutCapability(t *testing.T) {
	driver := device_bridge.NewMockDriver(2)
	driver.FailGranularity[0] = true
	caps := probedTable(t, driver)

	// Device 0's failed granularity query steers it to the fallback with no
	// error; device 1 is unaffected.
	p0, err := NewPoolForDevice(0, caps, driver)
	require.NoError(t, err)
	defer p0.Destroy()
	assert.Equal(t, StrategyPriority, p0.Strategy())

	p1, err := NewPoolForDevice(1, caps, driver)
	require.NoError(t, err)
	defer p1.Destroy()
	assert.Equal(t, StrategyVMM, p1.Strategy())
}

func TestFactoryDisableVMMOverride(t *testing.T) {
	t.Setenv(EnvDisableVMMPool, "1")

	driver := device_bridge.NewMockDriver(1)
	pool, err := NewPoolForDevice(0, probedTable(t, driver), driver)
	require.NoError(t, err)
	defer pool.Destroy()

	assert.Equal(t, StrategyPriority, pool.Strategy())
}

func TestFactorySlotOverride(t *testing.T) {
	// Flag present selects the slot pool; the priority pool is the default
	// when it is absent. The flag's name suggests the opposite; the
	// selection here matches the observed behavior deliberately.
	t.Setenv(EnvDisableVMMPool, "1")
	t.Setenv(EnvEnableBufPrioOverride, "1")

	driver := device_bridge.NewMockDriver(1)
	pool, err := NewPoolForDevice(0, probedTable(t, driver), driver)
	require.NoError(t, err)
	defer pool.Destroy()

	assert.Equal(t, StrategySlot, pool.Strategy())
}

func TestFactoryCleanupOverride(t *testing.T) {
	t.Setenv(EnvDisableVMMPool, "1")
	t.Setenv(EnvDisablePoolCleanup, "1")

	driver := device_bridge.NewMockDriver(1)
	pool, err := NewPoolForDevice(0, probedTable(t, driver), driver)
	require.NoError(t, err)
	defer pool.Destroy()

	prio, ok := pool.(*PriorityPool)
	require.True(t, ok)
	assert.True(t, prio.disableCleanup)
}

func TestFactoryUnknownDevice(t *testing.T) {
	driver := device_bridge.NewMockDriver(1)
	_, err := NewPoolForDevice(3, probedTable(t, driver), driver)
	assert.ErrorIs(t, err, device_bridge.ErrInvalidDevice)
}

func TestPoolsRegistry(t *testing.T) {
	driver := device_bridge.NewMockDriver(2)
	pools := NewPools(probedTable(t, driver), driver)

	p0, err := pools.PoolFor(0)
	require.NoError(t, err)
	again, err := pools.PoolFor(0)
	require.NoError(t, err)
	assert.Same(t, p0, again, "a device's pool is constructed once")

	p1, err := pools.PoolFor(1)
	require.NoError(t, err)
	assert.NotSame(t, p0, p1)

	_, _, err = p0.Alloc(4096)
	require.NoError(t, err)

	require.NoError(t, pools.DestroyAll())
	assert.Zero(t, driver.LiveCount())
}
