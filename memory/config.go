package memory

import "os"

// Process-wide overrides, each a presence/absence toggle. They are read when
// a pool is constructed; since a device's pool is constructed exactly once,
// the chosen strategy is fixed for the device's lifetime.
const (
	// EnvDisableVMMPool forces a non-VMM strategy even when the device
	// supports incremental virtual-memory mapping.
	EnvDisableVMMPool = "DISABLE_VMM_POOL"

	// EnvEnableBufPrioOverride selects the fixed-slot pool instead of the
	// default priority pool when present.
	//
	// The name is inverted relative to what it does: the flag reads as
	// "enable the priority pool" but its presence selects the fixed-slot
	// pool, and its absence selects the priority pool. The observed
	// behavior is kept as-is pending product-owner confirmation of the
	// intended naming.
	EnvEnableBufPrioOverride = "ENABLE_BUF_PRIO_OVERRIDE"

	// EnvDisablePoolCleanup turns off idle-aging release in both non-VMM
	// pools. It has no effect on the VMM pool, which never releases
	// committed pages.
	EnvDisablePoolCleanup = "DISABLE_POOL_CLEANUP"
)

type envOverrides struct {
	disableVMM     bool
	slotOverride   bool
	disableCleanup bool
}

func readEnvOverrides() envOverrides {
	var ov envOverrides
	_, ov.disableVMM = os.LookupEnv(EnvDisableVMMPool)
	_, ov.slotOverride = os.LookupEnv(EnvEnableBufPrioOverride)
	_, ov.disableCleanup = os.LookupEnv(EnvDisablePoolCleanup)
	return ov
}

type poolConfig struct {
	clock          Clock
	slotCapacity   int
	disableCleanup bool
}

func defaultPoolConfig() poolConfig {
	return poolConfig{
		clock:        systemClock{},
		slotCapacity: DefaultSlotCapacity,
	}
}

// PoolOption customizes pool construction.
type PoolOption func(*poolConfig)

// WithClock substitutes the clock used for idle aging. Tests use this to
// simulate elapsed time.
func WithClock(clock Clock) PoolOption {
	return func(cfg *poolConfig) {
		cfg.clock = clock
	}
}

// WithSlotCapacity bounds the fixed-slot pool's slot table. It has no effect
// on the other strategies.
func WithSlotCapacity(capacity int) PoolOption {
	return func(cfg *poolConfig) {
		if capacity > 0 {
			cfg.slotCapacity = capacity
		}
	}
}

// WithoutCleanup disables idle-aging release, equivalent to setting
// DISABLE_POOL_CLEANUP for this pool only.
func WithoutCleanup() PoolOption {
	return func(cfg *poolConfig) {
		cfg.disableCleanup = true
	}
}
