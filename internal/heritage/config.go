package heritage

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcheritage/wallet/internal/config"
	"github.com/btcheritage/wallet/internal/netparams"
)

// Heritage pairs a designated heir with how long after the reference
// timestamp they must wait before they can spend.
type Heritage struct {
	HeirConfig  HeirConfig
	TimeLockDays uint16
}

// NewHeritage constructs a Heritage with the default one-year time-lock.
func NewHeritage(heir HeirConfig) Heritage {
	return Heritage{HeirConfig: heir, TimeLockDays: config.DefaultTimeLockDays}
}

// NewHeritageWithTimeLock constructs a Heritage with an explicit time-lock.
func NewHeritageWithTimeLock(heir HeirConfig, timeLockDays uint16) Heritage {
	return Heritage{HeirConfig: heir, TimeLockDays: timeLockDays}
}

// Config is a Heritage Config (v1): the complete, immutable set of heirs and
// the parameters their time-locks are computed relative to. Construct one
// only via NewConfig, which normalizes and validates it; thereafter it is
// compared and stored structurally.
type Config struct {
	heritages            []Heritage
	referenceTimestamp   uint64
	minimumLockTimeDays  uint16
}

// Heritages returns the heritage list in its canonical order: ascending by
// time-lock, then by heir config.
func (c *Config) Heritages() []Heritage { return append([]Heritage(nil), c.heritages...) }

func (c *Config) ReferenceTimestamp() uint64 { return c.referenceTimestamp }

func (c *Config) MinimumLockTimeDays() uint16 { return c.minimumLockTimeDays }

// NewConfig builds and validates a Heritage Config. heritages is normalized:
// sorted ascending by (time_lock_days, heir_config) and de-duplicated.
// It panics on structural invariant violations (duplicate heir, duplicate
// time-lock, out-of-range reference_timestamp/minimum_lock_time_days) -
// these are construction-time programmer errors, not runtime conditions.
func NewConfig(network netparams.Network, heritages []Heritage, referenceTimestamp uint64, minimumLockTimeDays uint16) *Config {
	sorted := append([]Heritage(nil), heritages...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TimeLockDays != sorted[j].TimeLockDays {
			return sorted[i].TimeLockDays < sorted[j].TimeLockDays
		}
		return CompareHeirConfigs(sorted[i].HeirConfig, sorted[j].HeirConfig) < 0
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i].TimeLockDays == sorted[i-1].TimeLockDays {
			panic(fmt.Sprintf("heritage: duplicate time_lock_days %d", sorted[i].TimeLockDays))
		}
		if EqualHeirConfigs(sorted[i].HeirConfig, sorted[i-1].HeirConfig) {
			panic("heritage: duplicate heir_config in heritage list")
		}
	}

	if referenceTimestamp <= config.LockTimeThreshold {
		panic(fmt.Sprintf("heritage: reference_timestamp %d must exceed %d", referenceTimestamp, config.LockTimeThreshold))
	}

	floor := config.MinimumLockTimeDaysFloor(toConfigNetwork(network))
	if minimumLockTimeDays < floor {
		panic(fmt.Sprintf("heritage: minimum_lock_time_days %d below floor %d", minimumLockTimeDays, floor))
	}

	return &Config{
		heritages:           sorted,
		referenceTimestamp:  referenceTimestamp,
		minimumLockTimeDays: minimumLockTimeDays,
	}
}

// NewDefaultConfig builds a Config using the default reference timestamp
// (noon UTC today) and config.DefaultMinimumLockTimeDays, whatever the
// network.
func NewDefaultConfig(network netparams.Network, heritages []Heritage) *Config {
	floor := config.DefaultMinimumLockTimeDays
	return NewConfig(network, heritages, config.DefaultReferenceTimestamp(time.Now()), floor)
}

// Equal reports whether two configs are structurally identical.
func (c *Config) Equal(other *Config) bool {
	if other == nil {
		return false
	}
	if c.referenceTimestamp != other.referenceTimestamp || c.minimumLockTimeDays != other.minimumLockTimeDays {
		return false
	}
	if len(c.heritages) != len(other.heritages) {
		return false
	}
	for i := range c.heritages {
		if c.heritages[i].TimeLockDays != other.heritages[i].TimeLockDays {
			return false
		}
		if !EqualHeirConfigs(c.heritages[i].HeirConfig, other.heritages[i].HeirConfig) {
			return false
		}
	}
	return true
}

// FindHeir returns the index (ascending time-lock order, matching
// Heritages()) of the heritage entry whose heir_config equals heir, or
// false if this config does not designate that heir at all.
func (c *Config) FindHeir(heir HeirConfig) (int, bool) {
	for i, h := range c.heritages {
		if EqualHeirConfigs(h.HeirConfig, heir) {
			return i, true
		}
	}
	return -1, false
}

// HeirTimelock returns the relative (CSV blocks, R_k) and absolute (CLTV
// unix timestamp, A_k) locks for the heir at position index, the same
// values BuildScriptTree embeds in that heir's leaf.
func (c *Config) HeirTimelock(index int) (relativeLockBlocks uint32, absoluteLockTime uint64) {
	return c.relativeLockBlocks(index), c.absoluteLockTime(c.heritages[index])
}

// relativeLockBlocks computes R_k, the CSV relative-lock in blocks for the
// heir at position k (0-based, in ascending time-lock order): monotonically
// increasing by the minimum lock-time floor, clamped to the 16-bit CSV max.
func (c *Config) relativeLockBlocks(k int) uint32 {
	r := uint64(c.minimumLockTimeDays) * uint64(k+1) * uint64(config.BlocksPerDay)
	if r > uint64(config.MaxRelativeLockBlocks) {
		return config.MaxRelativeLockBlocks
	}
	return uint32(r)
}

// absoluteLockTime computes A_k, the absolute CLTV timestamp for heritage h.
func (c *Config) absoluteLockTime(h Heritage) uint64 {
	return c.referenceTimestamp + uint64(h.TimeLockDays)*config.SecondsPerDay
}

func toConfigNetwork(n netparams.Network) config.NetworkType {
	if n == netparams.Mainnet {
		return config.Mainnet
	}
	return config.Testnet
}
