// Package config provides centralized configuration for the heritage wallet.
// ALL wallet parameters (network, fees, timelocks, derivation constants) MUST
// be defined here. No hardcoded values should exist elsewhere in the codebase.
package config

import "time"

// =============================================================================
// Network Types
// =============================================================================

// NetworkType represents mainnet or testnet/signet/regtest.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// BIP-86 Derivation Constants
// =============================================================================

const (
	// TaprootPurpose is the BIP-86 hardened purpose component (single-sig Taproot).
	TaprootPurpose uint32 = 86

	// CoinTypeMainnet and CoinTypeTestnet are the BIP-44 coin-type components
	// used in the second derivation level: 86'/0'/A' on mainnet, 86'/1'/A' elsewhere.
	CoinTypeMainnet uint32 = 0
	CoinTypeTestnet uint32 = 1

	// ExternalKeychainIndex and ChangeKeychainIndex are the fixed descriptor
	// indices for the external and change output descriptors of a sub-wallet
	// config. They MUST remain at these defaults: changing them silently
	// desynchronizes backups from on-chain addresses.
	ExternalKeychainIndex uint32 = 0
	ChangeKeychainIndex   uint32 = 1
)

// CoinTypeForNetwork returns the BIP-44 coin type for the given network.
func CoinTypeForNetwork(network NetworkType) uint32 {
	if network == Mainnet {
		return CoinTypeMainnet
	}
	return CoinTypeTestnet
}

// =============================================================================
// Timelock Constants
// =============================================================================

const (
	// LockTimeThreshold is the boundary (inclusive exclusion) below which a
	// Bitcoin nLockTime/CLTV argument is interpreted as a block height rather
	// than a Unix timestamp. Heritage configs require reference_timestamp to
	// strictly exceed this value.
	LockTimeThreshold uint64 = 500_000_000

	// BlocksPerDay approximates Bitcoin's ten-minute block interval.
	BlocksPerDay uint32 = 144

	// MaxRelativeLockBlocks is the largest value OP_CHECKSEQUENCEVERIFY can
	// encode as a block-based relative lock (16-bit field).
	MaxRelativeLockBlocks uint32 = 0xFFFF

	// SecondsPerDay is used to convert heritage time-lock days into the
	// absolute after() timestamp offset.
	SecondsPerDay uint64 = 86400

	// DefaultTimeLockDays is the default heritage time-lock when a Heritage
	// entry does not specify one.
	DefaultTimeLockDays uint16 = 365

	// MinimumLockTimeDaysMainnet and MinimumLockTimeDaysOther are the safety
	// floors for a heritage config's minimum_lock_time_days field.
	MinimumLockTimeDaysMainnet uint16 = 10
	MinimumLockTimeDaysOther   uint16 = 1

	// DefaultMinimumLockTimeDays is the default minimum_lock_time_days for a
	// newly built heritage config.
	DefaultMinimumLockTimeDays uint16 = 30
)

// MinimumLockTimeDaysFloor returns the minimum_lock_time_days safety floor
// for the given network.
func MinimumLockTimeDaysFloor(network NetworkType) uint16 {
	if network == Mainnet {
		return MinimumLockTimeDaysMainnet
	}
	return MinimumLockTimeDaysOther
}

// DefaultReferenceTimestamp returns today at 12:00 UTC, expressed in Unix
// seconds, the default reference_timestamp for a freshly built heritage
// config.
func DefaultReferenceTimestamp(now time.Time) uint64 {
	noon := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.UTC)
	return uint64(noon.Unix())
}

// =============================================================================
// Fee & Fee-rate Constants
// =============================================================================

const (
	// BroadcastMinFeeRate is the default fee rate (sat/vByte) assumed when no
	// fee rate has been persisted yet for a wallet.
	BroadcastMinFeeRate uint64 = 1

	// DustThresholdSats is the minimum economically spendable output value
	// below which an output is dropped rather than broadcast.
	DustThresholdSats uint64 = 546

	// DefaultBlockInclusionObjective is the default target block count within
	// which a broadcast transaction should be mined.
	DefaultBlockInclusionObjective uint16 = 6

	// MinBlockInclusionObjective and MaxBlockInclusionObjective bound the
	// valid block-inclusion-objective range.
	MinBlockInclusionObjective uint16 = 1
	MaxBlockInclusionObjective uint16 = 1008
)

// =============================================================================
// Gap Limit
// =============================================================================

// DefaultGapLimit is the number of consecutive unused addresses a sub-wallet
// scans ahead of the last used index before stopping discovery.
const DefaultGapLimit uint32 = 20
