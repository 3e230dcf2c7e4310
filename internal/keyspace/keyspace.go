// Package keyspace maps typed store entities onto the flat string keys the
// key-value store actually persists. Every mapping lives in one place so the
// on-disk layout documented alongside this package is never duplicated, or
// drifted, across callers.
package keyspace

import (
	"fmt"
)

// Keychain distinguishes the external (receive) and internal (change)
// derivation branches of a sub-wallet, matching BIP-32 keychain index 0/1.
type Keychain uint8

const (
	External Keychain = 0
	Change   Keychain = 1
)

func (k Keychain) String() string {
	if k == Change {
		return "1"
	}
	return "0"
}

// SubwalletID selects either the live, in-use sub-wallet config (Current) or
// a specific retired one by its numeric id. Keys for Current must sort after
// every numeric id so a prefix scan for obsolete configs excludes it.
type SubwalletID struct {
	current bool
	id      uint32
}

// CurrentSubwallet selects the presently active sub-wallet configuration.
func CurrentSubwallet() SubwalletID { return SubwalletID{current: true} }

// SubwalletByID selects a retired sub-wallet configuration by id.
func SubwalletByID(id uint32) SubwalletID { return SubwalletID{id: id} }

func (s SubwalletID) String() string {
	if s.current {
		// '~' is 0x7E, the highest printable ASCII digit-adjacent character
		// used here; it sorts after every decimal-formatted numeric id so
		// "subwallet_config:~current" is always the last entry in a
		// forward prefix scan over "subwallet_config:".
		return "~current"
	}
	return fmt.Sprintf("%010d", s.id)
}

// Tag enumerates every distinct entity kind stored in the key-value store.
type Tag int

const (
	// Script maps a script-pubkey's hex encoding to its (keychain, child)
	// derivation, the reverse of Path.
	Script Tag = iota
	// Path maps a (keychain, child) derivation to its script-pubkey bytes.
	Path
	// Utxo maps an outpoint to its LocalUtxo record.
	Utxo
	// RawTx maps a txid to its full serialized transaction.
	RawTx
	// Transaction maps a txid to transaction metadata excluding raw bytes.
	Transaction
	// LastIndex maps a keychain to the highest index issued on it.
	LastIndex
	// SyncTime is the single key recording the last successful sync.
	SyncTime
	// DescriptorChecksum maps a keychain to its descriptor's BIP-380
	// checksum bytes.
	DescriptorChecksum
	// SubwalletConfig maps a SubwalletID to its persisted configuration.
	SubwalletConfig
	// UnusedAccountXPub maps an account id to an account key not yet bound
	// to any sub-wallet.
	UnusedAccountXPub
	// HeritageUtxo maps an outpoint to a UTXO eligible for heir spend.
	HeritageUtxo
	// TxSummary maps (txid, confirmation_time) to a TransactionSummary.
	// Keys sort by confirmation time ascending (txid breaking ties), so a
	// reverse scan over the tag's prefix yields newest-first.
	TxSummary
	// WalletBalance is the single key holding the aggregated balance.
	WalletBalance
	// FeeRate is the single key holding the configured fee rate.
	FeeRate
	// BlockInclusionObjective is the single key holding the configured
	// target confirmation window.
	BlockInclusionObjective
)

func (t Tag) prefix() string {
	switch t {
	case Script:
		return "script"
	case Path:
		return "path"
	case Utxo:
		return "utxo"
	case RawTx:
		return "raw_tx"
	case Transaction:
		return "tx"
	case LastIndex:
		return "last_index"
	case SyncTime:
		return "sync_time"
	case DescriptorChecksum:
		return "descriptor_checksum"
	case SubwalletConfig:
		return "subwallet_config"
	case UnusedAccountXPub:
		return "unused_account_xpub"
	case HeritageUtxo:
		return "heritage_utxo"
	case TxSummary:
		return "tx_summary"
	case WalletBalance:
		return "wallet_balance"
	case FeeRate:
		return "fee_rate"
	case BlockInclusionObjective:
		return "block_inclusion_objective"
	default:
		panic(fmt.Sprintf("keyspace: unknown tag %d", t))
	}
}

// Key renders the flat store key for tag given its discriminator arguments.
// It panics if args don't match what tag requires - a programmer error, not
// a runtime condition - mirroring how the rest of this module treats
// malformed internal invariants.
func Key(tag Tag, args ...any) string {
	p := tag.prefix()
	switch tag {
	case Script:
		scriptHex := args[0].(string)
		return p + ":" + scriptHex
	case Path:
		keychain := args[0].(Keychain)
		child := args[1].(uint32)
		return fmt.Sprintf("%s:%s:%010d", p, keychain, child)
	case Utxo, HeritageUtxo:
		outpoint := args[0].(string)
		return p + ":" + outpoint
	case RawTx, Transaction:
		txid := args[0].(string)
		return p + ":" + txid
	case LastIndex, DescriptorChecksum:
		keychain := args[0].(Keychain)
		return p + ":" + keychain.String()
	case SyncTime, WalletBalance, FeeRate, BlockInclusionObjective:
		return p
	case SubwalletConfig:
		id := args[0].(SubwalletID)
		return p + ":" + id.String()
	case UnusedAccountXPub:
		accountID := args[0].(uint32)
		return fmt.Sprintf("%s:%010d", p, accountID)
	case TxSummary:
		txid := args[0].(string)
		confirmationTime := args[1].(uint64)
		// Zero-padded decimal encoding keeps lexicographic order equal to
		// numeric order, so ascending confirmation time across every txid
		// falls out of a plain forward scan; reverse scans then
		// yield newest-first as required.
		return fmt.Sprintf("%s:%020d:%s", p, confirmationTime, txid)
	default:
		panic(fmt.Sprintf("keyspace: unknown tag %d", tag))
	}
}

// TagPrefix renders the scan prefix shared by every key of the given tag,
// suitable for Store.Query/ListKeys.
func TagPrefix(tag Tag) string {
	return tag.prefix() + ":"
}
