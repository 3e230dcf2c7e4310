// Package subwallet is a per-sub-wallet Bitcoin descriptor wallet: it derives
// addresses from a compiled Sub-Wallet Config, indexes script-pubkeys,
// UTXOs, and transactions over its own key-value store partition, and
// answers the queries the heritage wallet engine and the PSBT builder need.
package subwallet

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcheritage/wallet/internal/keyspace"
)

// BlockTime pairs a block height with its timestamp, mirroring how a synced
// UTXO or transaction records its confirmation point.
type BlockTime struct {
	Height    uint32 `json:"height"`
	Timestamp uint64 `json:"timestamp"`
}

// LocalUtxo is one unspent transaction output this sub-wallet's script index
// recognizes as its own.
type LocalUtxo struct {
	Outpoint         wire.OutPoint  `json:"outpoint"`
	Amount           int64          `json:"amount_sat"`
	ScriptPubKey     []byte         `json:"script_pubkey"`
	Keychain         keyspace.Keychain `json:"keychain"`
	Index            uint32         `json:"index"`
	ConfirmationTime *BlockTime     `json:"confirmation_time,omitempty"`
}

// TxRecord is a transaction this sub-wallet's script index has seen, with
// its raw bytes stored separately under RawTx so metadata lookups need not
// pay for deserialization.
type TxRecord struct {
	Txid             chainhash.Hash `json:"txid"`
	ConfirmationTime *BlockTime     `json:"confirmation_time,omitempty"`
}

// AddressInfo is a derived address together with the keychain/index it came
// from, the shape get_address and list_wallet_addresses return.
type AddressInfo struct {
	Keychain keyspace.Keychain
	Index    uint32
	Address  string
	Script   []byte
}

// AddressRequest selects which index get_address derives: the next unused
// external index, or a specific index to reset the cursor to.
type AddressRequest struct {
	reset bool
	index uint32
}

// NewAddress requests the next unused external address, advancing the
// keychain's last-used index.
func NewAddress() AddressRequest { return AddressRequest{} }

// ResetAddress requests a specific external index, rewinding (or
// fast-forwarding) the keychain's last-used index to it - used by restore to
// recreate the cursor position recorded in a backup.
func ResetAddress(index uint32) AddressRequest {
	return AddressRequest{reset: true, index: index}
}
