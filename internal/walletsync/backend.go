// Package walletsync drives an external blockchain backend through a
// heritage wallet's sub-wallets, diffing UTXOs and transactions into the
// persisted store, and produces/restores descriptor backups.
//
// This file is read-only with respect to private keys: no signing happens
// here, only UTXO/transaction/fee lookups and raw-transaction broadcast.
package walletsync

import (
	"context"
	"errors"
)

// Common backend errors.
var (
	ErrNotConnected    = errors.New("walletsync: backend not connected")
	ErrTxNotFound      = errors.New("walletsync: transaction not found")
	ErrAddressNotFound = errors.New("walletsync: address not found")
	ErrBroadcastFailed = errors.New("walletsync: broadcast failed")
)

// UTXO represents an unspent transaction output as reported by a backend.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // satoshis
	ScriptPubKey  string `json:"scriptpubkey"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction represents a transaction as reported by a backend.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	BlockTime     int64      `json:"block_time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
	Hex           string     `json:"hex,omitempty"`
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey        string `json:"scriptpubkey"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address,omitempty"`
	Value               uint64 `json:"value"`
}

// AddressInfo contains address balance and transaction-count info.
type AddressInfo struct {
	Address       string `json:"address"`
	TxCount       int64  `json:"tx_count"`
	FundedTxCount int64  `json:"funded_txo_count"`
	SpentTxCount  int64  `json:"spent_txo_count"`
	FundedSum     uint64 `json:"funded_txo_sum"`
	SpentSum      uint64 `json:"spent_txo_sum"`
}

// FeeEstimate contains fee estimates for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// Backend defines the interface for a Bitcoin blockchain data provider.
// All methods are read-only - no private keys are handled here. This
// module does not ship a concrete implementation; callers inject one
// (mempool.space, Esplora, Electrum, a full node RPC client, etc).
type Backend interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)

	// GetFeeEstimateForTarget returns the fee rate (sat/vByte) that should
	// confirm a transaction within the given block-inclusion objective.
	GetFeeEstimateForTarget(ctx context.Context, blockInclusionObjective uint16) (uint64, error)
}
