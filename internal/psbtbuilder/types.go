// Package psbtbuilder constructs partially-signed Bitcoin transactions that
// spend across a heritage wallet's sub-wallets, for both the owner
// (key-path, any time) and a designated heir (script-path, once their
// time-locks have matured). It never signs anything - a PSBT it returns is
// ready for an external signer to finalize.
package psbtbuilder

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcheritage/wallet/internal/heritage"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/pkg/logging"
)

// Spender is who is about to spend: the owner (key-path, unconditional), or
// a specific heir (script-path, gated by that heir's time-locks).
type Spender struct {
	heir heritage.HeirConfig // nil for the owner
}

// Owner spends via the key-path, available at any time on every sub-wallet.
func Owner() Spender { return Spender{} }

// Heir spends via the script-path, available only on sub-wallets that
// designate this heir and only once their time-locks have matured.
func Heir(heir heritage.HeirConfig) Spender { return Spender{heir: heir} }

// IsHeir reports whether this spender is a specific heir rather than the
// owner.
func (s Spender) IsHeir() bool { return s.heir != nil }

// Recipient is one non-change output of a Recipients() spend.
type Recipient struct {
	Address   string
	AmountSat int64
}

// SpendingConfig selects between draining an entire spend into one address
// or paying a fixed set of recipients with a derived change output.
type SpendingConfig struct {
	drainTo    string
	recipients []Recipient
}

// DrainTo spends every selected input to addr, with no change output.
func DrainTo(addr string) SpendingConfig { return SpendingConfig{drainTo: addr} }

// Recipients spends to a fixed set of outputs, with any surplus returned to
// a freshly derived change address on the current sub-wallet.
func Recipients(rs []Recipient) SpendingConfig { return SpendingConfig{recipients: rs} }

// IsDrain reports whether this spending config drains to a single address.
func (c SpendingConfig) IsDrain() bool { return c.drainTo != "" }

// Now is the "wall clock" a PSBT build reasons about: the block height used
// for relative-lock maturity checks and the timestamp used for absolute
// (CLTV) maturity checks.
type Now = subwallet.BlockTime

// Params bundles the inputs a single PSBT construction needs beyond the
// sub-wallets themselves.
type Params struct {
	Spender  Spender
	Spending SpendingConfig
	Now      Now
	FeeRate  uint64 // sat/vByte
	Log      *logging.Logger
}

// OwnedEntry is one input or output of a finished transaction that this
// engine's sub-wallets recognize as their own.
type OwnedEntry struct {
	Outpoint     wire.OutPoint
	ScriptPubKey []byte
	AmountSat    int64
}

// TransactionSummary is what a PSBT build reports back alongside the draft
// packet itself: which of the transaction's own inputs/outputs it
// recognizes, the fee paid, and the parent transactions it spends from.
type TransactionSummary struct {
	OwnedInputs  []OwnedEntry
	OwnedOutputs []OwnedEntry
	FeeSat       int64
	FeeRate      uint64
	ParentTxids  []chainhash.Hash
}
