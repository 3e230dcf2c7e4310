package heritagewallet

import (
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/btcheritage/wallet/internal/config"
	"github.com/btcheritage/wallet/internal/heritage"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/psbtbuilder"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/internal/walleterrors"
)

// CreatePSBT builds a draft transaction spending across this engine's
// sub-wallets for spender, per spending. assumeBlocktime pins the "now" used
// for every time-lock check; pass nil to derive it from the current
// sub-wallet's last sync point (its height, with the timestamp replaced by
// wall-clock time) - this fails with ErrUnsyncedWallet if the wallet has
// never synced.
func (e *Engine) CreatePSBT(spender psbtbuilder.Spender, spending psbtbuilder.SpendingConfig, assumeBlocktime *psbtbuilder.Now) (*psbt.Packet, *psbtbuilder.TransactionSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, _, hasCurrent, err := e.currentConfig()
	if err != nil {
		return nil, nil, err
	}
	if !hasCurrent {
		return nil, nil, walleterrors.ErrMissingCurrentSubwalletConfig
	}

	obsolete, err := e.obsoleteConfigs()
	if err != nil {
		return nil, nil, err
	}

	subwallets := make([]*subwallet.Subwallet, 0, len(obsolete)+1)
	for _, cfg := range obsolete {
		sw, err := e.subwalletFor(cfg)
		if err != nil {
			return nil, nil, err
		}
		subwallets = append(subwallets, sw)
	}
	currentSw, err := e.subwalletFor(current)
	if err != nil {
		return nil, nil, err
	}
	subwallets = append(subwallets, currentSw)

	now, err := e.resolveAssumeBlocktime(currentSw, assumeBlocktime)
	if err != nil {
		return nil, nil, err
	}

	feeRate, err := e.feeRateLocked()
	if err != nil {
		return nil, nil, err
	}

	params := psbtbuilder.Params{
		Spender:  spender,
		Spending: spending,
		Now:      now,
		FeeRate:  feeRate,
		Log:      e.log,
	}
	return psbtbuilder.Build(subwallets, params, e.network)
}

// CreateOwnerPSBT is CreatePSBT fixed to the owner's key-path spend.
func (e *Engine) CreateOwnerPSBT(spending psbtbuilder.SpendingConfig, assumeBlocktime *psbtbuilder.Now) (*psbt.Packet, *psbtbuilder.TransactionSummary, error) {
	return e.CreatePSBT(psbtbuilder.Owner(), spending, assumeBlocktime)
}

// CreateHeirPSBT is CreatePSBT fixed to heir's script-path spend, draining
// every eligible UTXO to drainAddr - the only spending_config a heir spend
// accepts.
func (e *Engine) CreateHeirPSBT(heir heritage.HeirConfig, drainAddr string, assumeBlocktime *psbtbuilder.Now) (*psbt.Packet, *psbtbuilder.TransactionSummary, error) {
	return e.CreatePSBT(psbtbuilder.Heir(heir), psbtbuilder.DrainTo(drainAddr), assumeBlocktime)
}

// resolveAssumeBlocktime picks the reference height/time a heir time-lock
// check is evaluated against: an explicit
// assumeBlocktime is used as-is; otherwise the current sub-wallet's last
// sync point is reused with its timestamp replaced by wall-clock time, and
// a wallet that has never synced fails outright rather than reasoning about
// time-locks against a fabricated height.
func (e *Engine) resolveAssumeBlocktime(current *subwallet.Subwallet, assumeBlocktime *psbtbuilder.Now) (psbtbuilder.Now, error) {
	if assumeBlocktime != nil {
		return *assumeBlocktime, nil
	}
	syncTime, err := current.SyncTime()
	if err != nil {
		return psbtbuilder.Now{}, err
	}
	if syncTime == nil {
		return psbtbuilder.Now{}, walleterrors.ErrUnsyncedWallet
	}
	return psbtbuilder.Now{Height: syncTime.Height, Timestamp: uint64(time.Now().Unix())}, nil
}

// feeRateLocked is FeeRate's logic without taking e.mu itself, for callers
// that already hold it.
func (e *Engine) feeRateLocked() (uint64, error) {
	var rate uint64
	found, err := e.loadJSON(keyspace.Key(keyspace.FeeRate), &rate)
	if err != nil {
		return 0, err
	}
	if !found {
		return config.BroadcastMinFeeRate, nil
	}
	return rate, nil
}
