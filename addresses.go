package heritagewallet

import (
	"errors"
	"fmt"

	"github.com/btcheritage/wallet/internal/config"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/internal/subwalletcfg"
	"github.com/btcheritage/wallet/internal/walleterrors"
)

// GetNewAddress derives the next unused receive address on the current
// sub-wallet, stamping its first_use_timestamp if this is its first ever
// address - once stamped, UpdateHeritageConfig can no longer replace this
// sub-wallet's config in place and must retire it instead.
func (e *Engine) GetNewAddress() (subwallet.AddressInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, raw, hasCurrent, err := e.currentConfig()
	if err != nil {
		return subwallet.AddressInfo{}, err
	}
	if !hasCurrent {
		return subwallet.AddressInfo{}, walleterrors.ErrMissingCurrentSubwalletConfig
	}

	if cfg.FirstUseTimestamp() == nil {
		if err := cfg.MarkFirstUse(); err != nil {
			return subwallet.AddressInfo{}, fmt.Errorf("heritagewallet: stamp first use: %w", err)
		}
		newRaw, err := encodeSubwalletConfig(cfg)
		if err != nil {
			return subwallet.AddressInfo{}, err
		}
		if err := e.store.CompareAndSwap(keyspace.Key(keyspace.SubwalletConfig, keyspace.CurrentSubwallet()), raw, newRaw); err != nil {
			if errors.Is(err, kvstore.ErrCasMismatch) {
				return subwallet.AddressInfo{}, walleterrors.ErrUnexpectedCurrentSubwalletConfig
			}
			return subwallet.AddressInfo{}, fmt.Errorf("heritagewallet: stamp first use: %w", err)
		}
	}

	sw, err := e.subwalletFor(cfg)
	if err != nil {
		return subwallet.AddressInfo{}, err
	}
	return sw.GetAddress(subwallet.NewAddress())
}

// GetBalance returns the aggregated wallet balance, split between what the
// up-to-date sub-wallets hold and what remains stranded on obsolete ones.
func (e *Engine) GetBalance() (WalletBalance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balanceLocked()
}

// WalletBalance is the aggregated balance, split between up-to-date and
// obsolete sub-wallets, that the engine persists under keyspace.WalletBalance.
type WalletBalance struct {
	UpToDateSats int64 `json:"up_to_date_sats"`
	ObsoleteSats int64 `json:"obsolete_sats"`
}

// SetBalance overwrites the persisted aggregated balance, called by the
// sync algorithm once it has re-tallied every sub-wallet's UTXO set.
func (e *Engine) SetBalance(balance WalletBalance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storeJSON(keyspace.Key(keyspace.WalletBalance), balance)
}

func (e *Engine) balanceLocked() (WalletBalance, error) {
	var balance WalletBalance
	found, err := e.loadJSON(keyspace.Key(keyspace.WalletBalance), &balance)
	if err != nil || !found {
		return WalletBalance{}, err
	}
	return balance, nil
}

// FeeRate returns the configured fee rate in sat/vByte, defaulting to
// config.BroadcastMinFeeRate if never set.
func (e *Engine) FeeRate() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.feeRateLocked()
}

// SetFeeRate persists the fee rate the PSBT builder should target.
func (e *Engine) SetFeeRate(satPerVByte uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storeJSON(keyspace.Key(keyspace.FeeRate), satPerVByte)
}

// BlockInclusionObjective returns the configured target confirmation
// window in blocks, defaulting to config.DefaultBlockInclusionObjective.
// It fails if the stored value falls outside
// [config.MinBlockInclusionObjective, config.MaxBlockInclusionObjective].
func (e *Engine) BlockInclusionObjective() (uint16, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var bio uint16
	found, err := e.loadJSON(keyspace.Key(keyspace.BlockInclusionObjective), &bio)
	if err != nil {
		return 0, err
	}
	if !found {
		return config.DefaultBlockInclusionObjective, nil
	}
	if bio < config.MinBlockInclusionObjective || bio > config.MaxBlockInclusionObjective {
		return 0, walleterrors.ErrInvalidBlockInclusionObjective
	}
	return bio, nil
}

// SetBlockInclusionObjective persists the target confirmation window,
// clamped to [config.MinBlockInclusionObjective, config.MaxBlockInclusionObjective].
func (e *Engine) SetBlockInclusionObjective(blocks uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case blocks < config.MinBlockInclusionObjective:
		blocks = config.MinBlockInclusionObjective
	case blocks > config.MaxBlockInclusionObjective:
		blocks = config.MaxBlockInclusionObjective
	}
	return e.storeJSON(keyspace.Key(keyspace.BlockInclusionObjective), blocks)
}

// WalletAddress is one entry of ListWalletAddresses: a derivation origin
// string and its encoded address.
type WalletAddress struct {
	Origin  string `json:"origin"`
	Address string `json:"address"`
}

// ListWalletAddresses enumerates every address ever issued across every
// sub-wallet (current and obsolete), newest sub-wallet first, external
// before internal within a sub-wallet, and highest index first within a
// keychain - the order an heir or an auditor would want to review a wallet
// in, most relevant addresses surfaced first.
func (e *Engine) ListWalletAddresses() ([]WalletAddress, error) {
	// subwalletFor populates the sub-wallet cache, a write to shared state,
	// so this takes the full lock despite being read-only over the store.
	e.mu.Lock()
	defer e.mu.Unlock()

	var ordered []*subwalletcfg.Config
	current, _, hasCurrent, err := e.currentConfig()
	if err != nil {
		return nil, err
	}
	if hasCurrent {
		ordered = append(ordered, current)
	}
	obsolete, err := e.obsoleteConfigs()
	if err != nil {
		return nil, err
	}
	for i := len(obsolete) - 1; i >= 0; i-- {
		ordered = append(ordered, obsolete[i])
	}

	var addresses []WalletAddress
	for _, cfg := range ordered {
		sw, err := e.subwalletFor(cfg)
		if err != nil {
			return nil, err
		}
		for _, keychain := range []keyspace.Keychain{keyspace.External, keyspace.Change} {
			last, ok, err := sw.LastIndex(keychain)
			if err != nil {
				return nil, fmt.Errorf("heritagewallet: list addresses: %w", err)
			}
			if !ok {
				continue
			}
			for idx := int64(last); idx >= 0; idx-- {
				addr, err := sw.AddressAt(keychain, uint32(idx))
				if err != nil {
					return nil, fmt.Errorf("heritagewallet: list addresses: %w", err)
				}
				addresses = append(addresses, WalletAddress{
					Origin:  fmt.Sprintf("%s/%s/%d", cfg.AccountKey().Origin(), keychain, idx),
					Address: addr.Address,
				})
			}
		}
	}
	return addresses, nil
}
