package heritagewallet

import (
	"errors"
	"fmt"

	"github.com/btcheritage/wallet/internal/heritage"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/subwalletcfg"
	"github.com/btcheritage/wallet/internal/walleterrors"
)

// UpdateHeritageConfig installs newConfig (nil meaning "no heirs") as the
// heritage config the current sub-wallet's next addresses should use. It
// follows a fixed five-step decision:
//
//  1. Reject if an obsolete sub-wallet already used an equal config -
//     reusing a heritage config after it has been retired would let an
//     heir's old time-locks apply to addresses that were never meant to
//     carry them.
//  2. If there is no current sub-wallet yet, create one from an unused
//     account key.
//  3. If the current config already equals newConfig, do nothing.
//  4. If the current sub-wallet has never issued an address, replace its
//     config in place - nothing has committed to the old heirs yet.
//  5. Otherwise retire the current sub-wallet (moving its config to a
//     numbered Id key) and promote a freshly derived one in its place,
//     atomically.
func (e *Engine) UpdateHeritageConfig(newConfig *heritage.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	obsolete, err := e.obsoleteConfigs()
	if err != nil {
		return err
	}
	for _, cfg := range obsolete {
		if heritageConfigsEqual(cfg.HeritageConfig(), newConfig) {
			return walleterrors.ErrHeritageConfigAlreadyUsed
		}
	}

	current, currentRaw, hasCurrent, err := e.currentConfig()
	if err != nil {
		return err
	}

	if !hasCurrent {
		account, err := e.takeUnusedAccountXPubLocked()
		if err != nil {
			return err
		}
		cfg, err := subwalletcfg.New(account, newConfig)
		if err != nil {
			return fmt.Errorf("heritagewallet: build sub-wallet config: %w", err)
		}
		raw, err := encodeSubwalletConfig(cfg)
		if err != nil {
			return err
		}
		if err := e.store.PutIfAbsent(keyspace.Key(keyspace.SubwalletConfig, keyspace.CurrentSubwallet()), raw); err != nil {
			return fmt.Errorf("heritagewallet: install first sub-wallet config: %w", err)
		}
		return nil
	}

	if heritageConfigsEqual(current.HeritageConfig(), newConfig) {
		return nil
	}

	if current.FirstUseTimestamp() == nil {
		cfg, err := subwalletcfg.New(current.AccountKey(), newConfig)
		if err != nil {
			return fmt.Errorf("heritagewallet: build sub-wallet config: %w", err)
		}
		raw, err := encodeSubwalletConfig(cfg)
		if err != nil {
			return err
		}
		if err := e.store.CompareAndSwap(keyspace.Key(keyspace.SubwalletConfig, keyspace.CurrentSubwallet()), currentRaw, raw); err != nil {
			if errors.Is(err, kvstore.ErrCasMismatch) {
				return walleterrors.ErrUnexpectedCurrentSubwalletConfig
			}
			return fmt.Errorf("heritagewallet: replace current sub-wallet config: %w", err)
		}
		return nil
	}

	account, err := e.takeUnusedAccountXPubLocked()
	if err != nil {
		return err
	}
	nextCfg, err := subwalletcfg.New(account, newConfig)
	if err != nil {
		return fmt.Errorf("heritagewallet: build sub-wallet config: %w", err)
	}
	nextRaw, err := encodeSubwalletConfig(nextCfg)
	if err != nil {
		return err
	}

	retiredKey := keyspace.Key(keyspace.SubwalletConfig, keyspace.SubwalletByID(current.SubwalletID()))
	if _, exists, err := e.store.Get(retiredKey); err != nil {
		return fmt.Errorf("heritagewallet: check retired sub-wallet slot: %w", err)
	} else if exists {
		return &walleterrors.SubwalletConfigAlreadyExistError{SubwalletID: current.SubwalletID()}
	}

	batch := kvstore.NewBatch()
	batch.Put(retiredKey, currentRaw)
	batch.Cas(keyspace.Key(keyspace.SubwalletConfig, keyspace.CurrentSubwallet()), currentRaw, nextRaw)
	if err := e.store.CommitBatch(batch); err != nil {
		var txErr *kvstore.TransactionFailedError
		if errors.As(err, &txErr) && errors.Is(txErr.Reason, kvstore.ErrCasMismatch) {
			return walleterrors.ErrUnexpectedCurrentSubwalletConfig
		}
		return fmt.Errorf("heritagewallet: retire and replace current sub-wallet config: %w", err)
	}
	return nil
}

func heritageConfigsEqual(a, b *heritage.Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}
