package heritagewallet

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcheritage/wallet/internal/accountkey"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/walleterrors"
)

// AppendAccountXPubs adds account extended public keys to the pool of keys
// available to back a future sub-wallet. Every key must share the same
// master fingerprint as every other key already known to this engine - its
// own pool, and its current/obsolete sub-wallet configs; a key whose account
// id is already bound to an existing sub-wallet config is silently skipped,
// as is a key already present in the pool.
func (e *Engine) AppendAccountXPubs(keys []*accountkey.AccountKey) error {
	if len(keys) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	expected, err := e.fingerprintLocked()
	if err != nil {
		return err
	}
	if expected == nil {
		fp := keys[0].Fingerprint()
		expected = &fp
	}

	used, err := e.usedSubwalletIDs()
	if err != nil {
		return err
	}

	for _, key := range keys {
		if key.Fingerprint() != *expected {
			return fmt.Errorf("%w: account %d has fingerprint %x, want %x",
				walleterrors.ErrInvalidAccountXPub, key.AccountID(), key.Fingerprint(), *expected)
		}
		if used[key.AccountID()] {
			continue
		}
		raw, err := json.Marshal(storedAccountXPub{Descriptor: key.String()})
		if err != nil {
			return fmt.Errorf("heritagewallet: marshal account xpub %d: %w", key.AccountID(), err)
		}
		err = e.store.PutIfAbsent(keyspace.Key(keyspace.UnusedAccountXPub, key.AccountID()), raw)
		if err != nil && !errors.Is(err, kvstore.ErrKeyAlreadyExists) {
			return fmt.Errorf("heritagewallet: store account xpub %d: %w", key.AccountID(), err)
		}
	}
	return nil
}

// Fingerprint returns the master key fingerprint every account key known to
// this engine shares, or nil if the engine has no account key at all yet
// (current config, obsolete config, or unused pool).
func (e *Engine) Fingerprint() (*[4]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fingerprintLocked()
}

func (e *Engine) fingerprintLocked() (*[4]byte, error) {
	if cfg, _, found, err := e.currentConfig(); err != nil {
		return nil, err
	} else if found {
		fp := cfg.AccountKey().Fingerprint()
		return &fp, nil
	}

	obsolete, err := e.obsoleteConfigs()
	if err != nil {
		return nil, err
	}
	if len(obsolete) > 0 {
		fp := obsolete[0].AccountKey().Fingerprint()
		return &fp, nil
	}

	entries, _, err := e.store.Query(keyspace.TagPrefix(keyspace.UnusedAccountXPub), kvstore.Forward, 1, "")
	if err != nil {
		return nil, fmt.Errorf("heritagewallet: scan unused account xpub pool: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	var stored storedAccountXPub
	if err := json.Unmarshal(entries[0].Value, &stored); err != nil {
		return nil, fmt.Errorf("heritagewallet: decode unused account xpub: %w", err)
	}
	ak, err := accountkey.Parse(stored.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("heritagewallet: decode unused account xpub: %w", err)
	}
	fp := ak.Fingerprint()
	return &fp, nil
}

// takeUnusedAccountXPubLocked removes and returns the lowest-account-id
// unused account key from the pool, for binding to a freshly created
// sub-wallet config. Returns walleterrors.ErrMissingUnusedAccountXPub if the
// pool is empty.
func (e *Engine) takeUnusedAccountXPubLocked() (*accountkey.AccountKey, error) {
	entries, _, err := e.store.Query(keyspace.TagPrefix(keyspace.UnusedAccountXPub), kvstore.Forward, 1, "")
	if err != nil {
		return nil, fmt.Errorf("heritagewallet: scan unused account xpub pool: %w", err)
	}
	if len(entries) == 0 {
		return nil, walleterrors.ErrMissingUnusedAccountXPub
	}
	var stored storedAccountXPub
	if err := json.Unmarshal(entries[0].Value, &stored); err != nil {
		return nil, fmt.Errorf("heritagewallet: decode unused account xpub: %w", err)
	}
	ak, err := accountkey.Parse(stored.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("heritagewallet: decode unused account xpub: %w", err)
	}
	if _, existed, err := e.store.Delete(entries[0].Key); err != nil {
		return nil, fmt.Errorf("heritagewallet: consume unused account xpub %d: %w", ak.AccountID(), err)
	} else if !existed {
		return nil, &walleterrors.AccountXPubInexistantError{AccountID: ak.AccountID()}
	}
	return ak, nil
}
