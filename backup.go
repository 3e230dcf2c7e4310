package heritagewallet

import (
	"fmt"
	"sort"

	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/internal/subwalletcfg"
	"github.com/btcheritage/wallet/internal/walleterrors"
)

// BackupRecord is one sub-wallet's entry in a backup document: its two
// compiled descriptors plus the bookkeeping a restore needs to recreate its
// address cursor and first-use stamp, per the on-the-wire backup format.
type BackupRecord struct {
	ExternalDescriptor string  `json:"external_descriptor"`
	ChangeDescriptor   string  `json:"change_descriptor"`
	FirstUseTimestamp  *uint64 `json:"first_use_ts"`
	LastExternalIndex  *uint32 `json:"last_external_index"`
	LastChangeIndex    *uint32 `json:"last_change_index"`
}

// GenerateBackup emits one record per sub-wallet, obsolete ones in their
// stored order followed by the current one. RestoreBackup does not rely on
// this ordering - it re-derives each sub-wallet's id from its descriptor
// and re-sorts before installing anything.
func (e *Engine) GenerateBackup() ([]BackupRecord, error) {
	// subwalletFor populates the sub-wallet cache, a write to shared state,
	// so this takes the full lock despite being read-only over the store.
	e.mu.Lock()
	defer e.mu.Unlock()

	obsolete, err := e.obsoleteConfigs()
	if err != nil {
		return nil, err
	}
	var configs []*subwalletcfg.Config
	configs = append(configs, obsolete...)

	current, _, hasCurrent, err := e.currentConfig()
	if err != nil {
		return nil, err
	}
	if hasCurrent {
		configs = append(configs, current)
	}

	records := make([]BackupRecord, 0, len(configs))
	for _, cfg := range configs {
		sw, err := e.subwalletFor(cfg)
		if err != nil {
			return nil, err
		}
		rec := BackupRecord{
			ExternalDescriptor: cfg.ExternalDescriptor(),
			ChangeDescriptor:   cfg.ChangeDescriptor(),
			FirstUseTimestamp:  cfg.FirstUseTimestamp(),
		}
		if last, ok, err := sw.LastIndex(keyspace.External); err != nil {
			return nil, fmt.Errorf("heritagewallet: generate backup: %w", err)
		} else if ok {
			rec.LastExternalIndex = &last
		}
		if last, ok, err := sw.LastIndex(keyspace.Change); err != nil {
			return nil, fmt.Errorf("heritagewallet: generate backup: %w", err)
		} else if ok {
			rec.LastChangeIndex = &last
		}
		records = append(records, rec)
	}
	return records, nil
}

// RestoreBackup reconstructs every sub-wallet config from a backup document
// and installs them in one transaction: the record with the greatest
// subwallet_id becomes Current, every other becomes Id(subwallet_id). Each
// sub-wallet's address cursor is rewound to the recorded last index. A
// store that already has a current sub-wallet config refuses to restore
// over it - restore is a one-shot bootstrap, not a merge.
func (e *Engine) RestoreBackup(records []BackupRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(records) == 0 {
		return &walleterrors.InvalidBackupError{Reason: "backup document is empty"}
	}
	if _, _, hasCurrent, err := e.currentConfig(); err != nil {
		return err
	} else if hasCurrent {
		return &walleterrors.InvalidBackupError{Reason: "a current sub-wallet config already exists"}
	}

	type parsed struct {
		cfg    *subwalletcfg.Config
		record BackupRecord
	}
	entries := make([]parsed, 0, len(records))
	for i, rec := range records {
		cfg, err := subwalletcfg.Parse(e.network, rec.ExternalDescriptor)
		if err != nil {
			return &walleterrors.InvalidBackupError{Reason: fmt.Sprintf("record %d: %v", i, err)}
		}
		if rec.FirstUseTimestamp != nil {
			cfg = cfg.WithFirstUseTimestamp(rec.FirstUseTimestamp)
		}
		entries = append(entries, parsed{cfg: cfg, record: rec})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].cfg.SubwalletID() < entries[j].cfg.SubwalletID()
	})

	batch := kvstore.NewBatch()
	for i, p := range entries {
		raw, err := encodeSubwalletConfig(p.cfg)
		if err != nil {
			return err
		}
		if i == len(entries)-1 {
			batch.Put(keyspace.Key(keyspace.SubwalletConfig, keyspace.CurrentSubwallet()), raw)
		} else {
			batch.Put(keyspace.Key(keyspace.SubwalletConfig, keyspace.SubwalletByID(p.cfg.SubwalletID())), raw)
		}
	}
	if err := e.store.CommitBatch(batch); err != nil {
		return fmt.Errorf("heritagewallet: restore backup: %w", err)
	}

	for _, p := range entries {
		sw, err := e.subwalletFor(p.cfg)
		if err != nil {
			return err
		}
		if p.record.LastExternalIndex != nil {
			if _, err := sw.GetAddress(subwallet.ResetAddress(*p.record.LastExternalIndex)); err != nil {
				return fmt.Errorf("%w: %v", walleterrors.ErrFailedToResetAddressIndex, err)
			}
		}
		if p.record.LastChangeIndex != nil {
			if _, err := sw.ResetChangeAddress(*p.record.LastChangeIndex); err != nil {
				return fmt.Errorf("%w: %v", walleterrors.ErrFailedToResetAddressIndex, err)
			}
		}
	}
	return nil
}
