package heritagewallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/btcheritage/wallet/internal/config"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/internal/subwalletcfg"
	"github.com/btcheritage/wallet/internal/walleterrors"
	"github.com/btcheritage/wallet/internal/walletsync"
)

// unconfirmedConfirmationTime is the TxSummary confirmation-time
// discriminator used for a transaction that has not confirmed yet. It is
// the largest value the zero-padded key encoding can hold, so an
// unconfirmed transaction's key sorts after every confirmed one in a
// forward scan and therefore surfaces first in the reverse scan
// list_wallet_addresses-style callers use to read "newest first".
const unconfirmedConfirmationTime = math.MaxUint64

// storedOwnedEntry is the JSON-friendly form of walletsync.OwnedEntry.
type storedOwnedEntry struct {
	Outpoint     string `json:"outpoint"`
	ScriptPubKey string `json:"script_pubkey"`
	AmountSat    int64  `json:"amount_sat"`
}

// storedTxSummary is the JSON persisted at tx_summary:<confirmation_time>:<txid>.
type storedTxSummary struct {
	Txid             string               `json:"txid"`
	ConfirmationTime *subwallet.BlockTime `json:"confirmation_time,omitempty"`
	OwnedInputs      []storedOwnedEntry   `json:"owned_inputs"`
	InputsTotal      int64                `json:"inputs_total"`
	OwnedOutputs     []storedOwnedEntry   `json:"owned_outputs"`
	OutputsTotal     int64                `json:"outputs_total"`
	FeeSat           int64                `json:"fee_sat"`
	ParentTxids      []string             `json:"parent_txids"`
}

// storedHeritageUtxo is the JSON persisted at heritage_utxo:<outpoint>, the
// engine-level aggregate of every sub-wallet's local UTXO index.
type storedHeritageUtxo struct {
	Outpoint           string               `json:"outpoint"`
	AmountSat          int64                `json:"amount_sat"`
	ConfirmationTime   *subwallet.BlockTime `json:"confirmation_time,omitempty"`
	Address            string               `json:"address"`
	HeritageDescriptor string               `json:"heritage_descriptor,omitempty"`
}

func encodeOwnedEntries(entries []walletsync.OwnedEntry) []storedOwnedEntry {
	out := make([]storedOwnedEntry, len(entries))
	for i, e := range entries {
		out[i] = storedOwnedEntry{
			Outpoint:     e.Outpoint.String(),
			ScriptPubKey: fmt.Sprintf("%x", e.ScriptPubKey),
			AmountSat:    e.AmountSat,
		}
	}
	return out
}

func txSummaryConfirmationDiscriminator(s walletsync.TxSummary) uint64 {
	if s.ConfirmationTime == nil {
		return unconfirmedConfirmationTime
	}
	return s.ConfirmationTime.Timestamp
}

// Sync drives backend through every used sub-wallet (obsolete oldest-first,
// then current), refreshing each one's local UTXO/transaction index,
// re-aggregates the engine-level heritage-UTXO and transaction-summary
// tables, re-tallies the split balance, and persists a fresh fee rate for
// the stored block-inclusion objective.
func (e *Engine) Sync(ctx context.Context, backend walletsync.Backend) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	obsolete, err := e.obsoleteConfigs()
	if err != nil {
		return &walleterrors.SyncError{Reason: err}
	}
	current, _, hasCurrent, err := e.currentConfig()
	if err != nil {
		return &walleterrors.SyncError{Reason: err}
	}

	type tier struct {
		cfg        *subwalletcfg.Config
		isObsolete bool
	}
	var tiers []tier
	for _, cfg := range obsolete {
		tiers = append(tiers, tier{cfg: cfg, isObsolete: true})
	}
	if hasCurrent {
		tiers = append(tiers, tier{cfg: current})
	}

	currentHeight, err := backend.GetBlockHeight(ctx)
	if err != nil {
		return &walleterrors.SyncError{Reason: fmt.Errorf("%w: %v", walleterrors.ErrBlockchainProvider, err)}
	}

	var balance WalletBalance
	var allSummaries []walletsync.TxSummary
	heritageUtxos := make(map[string]storedHeritageUtxo)

	for _, t := range tiers {
		if t.cfg.FirstUseTimestamp() == nil {
			continue
		}
		sw, err := e.subwalletFor(t.cfg)
		if err != nil {
			return &walleterrors.SyncError{Reason: err}
		}

		result, err := walletsync.RefreshSubwallet(ctx, backend, sw, e.log)
		if err != nil {
			return &walleterrors.SyncError{Reason: fmt.Errorf("%w: %v", walleterrors.ErrBlockchainProvider, err)}
		}
		if t.isObsolete {
			balance.ObsoleteSats += result.BalanceSat
		} else {
			balance.UpToDateSats += result.BalanceSat
		}
		allSummaries = append(allSummaries, result.Summaries...)

		utxos, err := sw.ListUnspent()
		if err != nil {
			return &walleterrors.SyncError{Reason: err}
		}
		for _, u := range utxos {
			addr, err := sw.AddressAt(u.Keychain, u.Index)
			if err != nil {
				return &walleterrors.SyncError{Reason: err}
			}
			heritageUtxos[u.Outpoint.String()] = storedHeritageUtxo{
				Outpoint:           u.Outpoint.String(),
				AmountSat:          u.Amount,
				ConfirmationTime:   u.ConfirmationTime,
				Address:            addr.Address,
				HeritageDescriptor: t.cfg.ExternalDescriptor(),
			}
		}

		if err := sw.SetSyncTime(subwallet.BlockTime{Height: uint32(currentHeight)}); err != nil {
			return &walleterrors.SyncError{Reason: err}
		}
	}

	if err := e.diffHeritageUtxos(heritageUtxos); err != nil {
		return &walleterrors.SyncError{Reason: err}
	}
	if err := e.diffTxSummaries(allSummaries); err != nil {
		return &walleterrors.SyncError{Reason: err}
	}
	if err := e.storeJSON(keyspace.Key(keyspace.WalletBalance), balance); err != nil {
		return &walleterrors.SyncError{Reason: err}
	}

	var bio uint16
	found, err := e.loadJSON(keyspace.Key(keyspace.BlockInclusionObjective), &bio)
	if err != nil {
		return &walleterrors.SyncError{Reason: err}
	}
	if !found {
		bio = config.DefaultBlockInclusionObjective
	} else if bio < config.MinBlockInclusionObjective || bio > config.MaxBlockInclusionObjective {
		return &walleterrors.SyncError{Reason: walleterrors.ErrInvalidBlockInclusionObjective}
	}
	feeRate, err := backend.GetFeeEstimateForTarget(ctx, bio)
	if err != nil {
		return &walleterrors.SyncError{Reason: fmt.Errorf("%w: %v", walleterrors.ErrBlockchainProvider, err)}
	}
	if err := e.storeJSON(keyspace.Key(keyspace.FeeRate), feeRate); err != nil {
		return &walleterrors.SyncError{Reason: err}
	}

	return nil
}

// diffHeritageUtxos replaces the engine-level heritage_utxo table with
// fresh, keyed by outpoint, applying adds and deletes in one batch.
func (e *Engine) diffHeritageUtxos(fresh map[string]storedHeritageUtxo) error {
	entries, _, err := e.store.Query(keyspace.TagPrefix(keyspace.HeritageUtxo), kvstore.Forward, 0, "")
	if err != nil {
		return fmt.Errorf("heritagewallet: list heritage utxos: %w", err)
	}
	existing := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		outpoint := strings.TrimPrefix(entry.Key, keyspace.TagPrefix(keyspace.HeritageUtxo))
		existing[outpoint] = struct{}{}
	}

	batch := kvstore.NewBatch()
	for outpoint, u := range fresh {
		raw, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("heritagewallet: encode heritage utxo: %w", err)
		}
		batch.Put(keyspace.Key(keyspace.HeritageUtxo, outpoint), raw)
	}
	for outpoint := range existing {
		if _, ok := fresh[outpoint]; !ok {
			batch.Delete(keyspace.Key(keyspace.HeritageUtxo, outpoint))
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := e.store.CommitBatch(batch); err != nil {
		return fmt.Errorf("heritagewallet: commit heritage utxo diff: %w", err)
	}
	return nil
}

// diffTxSummaries installs this pass's transaction summaries, replacing any
// existing entry for the same txid whose key differs because its
// confirmation time changed (a transaction moving from unconfirmed to
// confirmed, most commonly).
func (e *Engine) diffTxSummaries(summaries []walletsync.TxSummary) error {
	if len(summaries) == 0 {
		return nil
	}

	entries, _, err := e.store.Query(keyspace.TagPrefix(keyspace.TxSummary), kvstore.Forward, 0, "")
	if err != nil {
		return fmt.Errorf("heritagewallet: list tx summaries: %w", err)
	}
	keyByTxid := make(map[string]string, len(entries))
	for _, entry := range entries {
		var stored storedTxSummary
		if err := json.Unmarshal(entry.Value, &stored); err != nil {
			return fmt.Errorf("heritagewallet: decode tx summary: %w", err)
		}
		keyByTxid[stored.Txid] = entry.Key
	}

	batch := kvstore.NewBatch()
	for _, s := range summaries {
		txid := s.Txid.String()
		newKey := keyspace.Key(keyspace.TxSummary, txid, txSummaryConfirmationDiscriminator(s))
		if oldKey, ok := keyByTxid[txid]; ok && oldKey != newKey {
			batch.Delete(oldKey)
		}
		raw, err := json.Marshal(storedTxSummary{
			Txid:             txid,
			ConfirmationTime: s.ConfirmationTime,
			OwnedInputs:      encodeOwnedEntries(s.OwnedInputs),
			InputsTotal:      s.InputsTotal,
			OwnedOutputs:     encodeOwnedEntries(s.OwnedOutputs),
			OutputsTotal:     s.OutputsTotal,
			FeeSat:           s.FeeSat,
			ParentTxids:      hashesToStrings(s.ParentTxids),
		})
		if err != nil {
			return fmt.Errorf("heritagewallet: encode tx summary: %w", err)
		}
		batch.Put(newKey, raw)
	}
	if err := e.store.CommitBatch(batch); err != nil {
		return fmt.Errorf("heritagewallet: commit tx summary diff: %w", err)
	}
	return nil
}

func hashesToStrings(hashes []chainhash.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return out
}
