package walletsync

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/pkg/logging"
)

// OwnedEntry is one input or output of a synced transaction that a
// sub-wallet's script index recognizes as its own.
type OwnedEntry struct {
	Outpoint     wire.OutPoint
	ScriptPubKey []byte
	AmountSat    int64
}

// TxSummary is one transaction's synced view: which of its inputs/outputs
// this engine's sub-wallets own, its fee, and the parent transactions its
// owned inputs spend from.
type TxSummary struct {
	Txid             chainhash.Hash
	ConfirmationTime *subwallet.BlockTime
	OwnedInputs      []OwnedEntry
	InputsTotal      int64
	OwnedOutputs     []OwnedEntry
	OutputsTotal     int64
	FeeSat           int64
	ParentTxids      []chainhash.Hash
}

// RefreshResult is what RefreshSubwallet reports back: the sub-wallet's
// final confirmed balance and the per-transaction summaries synced this
// pass, ready for the engine to diff against its aggregated tables.
type RefreshResult struct {
	BalanceSat int64
	Summaries  []TxSummary
}

// RefreshSubwallet drives backend through every address this sub-wallet has
// ever issued, refreshes its local UTXO index, and produces a transaction
// summary per synced transaction, per the sync algorithm's first two steps:
// transactions are processed oldest-first within the sub-wallet, and a
// running outpoint -> owned-output cache lets a later transaction's input
// be recognized as spending this sub-wallet's own output even across
// keychains.
func RefreshSubwallet(ctx context.Context, backend Backend, sw *subwallet.Subwallet, log *logging.Logger) (RefreshResult, error) {
	addresses, err := issuedAddresses(sw)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("walletsync: enumerate addresses: %w", err)
	}

	var remoteUTXOs []UTXO
	txByID := make(map[string]Transaction)
	for _, addr := range addresses {
		utxos, err := backend.GetAddressUTXOs(ctx, addr.Address)
		if err != nil {
			return RefreshResult{}, fmt.Errorf("walletsync: fetch utxos for %s: %w", addr.Address, err)
		}
		remoteUTXOs = append(remoteUTXOs, utxos...)

		txs, err := backend.GetAddressTxs(ctx, addr.Address, "")
		if err != nil {
			return RefreshResult{}, fmt.Errorf("walletsync: fetch txs for %s: %w", addr.Address, err)
		}
		for _, tx := range txs {
			txByID[tx.TxID] = tx
		}
	}

	ordered := topoSortOldestFirst(txByID)

	cache := make(map[wire.OutPoint]OwnedEntry)
	var summaries []TxSummary
	for _, tx := range ordered {
		summary, err := summarizeTx(sw, tx, cache)
		if err != nil {
			return RefreshResult{}, err
		}
		if len(summary.OwnedInputs) > 0 || len(summary.OwnedOutputs) > 0 {
			summaries = append(summaries, summary)
		}
	}

	if err := reindexUTXOs(sw, remoteUTXOs); err != nil {
		return RefreshResult{}, err
	}

	utxos, err := sw.ListUnspent()
	if err != nil {
		return RefreshResult{}, fmt.Errorf("walletsync: list unspent: %w", err)
	}
	var balance int64
	for _, u := range utxos {
		balance += u.Amount
	}

	log.Debug("refreshed sub-wallet", "addresses", len(addresses), "utxos", len(utxos), "txs", len(ordered))
	return RefreshResult{BalanceSat: balance, Summaries: summaries}, nil
}

// summarizeTx folds one transaction into a TxSummary, consuming cached
// owned outputs its inputs spend and recording its own owned outputs into
// the cache for later transactions to consume.
func summarizeTx(sw *subwallet.Subwallet, tx Transaction, cache map[wire.OutPoint]OwnedEntry) (TxSummary, error) {
	txid, err := chainhash.NewHashFromStr(tx.TxID)
	if err != nil {
		return TxSummary{}, fmt.Errorf("walletsync: parse txid %s: %w", tx.TxID, err)
	}

	summary := TxSummary{Txid: *txid, FeeSat: int64(tx.Fee)}
	if tx.Confirmed {
		summary.ConfirmationTime = &subwallet.BlockTime{
			Height:    uint32(tx.BlockHeight),
			Timestamp: uint64(tx.BlockTime),
		}
	}

	parents := make(map[chainhash.Hash]struct{})
	for _, in := range tx.Inputs {
		prevTxid, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			continue
		}
		parents[*prevTxid] = struct{}{}
		op := wire.OutPoint{Hash: *prevTxid, Index: in.Vout}
		if owned, ok := cache[op]; ok {
			summary.OwnedInputs = append(summary.OwnedInputs, owned)
			summary.InputsTotal += owned.AmountSat
			delete(cache, op)
		}
	}
	for h := range parents {
		summary.ParentTxids = append(summary.ParentTxids, h)
	}
	sort.Slice(summary.ParentTxids, func(i, j int) bool {
		return summary.ParentTxids[i].String() < summary.ParentTxids[j].String()
	})

	for vout, out := range tx.Outputs {
		script, err := hex.DecodeString(out.ScriptPubKey)
		if err != nil {
			continue
		}
		mine, err := sw.IsMine(script)
		if err != nil {
			return TxSummary{}, fmt.Errorf("walletsync: is_mine: %w", err)
		}
		if !mine {
			continue
		}
		entry := OwnedEntry{
			Outpoint:     wire.OutPoint{Hash: *txid, Index: uint32(vout)},
			ScriptPubKey: script,
			AmountSat:    int64(out.Value),
		}
		summary.OwnedOutputs = append(summary.OwnedOutputs, entry)
		summary.OutputsTotal += entry.AmountSat
		cache[entry.Outpoint] = entry
	}

	return summary, nil
}

// issuedAddresses enumerates every address this sub-wallet has ever
// derived, both keychains, index 0 through its last-used index.
func issuedAddresses(sw *subwallet.Subwallet) ([]subwallet.AddressInfo, error) {
	var addresses []subwallet.AddressInfo
	for _, keychain := range []keyspace.Keychain{keyspace.External, keyspace.Change} {
		last, ok, err := sw.LastIndex(keychain)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for idx := uint32(0); idx <= last; idx++ {
			addr, err := sw.AddressAt(keychain, idx)
			if err != nil {
				return nil, err
			}
			addresses = append(addresses, addr)
		}
	}
	return addresses, nil
}

// reindexUTXOs diffs the backend's reported UTXO set against the
// sub-wallet's local index and applies the adds/removes.
func reindexUTXOs(sw *subwallet.Subwallet, remote []UTXO) error {
	local, err := sw.ListUnspent()
	if err != nil {
		return fmt.Errorf("walletsync: list local unspent: %w", err)
	}
	localByOutpoint := make(map[wire.OutPoint]subwallet.LocalUtxo, len(local))
	for _, u := range local {
		localByOutpoint[u.Outpoint] = u
	}

	remoteOutpoints := make(map[wire.OutPoint]bool, len(remote))
	for _, u := range remote {
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return fmt.Errorf("walletsync: parse utxo txid %s: %w", u.TxID, err)
		}
		op := wire.OutPoint{Hash: *txid, Index: u.Vout}
		remoteOutpoints[op] = true
		if _, exists := localByOutpoint[op]; exists {
			continue
		}
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return fmt.Errorf("walletsync: decode scriptpubkey for %s:%d: %w", u.TxID, u.Vout, err)
		}
		path, ok, err := addressPath(sw, script)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		local := subwallet.LocalUtxo{
			Outpoint:     op,
			Amount:       int64(u.Amount),
			ScriptPubKey: script,
			Keychain:     path.Keychain,
			Index:        path.Index,
		}
		if u.BlockHeight > 0 {
			local.ConfirmationTime = &subwallet.BlockTime{Height: uint32(u.BlockHeight)}
		}
		if err := sw.PutUtxo(local); err != nil {
			return fmt.Errorf("walletsync: put utxo: %w", err)
		}
	}

	for op := range localByOutpoint {
		if !remoteOutpoints[op] {
			if err := sw.RemoveUtxo(op); err != nil {
				return fmt.Errorf("walletsync: remove spent utxo: %w", err)
			}
		}
	}
	return nil
}

// addressPath re-derives which keychain/index produced script by scanning
// this sub-wallet's issued addresses, since the backend reports only the
// script-pubkey.
func addressPath(sw *subwallet.Subwallet, script []byte) (subwallet.AddressInfo, bool, error) {
	addresses, err := issuedAddresses(sw)
	if err != nil {
		return subwallet.AddressInfo{}, false, err
	}
	for _, addr := range addresses {
		if hex.EncodeToString(addr.Script) == hex.EncodeToString(script) {
			return addr, true, nil
		}
	}
	return subwallet.AddressInfo{}, false, nil
}

// topoSortOldestFirst orders txByID's transactions so that a parent (an
// input's previous transaction) is always processed before any child that
// spends it, falling back to ascending block height / txid for
// transactions with no dependency relationship in this batch - Kahn's
// algorithm over the parent-txid edges restricted to the batch itself.
func topoSortOldestFirst(txByID map[string]Transaction) []Transaction {
	inDegree := make(map[string]int, len(txByID))
	children := make(map[string][]string)
	for id, tx := range txByID {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, in := range tx.Inputs {
			if _, ok := txByID[in.TxID]; ok {
				inDegree[id]++
				children[in.TxID] = append(children[in.TxID], id)
			}
		}
	}

	ready := make([]string, 0, len(txByID))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortByHeightThenID(ready, txByID)

	var ordered []Transaction
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, txByID[id])
		next := children[id]
		sortByHeightThenID(next, txByID)
		for _, childID := range next {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				ready = append(ready, childID)
				sortByHeightThenID(ready, txByID)
			}
		}
	}
	return ordered
}

func sortByHeightThenID(ids []string, txByID map[string]Transaction) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := txByID[ids[i]], txByID[ids[j]]
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight < b.BlockHeight
		}
		return ids[i] < ids[j]
	})
}
