package subwallet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcheritage/wallet/internal/heritage"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/netparams"
	"github.com/btcheritage/wallet/internal/subwalletcfg"
	"github.com/btcheritage/wallet/pkg/logging"
)

// Subwallet is a Bitcoin descriptor wallet over one key-value store
// partition: it derives addresses from a compiled Sub-Wallet Config and
// keeps a script-pubkey/UTXO/transaction index in that partition. It never
// outlives the engine's store borrow that produced its partition.
type Subwallet struct {
	cfg       *subwalletcfg.Config
	network   netparams.Network
	partition *kvstore.Partition
	log       *logging.Logger
}

// Open binds a compiled Sub-Wallet Config to a store partition, ready to
// derive addresses and answer UTXO/transaction queries against it. It does
// not itself populate the index - that is the sync algorithm's job.
func Open(cfg *subwalletcfg.Config, network netparams.Network, partition *kvstore.Partition, log *logging.Logger) *Subwallet {
	return &Subwallet{cfg: cfg, network: network, partition: partition, log: log.Component("subwallet")}
}

// Config returns the Sub-Wallet Config this instance derives from.
func (w *Subwallet) Config() *subwalletcfg.Config { return w.cfg }

// PersistDescriptorChecksums records the BIP-380 checksum suffix of both
// compiled descriptors under this partition, so a later load can detect a
// descriptor that was recompiled with different heritage parameters without
// re-parsing the whole string. Idempotent - safe to call every time a
// sub-wallet is opened.
func (w *Subwallet) PersistDescriptorChecksums() error {
	batch := w.partition.Batch()
	batch.Put(keyspace.Key(keyspace.DescriptorChecksum, keyspace.External), []byte(descriptorSuffix(w.cfg.ExternalDescriptor())))
	batch.Put(keyspace.Key(keyspace.DescriptorChecksum, keyspace.Change), []byte(descriptorSuffix(w.cfg.ChangeDescriptor())))
	return batch.Commit()
}

// descriptorSuffix extracts the "#checksum" tail (without the '#') from a
// compiled descriptor string.
func descriptorSuffix(descriptor string) string {
	if i := len(descriptor) - 1; i >= 0 {
		for ; i >= 0; i-- {
			if descriptor[i] == '#' {
				return descriptor[i+1:]
			}
		}
	}
	return ""
}

// deriveAddress computes the Taproot output key and its encoded address for
// one keychain/child, tweaking the account key's child pubkey by the
// heritage config's script tree merkle root (or by nothing, BIP-86 style,
// if this sub-wallet has no heirs yet).
func (w *Subwallet) deriveAddress(keychain keyspace.Keychain, child uint32) (AddressInfo, error) {
	internalKey, err := w.cfg.AccountKey().Child(keychain).PubKeyAt(child)
	if err != nil {
		return AddressInfo{}, fmt.Errorf("subwallet: derive internal key: %w", err)
	}

	var outputKey = internalKey
	if heritageCfg := w.cfg.HeritageConfig(); heritageCfg != nil && len(heritageCfg.Heritages()) > 0 {
		tree, err := heritage.BuildScriptTree(heritageCfg, keychain, child)
		if err != nil {
			return AddressInfo{}, fmt.Errorf("subwallet: build script tree: %w", err)
		}
		outputKey = tree.OutputKey(internalKey)
	} else {
		outputKey = txscript.ComputeTaprootKeyNoScript(internalKey)
	}

	params, err := netparams.ParamsFor(w.network)
	if err != nil {
		return AddressInfo{}, err
	}
	addr, err := btcutil.NewAddressTaproot(outputKey.SerializeCompressed()[1:], params.Chain)
	if err != nil {
		return AddressInfo{}, fmt.Errorf("subwallet: encode taproot address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return AddressInfo{}, fmt.Errorf("subwallet: pay-to-addr script: %w", err)
	}

	return AddressInfo{Keychain: keychain, Index: child, Address: addr.EncodeAddress(), Script: script}, nil
}

// lastIndex reads the highest index issued so far on keychain, or -1 (as
// "no index issued") encoded by absence of the key.
func (w *Subwallet) lastIndex(keychain keyspace.Keychain) (uint32, bool, error) {
	raw, ok, err := w.partition.Get(keyspace.Key(keyspace.LastIndex, keychain))
	if err != nil || !ok {
		return 0, ok, err
	}
	var idx uint32
	if err := json.Unmarshal(raw, &idx); err != nil {
		return 0, false, fmt.Errorf("subwallet: decode last index: %w", err)
	}
	return idx, true, nil
}

func (w *Subwallet) setLastIndex(keychain keyspace.Keychain, idx uint32) error {
	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return w.partition.Update(keyspace.Key(keyspace.LastIndex, keychain), raw)
}

// indexScript records a derived address's script-pubkey in both directions
// (script -> path, path -> script) so GetAddress never re-derives and
// IsMine is a single point lookup.
func (w *Subwallet) indexScript(addr AddressInfo) error {
	scriptHex := hex.EncodeToString(addr.Script)
	pathValue, err := json.Marshal(struct {
		Keychain keyspace.Keychain `json:"keychain"`
		Index    uint32            `json:"index"`
	}{addr.Keychain, addr.Index})
	if err != nil {
		return err
	}

	batch := w.partition.Batch()
	batch.Put(keyspace.Key(keyspace.Script, scriptHex), pathValue)
	batch.Put(keyspace.Key(keyspace.Path, addr.Keychain, addr.Index), addr.Script)
	return batch.Commit()
}

// GetAddress derives an address per req: NewAddress() advances the external
// keychain's last-used index and returns the next one; ResetAddress(i)
// rewinds (or fast-forwards) the cursor to i and returns that address,
// without requiring it be unused - used by restore to recreate a backup's
// recorded cursor position.
func (w *Subwallet) GetAddress(req AddressRequest) (AddressInfo, error) {
	var index uint32
	if req.reset {
		index = req.index
	} else {
		last, ok, err := w.lastIndex(keyspace.External)
		if err != nil {
			return AddressInfo{}, err
		}
		if ok {
			index = last + 1
		}
	}

	addr, err := w.deriveAddress(keyspace.External, index)
	if err != nil {
		return AddressInfo{}, err
	}
	if err := w.indexScript(addr); err != nil {
		return AddressInfo{}, fmt.Errorf("subwallet: index address: %w", err)
	}
	if err := w.setLastIndex(keyspace.External, index); err != nil {
		return AddressInfo{}, fmt.Errorf("subwallet: persist last index: %w", err)
	}
	w.log.Debug("derived address", "keychain", addr.Keychain, "index", addr.Index)
	return addr, nil
}

// ChangeAddress derives the next internal/change address and advances the
// change keychain's last index to it, used by the PSBT builder to pick a
// drain target.
func (w *Subwallet) ChangeAddress() (AddressInfo, error) {
	last, ok, err := w.lastIndex(keyspace.Change)
	if err != nil {
		return AddressInfo{}, err
	}
	index := uint32(0)
	if ok {
		index = last + 1
	}
	addr, err := w.deriveAddress(keyspace.Change, index)
	if err != nil {
		return AddressInfo{}, err
	}
	if err := w.indexScript(addr); err != nil {
		return AddressInfo{}, err
	}
	if err := w.setLastIndex(keyspace.Change, index); err != nil {
		return AddressInfo{}, err
	}
	return addr, nil
}

// ResetChangeAddress rewinds (or fast-forwards) the change keychain's
// cursor to a specific index and re-derives it, used by restore to recreate
// the cursor position recorded in a backup.
func (w *Subwallet) ResetChangeAddress(index uint32) (AddressInfo, error) {
	addr, err := w.deriveAddress(keyspace.Change, index)
	if err != nil {
		return AddressInfo{}, err
	}
	if err := w.indexScript(addr); err != nil {
		return AddressInfo{}, err
	}
	if err := w.setLastIndex(keyspace.Change, index); err != nil {
		return AddressInfo{}, err
	}
	return addr, nil
}

// IsMine reports whether script was derived by this sub-wallet.
func (w *Subwallet) IsMine(script []byte) (bool, error) {
	_, ok, err := w.partition.Get(keyspace.Key(keyspace.Script, hex.EncodeToString(script)))
	return ok, err
}

// ListUnspent returns every UTXO this sub-wallet's index currently holds.
func (w *Subwallet) ListUnspent() ([]LocalUtxo, error) {
	entries, _, err := w.partition.Query(keyspace.TagPrefix(keyspace.Utxo), kvstore.Forward, 0, "")
	if err != nil {
		return nil, fmt.Errorf("subwallet: list unspent: %w", err)
	}
	utxos := make([]LocalUtxo, 0, len(entries))
	for _, e := range entries {
		var u LocalUtxo
		if err := json.Unmarshal(e.Value, &u); err != nil {
			return nil, fmt.Errorf("subwallet: decode utxo %q: %w", e.Key, err)
		}
		utxos = append(utxos, u)
	}
	return utxos, nil
}

// PutUtxo records (or overwrites) a UTXO in this sub-wallet's index.
func (w *Subwallet) PutUtxo(u LocalUtxo) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return w.partition.Update(keyspace.Key(keyspace.Utxo, outpointKey(u.Outpoint)), raw)
}

// RemoveUtxo deletes a UTXO from the index, e.g. once it is spent.
func (w *Subwallet) RemoveUtxo(outpoint wire.OutPoint) error {
	_, _, err := w.partition.Delete(keyspace.Key(keyspace.Utxo, outpointKey(outpoint)))
	return err
}

// GetTx returns the transaction metadata for txid, and its raw serialized
// bytes when includeRaw is set.
func (w *Subwallet) GetTx(txid chainhash.Hash, includeRaw bool) (*TxRecord, []byte, error) {
	raw, ok, err := w.partition.Get(keyspace.Key(keyspace.Transaction, txid.String()))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	var rec TxRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("subwallet: decode tx record: %w", err)
	}
	if !includeRaw {
		return &rec, nil, nil
	}
	rawTx, ok, err := w.partition.Get(keyspace.Key(keyspace.RawTx, txid.String()))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return &rec, nil, nil
	}
	return &rec, rawTx, nil
}

// PutTx records a transaction's metadata and, if non-nil, its raw bytes.
func (w *Subwallet) PutTx(rec TxRecord, rawTx []byte) error {
	metaRaw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch := w.partition.Batch()
	batch.Put(keyspace.Key(keyspace.Transaction, rec.Txid.String()), metaRaw)
	if rawTx != nil {
		batch.Put(keyspace.Key(keyspace.RawTx, rec.Txid.String()), rawTx)
	}
	return batch.Commit()
}

// SyncTime returns the last recorded sync block time, if any.
func (w *Subwallet) SyncTime() (*BlockTime, error) {
	raw, ok, err := w.partition.Get(keyspace.Key(keyspace.SyncTime))
	if err != nil || !ok {
		return nil, err
	}
	var bt BlockTime
	if err := json.Unmarshal(raw, &bt); err != nil {
		return nil, fmt.Errorf("subwallet: decode sync time: %w", err)
	}
	return &bt, nil
}

// SetSyncTime records the sub-wallet's last successful sync point.
func (w *Subwallet) SetSyncTime(bt BlockTime) error {
	raw, err := json.Marshal(bt)
	if err != nil {
		return err
	}
	return w.partition.Update(keyspace.Key(keyspace.SyncTime), raw)
}

// LastIndex exposes the highest issued index on a keychain, for address
// enumeration and backup generation.
func (w *Subwallet) LastIndex(keychain keyspace.Keychain) (uint32, bool, error) {
	return w.lastIndex(keychain)
}

// AddressAt derives (without advancing or indexing anything) the address at
// a specific keychain/index, used by address enumeration to re-derive
// addresses already known to have been issued.
func (w *Subwallet) AddressAt(keychain keyspace.Keychain, index uint32) (AddressInfo, error) {
	return w.deriveAddress(keychain, index)
}

func outpointKey(op wire.OutPoint) string {
	return fmt.Sprintf("%s:%d", op.Hash.String(), op.Index)
}
