package walletsync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcheritage/wallet/internal/accountkey"
	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/netparams"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/internal/subwalletcfg"
	"github.com/btcheritage/wallet/pkg/logging"
)

// fakeBackend answers GetAddressUTXOs/GetAddressTxs from fixed per-address
// tables keyed by address string, ignoring everything else.
type fakeBackend struct {
	utxos map[string][]UTXO
	txs   map[string][]Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{utxos: make(map[string][]UTXO), txs: make(map[string][]Transaction)}
}

func (f *fakeBackend) Connect(ctx context.Context) error { return nil }
func (f *fakeBackend) Close() error                      { return nil }
func (f *fakeBackend) IsConnected() bool                 { return true }

func (f *fakeBackend) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	return &AddressInfo{Address: address}, nil
}

func (f *fakeBackend) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return f.utxos[address], nil
}

func (f *fakeBackend) GetAddressTxs(ctx context.Context, address string, lastSeenTxID string) ([]Transaction, error) {
	return f.txs[address], nil
}

func (f *fakeBackend) GetTransaction(ctx context.Context, txID string) (*Transaction, error) {
	return nil, ErrTxNotFound
}

func (f *fakeBackend) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	return "", ErrBroadcastFailed
}

func (f *fakeBackend) GetBlockHeight(ctx context.Context) (int64, error) { return 800_000, nil }

func (f *fakeBackend) GetFeeEstimateForTarget(ctx context.Context, blockInclusionObjective uint16) (uint64, error) {
	return 4, nil
}

func newTestSubwallet(t *testing.T) *subwallet.Subwallet {
	t.Helper()
	store, err := kvstore.New(&kvstore.Config{DataDir: ":memory:"})
	if err != nil {
		t.Fatalf("kvstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	pub, err := master.Neuter()
	if err != nil {
		t.Fatalf("Neuter: %v", err)
	}
	account, err := accountkey.New([4]byte{1, 2, 3, 4}, 0, 1, pub)
	if err != nil {
		t.Fatalf("accountkey.New: %v", err)
	}
	cfg, err := subwalletcfg.New(account, nil)
	if err != nil {
		t.Fatalf("subwalletcfg.New: %v", err)
	}
	return subwallet.Open(cfg, netparams.Mainnet, store.Partition("sw:"), logging.Default())
}

func TestRefreshSubwalletIndexesNewUTXO(t *testing.T) {
	sw := newTestSubwallet(t)
	addr, err := sw.GetAddress(subwallet.NewAddress())
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}

	backend := newFakeBackend()
	txid := "aa110000000000000000000000000000000000000000000000000000000000bb"
	backend.utxos[addr.Address] = []UTXO{{
		TxID:         txid,
		Vout:         0,
		Amount:       25_000,
		ScriptPubKey: hex.EncodeToString(addr.Script),
		BlockHeight:  799_000,
	}}
	backend.txs[addr.Address] = []Transaction{{
		TxID:        txid,
		Confirmed:   true,
		BlockHeight: 799_000,
		BlockTime:   1_700_000_000,
		Fee:         300,
		Outputs: []TxOutput{{
			ScriptPubKey: hex.EncodeToString(addr.Script),
			Value:        25_000,
		}},
	}}

	result, err := RefreshSubwallet(context.Background(), backend, sw, logging.Default())
	if err != nil {
		t.Fatalf("RefreshSubwallet: %v", err)
	}
	if result.BalanceSat != 25_000 {
		t.Errorf("expected balance 25000, got %d", result.BalanceSat)
	}
	if len(result.Summaries) != 1 {
		t.Fatalf("expected 1 tx summary, got %d", len(result.Summaries))
	}
	summary := result.Summaries[0]
	if len(summary.OwnedOutputs) != 1 || summary.OutputsTotal != 25_000 {
		t.Errorf("expected 1 owned output totalling 25000, got %+v", summary)
	}
	if len(summary.OwnedInputs) != 0 {
		t.Errorf("expected no owned inputs for a funding tx, got %d", len(summary.OwnedInputs))
	}

	utxos, err := sw.ListUnspent()
	if err != nil {
		t.Fatalf("ListUnspent: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Amount != 25_000 {
		t.Errorf("expected the utxo to be indexed locally, got %+v", utxos)
	}
}

func TestRefreshSubwalletRemovesSpentUTXO(t *testing.T) {
	sw := newTestSubwallet(t)
	addr, err := sw.GetAddress(subwallet.NewAddress())
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}

	var hash chainhash.Hash
	hash[0] = 0xAB
	existing := subwallet.LocalUtxo{
		Outpoint:     wire.OutPoint{Hash: hash, Index: 0},
		Amount:       10_000,
		ScriptPubKey: addr.Script,
		Keychain:     addr.Keychain,
		Index:        addr.Index,
	}
	if err := sw.PutUtxo(existing); err != nil {
		t.Fatalf("PutUtxo: %v", err)
	}

	backend := newFakeBackend()
	result, err := RefreshSubwallet(context.Background(), backend, sw, logging.Default())
	if err != nil {
		t.Fatalf("RefreshSubwallet: %v", err)
	}
	if result.BalanceSat != 0 {
		t.Errorf("expected balance 0 after the utxo disappears from the backend, got %d", result.BalanceSat)
	}
	utxos, err := sw.ListUnspent()
	if err != nil {
		t.Fatalf("ListUnspent: %v", err)
	}
	if len(utxos) != 0 {
		t.Errorf("expected the stale utxo to be removed, got %+v", utxos)
	}
}

func TestTopoSortOldestFirstOrdersParentBeforeChild(t *testing.T) {
	parent := Transaction{TxID: "p", BlockHeight: 100}
	child := Transaction{
		TxID:        "c",
		BlockHeight: 101,
		Inputs:      []TxInput{{TxID: "p", Vout: 0}},
	}
	txByID := map[string]Transaction{"p": parent, "c": child}

	ordered := topoSortOldestFirst(txByID)
	if len(ordered) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(ordered))
	}
	if ordered[0].TxID != "p" || ordered[1].TxID != "c" {
		t.Errorf("expected parent before child, got %s then %s", ordered[0].TxID, ordered[1].TxID)
	}
}

func TestSummarizeTxConsumesCachedOwnedOutput(t *testing.T) {
	sw := newTestSubwallet(t)
	addr, err := sw.GetAddress(subwallet.NewAddress())
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	other, err := sw.GetAddress(subwallet.NewAddress())
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}

	cache := make(map[wire.OutPoint]OwnedEntry)
	funding := Transaction{
		TxID: "f1110000000000000000000000000000000000000000000000000000000000ff",
		Outputs: []TxOutput{{
			ScriptPubKey: hex.EncodeToString(addr.Script),
			Value:        40_000,
		}},
	}
	fundingSummary, err := summarizeTx(sw, funding, cache)
	if err != nil {
		t.Fatalf("summarizeTx funding: %v", err)
	}
	if len(fundingSummary.OwnedOutputs) != 1 {
		t.Fatalf("expected funding tx to record 1 owned output, got %d", len(fundingSummary.OwnedOutputs))
	}

	spend := Transaction{
		TxID: "a2220000000000000000000000000000000000000000000000000000000000ff",
		Inputs: []TxInput{{
			TxID: funding.TxID,
			Vout: 0,
		}},
		Outputs: []TxOutput{{
			ScriptPubKey: hex.EncodeToString(other.Script),
			Value:        39_700,
		}},
	}
	spendSummary, err := summarizeTx(sw, spend, cache)
	if err != nil {
		t.Fatalf("summarizeTx spend: %v", err)
	}
	if len(spendSummary.OwnedInputs) != 1 || spendSummary.InputsTotal != 40_000 {
		t.Errorf("expected the spend to consume the cached owned output, got %+v", spendSummary)
	}
	if len(cache) != 1 {
		t.Errorf("expected the spent entry to be evicted and the new output cached, got %d entries", len(cache))
	}
}
