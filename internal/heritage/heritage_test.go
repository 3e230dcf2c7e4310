package heritage

import (
	"crypto/rand"
	"errors"
	"strconv"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/btcheritage/wallet/internal/config"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/netparams"
)

func newTestSingleHeir(t *testing.T, fingerprint byte) *SingleHeirPubkey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	origin := KeyOrigin{Fingerprint: [4]byte{fingerprint, 0, 0, 0}, Path: []uint32{hdkeychain.HardenedKeyStart + 86}}
	return NewSingleHeirPubkey(origin, priv.PubKey())
}

func newTestXPubHeir(t *testing.T, fingerprint byte) *HeirXPubkey {
	t.Helper()
	seed := make([]byte, 32)
	seed[0] = fingerprint
	if _, err := rand.Read(seed[1:]); err != nil {
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
	origin := KeyOrigin{Fingerprint: [4]byte{fingerprint, 1, 1, 1}, Path: []uint32{hdkeychain.HardenedKeyStart + 86}}
	heir, err := NewHeirXPubkey(origin, pub)
	if err != nil {
		t.Fatalf("NewHeirXPubkey: %v", err)
	}
	return heir
}

func TestCompareHeirConfigsOrdersByFingerprintThenKey(t *testing.T) {
	a := newTestSingleHeir(t, 0x01)
	b := newTestSingleHeir(t, 0x02)
	if CompareHeirConfigs(a, b) >= 0 {
		t.Fatalf("expected a < b by fingerprint")
	}
	if CompareHeirConfigs(b, a) <= 0 {
		t.Fatalf("expected b > a by fingerprint")
	}
	if CompareHeirConfigs(a, a) != 0 {
		t.Fatalf("expected equal config to compare 0")
	}
}

func TestNewConfigNormalizesOrder(t *testing.T) {
	h1 := newTestSingleHeir(t, 0x01)
	h2 := newTestSingleHeir(t, 0x02)

	unordered := []Heritage{
		NewHeritageWithTimeLock(h2, 700),
		NewHeritageWithTimeLock(h1, 365),
	}
	cfg := NewConfig(netparams.Mainnet, unordered, config.LockTimeThreshold+1, config.MinimumLockTimeDaysMainnet)

	got := cfg.Heritages()
	if len(got) != 2 {
		t.Fatalf("expected 2 heritages, got %d", len(got))
	}
	if got[0].TimeLockDays != 365 || got[1].TimeLockDays != 700 {
		t.Fatalf("expected ascending time-lock order, got %v, %v", got[0].TimeLockDays, got[1].TimeLockDays)
	}
}

func TestNewConfigPanicsOnDuplicateTimeLock(t *testing.T) {
	h1 := newTestSingleHeir(t, 0x01)
	h2 := newTestSingleHeir(t, 0x02)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate time_lock_days")
		}
	}()
	NewConfig(netparams.Mainnet, []Heritage{
		NewHeritageWithTimeLock(h1, 365),
		NewHeritageWithTimeLock(h2, 365),
	}, config.LockTimeThreshold+1, config.MinimumLockTimeDaysMainnet)
}

func TestNewConfigPanicsOnDuplicateHeir(t *testing.T) {
	h1 := newTestSingleHeir(t, 0x01)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate heir_config")
		}
	}()
	NewConfig(netparams.Mainnet, []Heritage{
		NewHeritageWithTimeLock(h1, 365),
		NewHeritageWithTimeLock(h1, 700),
	}, config.LockTimeThreshold+1, config.MinimumLockTimeDaysMainnet)
}

func TestNewConfigPanicsOnBadReferenceTimestamp(t *testing.T) {
	h1 := newTestSingleHeir(t, 0x01)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on reference_timestamp below threshold")
		}
	}()
	NewConfig(netparams.Mainnet, []Heritage{NewHeritage(h1)}, config.LockTimeThreshold, config.MinimumLockTimeDaysMainnet)
}

func TestNewConfigPanicsBelowMinimumLockTimeFloor(t *testing.T) {
	h1 := newTestSingleHeir(t, 0x01)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on minimum_lock_time_days below mainnet floor")
		}
	}()
	NewConfig(netparams.Mainnet, []Heritage{NewHeritage(h1)}, config.LockTimeThreshold+1, config.MinimumLockTimeDaysMainnet-1)
}

func buildTestConfig(t *testing.T, n int) *Config {
	t.Helper()
	heritages := make([]Heritage, n)
	for i := 0; i < n; i++ {
		heritages[i] = NewHeritageWithTimeLock(newTestSingleHeir(t, byte(i+1)), uint16(365+i*100))
	}
	return NewConfig(netparams.Mainnet, heritages, config.LockTimeThreshold+1, config.MinimumLockTimeDaysMainnet)
}

func TestBuildScriptTreeRelativeLocksMonotonic(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		cfg := buildTestConfig(t, n)
		tree, err := BuildScriptTree(cfg, keyspace.External, 0)
		if err != nil {
			t.Fatalf("n=%d: BuildScriptTree: %v", n, err)
		}
		if len(tree.Leaves) != n {
			t.Fatalf("n=%d: expected %d leaves, got %d", n, n, len(tree.Leaves))
		}
		for k := 1; k < n; k++ {
			if tree.Leaves[k].RelativeLockBlocks <= tree.Leaves[k-1].RelativeLockBlocks {
				t.Fatalf("n=%d: leaf %d relative lock %d not greater than leaf %d's %d",
					n, k, tree.Leaves[k].RelativeLockBlocks, k-1, tree.Leaves[k-1].RelativeLockBlocks)
			}
		}
	}
}

func TestBuildScriptTreeControlBlocksAreDistinct(t *testing.T) {
	cfg := buildTestConfig(t, 4)
	tree, err := BuildScriptTree(cfg, keyspace.External, 0)
	if err != nil {
		t.Fatalf("BuildScriptTree: %v", err)
	}
	internalKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}

	seen := map[string]bool{}
	for i := range tree.Leaves {
		cb, err := tree.ControlBlock(i, internalKey.PubKey())
		if err != nil {
			t.Fatalf("leaf %d: ControlBlock: %v", i, err)
		}
		if len(cb) == 0 {
			t.Fatalf("leaf %d: empty control block", i)
		}
		if seen[string(cb)] {
			t.Fatalf("leaf %d: duplicate control block", i)
		}
		seen[string(cb)] = true
	}
}

func TestBuildScriptTreeOutputKeyDeterministic(t *testing.T) {
	cfg := buildTestConfig(t, 2)
	tree, err := BuildScriptTree(cfg, keyspace.External, 0)
	if err != nil {
		t.Fatalf("BuildScriptTree: %v", err)
	}
	internalKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	k1 := tree.OutputKey(internalKey.PubKey())
	k2 := tree.OutputKey(internalKey.PubKey())
	if !k1.IsEqual(k2) {
		t.Fatal("OutputKey should be deterministic for the same internal key and tree")
	}
}

func TestTreeDescriptorExpressionRoundTrip(t *testing.T) {
	cfg := buildTestConfig(t, 3)
	expr := TreeDescriptorExpression(cfg, keyspace.External)

	restored, err := FromDescriptorScripts(netparams.Mainnet, expr)
	if err != nil {
		t.Fatalf("FromDescriptorScripts: %v", err)
	}

	origTree, err := BuildScriptTree(cfg, keyspace.External, 0)
	if err != nil {
		t.Fatalf("BuildScriptTree(orig): %v", err)
	}
	restoredTree, err := BuildScriptTree(restored, keyspace.External, 0)
	if err != nil {
		t.Fatalf("BuildScriptTree(restored): %v", err)
	}

	if len(origTree.Leaves) != len(restoredTree.Leaves) {
		t.Fatalf("leaf count mismatch: %d vs %d", len(origTree.Leaves), len(restoredTree.Leaves))
	}
	for i := range origTree.Leaves {
		if origTree.Leaves[i].SpendableAt != restoredTree.Leaves[i].SpendableAt {
			t.Errorf("leaf %d: SpendableAt mismatch: %d vs %d", i, origTree.Leaves[i].SpendableAt, restoredTree.Leaves[i].SpendableAt)
		}
		if origTree.Leaves[i].RelativeLockBlocks != restoredTree.Leaves[i].RelativeLockBlocks {
			t.Errorf("leaf %d: RelativeLockBlocks mismatch: %d vs %d", i, origTree.Leaves[i].RelativeLockBlocks, restoredTree.Leaves[i].RelativeLockBlocks)
		}
	}
	if origTree.MerkleRoot() != restoredTree.MerkleRoot() {
		t.Error("merkle root should match after a round trip")
	}
}

func TestTreeDescriptorExpressionRoundTripWithXPubHeir(t *testing.T) {
	heritages := []Heritage{
		NewHeritage(newTestXPubHeir(t, 0x11)),
		NewHeritageWithTimeLock(newTestXPubHeir(t, 0x22), 900),
	}
	cfg := NewConfig(netparams.Mainnet, heritages, config.LockTimeThreshold+1, config.MinimumLockTimeDaysMainnet)
	expr := TreeDescriptorExpression(cfg, keyspace.Change)

	restored, err := FromDescriptorScripts(netparams.Mainnet, expr)
	if err != nil {
		t.Fatalf("FromDescriptorScripts: %v", err)
	}
	if len(restored.Heritages()) != 2 {
		t.Fatalf("expected 2 heritages, got %d", len(restored.Heritages()))
	}
}

func TestFromDescriptorScriptsRejectsMalformedLeaf(t *testing.T) {
	_, err := FromDescriptorScripts(netparams.Mainnet, "not_a_valid_leaf_expression")
	var invalidErr *InvalidScriptFragmentsError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected *InvalidScriptFragmentsError, got %v", err)
	}
	if invalidErr.Version != "v1" {
		t.Fatalf("expected version v1, got %q", invalidErr.Version)
	}
}

func TestFromDescriptorScriptsRejectsNonMonotonicRelativeLock(t *testing.T) {
	h1 := newTestSingleHeir(t, 0x01)
	h2 := newTestSingleHeir(t, 0x02)
	reference := config.LockTimeThreshold + 1
	leaf0 := descriptorLeafFor(h1, 144, reference+365*config.SecondsPerDay)
	leaf1 := descriptorLeafFor(h2, 144, reference+700*config.SecondsPerDay) // should be 288, not 144
	expr := "{" + leaf0 + "," + leaf1 + "}"

	_, err := FromDescriptorScripts(netparams.Mainnet, expr)
	var invalidErr *InvalidScriptFragmentsError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected *InvalidScriptFragmentsError, got %v", err)
	}
}

func descriptorLeafFor(h *SingleHeirPubkey, r uint32, a uint64) string {
	keyExpr := h.DescriptorKeyExpression(keyspace.External)
	return "and_v(v:pk(" + keyExpr + "),and_v(v:older(" + strconv.FormatUint(uint64(r), 10) + "),after(" + strconv.FormatUint(a, 10) + ")))"
}
