package subwalletcfg

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/btcheritage/wallet/internal/accountkey"
	"github.com/btcheritage/wallet/internal/heritage"
	"github.com/btcheritage/wallet/internal/netparams"
)

func testAccount(t *testing.T, accountID uint32) *accountkey.AccountKey {
	t.Helper()
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
	ak, err := accountkey.New([4]byte{0xaa, 0xbb, 0xcc, 0xdd}, 0, accountID, pub)
	if err != nil {
		t.Fatalf("New account key: %v", err)
	}
	return ak
}

func testHeir(t *testing.T) heritage.HeirConfig {
	t.Helper()
	_, pub := btcec.PrivKeyFromBytes([]byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32,
	})
	return heritage.NewSingleHeirPubkey(heritage.KeyOrigin{Fingerprint: [4]byte{1, 2, 3, 4}}, pub)
}

func TestNewWithNoHeritageOmitsTree(t *testing.T) {
	account := testAccount(t, 7)
	cfg, err := New(account, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if strings.Contains(cfg.ExternalDescriptor(), ",") {
		t.Errorf("expected key-path-only descriptor with no comma, got %q", cfg.ExternalDescriptor())
	}
	if !strings.HasPrefix(cfg.ExternalDescriptor(), "tr(") {
		t.Errorf("expected tr(...) descriptor, got %q", cfg.ExternalDescriptor())
	}
	if !strings.Contains(cfg.ExternalDescriptor(), "#") {
		t.Errorf("expected checksum suffix, got %q", cfg.ExternalDescriptor())
	}
	if cfg.SubwalletID() != 7 {
		t.Errorf("SubwalletID: got %d want 7", cfg.SubwalletID())
	}
}

func TestNewWithHeritageIncludesTree(t *testing.T) {
	account := testAccount(t, 1)
	heritageCfg := heritage.NewDefaultConfig(netparams.Mainnet, []heritage.Heritage{heritage.NewHeritage(testHeir(t))})
	cfg, err := New(account, heritageCfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.Contains(cfg.ExternalDescriptor(), "and_v(") {
		t.Errorf("expected script tree fragment in descriptor, got %q", cfg.ExternalDescriptor())
	}
	if cfg.ExternalDescriptor() == cfg.ChangeDescriptor() {
		t.Error("external and change descriptors should differ (different keychain branch)")
	}
}

func TestDescriptorChecksumIsStable(t *testing.T) {
	account := testAccount(t, 2)
	cfg1, err := New(account, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg2, err := New(account, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg1.ExternalDescriptor() != cfg2.ExternalDescriptor() {
		t.Error("compiling the same account key twice should yield the identical descriptor")
	}
}

func TestMarkFirstUseSucceedsOnce(t *testing.T) {
	account := testAccount(t, 3)
	cfg, err := New(account, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.FirstUseTimestamp() != nil {
		t.Fatal("expected nil first use timestamp before marking")
	}
	if err := cfg.MarkFirstUse(); err != nil {
		t.Fatalf("MarkFirstUse: %v", err)
	}
	if cfg.FirstUseTimestamp() == nil {
		t.Fatal("expected first use timestamp to be set")
	}
}

func TestMarkFirstUseRejectsSecondCall(t *testing.T) {
	account := testAccount(t, 4)
	cfg, err := New(account, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cfg.MarkFirstUse(); err != nil {
		t.Fatalf("MarkFirstUse: %v", err)
	}
	first := *cfg.FirstUseTimestamp()

	if err := cfg.MarkFirstUse(); err != ErrAlreadyMarkedUsed {
		t.Fatalf("expected ErrAlreadyMarkedUsed, got %v", err)
	}
	if *cfg.FirstUseTimestamp() != first {
		t.Error("first_use_timestamp must not change once stamped")
	}
}

func TestParseRoundTripsWithoutHeritage(t *testing.T) {
	account := testAccount(t, 9)
	cfg, err := New(account, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reparsed, err := Parse(netparams.Mainnet, cfg.ExternalDescriptor())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if reparsed.ExternalDescriptor() != cfg.ExternalDescriptor() {
		t.Errorf("round-trip mismatch:\n  got  %q\n  want %q", reparsed.ExternalDescriptor(), cfg.ExternalDescriptor())
	}
	if reparsed.SubwalletID() != cfg.SubwalletID() {
		t.Errorf("SubwalletID: got %d want %d", reparsed.SubwalletID(), cfg.SubwalletID())
	}
}

func TestParseRoundTripsWithHeritage(t *testing.T) {
	account := testAccount(t, 10)
	heritageCfg := heritage.NewDefaultConfig(netparams.Mainnet, []heritage.Heritage{heritage.NewHeritage(testHeir(t))})
	cfg, err := New(account, heritageCfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reparsed, err := Parse(netparams.Mainnet, cfg.ExternalDescriptor())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if reparsed.ExternalDescriptor() != cfg.ExternalDescriptor() {
		t.Errorf("round-trip mismatch:\n  got  %q\n  want %q", reparsed.ExternalDescriptor(), cfg.ExternalDescriptor())
	}
}

func TestParseRejectsNonTaprootDescriptor(t *testing.T) {
	if _, err := Parse(netparams.Mainnet, "wpkh(xpub.../0/*)#checksum"); err == nil {
		t.Fatal("expected error for non-tr() descriptor")
	}
}

func TestWithFirstUseTimestampDoesNotMutateOriginal(t *testing.T) {
	account := testAccount(t, 5)
	cfg, err := New(account, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := uint64(1700000000)
	restored := cfg.WithFirstUseTimestamp(&ts)

	if cfg.FirstUseTimestamp() != nil {
		t.Error("original config should remain untouched")
	}
	if restored.FirstUseTimestamp() == nil || *restored.FirstUseTimestamp() != ts {
		t.Error("restored config should carry the supplied timestamp")
	}
}
