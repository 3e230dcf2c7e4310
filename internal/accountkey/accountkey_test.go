package accountkey

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/btcheritage/wallet/internal/keyspace"
)

func testAccountKeyString(t *testing.T, coinType, accountID uint32) (string, *hdkeychain.ExtendedKey) {
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
	s := "[aabbccdd/86h/" + itoa(coinType) + "h/" + itoa(accountID) + "h]" + pub.String() + "/*"
	return s, pub
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func TestParseValidAccountKey(t *testing.T) {
	s, _ := testAccountKeyString(t, 0, 5)
	ak, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ak.AccountID() != 5 {
		t.Errorf("AccountID: got %d want 5", ak.AccountID())
	}
	if ak.CoinType() != 0 {
		t.Errorf("CoinType: got %d want 0", ak.CoinType())
	}
	if ak.Fingerprint() != [4]byte{0xaa, 0xbb, 0xcc, 0xdd} {
		t.Errorf("Fingerprint mismatch: %x", ak.Fingerprint())
	}
}

func TestParseRejectsWrongPurpose(t *testing.T) {
	s, pub := testAccountKeyString(t, 0, 5)
	_ = pub
	bad := "[aabbccdd/44h/0h/5h]" + pub.String() + "/*"
	_, err := Parse(bad)
	if err == nil {
		t.Fatal("expected error for non-86 purpose")
	}
	_ = s
}

func TestParseRejectsBadCoinType(t *testing.T) {
	_, pub := testAccountKeyString(t, 0, 5)
	bad := "[aabbccdd/86h/2h/5h]" + pub.String() + "/*"
	_, err := Parse(bad)
	if err == nil {
		t.Fatal("expected error for coin type outside {0,1}")
	}
}

func TestParseRejectsPrivateKey(t *testing.T) {
	seed := make([]byte, 32)
	rand.Read(seed)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	bad := "[aabbccdd/86h/0h/5h]" + master.String() + "/*"
	_, err = Parse(bad)
	if err == nil {
		t.Fatal("expected error for private extended key")
	}
}

func TestChildDerivesDistinctKeychains(t *testing.T) {
	s, _ := testAccountKeyString(t, 1, 3)
	ak, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ext := ak.Child(keyspace.External)
	chg := ak.Child(keyspace.Change)

	extPub, err := ext.PubKeyAt(0)
	if err != nil {
		t.Fatalf("external PubKeyAt: %v", err)
	}
	chgPub, err := chg.PubKeyAt(0)
	if err != nil {
		t.Fatalf("change PubKeyAt: %v", err)
	}
	if extPub.IsEqual(chgPub) {
		t.Fatal("external and change branch child 0 should differ")
	}
}

func TestDescriptorPublicKeyStringShape(t *testing.T) {
	s, _ := testAccountKeyString(t, 0, 2)
	ak, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ext := ak.Child(keyspace.External)
	got := ext.String()
	if got[len(got)-4:] != "/0/*" {
		t.Errorf("expected external descriptor to end in /0/*, got %q", got)
	}
	chg := ak.Child(keyspace.Change)
	gotChg := chg.String()
	if gotChg[len(gotChg)-4:] != "/1/*" {
		t.Errorf("expected change descriptor to end in /1/*, got %q", gotChg)
	}
}
