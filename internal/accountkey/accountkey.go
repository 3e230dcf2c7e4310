// Package accountkey parses and renders the BIP-86 Taproot account extended
// keys a sub-wallet's output descriptors are built from. It never derives a
// private key - key custody is out of scope for this module - it only
// validates the derivation path shape and exposes the account id and the
// two keychain branches (external/change) descriptors are compiled from.
package accountkey

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/btcheritage/wallet/internal/config"
	"github.com/btcheritage/wallet/internal/keyspace"
)

// accountKeyPattern matches `[fingerprint/86'/{0,1}'/N']xpub.../*`, accepting
// both `'` and `h` hardened-marker spellings.
var accountKeyPattern = regexp.MustCompile(`^\[(?P<fp>[0-9a-fA-F]{8})/86[h']/(?P<cointype>[01])[h']/(?P<account>\d+)[h']\](?P<xpub>[A-Za-z0-9]+)/\*$`)

// AccountKey is a parsed, validated BIP-86 account extended public key:
// path `86'/{0,1}'/N'`, N hardened.
type AccountKey struct {
	fingerprint [4]byte
	coinType    uint32
	accountID   uint32
	xpub        *hdkeychain.ExtendedKey
}

// Parse validates and parses a descriptor-public-key string of the exact
// shape `[fingerprint/86'/{0,1}'/N']xpub.../*`.
func Parse(s string) (*AccountKey, error) {
	m := accountKeyPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("accountkey: %q is not a valid BIP-86 account key descriptor", s)
	}

	fpBytes, err := hex.DecodeString(m[1])
	if err != nil || len(fpBytes) != 4 {
		return nil, fmt.Errorf("accountkey: invalid fingerprint %q", m[1])
	}
	var fingerprint [4]byte
	copy(fingerprint[:], fpBytes)

	coinType, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("accountkey: invalid coin type %q", m[2])
	}

	accountID, err := strconv.ParseUint(m[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("accountkey: invalid account id %q", m[3])
	}

	xpub, err := hdkeychain.NewKeyFromString(m[4])
	if err != nil {
		return nil, fmt.Errorf("accountkey: invalid extended key: %w", err)
	}
	if xpub.IsPrivate() {
		return nil, fmt.Errorf("accountkey: extended key must be public, not private")
	}

	return &AccountKey{
		fingerprint: fingerprint,
		coinType:    uint32(coinType),
		accountID:   uint32(accountID),
		xpub:        xpub,
	}, nil
}

// New wraps an already-neutered extended key as an account key at the given
// network coin type and account id, without going through descriptor
// parsing - used when an account key is issued locally rather than restored
// from a backup.
func New(fingerprint [4]byte, coinType, accountID uint32, xpub *hdkeychain.ExtendedKey) (*AccountKey, error) {
	if xpub.IsPrivate() {
		return nil, fmt.Errorf("accountkey: extended key must be public, not private")
	}
	return &AccountKey{fingerprint: fingerprint, coinType: coinType, accountID: accountID, xpub: xpub}, nil
}

// AccountID returns N, the hardened account index that identifies this key
// regardless of which master fingerprint produced it.
func (a *AccountKey) AccountID() uint32 { return a.accountID }

// Fingerprint returns the master key fingerprint this account key descends
// from.
func (a *AccountKey) Fingerprint() [4]byte { return a.fingerprint }

// CoinType returns the BIP-44 coin-type path component (0 mainnet, 1 else).
func (a *AccountKey) CoinType() uint32 { return a.coinType }

// Origin renders this key's derivation origin as it appears in a
// descriptor: `[fingerprint/86'/{0,1}'/N']`.
func (a *AccountKey) Origin() string {
	return fmt.Sprintf("[%s/%dh/%dh/%dh]", hex.EncodeToString(a.fingerprint[:]), config.TaprootPurpose, a.coinType, a.accountID)
}

// Child derives the descriptor public key for one keychain branch (external
// or change) of this account, ready to append `/*` or a concrete index.
func (a *AccountKey) Child(keychain keyspace.Keychain) *DescriptorPublicKey {
	return &DescriptorPublicKey{origin: a.Origin(), xpub: a.xpub, keychain: keychain}
}

// String renders the full account-key descriptor fragment.
func (a *AccountKey) String() string {
	return fmt.Sprintf("%s%s/*", a.Origin(), a.xpub.String())
}

// DescriptorPublicKey is an account key's key expression fixed to one
// keychain branch: `[origin]xpub/{0,1}/*`.
type DescriptorPublicKey struct {
	origin   string
	xpub     *hdkeychain.ExtendedKey
	keychain keyspace.Keychain
}

// String renders the descriptor key expression for this keychain branch.
func (d *DescriptorPublicKey) String() string {
	return fmt.Sprintf("%s%s/%s/*", d.origin, d.xpub.String(), d.keychain)
}

// PubKeyAt derives the concrete public key at the given child index on
// this keychain branch.
func (d *DescriptorPublicKey) PubKeyAt(index uint32) (*btcec.PublicKey, error) {
	branch, err := d.xpub.Derive(uint32(d.keychain))
	if err != nil {
		return nil, fmt.Errorf("accountkey: derive keychain %s: %w", d.keychain, err)
	}
	leaf, err := branch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("accountkey: derive child %d: %w", index, err)
	}
	return leaf.ECPubKey()
}
