// Package heritage compiles a set of designated heirs and their time-locks
// into a Taproot script tree (MAST), and parses that tree back out of a
// descriptor so a heritage configuration survives a backup/restore cycle.
package heritage

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/pkg/helpers"
)

// KeyOrigin records a key's master fingerprint and the BIP-32 path used to
// reach it, the way a descriptor embeds `[fingerprint/path]` before a key.
type KeyOrigin struct {
	Fingerprint [4]byte
	Path        []uint32
}

func (o KeyOrigin) String() string {
	s := hex.EncodeToString(o.Fingerprint[:])
	for _, child := range o.Path {
		if child&hdkeychain.HardenedKeyStart != 0 {
			s += fmt.Sprintf("/%dh", child-hdkeychain.HardenedKeyStart)
		} else {
			s += fmt.Sprintf("/%d", child)
		}
	}
	return s
}

// HeirConfig is a designated heir's key material: either a single fixed
// pubkey, or an extended key the heir's own spend-address derives from.
type HeirConfig interface {
	// Origin returns the heir key's master fingerprint and derivation path.
	Origin() KeyOrigin

	// EncodedKey returns the raw key bytes used for the total ordering and
	// equality comparisons over heir configs (the compressed pubkey for
	// SingleHeirPubkey, the serialized extended key for HeirXPubkey).
	EncodedKey() []byte

	// XOnlyPubkey returns the 32-byte x-only public key to embed in the
	// leaf script for a concrete keychain/child. SingleHeirPubkey ignores
	// both arguments and always returns the same key.
	XOnlyPubkey(keychain keyspace.Keychain, child uint32) ([]byte, error)

	// DescriptorKeyExpression renders the heir's key the way it appears
	// inside an output descriptor for the given keychain: a literal key for
	// SingleHeirPubkey, or `[origin]xpub.../{keychain}/*` for HeirXPubkey.
	DescriptorKeyExpression(keychain keyspace.Keychain) string
}

// CompareHeirConfigs orders two heir configs ascending by encoded
// fingerprint, then by encoded key bytes.
func CompareHeirConfigs(a, b HeirConfig) int {
	fa, fb := a.Origin().Fingerprint, b.Origin().Fingerprint
	if c := helpers.CompareBytes(fa[:], fb[:]); c != 0 {
		return c
	}
	return helpers.CompareBytes(a.EncodedKey(), b.EncodedKey())
}

// EqualHeirConfigs reports whether a and b carry the same key material.
func EqualHeirConfigs(a, b HeirConfig) bool {
	return helpers.BytesEqual(a.EncodedKey(), b.EncodedKey())
}

// SingleHeirPubkey is a heir identified by one fixed public key, used for
// every child address regardless of keychain or index.
type SingleHeirPubkey struct {
	origin KeyOrigin
	pubkey *btcec.PublicKey
}

// NewSingleHeirPubkey constructs a fixed-key heir entry.
func NewSingleHeirPubkey(origin KeyOrigin, pubkey *btcec.PublicKey) *SingleHeirPubkey {
	return &SingleHeirPubkey{origin: origin, pubkey: pubkey}
}

func (h *SingleHeirPubkey) Origin() KeyOrigin { return h.origin }

func (h *SingleHeirPubkey) EncodedKey() []byte {
	return h.pubkey.SerializeCompressed()
}

func (h *SingleHeirPubkey) XOnlyPubkey(_ keyspace.Keychain, _ uint32) ([]byte, error) {
	return schnorr.SerializePubKey(h.pubkey), nil
}

func (h *SingleHeirPubkey) DescriptorKeyExpression(_ keyspace.Keychain) string {
	return fmt.Sprintf("[%s]%s", h.origin, hex.EncodeToString(h.EncodedKey()))
}

// HeirXPubkey is a heir identified by an extended public key; the heir's
// own spend-address for a given sub-wallet derives from keychain/child off
// of it, the same way the owner's receive addresses do.
type HeirXPubkey struct {
	origin KeyOrigin
	xpub   *hdkeychain.ExtendedKey
}

// NewHeirXPubkey constructs an extended-key heir entry. xpub must be a
// public (already-neutered) extended key.
func NewHeirXPubkey(origin KeyOrigin, xpub *hdkeychain.ExtendedKey) (*HeirXPubkey, error) {
	if xpub.IsPrivate() {
		return nil, fmt.Errorf("heritage: heir extended key must be public, not private")
	}
	return &HeirXPubkey{origin: origin, xpub: xpub}, nil
}

func (h *HeirXPubkey) Origin() KeyOrigin { return h.origin }

func (h *HeirXPubkey) EncodedKey() []byte {
	return []byte(h.xpub.String())
}

func (h *HeirXPubkey) XOnlyPubkey(keychain keyspace.Keychain, child uint32) ([]byte, error) {
	branch, err := h.xpub.Derive(uint32(keychain))
	if err != nil {
		return nil, fmt.Errorf("heritage: derive heir keychain %s: %w", keychain, err)
	}
	leaf, err := branch.Derive(child)
	if err != nil {
		return nil, fmt.Errorf("heritage: derive heir child %d: %w", child, err)
	}
	pub, err := leaf.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("heritage: heir leaf pubkey: %w", err)
	}
	return schnorr.SerializePubKey(pub), nil
}

func (h *HeirXPubkey) DescriptorKeyExpression(keychain keyspace.Keychain) string {
	return fmt.Sprintf("[%s]%s/%s/*", h.origin, h.xpub.String(), keychain)
}
