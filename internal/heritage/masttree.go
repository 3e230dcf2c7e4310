package heritage

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/btcheritage/wallet/internal/keyspace"
)

// Leaf is one compiled heir spend path: a heir at position k (0-based,
// ascending time-lock order) may spend once both the relative and absolute
// locks have matured.
type Leaf struct {
	Heritage           Heritage
	Index              int
	Script             []byte
	TapLeaf            txscript.TapLeaf
	RelativeLockBlocks uint32 // R_k, CSV blocks
	SpendableAt        uint64 // A_k, absolute unix timestamp
}

// CanSpendAt reports whether the heir at this leaf may spend given the
// current absolute time (their CSV relative lock is assumed already
// satisfied by the UTXO's confirmation depth, which the caller checks
// separately against RelativeLockBlocks).
func (l Leaf) CanSpendAt(now uint64) bool { return now >= l.SpendableAt }

// ScriptTree is the compiled MAST for a Heritage Config at one concrete
// child index: a right-leaning binary tree over the heir leaves, with the
// first (soonest-spendable) heir at depth 1 and each subsequent heir one
// level deeper, per the tree shape `L_0 ⊕ (L_1 ⊕ (L_2 ⊕ ... L_{N-1}))`.
type ScriptTree struct {
	Leaves   []Leaf
	rootNode txscript.TapNode
	proofs   []txscript.TapscriptProof
}

// MerkleRoot returns the script tree's root hash, the value Taproot output
// keys are tweaked by.
func (t *ScriptTree) MerkleRoot() chainhash.Hash { return t.rootNode.TapHash() }

// OutputKey tweaks internalKey (the owner's untweaked key for this child)
// by the script tree's merkle root, producing the final Taproot output key
// that key-path spends (by the owner) and script-path spends (by a matured
// heir) both commit to.
func (t *ScriptTree) OutputKey(internalKey *btcec.PublicKey) *btcec.PublicKey {
	root := t.MerkleRoot()
	return txscript.ComputeTaprootOutputKey(internalKey, root[:])
}

// ControlBlock builds the script-path spend proof for the leaf at
// leafIndex, given the owner's untweaked internal key for this child.
func (t *ScriptTree) ControlBlock(leafIndex int, internalKey *btcec.PublicKey) ([]byte, error) {
	if leafIndex < 0 || leafIndex >= len(t.proofs) {
		return nil, fmt.Errorf("heritage: control block: leaf index %d out of range", leafIndex)
	}
	cb := t.proofs[leafIndex].ToControlBlock(internalKey)
	return cb.ToBytes()
}

// BuildScriptTree compiles cfg's heritages into a MAST for the given
// keychain and child index, deriving each heir's concrete x-only pubkey at
// that child.
func BuildScriptTree(cfg *Config, keychain keyspace.Keychain, child uint32) (*ScriptTree, error) {
	n := len(cfg.heritages)
	if n == 0 {
		return nil, fmt.Errorf("heritage: cannot build a script tree with no heirs")
	}

	leaves := make([]Leaf, n)
	tapLeaves := make([]txscript.TapLeaf, n)
	for k, h := range cfg.heritages {
		xonly, err := h.HeirConfig.XOnlyPubkey(keychain, child)
		if err != nil {
			return nil, fmt.Errorf("heritage: heir %d x-only pubkey: %w", k, err)
		}
		relLock := cfg.relativeLockBlocks(k)
		absLock := cfg.absoluteLockTime(h)
		script, err := buildLeafScript(xonly, relLock, absLock)
		if err != nil {
			return nil, fmt.Errorf("heritage: heir %d leaf script: %w", k, err)
		}
		tapLeaf := txscript.NewBaseTapLeaf(script)
		tapLeaves[k] = tapLeaf
		leaves[k] = Leaf{
			Heritage:           h,
			Index:              k,
			Script:             script,
			TapLeaf:            tapLeaf,
			RelativeLockBlocks: relLock,
			SpendableAt:        absLock,
		}
	}

	// nodes[i] is the subtree rooted at position i: nodes[n-1] is the last
	// leaf itself, and nodes[i] = Branch(leaf_i, nodes[i+1]) for i < n-1.
	nodes := make([]txscript.TapNode, n)
	nodes[n-1] = tapLeaves[n-1]
	for i := n - 2; i >= 0; i-- {
		branch := txscript.NewTapBranch(tapLeaves[i], nodes[i+1])
		nodes[i] = branch
	}

	proofs := make([]txscript.TapscriptProof, n)
	for k := 0; k < n; k++ {
		var inclusion []byte
		if k < n-1 {
			h := nodes[k+1].TapHash()
			inclusion = append(inclusion, h[:]...)
		}
		for j := k - 1; j >= 0; j-- {
			h := tapLeaves[j].TapHash()
			inclusion = append(inclusion, h[:]...)
		}
		proofs[k] = txscript.TapscriptProof{
			TapLeaf:        tapLeaves[k],
			RootNode:       nodes[0],
			InclusionProof: inclusion,
		}
	}

	return &ScriptTree{Leaves: leaves, rootNode: nodes[0], proofs: proofs}, nil
}

// buildLeafScript compiles a single heir's spend condition:
// <R_k> OP_CSV OP_DROP <A_k> OP_CLTV OP_DROP <heir_xonly_pubkey> OP_CHECKSIG
func buildLeafScript(heirXOnly []byte, relativeLockBlocks uint32, absoluteLockTime uint64) ([]byte, error) {
	if len(heirXOnly) != 32 {
		return nil, fmt.Errorf("heritage: heir x-only pubkey must be 32 bytes, got %d", len(heirXOnly))
	}
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(relativeLockBlocks))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(absoluteLockTime))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(heirXOnly)
	builder.AddOp(txscript.OP_CHECKSIG)
	return builder.Script()
}
