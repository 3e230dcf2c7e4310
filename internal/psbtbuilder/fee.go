package psbtbuilder

import "github.com/btcsuite/btcd/wire"

// maxSchnorrSigLen is the conservative per-signature witness element size
// this builder budgets for fee estimation: a 64-byte Schnorr signature plus
// an explicit (non-default) sighash-type byte.
const maxSchnorrSigLen = 65

// keyPathWitnessWeight is the witness weight (in weight units) of a
// finalized key-path Taproot spend: one signature element.
func keyPathWitnessWeight() int {
	return wire.VarIntSerializeSize(maxSchnorrSigLen) + maxSchnorrSigLen
}

// scriptPathWitnessWeight is the witness weight of a finalized script-path
// Taproot spend satisfying a heir leaf: the leaf requires exactly one
// signature (E=1), plus the leaf script itself and its control block.
func scriptPathWitnessWeight(script, controlBlock []byte) int {
	const satisfactionElements = 1
	m := wire.VarIntSerializeSize(maxSchnorrSigLen) + maxSchnorrSigLen
	s := len(script)
	c := len(controlBlock)
	itemCount := satisfactionElements + 2 // the signature, the script, the control block
	return wire.VarIntSerializeSize(uint64(itemCount)) + m +
		wire.VarIntSerializeSize(uint64(s)) + s +
		wire.VarIntSerializeSize(uint64(c)) + c
}
