package psbtbuilder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcheritage/wallet/internal/accountkey"
	"github.com/btcheritage/wallet/internal/config"
	"github.com/btcheritage/wallet/internal/heritage"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/netparams"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/internal/walleterrors"
	"github.com/btcheritage/wallet/pkg/logging"
)

// ErrNoSpendableInputs is returned when, after applying the spender's
// eligibility rules, no sub-wallet contributes a single candidate UTXO.
var ErrNoSpendableInputs = errors.New("psbtbuilder: no spendable inputs for this spender")

// EnableLocktimeNoRBF is the sequence value this builder defaults an input
// to when no heir relative-lock overrides it: it lets tx.lock_time take
// effect without opting the transaction into replace-by-fee.
const EnableLocktimeNoRBF = wire.MaxTxInSequenceNum - 1

// explorer is what Step 1 calls "the heir explorer": the one heritage entry
// (if any) a given sub-wallet's heritage config designates to Spender's
// heir, and the locks that gate it.
type explorer struct {
	index         int
	spendableAt   uint64
	relLockBlocks uint32
}

func resolveExplorer(cfg *heritage.Config, heir heritage.HeirConfig) (*explorer, bool) {
	if cfg == nil {
		return nil, false
	}
	idx, ok := cfg.FindHeir(heir)
	if !ok {
		return nil, false
	}
	rel, abs := cfg.HeirTimelock(idx)
	return &explorer{index: idx, spendableAt: abs, relLockBlocks: rel}, true
}

// candidate is one UTXO that survived Step 1's eligibility rules, already
// minimized per Step 4.
type candidate struct {
	subwallet     *subwallet.Subwallet
	utxo          subwallet.LocalUtxo
	input         psbt.PInput
	witnessWeight int
}

// gatherSubwalletCandidates applies Step 1's eligibility rules to one
// sub-wallet: every UTXO a heir is eligible for must also have matured past
// that heir's relative lock as of now; an owner is eligible for every UTXO
// regardless. Build decides which sub-wallets this is called against.
func gatherSubwalletCandidates(sw *subwallet.Subwallet, spender Spender, now Now) ([]candidate, *uint32, uint32, error) {
	cfg := sw.Config()

	var exp *explorer
	if spender.IsHeir() {
		e, ok := resolveExplorer(cfg.HeritageConfig(), spender.heir)
		if !ok {
			return nil, nil, 0, nil
		}
		if now.Timestamp < e.spendableAt {
			return nil, nil, 0, nil
		}
		exp = e
	}

	utxos, err := sw.ListUnspent()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("psbtbuilder: list unspent: %w", err)
	}

	var candidates []candidate
	for _, u := range utxos {
		if spender.IsHeir() {
			if u.ConfirmationTime == nil {
				continue
			}
			if u.ConfirmationTime.Height+exp.relLockBlocks > now.Height {
				continue
			}
		}
		input, weight, err := buildCandidateInput(sw, u, spender, exp)
		if err != nil {
			return nil, nil, 0, err
		}
		candidates = append(candidates, candidate{subwallet: sw, utxo: u, input: input, witnessWeight: weight})
	}
	if len(candidates) == 0 {
		return nil, nil, 0, nil
	}

	if spender.IsHeir() {
		lockTime := uint32(exp.spendableAt)
		return candidates, &lockTime, exp.relLockBlocks, nil
	}
	return candidates, nil, 0, nil
}

// buildCandidateInput produces the already-minimized PSBT input (Step 4)
// for one UTXO: owner spends retain only the key-path origin, heir spends
// retain only the single leaf script and control block proving that heir's
// right to spend.
func buildCandidateInput(sw *subwallet.Subwallet, u subwallet.LocalUtxo, spender Spender, exp *explorer) (psbt.PInput, int, error) {
	cfg := sw.Config()
	internalKey, err := cfg.AccountKey().Child(u.Keychain).PubKeyAt(u.Index)
	if err != nil {
		return psbt.PInput{}, 0, fmt.Errorf("psbtbuilder: derive internal key: %w", err)
	}
	xonlyInternal := schnorr.SerializePubKey(internalKey)

	pin := psbt.PInput{
		WitnessUtxo: &wire.TxOut{Value: u.Amount, PkScript: u.ScriptPubKey},
	}

	heritageCfg := cfg.HeritageConfig()
	hasTree := heritageCfg != nil && len(heritageCfg.Heritages()) > 0

	if !spender.IsHeir() {
		fp := cfg.AccountKey().Fingerprint()
		pin.TaprootInternalKey = xonlyInternal
		pin.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          xonlyInternal,
			MasterKeyFingerprint: binary.LittleEndian.Uint32(fp[:]),
			Bip32Path:            accountDerivationPath(cfg.AccountKey(), u.Keychain, u.Index),
		}}
		if hasTree {
			tree, err := heritage.BuildScriptTree(heritageCfg, u.Keychain, u.Index)
			if err != nil {
				return psbt.PInput{}, 0, fmt.Errorf("psbtbuilder: build script tree: %w", err)
			}
			root := tree.MerkleRoot()
			pin.TaprootMerkleRoot = root[:]
		}
		return pin, keyPathWitnessWeight(), nil
	}

	if !hasTree {
		return psbt.PInput{}, 0, fmt.Errorf("psbtbuilder: heir spend on a sub-wallet with no heritage config")
	}
	tree, err := heritage.BuildScriptTree(heritageCfg, u.Keychain, u.Index)
	if err != nil {
		return psbt.PInput{}, 0, fmt.Errorf("psbtbuilder: build script tree: %w", err)
	}
	leaf := tree.Leaves[exp.index]
	controlBlock, err := tree.ControlBlock(exp.index, internalKey)
	if err != nil {
		return psbt.PInput{}, 0, fmt.Errorf("psbtbuilder: control block: %w", err)
	}
	heirXOnly, err := spender.heir.XOnlyPubkey(u.Keychain, u.Index)
	if err != nil {
		return psbt.PInput{}, 0, fmt.Errorf("psbtbuilder: heir x-only pubkey: %w", err)
	}
	origin := spender.heir.Origin()
	leafHash := leaf.TapLeaf.TapHash()

	pin.TaprootInternalKey = xonlyInternal
	pin.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
		XOnlyPubKey:          heirXOnly,
		LeafHashes:           [][]byte{leafHash[:]},
		MasterKeyFingerprint: binary.LittleEndian.Uint32(origin.Fingerprint[:]),
		Bip32Path:            origin.Path,
	}}
	pin.TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: controlBlock,
		Script:       leaf.Script,
		LeafVersion:  txscript.BaseLeafVersion,
	}}
	return pin, scriptPathWitnessWeight(leaf.Script, controlBlock), nil
}

func accountDerivationPath(ak *accountkey.AccountKey, keychain keyspace.Keychain, index uint32) []uint32 {
	const hardened = hdkeychain.HardenedKeyStart
	return []uint32{
		config.TaprootPurpose + hardened,
		ak.CoinType() + hardened,
		ak.AccountID() + hardened,
		uint32(keychain),
		index,
	}
}

func foldLockTime(candidates []uint32) uint32 {
	final := uint32(config.LockTimeThreshold)
	for _, c := range candidates {
		if c > final {
			final = c
		}
	}
	return final
}

// estimateFeeSat approximates the fee a transaction spending candidates and
// producing outputs would need at feeRate, using the same exact-weight
// formula Build's own fee-adjustment step applies once the real transaction
// is assembled. Used only to decide whether the current sub-wallet needs to
// be tapped to top up a Recipients spend - the real fee is always
// recomputed exactly against the assembled transaction afterward.
func estimateFeeSat(candidates []candidate, outputs []*wire.TxOut, feeRate uint64) int64 {
	tx := wire.NewMsgTx(1)
	for _, c := range candidates {
		tx.AddTxIn(wire.NewTxIn(&c.utxo.Outpoint, nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	weight := int64(tx.SerializeSizeStripped())*4 + 2
	for _, c := range candidates {
		weight += int64(c.witnessWeight)
	}
	vsize := (weight + 3) / 4
	return int64(feeRate) * vsize
}

// Build constructs a draft PSBT spending across subwallets (ordered
// obsolete-oldest-first, current last - the same order GenerateBackup
// uses): gather eligible inputs, size the outputs, estimate the fee from
// exact witness weight, and assemble the packet. It never signs: the
// returned packet is ready for an external signer to attach signatures and
// finalize.
func Build(subwallets []*subwallet.Subwallet, params Params, network netparams.Network) (*psbt.Packet, *TransactionSummary, error) {
	if params.Spender.IsHeir() && !params.Spending.IsDrain() {
		return nil, nil, walleterrors.ErrInvalidSpendingConfigForHeir
	}
	if len(subwallets) == 0 {
		return nil, nil, walleterrors.ErrMissingCurrentSubwalletConfig
	}
	log := params.log()

	chainParams, err := netparams.ParamsFor(network)
	if err != nil {
		return nil, nil, err
	}

	current := subwallets[len(subwallets)-1]
	obsolete := subwallets[:len(subwallets)-1]

	var (
		candidates         []candidate
		lockTimeCandidates []uint32
		sequenceByOutpoint = make(map[wire.OutPoint]uint32)
	)
	gather := func(sws []*subwallet.Subwallet) error {
		for _, sw := range sws {
			cands, lockTime, seq, err := gatherSubwalletCandidates(sw, params.Spender, params.Now)
			if err != nil {
				return err
			}
			candidates = append(candidates, cands...)
			if lockTime != nil {
				lockTimeCandidates = append(lockTimeCandidates, *lockTime)
				for _, c := range cands {
					sequenceByOutpoint[c.utxo.Outpoint] = seq
				}
			}
		}
		return nil
	}

	// Step 2's coin gathering. A heir spend or an owner drain empties every
	// sub-wallet uniformly, since everything ends up at one address anyway.
	// An owner Recipients spend instead drains obsolete sub-wallets first
	// and only taps the current sub-wallet's UTXOs to top up when the
	// obsolete inputs don't already cover the recipients and the fee.
	isOwnerTopUp := !params.Spender.IsHeir() && !params.Spending.IsDrain()

	var recipientOutputs []*wire.TxOut
	var sumRecipients int64
	var drainScript []byte

	if isOwnerTopUp {
		for _, r := range params.Spending.recipients {
			script, err := addressScript(r.Address, chainParams)
			if err != nil {
				return nil, nil, err
			}
			recipientOutputs = append(recipientOutputs, wire.NewTxOut(r.AmountSat, script))
			sumRecipients += r.AmountSat
		}
		changeAddr, err := current.ChangeAddress()
		if err != nil {
			return nil, nil, fmt.Errorf("psbtbuilder: derive change address: %w", err)
		}
		drainScript = changeAddr.Script

		if err := gather(obsolete); err != nil {
			return nil, nil, &walleterrors.PsbtCreationError{Reason: err}
		}
		var obsoleteTotal int64
		for _, c := range candidates {
			obsoleteTotal += c.utxo.Amount
		}
		tentativeOutputs := append(append([]*wire.TxOut{}, recipientOutputs...), wire.NewTxOut(0, drainScript))
		estimatedFee := estimateFeeSat(candidates, tentativeOutputs, params.FeeRate)

		if obsoleteTotal < sumRecipients+estimatedFee {
			if err := gather([]*subwallet.Subwallet{current}); err != nil {
				return nil, nil, &walleterrors.PsbtCreationError{Reason: err}
			}
		}
	} else if err := gather(subwallets); err != nil {
		return nil, nil, &walleterrors.PsbtCreationError{Reason: err}
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoSpendableInputs
	}

	var totalIn int64
	for _, c := range candidates {
		totalIn += c.utxo.Amount
	}

	var outputs []*wire.TxOut
	if isOwnerTopUp {
		outputs = append(outputs, recipientOutputs...)
		outputs = append(outputs, wire.NewTxOut(totalIn-sumRecipients, drainScript))
	} else {
		script, err := addressScript(params.Spending.drainTo, chainParams)
		if err != nil {
			return nil, nil, err
		}
		drainScript = script
		outputs = append(outputs, wire.NewTxOut(totalIn, drainScript))
	}

	tx := wire.NewMsgTx(1)
	tx.LockTime = params.Now.Height
	for _, c := range candidates {
		txIn := wire.NewTxIn(&c.utxo.Outpoint, nil, nil)
		txIn.Sequence = EnableLocktimeNoRBF
		tx.AddTxIn(txIn)
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	// Step 3 - heir transaction overrides.
	if params.Spender.IsHeir() {
		tx.Version = 2
		tx.LockTime = foldLockTime(lockTimeCandidates)
		for i, c := range candidates {
			if seq, ok := sequenceByOutpoint[c.utxo.Outpoint]; ok {
				tx.TxIn[i].Sequence = seq
			} else {
				tx.TxIn[i].Sequence = EnableLocktimeNoRBF
			}
		}
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, nil, &walleterrors.PsbtCreationError{Reason: err}
	}
	for i, c := range candidates {
		packet.Inputs[i] = c.input
	}

	// Step 5 - exact-weight fee adjustment.
	adjustableIdx := -1
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, drainScript) {
			adjustableIdx = i
			break
		}
	}
	synthesized := false
	if adjustableIdx == -1 {
		tx.AddTxOut(wire.NewTxOut(0, drainScript))
		packet.Outputs = append(packet.Outputs, psbt.POutput{})
		adjustableIdx = len(tx.TxOut) - 1
		synthesized = true
	}

	weight := int64(tx.SerializeSizeStripped())*4 + 2
	for _, c := range candidates {
		weight += int64(c.witnessWeight)
	}
	vsize := (weight + 3) / 4
	newFee := int64(params.FeeRate) * vsize

	var sumOut int64
	for _, out := range tx.TxOut {
		sumOut += out.Value
	}
	currentFee := totalIn - sumOut

	if newFee > currentFee {
		delta := newFee - currentFee
		candidateValue := tx.TxOut[adjustableIdx].Value - delta
		switch {
		case candidateValue < 0:
			log.Warn("fee adjustment would make the adjustable output negative, leaving fee underfunded", "delta", delta)
		case candidateValue > 0 && uint64(candidateValue) < config.DustThresholdSats:
			log.Warn("fee adjustment would leave the adjustable output below dust, reverting", "value", candidateValue)
		default:
			tx.TxOut[adjustableIdx].Value = candidateValue
		}
	} else if newFee < currentFee {
		tx.TxOut[adjustableIdx].Value += currentFee - newFee
	}

	if synthesized && uint64(tx.TxOut[adjustableIdx].Value) < config.DustThresholdSats {
		tx.TxOut = append(tx.TxOut[:adjustableIdx], tx.TxOut[adjustableIdx+1:]...)
		packet.Outputs = append(packet.Outputs[:adjustableIdx], packet.Outputs[adjustableIdx+1:]...)
	}

	// Step 6 - transaction summary.
	summary := &TransactionSummary{FeeRate: params.FeeRate}
	for _, c := range candidates {
		summary.OwnedInputs = append(summary.OwnedInputs, OwnedEntry{
			Outpoint:     c.utxo.Outpoint,
			ScriptPubKey: c.utxo.ScriptPubKey,
			AmountSat:    c.utxo.Amount,
		})
		summary.ParentTxids = append(summary.ParentTxids, c.utxo.Outpoint.Hash)
	}
	var finalSumOut int64
	for _, out := range tx.TxOut {
		finalSumOut += out.Value
		if isMineAcrossSubwallets(subwallets, out.PkScript) {
			summary.OwnedOutputs = append(summary.OwnedOutputs, OwnedEntry{ScriptPubKey: out.PkScript, AmountSat: out.Value})
		}
	}
	summary.FeeSat = totalIn - finalSumOut

	return packet, summary, nil
}

func isMineAcrossSubwallets(subwallets []*subwallet.Subwallet, script []byte) bool {
	for _, sw := range subwallets {
		mine, err := sw.IsMine(script)
		if err == nil && mine {
			return true
		}
	}
	return false
}

func addressScript(addr string, params *netparams.Params) ([]byte, error) {
	a, err := btcutil.DecodeAddress(addr, params.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", walleterrors.ErrInvalidAddressNetwork, err)
	}
	if !a.IsForNet(params.Chain) {
		return nil, walleterrors.ErrInvalidAddressNetwork
	}
	return txscript.PayToAddrScript(a)
}

func (p Params) log() *logging.Logger {
	if p.Log == nil {
		return logging.Default().Component("psbtbuilder")
	}
	return p.Log
}
