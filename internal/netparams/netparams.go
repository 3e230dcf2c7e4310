// Package netparams defines the process-wide Bitcoin network selector used
// throughout the heritage wallet. All network-dependent constants (HD key
// magic bytes, bech32 human-readable prefix, BIP44 coin type) are hardcoded
// here - no external configuration needed.
package netparams

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/btcheritage/wallet/internal/config"
)

// Network identifies mainnet or testnet for BIP-86 derivation purposes.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Params bundles the chaincfg parameters with the BIP44 coin-type component
// used by BIP-86 account derivation (86'/{0,1}'/N').
type Params struct {
	Network  Network
	CoinType uint32
	Chain    *chaincfg.Params
}

var mainnetParams = &Params{
	Network:  Mainnet,
	CoinType: config.CoinTypeMainnet,
	Chain:    &chaincfg.MainNetParams,
}

var testnetParams = &Params{
	Network:  Testnet,
	CoinType: config.CoinTypeTestnet,
	Chain:    &chaincfg.TestNet3Params,
}

// ParamsFor returns the Params for a given network without touching the
// process-wide selector.
func ParamsFor(network Network) (*Params, error) {
	switch network {
	case Mainnet:
		return mainnetParams, nil
	case Testnet:
		return testnetParams, nil
	default:
		return nil, fmt.Errorf("netparams: unknown network %q", network)
	}
}

var (
	selectorOnce sync.Once
	selected     *Params
	selectedErr  error
)

// SetNetwork freezes the process-wide network selector. It may be called
// exactly once per process; subsequent calls with a different network
// return an error, matching the source's "set once at program start, frozen
// thereafter" design note. Calling it again with the same network is a
// harmless no-op.
func SetNetwork(network Network) error {
	var callErr error
	selectorOnce.Do(func() {
		selected, selectedErr = ParamsFor(network)
	})
	if selectedErr != nil {
		return selectedErr
	}
	if selected.Network != network {
		callErr = fmt.Errorf("netparams: network already frozen to %q, cannot set %q", selected.Network, network)
	}
	return callErr
}

// Current returns the frozen process-wide network params. It panics if
// SetNetwork has not been called yet, mirroring an init-once global that
// must be configured at program start.
func Current() *Params {
	if selected == nil {
		panic("netparams: network not set; call SetNetwork at program start")
	}
	return selected
}

// IsMainnet reports whether the frozen network selector is mainnet.
func IsMainnet() bool {
	return Current().Network == Mainnet
}

// resetForTesting clears the frozen selector. Only ever called from this
// package's own tests that need a fresh process-wide state.
func resetForTesting() {
	selectorOnce = sync.Once{}
	selected = nil
	selectedErr = nil
}
