// Package heritagewallet orchestrates a sequence of heritage sub-wallets
// over a single key-value store: it owns the transactional persistence of
// sub-wallet configs, the pool of unused account extended keys, aggregated
// UTXOs and transaction summaries, balance, fee rate, and block-inclusion
// objective, and lazily instantiates the sub-wallet that backs each
// operation. It never hands out PSBT construction or blockchain sync
// itself - those are internal/psbtbuilder and internal/walletsync,
// constructed around the same store this engine owns.
package heritagewallet

import (
	"fmt"
	"sync"

	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/netparams"
	"github.com/btcheritage/wallet/internal/subwallet"
	"github.com/btcheritage/wallet/internal/subwalletcfg"
	"github.com/btcheritage/wallet/pkg/logging"
)

// Engine is the heritage wallet's top-level orchestrator: one store, one
// network, and a lazily-populated cache of the sub-wallets it has opened.
type Engine struct {
	store   *kvstore.Store
	network netparams.Network
	log     *logging.Logger

	mu         sync.RWMutex
	subwallets map[uint32]*subwallet.Subwallet
}

// New wraps a key-value store as a heritage wallet engine for the given
// network. The store is expected to already be open; the engine does not
// own its lifecycle beyond the operations it performs against it.
func New(store *kvstore.Store, network netparams.Network, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		store:      store,
		network:    network,
		log:        log.Component("heritage-engine"),
		subwallets: make(map[uint32]*subwallet.Subwallet),
	}
}

// partitionPrefix is the stable key-partition a sub-wallet's own data lives
// under, keyed by its account id - the one identifier that never changes
// across a promotion from current to obsolete.
func partitionPrefix(accountID uint32) string {
	return fmt.Sprintf("sw:%010d:", accountID)
}

// subwalletFor returns (creating and caching if necessary) the Subwallet
// instance backing cfg. A cached instance is reused only while it was opened
// from the same external descriptor as cfg; otherwise a fresh one replaces
// it. Caller must hold e.mu for writing, since a cache miss mutates
// e.subwallets.
func (e *Engine) subwalletFor(cfg *subwalletcfg.Config) (*subwallet.Subwallet, error) {
	id := cfg.SubwalletID()
	if sw, ok := e.subwallets[id]; ok && sw.Config().ExternalDescriptor() == cfg.ExternalDescriptor() {
		return sw, nil
	}
	sw := subwallet.Open(cfg, e.network, e.store.Partition(partitionPrefix(id)), e.log)
	if err := sw.PersistDescriptorChecksums(); err != nil {
		return nil, fmt.Errorf("heritagewallet: open sub-wallet %d: %w", id, err)
	}
	e.subwallets[id] = sw
	return sw, nil
}
