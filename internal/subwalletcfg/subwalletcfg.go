// Package subwalletcfg compiles an account key and a heritage config into
// the pair of output descriptors a sub-wallet derives its addresses from,
// and tracks whether that sub-wallet has ever been used.
package subwalletcfg

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcheritage/wallet/internal/accountkey"
	"github.com/btcheritage/wallet/internal/heritage"
	"github.com/btcheritage/wallet/internal/keyspace"
)

// ErrAlreadyMarkedUsed is returned by MarkFirstUse when first_use_timestamp
// is already set; it never changes once stamped.
var ErrAlreadyMarkedUsed = errors.New("subwalletcfg: first use already marked")

// Config is a Sub-Wallet Config: an account extended key paired with a
// heritage config, compiled into external/change output descriptors. Once
// built it is immutable except for the one-way first-use stamp.
type Config struct {
	accountKey         *accountkey.AccountKey
	heritageConfig     *heritage.Config
	externalDescriptor string
	changeDescriptor   string
	firstUseTimestamp  *uint64
}

// New compiles a Sub-Wallet Config from an account key and a heritage
// config. heritageConfig may be nil (or carry zero heritages), producing a
// plain key-path-only descriptor with no script tree - an owner-only
// sub-wallet that has not yet designated any heirs.
//
// The external/change keychain indices are fixed at 0/1 per
// keyspace.External/keyspace.Change; these MUST remain the defaults, since
// changing them would silently desynchronize backups from on-chain
// addresses.
func New(account *accountkey.AccountKey, heritageConfig *heritage.Config) (*Config, error) {
	external, err := buildDescriptor(account, heritageConfig, keyspace.External)
	if err != nil {
		return nil, fmt.Errorf("subwalletcfg: external descriptor: %w", err)
	}
	change, err := buildDescriptor(account, heritageConfig, keyspace.Change)
	if err != nil {
		return nil, fmt.Errorf("subwalletcfg: change descriptor: %w", err)
	}

	return &Config{
		accountKey:         account,
		heritageConfig:     heritageConfig,
		externalDescriptor: external,
		changeDescriptor:   change,
	}, nil
}

func buildDescriptor(account *accountkey.AccountKey, heritageConfig *heritage.Config, keychain keyspace.Keychain) (string, error) {
	keyExpr := account.Child(keychain).String()

	var raw string
	if heritageConfig == nil || len(heritageConfig.Heritages()) == 0 {
		raw = fmt.Sprintf("tr(%s)", keyExpr)
	} else {
		tree := heritage.TreeDescriptorExpression(heritageConfig, keychain)
		raw = fmt.Sprintf("tr(%s,%s)", keyExpr, tree)
	}

	checksum, err := descriptorChecksum(raw)
	if err != nil {
		return "", err
	}
	return raw + "#" + checksum, nil
}

// AccountKey returns the account extended key this config was built from.
func (c *Config) AccountKey() *accountkey.AccountKey { return c.accountKey }

// HeritageConfig returns the heritage config this sub-wallet was built
// with, or nil if it has none yet.
func (c *Config) HeritageConfig() *heritage.Config { return c.heritageConfig }

// ExternalDescriptor returns the compiled receive-address descriptor.
func (c *Config) ExternalDescriptor() string { return c.externalDescriptor }

// ChangeDescriptor returns the compiled change-address descriptor.
func (c *Config) ChangeDescriptor() string { return c.changeDescriptor }

// SubwalletID returns the identifying account id this config's descriptors
// derive from.
func (c *Config) SubwalletID() uint32 { return c.accountKey.AccountID() }

// FirstUseTimestamp returns the Unix time this sub-wallet issued its first
// address, or nil if it has never been used.
func (c *Config) FirstUseTimestamp() *uint64 { return c.firstUseTimestamp }

// MarkFirstUse stamps the current time as this sub-wallet's first use. It
// fails with ErrAlreadyMarkedUsed if already set; first_use_timestamp never
// changes once stamped.
func (c *Config) MarkFirstUse() error {
	if c.firstUseTimestamp != nil {
		return ErrAlreadyMarkedUsed
	}
	now := uint64(time.Now().Unix())
	c.firstUseTimestamp = &now
	return nil
}

// WithFirstUseTimestamp returns a copy of c with first_use_timestamp set
// directly, used when restoring a config from a backup record rather than
// deriving a fresh address.
func (c *Config) WithFirstUseTimestamp(ts *uint64) *Config {
	clone := *c
	clone.firstUseTimestamp = ts
	return &clone
}
