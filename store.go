package heritagewallet

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/kvstore"
	"github.com/btcheritage/wallet/internal/subwalletcfg"
)

// storedSubwalletConfig is the JSON persisted at subwallet_config:<id> and
// subwallet_config:~current. The two descriptors are recompiled on load via
// subwalletcfg.Parse, which also recovers the account key and heritage
// config - only the first-use stamp needs storing directly.
type storedSubwalletConfig struct {
	ExternalDescriptor string  `json:"external_descriptor"`
	ChangeDescriptor   string  `json:"change_descriptor"`
	FirstUseTimestamp  *uint64 `json:"first_use_timestamp,omitempty"`
}

func encodeSubwalletConfig(cfg *subwalletcfg.Config) ([]byte, error) {
	return json.Marshal(storedSubwalletConfig{
		ExternalDescriptor: cfg.ExternalDescriptor(),
		ChangeDescriptor:   cfg.ChangeDescriptor(),
		FirstUseTimestamp:  cfg.FirstUseTimestamp(),
	})
}

func (e *Engine) decodeSubwalletConfig(raw []byte) (*subwalletcfg.Config, error) {
	var stored storedSubwalletConfig
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("heritagewallet: decode sub-wallet config: %w", err)
	}
	cfg, err := subwalletcfg.Parse(e.network, stored.ExternalDescriptor)
	if err != nil {
		return nil, fmt.Errorf("heritagewallet: decode sub-wallet config: %w", err)
	}
	if stored.FirstUseTimestamp != nil {
		cfg = cfg.WithFirstUseTimestamp(stored.FirstUseTimestamp)
	}
	return cfg, nil
}

// currentConfig returns the current sub-wallet config, its raw bytes (for
// later CAS use), and whether one exists at all.
func (e *Engine) currentConfig() (*subwalletcfg.Config, []byte, bool, error) {
	raw, ok, err := e.store.Get(keyspace.Key(keyspace.SubwalletConfig, keyspace.CurrentSubwallet()))
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	cfg, err := e.decodeSubwalletConfig(raw)
	if err != nil {
		return nil, nil, false, err
	}
	return cfg, raw, true, nil
}

func (e *Engine) configByID(id uint32) (*subwalletcfg.Config, error) {
	raw, ok, err := e.store.Get(keyspace.Key(keyspace.SubwalletConfig, keyspace.SubwalletByID(id)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return e.decodeSubwalletConfig(raw)
}

// obsoleteConfigs returns every retired sub-wallet config, ordered by
// ascending subwallet_id (oldest first).
func (e *Engine) obsoleteConfigs() ([]*subwalletcfg.Config, error) {
	entries, _, err := e.store.Query(keyspace.TagPrefix(keyspace.SubwalletConfig), kvstore.Forward, 0, "")
	if err != nil {
		return nil, fmt.Errorf("heritagewallet: list obsolete sub-wallet configs: %w", err)
	}
	var configs []*subwalletcfg.Config
	for _, entry := range entries {
		suffix := strings.TrimPrefix(entry.Key, keyspace.TagPrefix(keyspace.SubwalletConfig))
		if suffix == "~current" {
			continue
		}
		cfg, err := e.decodeSubwalletConfig(entry.Value)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// usedSubwalletIDs returns the set of account ids already bound to a
// current or obsolete sub-wallet config.
func (e *Engine) usedSubwalletIDs() (map[uint32]bool, error) {
	used := make(map[uint32]bool)
	cfg, _, found, err := e.currentConfig()
	if err != nil {
		return nil, err
	}
	if found {
		used[cfg.SubwalletID()] = true
	}
	obsolete, err := e.obsoleteConfigs()
	if err != nil {
		return nil, err
	}
	for _, cfg := range obsolete {
		used[cfg.SubwalletID()] = true
	}
	return used, nil
}

// storedAccountXPub is the JSON persisted at unused_account_xpub:<id>.
type storedAccountXPub struct {
	Descriptor string `json:"descriptor"`
}

// storeJSON marshals v and unconditionally upserts it at key.
func (e *Engine) storeJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("heritagewallet: encode %s: %w", key, err)
	}
	if err := e.store.Update(key, raw); err != nil {
		return fmt.Errorf("heritagewallet: persist %s: %w", key, err)
	}
	return nil
}

// loadJSON unmarshals the value at key into v, reporting whether it was
// present at all.
func (e *Engine) loadJSON(key string, v any) (bool, error) {
	raw, ok, err := e.store.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("heritagewallet: decode %s: %w", key, err)
	}
	return true, nil
}
