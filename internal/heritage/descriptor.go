package heritage

import (
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/btcheritage/wallet/internal/config"
	"github.com/btcheritage/wallet/internal/keyspace"
	"github.com/btcheritage/wallet/internal/netparams"
)

// InvalidScriptFragmentsError is returned by FromDescriptorScripts when a
// script tree expression doesn't match the shape a Heritage Config v1 can
// produce.
type InvalidScriptFragmentsError struct {
	Version string
	Reason  string
}

func (e *InvalidScriptFragmentsError) Error() string {
	return fmt.Sprintf("heritage: invalid script fragments (%s): %s", e.Version, e.Reason)
}

var leafPattern = regexp.MustCompile(`^and_v\((?P<heir>.+?),and_v\(v:older\((?P<R>\d+)\),after\((?P<A>\d+)\)\)\)$`)

var keyExprPattern = regexp.MustCompile(`^\[(?P<origin>[0-9a-fA-F]{8}(?:/\d+[h']?)*)\](?P<key>.+)$`)

// LeafDescriptorFragment renders the textual miniscript expression for the
// heir at position index, for the given keychain branch.
func LeafDescriptorFragment(cfg *Config, index int, keychain keyspace.Keychain) string {
	h := cfg.heritages[index]
	r := cfg.relativeLockBlocks(index)
	a := cfg.absoluteLockTime(h)
	keyExpr := h.HeirConfig.DescriptorKeyExpression(keychain)
	return fmt.Sprintf("and_v(v:pk(%s),and_v(v:older(%d),after(%d)))", keyExpr, r, a)
}

// TreeDescriptorExpression renders the full right-leaning script tree
// expression (the second argument of a `tr(...)` descriptor) for keychain.
func TreeDescriptorExpression(cfg *Config, keychain keyspace.Keychain) string {
	n := len(cfg.heritages)
	leaves := make([]string, n)
	for i := 0; i < n; i++ {
		leaves[i] = LeafDescriptorFragment(cfg, i, keychain)
	}
	return buildTreeExpr(leaves)
}

func buildTreeExpr(leaves []string) string {
	if len(leaves) == 1 {
		return leaves[0]
	}
	return "{" + leaves[0] + "," + buildTreeExpr(leaves[1:]) + "}"
}

// splitLeaves walks a script tree expression's balanced {…,…} braces and
// returns its leaf fragments in left-to-right (tree) order.
func splitLeaves(expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "{") {
		return []string{expr}, nil
	}
	if !strings.HasSuffix(expr, "}") {
		return nil, fmt.Errorf("unbalanced braces in %q", expr)
	}

	depth := 0
	for i, ch := range expr {
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 && i != len(expr)-1 {
				return nil, fmt.Errorf("trailing content after closing brace in %q", expr)
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced braces in %q", expr)
	}

	inner := expr[1 : len(expr)-1]
	parenDepth := 0
	commaIdx := -1
	for i, ch := range inner {
		switch ch {
		case '(':
			parenDepth++
		case ')':
			parenDepth--
		case ',':
			if parenDepth == 0 {
				commaIdx = i
			}
		}
		if commaIdx != -1 {
			break
		}
	}
	if commaIdx == -1 {
		return nil, fmt.Errorf("missing top-level separator in %q", inner)
	}

	rest, err := splitLeaves(inner[commaIdx+1:])
	if err != nil {
		return nil, err
	}
	return append([]string{inner[:commaIdx]}, rest...), nil
}

// FromDescriptorScripts reconstructs a Heritage Config from a script tree
// expression previously produced by TreeDescriptorExpression, per the
// reverse-parsing convention: reference_timestamp is recovered as
// A_0 - 365 days, assuming the first (soonest) heir was configured with the
// default one-year time-lock. A config whose first heir used a non-default
// time-lock round-trips to a different reference_timestamp that still
// reproduces the identical set of absolute/relative locks and addresses.
func FromDescriptorScripts(network netparams.Network, treeExpr string) (*Config, error) {
	fragments, err := splitLeaves(treeExpr)
	if err != nil {
		return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: err.Error()}
	}

	type parsedLeaf struct {
		heirExpr string
		r        uint64
		a        uint64
	}
	parsed := make([]parsedLeaf, 0, len(fragments))
	for _, frag := range fragments {
		m := leafPattern.FindStringSubmatch(strings.TrimSpace(frag))
		if m == nil {
			return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: fmt.Sprintf("leaf does not match expected shape: %q", frag)}
		}
		r, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: fmt.Sprintf("bad relative lock %q", m[2])}
		}
		a, err := strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: fmt.Sprintf("bad absolute lock %q", m[3])}
		}
		parsed = append(parsed, parsedLeaf{heirExpr: m[1], r: r, a: a})
	}
	if len(parsed) == 0 {
		return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: "no leaves found"}
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].a < parsed[j].a })

	r0 := parsed[0].r
	if r0%uint64(config.BlocksPerDay) != 0 {
		return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: fmt.Sprintf("R_0=%d not a multiple of %d", r0, config.BlocksPerDay)}
	}
	for k, p := range parsed {
		want := r0 * uint64(k+1)
		if p.r != want {
			return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: fmt.Sprintf("leaf %d: R_k=%d, expected %d", k, p.r, want)}
		}
	}

	referenceTimestamp := parsed[0].a - 365*config.SecondsPerDay

	heritages := make([]Heritage, 0, len(parsed))
	for k, p := range parsed {
		if p.a <= referenceTimestamp || (p.a-referenceTimestamp)%config.SecondsPerDay != 0 {
			return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: fmt.Sprintf("leaf %d: A_k=%d does not divide evenly into days from reference", k, p.a)}
		}
		days := (p.a - referenceTimestamp) / config.SecondsPerDay
		if days > math.MaxUint16 {
			return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: fmt.Sprintf("leaf %d: time_lock_days %d overflows u16", k, days)}
		}
		heirConfig, err := parseHeirKeyExpression(p.heirExpr)
		if err != nil {
			return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: err.Error()}
		}
		heritages = append(heritages, NewHeritageWithTimeLock(heirConfig, uint16(days)))
	}

	minimumLockTimeDays := r0 / uint64(config.BlocksPerDay)
	floor := config.MinimumLockTimeDaysFloor(toConfigNetwork(network))
	if minimumLockTimeDays < uint64(floor) {
		return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: fmt.Sprintf("derived minimum_lock_time_days %d below network floor %d", minimumLockTimeDays, floor)}
	}
	if minimumLockTimeDays > math.MaxUint16 {
		return nil, &InvalidScriptFragmentsError{Version: "v1", Reason: "derived minimum_lock_time_days overflows u16"}
	}

	return &Config{
		heritages:           heritages,
		referenceTimestamp:  referenceTimestamp,
		minimumLockTimeDays: uint16(minimumLockTimeDays),
	}, nil
}

func parseHeirKeyExpression(expr string) (HeirConfig, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "v:pk(") && strings.HasSuffix(expr, ")") {
		expr = strings.TrimSuffix(strings.TrimPrefix(expr, "v:pk("), ")")
	}
	m := keyExprPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("malformed heir key expression %q", expr)
	}
	origin, err := parseKeyOrigin(m[1])
	if err != nil {
		return nil, err
	}
	keyPart := m[2]

	for _, suffix := range []string{"/0/*", "/1/*"} {
		if strings.HasSuffix(keyPart, suffix) {
			xpubStr := strings.TrimSuffix(keyPart, suffix)
			xpub, err := hdkeychain.NewKeyFromString(xpubStr)
			if err != nil {
				return nil, fmt.Errorf("invalid heir extended key %q: %w", xpubStr, err)
			}
			return NewHeirXPubkey(origin, xpub)
		}
	}

	rawKey, err := hex.DecodeString(keyPart)
	if err != nil {
		return nil, fmt.Errorf("invalid heir pubkey hex %q: %w", keyPart, err)
	}
	pub, err := btcec.ParsePubKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("invalid heir pubkey %q: %w", keyPart, err)
	}
	return NewSingleHeirPubkey(origin, pub), nil
}

func parseKeyOrigin(s string) (KeyOrigin, error) {
	parts := strings.Split(s, "/")
	fpBytes, err := hex.DecodeString(parts[0])
	if err != nil || len(fpBytes) != 4 {
		return KeyOrigin{}, fmt.Errorf("invalid origin fingerprint %q", parts[0])
	}
	var origin KeyOrigin
	copy(origin.Fingerprint[:], fpBytes)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "h") || strings.HasSuffix(p, "'")
		numStr := strings.TrimSuffix(strings.TrimSuffix(p, "h"), "'")
		n, err := strconv.ParseUint(numStr, 10, 32)
		if err != nil {
			return KeyOrigin{}, fmt.Errorf("invalid origin path component %q", p)
		}
		child := uint32(n)
		if hardened {
			child += hdkeychain.HardenedKeyStart
		}
		origin.Path = append(origin.Path, child)
	}
	return origin, nil
}
