package subwalletcfg

import (
	"fmt"
	"strings"

	"github.com/btcheritage/wallet/internal/accountkey"
	"github.com/btcheritage/wallet/internal/heritage"
	"github.com/btcheritage/wallet/internal/netparams"
)

// Parse reconstructs a Config from a previously compiled external
// descriptor (the shape produced by New: `tr(<account key>/0/*[,<tree>])#checksum`),
// re-deriving the account key and heritage config and recompiling both
// descriptors from scratch. The recompiled external descriptor is expected
// to byte-for-byte match the input; callers that need to detect drift
// should compare it themselves.
//
// The regex-and-strip approach recovers the account-key expression by
// stripping the external branch's trailing
// `/0/*`, then hand the remaining tree expression (if any) to
// heritage.FromDescriptorScripts.
func Parse(network netparams.Network, externalDescriptor string) (*Config, error) {
	body := externalDescriptor
	if i := strings.LastIndex(body, "#"); i >= 0 {
		body = body[:i]
	}
	if !strings.HasPrefix(body, "tr(") || !strings.HasSuffix(body, ")") {
		return nil, fmt.Errorf("subwalletcfg: not a tr() descriptor: %q", externalDescriptor)
	}
	inner := body[len("tr(") : len(body)-1]

	keyExpr, treeExpr, hasTree, err := splitDescriptorBody(inner)
	if err != nil {
		return nil, fmt.Errorf("subwalletcfg: %w", err)
	}

	acctExpr := strings.TrimSuffix(keyExpr, "/0/*")
	if acctExpr == keyExpr {
		return nil, fmt.Errorf("subwalletcfg: external descriptor key expression %q does not end in /0/*", keyExpr)
	}
	account, err := accountkey.Parse(acctExpr + "/*")
	if err != nil {
		return nil, fmt.Errorf("subwalletcfg: %w", err)
	}

	var heritageCfg *heritage.Config
	if hasTree {
		heritageCfg, err = heritage.FromDescriptorScripts(network, treeExpr)
		if err != nil {
			return nil, fmt.Errorf("subwalletcfg: %w", err)
		}
	}

	return New(account, heritageCfg)
}

// splitDescriptorBody splits a `tr(...)` body's inner content at its
// top-level comma (outside any parens/braces) into the key expression and,
// if present, the script-tree expression.
func splitDescriptorBody(inner string) (keyExpr string, treeExpr string, hasTree bool, err error) {
	depth := 0
	for i, ch := range inner {
		switch ch {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		case ',':
			if depth == 0 {
				return inner[:i], inner[i+1:], true, nil
			}
		}
	}
	if depth != 0 {
		return "", "", false, fmt.Errorf("unbalanced descriptor body %q", inner)
	}
	return inner, "", false, nil
}
