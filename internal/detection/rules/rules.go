// Package rules provides the built-in detection rules.
package rules

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"chainwatch/internal/config"
	"chainwatch/internal/detection"

	"github.com/ethereum/go-ethereum/common"
)

// Rule IDs in registration order.
const (
	LargeTransferID        = "large-transfer"
	UnknownProtocolID      = "unknown-protocol"
	RoleChangeID           = "role-change"
	OwnershipTransferID    = "ownership-transfer"
	UpgradeID              = "upgrade"
	PauseID                = "pause"
	SensitiveSelectorID    = "sensitive-selector"
	RoleChangeWithdrawalID = "role-change-withdrawal"
)

// IDs returns every built-in rule ID in registration order.
func IDs() []string {
	return []string{
		LargeTransferID,
		UnknownProtocolID,
		RoleChangeID,
		OwnershipTransferID,
		UpgradeID,
		PauseID,
		SensitiveSelectorID,
		RoleChangeWithdrawalID,
	}
}

// DefaultLargeTransferThreshold is one million whole tokens at 18 decimals.
var DefaultLargeTransferThreshold = new(big.Int).Mul(big.NewInt(1_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// Build constructs every built-in rule from its config section, in registration
// order. Disabled rules are still built; the engine leaves them out.
func Build(cfgs map[string]config.RuleConfig) ([]detection.Rule, error) {
	known := make(map[string]bool)
	for _, id := range IDs() {
		known[id] = true
	}
	for id := range cfgs {
		if !known[id] {
			return nil, fmt.Errorf("unknown rule %q in config", id)
		}
	}

	var out []detection.Rule
	for _, id := range IDs() {
		cfg := cfgs[id]
		r, err := build(id, cfg)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Disabled returns the IDs of rules turned off in config, sorted.
func Disabled(cfgs map[string]config.RuleConfig) []string {
	var ids []string
	for id, cfg := range cfgs {
		if !cfg.IsEnabled() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func build(id string, cfg config.RuleConfig) (detection.Rule, error) {
	switch id {
	case LargeTransferID:
		r := NewLargeTransferRule(DefaultLargeTransferThreshold)
		if cfg.Threshold != "" {
			v, err := parseAmount(cfg.Threshold)
			if err != nil {
				return nil, err
			}
			r.Threshold = v
		}
		if cfg.CriticalThreshold != "" {
			v, err := parseAmount(cfg.CriticalThreshold)
			if err != nil {
				return nil, err
			}
			r.CriticalThreshold = v
		}
		for token, amount := range cfg.TokenThresholds {
			if !common.IsHexAddress(token) {
				return nil, fmt.Errorf("invalid token address %q", token)
			}
			v, err := parseAmount(amount)
			if err != nil {
				return nil, err
			}
			r.TokenThresholds[common.HexToAddress(token)] = v
		}
		return r, applySeverity(&r.Severity, cfg)
	case UnknownProtocolID:
		r := NewUnknownProtocolRule()
		return r, applySeverity(&r.Severity, cfg)
	case RoleChangeID:
		r := NewRoleChangeRule()
		if cfg.EscalatedSeverity != "" {
			s, err := detection.ParseSeverity(cfg.EscalatedSeverity)
			if err != nil {
				return nil, err
			}
			r.Escalated = s
		}
		return r, applySeverity(&r.Severity, cfg)
	case OwnershipTransferID:
		r := NewOwnershipTransferRule()
		return r, applySeverity(&r.Severity, cfg)
	case UpgradeID:
		r := NewUpgradeRule()
		return r, applySeverity(&r.Severity, cfg)
	case PauseID:
		r := NewPauseRule()
		return r, applySeverity(&r.Severity, cfg)
	case SensitiveSelectorID:
		r := NewSensitiveSelectorRule(cfg.Selectors...)
		return r, applySeverity(&r.Severity, cfg)
	case RoleChangeWithdrawalID:
		r := NewRoleChangeWithdrawalRule()
		return r, applySeverity(&r.Severity, cfg)
	}
	return nil, fmt.Errorf("no constructor for rule %q", id)
}

func applySeverity(dst *detection.Severity, cfg config.RuleConfig) error {
	if cfg.Severity == "" {
		return nil
	}
	s, err := detection.ParseSeverity(cfg.Severity)
	if err != nil {
		return err
	}
	*dst = s
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func protocolName(ec detection.EvaluationContext, addr common.Address) string {
	if md := ec.Protocol(addr); md.Known {
		return md.Name
	}
	return ""
}

func displayName(ec detection.EvaluationContext, addr common.Address) string {
	if name := protocolName(ec, addr); name != "" {
		return fmt.Sprintf("%s (%s)", name, addr.Hex())
	}
	return addr.Hex()
}
