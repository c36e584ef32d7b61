package rules

import (
	"fmt"
	"math/big"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/detection"

	"github.com/ethereum/go-ethereum/common"
)

// LargeTransferRule flags ERC-20 transfers at or above a threshold.
type LargeTransferRule struct {
	Threshold *big.Int
	// CriticalThreshold escalates to critical when set.
	CriticalThreshold *big.Int
	// TokenThresholds override Threshold per token contract.
	TokenThresholds map[common.Address]*big.Int
	Severity        detection.Severity
}

// NewLargeTransferRule creates the rule with a warning severity.
func NewLargeTransferRule(threshold *big.Int) *LargeTransferRule {
	return &LargeTransferRule{
		Threshold:       threshold,
		TokenThresholds: make(map[common.Address]*big.Int),
		Severity:        detection.SeverityWarning,
	}
}

func (r *LargeTransferRule) ID() string { return LargeTransferID }

func (r *LargeTransferRule) Description() string {
	return "ERC-20 transfer at or above the configured amount"
}

func (r *LargeTransferRule) DefaultSeverity() detection.Severity { return r.Severity }

func (r *LargeTransferRule) threshold(token common.Address) *big.Int {
	if t, ok := r.TokenThresholds[token]; ok {
		return t
	}
	return r.Threshold
}

func (r *LargeTransferRule) Evaluate(ec detection.EvaluationContext) (*detection.Alert, error) {
	ev := ec.Trigger()
	if ev.Signature != chainlog.TransferSig {
		return nil, nil
	}
	// ERC-721 transfers decode a tokenId instead of a value.
	value, ok := ev.Uint("value")
	if !ok {
		return nil, nil
	}
	threshold := r.threshold(ev.Address)
	if threshold == nil || value.Cmp(threshold) < 0 {
		return nil, nil
	}

	severity := r.Severity
	if r.CriticalThreshold != nil && value.Cmp(r.CriticalThreshold) >= 0 {
		severity = detection.SeverityCritical
	}
	from, _ := ev.AddressField("from")
	to, _ := ev.AddressField("to")

	alert := detection.NewAlert(LargeTransferID, severity, ev,
		"Large token transfer",
		fmt.Sprintf("transfer of %s from %s to %s on %s meets threshold %s",
			value, from.Hex(), to.Hex(), displayName(ec, ev.Address), threshold),
		ev.Address.Hex(), ev.TxHash.Hex(), fmt.Sprint(ev.LogIndex),
	)
	return alert.
		WithProtocol(protocolName(ec, ev.Address)).
		WithDetail("value", value.String()).
		WithDetail("from", from.Hex()).
		WithDetail("to", to.Hex()), nil
}

// RoleChangeWithdrawalRule flags a transaction that grants a role and then
// moves funds: a later withdrawal event, or a transfer to the new role holder.
// It fires on the context triggered by the grant, so each grant is reported
// once however many logs the transaction carries.
type RoleChangeWithdrawalRule struct {
	Severity detection.Severity
}

// NewRoleChangeWithdrawalRule creates the rule with a critical severity.
func NewRoleChangeWithdrawalRule() *RoleChangeWithdrawalRule {
	return &RoleChangeWithdrawalRule{Severity: detection.SeverityCritical}
}

func (r *RoleChangeWithdrawalRule) ID() string { return RoleChangeWithdrawalID }

func (r *RoleChangeWithdrawalRule) Description() string {
	return "role grant followed by a withdrawal in the same transaction"
}

func (r *RoleChangeWithdrawalRule) DefaultSeverity() detection.Severity { return r.Severity }

func (r *RoleChangeWithdrawalRule) Evaluate(ec detection.EvaluationContext) (*detection.Alert, error) {
	grant := ec.Trigger()
	if grant.Signature != chainlog.RoleGrantedSig || !grant.Decoded() {
		return nil, nil
	}
	grantee, _ := grant.AddressField("account")

	for _, later := range ec.Events()[ec.TriggerIndex()+1:] {
		if !isWithdrawal(later, grantee) {
			continue
		}
		role, _ := grant.HashField("role")
		alert := detection.NewAlert(RoleChangeWithdrawalID, r.Severity, grant,
			"Role grant followed by withdrawal",
			fmt.Sprintf("%s granted role %s to %s, then %s emitted %s in the same transaction",
				displayName(ec, grant.Address), role.Hex(), grantee.Hex(),
				displayName(ec, later.Address), later.EventName),
			ec.TxHash().Hex(), fmt.Sprint(grant.LogIndex),
		)
		return alert.
			WithProtocol(protocolName(ec, grant.Address)).
			WithDetail("role", role.Hex()).
			WithDetail("account", grantee.Hex()).
			WithDetail("withdrawal_log_index", fmt.Sprint(later.LogIndex)), nil
	}
	return nil, nil
}

func isWithdrawal(ev chainlog.LogEvent, grantee common.Address) bool {
	switch ev.Signature {
	case chainlog.WithdrawalSig, chainlog.WithdrawSig:
		return ev.Decoded()
	case chainlog.TransferSig:
		to, ok := ev.AddressField("to")
		return ok && to == grantee
	}
	return false
}
