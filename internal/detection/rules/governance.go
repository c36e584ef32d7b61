package rules

import (
	"fmt"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/detection"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultAdminRole is the OpenZeppelin AccessControl admin role.
var DefaultAdminRole = common.Hash{}

// RoleChangeRule flags AccessControl role grants, revocations and admin changes.
// Changes to DEFAULT_ADMIN_ROLE and to a role's admin are raised at Escalated.
type RoleChangeRule struct {
	Severity  detection.Severity
	Escalated detection.Severity
}

// NewRoleChangeRule creates the rule with a warning severity, escalating to
// critical.
func NewRoleChangeRule() *RoleChangeRule {
	return &RoleChangeRule{Severity: detection.SeverityWarning, Escalated: detection.SeverityCritical}
}

func (r *RoleChangeRule) ID() string { return RoleChangeID }

func (r *RoleChangeRule) Description() string {
	return "AccessControl role granted, revoked or re-administered"
}

func (r *RoleChangeRule) DefaultSeverity() detection.Severity { return r.Severity }

func (r *RoleChangeRule) Evaluate(ec detection.EvaluationContext) (*detection.Alert, error) {
	ev := ec.Trigger()
	if !ev.Decoded() {
		return nil, nil
	}
	switch ev.Signature {
	case chainlog.RoleGrantedSig, chainlog.RoleRevokedSig:
		role, _ := ev.HashField("role")
		account, _ := ev.AddressField("account")
		sender, _ := ev.AddressField("sender")

		severity := r.Severity
		if role == DefaultAdminRole {
			severity = r.Escalated
		}
		verb := "granted"
		if ev.Signature == chainlog.RoleRevokedSig {
			verb = "revoked"
		}

		alert := detection.NewAlert(RoleChangeID, severity, ev,
			"Access control role "+verb,
			fmt.Sprintf("%s %s role %s for %s (sender %s)",
				displayName(ec, ev.Address), verb, role.Hex(), account.Hex(), sender.Hex()),
			ev.Address.Hex(), ev.EventName, role.Hex(), account.Hex(),
		)
		return alert.
			WithProtocol(protocolName(ec, ev.Address)).
			WithDetail("role", role.Hex()).
			WithDetail("account", account.Hex()).
			WithDetail("sender", sender.Hex()), nil

	case chainlog.RoleAdminChangedSig:
		role, _ := ev.HashField("role")
		newAdmin, _ := ev.HashField("newAdminRole")

		alert := detection.NewAlert(RoleChangeID, r.Escalated, ev,
			"Role admin changed",
			fmt.Sprintf("%s changed the admin of role %s to %s",
				displayName(ec, ev.Address), role.Hex(), newAdmin.Hex()),
			ev.Address.Hex(), ev.EventName, role.Hex(), newAdmin.Hex(),
		)
		return alert.WithProtocol(protocolName(ec, ev.Address)), nil
	}
	return nil, nil
}

// OwnershipTransferRule flags Ownable ownership changes. The initial transfer
// from the zero address at deployment is ignored.
type OwnershipTransferRule struct {
	Severity detection.Severity
}

// NewOwnershipTransferRule creates the rule with a critical severity.
func NewOwnershipTransferRule() *OwnershipTransferRule {
	return &OwnershipTransferRule{Severity: detection.SeverityCritical}
}

func (r *OwnershipTransferRule) ID() string { return OwnershipTransferID }

func (r *OwnershipTransferRule) Description() string {
	return "Ownable contract changed owner"
}

func (r *OwnershipTransferRule) DefaultSeverity() detection.Severity { return r.Severity }

func (r *OwnershipTransferRule) Evaluate(ec detection.EvaluationContext) (*detection.Alert, error) {
	ev := ec.Trigger()
	if ev.Signature != chainlog.OwnershipTransferredSig || !ev.Decoded() {
		return nil, nil
	}
	prev, _ := ev.AddressField("previousOwner")
	next, _ := ev.AddressField("newOwner")
	if prev == (common.Address{}) {
		return nil, nil
	}

	msg := fmt.Sprintf("%s ownership moved from %s to %s", displayName(ec, ev.Address), prev.Hex(), next.Hex())
	if next == (common.Address{}) {
		msg = fmt.Sprintf("%s ownership renounced by %s", displayName(ec, ev.Address), prev.Hex())
	}
	alert := detection.NewAlert(OwnershipTransferID, r.Severity, ev, "Ownership transferred", msg,
		ev.Address.Hex(), next.Hex())
	return alert.
		WithProtocol(protocolName(ec, ev.Address)).
		WithDetail("previous_owner", prev.Hex()).
		WithDetail("new_owner", next.Hex()), nil
}

// UpgradeRule flags proxy implementation, admin and beacon changes.
type UpgradeRule struct {
	Severity detection.Severity
}

// NewUpgradeRule creates the rule with a critical severity.
func NewUpgradeRule() *UpgradeRule {
	return &UpgradeRule{Severity: detection.SeverityCritical}
}

func (r *UpgradeRule) ID() string { return UpgradeID }

func (r *UpgradeRule) Description() string {
	return "proxy implementation, admin or beacon changed"
}

func (r *UpgradeRule) DefaultSeverity() detection.Severity { return r.Severity }

func (r *UpgradeRule) Evaluate(ec detection.EvaluationContext) (*detection.Alert, error) {
	ev := ec.Trigger()
	if !ev.Decoded() {
		return nil, nil
	}

	var field, what string
	switch ev.Signature {
	case chainlog.UpgradedSig:
		field, what = "implementation", "implementation upgraded to"
	case chainlog.AdminChangedSig:
		field, what = "newAdmin", "proxy admin changed to"
	case chainlog.BeaconUpgradedSig:
		field, what = "beacon", "beacon changed to"
	default:
		return nil, nil
	}
	target, _ := ev.AddressField(field)

	alert := detection.NewAlert(UpgradeID, r.Severity, ev, "Proxy upgraded",
		fmt.Sprintf("%s %s %s", displayName(ec, ev.Address), what, target.Hex()),
		ev.Address.Hex(), ev.EventName, target.Hex(),
	)
	return alert.
		WithProtocol(protocolName(ec, ev.Address)).
		WithDetail(field, target.Hex()), nil
}

// PauseRule flags Pausable contracts being paused or unpaused.
type PauseRule struct {
	Severity detection.Severity
}

// NewPauseRule creates the rule with a warning severity.
func NewPauseRule() *PauseRule {
	return &PauseRule{Severity: detection.SeverityWarning}
}

func (r *PauseRule) ID() string { return PauseID }

func (r *PauseRule) Description() string {
	return "Pausable contract paused or unpaused"
}

func (r *PauseRule) DefaultSeverity() detection.Severity { return r.Severity }

func (r *PauseRule) Evaluate(ec detection.EvaluationContext) (*detection.Alert, error) {
	ev := ec.Trigger()
	if !ev.Decoded() || (ev.Signature != chainlog.PausedSig && ev.Signature != chainlog.UnpausedSig) {
		return nil, nil
	}
	account, _ := ev.AddressField("account")
	verb := "paused"
	if ev.Signature == chainlog.UnpausedSig {
		verb = "unpaused"
	}

	alert := detection.NewAlert(PauseID, r.Severity, ev, "Contract "+verb,
		fmt.Sprintf("%s %s by %s", displayName(ec, ev.Address), verb, account.Hex()),
		ev.Address.Hex(), ev.EventName, ev.TxHash.Hex(),
	)
	return alert.
		WithProtocol(protocolName(ec, ev.Address)).
		WithDetail("account", account.Hex()), nil
}
