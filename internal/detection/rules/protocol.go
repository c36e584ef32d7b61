package rules

import (
	"fmt"
	"strings"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/detection"
)

// UnknownProtocolRule flags events from contracts with no registry entry.
// Its fingerprint is the contract address, so one alert covers a burst of
// activity from the same contract.
type UnknownProtocolRule struct {
	Severity detection.Severity
}

// NewUnknownProtocolRule creates the rule with an info severity.
func NewUnknownProtocolRule() *UnknownProtocolRule {
	return &UnknownProtocolRule{Severity: detection.SeverityInfo}
}

func (r *UnknownProtocolRule) ID() string { return UnknownProtocolID }

func (r *UnknownProtocolRule) Description() string {
	return "event emitted by a contract missing from the registry"
}

func (r *UnknownProtocolRule) DefaultSeverity() detection.Severity { return r.Severity }

func (r *UnknownProtocolRule) Evaluate(ec detection.EvaluationContext) (*detection.Alert, error) {
	ev := ec.Trigger()
	md := ec.Protocol(ev.Address)
	if md.Known {
		return nil, nil
	}

	msg := fmt.Sprintf("unregistered contract %s emitted %s", ev.Address.Hex(), eventLabel(ev.EventName, ev.Signature.Hex()))
	if md.PendingApproval {
		msg = fmt.Sprintf("contract %s of discovered protocol %q is pending approval; emitted %s",
			ev.Address.Hex(), md.Name, eventLabel(ev.EventName, ev.Signature.Hex()))
	}
	alert := detection.NewAlert(UnknownProtocolID, r.Severity, ev, "Unregistered contract", msg, ev.Address.Hex())
	return alert.WithDetail("signature", ev.Signature.Hex()), nil
}

func eventLabel(name, sig string) string {
	if name == chainlog.UnknownEvent {
		return "unknown event " + sig
	}
	return name
}

// SensitiveSelectorRule flags events whose topic0 is in a configured set or is
// annotated as risky by the owning protocol.
type SensitiveSelectorRule struct {
	Selectors map[string]bool
	Severity  detection.Severity
}

// NewSensitiveSelectorRule creates the rule with a warning severity.
func NewSensitiveSelectorRule(selectors ...string) *SensitiveSelectorRule {
	r := &SensitiveSelectorRule{
		Selectors: make(map[string]bool, len(selectors)),
		Severity:  detection.SeverityWarning,
	}
	for _, s := range selectors {
		r.Selectors[strings.ToLower(s)] = true
	}
	return r
}

func (r *SensitiveSelectorRule) ID() string { return SensitiveSelectorID }

func (r *SensitiveSelectorRule) Description() string {
	return "event selector configured as sensitive or carrying a protocol risk hint"
}

func (r *SensitiveSelectorRule) DefaultSeverity() detection.Severity { return r.Severity }

func (r *SensitiveSelectorRule) Evaluate(ec detection.EvaluationContext) (*detection.Alert, error) {
	ev := ec.Trigger()
	sel := strings.ToLower(ev.Signature.Hex())
	hint, hinted := ec.Protocol(ev.Address).RiskHint(sel)
	if !r.Selectors[sel] && !hinted {
		return nil, nil
	}

	msg := fmt.Sprintf("%s emitted sensitive %s", displayName(ec, ev.Address), eventLabel(ev.EventName, sel))
	if hinted && hint.Note != "" {
		msg += ": " + hint.Note
	}
	alert := detection.NewAlert(SensitiveSelectorID, r.Severity, ev, "Sensitive selector", msg,
		ev.Address.Hex(), sel, ev.TxHash.Hex())
	return alert.
		WithProtocol(protocolName(ec, ev.Address)).
		WithDetail("selector", sel), nil
}
