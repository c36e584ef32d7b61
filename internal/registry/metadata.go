package registry

import (
	"slices"
	"strings"
)

// RiskHint annotates a selector the protocol team considers sensitive.
type RiskHint struct {
	Selector string `yaml:"selector" json:"selector"`
	Note     string `yaml:"note" json:"note"`
}

// ProtocolMetadata describes the protocol that owns a contract address. The
// zero value means "unknown protocol".
type ProtocolMetadata struct {
	Known bool   `json:"known"`
	Name  string `json:"name,omitempty"`
	Label string `json:"label,omitempty"`
	// Tags are sorted and lowercase.
	Tags []string `json:"tags,omitempty"`
	// Selectors are lowercase 0x-prefixed 4-byte function or 32-byte event selectors.
	Selectors []string   `json:"selectors,omitempty"`
	RiskHints []RiskHint `json:"risk_hints,omitempty"`

	Discovered bool `json:"discovered,omitempty"`
	Approved   bool `json:"approved,omitempty"`
	// PendingApproval is set on a discovered protocol that is withheld from
	// rules until an operator approves it.
	PendingApproval bool `json:"pending_approval,omitempty"`
}

// HasTag reports whether the protocol carries tag.
func (m ProtocolMetadata) HasTag(tag string) bool {
	_, ok := slices.BinarySearch(m.Tags, strings.ToLower(tag))
	return ok
}

// HasSelector reports whether sel is a known selector of the protocol.
func (m ProtocolMetadata) HasSelector(sel string) bool {
	return slices.Contains(m.Selectors, strings.ToLower(sel))
}

// RiskHint returns the annotation for sel, if any.
func (m ProtocolMetadata) RiskHint(sel string) (RiskHint, bool) {
	sel = strings.ToLower(sel)
	for _, h := range m.RiskHints {
		if h.Selector == sel {
			return h, true
		}
	}
	return RiskHint{}, false
}

// Clone returns a copy that shares no slices with m.
func (m ProtocolMetadata) Clone() ProtocolMetadata {
	out := m
	out.Tags = slices.Clone(m.Tags)
	out.Selectors = slices.Clone(m.Selectors)
	out.RiskHints = slices.Clone(m.RiskHints)
	return out
}
