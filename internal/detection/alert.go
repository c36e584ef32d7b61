package detection

import (
	"encoding/hex"
	"strings"
	"time"

	"chainwatch/internal/chainlog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// alertNamespace seeds the name-based UUIDs of alert IDs.
var alertNamespace = uuid.MustParse("6f1c1b9e-3d52-4c1e-9a57-5b7f0c2d8e41")

// EventRef identifies the log an alert was raised for.
type EventRef struct {
	ChainID     uint64         `json:"chain_id"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   common.Hash    `json:"block_hash"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	Address     common.Address `json:"address"`
	EventName   string         `json:"event_name"`
}

// RefOf returns the reference for ev.
func RefOf(ev chainlog.LogEvent) EventRef {
	return EventRef{
		ChainID:     ev.ChainID,
		BlockNumber: ev.BlockNumber,
		BlockHash:   ev.BlockHash,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		Address:     ev.Address,
		EventName:   ev.EventName,
	}
}

// Detail is one ordered key/value pair attached to an alert.
type Detail struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Alert is the output of a rule. Once the engine returns it, it is not modified.
type Alert struct {
	ID          uuid.UUID `json:"id"`
	RuleID      string    `json:"rule_id"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Event       EventRef  `json:"event"`
	Protocol    string    `json:"protocol,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	// CreatedAt is the block time of the triggering event, so replays produce identical alerts.
	CreatedAt time.Time `json:"created_at"`
	Details   []Detail  `json:"details,omitempty"`
}

// Fingerprint hashes a rule ID and the key fields that distinguish one
// underlying condition from another.
func Fingerprint(ruleID string, key ...string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(ruleID))
	for _, k := range key {
		h.Write([]byte{0x1f})
		h.Write([]byte(strings.ToLower(k)))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// NewAlert builds an alert for ev. key feeds the fingerprint; an empty key
// fingerprints the event itself, so only redeliveries of that log are deduplicated.
func NewAlert(ruleID string, severity Severity, ev chainlog.LogEvent, title, message string, key ...string) *Alert {
	if len(key) == 0 {
		key = []string{ev.ID()}
	}
	fp := Fingerprint(ruleID, key...)

	return &Alert{
		ID:          uuid.NewSHA1(alertNamespace, []byte(fp+"|"+ev.ID())),
		RuleID:      ruleID,
		Severity:    severity,
		Title:       title,
		Message:     message,
		Event:       RefOf(ev),
		Fingerprint: fp,
		CreatedAt:   ev.BlockTime,
	}
}

// WithProtocol sets the protocol name. It is meant for use while a rule builds the alert.
func (a *Alert) WithProtocol(name string) *Alert {
	a.Protocol = name
	return a
}

// WithDetail appends a detail. It is meant for use while a rule builds the alert.
func (a *Alert) WithDetail(key, value string) *Alert {
	a.Details = append(a.Details, Detail{Key: key, Value: value})
	return a
}
