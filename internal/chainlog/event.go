package chainlog

import (
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// UnknownEvent is the event name of a log no catalog entry could decode.
const UnknownEvent = "unknown"

// Field is one decoded event argument. Value holds one of *big.Int,
// common.Address, common.Hash, bool, string or []byte.
type Field struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed"`
	Value   any    `json:"value"`
}

// LogEvent is the normalized form of one on-chain event log. (ChainID,
// BlockHash, LogIndex) identifies it. A LogEvent is never modified after
// Normalize returns it; use Clone before handing it to code that might.
type LogEvent struct {
	ChainID     uint64         `json:"chain_id"`
	BlockNumber uint64         `json:"block_number"`
	BlockHash   common.Hash    `json:"block_hash"`
	BlockTime   time.Time      `json:"block_time"`
	TxHash      common.Hash    `json:"tx_hash"`
	TxIndex     uint           `json:"tx_index"`
	LogIndex    uint           `json:"log_index"`
	Address     common.Address `json:"address"`
	EventName   string         `json:"event_name"`
	Signature   common.Hash    `json:"signature"`
	Fields      []Field        `json:"fields,omitempty"`
	Topics      []common.Hash  `json:"topics"`
	Data        []byte         `json:"data,omitempty"`
	Removed     bool           `json:"removed,omitempty"`
}

// ID returns a stable identity string for logging and replay.
func (e LogEvent) ID() string {
	return fmt.Sprintf("%d:%s:%d", e.ChainID, e.BlockHash.Hex(), e.LogIndex)
}

// Decoded reports whether the event matched a known ABI.
func (e LogEvent) Decoded() bool {
	return e.EventName != UnknownEvent
}

// Field returns the decoded field with the given name.
func (e LogEvent) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Uint returns a numeric field as a fresh *big.Int.
func (e LogEvent) Uint(name string) (*big.Int, bool) {
	f, ok := e.Field(name)
	if !ok {
		return nil, false
	}
	v, ok := f.Value.(*big.Int)
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(v), true
}

// AddressField returns an address-typed field.
func (e LogEvent) AddressField(name string) (common.Address, bool) {
	f, ok := e.Field(name)
	if !ok {
		return common.Address{}, false
	}
	v, ok := f.Value.(common.Address)
	return v, ok
}

// HashField returns a bytes32-typed field.
func (e LogEvent) HashField(name string) (common.Hash, bool) {
	f, ok := e.Field(name)
	if !ok {
		return common.Hash{}, false
	}
	v, ok := f.Value.(common.Hash)
	return v, ok
}

// Clone returns a deep copy of the event.
func (e LogEvent) Clone() LogEvent {
	out := e
	out.Topics = slices.Clone(e.Topics)
	out.Data = slices.Clone(e.Data)
	if e.Fields != nil {
		out.Fields = make([]Field, len(e.Fields))
		for i, f := range e.Fields {
			out.Fields[i] = f
			switch v := f.Value.(type) {
			case *big.Int:
				out.Fields[i].Value = new(big.Int).Set(v)
			case []byte:
				out.Fields[i].Value = slices.Clone(v)
			}
		}
	}
	return out
}
