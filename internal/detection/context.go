package detection

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/registry"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEmptyBatch   = errors.New("detection: no events to evaluate")
	ErrMixedTxBatch = errors.New("detection: batch spans more than one transaction")
	ErrMixedChain   = errors.New("detection: batch spans more than one chain")
)

// BlockInfo is block-level metadata of an evaluation unit.
type BlockInfo struct {
	Number uint64
	Hash   common.Hash
	Time   time.Time
}

// EvaluationContext is the immutable input of one rule evaluation: a trigger
// event, the ordered events of its transaction, and the protocol metadata of
// every contract they touch. Accessors return copies, so rules cannot modify
// it or observe each other.
type EvaluationContext struct {
	chainID   uint64
	txHash    common.Hash
	block     BlockInfo
	trigger   int
	events    []chainlog.LogEvent
	addresses []common.Address
	protocols map[common.Address]registry.ProtocolMetadata
}

// ChainID returns the chain the events came from.
func (c EvaluationContext) ChainID() uint64 { return c.chainID }

// TxHash returns the transaction shared by all events.
func (c EvaluationContext) TxHash() common.Hash { return c.txHash }

// Block returns the block metadata.
func (c EvaluationContext) Block() BlockInfo { return c.block }

// Len returns the number of events.
func (c EvaluationContext) Len() int { return len(c.events) }

// Trigger returns the event this context evaluates. Rules that look at a
// single log inspect only the trigger; the rest of the transaction is context.
func (c EvaluationContext) Trigger() chainlog.LogEvent {
	return c.events[c.trigger].Clone()
}

// TriggerIndex returns the position of the trigger in Events.
func (c EvaluationContext) TriggerIndex() int { return c.trigger }

// Event returns the i-th event in log index order.
func (c EvaluationContext) Event(i int) chainlog.LogEvent {
	return c.events[i].Clone()
}

// Events returns all events in log index order.
func (c EvaluationContext) Events() []chainlog.LogEvent {
	out := make([]chainlog.LogEvent, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Clone()
	}
	return out
}

// Addresses returns the distinct contract addresses in first-seen order.
func (c EvaluationContext) Addresses() []common.Address {
	return append([]common.Address(nil), c.addresses...)
}

// Protocol returns the metadata resolved for addr. Addresses the registry did
// not know, and addresses outside the context, report Known == false.
func (c EvaluationContext) Protocol(addr common.Address) registry.ProtocolMetadata {
	md, ok := c.protocols[addr]
	if !ok {
		return registry.ProtocolMetadata{}
	}
	return md.Clone()
}

// Builder assembles evaluation contexts from normalized events.
type Builder struct {
	lookup registry.Lookup
}

// NewBuilder creates a builder resolving protocols through lookup.
func NewBuilder(lookup registry.Lookup) *Builder {
	return &Builder{lookup: lookup}
}

// Build creates a context from one event or from events sharing a
// transaction, triggered by the event with the lowest log index. Each
// distinct address is resolved exactly once; a registry miss yields
// ProtocolMetadata with Known == false.
func (b *Builder) Build(events ...chainlog.LogEvent) (EvaluationContext, error) {
	if len(events) == 0 {
		return EvaluationContext{}, ErrEmptyBatch
	}

	first := events[0]
	owned := make([]chainlog.LogEvent, len(events))
	for i, ev := range events {
		if ev.TxHash != first.TxHash {
			return EvaluationContext{}, fmt.Errorf("%w: %s and %s", ErrMixedTxBatch, first.TxHash.Hex(), ev.TxHash.Hex())
		}
		if ev.ChainID != first.ChainID {
			return EvaluationContext{}, ErrMixedChain
		}
		owned[i] = ev.Clone()
	}
	sort.SliceStable(owned, func(i, j int) bool { return owned[i].LogIndex < owned[j].LogIndex })

	ec := EvaluationContext{
		chainID: first.ChainID,
		txHash:  first.TxHash,
		block: BlockInfo{
			Number: owned[0].BlockNumber,
			Hash:   owned[0].BlockHash,
			Time:   owned[0].BlockTime,
		},
		events:    owned,
		protocols: make(map[common.Address]registry.ProtocolMetadata),
	}

	for _, ev := range owned {
		if _, seen := ec.protocols[ev.Address]; seen {
			continue
		}
		md, ok := b.lookup.Resolve(ev.Address)
		if !ok {
			md.Known = false
		}
		ec.protocols[ev.Address] = md
		ec.addresses = append(ec.addresses, ev.Address)
	}

	return ec, nil
}

// BuildEach creates one context per event of a transaction, in log index
// order. All of them share the transaction's events and a single round of
// registry lookups; only the trigger differs.
func (b *Builder) BuildEach(events ...chainlog.LogEvent) ([]EvaluationContext, error) {
	ec, err := b.Build(events...)
	if err != nil {
		return nil, err
	}
	out := make([]EvaluationContext, len(ec.events))
	for i := range out {
		out[i] = ec.withTrigger(i)
	}
	return out, nil
}

func (c EvaluationContext) withTrigger(i int) EvaluationContext {
	c.trigger = i
	ev := c.events[i]
	c.block = BlockInfo{Number: ev.BlockNumber, Hash: ev.BlockHash, Time: ev.BlockTime}
	return c
}
