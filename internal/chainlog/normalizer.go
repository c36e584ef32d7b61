// Package chainlog turns raw EVM logs into normalized LogEvents.
package chainlog

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// maxTopics is the EVM limit for LOG0..LOG4.
const maxTopics = 4

// DecodeError reports a structurally invalid raw log.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode log: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode log: %s: %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(field, reason string, err error) error {
	return &DecodeError{Field: field, Reason: reason, Err: err}
}

var errLayoutMismatch = errors.New("indexed argument count does not match topics")

// Normalizer converts RawLogs into LogEvents using an event catalog. It holds
// no mutable state and is safe for concurrent use.
type Normalizer struct {
	catalog EventCatalog
}

// NewNormalizer creates a normalizer. A nil catalog uses DefaultCatalog.
func NewNormalizer(catalog EventCatalog) *Normalizer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Normalizer{catalog: catalog}
}

// Normalize validates raw and decodes it against the catalog. A log that no
// catalog entry can decode is returned with EventName set to UnknownEvent.
// Only structurally invalid input returns a *DecodeError.
func (n *Normalizer) Normalize(raw RawLog) (LogEvent, error) {
	if raw.ChainID == 0 {
		return LogEvent{}, decodeErr("chainId", "missing", nil)
	}
	if raw.Address == "" {
		return LogEvent{}, decodeErr("address", "missing", nil)
	}
	if !common.IsHexAddress(raw.Address) {
		return LogEvent{}, decodeErr("address", "not a hex address", nil)
	}
	if raw.LogIndex == nil {
		return LogEvent{}, decodeErr("logIndex", "missing", nil)
	}
	blockHash, err := parseHash(raw.BlockHash)
	if err != nil {
		return LogEvent{}, decodeErr("blockHash", "invalid", err)
	}
	txHash, err := parseHash(raw.TxHash)
	if err != nil {
		return LogEvent{}, decodeErr("txHash", "invalid", err)
	}
	if len(raw.Topics) == 0 {
		return LogEvent{}, decodeErr("topics", "empty", nil)
	}
	if len(raw.Topics) > maxTopics {
		return LogEvent{}, decodeErr("topics", fmt.Sprintf("%d topics exceeds %d", len(raw.Topics), maxTopics), nil)
	}
	topics := make([]common.Hash, len(raw.Topics))
	for i, t := range raw.Topics {
		h, err := parseHash(t)
		if err != nil {
			return LogEvent{}, decodeErr(fmt.Sprintf("topics[%d]", i), "invalid", err)
		}
		topics[i] = h
	}
	var data []byte
	if raw.Data != "" {
		data, err = hexutil.Decode(raw.Data)
		if err != nil {
			return LogEvent{}, decodeErr("data", "invalid hex", err)
		}
		if len(data) == 0 {
			data = nil
		}
	}

	ev := LogEvent{
		ChainID:     uint64(raw.ChainID),
		BlockNumber: uint64(raw.BlockNumber),
		BlockHash:   blockHash,
		TxHash:      txHash,
		TxIndex:     uint(raw.TxIndex),
		LogIndex:    uint(*raw.LogIndex),
		Address:     common.HexToAddress(raw.Address),
		EventName:   UnknownEvent,
		Signature:   topics[0],
		Topics:      topics,
		Data:        data,
		Removed:     raw.Removed,
	}
	if raw.BlockTimestamp != 0 {
		ev.BlockTime = time.Unix(int64(raw.BlockTimestamp), 0).UTC()
	}

	for _, candidate := range n.catalog.Events(topics[0]) {
		fields, err := decodeEvent(candidate, topics, data)
		if err != nil {
			continue
		}
		ev.EventName = candidate.RawName
		ev.Fields = fields
		break
	}

	return ev, nil
}

func parseHash(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, errors.New("missing")
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// decodeEvent decodes topics and data against one ABI layout and returns the
// fields in declaration order.
func decodeEvent(ev abi.Event, topics []common.Hash, data []byte) ([]Field, error) {
	args := make(abi.Arguments, len(ev.Inputs))
	var indexed abi.Arguments
	for i, arg := range ev.Inputs {
		if arg.Name == "" {
			arg.Name = fmt.Sprintf("arg%d", i)
		}
		args[i] = arg
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) != len(topics)-1 {
		return nil, errLayoutMismatch
	}

	values := make(map[string]any, len(args))
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, topics[1:]); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
	}
	if nonIndexed := args.NonIndexed(); len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(values, data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}

	fields := make([]Field, len(args))
	for i, arg := range args {
		fields[i] = Field{
			Name:    arg.Name,
			Type:    arg.Type.String(),
			Indexed: arg.Indexed,
			Value:   canonicalValue(values[arg.Name]),
		}
	}
	return fields, nil
}

// canonicalValue folds the many Go types abi decoding produces into the small
// set documented on Field.
func canonicalValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		return new(big.Int).Set(x)
	case common.Address, common.Hash, bool, string:
		return x
	case [32]byte:
		return common.Hash(x)
	case []byte:
		return append([]byte(nil), x...)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint())
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			out := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(out), rv)
			return out
		}
	}
	return fmt.Sprint(v)
}

// Signature formats an event's canonical signature, e.g. "Transfer(address,address,uint256)".
func Signature(ev abi.Event) string {
	types := make([]string, len(ev.Inputs))
	for i, in := range ev.Inputs {
		types[i] = in.Type.String()
	}
	return ev.RawName + "(" + strings.Join(types, ",") + ")"
}
