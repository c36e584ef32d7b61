package chainlog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Quantity is an unsigned integer that decodes from a JSON number or a 0x-prefixed hex string.
type Quantity uint64

// UnmarshalJSON accepts 12, "12" and "0xc".
func (q *Quantity) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}

	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("invalid quantity %s: %w", s, err)
	}
	*q = Quantity(v)
	return nil
}

// MarshalJSON encodes the quantity as a JSON number.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(q))
}

// RawLog is one log record as delivered by an event source. Hashes, address,
// topics and data are 0x-prefixed hex strings.
type RawLog struct {
	ChainID        Quantity  `json:"chainId"`
	BlockNumber    Quantity  `json:"blockNumber"`
	BlockHash      string    `json:"blockHash"`
	BlockTimestamp Quantity  `json:"blockTimestamp,omitempty"`
	TxHash         string    `json:"txHash"`
	TxIndex        Quantity  `json:"txIndex"`
	LogIndex       *Quantity `json:"logIndex"`
	Address        string    `json:"address"`
	Topics         []string  `json:"topics"`
	Data           string    `json:"data"`
	Removed        bool      `json:"removed,omitempty"`
}

// FromEthLog converts a go-ethereum log into a RawLog. blockTime is the block
// timestamp in seconds, or zero when unknown.
func FromEthLog(chainID uint64, l types.Log, blockTime uint64) RawLog {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	logIndex := Quantity(l.Index)

	return RawLog{
		ChainID:        Quantity(chainID),
		BlockNumber:    Quantity(l.BlockNumber),
		BlockHash:      l.BlockHash.Hex(),
		BlockTimestamp: Quantity(blockTime),
		TxHash:         l.TxHash.Hex(),
		TxIndex:        Quantity(l.TxIndex),
		LogIndex:       &logIndex,
		Address:        l.Address.Hex(),
		Topics:         topics,
		Data:           hexutil.Encode(l.Data),
		Removed:        l.Removed,
	}
}
