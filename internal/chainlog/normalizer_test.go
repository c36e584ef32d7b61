package chainlog

import (
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenAddr = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	alice     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob       = common.HexToAddress("0x2222222222222222222222222222222222222222")
	blockHash = common.HexToHash("0xb10c000000000000000000000000000000000000000000000000000000000001")
	txHash    = common.HexToHash("0x7a00000000000000000000000000000000000000000000000000000000000001")
)

func word(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func rawLog(address common.Address, topics []common.Hash, data []byte) RawLog {
	ts := make([]string, len(topics))
	for i, t := range topics {
		ts[i] = t.Hex()
	}
	idx := Quantity(3)
	return RawLog{
		ChainID:        1,
		BlockNumber:    19000000,
		BlockHash:      blockHash.Hex(),
		BlockTimestamp: 1700000000,
		TxHash:         txHash.Hex(),
		TxIndex:        7,
		LogIndex:       &idx,
		Address:        address.Hex(),
		Topics:         ts,
		Data:           hexutil.Encode(data),
	}
}

func erc20Transfer(value int64) RawLog {
	return rawLog(tokenAddr,
		[]common.Hash{TransferSig, common.BytesToHash(alice.Bytes()), common.BytesToHash(bob.Bytes())},
		word(value))
}

func TestNormalizeERC20Transfer(t *testing.T) {
	n := NewNormalizer(nil)

	ev, err := n.Normalize(erc20Transfer(5_000_000))
	require.NoError(t, err)

	assert.Equal(t, "Transfer", ev.EventName)
	assert.True(t, ev.Decoded())
	assert.Equal(t, uint64(1), ev.ChainID)
	assert.Equal(t, uint64(19000000), ev.BlockNumber)
	assert.Equal(t, uint(3), ev.LogIndex)
	assert.Equal(t, uint(7), ev.TxIndex)
	assert.Equal(t, tokenAddr, ev.Address)
	assert.Equal(t, int64(1700000000), ev.BlockTime.Unix())
	require.Len(t, ev.Fields, 3)
	assert.Equal(t, []string{"from", "to", "value"}, []string{ev.Fields[0].Name, ev.Fields[1].Name, ev.Fields[2].Name})

	from, ok := ev.AddressField("from")
	require.True(t, ok)
	assert.Equal(t, alice, from)

	value, ok := ev.Uint("value")
	require.True(t, ok)
	assert.Equal(t, int64(5_000_000), value.Int64())
}

func TestNormalizeERC721TransferPicksIndexedLayout(t *testing.T) {
	n := NewNormalizer(nil)
	raw := rawLog(tokenAddr, []common.Hash{
		TransferSig,
		common.BytesToHash(alice.Bytes()),
		common.BytesToHash(bob.Bytes()),
		common.BigToHash(big.NewInt(42)),
	}, nil)

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "Transfer", ev.EventName)

	id, ok := ev.Uint("tokenId")
	require.True(t, ok)
	assert.Equal(t, int64(42), id.Int64())
	_, ok = ev.Uint("value")
	assert.False(t, ok)
}

func TestNormalizeRoleGranted(t *testing.T) {
	n := NewNormalizer(nil)
	role := EventID("MINTER_ROLE")
	raw := rawLog(tokenAddr, []common.Hash{
		RoleGrantedSig, role,
		common.BytesToHash(alice.Bytes()),
		common.BytesToHash(bob.Bytes()),
	}, nil)

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "RoleGranted", ev.EventName)

	got, ok := ev.HashField("role")
	require.True(t, ok)
	assert.Equal(t, role, got)
}

func TestNormalizeUnknownEvent(t *testing.T) {
	n := NewNormalizer(nil)
	sig := EventID("SomethingElse(uint256)")
	raw := rawLog(tokenAddr, []common.Hash{sig}, word(1))

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, UnknownEvent, ev.EventName)
	assert.False(t, ev.Decoded())
	assert.Empty(t, ev.Fields)
	assert.Equal(t, sig, ev.Signature)
	assert.Equal(t, word(1), ev.Data)
}

func TestNormalizeTruncatedDataIsUnknown(t *testing.T) {
	n := NewNormalizer(nil)
	raw := erc20Transfer(1)
	raw.Data = "0x"

	ev, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, UnknownEvent, ev.EventName)
}

func TestNormalizeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*RawLog)
		field  string
	}{
		{"missing address", func(r *RawLog) { r.Address = "" }, "address"},
		{"bad address", func(r *RawLog) { r.Address = "0xnothex" }, "address"},
		{"missing log index", func(r *RawLog) { r.LogIndex = nil }, "logIndex"},
		{"missing block hash", func(r *RawLog) { r.BlockHash = "" }, "blockHash"},
		{"short tx hash", func(r *RawLog) { r.TxHash = "0x1234" }, "txHash"},
		{"no topics", func(r *RawLog) { r.Topics = nil }, "topics"},
		{"too many topics", func(r *RawLog) {
			r.Topics = append(r.Topics, r.Topics[0], r.Topics[0])
		}, "topics"},
		{"bad data", func(r *RawLog) { r.Data = "0xzz" }, "data"},
		{"missing chain id", func(r *RawLog) { r.ChainID = 0 }, "chainId"},
	}

	n := NewNormalizer(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := erc20Transfer(1)
			tt.modify(&raw)

			_, err := n.Normalize(raw)
			require.Error(t, err)

			var de *DecodeError
			require.True(t, errors.As(err, &de), "expected DecodeError, got %T", err)
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := NewNormalizer(nil)
	raw := erc20Transfer(123456789)

	first, err := n.Normalize(raw)
	require.NoError(t, err)
	second, err := n.Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestNormalizeConcurrent(t *testing.T) {
	n := NewNormalizer(nil)
	want, err := n.Normalize(erc20Transfer(77))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := n.Normalize(erc20Transfer(77))
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestCloneIsIndependent(t *testing.T) {
	ev, err := NewNormalizer(nil).Normalize(erc20Transfer(10))
	require.NoError(t, err)

	c := ev.Clone()
	c.Topics[0] = common.Hash{}
	v, _ := c.Uint("value")
	v.SetInt64(999)
	c.Fields[2].Value.(*big.Int).SetInt64(999)

	orig, _ := ev.Uint("value")
	assert.Equal(t, int64(10), orig.Int64())
	assert.Equal(t, TransferSig, ev.Topics[0])
}

func TestRawLogJSON(t *testing.T) {
	input := `{"chainId":"0x1","blockNumber":19000000,"blockHash":"` + blockHash.Hex() +
		`","txHash":"` + txHash.Hex() + `","logIndex":"0x0","address":"` + tokenAddr.Hex() +
		`","topics":["` + TransferSig.Hex() + `"],"data":"0x"}`

	var raw RawLog
	require.NoError(t, json.Unmarshal([]byte(input), &raw))
	assert.Equal(t, Quantity(1), raw.ChainID)
	assert.Equal(t, Quantity(19000000), raw.BlockNumber)
	require.NotNil(t, raw.LogIndex)
	assert.Equal(t, Quantity(0), *raw.LogIndex)
}

func TestFromEthLog(t *testing.T) {
	l := types.Log{
		Address:     tokenAddr,
		Topics:      []common.Hash{TransferSig, common.BytesToHash(alice.Bytes()), common.BytesToHash(bob.Bytes())},
		Data:        word(5),
		BlockNumber: 10,
		TxHash:      txHash,
		TxIndex:     2,
		BlockHash:   blockHash,
		Index:       9,
	}

	ev, err := NewNormalizer(nil).Normalize(FromEthLog(1, l, 1700000000))
	require.NoError(t, err)
	assert.Equal(t, uint(9), ev.LogIndex)
	assert.Equal(t, "Transfer", ev.EventName)
	assert.Equal(t, "1:"+blockHash.Hex()+":9", ev.ID())
}

func TestCatalogDeduplicatesLayouts(t *testing.T) {
	c := DefaultCatalog()
	before := c.Len()
	c.Merge(DefaultCatalog())
	assert.Equal(t, before, c.Len())
	assert.Len(t, c.Events(TransferSig), 2)
}
