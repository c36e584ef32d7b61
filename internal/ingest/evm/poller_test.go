package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var watched = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

type fakeClient struct {
	mu           sync.Mutex
	head         uint64
	headErr      error
	logs         map[uint64][]types.Log
	queries      []ethereum.FilterQuery
	headerCalls  int
	headerErrs   int
	sub          *fakeSub
	subscribeErr error
	subCh        chan<- types.Log
}

func (c *fakeClient) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		err := c.headErr
		c.headErr = nil
		return 0, err
	}
	return c.head, nil
}

func (c *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	var out []types.Log
	for n := q.FromBlock.Uint64(); n <= q.ToBlock.Uint64(); n++ {
		out = append(out, c.logs[n]...)
	}
	return out, nil
}

func (c *fakeClient) HeaderByHash(_ context.Context, hash common.Hash) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headerCalls++
	if c.headerErrs > 0 {
		c.headerErrs--
		return nil, errors.New("header unavailable")
	}
	return &types.Header{Number: big.NewInt(1), Time: 1700000000 + uint64(hash.Big().Int64()%100)}, nil
}

func (c *fakeClient) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		err := c.subscribeErr
		c.subscribeErr = nil
		return nil, err
	}
	c.sub = &fakeSub{errCh: make(chan error, 1)}
	c.subCh = ch
	return c.sub, nil
}

type fakeSub struct {
	errCh        chan error
	unsubscribed bool
}

func (s *fakeSub) Unsubscribe()      { s.unsubscribed = true }
func (s *fakeSub) Err() <-chan error { return s.errCh }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func logAt(block uint64, index uint) types.Log {
	return types.Log{
		Address:     watched,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000 + uint64(index)))),
		Index:       index,
		Topics:      []common.Hash{common.HexToHash("0x01")},
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.RPCURL = url
	cfg.PollInterval = time.Millisecond
	cfg.BatchSize = 2
	cfg.Addresses = []common.Address{watched}
	return cfg
}

func TestIsSubscriptionURL(t *testing.T) {
	assert.True(t, IsSubscriptionURL("ws://localhost:8546"))
	assert.True(t, IsSubscriptionURL("WSS://node.example"))
	assert.False(t, IsSubscriptionURL("http://localhost:8545"))
	assert.False(t, IsSubscriptionURL("https://node.example"))
}

func TestPollerStartsAtHeadAndPagesForward(t *testing.T) {
	client := &fakeClient{
		head: 100,
		logs: map[uint64][]types.Log{
			99:  {logAt(99, 0)},
			100: {logAt(100, 0), logAt(100, 1)},
			101: {logAt(101, 0)},
			102: {logAt(102, 0)},
		},
	}
	p := NewPoller(client, testConfig("http://localhost:8545"), testLogger())
	ctx := context.Background()

	d, err := p.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 100, d.Log.BlockNumber)
	assert.EqualValues(t, 0, *d.Log.LogIndex)
	assert.EqualValues(t, 1, d.Log.ChainID)
	assert.NotZero(t, d.Log.BlockTimestamp)

	d, err = p.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, *d.Log.LogIndex)
	// Both logs share block 100; the header is fetched once.
	assert.Equal(t, 1, client.headerCalls)

	client.mu.Lock()
	client.head = 103
	client.mu.Unlock()

	var blocks []uint64
	for i := 0; i < 2; i++ {
		d, err = p.Next(ctx)
		require.NoError(t, err)
		blocks = append(blocks, uint64(d.Log.BlockNumber))
	}
	assert.Equal(t, []uint64{101, 102}, blocks)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.GreaterOrEqual(t, len(client.queries), 2)
	assert.EqualValues(t, 100, client.queries[0].FromBlock.Uint64())
	assert.EqualValues(t, 100, client.queries[0].ToBlock.Uint64())
	assert.EqualValues(t, 101, client.queries[1].FromBlock.Uint64())
	assert.EqualValues(t, 102, client.queries[1].ToBlock.Uint64())
	assert.Equal(t, []common.Address{watched}, client.queries[0].Addresses)
}

func TestPollerHonorsConfirmations(t *testing.T) {
	client := &fakeClient{head: 50, logs: map[uint64][]types.Log{
		45: {logAt(45, 0)},
		50: {logAt(50, 0)},
	}}
	cfg := testConfig("http://localhost:8545")
	cfg.Confirmations = 5
	p := NewPoller(client, cfg, testLogger())

	d, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 45, d.Log.BlockNumber)
}

func TestPollerRetriesRPCErrors(t *testing.T) {
	client := &fakeClient{head: 10, headErr: errors.New("connection refused"), logs: map[uint64][]types.Log{
		10: {logAt(10, 3)},
	}}
	p := NewPoller(client, testConfig("http://localhost:8545"), testLogger())

	d, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, *d.Log.LogIndex)
}

func TestPollerStopsOnCancel(t *testing.T) {
	client := &fakeClient{head: 10}
	p := NewPoller(client, testConfig("http://localhost:8545"), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriptionDeliversAndResubscribes(t *testing.T) {
	client := &fakeClient{subscribeErr: errors.New("handshake failed")}
	p := NewPoller(client, testConfig("ws://localhost:8546"), testLogger())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		for {
			client.mu.Lock()
			ch, sub := client.subCh, client.sub
			client.mu.Unlock()
			if ch != nil {
				removed := logAt(7, 1)
				removed.Removed = true
				ch <- removed
				sub.errCh <- errors.New("connection reset")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	d, err := p.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, d.Log.BlockNumber)
	assert.True(t, d.Log.Removed)

	first := client.sub
	go func() {
		for {
			client.mu.Lock()
			sub, ch := client.sub, client.subCh
			client.mu.Unlock()
			if sub != first {
				ch <- logAt(8, 0)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	d, err = p.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8, d.Log.BlockNumber)
	assert.True(t, first.unsubscribed)
}

func TestPollerRetriesHeaderFetch(t *testing.T) {
	client := &fakeClient{head: 10, logs: map[uint64][]types.Log{10: {logAt(10, 0)}}, headerErrs: headerAttempts - 1}
	p := NewPoller(client, testConfig("http://node"), testLogger())
	p.headerBackoff = time.Millisecond

	d, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, d.Log.BlockTimestamp)
	assert.Equal(t, headerAttempts, client.headerCalls)
}

func TestPollerDeliversWithoutTimestampWhenHeaderFails(t *testing.T) {
	client := &fakeClient{head: 10, logs: map[uint64][]types.Log{10: {logAt(10, 0)}}, headerErrs: headerAttempts}
	p := NewPoller(client, testConfig("http://node"), testLogger())
	p.headerBackoff = time.Millisecond

	d, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Zero(t, d.Log.BlockTimestamp)
	assert.Equal(t, headerAttempts, client.headerCalls)
}
