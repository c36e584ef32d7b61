// Package evm reads contract logs from an EVM JSON-RPC endpoint, either by
// subscription over a websocket or by polling block ranges over HTTP.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"chainwatch/internal/chainlog"
	"chainwatch/internal/metrics"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/redact"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Config holds log source configuration for one chain.
type Config struct {
	ChainID   uint64
	RPCURL    string
	Addresses []common.Address
	// PollInterval is the wait between head checks once polling has caught up,
	// and the delay before resubscribing after a dropped subscription.
	PollInterval time.Duration
	// BatchSize is the maximum number of blocks per eth_getLogs call.
	BatchSize uint64
	// Confirmations keeps polling this many blocks behind the head.
	Confirmations uint64
	// HeaderCache is the number of block timestamps kept in memory.
	HeaderCache int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChainID:      1,
		RPCURL:       "http://localhost:8545",
		PollInterval: 12 * time.Second, // ~1 Ethereum block
		BatchSize:    100,
		HeaderCache:  256,
	}
}

// Client is the subset of *ethclient.Client the source uses.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Poller is a pipeline.Source over one chain. It starts at the current head;
// history before that is never read. It is used from a single goroutine.
type Poller struct {
	client    Client
	config    Config
	logger    *slog.Logger
	subscribe bool
	chainName string

	headers       *lru.Cache[common.Hash, uint64]
	headerBackoff time.Duration

	// polling state
	started bool
	next    uint64
	pending []types.Log

	// subscription state
	sub  ethereum.Subscription
	logs chan types.Log
}

// Dial connects to cfg.RPCURL. ws:// and wss:// endpoints subscribe to logs;
// anything else polls.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Poller, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial %s: %w", redact.URL(cfg.RPCURL), redact.Error(err))
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("evm: query chain id: %w", err)
	}
	if chainID.Uint64() != cfg.ChainID {
		client.Close()
		return nil, nil, fmt.Errorf("evm: endpoint serves chain %s, configured chain is %d", chainID, cfg.ChainID)
	}

	return NewPoller(client, cfg, logger), client, nil
}

// NewPoller creates a source over client.
func NewPoller(client Client, cfg Config, logger *slog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.HeaderCache <= 0 {
		cfg.HeaderCache = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	subscribe := IsSubscriptionURL(cfg.RPCURL)
	mode := "poll"
	if subscribe {
		mode = "subscribe"
	}

	return &Poller{
		client:    client,
		config:    cfg,
		logger:    logger.With("component", "evm-source", "chain_id", cfg.ChainID, "mode", mode),
		subscribe: subscribe,
		chainName: strconv.FormatUint(cfg.ChainID, 10),
		headers:   lru.NewCache[common.Hash, uint64](cfg.HeaderCache),

		headerBackoff: 250 * time.Millisecond,
	}
}

// IsSubscriptionURL reports whether url supports eth_subscribe.
func IsSubscriptionURL(url string) bool {
	u := strings.ToLower(url)
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

// Next returns the next log. RPC failures are logged and retried after
// PollInterval; Next only fails when ctx ends.
func (p *Poller) Next(ctx context.Context) (pipeline.Delivery, error) {
	if p.subscribe {
		return p.nextSubscribed(ctx)
	}

	for len(p.pending) == 0 {
		if err := p.poll(ctx); err != nil {
			return pipeline.Delivery{}, err
		}
	}
	l := p.pending[0]
	p.pending = p.pending[1:]
	return p.deliver(ctx, l), nil
}

func (p *Poller) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{Addresses: p.config.Addresses}
}

// poll fetches the next block range, or waits when there is none yet.
func (p *Poller) poll(ctx context.Context) error {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("failed to get block number", "error", err)
		return p.wait(ctx)
	}
	metrics.SourceHeadBlock.WithLabelValues(p.chainName).Set(float64(head))

	if head < p.config.Confirmations {
		return p.wait(ctx)
	}
	safe := head - p.config.Confirmations

	if !p.started {
		p.started = true
		p.next = safe
		p.logger.Info("EVM polling started", "start_block", safe, "head", head)
	}
	if safe < p.next {
		return p.wait(ctx)
	}

	from, to := p.next, min(p.next+p.config.BatchSize-1, safe)
	q := p.query()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	logs, err := p.client.FilterLogs(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("failed to get logs", "from_block", from, "to_block", to, "error", err)
		return p.wait(ctx)
	}

	p.pending = logs
	p.next = to + 1
	p.logger.Debug("EVM poll complete", "from_block", from, "to_block", to, "logs", len(logs))
	return nil
}

func (p *Poller) nextSubscribed(ctx context.Context) (pipeline.Delivery, error) {
	for {
		if p.sub == nil {
			p.logs = make(chan types.Log)
			sub, err := p.client.SubscribeFilterLogs(ctx, p.query(), p.logs)
			if err != nil {
				if ctx.Err() != nil {
					return pipeline.Delivery{}, ctx.Err()
				}
				p.logger.Warn("failed to subscribe to logs", "error", err)
				if err := p.wait(ctx); err != nil {
					return pipeline.Delivery{}, err
				}
				continue
			}
			p.sub = sub
			p.logger.Info("subscribed to logs", "addresses", len(p.config.Addresses))
		}

		select {
		case <-ctx.Done():
			return pipeline.Delivery{}, ctx.Err()
		case err := <-p.sub.Err():
			p.sub.Unsubscribe()
			p.sub = nil
			p.logger.Warn("log subscription dropped, resubscribing", "error", err)
			if err := p.wait(ctx); err != nil {
				return pipeline.Delivery{}, err
			}
		case l := <-p.logs:
			if l.BlockNumber > 0 {
				metrics.SourceHeadBlock.WithLabelValues(p.chainName).Set(float64(l.BlockNumber))
			}
			return p.deliver(ctx, l), nil
		}
	}
}

// headerAttempts bounds header fetches per log. A block whose header cannot be
// read is delivered without a timestamp rather than stalling the source.
const headerAttempts = 3

// deliver converts l, attaching its block timestamp. The header fetch is
// retried with backoff; if every attempt fails BlockTimestamp stays zero and
// alerts for the log are filed as undated.
func (p *Poller) deliver(ctx context.Context, l types.Log) pipeline.Delivery {
	ts, err := p.blockTime(ctx, l.BlockHash)
	if err != nil {
		metrics.SourceErrors.WithLabelValues("evm", "header").Inc()
		p.logger.Warn("failed to get block header, delivering log without timestamp",
			"block_number", l.BlockNumber,
			"block_hash", l.BlockHash.Hex(),
			"attempts", headerAttempts,
			"error", err,
		)
	}
	return pipeline.Delivery{Log: chainlog.FromEthLog(p.config.ChainID, l, ts)}
}

func (p *Poller) blockTime(ctx context.Context, hash common.Hash) (uint64, error) {
	if ts, ok := p.headers.Get(hash); ok {
		return ts, nil
	}

	backoff := p.headerBackoff
	var err error
	for attempt := 1; attempt <= headerAttempts; attempt++ {
		var header *types.Header
		header, err = p.client.HeaderByHash(ctx, hash)
		if err == nil && header == nil {
			err = errors.New("header not found")
		}
		if err == nil {
			p.headers.Add(hash, header.Time)
			return header.Time, nil
		}
		if attempt == headerAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return 0, err
}

func (p *Poller) wait(ctx context.Context) error {
	t := time.NewTimer(p.config.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close releases the subscription, if any.
func (p *Poller) Close() {
	if p.sub != nil {
		p.sub.Unsubscribe()
		p.sub = nil
	}
}
