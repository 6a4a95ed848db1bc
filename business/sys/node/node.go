// Package node provides access to a remote Ethereum node over JSON-RPC.
// Responses that are persisted downstream are kept verbatim as raw JSON.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/rylaix/mevguard/foundation/retry"
)

// stateDiff is the only trace type the collector asks for.
var traceTypes = []string{"stateDiff"}

// Config declares the retry and pacing behavior for node access.
type Config struct {
	MaxRetries     int           // Attempts for rate-limited calls.
	InitialDelay   time.Duration // Backoff after the first 429.
	Exponential    bool          // Double the backoff on each 429.
	EnableRetry    bool          // Disable to fail fast on 429.
	CallsPerMinute int           // Pacing applied across all calls.
}

// Client manages a connection to an Ethereum node.
type Client struct {
	rpc   *rpc.Client
	cfg   Config
	pace  time.Duration
	mu    sync.Mutex
	next  time.Time
	sleep func(context.Context, time.Duration) error
}

// Dial connects to the node found at the specified RPC URL.
func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	if url == "" {
		return nil, errors.New("node rpc url is empty")
	}

	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing node: %w", err)
	}

	var pace time.Duration
	if cfg.CallsPerMinute > 0 {
		pace = time.Minute / time.Duration(cfg.CallsPerMinute)
	}

	return &Client{
		rpc:   rpcClient,
		cfg:   cfg,
		pace:  pace,
		sleep: sleepCtx,
	}, nil
}

// Close terminates the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// Block represents a block fetched from the node. Raw carries the node
// response verbatim for persistence.
type Block struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
	TxCount   int
	Raw       json.RawMessage
}

// BlockByNumber fetches the specified block with full transactions.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (Block, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
		return Block{}, fmt.Errorf("fetching block %d: %w", number, err)
	}

	if len(raw) == 0 || string(raw) == "null" {
		return Block{}, fmt.Errorf("block %d not found", number)
	}

	return parseBlock(raw)
}

// LatestBlockNumber returns the number of the most recent block known to
// the node.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var number hexutil.Uint64
	if err := c.call(ctx, &number, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("fetching latest block number: %w", err)
	}

	return uint64(number), nil
}

// BalanceAt returns the balance of the address at the specified block.
func (c *Client) BalanceAt(ctx context.Context, address common.Address, blockNumber uint64) (*big.Int, error) {
	var balance hexutil.Big
	if err := c.call(ctx, &balance, "eth_getBalance", address, hexutil.EncodeUint64(blockNumber)); err != nil {
		return nil, fmt.Errorf("fetching balance for %s: %w", address, err)
	}

	return balance.ToInt(), nil
}

// TransactionBlock returns the block number a transaction was included in.
// The second return reports whether the transaction is known and mined.
func (c *Client) TransactionBlock(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	var tx struct {
		BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	}

	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return 0, false, fmt.Errorf("fetching transaction %s: %w", hash, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}

	if err := json.Unmarshal(raw, &tx); err != nil {
		return 0, false, fmt.Errorf("decoding transaction %s: %w", hash, err)
	}
	if tx.BlockNumber == nil {
		return 0, false, nil
	}

	return uint64(*tx.BlockNumber), true, nil
}

// TraceCall represents a single call object submitted to trace_callMany.
type TraceCall struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
}

// TraceCallMany simulates the calls in order against the latest state and
// returns one raw trace result per call.
func (c *Client) TraceCallMany(ctx context.Context, calls []TraceCall) ([]json.RawMessage, error) {
	if len(calls) == 0 {
		return nil, errors.New("no calls to trace")
	}

	// The wire format pairs every call with its requested trace types.
	paired := make([][]any, len(calls))
	for i, call := range calls {
		paired[i] = []any{call, traceTypes}
	}

	var results []json.RawMessage
	if err := c.call(ctx, &results, "trace_callMany", paired, "latest"); err != nil {
		return nil, fmt.Errorf("trace_callMany: %w", err)
	}

	if len(results) != len(calls) {
		return nil, fmt.Errorf("trace_callMany: %d results for %d calls", len(results), len(calls))
	}

	return results, nil
}

// call performs a paced RPC call with the configured 429 retry behavior.
func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	policy := retry.Policy{
		MaxAttempts: c.cfg.MaxRetries,
		InitialWait: c.cfg.InitialDelay,
		Exponential: c.cfg.Exponential,
		Classify:    classify,
	}
	if !c.cfg.EnableRetry {
		policy.MaxAttempts = 1
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := c.throttle(ctx); err != nil {
			return err
		}
		return c.rpc.CallContext(ctx, result, method, args...)
	})
	if err != nil && rateLimited(err) {
		return fmt.Errorf("%w: %w", retry.ErrExhausted, err)
	}

	return err
}

// throttle enforces the configured minimum interval between calls.
func (c *Client) throttle(ctx context.Context) error {
	if c.pace <= 0 {
		return nil
	}

	c.mu.Lock()
	now := time.Now()
	wait := c.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	c.next = now.Add(wait + c.pace)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	return c.sleep(ctx, wait)
}

// classify retries rate-limit responses only; every other failure surfaces
// immediately.
func classify(err error) retry.Class {
	if rateLimited(err) {
		return retry.Retryable
	}
	return retry.Permanent
}

func rateLimited(err error) bool {
	var httpErr rpc.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

func parseBlock(raw json.RawMessage) (Block, error) {
	var header struct {
		Number       hexutil.Uint64    `json:"number"`
		Hash         common.Hash       `json:"hash"`
		Timestamp    hexutil.Uint64    `json:"timestamp"`
		Transactions []json.RawMessage `json:"transactions"`
	}

	if err := json.Unmarshal(raw, &header); err != nil {
		return Block{}, fmt.Errorf("decoding block header: %w", err)
	}

	return Block{
		Number:    uint64(header.Number),
		Hash:      header.Hash,
		Timestamp: uint64(header.Timestamp),
		TxCount:   len(header.Transactions),
		Raw:       raw,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
