// Package simulate re-executes MEV bundles against node state to compute
// the refund each backrun would owe under the 90% rebate rule.
package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rylaix/mevguard/business/core/bundle"
	"github.com/rylaix/mevguard/business/sys/node"
	"github.com/rylaix/mevguard/business/sys/tracking"
	"go.uber.org/zap"
)

// NodeClient declares the node access the simulator needs.
type NodeClient interface {
	BalanceAt(ctx context.Context, address common.Address, blockNumber uint64) (*big.Int, error)
	TraceCallMany(ctx context.Context, calls []node.TraceCall) ([]json.RawMessage, error)
	TransactionBlock(ctx context.Context, hash common.Hash) (uint64, bool, error)
}

// Result captures the outcome of simulating one transaction.
type Result struct {
	BundleID        string          `json:"bundleId"`
	TransactionHash string          `json:"transactionHash"`
	BlockNumber     uint64          `json:"blockNumber"`
	Backrun         bool            `json:"backrun,omitempty"`
	Trace           json.RawMessage `json:"trace"`
	Refund          *big.Int        `json:"refund"`
}

// Simulator runs bundle simulations and records progress in the tracking
// store so interrupted runs never re-simulate the same transactions.
type Simulator struct {
	log   *zap.SugaredLogger
	node  NodeClient
	store *tracking.Store
}

// New constructs a Simulator.
func New(log *zap.SugaredLogger, nc NodeClient, store *tracking.Store) *Simulator {
	return &Simulator{
		log:   log,
		node:  nc,
		store: store,
	}
}

// SimulateBundles simulates every unprocessed transaction in the given
// bundles. Transactions whose sender cannot cover maxFeePerGas*gasLimit+value
// are marked and skipped. Individual failures are logged and do not stop
// the remaining work.
func (s *Simulator) SimulateBundles(ctx context.Context, bundles []bundle.Bundle, blockNumber uint64) ([]Result, error) {
	var results []Result

	for _, b := range bundles {
		if _, known, err := s.store.BundleStatus(b.ID); err != nil {
			return nil, fmt.Errorf("checking bundle %s: %w", b.ID, err)
		} else if known {
			s.log.Debugw("skipping processed bundle", "bundle", b.ID)
			continue
		}

		if len(b.Transactions) == 0 {
			s.log.Infow("bundle has no transactions", "bundle", b.ID)
			continue
		}

		var newTxs bool
		for _, tx := range b.Transactions {
			res, ok, err := s.simulateTx(ctx, b.ID, tx, blockNumber, false)
			if err != nil {
				if ctx.Err() != nil {
					return results, ctx.Err()
				}
				s.log.Errorw("transaction simulation failed", "bundle", b.ID, "tx", tx.Hash(), "ERROR", err)
				continue
			}
			if !ok {
				continue
			}

			results = append(results, res)
			newTxs = true
		}

		if newTxs {
			if err := s.store.MarkBundle(b.ID, blockNumber, tracking.StatusProcessed); err != nil {
				return nil, fmt.Errorf("marking bundle %s: %w", b.ID, err)
			}
		}
	}

	s.log.Infow("bundle simulation complete", "block", blockNumber, "results", len(results))
	return results, nil
}

// SimulateBackruns simulates the given transactions as backruns placed
// directly after their bundle and records them with backrun status.
func (s *Simulator) SimulateBackruns(ctx context.Context, txs []bundle.Transaction, blockNumber uint64) ([]Result, error) {
	var results []Result

	for _, tx := range txs {
		res, ok, err := s.simulateTx(ctx, "backrun", tx, blockNumber, true)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			s.log.Errorw("backrun simulation failed", "tx", tx.Hash(), "ERROR", err)
			continue
		}
		if ok {
			results = append(results, res)
		}
	}

	return results, nil
}

// VerifyInclusion reports whether the transaction landed in the expected
// block on chain.
func (s *Simulator) VerifyInclusion(ctx context.Context, blockNumber uint64, txHash string) (bool, error) {
	minedIn, mined, err := s.node.TransactionBlock(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("verifying inclusion of %s: %w", txHash, err)
	}

	if !mined {
		return false, nil
	}
	if minedIn != blockNumber {
		s.log.Infow("transaction mined in a different block", "tx", txHash, "expected", blockNumber, "actual", minedIn)
		return false, nil
	}

	return true, nil
}

// simulateTx runs one transaction through trace_callMany. The ok return is
// false when the transaction was skipped (already processed, malformed, or
// underfunded) rather than failed.
func (s *Simulator) simulateTx(ctx context.Context, bundleID string, tx bundle.Transaction, blockNumber uint64, backrun bool) (Result, bool, error) {
	hash := tx.Hash()
	if hash == "" {
		s.log.Infow("skipping transaction without hash", "bundle", bundleID)
		return Result{}, false, nil
	}

	// Backruns re-simulate transactions that already ran inside their
	// bundle, so the processed check only applies to the bundle pass.
	if !backrun {
		if _, known, err := s.store.TxStatus(hash); err != nil {
			return Result{}, false, err
		} else if known {
			s.log.Debugw("skipping processed transaction", "tx", hash)
			return Result{}, false, nil
		}
	}

	from := tx.From()
	if !common.IsHexAddress(from) {
		s.log.Infow("skipping transaction without sender", "tx", hash)
		return Result{}, false, nil
	}

	balance, err := s.node.BalanceAt(ctx, common.HexToAddress(from), blockNumber)
	if err != nil {
		return Result{}, false, fmt.Errorf("fetching balance of %s: %w", from, err)
	}

	if required := tx.RequiredBalance(); balance.Cmp(required) < 0 {
		s.log.Infow("insufficient balance", "tx", hash, "balance", balance, "required", required)
		if err := s.store.MarkTx(hash, bundleID, blockNumber, tracking.StatusInsufficientBalance, backrun); err != nil {
			return Result{}, false, err
		}
		return Result{}, false, nil
	}

	traces, err := s.node.TraceCallMany(ctx, []node.TraceCall{buildTraceCall(tx)})
	if err != nil {
		return Result{}, false, err
	}

	refund := RefundFromTrace(traces[0], tx)

	status := tracking.StatusSimulated
	if backrun {
		status = tracking.StatusBackrunSimulated
	}
	if err := s.store.MarkTx(hash, bundleID, blockNumber, status, backrun); err != nil {
		return Result{}, false, err
	}

	res := Result{
		BundleID:        bundleID,
		TransactionHash: hash,
		BlockNumber:     blockNumber,
		Backrun:         backrun,
		Trace:           traces[0],
		Refund:          refund,
	}

	s.log.Infow("transaction simulated", "tx", hash, "refund", refund)
	return res, true, nil
}

// buildTraceCall maps the loose transaction fields onto the typed call
// object trace_callMany expects. Missing optional fields are omitted.
func buildTraceCall(tx bundle.Transaction) node.TraceCall {
	call := node.TraceCall{
		From: common.HexToAddress(tx.From()),
	}

	if to := tx.To(); common.IsHexAddress(to) {
		addr := common.HexToAddress(to)
		call.To = &addr
	}

	if gas := bundle.Wei(pick(tx, "gas", "gasLimit")); gas.Sign() > 0 && gas.IsUint64() {
		g := hexutil.Uint64(gas.Uint64())
		call.Gas = &g
	}
	if v := bundle.Wei(pick(tx, "gasPrice", "gas_price")); v.Sign() > 0 {
		call.GasPrice = (*hexutil.Big)(v)
	}
	if v := bundle.Wei(pick(tx, "maxFeePerGas", "max_fee_per_gas")); v.Sign() > 0 {
		call.MaxFeePerGas = (*hexutil.Big)(v)
	}
	if v := bundle.Wei(pick(tx, "maxPriorityFeePerGas", "max_priority_fee_per_gas")); v.Sign() > 0 {
		call.MaxPriorityFeePerGas = (*hexutil.Big)(v)
	}
	if v := bundle.Wei(tx["value"]); v.Sign() > 0 {
		call.Value = (*hexutil.Big)(v)
	}
	if nonce := bundle.Wei(tx["nonce"]); nonce.IsUint64() && nonce.Sign() > 0 {
		n := hexutil.Uint64(nonce.Uint64())
		call.Nonce = &n
	}

	if data, ok := pick(tx, "data", "input").(string); ok && data != "" {
		if raw, err := hexutil.Decode(data); err == nil {
			call.Data = raw
		}
	}

	chainID := bundle.Wei(tx["chainId"])
	if chainID.Sign() == 0 {
		chainID = big.NewInt(1)
	}
	call.ChainID = (*hexutil.Big)(chainID)

	return call
}

// RefundFromTrace computes the refund owed for one simulated transaction:
// 90% of gas cost plus builder reward, priority fee, and slippage
// protection. Fields are read from the trace result first and fall back
// to the transaction row.
func RefundFromTrace(trace json.RawMessage, tx bundle.Transaction) *big.Int {
	var fields map[string]any
	if err := json.Unmarshal(trace, &fields); err != nil {
		fields = map[string]any{}
	}

	lookup := func(keys ...string) *big.Int {
		for _, k := range keys {
			if v, ok := fields[k]; ok {
				return bundle.Wei(v)
			}
		}
		for _, k := range keys {
			if v, ok := tx[k]; ok {
				return bundle.Wei(v)
			}
		}
		return new(big.Int)
	}

	gasUsed := lookup("gas_used", "gasUsed")
	gasPrice := lookup("effective_gas_price", "effectiveGasPrice")

	total := new(big.Int).Mul(gasUsed, gasPrice)
	total.Add(total, lookup("builder_reward"))
	total.Add(total, lookup("priority_fee"))
	total.Add(total, lookup("slippage_protection"))

	return bundle.RefundShare(total)
}

// pick returns the first key present in the transaction.
func pick(tx bundle.Transaction, keys ...string) any {
	for _, k := range keys {
		if v, ok := tx[k]; ok {
			return v
		}
	}
	return nil
}
