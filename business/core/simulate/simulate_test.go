package simulate_test

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rylaix/mevguard/business/core/bundle"
	"github.com/rylaix/mevguard/business/core/simulate"
	"github.com/rylaix/mevguard/business/sys/node"
	"github.com/rylaix/mevguard/business/sys/tracking"
	"go.uber.org/zap"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// fakeNode serves canned balances and traces to the simulator.
type fakeNode struct {
	balances map[string]*big.Int
	trace    json.RawMessage
	txBlock  uint64
	txMined  bool
	traced   int
}

func (f *fakeNode) BalanceAt(ctx context.Context, address common.Address, blockNumber uint64) (*big.Int, error) {
	if bal, ok := f.balances[address.Hex()]; ok {
		return bal, nil
	}
	return new(big.Int), nil
}

func (f *fakeNode) TraceCallMany(ctx context.Context, calls []node.TraceCall) ([]json.RawMessage, error) {
	f.traced += len(calls)
	out := make([]json.RawMessage, len(calls))
	for i := range out {
		out[i] = f.trace
	}
	return out, nil
}

func (f *fakeNode) TransactionBlock(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	return f.txBlock, f.txMined, nil
}

func newStore(t *testing.T) *tracking.Store {
	t.Helper()

	store, err := tracking.New(filepath.Join(t.TempDir(), "tracking.db"))
	if err != nil {
		t.Fatalf("\t%s\tShould be able to open the tracking store: %v.", failed, err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

const (
	funded   = "0x1111111111111111111111111111111111111111"
	unfunded = "0x2222222222222222222222222222222222222222"
)

func testBundle() bundle.Bundle {
	return bundle.Bundle{
		ID:          "b-1",
		BlockNumber: 100,
		Refund:      big.NewInt(1000),
		Transactions: []bundle.Transaction{
			{
				"hash":         "0xaaa",
				"from":         funded,
				"maxFeePerGas": "1000000000",
				"gasLimit":     "21000",
				"value":        "0",
			},
			{
				"hash":         "0xbbb",
				"from":         unfunded,
				"maxFeePerGas": "1000000000",
				"gasLimit":     "21000",
				"value":        "0",
			},
		},
	}
}

func TestSimulateBundles(t *testing.T) {
	t.Log("Given the need to simulate bundles and track their progress.")
	{
		t.Logf("\tTest 0:\tWhen one sender is funded and one is not.")
		{
			nc := &fakeNode{
				balances: map[string]*big.Int{
					common.HexToAddress(funded).Hex(): big.NewInt(1_000_000_000_000_000_000),
				},
				trace: json.RawMessage(`{"gas_used":1000,"effective_gas_price":10,"builder_reward":500}`),
			}
			store := newStore(t)
			sim := simulate.New(zap.NewNop().Sugar(), nc, store)

			results, err := sim.SimulateBundles(context.Background(), []bundle.Bundle{testBundle()}, 100)
			if err != nil {
				t.Fatalf("\t%s\tShould be able to simulate the bundle: %v.", failed, err)
			}
			t.Logf("\t%s\tShould be able to simulate the bundle.", success)

			if len(results) != 1 {
				t.Fatalf("\t%s\tShould produce one result for the funded tx: got %d.", failed, len(results))
			}
			t.Logf("\t%s\tShould produce one result for the funded tx.", success)

			// 90% of 1000*10 + 500 = 9450.
			if results[0].Refund.Cmp(big.NewInt(9450)) != 0 {
				t.Errorf("\t%s\tShould compute the 90%% refund: got %v.", failed, results[0].Refund)
			} else {
				t.Logf("\t%s\tShould compute the 90%% refund.", success)
			}

			if status, _, _ := store.TxStatus("0xbbb"); status != tracking.StatusInsufficientBalance {
				t.Errorf("\t%s\tShould mark the underfunded tx: got %q.", failed, status)
			} else {
				t.Logf("\t%s\tShould mark the underfunded tx.", success)
			}

			if status, _, _ := store.BundleStatus("b-1"); status != tracking.StatusProcessed {
				t.Errorf("\t%s\tShould mark the bundle processed: got %q.", failed, status)
			} else {
				t.Logf("\t%s\tShould mark the bundle processed.", success)
			}
		}

		t.Logf("\tTest 1:\tWhen the bundle was already processed.")
		{
			nc := &fakeNode{trace: json.RawMessage(`{}`)}
			store := newStore(t)
			if err := store.MarkBundle("b-1", 100, tracking.StatusProcessed); err != nil {
				t.Fatalf("\t%s\tShould be able to pre-mark the bundle: %v.", failed, err)
			}

			sim := simulate.New(zap.NewNop().Sugar(), nc, store)
			results, err := sim.SimulateBundles(context.Background(), []bundle.Bundle{testBundle()}, 100)
			if err != nil {
				t.Fatalf("\t%s\tShould not error on a processed bundle: %v.", failed, err)
			}
			if len(results) != 0 || nc.traced != 0 {
				t.Fatalf("\t%s\tShould skip processed bundles entirely: results %d, traces %d.", failed, len(results), nc.traced)
			}
			t.Logf("\t%s\tShould skip processed bundles entirely.", success)
		}
	}
}

func TestSimulateBackruns(t *testing.T) {
	t.Log("Given the need to simulate backrun transactions.")
	{
		t.Logf("\tTest 0:\tWhen a funded backrun is simulated.")
		{
			nc := &fakeNode{
				balances: map[string]*big.Int{
					common.HexToAddress(funded).Hex(): big.NewInt(1_000_000_000_000_000_000),
				},
				trace: json.RawMessage(`{"gas_used":100,"effective_gas_price":10}`),
			}
			store := newStore(t)
			sim := simulate.New(zap.NewNop().Sugar(), nc, store)

			txs := []bundle.Transaction{{
				"hash":         "0xccc",
				"from":         funded,
				"maxFeePerGas": "1",
				"gasLimit":     "1",
			}}

			results, err := sim.SimulateBackruns(context.Background(), txs, 100)
			if err != nil {
				t.Fatalf("\t%s\tShould be able to simulate the backrun: %v.", failed, err)
			}
			if len(results) != 1 || !results[0].Backrun {
				t.Fatalf("\t%s\tShould produce one backrun result: got %+v.", failed, results)
			}
			t.Logf("\t%s\tShould produce one backrun result.", success)

			if status, _, _ := store.TxStatus("0xccc"); status != tracking.StatusBackrunSimulated {
				t.Errorf("\t%s\tShould record the backrun status: got %q.", failed, status)
			} else {
				t.Logf("\t%s\tShould record the backrun status.", success)
			}
		}
	}
}

func TestVerifyInclusion(t *testing.T) {
	t.Log("Given the need to verify a transaction landed in its block.")
	{
		store := newStore(t)

		t.Logf("\tTest 0:\tWhen the transaction is mined in the expected block.")
		{
			sim := simulate.New(zap.NewNop().Sugar(), &fakeNode{txBlock: 100, txMined: true}, store)
			ok, err := sim.VerifyInclusion(context.Background(), 100, "0xaaa")
			if err != nil || !ok {
				t.Fatalf("\t%s\tShould confirm inclusion: ok %v, err %v.", failed, ok, err)
			}
			t.Logf("\t%s\tShould confirm inclusion.", success)
		}

		t.Logf("\tTest 1:\tWhen the transaction landed elsewhere or is pending.")
		{
			sim := simulate.New(zap.NewNop().Sugar(), &fakeNode{txBlock: 99, txMined: true}, store)
			if ok, _ := sim.VerifyInclusion(context.Background(), 100, "0xaaa"); ok {
				t.Fatalf("\t%s\tShould reject a transaction mined in another block.", failed)
			}
			t.Logf("\t%s\tShould reject a transaction mined in another block.", success)

			sim = simulate.New(zap.NewNop().Sugar(), &fakeNode{txMined: false}, store)
			if ok, _ := sim.VerifyInclusion(context.Background(), 100, "0xaaa"); ok {
				t.Fatalf("\t%s\tShould reject a pending transaction.", failed)
			}
			t.Logf("\t%s\tShould reject a pending transaction.", success)
		}
	}
}
