// Package gather orchestrates a collection run: pull MEV bundles from the
// analytics service, fetch the matching blocks from the node, persist both
// to disk, and optionally simulate the most valuable bundles.
package gather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rylaix/mevguard/business/core/bundle"
	"github.com/rylaix/mevguard/business/core/simulate"
	"github.com/rylaix/mevguard/business/sys/node"
	"github.com/rylaix/mevguard/business/sys/publish"
	"github.com/rylaix/mevguard/business/sys/settings"
	"github.com/rylaix/mevguard/business/sys/storage"
	"github.com/rylaix/mevguard/business/sys/tracking"
	"github.com/rylaix/mevguard/foundation/alert"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrSQLMismatch is returned when the hosted query text differs from the
// local copy and validation is enabled. The run aborts so the two copies
// can be reconciled before inconsistent data is collected.
var ErrSQLMismatch = errors.New("hosted query sql differs from local copy")

// ErrNoBundles is returned when the bundles query came back empty and the
// configuration says to abort in that case.
var ErrNoBundles = errors.New("bundles query returned no rows")

// NodeClient declares the node access a run needs.
type NodeClient interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (node.Block, error)
}

// Analytics declares the analytics service access a run needs.
type Analytics interface {
	RunToCompletion(ctx context.Context, queryID int, params map[string]any, pollEvery time.Duration) ([]map[string]any, error)
	QuerySQL(ctx context.Context, queryID int) (string, error)
}

// Simulator declares the simulation support a run needs.
type Simulator interface {
	SimulateBundles(ctx context.Context, bundles []bundle.Bundle, blockNumber uint64) ([]simulate.Result, error)
	SimulateBackruns(ctx context.Context, txs []bundle.Transaction, blockNumber uint64) ([]simulate.Result, error)
	VerifyInclusion(ctx context.Context, blockNumber uint64, txHash string) (bool, error)
}

// Publisher declares the optional record mirroring a run performs.
type Publisher interface {
	Publish(ctx context.Context, kind string, blockNumber uint64, payload []byte) error
}

// Config holds the dependencies for a collection run. Simulator, Publisher,
// Alerts, and Events are optional.
type Config struct {
	Log       *zap.SugaredLogger
	Node      NodeClient
	Analytics Analytics
	Storage   *storage.Disk
	Tracking  *tracking.Store
	Simulator Simulator
	Publisher Publisher
	Alerts    *alert.Notifier
	Events    func(message string)
	Settings  settings.Settings
	QueryFile string
}

// Summary reports what a run accomplished.
type Summary struct {
	RunID     string
	Blocks    []uint64
	Bundles   int
	Simulated int
	Failed    int
}

// Core manages the collection workflow.
type Core struct {
	log *zap.SugaredLogger
	cfg Config
}

// New constructs a Core for running collections.
func New(cfg Config) *Core {
	return &Core{
		log: cfg.Log,
		cfg: cfg,
	}
}

// Run executes one full collection pass. Per-block failures are logged
// and alerted but do not abort the run; configuration and query-level
// failures do.
func (c *Core) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}
	stg := c.cfg.Settings

	c.log.Infow("collection run starting", "run", summary.RunID, "start", stg.StartBlock, "end", stg.EndBlock)

	if stg.ValidateSQL {
		if err := c.validateSQL(ctx, stg.BundlesQueryID); err != nil {
			return summary, err
		}
	}

	params := map[string]any{
		"start_block": stg.StartBlock,
		"end_block":   stg.EndBlock,
	}
	rows, err := c.cfg.Analytics.RunToCompletion(ctx, stg.BundlesQueryID, params, stg.PollInterval())
	if err != nil {
		return summary, fmt.Errorf("running bundles query %d: %w", stg.BundlesQueryID, err)
	}

	bundles := bundle.FromRows(rows)
	summary.Bundles = len(bundles)
	c.log.Infow("bundles fetched", "run", summary.RunID, "count", len(bundles))

	if len(bundles) == 0 && stg.AbortOnEmptyQuery {
		return summary, ErrNoBundles
	}

	head, err := c.cfg.Node.LatestBlockNumber(ctx)
	if err != nil {
		return summary, fmt.Errorf("fetching chain head: %w", err)
	}
	if stg.EndBlock > head {
		c.log.Warnw("end block is past the chain head", "end", stg.EndBlock, "head", head)
	}

	blocks, err := c.planBlocks()
	if err != nil {
		return summary, err
	}
	summary.Blocks = blocks
	c.event("run %s: collecting %d blocks", summary.RunID, len(blocks))

	failed, err := c.collectBlocks(ctx, blocks, bundles)
	if err != nil {
		return summary, err
	}
	summary.Failed = failed

	if stg.Simulation.Enabled && c.cfg.Simulator != nil {
		selected := bundle.SelectTop(bundles, stg.Simulation.MaxSelectedBundles)
		c.log.Infow("bundles selected for simulation", "run", summary.RunID, "selected", len(selected))

		simulated, err := c.simulateBlocks(ctx, blocks, selected)
		if err != nil {
			return summary, err
		}
		summary.Simulated = simulated
	}

	c.log.Infow("collection run complete", "run", summary.RunID, "blocks", len(blocks), "failed", summary.Failed)
	return summary, nil
}

// Start runs the starter query that identifies the most recent block worth
// collecting and persists its rows as the seed block file. It returns the
// block number and the number of rows stored.
func (c *Core) Start(ctx context.Context) (uint64, int, error) {
	queryID := c.cfg.Settings.StarterQueryID
	if queryID == 0 {
		return 0, 0, errors.New("no starter query configured")
	}

	rows, err := c.cfg.Analytics.RunToCompletion(ctx, queryID, nil, c.cfg.Settings.PollInterval())
	if err != nil {
		return 0, 0, fmt.Errorf("running starter query %d: %w", queryID, err)
	}
	if len(rows) == 0 {
		return 0, 0, errors.New("starter query returned no rows")
	}

	blockNumber := bundle.Wei(rows[0]["blockNumber"])
	if blockNumber.Sign() == 0 || !blockNumber.IsUint64() {
		return 0, 0, fmt.Errorf("starter query row has no usable blockNumber: %v", rows[0])
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, 0, fmt.Errorf("encoding starter rows: %w", err)
	}
	if err := c.cfg.Storage.WriteBlock(blockNumber.Uint64(), payload); err != nil {
		return 0, 0, fmt.Errorf("writing starter block: %w", err)
	}

	c.log.Infow("starter data stored", "block", blockNumber.Uint64(), "rows", len(rows))
	return blockNumber.Uint64(), len(rows), nil
}

// validateSQL compares the hosted query text against the local SQL file.
func (c *Core) validateSQL(ctx context.Context, queryID int) error {
	local, err := os.ReadFile(c.cfg.QueryFile)
	if err != nil {
		return fmt.Errorf("reading local query file: %w", err)
	}

	hosted, err := c.cfg.Analytics.QuerySQL(ctx, queryID)
	if err != nil {
		return fmt.Errorf("fetching sql for query %d: %w", queryID, err)
	}

	if strings.TrimSpace(hosted) != strings.TrimSpace(string(local)) {
		c.alert(ctx, fmt.Sprintf("query %d sql differs from %s, aborting run", queryID, c.cfg.QueryFile))
		return fmt.Errorf("query %d: %w", queryID, ErrSQLMismatch)
	}

	c.log.Infow("hosted sql matches local copy", "query", queryID)
	return nil
}

// planBlocks resolves the block range for this run, resuming after the
// latest tracked block when one exists.
func (c *Core) planBlocks() ([]uint64, error) {
	stg := c.cfg.Settings

	start := stg.StartBlock
	if latest, ok, err := c.cfg.Tracking.LatestBlock(); err != nil {
		return nil, fmt.Errorf("reading latest tracked block: %w", err)
	} else if ok {
		start = latest + 1
	}

	if start > stg.EndBlock {
		return nil, fmt.Errorf("resume block %d is past end block %d", start, stg.EndBlock)
	}

	end := stg.EndBlock
	if !stg.NumBlocks.All {
		if capped := start + uint64(stg.NumBlocks.Count) - 1; capped < end {
			end = capped
		}
	}

	blocks := make([]uint64, 0, end-start+1)
	for n := start; n <= end; n++ {
		blocks = append(blocks, n)
	}

	return blocks, nil
}

// collectBlocks fetches and persists the planned blocks, fanning out when
// parallel fetching is enabled. It returns the number of failed blocks.
func (c *Core) collectBlocks(ctx context.Context, blocks []uint64, bundles []bundle.Bundle) (int, error) {
	limit := 1
	if c.cfg.Settings.Performance.UseParallelFetch {
		limit = c.cfg.Settings.Performance.MaxProcs
		if limit < 1 {
			limit = runtime.NumCPU()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	failures := make(chan uint64, len(blocks))

	for _, blockNumber := range blocks {
		g.Go(func() error {
			if err := c.collectBlock(gctx, blockNumber, bundles); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.log.Errorw("block collection failed", "block", blockNumber, "ERROR", err)
				c.alert(gctx, fmt.Sprintf("block %d collection failed: %v", blockNumber, err))
				failures <- blockNumber
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(failures)

	return len(failures), nil
}

// collectBlock fetches one block, persists it alongside its bundles, and
// records it as processed.
func (c *Core) collectBlock(ctx context.Context, blockNumber uint64, bundles []bundle.Bundle) error {
	block, err := c.cfg.Node.BlockByNumber(ctx, blockNumber)
	if err != nil {
		return fmt.Errorf("fetching block %d: %w", blockNumber, err)
	}

	if err := c.cfg.Storage.WriteBlock(blockNumber, block.Raw); err != nil {
		return fmt.Errorf("writing block %d: %w", blockNumber, err)
	}

	matched := bundle.ForBlock(bundles, blockNumber)
	rows := make([]map[string]any, len(matched))
	for i, b := range matched {
		row := make(map[string]any, len(b.Row))
		for k, v := range b.Row {
			row[k] = v
		}
		row["transactions"] = b.Transactions
		rows[i] = row
	}

	if err := c.cfg.Storage.WriteBundles(blockNumber, rows); err != nil {
		return fmt.Errorf("writing bundles for block %d: %w", blockNumber, err)
	}

	c.publish(ctx, publish.KindBlock, blockNumber, block.Raw)
	if payload, err := json.Marshal(rows); err == nil {
		c.publish(ctx, publish.KindBundles, blockNumber, payload)
	}

	if err := c.cfg.Tracking.RecordBlock(blockNumber, block.TxCount); err != nil {
		return fmt.Errorf("recording block %d: %w", blockNumber, err)
	}

	c.log.Infow("block collected", "block", blockNumber, "txs", block.TxCount, "bundles", len(matched))
	c.event("block %d collected with %d bundles", blockNumber, len(matched))
	return nil
}

// simulateBlocks runs the selected bundles through simulation block by
// block and verifies that simulated transactions actually landed on chain.
// It returns the number of simulation results produced.
func (c *Core) simulateBlocks(ctx context.Context, blocks []uint64, selected []bundle.Bundle) (int, error) {
	var total int

	for _, blockNumber := range blocks {
		matched := bundle.ForBlock(selected, blockNumber)
		if len(matched) == 0 {
			continue
		}

		results, err := c.cfg.Simulator.SimulateBundles(ctx, matched, blockNumber)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			c.log.Errorw("block simulation failed", "block", blockNumber, "ERROR", err)
			c.alert(ctx, fmt.Sprintf("block %d simulation failed: %v", blockNumber, err))
			continue
		}

		// The closing transaction of each bundle is re-simulated at
		// position p+1 to price it as a backrun.
		var closers []bundle.Transaction
		for _, b := range matched {
			if len(b.Transactions) > 0 {
				closers = append(closers, b.Transactions[len(b.Transactions)-1])
			}
		}
		if len(closers) > 0 {
			backruns, err := c.cfg.Simulator.SimulateBackruns(ctx, closers, blockNumber)
			if err != nil {
				if ctx.Err() != nil {
					return total, ctx.Err()
				}
				c.log.Errorw("backrun simulation failed", "block", blockNumber, "ERROR", err)
			} else {
				results = append(results, backruns...)
			}
		}

		if err := c.cfg.Storage.WriteSimulation(blockNumber, results); err != nil {
			return total, fmt.Errorf("writing simulation for block %d: %w", blockNumber, err)
		}
		if payload, err := json.Marshal(results); err == nil {
			c.publish(ctx, publish.KindSimulation, blockNumber, payload)
		}

		if err := c.cfg.Tracking.MarkBlockSimulated(blockNumber); err != nil {
			c.log.Errorw("marking block simulated", "block", blockNumber, "ERROR", err)
		}

		for _, res := range results {
			included, err := c.cfg.Simulator.VerifyInclusion(ctx, blockNumber, res.TransactionHash)
			if err != nil {
				c.log.Errorw("inclusion verification failed", "tx", res.TransactionHash, "ERROR", err)
				continue
			}
			if !included {
				c.log.Warnw("transaction not included in block", "tx", res.TransactionHash, "block", blockNumber)
			}
		}

		total += len(results)
		c.event("block %d simulated: %d results", blockNumber, len(results))
	}

	return total, nil
}

// publish mirrors a record to the configured topic when a publisher is set.
func (c *Core) publish(ctx context.Context, kind string, blockNumber uint64, payload []byte) {
	if c.cfg.Publisher == nil {
		return
	}
	if err := c.cfg.Publisher.Publish(ctx, kind, blockNumber, payload); err != nil {
		c.log.Errorw("publishing record", "kind", kind, "block", blockNumber, "ERROR", err)
	}
}

// alert sends a notification when alerting is configured.
func (c *Core) alert(ctx context.Context, message string) {
	if c.cfg.Alerts == nil || !c.cfg.Alerts.Enabled() {
		return
	}
	if err := c.cfg.Alerts.Send(ctx, message); err != nil {
		c.log.Errorw("sending alert", "ERROR", err)
	}
}

// event forwards a formatted message to the event stream when one is set.
func (c *Core) event(format string, args ...any) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events(fmt.Sprintf(format, args...))
}
