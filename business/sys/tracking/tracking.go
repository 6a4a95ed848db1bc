// Package tracking maintains the local progress store: which blocks have
// been collected and which bundles and transactions have already been
// processed. It replaces ad hoc rescans of the data directory with a single
// embedded key/value file.
package tracking

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Set of bucket names.
var (
	blockBucket  = []byte("block_data")
	bundleBucket = []byte("processed_bundles")
	txBucket     = []byte("processed_transactions")
)

// Set of processing statuses recorded for bundles and transactions.
const (
	StatusSimulated           = "simulated"
	StatusProcessed           = "processed"
	StatusBackrunSimulated    = "backrun_simulated"
	StatusInsufficientBalance = "insufficient_balance"
)

// BlockRecord represents the tracking row for a collected block.
type BlockRecord struct {
	BlockNumber      uint64    `json:"block_number"`
	TransactionCount int       `json:"transaction_count"`
	Simulated        bool      `json:"is_simulated"`
	ProcessedAt      time.Time `json:"processed_at"`
}

// BundleRecord represents the tracking row for a processed bundle.
type BundleRecord struct {
	BundleID    string    `json:"bundle_id"`
	BlockNumber uint64    `json:"block_number"`
	Status      string    `json:"status"`
	ProcessedAt time.Time `json:"processed_at"`
}

// TxRecord represents the tracking row for a processed transaction.
type TxRecord struct {
	TxHash      string    `json:"tx_hash"`
	BundleID    string    `json:"bundle_id"`
	BlockNumber uint64    `json:"block_number"`
	Status      string    `json:"status"`
	Backrun     bool      `json:"is_backrun"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Stats summarizes the tracking store contents.
type Stats struct {
	Blocks       int
	Bundles      int
	Transactions int
}

// Store manages the embedded tracking database.
type Store struct {
	db *bbolt.DB
}

// New opens or creates the tracking database at the specified path and
// makes sure all buckets exist.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening tracking database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{blockBucket, bundleBucket, txBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordBlock marks the specified block as collected.
func (s *Store) RecordBlock(blockNumber uint64, txCount int) error {
	record := BlockRecord{
		BlockNumber:      blockNumber,
		TransactionCount: txCount,
		ProcessedAt:      time.Now().UTC(),
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(blockBucket).Put(blockKey(blockNumber), data)
	})
}

// MarkBlockSimulated flags a collected block as simulated.
func (s *Store) MarkBlockSimulated(blockNumber uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(blockBucket)

		data := bucket.Get(blockKey(blockNumber))
		if data == nil {
			return fmt.Errorf("block %d not tracked", blockNumber)
		}

		var record BlockRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		record.Simulated = true

		updated, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put(blockKey(blockNumber), updated)
	})
}

// LatestBlock returns the highest collected block number. The second return
// reports whether any block has been collected yet.
func (s *Store) LatestBlock() (uint64, bool, error) {
	var number uint64
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		key, _ := tx.Bucket(blockBucket).Cursor().Last()
		if key == nil {
			return nil
		}
		number = binary.BigEndian.Uint64(key)
		found = true
		return nil
	})

	return number, found, err
}

// MarkBundle records the processing status of a bundle. Marks are
// idempotent; the newest status wins.
func (s *Store) MarkBundle(bundleID string, blockNumber uint64, status string) error {
	record := BundleRecord{
		BundleID:    bundleID,
		BlockNumber: blockNumber,
		Status:      status,
		ProcessedAt: time.Now().UTC(),
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bundleBucket).Put([]byte(bundleID), data)
	})
}

// BundleStatus returns the recorded status of a bundle if one exists.
func (s *Store) BundleStatus(bundleID string) (string, bool, error) {
	var status string
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bundleBucket).Get([]byte(bundleID))
		if data == nil {
			return nil
		}

		var record BundleRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		status = record.Status
		found = true
		return nil
	})

	return status, found, err
}

// MarkTx records the processing status of a transaction. Marks are
// idempotent; the newest status wins.
func (s *Store) MarkTx(txHash string, bundleID string, blockNumber uint64, status string, backrun bool) error {
	record := TxRecord{
		TxHash:      txHash,
		BundleID:    bundleID,
		BlockNumber: blockNumber,
		Status:      status,
		Backrun:     backrun,
		ProcessedAt: time.Now().UTC(),
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(txBucket).Put([]byte(txHash), data)
	})
}

// TxStatus returns the recorded status of a transaction if one exists.
func (s *Store) TxStatus(txHash string) (string, bool, error) {
	var status string
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(txBucket).Get([]byte(txHash))
		if data == nil {
			return nil
		}

		var record TxRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		status = record.Status
		found = true
		return nil
	})

	return status, found, err
}

// Counts returns the number of rows in each bucket.
func (s *Store) Counts() (Stats, error) {
	var stats Stats

	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.Blocks = tx.Bucket(blockBucket).Stats().KeyN
		stats.Bundles = tx.Bucket(bundleBucket).Stats().KeyN
		stats.Transactions = tx.Bucket(txBucket).Stats().KeyN
		return nil
	})

	return stats, err
}

// Reset clears all tracking state.
func (s *Store) Reset() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{blockBucket, bundleBucket, txBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// blockKey encodes a block number so bucket keys sort numerically.
func blockKey(blockNumber uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, blockNumber)
	return key
}
