// Package storage implements the serialization of collected records into
// their own separate JSON files on disk. Each file corresponds to one fetch
// invocation.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Set of file name prefixes, one per record kind.
const (
	blockPrefix      = "block"
	bundlesPrefix    = "bundles"
	simulationPrefix = "simulation"
)

// Disk represents the data directory where collected records are written.
type Disk struct {
	dataDir string
	simDir  string
}

// NewDisk constructs a Disk value for use, creating the directories when
// they don't exist.
func NewDisk(dataDir string, simDir string) (*Disk, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(simDir, 0755); err != nil {
		return nil, err
	}

	return &Disk{dataDir: dataDir, simDir: simDir}, nil
}

// WriteBlock stores the verbatim node response for the specified block in a
// file labeled with the block number.
func (d *Disk) WriteBlock(blockNumber uint64, raw json.RawMessage) error {
	var indented bytes.Buffer
	if err := json.Indent(&indented, raw, "", "  "); err != nil {
		return fmt.Errorf("indenting block %d: %w", blockNumber, err)
	}

	return d.write(d.getPath(d.dataDir, blockPrefix, blockNumber), indented.Bytes())
}

// ReadBlock returns the stored node response for the specified block.
func (d *Disk) ReadBlock(blockNumber uint64) (json.RawMessage, error) {
	return os.ReadFile(d.getPath(d.dataDir, blockPrefix, blockNumber))
}

// WriteBundles stores the analytics rows associated with the specified
// block as they were produced by the query service.
func (d *Disk) WriteBundles(blockNumber uint64, rows []map[string]any) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundles for block %d: %w", blockNumber, err)
	}

	return d.write(d.getPath(d.dataDir, bundlesPrefix, blockNumber), data)
}

// ReadBundles returns the stored analytics rows for the specified block.
func (d *Disk) ReadBundles(blockNumber uint64) ([]map[string]any, error) {
	data, err := os.ReadFile(d.getPath(d.dataDir, bundlesPrefix, blockNumber))
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding bundles for block %d: %w", blockNumber, err)
	}

	return rows, nil
}

// WriteSimulation stores the simulation results for the specified block
// under the simulation output directory.
func (d *Disk) WriteSimulation(blockNumber uint64, results any) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling simulation for block %d: %w", blockNumber, err)
	}

	return d.write(d.getPath(d.simDir, simulationPrefix, blockNumber), data)
}

// BlockNumbers returns the sorted block numbers that have a block file in
// the data directory.
func (d *Disk) BlockNumbers() ([]uint64, error) {
	entries, err := os.ReadDir(d.dataDir)
	if err != nil {
		return nil, err
	}

	var numbers []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, blockPrefix+"_") || !strings.HasSuffix(name, ".json") {
			continue
		}

		number, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, blockPrefix+"_"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		numbers = append(numbers, number)
	}

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	return numbers, nil
}

// SimulatedBlockNumbers returns the sorted block numbers that already have
// a simulation results file.
func (d *Disk) SimulatedBlockNumbers() ([]uint64, error) {
	entries, err := os.ReadDir(d.simDir)
	if err != nil {
		return nil, err
	}

	var numbers []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, simulationPrefix+"_") || !strings.HasSuffix(name, ".json") {
			continue
		}

		number, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, simulationPrefix+"_"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		numbers = append(numbers, number)
	}

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	return numbers, nil
}

// write creates a new file for the record. An existing file for the same
// record is replaced, keeping one file per fetch invocation.
func (d *Disk) write(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}

	return nil
}

// getPath forms the path to the specified record file.
func (d *Disk) getPath(dir string, prefix string, blockNumber uint64) string {
	name := strconv.FormatUint(blockNumber, 10)
	return path.Join(dir, fmt.Sprintf("%s_%s.json", prefix, name))
}
