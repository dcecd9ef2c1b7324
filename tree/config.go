package tree

import (
	"fmt"
)

// Room for the array header around a leaf's values.
const payloadOverhead = 64

// Thresholds controlling when the StreamBuilder seals leaves and branches.
//
// Larger values mean fewer, bigger blocks and shallower trees; smaller values
// mean cheaper incremental snapshots and finer grained pruning.
type Config struct {
	// seal a leaf once its encoded values reach this many bytes
	TargetLeafSize int
	// seal a leaf once it holds this many entries
	MaxLeafCount int
	// fan-out of branches directly above leaves
	MaxKeyBranches int
	// fan-out of all higher branches
	MaxSummaryBranches int
	// zstd compression level for node payloads (1 to 22)
	ZstdLevel int
	// reject single values larger than this. TargetLeafSize plus this must
	// stay within the 64 MiB a payload may decompress to.
	MaxUncompressedLeafSize int
}

func DefaultConfig() Config {
	return Config{
		TargetLeafSize:          1 << 14,
		MaxLeafCount:            1 << 16,
		MaxKeyBranches:          32,
		MaxSummaryBranches:      32,
		ZstdLevel:               10,
		MaxUncompressedLeafSize: 16 << 20,
	}
}

// Small thresholds, so that even tiny inputs produce multi-level trees. Meant
// for tests and debugging.
func DebugConfig() Config {
	return Config{
		TargetLeafSize:          10000,
		MaxLeafCount:            10,
		MaxKeyBranches:          4,
		MaxSummaryBranches:      4,
		ZstdLevel:               10,
		MaxUncompressedLeafSize: 16 << 20,
	}
}

// Same shape as DebugConfig, with the cheapest compression level.
func DebugFastConfig() Config {
	cfg := DebugConfig()
	cfg.ZstdLevel = 1
	return cfg
}

func (c Config) Validate() error {
	if c.TargetLeafSize < 1 {
		return fmt.Errorf("%w: TargetLeafSize must be positive", ErrInvalidConfig)
	}
	if c.MaxLeafCount < 1 {
		return fmt.Errorf("%w: MaxLeafCount must be positive", ErrInvalidConfig)
	}
	if c.MaxKeyBranches < 2 || c.MaxSummaryBranches < 2 {
		return fmt.Errorf("%w: branch fan-out must be at least 2", ErrInvalidConfig)
	}
	if c.ZstdLevel < 1 || c.ZstdLevel > 22 {
		return fmt.Errorf("%w: ZstdLevel out of range: %d", ErrInvalidConfig, c.ZstdLevel)
	}
	if c.MaxUncompressedLeafSize < c.TargetLeafSize {
		return fmt.Errorf("%w: MaxUncompressedLeafSize smaller than TargetLeafSize", ErrInvalidConfig)
	}
	// a leaf fills up to just under TargetLeafSize, then takes one more value
	limit := maxDecodedSize - payloadOverhead
	if c.MaxUncompressedLeafSize > limit || c.TargetLeafSize > limit-c.MaxUncompressedLeafSize {
		return fmt.Errorf("%w: TargetLeafSize plus MaxUncompressedLeafSize exceeds %d bytes", ErrInvalidConfig, limit)
	}
	return nil
}

// Number of pending children at the given level which get folded in to one
// branch at level+1.
func (c Config) branchFanout(childLevel int) int {
	if childLevel == 0 {
		return c.MaxKeyBranches
	}
	return c.MaxSummaryBranches
}
