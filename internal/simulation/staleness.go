package simulation

import (
	"fmt"
	"time"
)

// StalenessPolicy decides when a receipt no longer reflects the chain.
type StalenessPolicy struct {
	MaxBlocks uint64        `json:"max_blocks"`
	BlockTime time.Duration `json:"block_time"`
}

func DefaultStalenessPolicy() StalenessPolicy {
	return StalenessPolicy{MaxBlocks: 3, BlockTime: 400 * time.Millisecond}
}

func (p StalenessPolicy) Validate() error {
	if p.MaxBlocks == 0 {
		return fmt.Errorf("staleness: max_blocks must be positive")
	}
	if p.BlockTime <= 0 {
		return fmt.Errorf("staleness: block_time must be positive")
	}
	return nil
}

// MaxAge is the wall-clock equivalent of MaxBlocks.
func (p StalenessPolicy) MaxAge() time.Duration {
	return time.Duration(p.MaxBlocks) * p.BlockTime
}

// IsStale reports whether more than MaxBlocks blocks were produced since the
// receipt's block.
func (p StalenessPolicy) IsStale(receiptBlock, currentBlock uint64) bool {
	if currentBlock <= receiptBlock {
		return false
	}
	return currentBlock-receiptBlock > p.MaxBlocks
}

// IsStaleAt is the time-based fallback used when no block height is known.
func (p StalenessPolicy) IsStaleAt(r Receipt, now time.Time) bool {
	return now.Sub(r.SimulatedAt) > p.MaxAge()
}

// Check applies IsStale when currentBlock is known and IsStaleAt otherwise.
func (p StalenessPolicy) Check(r Receipt, currentBlock *uint64, now time.Time) bool {
	if currentBlock != nil {
		return p.IsStale(r.BlockNumber, *currentBlock)
	}
	return p.IsStaleAt(r, now)
}
