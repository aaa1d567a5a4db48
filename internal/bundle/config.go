package bundle

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MaxGasBufferPercent caps the gas safety buffer.
const MaxGasBufferPercent = 100

type Config struct {
	ChainID            int64
	Router             common.Address
	Factory            common.Address
	GasBufferPercent   uint64
	BundleExpiry       time.Duration
	SwapDeadline       time.Duration
	MaxFeePerGasGwei   decimal.Decimal
	MaxPriorityFeeGwei decimal.Decimal
	StepMaxRetries     int
	GasEstimates       map[StepType]uint64
}

func DefaultGasEstimates() map[StepType]uint64 {
	return map[StepType]uint64{
		StepCreateToken:  2_500_000,
		StepAddLiquidity: 450_000,
		StepSwap:         200_000,
		StepApprove:      60_000,
		StepTransfer:     21_000,
		StepCustom:       300_000,
	}
}

func DefaultConfig() Config {
	return Config{
		ChainID:            10143,
		GasBufferPercent:   15,
		BundleExpiry:       30 * time.Minute,
		SwapDeadline:       5 * time.Minute,
		MaxFeePerGasGwei:   decimal.NewFromInt(100),
		MaxPriorityFeeGwei: decimal.NewFromInt(2),
		StepMaxRetries:     2,
		GasEstimates:       DefaultGasEstimates(),
	}
}

func (c Config) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("bundle: chain_id must be positive")
	}
	if c.GasBufferPercent > MaxGasBufferPercent {
		return fmt.Errorf("bundle: gas_buffer_percent %d exceeds maximum %d", c.GasBufferPercent, MaxGasBufferPercent)
	}
	if c.BundleExpiry <= 0 {
		return fmt.Errorf("bundle: bundle_expiry must be positive")
	}
	if c.SwapDeadline <= 0 {
		return fmt.Errorf("bundle: swap_deadline must be positive")
	}
	if !c.MaxFeePerGasGwei.IsPositive() {
		return fmt.Errorf("bundle: max_fee_per_gas_gwei must be positive")
	}
	if c.MaxPriorityFeeGwei.IsNegative() || c.MaxPriorityFeeGwei.GreaterThan(c.MaxFeePerGasGwei) {
		return fmt.Errorf("bundle: max_priority_fee_gwei must be within [0, max_fee_per_gas_gwei]")
	}
	if c.StepMaxRetries < 0 {
		return fmt.Errorf("bundle: step_max_retries must be >= 0")
	}
	for typ, gas := range c.GasEstimates {
		if gas == 0 {
			return fmt.Errorf("bundle: gas estimate for %s must be positive", typ)
		}
	}
	return nil
}

// WithBuffer inflates gas by percent: gas*(100+percent)/100.
func WithBuffer(gas, percent uint64) uint64 {
	return gas * (100 + percent) / 100
}
