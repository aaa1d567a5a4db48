package constraints

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/launchguard/launchguard/internal/units"
)

// Constraints are the hard limits a plan must satisfy before execution.
type Constraints struct {
	MaxSlippagePct        float64         `json:"max_slippage_pct"`
	MaxBudgetMon          decimal.Decimal `json:"max_budget_mon"`
	MaxRiskScore          float64         `json:"max_risk_score"`
	MaxGasPriceGwei       decimal.Decimal `json:"max_gas_price_gwei"`
	MaxExecutionTime      time.Duration   `json:"max_execution_time"`
	RequireManualApproval bool            `json:"require_manual_approval"`
	StaleSimulationBlocks uint64          `json:"stale_simulation_blocks"`
}

func Default() Constraints {
	return Constraints{
		MaxSlippagePct:        5,
		MaxBudgetMon:          decimal.NewFromInt(1),
		MaxRiskScore:          0.7,
		MaxGasPriceGwei:       decimal.NewFromInt(200),
		MaxExecutionTime:      60 * time.Second,
		RequireManualApproval: true,
		StaleSimulationBlocks: 3,
	}
}

func (c Constraints) Validate() error {
	if c.MaxSlippagePct <= 0 || c.MaxSlippagePct >= 100 {
		return fmt.Errorf("constraints: max_slippage_pct must be within (0, 100)")
	}
	if !c.MaxBudgetMon.IsPositive() {
		return fmt.Errorf("constraints: max_budget_mon must be positive")
	}
	if c.MaxRiskScore < 0 || c.MaxRiskScore > 1 {
		return fmt.Errorf("constraints: max_risk_score must be within [0, 1]")
	}
	if !c.MaxGasPriceGwei.IsPositive() {
		return fmt.Errorf("constraints: max_gas_price_gwei must be positive")
	}
	if c.MaxExecutionTime <= 0 {
		return fmt.Errorf("constraints: max_execution_time must be positive")
	}
	if c.StaleSimulationBlocks == 0 {
		return fmt.Errorf("constraints: stale_simulation_blocks must be positive")
	}
	return nil
}

// MaxBudgetWei is MaxBudgetMon in wei, truncated to whole wei.
func (c Constraints) MaxBudgetWei() *big.Int {
	wei, err := units.MonToWei(c.MaxBudgetMon.Truncate(units.MonDecimals))
	if err != nil {
		return new(big.Int)
	}
	return wei
}

// Overrides replaces individual limits; nil fields keep the base value.
type Overrides struct {
	MaxSlippagePct        *float64         `json:"max_slippage_pct,omitempty"`
	MaxBudgetMon          *decimal.Decimal `json:"max_budget_mon,omitempty"`
	MaxRiskScore          *float64         `json:"max_risk_score,omitempty"`
	MaxGasPriceGwei       *decimal.Decimal `json:"max_gas_price_gwei,omitempty"`
	MaxExecutionTime      *time.Duration   `json:"max_execution_time,omitempty"`
	RequireManualApproval *bool            `json:"require_manual_approval,omitempty"`
	StaleSimulationBlocks *uint64          `json:"stale_simulation_blocks,omitempty"`
}

// Apply returns c with o merged in, rejecting the result if it is invalid.
func (c Constraints) Apply(o Overrides) (Constraints, error) {
	if o.MaxSlippagePct != nil {
		c.MaxSlippagePct = *o.MaxSlippagePct
	}
	if o.MaxBudgetMon != nil {
		c.MaxBudgetMon = *o.MaxBudgetMon
	}
	if o.MaxRiskScore != nil {
		c.MaxRiskScore = *o.MaxRiskScore
	}
	if o.MaxGasPriceGwei != nil {
		c.MaxGasPriceGwei = *o.MaxGasPriceGwei
	}
	if o.MaxExecutionTime != nil {
		c.MaxExecutionTime = *o.MaxExecutionTime
	}
	if o.RequireManualApproval != nil {
		c.RequireManualApproval = *o.RequireManualApproval
	}
	if o.StaleSimulationBlocks != nil {
		c.StaleSimulationBlocks = *o.StaleSimulationBlocks
	}
	if err := c.Validate(); err != nil {
		return Constraints{}, err
	}
	return c, nil
}
