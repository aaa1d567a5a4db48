package constraints

import (
	"fmt"
	"time"

	"github.com/launchguard/launchguard/internal/bundle"
	"github.com/launchguard/launchguard/internal/simulation"
	"github.com/launchguard/launchguard/internal/units"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity prevents execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

type ViolationType string

const (
	ViolationSlippageExceeded   ViolationType = "slippage_exceeded"
	ViolationBudgetExceeded     ViolationType = "budget_exceeded"
	ViolationRiskTooHigh        ViolationType = "risk_too_high"
	ViolationGasPriceTooHigh    ViolationType = "gas_price_too_high"
	ViolationSimulationStale    ViolationType = "simulation_stale"
	ViolationSimulationFailed   ViolationType = "simulation_failed"
	ViolationSimulationMismatch ViolationType = "simulation_mismatch"
	ViolationBundleExpired      ViolationType = "bundle_expired"
)

type Violation struct {
	Type     ViolationType `json:"type"`
	Message  string        `json:"message"`
	Actual   string        `json:"actual"`
	Limit    string        `json:"limit"`
	Severity Severity      `json:"severity"`
}

type Result struct {
	Passed          bool        `json:"passed"`
	Violations      []Violation `json:"violations"`
	BlockingReasons []string    `json:"blocking_reasons"`
	Warnings        []string    `json:"warnings"`
}

// Enforcer evaluates a simulated bundle against fixed constraints. It holds
// no mutable state, so one enforcer serves every pass over a plan.
type Enforcer struct {
	limits Constraints
}

func NewEnforcer(limits Constraints) (*Enforcer, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Enforcer{limits: limits}, nil
}

func (e *Enforcer) Constraints() Constraints { return e.limits }

// EnforceAll runs every check without short-circuiting. currentBlock may be
// nil when the chain height is unknown, in which case the staleness check is
// skipped. Expiry is judged at the evaluation time at, so identical inputs
// always give the same result.
func (e *Enforcer) EnforceAll(b bundle.Bundle, r simulation.Receipt, riskScore float64, currentBlock *uint64, at time.Time) Result {
	var vs []Violation

	if !r.SlippageCheck.Passed {
		vs = append(vs, Violation{
			Type:     ViolationSlippageExceeded,
			Message:  fmt.Sprintf("simulated slippage %.4f%% exceeds %.4f%% by %.4f%%", r.SlippageCheck.ActualPct, r.SlippageCheck.MaxPct, r.SlippageCheck.BreachPct),
			Actual:   fmt.Sprintf("%.4f", r.SlippageCheck.ActualPct),
			Limit:    fmt.Sprintf("%.4f", r.SlippageCheck.MaxPct),
			Severity: SeverityCritical,
		})
	}

	if b.MaxCostMon.GreaterThan(e.limits.MaxBudgetMon) {
		vs = append(vs, Violation{
			Type:     ViolationBudgetExceeded,
			Message:  fmt.Sprintf("maximum cost %s MON exceeds budget %s MON", b.MaxCostMon.String(), e.limits.MaxBudgetMon.String()),
			Actual:   b.MaxCostMon.String(),
			Limit:    e.limits.MaxBudgetMon.String(),
			Severity: SeverityCritical,
		})
	}

	if riskScore > e.limits.MaxRiskScore {
		vs = append(vs, Violation{
			Type:     ViolationRiskTooHigh,
			Message:  fmt.Sprintf("risk score %.2f exceeds %.2f", riskScore, e.limits.MaxRiskScore),
			Actual:   fmt.Sprintf("%.4f", riskScore),
			Limit:    fmt.Sprintf("%.4f", e.limits.MaxRiskScore),
			Severity: SeverityError,
		})
	}

	gasPrice := units.WeiToGwei(b.MaxFeePerGasWei)
	if gasPrice.GreaterThan(e.limits.MaxGasPriceGwei) {
		vs = append(vs, Violation{
			Type:     ViolationGasPriceTooHigh,
			Message:  fmt.Sprintf("max fee per gas %s gwei exceeds %s gwei", gasPrice.String(), e.limits.MaxGasPriceGwei.String()),
			Actual:   gasPrice.String(),
			Limit:    e.limits.MaxGasPriceGwei.String(),
			Severity: SeverityError,
		})
	}

	if currentBlock != nil && *currentBlock > r.BlockNumber && *currentBlock-r.BlockNumber > e.limits.StaleSimulationBlocks {
		behind := *currentBlock - r.BlockNumber
		vs = append(vs, Violation{
			Type:     ViolationSimulationStale,
			Message:  fmt.Sprintf("simulation at block %d is %d blocks behind %d", r.BlockNumber, behind, *currentBlock),
			Actual:   fmt.Sprintf("%d", behind),
			Limit:    fmt.Sprintf("%d", e.limits.StaleSimulationBlocks),
			Severity: SeverityError,
		})
	}

	if !r.Success {
		msg := "bundle simulation failed"
		if r.Error != "" {
			msg += ": " + r.Error
		}
		vs = append(vs, Violation{
			Type:     ViolationSimulationFailed,
			Message:  msg,
			Actual:   "failed",
			Limit:    "success",
			Severity: SeverityCritical,
		})
	}

	if hash := b.Hash(); r.BundleID != b.ID || r.BundleHash != hash {
		vs = append(vs, Violation{
			Type:     ViolationSimulationMismatch,
			Message:  fmt.Sprintf("simulation %s does not cover bundle %s as generated", r.ID, b.ID),
			Actual:   r.BundleHash,
			Limit:    hash,
			Severity: SeverityCritical,
		})
	}

	if b.Expired(at) {
		vs = append(vs, Violation{
			Type:     ViolationBundleExpired,
			Message:  fmt.Sprintf("bundle expired at %s", b.ExpiresAt.UTC().Format(time.RFC3339)),
			Actual:   at.UTC().Format(time.RFC3339),
			Limit:    b.ExpiresAt.UTC().Format(time.RFC3339),
			Severity: SeverityError,
		})
	}

	return summarize(vs)
}

func summarize(vs []Violation) Result {
	res := Result{Passed: true, Violations: vs, BlockingReasons: []string{}, Warnings: []string{}}
	if res.Violations == nil {
		res.Violations = []Violation{}
	}
	for _, v := range vs {
		if v.Severity.Blocking() {
			res.Passed = false
			res.BlockingReasons = append(res.BlockingReasons, v.Message)
			continue
		}
		res.Warnings = append(res.Warnings, v.Message)
	}
	return res
}
