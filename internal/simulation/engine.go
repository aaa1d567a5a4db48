package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/launchguard/launchguard/internal/bundle"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/logger"
	"github.com/launchguard/launchguard/internal/units"
)

// Simulator produces receipts for bundles.
type Simulator interface {
	Simulate(ctx context.Context, b bundle.Bundle, wallet common.Address, opts SimulateOptions) (Receipt, error)
	Head(ctx context.Context) (BlockRef, error)
}

// CallResult is the outcome of one step call. Reverts are reported through
// Success and RevertReason; a returned error means the backend itself failed.
type CallResult struct {
	Success      bool
	RevertReason string
	GasUsed      uint64
	Diffs        []StateDiff
	// AmountOut is the realized swap output: token base units for buys, wei
	// for sells.
	AmountOut *big.Int
	// QuotedPrice is the backend's pre-trade MON-per-token price, used when
	// the step carries no quote of its own.
	QuotedPrice *decimal.Decimal
}

// Backend runs calls against a pinned chain state.
type Backend interface {
	Name() string
	Head(ctx context.Context) (BlockRef, error)
	Prepare(ctx context.Context, head BlockRef, b bundle.Bundle, wallet common.Address) (Session, error)
}

// Session executes steps in order on top of previously committed steps.
type Session interface {
	Call(ctx context.Context, step bundle.Step, attempt int) (CallResult, error)
	Commit(step bundle.Step, res CallResult)
}

type SimulateOptions struct {
	// MaxSlippagePct overrides the bundle's own slippage limit.
	MaxSlippagePct *float64
}

type Options struct {
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

type Engine struct {
	backend Backend
	now     func() time.Time
	newID   func() string
	log     *slog.Logger
}

func NewEngine(backend Backend, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "sim_" + uuid.NewString() }
	}
	return &Engine{backend: backend, now: opts.Now, newID: opts.NewID, log: logger.OrDefault(opts.Logger)}
}

func (e *Engine) Head(ctx context.Context) (BlockRef, error) {
	return e.backend.Head(ctx)
}

func (e *Engine) Simulate(ctx context.Context, b bundle.Bundle, wallet common.Address, opts SimulateOptions) (Receipt, error) {
	if err := b.Validate(); err != nil {
		return Receipt{}, clierr.Wrap(clierr.CodeUsage, "invalid bundle", err)
	}
	head, err := e.backend.Head(ctx)
	if err != nil {
		return Receipt{}, clierr.Wrap(clierr.CodeUnavailable, "read chain head", err)
	}
	sess, err := e.backend.Prepare(ctx, head, b, wallet)
	if err != nil {
		return Receipt{}, clierr.Wrap(clierr.CodeSimulation, "prepare simulation", err)
	}

	r := Receipt{
		ID:             e.newID(),
		BundleID:       b.ID,
		BundleHash:     b.Hash(),
		Wallet:         wallet,
		Success:        true,
		BlockNumber:    head.Number,
		BlockTimestamp: head.Timestamp,
		SimulatedAt:    e.now().UTC(),
		Backend:        e.backend.Name(),
	}
	log := e.log.With("bundle_id", b.ID, "simulation_id", r.ID, "block", head.Number)

	succeeded := make(map[string]bool, len(b.Steps))
	diffs := newDiffAccumulator()
	quoted := map[string]*decimal.Decimal{}
	aborted := ""

	for _, step := range b.Steps {
		res := StepResult{StepID: step.ID, Index: step.Index}
		if aborted != "" {
			res.Skipped = true
			res.SkipReason = fmt.Sprintf("bundle aborted at step %s", aborted)
			r.Steps = append(r.Steps, res)
			continue
		}
		if dep, ok := unmetDependency(step, succeeded); ok {
			res.Skipped = true
			res.SkipReason = fmt.Sprintf("dependency %s did not succeed", dep)
			r.Steps = append(r.Steps, res)
			// Only a skip_and_continue step may be left out of a successful bundle.
			if step.FailureMode != bundle.FailSkipAndContinue {
				aborted = step.ID
				r.Success = false
				r.Error = fmt.Sprintf("step %s skipped: dependency %s did not succeed", step.ID, dep)
			}
			continue
		}

		maxAttempts := 1
		if step.FailureMode == bundle.FailRetry {
			maxAttempts += step.MaxRetries
		}
		var call CallResult
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			call, err = sess.Call(ctx, step, attempt)
			if err != nil {
				code := clierr.CodeUnavailable
				if typed, ok := clierr.As(err); ok {
					code = typed.Code
				}
				return Receipt{}, clierr.Wrap(code, fmt.Sprintf("simulate step %s", step.ID), err)
			}
			res.Attempts = attempt
			res.GasUsed += call.GasUsed
			if call.Success {
				break
			}
			log.Debug("step reverted", "step_id", step.ID, "attempt", attempt, "reason", call.RevertReason)
		}
		res.Executed = true
		r.TotalGasUsed += res.GasUsed

		if call.Success {
			res.Success = true
			res.AmountOut = call.AmountOut
			res.StateDiffs = call.Diffs
			succeeded[step.ID] = true
			diffs.add(call.Diffs)
			sess.Commit(step, call)
			if call.QuotedPrice != nil {
				quoted[step.ID] = call.QuotedPrice
			}
			r.Steps = append(r.Steps, res)
			continue
		}

		res.RevertReason = call.RevertReason
		r.Steps = append(r.Steps, res)
		if step.FailureMode != bundle.FailSkipAndContinue {
			aborted = step.ID
			r.Success = false
			r.Error = fmt.Sprintf("step %s reverted: %s", step.ID, revertText(call.RevertReason))
		}
	}
	r.StateDiffs = diffs.result()

	maxPct := b.MaxSlippagePct
	if opts.MaxSlippagePct != nil {
		maxPct = *opts.MaxSlippagePct
	}
	r.SlippageCheck, r.PriceImpact = checkSlippage(b, r.Steps, quoted, maxPct)
	if !r.SlippageCheck.Passed {
		r.Success = false
		if r.Error == "" {
			r.Error = fmt.Sprintf("slippage %.4f%% exceeds limit %.4f%%", r.SlippageCheck.ActualPct, maxPct)
		}
	}
	log.Info("bundle simulated", "success", r.Success, "gas_used", r.TotalGasUsed, "slippage_pct", r.SlippageCheck.ActualPct)
	return r, nil
}

func unmetDependency(step bundle.Step, succeeded map[string]bool) (string, bool) {
	for _, dep := range step.DependsOn {
		if !succeeded[dep] {
			return dep, true
		}
	}
	return "", false
}

func revertText(reason string) string {
	if reason == "" {
		return "execution reverted"
	}
	return reason
}

// checkSlippage measures every successful swap whose expected price is known
// and reports the worst one.
func checkSlippage(b bundle.Bundle, results []StepResult, quoted map[string]*decimal.Decimal, maxPct float64) (SlippageCheck, *PriceImpact) {
	check := SlippageCheck{Passed: true, MaxPct: maxPct}
	var worst *PriceImpact
	for _, res := range results {
		if !res.Success || res.AmountOut == nil || res.AmountOut.Sign() <= 0 {
			continue
		}
		step, ok := b.Step(res.StepID)
		if !ok || step.Swap == nil {
			continue
		}
		expected := step.Swap.ExpectedPrice
		if expected == nil {
			expected = quoted[step.ID]
		}
		if expected == nil || !expected.IsPositive() {
			continue
		}
		realized, ok := realizedPrice(*step.Swap, res.AmountOut)
		if !ok {
			continue
		}
		pct := slippagePct(step.Swap.Direction, *expected, realized)
		check.Applicable = true
		if worst == nil || pct > worst.ImpactPct {
			worst = &PriceImpact{StepID: step.ID, ExpectedPrice: *expected, RealizedPrice: realized, ImpactPct: pct}
		}
	}
	if worst == nil {
		return check, nil
	}
	check.ActualPct = worst.ImpactPct
	if check.ActualPct > maxPct {
		check.Passed = false
		check.BreachPct = check.ActualPct - maxPct
	}
	return check, worst
}

// realizedPrice is MON per whole token for the executed swap.
func realizedPrice(swap bundle.SwapInfo, amountOut *big.Int) (decimal.Decimal, bool) {
	var mon, tokens decimal.Decimal
	switch swap.Direction {
	case bundle.SwapBuy:
		mon = units.WeiToMon(swap.AmountIn)
		tokens = units.FromBaseUnits(amountOut, bundle.TokenDecimals)
	case bundle.SwapSell:
		mon = units.WeiToMon(amountOut)
		tokens = units.FromBaseUnits(swap.AmountIn, bundle.TokenDecimals)
	default:
		return decimal.Zero, false
	}
	if !tokens.IsPositive() {
		return decimal.Zero, false
	}
	return mon.Div(tokens), true
}

// slippagePct is the unfavourable price movement in percent; favourable
// movement counts as zero.
func slippagePct(dir bundle.SwapDirection, expected, realized decimal.Decimal) float64 {
	var moved decimal.Decimal
	if dir == bundle.SwapBuy {
		moved = realized.Sub(expected)
	} else {
		moved = expected.Sub(realized)
	}
	if !moved.IsPositive() {
		return 0
	}
	pct, _ := moved.Div(expected).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
