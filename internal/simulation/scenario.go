package simulation

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/launchguard/launchguard/internal/bundle"
	"github.com/launchguard/launchguard/internal/units"
)

// StepScript scripts the outcome of one step in a ScenarioBackend.
type StepScript struct {
	// RevertReason is reported for every failing attempt.
	RevertReason string
	// FailuresBeforeSuccess makes the first N attempts revert.
	FailuresBeforeSuccess int
	// AlwaysFail reverts every attempt.
	AlwaysFail bool
	GasUsed    uint64
	// AmountOut overrides the realized swap output.
	AmountOut *big.Int
	// SlippagePct degrades the realized swap output relative to the quote.
	SlippagePct float64
	// ExtraDiffs are appended to the derived diffs.
	ExtraDiffs []StateDiff
}

// ScenarioBackend is a scripted chain used for dry runs and tests. Steps
// succeed by default, consume their estimated gas and move the value and
// swap amounts they declare.
type ScenarioBackend struct {
	mu      sync.Mutex
	head    BlockRef
	scripts map[string]StepScript
	price   *decimal.Decimal
	headErr error
	calls   map[string]int
}

func NewScenarioBackend(head BlockRef) *ScenarioBackend {
	return &ScenarioBackend{head: head, scripts: map[string]StepScript{}, calls: map[string]int{}}
}

func (s *ScenarioBackend) Name() string { return "scenario" }

func (s *ScenarioBackend) Head(context.Context) (BlockRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headErr != nil {
		return BlockRef{}, s.headErr
	}
	return s.head, nil
}

func (s *ScenarioBackend) SetHead(head BlockRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = head
}

// AdvanceBlocks moves the head forward n blocks at the given block time.
func (s *ScenarioBackend) AdvanceBlocks(n uint64, blockTime time.Duration) BlockRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head.Number += n
	s.head.Timestamp = s.head.Timestamp.Add(time.Duration(n) * blockTime)
	return s.head
}

func (s *ScenarioBackend) FailHead(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headErr = err
}

func (s *ScenarioBackend) Script(stepID string, script StepScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[stepID] = script
}

// SetSpotPrice sets the MON-per-token price quoted for swaps without a
// quote of their own.
func (s *ScenarioBackend) SetSpotPrice(price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = &price
}

// Calls reports how many times a step was called across all sessions.
func (s *ScenarioBackend) Calls(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stepID]
}

func (s *ScenarioBackend) Prepare(_ context.Context, _ BlockRef, _ bundle.Bundle, wallet common.Address) (Session, error) {
	return &scenarioSession{backend: s, wallet: wallet}, nil
}

type scenarioSession struct {
	backend   *ScenarioBackend
	wallet    common.Address
	committed []string
}

func (ss *scenarioSession) Call(_ context.Context, step bundle.Step, attempt int) (CallResult, error) {
	s := ss.backend
	s.mu.Lock()
	s.calls[step.ID]++
	script := s.scripts[step.ID]
	spot := s.price
	s.mu.Unlock()

	gas := script.GasUsed
	if gas == 0 {
		gas = step.EstimatedGas
	}
	if script.AlwaysFail || attempt <= script.FailuresBeforeSuccess {
		reason := script.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		return CallResult{Success: false, RevertReason: reason, GasUsed: gas}, nil
	}

	res := CallResult{Success: true, GasUsed: gas}
	acc := newDiffAccumulator()
	if step.ValueWei != nil && step.ValueWei.Sign() > 0 {
		acc.addMon(ss.wallet, new(big.Int).Neg(step.ValueWei))
		acc.addMon(step.Target, step.ValueWei)
	}
	if step.Swap != nil {
		price := step.Swap.ExpectedPrice
		if price == nil {
			price = spot
			res.QuotedPrice = spot
		}
		out := script.AmountOut
		if out == nil && price != nil && price.IsPositive() {
			out = quoteOut(*step.Swap, *price, script.SlippagePct)
		}
		if out != nil {
			res.AmountOut = new(big.Int).Set(out)
			switch step.Swap.Direction {
			case bundle.SwapBuy:
				acc.addToken(ss.wallet, step.Swap.Token, out)
			case bundle.SwapSell:
				acc.addToken(ss.wallet, step.Swap.Token, new(big.Int).Neg(step.Swap.AmountIn))
				acc.addMon(ss.wallet, out)
			}
		}
	}
	res.Diffs = append(acc.result(), script.ExtraDiffs...)
	return res, nil
}

func (ss *scenarioSession) Commit(step bundle.Step, _ CallResult) {
	ss.committed = append(ss.committed, step.ID)
}

// quoteOut returns the swap output at price, reduced by slippagePct.
func quoteOut(swap bundle.SwapInfo, price decimal.Decimal, slippagePct float64) *big.Int {
	keep := decimal.NewFromInt(100).Sub(decimal.NewFromFloat(slippagePct)).Div(decimal.NewFromInt(100))
	var out decimal.Decimal
	switch swap.Direction {
	case bundle.SwapBuy:
		out = units.WeiToMon(swap.AmountIn).Div(price).Shift(bundle.TokenDecimals)
	case bundle.SwapSell:
		out = units.FromBaseUnits(swap.AmountIn, bundle.TokenDecimals).Mul(price).Shift(units.MonDecimals)
	default:
		return nil
	}
	return out.Mul(keep).Floor().BigInt()
}
