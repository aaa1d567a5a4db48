package simulation

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launchguard/launchguard/internal/bundle"
	clierr "github.com/launchguard/launchguard/internal/errors"
)

var (
	simNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wallet    = common.HexToAddress("0x000000000000000000000000000000000000beef")
	router    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token     = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	startHead = BlockRef{Number: 1000, Timestamp: simNow}
)

func mon(s string) *big.Int {
	v, ok := new(big.Int).SetString(decimal.RequireFromString(s).Shift(18).String(), 10)
	if !ok {
		panic(s)
	}
	return v
}

func decimalPtr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func buyBundle(price *decimal.Decimal, maxSlippage float64) bundle.Bundle {
	amount := mon("0.4")
	return bundle.Bundle{
		ID:             "bndl_buy",
		Wallet:         wallet,
		MaxSlippagePct: maxSlippage,
		ExpiresAt:      simNow.Add(30 * time.Minute),
		Steps: []bundle.Step{{
			ID: "swap-buy", Index: 0, Type: bundle.StepSwap, Target: router, ValueWei: amount,
			EstimatedGas: 200_000, EstimatedGasWithBuffer: 230_000, FailureMode: bundle.FailAbortAll,
			Swap: &bundle.SwapInfo{Direction: bundle.SwapBuy, Token: token, AmountIn: amount, MinAmountOut: new(big.Int), ExpectedPrice: price},
		}},
	}
}

func threeStepBundle(modes ...bundle.FailureMode) bundle.Bundle {
	b := bundle.Bundle{ID: "bndl_three", Wallet: wallet, MaxSlippagePct: 5}
	ids := []string{"one", "two", "three"}
	for i, id := range ids {
		s := bundle.Step{ID: id, Index: i, Type: bundle.StepCustom, Target: router, ValueWei: new(big.Int), EstimatedGas: 100, EstimatedGasWithBuffer: 115, FailureMode: modes[i], MaxRetries: 2}
		b.Steps = append(b.Steps, s)
	}
	return b
}

func newEngine(backend Backend) *Engine {
	return NewEngine(backend, Options{
		Now:   func() time.Time { return simNow },
		NewID: func() string { return "sim_test" },
	})
}

func TestSimulateRecordsHeadAndDiffs(t *testing.T) {
	price := decimal.RequireFromString("0.001")
	backend := NewScenarioBackend(startHead)
	r, err := newEngine(backend).Simulate(context.Background(), buyBundle(&price, 5), wallet, SimulateOptions{})
	require.NoError(t, err)

	assert.True(t, r.Success)
	assert.Equal(t, uint64(1000), r.BlockNumber)
	assert.Equal(t, simNow, r.BlockTimestamp)
	assert.Equal(t, "scenario", r.Backend)
	assert.Equal(t, uint64(200_000), r.TotalGasUsed)
	assert.True(t, r.SlippageCheck.Applicable)
	assert.True(t, r.SlippageCheck.Passed)
	assert.Zero(t, r.SlippageCheck.ActualPct)

	var walletDiff *StateDiff
	for i := range r.StateDiffs {
		if r.StateDiffs[i].Address == wallet {
			walletDiff = &r.StateDiffs[i]
		}
	}
	require.NotNil(t, walletDiff)
	assert.Equal(t, new(big.Int).Neg(mon("0.4")).String(), walletDiff.MonDelta.String())
	require.Len(t, walletDiff.TokenDeltas, 1)
	assert.Equal(t, mon("400").String(), walletDiff.TokenDeltas[0].Delta.String())
}

func TestSlippageBreachFailsReceipt(t *testing.T) {
	price := decimal.RequireFromString("0.001")
	backend := NewScenarioBackend(startHead)
	backend.Script("swap-buy", StepScript{SlippagePct: 10})

	r, err := newEngine(backend).Simulate(context.Background(), buyBundle(&price, 5), wallet, SimulateOptions{})
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.False(t, r.SlippageCheck.Passed)
	assert.InDelta(t, 11.111, r.SlippageCheck.ActualPct, 0.01)
	assert.InDelta(t, 6.111, r.SlippageCheck.BreachPct, 0.01)
	require.NotNil(t, r.PriceImpact)
	assert.Equal(t, "swap-buy", r.PriceImpact.StepID)

	override := 20.0
	r, err = newEngine(backend).Simulate(context.Background(), buyBundle(&price, 5), wallet, SimulateOptions{MaxSlippagePct: &override})
	require.NoError(t, err)
	assert.True(t, r.SlippageCheck.Passed)
}

func TestSlippageUsesBackendQuoteWhenStepHasNone(t *testing.T) {
	backend := NewScenarioBackend(startHead)
	backend.SetSpotPrice(decimal.RequireFromString("0.002"))
	backend.Script("swap-buy", StepScript{AmountOut: mon("100")})

	r, err := newEngine(backend).Simulate(context.Background(), buyBundle(nil, 5), wallet, SimulateOptions{})
	require.NoError(t, err)
	// Paid 0.4 MON for 100 tokens: 0.004 against a 0.002 quote.
	assert.True(t, r.SlippageCheck.Applicable)
	assert.InDelta(t, 100.0, r.SlippageCheck.ActualPct, 1e-9)
	assert.False(t, r.Success)
}

func TestSlippageNotApplicableWithoutQuote(t *testing.T) {
	r, err := newEngine(NewScenarioBackend(startHead)).Simulate(context.Background(), buyBundle(nil, 5), wallet, SimulateOptions{})
	require.NoError(t, err)
	assert.False(t, r.SlippageCheck.Applicable)
	assert.True(t, r.SlippageCheck.Passed)
	assert.True(t, r.Success)
}

func TestAbortAllShortCircuits(t *testing.T) {
	backend := NewScenarioBackend(startHead)
	backend.Script("two", StepScript{AlwaysFail: true, RevertReason: "insufficient liquidity"})

	b := threeStepBundle(bundle.FailAbortAll, bundle.FailAbortAll, bundle.FailAbortAll)
	r, err := newEngine(backend).Simulate(context.Background(), b, wallet, SimulateOptions{})
	require.NoError(t, err)

	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "insufficient liquidity")
	assert.True(t, r.Steps[0].Success)
	assert.True(t, r.Steps[1].Executed)
	assert.False(t, r.Steps[1].Success)
	assert.True(t, r.Steps[2].Skipped)
	assert.False(t, r.Steps[2].Executed)
	assert.Equal(t, 0, backend.Calls("three"))
	assert.Equal(t, uint64(200), r.TotalGasUsed)
}

func TestSkipAndContinueSkipsDependents(t *testing.T) {
	backend := NewScenarioBackend(startHead)
	backend.Script("one", StepScript{AlwaysFail: true})

	b := threeStepBundle(bundle.FailSkipAndContinue, bundle.FailSkipAndContinue, bundle.FailAbortAll)
	b.Steps[1].DependsOn = []string{"one"}
	r, err := newEngine(backend).Simulate(context.Background(), b, wallet, SimulateOptions{})
	require.NoError(t, err)

	assert.True(t, r.Success)
	assert.True(t, r.Steps[1].Skipped)
	assert.Contains(t, r.Steps[1].SkipReason, "one")
	assert.True(t, r.Steps[2].Success)
}

func TestSkippedRequiredDependentFailsReceipt(t *testing.T) {
	backend := NewScenarioBackend(startHead)
	backend.Script("one", StepScript{AlwaysFail: true})

	b := threeStepBundle(bundle.FailSkipAndContinue, bundle.FailAbortAll, bundle.FailAbortAll)
	b.Steps[1].DependsOn = []string{"one"}
	r, err := newEngine(backend).Simulate(context.Background(), b, wallet, SimulateOptions{})
	require.NoError(t, err)

	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "step two skipped")
	assert.True(t, r.Steps[1].Skipped)
	assert.False(t, r.Steps[1].Executed)
	assert.True(t, r.Steps[2].Skipped, "steps after a failed required step do not run")
	assert.Equal(t, 0, backend.Calls("two"))
	assert.Equal(t, 0, backend.Calls("three"))
}

func TestRetryModeRerunsUpToMaxRetries(t *testing.T) {
	backend := NewScenarioBackend(startHead)
	backend.Script("one", StepScript{FailuresBeforeSuccess: 2})

	b := threeStepBundle(bundle.FailRetry, bundle.FailAbortAll, bundle.FailAbortAll)
	r, err := newEngine(backend).Simulate(context.Background(), b, wallet, SimulateOptions{})
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 3, r.Steps[0].Attempts)

	backend.Script("one", StepScript{FailuresBeforeSuccess: 3})
	r, err = newEngine(backend).Simulate(context.Background(), b, wallet, SimulateOptions{})
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.True(t, r.Steps[1].Skipped)
}

func TestDiffsOnlyFromSuccessfulSteps(t *testing.T) {
	backend := NewScenarioBackend(startHead)
	other := common.HexToAddress("0x0000000000000000000000000000000000000777")
	backend.Script("one", StepScript{AlwaysFail: true, ExtraDiffs: []StateDiff{{Address: other, MonDelta: big.NewInt(5)}}})
	backend.Script("two", StepScript{ExtraDiffs: []StateDiff{{Address: other, MonDelta: big.NewInt(7)}}})

	b := threeStepBundle(bundle.FailSkipAndContinue, bundle.FailAbortAll, bundle.FailAbortAll)
	r, err := newEngine(backend).Simulate(context.Background(), b, wallet, SimulateOptions{})
	require.NoError(t, err)
	require.Len(t, r.StateDiffs, 1)
	assert.Equal(t, int64(7), r.StateDiffs[0].MonDelta.Int64())
}

func TestHeadFailureIsUnavailable(t *testing.T) {
	backend := NewScenarioBackend(startHead)
	backend.FailHead(errors.New("connection refused"))
	_, err := newEngine(backend).Simulate(context.Background(), buyBundle(nil, 5), wallet, SimulateOptions{})
	require.Error(t, err)
	assert.Equal(t, clierr.CodeUnavailable, clierr.CodeOf(err))
}

func TestReceiptCarriesBundleHash(t *testing.T) {
	b := buyBundle(nil, 5)
	r, err := newEngine(NewScenarioBackend(startHead)).Simulate(context.Background(), b, wallet, SimulateOptions{})
	require.NoError(t, err)
	assert.Equal(t, b.Hash(), r.BundleHash)
	assert.Equal(t, "sim_test", r.ID)
}

func TestStaleness(t *testing.T) {
	p := DefaultStalenessPolicy()
	assert.Equal(t, 1200*time.Millisecond, p.MaxAge())
	assert.True(t, p.IsStale(100, 104))
	assert.False(t, p.IsStale(100, 103))
	assert.False(t, p.IsStale(100, 102))
	assert.False(t, p.IsStale(100, 99))

	r := Receipt{BlockNumber: 100, SimulatedAt: simNow}
	assert.False(t, p.IsStaleAt(r, simNow.Add(time.Second)))
	assert.True(t, p.IsStaleAt(r, simNow.Add(1300*time.Millisecond)))

	current := uint64(104)
	assert.True(t, p.Check(r, &current, simNow))
	assert.False(t, p.Check(r, nil, simNow))

	assert.Error(t, StalenessPolicy{}.Validate())
}
