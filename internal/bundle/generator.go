package bundle

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/launchguard/launchguard/internal/agent"
	"github.com/launchguard/launchguard/internal/consensus"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/registry"
	"github.com/launchguard/launchguard/internal/units"
)

// TokenDecimals is the precision of every launchpad token.
const TokenDecimals = 18

const defaultLaunchSlippagePct = 5.0

type Options struct {
	Now   func() time.Time
	NewID func() string
}

type Generator struct {
	cfg       Config
	now       func() time.Time
	newID     func() string
	maxFee    *big.Int
	maxTip    *big.Int
	gasByStep map[StepType]uint64
}

func NewGenerator(cfg Config, opts Options) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxFee, err := units.GweiToWei(cfg.MaxFeePerGasGwei)
	if err != nil {
		return nil, fmt.Errorf("bundle: max_fee_per_gas_gwei: %w", err)
	}
	maxTip, err := units.GweiToWei(cfg.MaxPriorityFeeGwei)
	if err != nil {
		return nil, fmt.Errorf("bundle: max_priority_fee_gwei: %w", err)
	}
	gas := DefaultGasEstimates()
	for typ, v := range cfg.GasEstimates {
		gas[typ] = v
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "bndl_" + uuid.NewString() }
	}
	return &Generator{cfg: cfg, now: opts.Now, newID: opts.NewID, maxFee: maxFee, maxTip: maxTip, gasByStep: gas}, nil
}

func (g *Generator) Config() Config { return g.cfg }

type TradeOptions struct {
	Wallet common.Address
	// Token defaults to the decision's target token.
	Token common.Address
	// AmountMon overrides the decision's suggested size for buys.
	AmountMon *decimal.Decimal
	// TokenAmount is the number of token base units to sell.
	TokenAmount *big.Int
	// ExpectedPrice is a MON-per-token quote used to derive the minimum
	// output; without it the minimum output is zero and the simulator's
	// slippage check is the only price guard.
	ExpectedPrice *decimal.Decimal
	SlippagePct   *float64
}

// GenerateFromDecision builds a trade bundle for an EXECUTE decision: a
// single swap for buys, approve then swap for sells.
func (g *Generator) GenerateFromDecision(d consensus.FinalDecision, opts TradeOptions) (Bundle, error) {
	now := g.now().UTC()
	if d.Status != consensus.StatusExecute {
		return Bundle{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("decision %s is %s, not %s", d.ID, d.Status, consensus.StatusExecute))
	}
	if d.Expired(now) {
		return Bundle{}, clierr.New(clierr.CodeStale, fmt.Sprintf("decision %s expired at %s", d.ID, d.ExpiresAt.Format(time.RFC3339)))
	}
	if opts.Wallet == (common.Address{}) {
		return Bundle{}, clierr.New(clierr.CodeUsage, "wallet address is required")
	}
	if g.cfg.Router == (common.Address{}) {
		return Bundle{}, clierr.New(clierr.CodeUsage, "launchpad router address is not configured")
	}
	token := opts.Token
	if token == (common.Address{}) {
		if !common.IsHexAddress(strings.TrimSpace(d.TargetToken)) {
			return Bundle{}, clierr.New(clierr.CodeUsage, "token address is required")
		}
		token = common.HexToAddress(d.TargetToken)
	}
	slippage := 0.0
	if d.SuggestedSlippagePct != nil {
		slippage = *d.SuggestedSlippagePct
	}
	if opts.SlippagePct != nil {
		slippage = *opts.SlippagePct
	}
	if slippage < 0 || slippage >= 100 {
		return Bundle{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("slippage %.2f%% out of range", slippage))
	}
	deadline := big.NewInt(now.Add(g.cfg.SwapDeadline).Unix())

	b := g.newBundle(KindTrade, opts.Wallet, token, now)
	b.DecisionID = d.ID
	b.MaxSlippagePct = slippage

	switch d.MajorityRecommendation {
	case agent.RecommendBuy:
		var amount decimal.Decimal
		switch {
		case opts.AmountMon != nil:
			amount = *opts.AmountMon
		case d.SuggestedAmountMon != nil:
			amount = *d.SuggestedAmountMon
		default:
			return Bundle{}, clierr.New(clierr.CodeUsage, "buy amount is required")
		}
		amountWei, err := units.MonToWei(amount)
		if err != nil {
			return Bundle{}, err
		}
		if amountWei.Sign() <= 0 {
			return Bundle{}, clierr.New(clierr.CodeUsage, "buy amount must be positive")
		}
		step, err := g.buyStep("swap-buy", token, opts.Wallet, amountWei, opts.ExpectedPrice, slippage, deadline)
		if err != nil {
			return Bundle{}, err
		}
		b.Steps = []Step{step}
	case agent.RecommendSell:
		if opts.TokenAmount == nil || opts.TokenAmount.Sign() <= 0 {
			return Bundle{}, clierr.New(clierr.CodeUsage, "token amount to sell is required")
		}
		approve, err := g.approveStep("approve-router", token, g.cfg.Router, opts.TokenAmount)
		if err != nil {
			return Bundle{}, err
		}
		sell, err := g.sellStep("swap-sell", token, opts.Wallet, opts.TokenAmount, opts.ExpectedPrice, slippage, deadline)
		if err != nil {
			return Bundle{}, err
		}
		sell.DependsOn = []string{approve.ID}
		b.Steps = []Step{approve, sell}
	default:
		return Bundle{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no trade bundle for recommendation %q", d.MajorityRecommendation))
	}
	return g.finalize(b)
}

type LaunchOptions struct {
	Wallet   common.Address
	Name     string
	Symbol   string
	TokenURI string
	// FactoryNonce is the factory's CREATE nonce, used to predict the new
	// token address for the steps that follow creation.
	FactoryNonce    uint64
	LiquidityMon    decimal.Decimal
	LiquidityTokens *big.Int
	InitialBuyMon   decimal.Decimal
	ExpectedPrice   *decimal.Decimal
	SlippagePct     *float64
}

// GenerateTokenLaunchBundle builds create -> add liquidity -> optional
// initial buy.
func (g *Generator) GenerateTokenLaunchBundle(opts LaunchOptions) (Bundle, error) {
	now := g.now().UTC()
	if opts.Wallet == (common.Address{}) {
		return Bundle{}, clierr.New(clierr.CodeUsage, "wallet address is required")
	}
	if strings.TrimSpace(opts.Name) == "" || strings.TrimSpace(opts.Symbol) == "" {
		return Bundle{}, clierr.New(clierr.CodeUsage, "token name and symbol are required")
	}
	if g.cfg.Router == (common.Address{}) || g.cfg.Factory == (common.Address{}) {
		return Bundle{}, clierr.New(clierr.CodeUsage, "launchpad router and factory addresses must be configured")
	}
	if opts.LiquidityTokens == nil || opts.LiquidityTokens.Sign() <= 0 {
		return Bundle{}, clierr.New(clierr.CodeUsage, "liquidity token amount must be positive")
	}
	liquidityWei, err := units.MonToWei(opts.LiquidityMon)
	if err != nil {
		return Bundle{}, err
	}
	if liquidityWei.Sign() <= 0 {
		return Bundle{}, clierr.New(clierr.CodeUsage, "liquidity MON amount must be positive")
	}
	slippage := defaultLaunchSlippagePct
	if opts.SlippagePct != nil {
		slippage = *opts.SlippagePct
	}
	if slippage < 0 || slippage >= 100 {
		return Bundle{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("slippage %.2f%% out of range", slippage))
	}
	token := crypto.CreateAddress(g.cfg.Factory, opts.FactoryNonce)
	deadline := big.NewInt(now.Add(g.cfg.SwapDeadline).Unix())

	b := g.newBundle(KindTokenLaunch, opts.Wallet, token, now)
	b.MaxSlippagePct = slippage

	createData, err := registry.LaunchpadFactory.Pack("createToken", opts.Name, opts.Symbol, opts.TokenURI)
	if err != nil {
		return Bundle{}, clierr.Wrap(clierr.CodeInternal, "pack createToken", err)
	}
	create := g.step("create-token", StepCreateToken, g.cfg.Factory, nil, createData,
		fmt.Sprintf("create token %s (%s) at predicted address %s", opts.Name, opts.Symbol, token.Hex()))

	minTokens := applySlippage(opts.LiquidityTokens, slippage)
	minMon := applySlippage(liquidityWei, slippage)
	liqData, err := registry.LaunchpadRouter.Pack("addLiquidity", token, opts.LiquidityTokens, minTokens, minMon, opts.Wallet, deadline)
	if err != nil {
		return Bundle{}, clierr.Wrap(clierr.CodeInternal, "pack addLiquidity", err)
	}
	liquidity := g.step("add-liquidity", StepAddLiquidity, g.cfg.Router, liquidityWei, liqData,
		fmt.Sprintf("seed liquidity with %s MON", opts.LiquidityMon.String()))
	liquidity.DependsOn = []string{create.ID}
	b.Steps = []Step{create, liquidity}

	if opts.InitialBuyMon.IsPositive() {
		buyWei, err := units.MonToWei(opts.InitialBuyMon)
		if err != nil {
			return Bundle{}, err
		}
		buy, err := g.buyStep("initial-buy", token, opts.Wallet, buyWei, opts.ExpectedPrice, slippage, deadline)
		if err != nil {
			return Bundle{}, err
		}
		buy.DependsOn = []string{liquidity.ID}
		b.Steps = append(b.Steps, buy)
	}
	return g.finalize(b)
}

func (g *Generator) newBundle(kind Kind, wallet, token common.Address, now time.Time) Bundle {
	return Bundle{
		ID:                      g.newID(),
		Kind:                    kind,
		ChainID:                 g.cfg.ChainID,
		Wallet:                  wallet,
		Token:                   token,
		GasBufferPercent:        g.cfg.GasBufferPercent,
		MaxFeePerGasWei:         new(big.Int).Set(g.maxFee),
		MaxPriorityFeePerGasWei: new(big.Int).Set(g.maxTip),
		IsAtomic:                true,
		RequiresApproval:        true,
		CreatedAt:               now,
		ExpiresAt:               now.Add(g.cfg.BundleExpiry),
	}
}

func (g *Generator) step(id string, typ StepType, target common.Address, value *big.Int, data []byte, desc string) Step {
	if value == nil {
		value = new(big.Int)
	}
	gas := g.gasByStep[typ]
	return Step{
		ID:                     id,
		Type:                   typ,
		Description:            desc,
		Target:                 target,
		ValueWei:               value,
		Calldata:               data,
		EstimatedGas:           gas,
		EstimatedGasWithBuffer: WithBuffer(gas, g.cfg.GasBufferPercent),
		FailureMode:            FailAbortAll,
		MaxRetries:             g.cfg.StepMaxRetries,
	}
}

func (g *Generator) approveStep(id string, token, spender common.Address, amount *big.Int) (Step, error) {
	data, err := registry.ERC20.Pack("approve", spender, amount)
	if err != nil {
		return Step{}, clierr.Wrap(clierr.CodeInternal, "pack approve", err)
	}
	return g.step(id, StepApprove, token, nil, data, fmt.Sprintf("approve router to spend %s token units", amount.String())), nil
}

func (g *Generator) buyStep(id string, token, wallet common.Address, amountWei *big.Int, price *decimal.Decimal, slippage float64, deadline *big.Int) (Step, error) {
	minOut := new(big.Int)
	if price != nil && price.IsPositive() {
		expectedTokens := units.WeiToMon(amountWei).Div(*price)
		base, err := units.ToBaseUnits(expectedTokens.Truncate(TokenDecimals), TokenDecimals)
		if err != nil {
			return Step{}, err
		}
		minOut = applySlippage(base, slippage)
	}
	data, err := registry.LaunchpadRouter.Pack("buy", minOut, token, wallet, deadline)
	if err != nil {
		return Step{}, clierr.Wrap(clierr.CodeInternal, "pack buy", err)
	}
	s := g.step(id, StepSwap, g.cfg.Router, amountWei, data, fmt.Sprintf("buy token with %s MON", units.WeiToMon(amountWei).String()))
	s.Swap = &SwapInfo{Direction: SwapBuy, Token: token, AmountIn: new(big.Int).Set(amountWei), MinAmountOut: minOut, ExpectedPrice: price}
	return s, nil
}

func (g *Generator) sellStep(id string, token, wallet common.Address, amount *big.Int, price *decimal.Decimal, slippage float64, deadline *big.Int) (Step, error) {
	minOut := new(big.Int)
	if price != nil && price.IsPositive() {
		expectedMon := units.FromBaseUnits(amount, TokenDecimals).Mul(*price)
		wei, err := units.MonToWei(expectedMon.Truncate(units.MonDecimals))
		if err != nil {
			return Step{}, err
		}
		minOut = applySlippage(wei, slippage)
	}
	data, err := registry.LaunchpadRouter.Pack("sell", amount, minOut, token, wallet, deadline)
	if err != nil {
		return Step{}, clierr.Wrap(clierr.CodeInternal, "pack sell", err)
	}
	s := g.step(id, StepSwap, g.cfg.Router, nil, data, fmt.Sprintf("sell %s token units", amount.String()))
	s.Swap = &SwapInfo{Direction: SwapSell, Token: token, AmountIn: new(big.Int).Set(amount), MinAmountOut: minOut, ExpectedPrice: price}
	return s, nil
}

func (g *Generator) finalize(b Bundle) (Bundle, error) {
	value := new(big.Int)
	for i := range b.Steps {
		b.Steps[i].Index = i
		b.TotalEstimatedGas += b.Steps[i].EstimatedGas
		value.Add(value, b.Steps[i].ValueWei)
	}
	b.TotalEstimatedGasWithBuffer = WithBuffer(b.TotalEstimatedGas, b.GasBufferPercent)
	b.ValueWei = value
	b.GasCostWei = new(big.Int).Mul(new(big.Int).SetUint64(b.TotalEstimatedGasWithBuffer), b.MaxFeePerGasWei)
	b.MaxCostWei = new(big.Int).Add(b.GasCostWei, value)
	b.MaxCostMon = units.WeiToMon(b.MaxCostWei)
	if err := b.Validate(); err != nil {
		return Bundle{}, clierr.Wrap(clierr.CodeInternal, "generated invalid bundle", err)
	}
	return b, nil
}

// applySlippage returns v reduced by pct percent, rounded down.
func applySlippage(v *big.Int, pct float64) *big.Int {
	keep := decimal.NewFromInt(100).Sub(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
	return decimal.NewFromBigInt(v, 0).Mul(keep).Floor().BigInt()
}
