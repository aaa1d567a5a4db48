package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/launchguard/launchguard/internal/bundle"
	"github.com/launchguard/launchguard/internal/constraints"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/execution"
	"github.com/launchguard/launchguard/internal/plan"
	"github.com/launchguard/launchguard/internal/policy"
	"github.com/launchguard/launchguard/internal/units"
)

type limitFlags struct {
	maxSlippagePct float64
	maxBudgetMon   string
	maxRiskScore   float64
	maxGasGwei     string
	manualApproval bool
}

func (l *limitFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&l.maxSlippagePct, "max-slippage-pct", 0, "Override the maximum slippage percentage")
	cmd.Flags().StringVar(&l.maxBudgetMon, "max-budget-mon", "", "Override the maximum total cost in MON")
	cmd.Flags().Float64Var(&l.maxRiskScore, "max-risk-score", 0, "Override the maximum risk score")
	cmd.Flags().StringVar(&l.maxGasGwei, "max-gas-price-gwei", "", "Override the maximum gas price in gwei")
	cmd.Flags().BoolVar(&l.manualApproval, "require-approval", true, "Override the manual approval requirement")
}

// overrides returns nil when no limit flag was set.
func (l *limitFlags) overrides(cmd *cobra.Command) (*constraints.Overrides, error) {
	var o constraints.Overrides
	set := false
	if cmd.Flags().Changed("max-slippage-pct") {
		o.MaxSlippagePct = &l.maxSlippagePct
		set = true
	}
	if cmd.Flags().Changed("max-risk-score") {
		o.MaxRiskScore = &l.maxRiskScore
		set = true
	}
	if cmd.Flags().Changed("require-approval") {
		o.RequireManualApproval = &l.manualApproval
		set = true
	}
	var err error
	if o.MaxBudgetMon, err = optionalDecimal("--max-budget-mon", l.maxBudgetMon); err != nil {
		return nil, err
	}
	if o.MaxGasPriceGwei, err = optionalDecimal("--max-gas-price-gwei", l.maxGasGwei); err != nil {
		return nil, err
	}
	if !set && o.MaxBudgetMon == nil && o.MaxGasPriceGwei == nil {
		return nil, nil
	}
	return &o, nil
}

func (s *runtimeState) newPlanCommand() *cobra.Command {
	root := &cobra.Command{Use: "plan", Short: "Execution plan lifecycle"}
	root.AddCommand(s.newPlanGenerateCommand())
	root.AddCommand(s.newPlanLaunchCommand())
	root.AddCommand(s.newPlanListCommand())
	root.AddCommand(s.newPlanStatusCommand())
	root.AddCommand(s.newPlanApproveCommand())
	root.AddCommand(s.newPlanRejectCommand())
	root.AddCommand(s.newPlanRefreshCommand())
	root.AddCommand(s.newPlanSubmitCommand())
	return root
}

func (s *runtimeState) newPlanGenerateCommand() *cobra.Command {
	var (
		decisionID, wallet, token string
		amountMon, tokenAmount    string
		expectedPrice             string
		slippagePct, riskScore    float64
		limits                    limitFlags
	)
	cmd := mutating(&cobra.Command{
		Use:   "generate",
		Short: "Generate a simulated trade plan from an EXECUTE decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := s.loadDecision(cmd, decisionID)
			if err != nil {
				return err
			}
			trade := bundle.TradeOptions{}
			if trade.Wallet, err = parseAddress("--wallet", wallet, true); err != nil {
				return err
			}
			if trade.Token, err = parseAddress("--token", token, false); err != nil {
				return err
			}
			if trade.AmountMon, err = optionalDecimal("--amount-mon", amountMon); err != nil {
				return err
			}
			if trade.ExpectedPrice, err = optionalDecimal("--expected-price", expectedPrice); err != nil {
				return err
			}
			if strings.TrimSpace(tokenAmount) != "" {
				if trade.TokenAmount, err = units.ParseAmount("", tokenAmount, bundle.TokenDecimals); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("slippage-pct") {
				trade.SlippagePct = &slippagePct
			}
			opts := plan.Options{Trade: trade}
			if cmd.Flags().Changed("risk-score") {
				opts.RiskScore = &riskScore
			}
			if opts.Constraints, err = limits.overrides(cmd); err != nil {
				return err
			}

			plans, err := s.svc.Plans(ctx)
			if err != nil {
				return err
			}
			o, err := plans.GeneratePlan(ctx, d, opts)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), o, planWarnings(o), s.svc.ProviderStatuses(ctx))
		},
	})
	cmd.Flags().StringVar(&decisionID, "decision-id", "", "EXECUTE decision to plan")
	cmd.Flags().StringVar(&wallet, "wallet", "", "Agent wallet address")
	cmd.Flags().StringVar(&token, "token", "", "Token address (defaults to the decision's target)")
	cmd.Flags().StringVar(&amountMon, "amount-mon", "", "Buy size in MON (defaults to the decision's suggestion)")
	cmd.Flags().StringVar(&tokenAmount, "token-amount", "", "Tokens to sell, as a decimal amount")
	cmd.Flags().StringVar(&expectedPrice, "expected-price", "", "Quoted price in MON per token")
	cmd.Flags().Float64Var(&slippagePct, "slippage-pct", 0, "Slippage tolerance percentage")
	cmd.Flags().Float64Var(&riskScore, "risk-score", 0, "Plan risk score (defaults to the decision's average)")
	limits.register(cmd)
	_ = cmd.MarkFlagRequired("decision-id")
	_ = cmd.MarkFlagRequired("wallet")
	return cmd
}

func (s *runtimeState) newPlanLaunchCommand() *cobra.Command {
	var (
		wallet, name, symbol, tokenURI string
		liquidityMon, liquidityTokens  string
		initialBuyMon, expectedPrice   string
		factoryNonce                   uint64
		slippagePct, riskScore         float64
		limits                         limitFlags
	)
	cmd := mutating(&cobra.Command{
		Use:   "launch",
		Short: "Generate a token launch plan: create, add liquidity, optional initial buy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			launch := bundle.LaunchOptions{
				Name:         strings.TrimSpace(name),
				Symbol:       strings.TrimSpace(symbol),
				TokenURI:     strings.TrimSpace(tokenURI),
				FactoryNonce: factoryNonce,
			}
			var err error
			if launch.Wallet, err = parseAddress("--wallet", wallet, true); err != nil {
				return err
			}
			if launch.LiquidityMon, err = units.ParseDecimal("--liquidity-mon", liquidityMon); err != nil {
				return err
			}
			if launch.LiquidityTokens, err = units.ParseAmount("", liquidityTokens, bundle.TokenDecimals); err != nil {
				return err
			}
			if strings.TrimSpace(initialBuyMon) != "" {
				if launch.InitialBuyMon, err = units.ParseDecimal("--initial-buy-mon", initialBuyMon); err != nil {
					return err
				}
			}
			if launch.ExpectedPrice, err = optionalDecimal("--expected-price", expectedPrice); err != nil {
				return err
			}
			if cmd.Flags().Changed("slippage-pct") {
				launch.SlippagePct = &slippagePct
			}
			opts := plan.Options{}
			if cmd.Flags().Changed("risk-score") {
				opts.RiskScore = &riskScore
			}
			if opts.Constraints, err = limits.overrides(cmd); err != nil {
				return err
			}

			plans, err := s.svc.Plans(ctx)
			if err != nil {
				return err
			}
			o, err := plans.GenerateLaunchPlan(ctx, launch, opts)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), o, planWarnings(o), s.svc.ProviderStatuses(ctx))
		},
	})
	cmd.Flags().StringVar(&wallet, "wallet", "", "Creator wallet address")
	cmd.Flags().StringVar(&name, "name", "", "Token name")
	cmd.Flags().StringVar(&symbol, "symbol", "", "Token symbol")
	cmd.Flags().StringVar(&tokenURI, "token-uri", "", "Token metadata URI")
	cmd.Flags().StringVar(&liquidityMon, "liquidity-mon", "", "MON to seed the pool with")
	cmd.Flags().StringVar(&liquidityTokens, "liquidity-tokens", "", "Tokens to seed the pool with, as a decimal amount")
	cmd.Flags().Uint64Var(&factoryNonce, "factory-nonce", 0, "Factory CREATE nonce used to predict the token address")
	cmd.Flags().StringVar(&initialBuyMon, "initial-buy-mon", "", "Optional initial buy in MON")
	cmd.Flags().StringVar(&expectedPrice, "expected-price", "", "Quoted price in MON per token for the initial buy")
	cmd.Flags().Float64Var(&slippagePct, "slippage-pct", 0, "Slippage tolerance percentage")
	cmd.Flags().Float64Var(&riskScore, "risk-score", 0, "Plan risk score")
	limits.register(cmd)
	for _, f := range []string{"wallet", "name", "symbol", "token-uri", "liquidity-mon", "liquidity-tokens", "factory-nonce"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func (s *runtimeState) newPlanListCommand() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := plan.Filter{Limit: limit}
			for _, st := range splitCSV(status) {
				f.Statuses = append(f.Statuses, plan.Status(st))
			}
			st, err := s.svc.Store()
			if err != nil {
				return err
			}
			items, err := st.Plans().List(cmd.Context(), f)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "list plans", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), summarizePlans(items), nil, nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (comma-separated)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum plans to return")
	return cmd
}

func (s *runtimeState) newPlanStatusCommand() *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := s.svc.Store()
			if err != nil {
				return err
			}
			o, err := st.Plans().Get(cmd.Context(), strings.TrimSpace(planID))
			if err != nil {
				if errors.Is(err, plan.ErrNotFound) {
					return clierr.New(clierr.CodeUsage, fmt.Sprintf("plan %s not found", planID))
				}
				return clierr.Wrap(clierr.CodeUnavailable, "load plan", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), o, planWarnings(o), nil)
		},
	}
	cmd.Flags().StringVar(&planID, "plan-id", "", "Plan identifier")
	_ = cmd.MarkFlagRequired("plan-id")
	return cmd
}

func (s *runtimeState) newPlanApproveCommand() *cobra.Command {
	var planID, actor string
	cmd := mutating(&cobra.Command{
		Use:   "approve",
		Short: "Approve a pending plan after re-checking its simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			plans, err := s.svc.Plans(ctx)
			if err != nil {
				return err
			}
			o, err := plans.Approve(ctx, strings.TrimSpace(planID), plan.ApproveRequest{Actor: strings.TrimSpace(actor)})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), o, planWarnings(o), s.svc.ProviderStatuses(ctx))
		},
	})
	cmd.Flags().StringVar(&planID, "plan-id", "", "Plan identifier")
	cmd.Flags().StringVar(&actor, "actor", "", "Who approves the plan")
	_ = cmd.MarkFlagRequired("plan-id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func (s *runtimeState) newPlanRejectCommand() *cobra.Command {
	var planID, actor, reason string
	cmd := mutating(&cobra.Command{
		Use:   "reject",
		Short: "Reject a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			plans, err := s.svc.Plans(ctx)
			if err != nil {
				return err
			}
			o, err := plans.Reject(ctx, strings.TrimSpace(planID), strings.TrimSpace(actor), strings.TrimSpace(reason))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), o, nil, nil)
		},
	})
	cmd.Flags().StringVar(&planID, "plan-id", "", "Plan identifier")
	cmd.Flags().StringVar(&actor, "actor", "", "Who rejects the plan")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the plan is rejected")
	_ = cmd.MarkFlagRequired("plan-id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func (s *runtimeState) newPlanRefreshCommand() *cobra.Command {
	var planID string
	cmd := mutating(&cobra.Command{
		Use:   "refresh",
		Short: "Re-simulate a plan whose simulation is stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			plans, err := s.svc.Plans(ctx)
			if err != nil {
				return err
			}
			o, refreshed, err := plans.RefreshSimulationIfNeeded(ctx, strings.TrimSpace(planID), nil)
			if err != nil {
				return err
			}
			data := struct {
				Refreshed bool        `json:"refreshed"`
				Plan      plan.Output `json:"plan"`
			}{refreshed, o}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, planWarnings(o), s.svc.ProviderStatuses(ctx))
		},
	})
	cmd.Flags().StringVar(&planID, "plan-id", "", "Plan identifier")
	_ = cmd.MarkFlagRequired("plan-id")
	return cmd
}

func (s *runtimeState) newPlanSubmitCommand() *cobra.Command {
	var planID, route, velocityLimit string
	var resume bool
	cmd := mutating(&cobra.Command{
		Use:   "submit",
		Short: "Execute an approved plan step by step",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := execution.ExecuteOptions{Resume: resume}
			if strings.TrimSpace(route) != "" {
				r, err := policy.ParseRoute(route)
				if err != nil {
					return err
				}
				opts.Route = r
			}
			if limit, err := optionalDecimal("--velocity-limit-mon", velocityLimit); err != nil {
				return err
			} else if limit != nil {
				opts.VelocityLimitMon = *limit
			}
			ex, err := s.svc.Executor(ctx)
			if err != nil {
				return err
			}
			res, err := ex.ExecutePlan(ctx, strings.TrimSpace(planID), opts)
			if err != nil {
				s.svc.log.Warn("plan execution failed", "plan_id", planID, "correlation_id", res.CorrelationID, "steps", len(res.Steps), "error", err)
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil, s.svc.ProviderStatuses(ctx))
		},
	})
	cmd.Flags().StringVar(&planID, "plan-id", "", "Approved plan to execute")
	cmd.Flags().StringVar(&route, "route", "", "Submission route (public_rpc, private_relay, deferred)")
	cmd.Flags().StringVar(&velocityLimit, "velocity-limit-mon", "", "Override the per-session velocity limit in MON")
	cmd.Flags().BoolVar(&resume, "resume", false, "Take over a plan left in submitting by a stopped process")
	_ = cmd.MarkFlagRequired("plan-id")
	return cmd
}

type planSummary struct {
	ID         string          `json:"id"`
	DecisionID string          `json:"decision_id,omitempty"`
	Kind       bundle.Kind     `json:"kind"`
	Status     plan.Status     `json:"status"`
	CanExecute bool            `json:"can_execute"`
	Steps      int             `json:"steps"`
	MaxCostMon decimal.Decimal `json:"max_cost_mon"`
	RiskScore  float64         `json:"risk_score"`
	CreatedAt  string          `json:"created_at"`
}

func summarizePlans(items []plan.Output) []planSummary {
	out := make([]planSummary, 0, len(items))
	for _, o := range items {
		out = append(out, planSummary{
			ID:         o.ID,
			DecisionID: o.DecisionID,
			Kind:       o.Bundle.Kind,
			Status:     o.Status,
			CanExecute: o.CanExecute,
			Steps:      len(o.Bundle.Steps),
			MaxCostMon: o.Bundle.MaxCostMon,
			RiskScore:  o.RiskScore,
			CreatedAt:  o.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return out
}

// planWarnings surfaces blocking reasons so agents see them without digging
// into the constraint result.
func planWarnings(o plan.Output) []string {
	if o.CanExecute || len(o.BlockingReasons) == 0 {
		return nil
	}
	return append([]string(nil), o.BlockingReasons...)
}

func optionalDecimal(name, raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := units.ParseDecimal(name, raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseAddress(name, raw string, required bool) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return common.Address{}, clierr.New(clierr.CodeUsage, name+" is required")
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, name+" must be a hex address")
	}
	return common.HexToAddress(raw), nil
}
