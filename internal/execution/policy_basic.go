package execution

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/launchguard/launchguard/internal/bundle"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/registry"
)

var (
	policyApproveSelector      = registry.ERC20.Methods["approve"].ID
	policyBuySelector          = registry.LaunchpadRouter.Methods["buy"].ID
	policySellSelector         = registry.LaunchpadRouter.Methods["sell"].ID
	policyAddLiquiditySelector = registry.LaunchpadRouter.Methods["addLiquidity"].ID
	policyCreateTokenSelector  = registry.LaunchpadFactory.Methods["createToken"].ID
)

// Contracts are the only addresses a plan step may call besides the
// bundle's own token.
type Contracts struct {
	Router  common.Address
	Factory common.Address
}

// validateStepPolicy checks a step's calldata against the launchpad
// contracts before it is signed. Failures are policy violations.
func validateStepPolicy(b bundle.Bundle, step bundle.Step, c Contracts) error {
	data := []byte(step.Calldata)
	switch step.Type {
	case bundle.StepApprove:
		return validateApprovalPolicy(b, step, data, c)
	case bundle.StepSwap:
		if step.Target != c.Router {
			return clierr.PolicyViolation(fmt.Sprintf("swap step %s target %s is not the launchpad router", step.ID, step.Target.Hex()))
		}
		if !hasSelector(data, policyBuySelector) && !hasSelector(data, policySellSelector) {
			return clierr.PolicyViolation(fmt.Sprintf("swap step %s must call router buy or sell", step.ID))
		}
	case bundle.StepAddLiquidity:
		if step.Target != c.Router {
			return clierr.PolicyViolation(fmt.Sprintf("add_liquidity step %s target %s is not the launchpad router", step.ID, step.Target.Hex()))
		}
		if !hasSelector(data, policyAddLiquiditySelector) {
			return clierr.PolicyViolation(fmt.Sprintf("add_liquidity step %s must call router addLiquidity", step.ID))
		}
	case bundle.StepCreateToken:
		if c.Factory == (common.Address{}) || step.Target != c.Factory {
			return clierr.PolicyViolation(fmt.Sprintf("create_token step %s target %s is not the launchpad factory", step.ID, step.Target.Hex()))
		}
		if !hasSelector(data, policyCreateTokenSelector) {
			return clierr.PolicyViolation(fmt.Sprintf("create_token step %s must call factory createToken", step.ID))
		}
	default:
		return clierr.PolicyViolation(fmt.Sprintf("step %s has unsupported type %s", step.ID, step.Type))
	}
	return nil
}

// Approvals are bounded by the sell amount of the bundle's swap and may
// only name the router as spender.
func validateApprovalPolicy(b bundle.Bundle, step bundle.Step, data []byte, c Contracts) error {
	if !hasSelector(data, policyApproveSelector) {
		return clierr.PolicyViolation("approval step must use ERC20 approve(spender,amount)")
	}
	if step.Target != b.Token {
		return clierr.PolicyViolation(fmt.Sprintf("approval step targets %s, not the bundle token %s", step.Target.Hex(), b.Token.Hex()))
	}
	args, err := registry.ERC20.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.PolicyViolation("approval step calldata is invalid")
	}
	spender, ok := toAddress(args[0])
	if !ok || spender != c.Router {
		return clierr.PolicyViolation("approval spender must be the launchpad router")
	}
	amount, ok := toBigInt(args[1])
	if !ok || amount.Sign() <= 0 {
		return clierr.PolicyViolation("approval step has invalid approval amount")
	}
	swap, ok := b.SwapStep()
	if !ok || swap.Swap.AmountIn == nil {
		return clierr.PolicyViolation("cannot bound approval without a swap step")
	}
	if amount.Cmp(swap.Swap.AmountIn) > 0 {
		return clierr.PolicyViolation(fmt.Sprintf("approval amount %s exceeds swap input amount %s", amount.String(), swap.Swap.AmountIn.String()))
	}
	return nil
}

func hasSelector(data, selector []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], selector)
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}
