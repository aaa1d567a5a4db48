package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

type StepType string

const (
	StepCreateToken  StepType = "create_token"
	StepAddLiquidity StepType = "add_liquidity"
	StepSwap         StepType = "swap"
	StepApprove      StepType = "approve"
	StepTransfer     StepType = "transfer"
	StepCustom       StepType = "custom"
)

type FailureMode string

const (
	FailAbortAll        FailureMode = "abort_all"
	FailSkipAndContinue FailureMode = "skip_and_continue"
	FailRetry           FailureMode = "retry"
)

type Kind string

const (
	KindTrade       Kind = "trade"
	KindTokenLaunch Kind = "token_launch"
)

type SwapDirection string

const (
	SwapBuy  SwapDirection = "buy"
	SwapSell SwapDirection = "sell"
)

// SwapInfo describes the economic intent of a swap step. ExpectedPrice is
// quoted in MON per whole token.
type SwapInfo struct {
	Direction     SwapDirection    `json:"direction"`
	Token         common.Address   `json:"token"`
	AmountIn      *big.Int         `json:"amount_in"`
	MinAmountOut  *big.Int         `json:"min_amount_out"`
	ExpectedPrice *decimal.Decimal `json:"expected_price,omitempty"`
}

type Step struct {
	ID                     string         `json:"id"`
	Index                  int            `json:"index"`
	Type                   StepType       `json:"type"`
	Description            string         `json:"description"`
	Target                 common.Address `json:"target"`
	ValueWei               *big.Int       `json:"value_wei"`
	Calldata               hexutil.Bytes  `json:"calldata"`
	EstimatedGas           uint64         `json:"estimated_gas"`
	EstimatedGasWithBuffer uint64         `json:"estimated_gas_with_buffer"`
	DependsOn              []string       `json:"depends_on,omitempty"`
	FailureMode            FailureMode    `json:"failure_mode"`
	MaxRetries             int            `json:"max_retries"`
	Swap                   *SwapInfo      `json:"swap,omitempty"`
}

// Bundle is an ordered, all-or-nothing group of steps. A generated bundle is
// never edited; changes require generating a new one.
type Bundle struct {
	ID                          string          `json:"id"`
	Kind                        Kind            `json:"kind"`
	DecisionID                  string          `json:"decision_id,omitempty"`
	ChainID                     int64           `json:"chain_id"`
	Wallet                      common.Address  `json:"wallet"`
	Token                       common.Address  `json:"token"`
	Steps                       []Step          `json:"steps"`
	TotalEstimatedGas           uint64          `json:"total_estimated_gas"`
	TotalEstimatedGasWithBuffer uint64          `json:"total_estimated_gas_with_buffer"`
	GasBufferPercent            uint64          `json:"gas_buffer_percent"`
	MaxFeePerGasWei             *big.Int        `json:"max_fee_per_gas_wei"`
	MaxPriorityFeePerGasWei     *big.Int        `json:"max_priority_fee_per_gas_wei"`
	ValueWei                    *big.Int        `json:"value_wei"`
	GasCostWei                  *big.Int        `json:"gas_cost_wei"`
	MaxCostWei                  *big.Int        `json:"max_cost_wei"`
	MaxCostMon                  decimal.Decimal `json:"max_cost_mon"`
	MaxSlippagePct              float64         `json:"max_slippage_pct"`
	IsAtomic                    bool            `json:"is_atomic"`
	RequiresApproval            bool            `json:"requires_approval"`
	CreatedAt                   time.Time       `json:"created_at"`
	ExpiresAt                   time.Time       `json:"expires_at"`
}

func (b Bundle) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

func (b Bundle) Step(id string) (Step, bool) {
	for _, s := range b.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// SwapStep returns the first swap step, if any.
func (b Bundle) SwapStep() (Step, bool) {
	for _, s := range b.Steps {
		if s.Type == StepSwap && s.Swap != nil {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks step ordering: indexes are sequential, ids unique, and
// every dependency names an earlier step.
func (b Bundle) Validate() error {
	if len(b.Steps) == 0 {
		return fmt.Errorf("bundle %s has no steps", b.ID)
	}
	seen := make(map[string]struct{}, len(b.Steps))
	for i, s := range b.Steps {
		if s.Index != i {
			return fmt.Errorf("step %s: index %d out of order (want %d)", s.ID, s.Index, i)
		}
		if s.ID == "" {
			return fmt.Errorf("step %d: missing id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("step %s depends on %s which does not precede it", s.ID, dep)
			}
		}
		if s.EstimatedGas == 0 {
			return fmt.Errorf("step %s: missing gas estimate", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

type stepDigest struct {
	ID          string   `json:"id"`
	Type        StepType `json:"type"`
	Target      string   `json:"target"`
	Value       string   `json:"value"`
	Calldata    string   `json:"calldata"`
	Gas         uint64   `json:"gas"`
	DependsOn   []string `json:"depends_on"`
	FailureMode string   `json:"failure_mode"`
	MaxRetries  int      `json:"max_retries"`
}

type bundleDigest struct {
	ID        string       `json:"id"`
	ChainID   int64        `json:"chain_id"`
	Wallet    string       `json:"wallet"`
	Steps     []stepDigest `json:"steps"`
	GasLimit  uint64       `json:"gas_limit"`
	MaxFee    string       `json:"max_fee"`
	MaxTip    string       `json:"max_tip"`
	Slippage  float64      `json:"slippage"`
	ExpiresAt int64        `json:"expires_at"`
}

// Hash fingerprints everything that affects execution. A simulation receipt
// records it so that a changed bundle cannot reuse an old simulation.
func (b Bundle) Hash() string {
	d := bundleDigest{
		ID:        b.ID,
		ChainID:   b.ChainID,
		Wallet:    b.Wallet.Hex(),
		GasLimit:  b.TotalEstimatedGasWithBuffer,
		MaxFee:    bigString(b.MaxFeePerGasWei),
		MaxTip:    bigString(b.MaxPriorityFeePerGasWei),
		Slippage:  b.MaxSlippagePct,
		ExpiresAt: b.ExpiresAt.Unix(),
	}
	for _, s := range b.Steps {
		d.Steps = append(d.Steps, stepDigest{
			ID:          s.ID,
			Type:        s.Type,
			Target:      s.Target.Hex(),
			Value:       bigString(s.ValueWei),
			Calldata:    hexutil.Encode(s.Calldata),
			Gas:         s.EstimatedGasWithBuffer,
			DependsOn:   s.DependsOn,
			FailureMode: string(s.FailureMode),
			MaxRetries:  s.MaxRetries,
		})
	}
	buf, _ := json.Marshal(d)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
