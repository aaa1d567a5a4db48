package simulation

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type BlockRef struct {
	Number    uint64      `json:"number"`
	Hash      common.Hash `json:"hash"`
	Timestamp time.Time   `json:"timestamp"`
}

type TokenDelta struct {
	Token common.Address `json:"token"`
	Delta *big.Int       `json:"delta"`
}

// StateDiff is the net balance change of one address.
type StateDiff struct {
	Address     common.Address `json:"address"`
	MonDelta    *big.Int       `json:"mon_delta"`
	TokenDeltas []TokenDelta   `json:"token_deltas,omitempty"`
}

type StepResult struct {
	StepID       string      `json:"step_id"`
	Index        int         `json:"index"`
	Executed     bool        `json:"executed"`
	Skipped      bool        `json:"skipped"`
	SkipReason   string      `json:"skip_reason,omitempty"`
	Success      bool        `json:"success"`
	RevertReason string      `json:"revert_reason,omitempty"`
	GasUsed      uint64      `json:"gas_used"`
	Attempts     int         `json:"attempts"`
	AmountOut    *big.Int    `json:"amount_out,omitempty"`
	StateDiffs   []StateDiff `json:"state_diffs,omitempty"`
}

// PriceImpact compares the quoted and realized MON-per-token price of the
// worst swap in the bundle.
type PriceImpact struct {
	StepID        string          `json:"step_id"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	RealizedPrice decimal.Decimal `json:"realized_price"`
	ImpactPct     float64         `json:"impact_pct"`
}

type SlippageCheck struct {
	Applicable bool    `json:"applicable"`
	Passed     bool    `json:"passed"`
	ActualPct  float64 `json:"actual_pct"`
	MaxPct     float64 `json:"max_pct"`
	BreachPct  float64 `json:"breach_pct"`
}

// Receipt is the outcome of simulating a bundle against one chain head.
type Receipt struct {
	ID             string         `json:"id"`
	BundleID       string         `json:"bundle_id"`
	BundleHash     string         `json:"bundle_hash"`
	Wallet         common.Address `json:"wallet"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	BlockNumber    uint64         `json:"block_number"`
	BlockTimestamp time.Time      `json:"block_timestamp"`
	SimulatedAt    time.Time      `json:"simulated_at"`
	Steps          []StepResult   `json:"steps"`
	StateDiffs     []StateDiff    `json:"state_diffs"`
	TotalGasUsed   uint64         `json:"total_gas_used"`
	PriceImpact    *PriceImpact   `json:"price_impact,omitempty"`
	SlippageCheck  SlippageCheck  `json:"slippage_check"`
	Backend        string         `json:"backend"`
}

func (r Receipt) Step(id string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepResult{}, false
}

// diffAccumulator folds per-step diffs into one net diff per address.
type diffAccumulator struct {
	mon    map[common.Address]*big.Int
	tokens map[common.Address]map[common.Address]*big.Int
}

func newDiffAccumulator() *diffAccumulator {
	return &diffAccumulator{
		mon:    map[common.Address]*big.Int{},
		tokens: map[common.Address]map[common.Address]*big.Int{},
	}
}

func (a *diffAccumulator) addMon(addr common.Address, delta *big.Int) {
	if delta == nil {
		return
	}
	cur, ok := a.mon[addr]
	if !ok {
		cur = new(big.Int)
		a.mon[addr] = cur
	}
	cur.Add(cur, delta)
}

func (a *diffAccumulator) addToken(addr, token common.Address, delta *big.Int) {
	if delta == nil {
		return
	}
	a.addMon(addr, new(big.Int))
	byToken, ok := a.tokens[addr]
	if !ok {
		byToken = map[common.Address]*big.Int{}
		a.tokens[addr] = byToken
	}
	cur, ok := byToken[token]
	if !ok {
		cur = new(big.Int)
		byToken[token] = cur
	}
	cur.Add(cur, delta)
}

func (a *diffAccumulator) add(diffs []StateDiff) {
	for _, d := range diffs {
		a.addMon(d.Address, d.MonDelta)
		for _, td := range d.TokenDeltas {
			a.addToken(d.Address, td.Token, td.Delta)
		}
	}
}

// result returns diffs sorted by address so receipts are reproducible.
func (a *diffAccumulator) result() []StateDiff {
	out := make([]StateDiff, 0, len(a.mon))
	for addr, mon := range a.mon {
		d := StateDiff{Address: addr, MonDelta: new(big.Int).Set(mon)}
		for token, delta := range a.tokens[addr] {
			d.TokenDeltas = append(d.TokenDeltas, TokenDelta{Token: token, Delta: new(big.Int).Set(delta)})
		}
		sort.Slice(d.TokenDeltas, func(i, j int) bool {
			return d.TokenDeltas[i].Token.Cmp(d.TokenDeltas[j].Token) < 0
		})
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}
