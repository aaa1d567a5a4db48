package consensus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/launchguard/launchguard/internal/agent"
)

type Status string

const (
	StatusExecute      Status = "EXECUTE"
	StatusReject       Status = "REJECT"
	StatusNeedMoreData Status = "NEED_MORE_DATA"
	StatusManualReview Status = "MANUAL_REVIEW"
)

// Rule names the consensus rule that produced a decision.
type Rule string

const (
	RuleInsufficientAgents Rule = "insufficient_agents"
	RuleAdversarialVeto    Rule = "adversarial_veto"
	RuleLowConfidence      Rule = "low_confidence"
	RuleLowAgreement       Rule = "low_agreement"
	RuleNoActionNeeded     Rule = "no_action_needed"
	RuleAvoid              Rule = "avoid_consensus"
	RuleRiskTooHigh        Rule = "risk_too_high"
	RuleExecute            Rule = "execute"
)

var (
	minSuggestedMon  = decimal.RequireFromString("0.05")
	maxSuggestedMon  = decimal.RequireFromString("0.5")
	baseSuggestedMon = decimal.RequireFromString("0.1")
	riskSizingSpan   = decimal.RequireFromString("0.4")
)

type FinalDecision struct {
	ID                     string               `json:"id"`
	Status                 Status               `json:"status"`
	TargetToken            string               `json:"target_token"`
	AgentCount             int                  `json:"agent_count"`
	AverageConfidence      float64              `json:"average_confidence"`
	AverageRiskScore       float64              `json:"average_risk_score"`
	AgreementScore         float64              `json:"agreement_score"`
	MajorityRecommendation agent.Recommendation `json:"majority_recommendation,omitempty"`
	MajoritySentiment      agent.Sentiment      `json:"majority_sentiment,omitempty"`
	AdversarialVeto        bool                 `json:"adversarial_veto"`
	VetoReason             string               `json:"veto_reason,omitempty"`
	SuggestedAmountMon     *decimal.Decimal     `json:"suggested_amount_mon,omitempty"`
	SuggestedSlippagePct   *float64             `json:"suggested_slippage_pct,omitempty"`
	TriggeredRule          Rule                 `json:"triggered_rule"`
	Rationale              string               `json:"rationale"`
	Opinions               []agent.Opinion      `json:"opinions,omitempty"`
	CreatedAt              time.Time            `json:"created_at"`
	ExpiresAt              time.Time            `json:"expires_at"`
}

func (d FinalDecision) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

type Options struct {
	Now   func() time.Time
	NewID func() string
}

// Engine turns agent opinions into a FinalDecision. It does no I/O and is
// safe for concurrent use.
type Engine struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "dec_" + uuid.NewString() }
	}
	return &Engine{cfg: cfg, now: opts.Now, newID: opts.NewID}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Build evaluates the consensus rules in order; the first rule that matches
// decides. An error means an opinion was malformed, never a business outcome.
func (e *Engine) Build(opinions []agent.Opinion, targetToken string) (FinalDecision, error) {
	for i, op := range opinions {
		if err := op.Validate(); err != nil {
			return FinalDecision{}, fmt.Errorf("opinion %d: %w", i, err)
		}
	}
	now := e.now().UTC()
	d := FinalDecision{
		ID:          e.newID(),
		TargetToken: strings.TrimSpace(targetToken),
		AgentCount:  len(opinions),
		Opinions:    append([]agent.Opinion(nil), opinions...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.DecisionExpiry),
	}

	if len(opinions) < e.cfg.MinAgentsRequired {
		return finish(d, StatusNeedMoreData, RuleInsufficientAgents,
			fmt.Sprintf("only %d agent opinion(s); %d required", len(opinions), e.cfg.MinAgentsRequired)), nil
	}

	if trap, ok := findVeto(opinions, e.cfg.AdversarialVetoThreshold); ok {
		d.AdversarialVeto = true
		d.VetoReason = vetoReason(trap)
		return finish(d, StatusReject, RuleAdversarialVeto,
			fmt.Sprintf("adversarial veto at trap confidence %.2f: %s", trap.TrapConfidence, d.VetoReason)), nil
	}

	var sumConf, sumRisk float64
	recs := make([]agent.Recommendation, 0, len(opinions))
	sents := make([]agent.Sentiment, 0, len(opinions))
	for _, op := range opinions {
		sumConf += op.ConfidenceScore
		sumRisk += op.RiskScore
		recs = append(recs, op.Recommendation)
		sents = append(sents, op.Sentiment)
	}
	n := float64(len(opinions))
	d.AverageConfidence = sumConf / n
	d.AverageRiskScore = sumRisk / n
	majorityRec, recCount := mode(recs)
	d.MajorityRecommendation = majorityRec
	d.MajoritySentiment, _ = mode(sents)
	d.AgreementScore = float64(recCount) / n

	if d.AverageConfidence < e.cfg.ConfidenceThreshold {
		status := StatusManualReview
		if d.AverageConfidence < e.cfg.LowConfidenceFloor {
			status = StatusNeedMoreData
		}
		return finish(d, status, RuleLowConfidence,
			fmt.Sprintf("average confidence %.2f below threshold %.2f", d.AverageConfidence, e.cfg.ConfidenceThreshold)), nil
	}
	if d.AgreementScore < e.cfg.AgreementThreshold {
		return finish(d, StatusManualReview, RuleLowAgreement,
			fmt.Sprintf("agreement %.2f below threshold %.2f", d.AgreementScore, e.cfg.AgreementThreshold)), nil
	}
	switch d.MajorityRecommendation {
	case agent.RecommendHold, agent.RecommendMonitor:
		return finish(d, StatusReject, RuleNoActionNeeded,
			fmt.Sprintf("majority recommends %s; no action needed", d.MajorityRecommendation)), nil
	case agent.RecommendAvoid:
		return finish(d, StatusReject, RuleAvoid, "majority recommends avoid"), nil
	}
	if d.AverageRiskScore > e.cfg.MaxAverageRisk {
		return finish(d, StatusReject, RuleRiskTooHigh,
			fmt.Sprintf("average risk %.2f exceeds maximum %.2f", d.AverageRiskScore, e.cfg.MaxAverageRisk)), nil
	}

	amount := SuggestedAmount(d.AverageRiskScore)
	slippage := SuggestedSlippage(d.AverageRiskScore)
	d.SuggestedAmountMon = &amount
	d.SuggestedSlippagePct = &slippage
	return finish(d, StatusExecute, RuleExecute, executeRationale(d, opinions)), nil
}

// SuggestedAmount sizes a position in MON: 0.1 + (1-risk)*0.4, clamped to
// [0.05, 0.5].
func SuggestedAmount(risk float64) decimal.Decimal {
	safety := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(risk))
	v := baseSuggestedMon.Add(safety.Mul(riskSizingSpan))
	if v.LessThan(minSuggestedMon) {
		return minSuggestedMon
	}
	if v.GreaterThan(maxSuggestedMon) {
		return maxSuggestedMon
	}
	return v
}

// SuggestedSlippage is risk*5 percent, clamped to [1, 5].
func SuggestedSlippage(risk float64) float64 {
	v := risk * 5
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

func finish(d FinalDecision, status Status, rule Rule, rationale string) FinalDecision {
	d.Status = status
	d.TriggeredRule = rule
	d.Rationale = rationale
	return d
}

func findVeto(opinions []agent.Opinion, threshold float64) (agent.TrapAssessment, bool) {
	for _, op := range opinions {
		trap, ok := op.Trap()
		if !ok {
			continue
		}
		if trap.IsTrap && trap.TrapConfidence >= threshold {
			return trap, true
		}
	}
	return agent.TrapAssessment{}, false
}

func vetoReason(trap agent.TrapAssessment) string {
	reasons := make([]string, 0, len(trap.Reasons))
	for _, r := range trap.Reasons {
		if v := strings.TrimSpace(r); v != "" {
			reasons = append(reasons, v)
		}
	}
	if len(reasons) == 0 {
		return "red team flagged the launch as a trap"
	}
	return strings.Join(reasons, "; ")
}

// mode returns the most frequent value; ties go to the value seen first in
// input order.
func mode[T comparable](values []T) (T, int) {
	counts := make(map[T]int, len(values))
	order := make([]T, 0, len(values))
	for _, v := range values {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	var (
		best  T
		count int
	)
	for _, v := range order {
		if counts[v] > count {
			best, count = v, counts[v]
		}
	}
	return best, count
}

func executeRationale(d FinalDecision, opinions []agent.Opinion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s consensus: confidence %.2f, agreement %.2f, risk %.2f; size %s MON at %.1f%% max slippage",
		d.MajorityRecommendation, d.AverageConfidence, d.AgreementScore, d.AverageRiskScore,
		d.SuggestedAmountMon.StringFixed(4), *d.SuggestedSlippagePct)
	for _, op := range opinions {
		if insight := op.TopInsight(); insight != "" {
			fmt.Fprintf(&b, " | %s: %s", op.Role, insight)
		}
	}
	return b.String()
}
