package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleMarketAnalyst    Role = "market_analyst"
	RoleSentimentAnalyst Role = "sentiment_analyst"
	RoleOnchainAnalyst   Role = "onchain_analyst"
	RoleRiskManager      Role = "risk_manager"
	RoleAdversarial      Role = "red_team"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMarketAnalyst, RoleSentimentAnalyst, RoleOnchainAnalyst, RoleRiskManager, RoleAdversarial:
		return true
	}
	return false
}

type Recommendation string

const (
	RecommendBuy     Recommendation = "buy"
	RecommendSell    Recommendation = "sell"
	RecommendHold    Recommendation = "hold"
	RecommendAvoid   Recommendation = "avoid"
	RecommendMonitor Recommendation = "monitor"
)

func (r Recommendation) Valid() bool {
	switch r {
	case RecommendBuy, RecommendSell, RecommendHold, RecommendAvoid, RecommendMonitor:
		return true
	}
	return false
}

type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentBullish, SentimentBearish, SentimentNeutral:
		return true
	}
	return false
}

// TrapAssessment is the red-team verdict on whether a launch is a trap.
type TrapAssessment struct {
	IsTrap         bool     `json:"is_trap"`
	TrapConfidence float64  `json:"trap_confidence"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Opinion is one agent's structured output. Trap data is only carried by
// red-team opinions and is reachable through Trap.
type Opinion struct {
	Role            Role
	Recommendation  Recommendation
	Sentiment       Sentiment
	ConfidenceScore float64
	RiskScore       float64
	Rationale       string
	KeyInsights     []string
	ProducedAt      time.Time

	trap *TrapAssessment
}

type OpinionInput struct {
	Role            Role
	Recommendation  Recommendation
	Sentiment       Sentiment
	ConfidenceScore float64
	RiskScore       float64
	Rationale       string
	KeyInsights     []string
	ProducedAt      time.Time
}

func NewOpinion(in OpinionInput) (Opinion, error) {
	if in.Role == RoleAdversarial {
		return Opinion{}, fmt.Errorf("role %s requires a trap assessment", RoleAdversarial)
	}
	op := opinionFromInput(in)
	if err := op.Validate(); err != nil {
		return Opinion{}, err
	}
	return op, nil
}

func NewAdversarialOpinion(in OpinionInput, trap TrapAssessment) (Opinion, error) {
	in.Role = RoleAdversarial
	op := opinionFromInput(in)
	trap.Reasons = append([]string(nil), trap.Reasons...)
	op.trap = &trap
	if err := op.Validate(); err != nil {
		return Opinion{}, err
	}
	return op, nil
}

func opinionFromInput(in OpinionInput) Opinion {
	return Opinion{
		Role:            in.Role,
		Recommendation:  in.Recommendation,
		Sentiment:       in.Sentiment,
		ConfidenceScore: in.ConfidenceScore,
		RiskScore:       in.RiskScore,
		Rationale:       strings.TrimSpace(in.Rationale),
		KeyInsights:     append([]string(nil), in.KeyInsights...),
		ProducedAt:      in.ProducedAt,
	}
}

// Trap returns the trap assessment for red-team opinions. ok is false for
// every other role.
func (o Opinion) Trap() (TrapAssessment, bool) {
	if o.Role != RoleAdversarial || o.trap == nil {
		return TrapAssessment{}, false
	}
	out := *o.trap
	out.Reasons = append([]string(nil), o.trap.Reasons...)
	return out, true
}

func (o Opinion) IsAdversarial() bool { return o.Role == RoleAdversarial }

// TopInsight is the first key insight, or the rationale when there is none.
func (o Opinion) TopInsight() string {
	for _, insight := range o.KeyInsights {
		if v := strings.TrimSpace(insight); v != "" {
			return v
		}
	}
	return o.Rationale
}

func (o Opinion) Validate() error {
	if !o.Role.Valid() {
		return fmt.Errorf("unknown agent role %q", o.Role)
	}
	if !o.Recommendation.Valid() {
		return fmt.Errorf("%s: unknown recommendation %q", o.Role, o.Recommendation)
	}
	if !o.Sentiment.Valid() {
		return fmt.Errorf("%s: unknown sentiment %q", o.Role, o.Sentiment)
	}
	if err := checkUnit("confidence_score", o.ConfidenceScore); err != nil {
		return fmt.Errorf("%s: %w", o.Role, err)
	}
	if err := checkUnit("risk_score", o.RiskScore); err != nil {
		return fmt.Errorf("%s: %w", o.Role, err)
	}
	switch {
	case o.Role == RoleAdversarial && o.trap == nil:
		return fmt.Errorf("%s: missing trap assessment", o.Role)
	case o.Role != RoleAdversarial && o.trap != nil:
		return fmt.Errorf("%s: trap assessment is only valid for %s", o.Role, RoleAdversarial)
	}
	if o.trap != nil {
		if err := checkUnit("trap_confidence", o.trap.TrapConfidence); err != nil {
			return fmt.Errorf("%s: %w", o.Role, err)
		}
	}
	return nil
}

func checkUnit(name string, v float64) error {
	if v != v || v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0,1], got %v", name, v)
	}
	return nil
}

type opinionWire struct {
	Role            Role            `json:"role"`
	Recommendation  Recommendation  `json:"recommendation"`
	Sentiment       Sentiment       `json:"sentiment"`
	ConfidenceScore float64         `json:"confidence_score"`
	RiskScore       float64         `json:"risk_score"`
	Rationale       string          `json:"rationale,omitempty"`
	KeyInsights     []string        `json:"key_insights,omitempty"`
	ProducedAt      time.Time       `json:"produced_at,omitempty"`
	Trap            *TrapAssessment `json:"trap,omitempty"`
}

func (o Opinion) MarshalJSON() ([]byte, error) {
	return json.Marshal(opinionWire{
		Role:            o.Role,
		Recommendation:  o.Recommendation,
		Sentiment:       o.Sentiment,
		ConfidenceScore: o.ConfidenceScore,
		RiskScore:       o.RiskScore,
		Rationale:       o.Rationale,
		KeyInsights:     o.KeyInsights,
		ProducedAt:      o.ProducedAt,
		Trap:            o.trap,
	})
}

func (o *Opinion) UnmarshalJSON(buf []byte) error {
	var w opinionWire
	if err := json.Unmarshal(buf, &w); err != nil {
		return err
	}
	in := OpinionInput{
		Role:            w.Role,
		Recommendation:  w.Recommendation,
		Sentiment:       w.Sentiment,
		ConfidenceScore: w.ConfidenceScore,
		RiskScore:       w.RiskScore,
		Rationale:       w.Rationale,
		KeyInsights:     w.KeyInsights,
		ProducedAt:      w.ProducedAt,
	}
	var (
		parsed Opinion
		err    error
	)
	if w.Role == RoleAdversarial {
		if w.Trap == nil {
			return fmt.Errorf("%s opinion missing trap assessment", RoleAdversarial)
		}
		parsed, err = NewAdversarialOpinion(in, *w.Trap)
	} else {
		if w.Trap != nil {
			return fmt.Errorf("%s: trap assessment is only valid for %s", w.Role, RoleAdversarial)
		}
		parsed, err = NewOpinion(in)
	}
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
