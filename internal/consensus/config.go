package consensus

import (
	"fmt"
	"time"
)

type Config struct {
	MinAgentsRequired        int           `yaml:"min_agents_required" json:"min_agents_required"`
	AdversarialVetoThreshold float64       `yaml:"adversarial_veto_threshold" json:"adversarial_veto_threshold"`
	ConfidenceThreshold      float64       `yaml:"confidence_threshold" json:"confidence_threshold"`
	LowConfidenceFloor       float64       `yaml:"low_confidence_floor" json:"low_confidence_floor"`
	AgreementThreshold       float64       `yaml:"agreement_threshold" json:"agreement_threshold"`
	MaxAverageRisk           float64       `yaml:"max_average_risk" json:"max_average_risk"`
	DecisionExpiry           time.Duration `yaml:"decision_expiry" json:"decision_expiry"`
}

func DefaultConfig() Config {
	return Config{
		MinAgentsRequired:        3,
		AdversarialVetoThreshold: 0.90,
		ConfidenceThreshold:      0.85,
		LowConfidenceFloor:       0.5,
		AgreementThreshold:       0.6,
		MaxAverageRisk:           0.7,
		DecisionExpiry:           30 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.MinAgentsRequired < 1 {
		return fmt.Errorf("consensus: min_agents_required must be >= 1, got %d", c.MinAgentsRequired)
	}
	for name, v := range map[string]float64{
		"adversarial_veto_threshold": c.AdversarialVetoThreshold,
		"confidence_threshold":       c.ConfidenceThreshold,
		"low_confidence_floor":       c.LowConfidenceFloor,
		"agreement_threshold":        c.AgreementThreshold,
		"max_average_risk":           c.MaxAverageRisk,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("consensus: %s must be within [0,1], got %v", name, v)
		}
	}
	if c.LowConfidenceFloor > c.ConfidenceThreshold {
		return fmt.Errorf("consensus: low_confidence_floor (%v) exceeds confidence_threshold (%v)", c.LowConfidenceFloor, c.ConfidenceThreshold)
	}
	if c.DecisionExpiry <= 0 {
		return fmt.Errorf("consensus: decision_expiry must be positive")
	}
	return nil
}
