package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Kind string

const (
	KindSubmission Kind = "submission"
	KindKillSwitch Kind = "kill_switch"
	KindPlan       Kind = "plan"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// Record is one append-only audit entry. Submission records carry the full
// correlation chain so a transaction hash can be traced back to its decision.
type Record struct {
	Kind          Kind      `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	PlanID        string    `json:"plan_id,omitempty"`
	SimulationID  string    `json:"simulation_id,omitempty"`
	BundleID      string    `json:"bundle_id,omitempty"`
	DecisionID    string    `json:"decision_id,omitempty"`
	StepID        string    `json:"step_id,omitempty"`
	Route         string    `json:"route,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Nonce         *uint64   `json:"nonce,omitempty"`
	From          string    `json:"from,omitempty"`
	ValueWei      string    `json:"value_wei,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	SecurityEvent bool      `json:"security_event"`
	Actor         string    `json:"actor,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Reader is implemented by sinks that can replay their records.
type Reader interface {
	Records(ctx context.Context) ([]Record, error)
}

type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemorySink) Records(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

// MultiSink fans a record out to every sink. All sinks are attempted even
// when one fails.
type MultiSink []Sink

func (ms MultiSink) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Records reads from the first sink that supports replay.
func (ms MultiSink) Records(ctx context.Context) ([]Record, error) {
	for _, s := range ms {
		if r, ok := s.(Reader); ok {
			return r.Records(ctx)
		}
	}
	return nil, errors.New("no audit sink supports reading")
}

// Discard drops every record.
type Discard struct{}

func (Discard) Append(context.Context, Record) error { return nil }
