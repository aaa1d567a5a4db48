package plan

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/launchguard/launchguard/internal/bundle"
	"github.com/launchguard/launchguard/internal/constraints"
	"github.com/launchguard/launchguard/internal/simulation"
)

type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusSubmitting      Status = "submitting"
	StatusRejected        Status = "rejected"
	StatusBlocked         Status = "blocked"
	StatusCleared         Status = "cleared"
	StatusSubmitted       Status = "submitted"
	StatusFailed          Status = "failed"
)

// Terminal statuses never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCleared, StatusSubmitted, StatusFailed:
		return true
	default:
		return false
	}
}

// QueuedStatuses are the statuses the kill switch clears.
var QueuedStatuses = []Status{StatusPendingApproval, StatusApproved, StatusBlocked}

const (
	ManualApprovalReason = "Manual approval required before execution"
	ClearedReason        = "Cleared by kill switch"
)

// StepStatus is the persisted progress of one bundle step during submission.
type StepStatus string

const (
	StepBroadcast StepStatus = "broadcast"
	StepConfirmed StepStatus = "confirmed"
	StepReverted  StepStatus = "reverted"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepProgress is written before and after each broadcast so a resumed
// submission never re-sends a step that is already on chain.
type StepProgress struct {
	StepID    string     `json:"step_id"`
	Status    StepStatus `json:"status"`
	TxHash    string     `json:"tx_hash,omitempty"`
	Nonce     *uint64    `json:"nonce,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Output is an execution plan: a bundle, its latest simulation and the
// constraint verdict that gates it.
type Output struct {
	ID                string                  `json:"id"`
	DecisionID        string                  `json:"decision_id,omitempty"`
	Status            Status                  `json:"status"`
	Bundle            bundle.Bundle           `json:"bundle"`
	Simulation        simulation.Receipt      `json:"simulation"`
	Constraints       constraints.Result      `json:"constraints"`
	Limits            constraints.Constraints `json:"limits"`
	RiskScore         float64                 `json:"risk_score"`
	RequiresApproval  bool                    `json:"requires_approval"`
	CanExecute        bool                    `json:"can_execute"`
	BlockingReasons   []string                `json:"blocking_reasons"`
	SimulationHistory []string                `json:"simulation_history,omitempty"`
	RefreshCount      int                     `json:"refresh_count"`
	ApprovedBy        string                  `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time              `json:"approved_at,omitempty"`
	RejectedBy        string                  `json:"rejected_by,omitempty"`
	RejectionReason   string                  `json:"rejection_reason,omitempty"`
	SubmissionID      string                  `json:"submission_id,omitempty"`
	SubmittingAt      *time.Time              `json:"submitting_at,omitempty"`
	Progress          []StepProgress          `json:"progress,omitempty"`
	TxHashes          []string                `json:"tx_hashes,omitempty"`
	FailureReason     string                  `json:"failure_reason,omitempty"`
	// Revision increases with every stored change; updates must name the
	// revision they read.
	Revision          int                     `json:"revision"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// ProgressFor returns the recorded progress for stepID.
func (o Output) ProgressFor(stepID string) (StepProgress, bool) {
	for _, p := range o.Progress {
		if p.StepID == stepID {
			return p, true
		}
	}
	return StepProgress{}, false
}

var (
	ErrNotFound = errors.New("plan not found")
	// ErrConflict means the stored plan changed since it was read.
	ErrConflict = errors.New("plan changed concurrently")
)

type Filter struct {
	Statuses []Status
	Limit    int
}

func (f Filter) Match(o Output) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}

type Repository interface {
	// Save stores o unconditionally. It is used for new plans.
	Save(ctx context.Context, o Output) error
	// Update stores o only if the stored revision equals expect, and
	// returns ErrConflict otherwise.
	Update(ctx context.Context, o Output, expect int) error
	Get(ctx context.Context, id string) (Output, error)
	// List returns plans newest first.
	List(ctx context.Context, f Filter) ([]Output, error)
	// ClearQueued moves every queued plan to cleared and returns the count.
	ClearQueued(ctx context.Context, at time.Time) (int, error)
}

type MemoryRepository struct {
	mu    sync.Mutex
	plans map[string]Output
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{plans: map[string]Output{}}
}

func (m *MemoryRepository) Save(_ context.Context, o Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[o.ID] = o
	return nil
}

func (m *MemoryRepository) Update(_ context.Context, o Output, expect int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.plans[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != expect {
		return ErrConflict
	}
	m.plans[o.ID] = o
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.plans[id]
	if !ok {
		return Output{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Output, 0, len(m.plans))
	for _, o := range m.plans {
		if f.Match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) ClearQueued(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := Filter{Statuses: QueuedStatuses}
	n := 0
	for id, o := range m.plans {
		if !q.Match(o) {
			continue
		}
		Clear(&o, at)
		m.plans[id] = o
		n++
	}
	return n, nil
}

// Clear moves a queued plan to cleared. Repositories use it so every
// backend applies the same transition.
func Clear(o *Output, at time.Time) {
	o.Status = StatusCleared
	o.CanExecute = false
	o.BlockingReasons = append(append([]string(nil), o.BlockingReasons...), ClearedReason)
	o.UpdatedAt = at
	o.Revision++
}
