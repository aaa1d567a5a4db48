package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/launchguard/launchguard/internal/audit"
	"github.com/launchguard/launchguard/internal/bundle"
	"github.com/launchguard/launchguard/internal/consensus"
	"github.com/launchguard/launchguard/internal/constraints"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/logger"
	"github.com/launchguard/launchguard/internal/metrics"
	"github.com/launchguard/launchguard/internal/simulation"
)

type Config struct {
	// RequireManualApproval forces approval even when the constraints do
	// not ask for it.
	RequireManualApproval bool `json:"require_manual_approval" yaml:"require_manual_approval"`
}

func DefaultConfig() Config {
	return Config{RequireManualApproval: true}
}

// Guard is satisfied by the kill switch.
type Guard interface {
	CheckAllowed(ctx context.Context, action string) error
}

type Deps struct {
	Generator   *bundle.Generator
	Simulator   simulation.Simulator
	Constraints constraints.Constraints
	Staleness   simulation.StalenessPolicy
	Repo        Repository
	Guard       Guard
	Audit       audit.Sink
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

type Options struct {
	Trade bundle.TradeOptions
	// RiskScore defaults to the decision's average risk score, or zero for
	// launch plans.
	RiskScore    *float64
	Constraints  *constraints.Overrides
	CurrentBlock *uint64
}

type ApproveRequest struct {
	Actor        string
	CurrentBlock *uint64
}

type SubmitRequest struct {
	// SubmissionID identifies the submitter holding the plan.
	SubmissionID string
	CurrentBlock *uint64
	// Resume takes over a submission left behind by a stopped process.
	Resume bool
}

// Service owns the plan lifecycle: generate, refresh, approve, reject and
// the submission bookkeeping that follows.
type Service struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	locks sync.Map
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Generator == nil || deps.Simulator == nil || deps.Repo == nil {
		return nil, fmt.Errorf("plan: generator, simulator and repository are required")
	}
	if err := deps.Constraints.Validate(); err != nil {
		return nil, err
	}
	if deps.Staleness == (simulation.StalenessPolicy{}) {
		deps.Staleness = simulation.DefaultStalenessPolicy()
	}
	if err := deps.Staleness.Validate(); err != nil {
		return nil, err
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return "plan_" + uuid.NewString() }
	}
	return &Service{cfg: cfg, deps: deps, log: logger.OrDefault(deps.Logger).With("component", "plan")}, nil
}

func (s *Service) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) guard(ctx context.Context, action string) error {
	if s.deps.Guard == nil {
		return nil
	}
	return s.deps.Guard.CheckAllowed(ctx, action)
}

// store writes o over the revision it was read at and bumps the revision.
func (s *Service) store(ctx context.Context, o *Output, doing string) error {
	expect := o.Revision
	o.Revision++
	err := s.deps.Repo.Update(ctx, *o, expect)
	if err == nil {
		return nil
	}
	o.Revision = expect
	switch {
	case errors.Is(err, ErrConflict):
		return clierr.New(clierr.CodeApproval, fmt.Sprintf("plan %s changed while %s; reload it and retry", o.ID, doing))
	case errors.Is(err, ErrNotFound):
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("plan %s not found", o.ID))
	default:
		return clierr.Wrap(clierr.CodeUnavailable, "save plan", err)
	}
}

// GeneratePlan turns an EXECUTE decision into a simulated, constraint-checked
// plan.
func (s *Service) GeneratePlan(ctx context.Context, d consensus.FinalDecision, opts Options) (Output, error) {
	if err := s.guard(ctx, "generate plan"); err != nil {
		return Output{}, err
	}
	if d.Status != consensus.StatusExecute {
		return Output{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("cannot plan decision %s with status %s", d.ID, d.Status))
	}
	limits, err := s.limits(opts.Constraints)
	if err != nil {
		return Output{}, err
	}
	b, err := s.deps.Generator.GenerateFromDecision(d, opts.Trade)
	if err != nil {
		return Output{}, err
	}
	risk := d.AverageRiskScore
	if opts.RiskScore != nil {
		risk = *opts.RiskScore
	}
	return s.create(ctx, b, d.ID, risk, limits, opts.CurrentBlock)
}

func (s *Service) GenerateLaunchPlan(ctx context.Context, launch bundle.LaunchOptions, opts Options) (Output, error) {
	if err := s.guard(ctx, "generate plan"); err != nil {
		return Output{}, err
	}
	limits, err := s.limits(opts.Constraints)
	if err != nil {
		return Output{}, err
	}
	b, err := s.deps.Generator.GenerateTokenLaunchBundle(launch)
	if err != nil {
		return Output{}, err
	}
	risk := 0.0
	if opts.RiskScore != nil {
		risk = *opts.RiskScore
	}
	return s.create(ctx, b, "", risk, limits, opts.CurrentBlock)
}

func (s *Service) limits(o *constraints.Overrides) (constraints.Constraints, error) {
	if o == nil {
		return s.deps.Constraints, nil
	}
	limits, err := s.deps.Constraints.Apply(*o)
	if err != nil {
		return constraints.Constraints{}, clierr.Wrap(clierr.CodeUsage, "invalid constraint overrides", err)
	}
	return limits, nil
}

func (s *Service) create(ctx context.Context, b bundle.Bundle, decisionID string, risk float64, limits constraints.Constraints, currentBlock *uint64) (Output, error) {
	if risk < 0 || risk > 1 || math.IsNaN(risk) {
		return Output{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("risk score %v out of range [0, 1]", risk))
	}
	receipt, err := s.simulate(ctx, b, limits)
	if err != nil {
		return Output{}, err
	}
	now := s.deps.Now().UTC()
	o := Output{
		ID:               s.deps.NewID(),
		DecisionID:       decisionID,
		Bundle:           b,
		Simulation:       receipt,
		Limits:           limits,
		RiskScore:        risk,
		RequiresApproval: s.cfg.RequireManualApproval || limits.RequireManualApproval,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.enforce(&o, currentBlock); err != nil {
		return Output{}, err
	}
	switch {
	case !o.Constraints.Passed:
		o.Status = StatusBlocked
	case o.RequiresApproval:
		o.Status = StatusPendingApproval
	default:
		o.Status = StatusApproved
		o.ApprovedBy = "auto"
		o.ApprovedAt = &now
	}
	gate(&o)
	// The switch may have flipped while the bundle was simulating.
	if err := s.guard(ctx, "generate plan"); err != nil {
		return Output{}, err
	}
	if err := s.deps.Repo.Save(ctx, o); err != nil {
		return Output{}, clierr.Wrap(clierr.CodeUnavailable, "save plan", err)
	}
	// An activation between the check and the save may have cleared the
	// queue without seeing this plan.
	if err := s.guard(ctx, "generate plan"); err != nil {
		s.clearLate(ctx, o)
		return Output{}, err
	}
	s.deps.Metrics.PlanOutcome(string(o.Status))
	s.record(ctx, o, audit.OutcomeSuccess, "", "plan generated")
	s.log.Info("plan generated", "plan_id", o.ID, "decision_id", decisionID, "status", o.Status,
		"can_execute", o.CanExecute, "violations", len(o.Constraints.Violations))
	return o, nil
}

func (s *Service) clearLate(ctx context.Context, o Output) {
	expect := o.Revision
	Clear(&o, s.deps.Now().UTC())
	err := s.deps.Repo.Update(ctx, o, expect)
	if errors.Is(err, ErrConflict) {
		return
	}
	if err != nil {
		s.log.Error("clear plan saved during kill switch activation", "plan_id", o.ID, "error", err)
		return
	}
	s.deps.Metrics.PlanOutcome(string(o.Status))
	s.record(ctx, o, audit.OutcomeBlocked, "", ClearedReason)
	s.log.Warn("plan cleared after kill switch activation", "plan_id", o.ID)
}

func (s *Service) simulate(ctx context.Context, b bundle.Bundle, limits constraints.Constraints) (simulation.Receipt, error) {
	slippage := math.Min(b.MaxSlippagePct, limits.MaxSlippagePct)
	start := time.Now()
	r, err := s.deps.Simulator.Simulate(ctx, b, b.Wallet, simulation.SimulateOptions{MaxSlippagePct: &slippage})
	s.deps.Metrics.ObserveSimulation(time.Since(start), err == nil && r.Success)
	if err != nil {
		return simulation.Receipt{}, err
	}
	return r, nil
}

func (s *Service) enforce(o *Output, currentBlock *uint64) error {
	enf, err := constraints.NewEnforcer(o.Limits)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "plan constraints", err)
	}
	o.Constraints = enf.EnforceAll(o.Bundle, o.Simulation, o.RiskScore, currentBlock, s.deps.Now())
	for _, v := range o.Constraints.Violations {
		s.deps.Metrics.ConstraintViolation(string(v.Type), string(v.Severity))
	}
	return nil
}

// gate recomputes CanExecute and the blocking reasons from the current
// status and constraint result. A plan held by a submitter cannot be picked
// up again.
func gate(o *Output) {
	approved := o.Status == StatusApproved || o.Status == StatusSubmitting
	o.CanExecute = o.Constraints.Passed && (!o.RequiresApproval || approved) &&
		o.Status != StatusSubmitting && !o.Status.Terminal()
	reasons := append([]string{}, o.Constraints.BlockingReasons...)
	if o.RequiresApproval && !approved {
		reasons = append(reasons, ManualApprovalReason)
	}
	o.BlockingReasons = reasons
}

func (s *Service) Get(ctx context.Context, id string) (Output, error) {
	o, err := s.deps.Repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Output{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("plan %s not found", id))
	}
	if err != nil {
		return Output{}, clierr.Wrap(clierr.CodeUnavailable, "load plan", err)
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]Output, error) {
	out, err := s.deps.Repo.List(ctx, f)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "list plans", err)
	}
	return out, nil
}

// RefreshSimulationIfNeeded re-simulates the unchanged bundle when the
// receipt is stale and re-enforces the plan's constraints. A plan that no
// longer passes is blocked; a blocked plan that passes again returns to its
// queue. The bool reports whether a new simulation ran.
func (s *Service) RefreshSimulationIfNeeded(ctx context.Context, id string, currentBlock *uint64) (Output, bool, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.refresh(ctx, id, currentBlock)
}

func (s *Service) refresh(ctx context.Context, id string, currentBlock *uint64) (Output, bool, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return Output{}, false, err
	}
	if o.Status.Terminal() || o.Status == StatusSubmitting {
		return o, false, nil
	}
	if currentBlock == nil {
		if head, herr := s.deps.Simulator.Head(ctx); herr == nil {
			n := head.Number
			currentBlock = &n
		} else {
			s.log.Warn("chain head unavailable, using time-based staleness", "plan_id", id, "error", herr)
		}
	}
	now := s.deps.Now().UTC()
	if !s.deps.Staleness.Check(o.Simulation, currentBlock, now) {
		return o, false, nil
	}

	receipt, err := s.simulate(ctx, o.Bundle, o.Limits)
	if err != nil {
		return o, false, err
	}
	o.SimulationHistory = append(append([]string(nil), o.SimulationHistory...), o.Simulation.ID)
	o.Simulation = receipt
	o.RefreshCount++
	if err := s.enforce(&o, currentBlock); err != nil {
		return o, false, err
	}
	prev := o.Status
	switch {
	case !o.Constraints.Passed:
		o.Status = StatusBlocked
	case prev == StatusBlocked && o.RequiresApproval:
		o.Status = StatusPendingApproval
	case prev == StatusBlocked:
		o.Status = StatusApproved
	}
	gate(&o)
	o.UpdatedAt = now
	if err := s.store(ctx, &o, "refreshing its simulation"); err != nil {
		return o, true, err
	}
	if prev != o.Status {
		s.deps.Metrics.PlanOutcome(string(o.Status))
		s.record(ctx, o, audit.OutcomeSuccess, "", fmt.Sprintf("simulation refreshed: %s -> %s", prev, o.Status))
	}
	s.log.Info("plan simulation refreshed", "plan_id", o.ID, "simulation_id", receipt.ID,
		"block", receipt.BlockNumber, "status", o.Status, "refresh_count", o.RefreshCount)
	return o, true, nil
}

// Approve records a human approval. The simulation is refreshed first and
// only a pending plan whose constraints still pass can be approved.
func (s *Service) Approve(ctx context.Context, id string, req ApproveRequest) (Output, error) {
	if err := s.guard(ctx, "approve plan"); err != nil {
		return Output{}, err
	}
	if strings.TrimSpace(req.Actor) == "" {
		return Output{}, clierr.New(clierr.CodeUsage, "approval requires an actor")
	}
	unlock := s.lock(id)
	defer unlock()

	o, _, err := s.refresh(ctx, id, req.CurrentBlock)
	if err != nil {
		return Output{}, err
	}
	now := s.deps.Now().UTC()
	switch {
	case o.Status != StatusPendingApproval:
		return o, clierr.New(clierr.CodeApproval, fmt.Sprintf("plan %s is %s and cannot be approved", o.ID, o.Status))
	case !o.Constraints.Passed:
		return o, clierr.New(clierr.CodeConstraint, "plan fails constraints: "+strings.Join(o.Constraints.BlockingReasons, "; "))
	case o.Bundle.Expired(now):
		return o, clierr.New(clierr.CodeStale, fmt.Sprintf("bundle %s expired at %s", o.Bundle.ID, o.Bundle.ExpiresAt.Format(time.RFC3339)))
	}
	if err := s.guard(ctx, "approve plan"); err != nil {
		return o, err
	}
	o.Status = StatusApproved
	o.ApprovedBy = req.Actor
	o.ApprovedAt = &now
	o.UpdatedAt = now
	gate(&o)
	if err := s.store(ctx, &o, "approving it"); err != nil {
		return Output{}, err
	}
	s.deps.Metrics.PlanOutcome(string(o.Status))
	s.record(ctx, o, audit.OutcomeSuccess, req.Actor, "approved")
	s.log.Info("plan approved", "plan_id", o.ID, "actor", req.Actor)
	return o, nil
}

// Reject is allowed while the kill switch is active; it only narrows what
// can execute.
func (s *Service) Reject(ctx context.Context, id, actor, reason string) (Output, error) {
	if strings.TrimSpace(actor) == "" {
		return Output{}, clierr.New(clierr.CodeUsage, "rejection requires an actor")
	}
	unlock := s.lock(id)
	defer unlock()

	o, err := s.Get(ctx, id)
	if err != nil {
		return Output{}, err
	}
	if o.Status.Terminal() {
		return o, clierr.New(clierr.CodeUsage, fmt.Sprintf("plan %s is already %s", o.ID, o.Status))
	}
	if o.Status == StatusSubmitting && len(o.TxHashes) > 0 {
		return o, clierr.New(clierr.CodeUsage, fmt.Sprintf("plan %s has broadcast transactions; resume it instead", o.ID))
	}
	o.Status = StatusRejected
	o.RejectedBy = actor
	o.RejectionReason = reason
	o.UpdatedAt = s.deps.Now().UTC()
	gate(&o)
	if err := s.store(ctx, &o, "rejecting it"); err != nil {
		return Output{}, err
	}
	s.deps.Metrics.PlanOutcome(string(o.Status))
	s.record(ctx, o, audit.OutcomeSuccess, actor, reason)
	return o, nil
}

// ReadyForSubmission refreshes the plan and returns it only if it is
// approved, passes its constraints and has not expired.
func (s *Service) ReadyForSubmission(ctx context.Context, id string, currentBlock *uint64) (Output, error) {
	if err := s.guard(ctx, "submit plan"); err != nil {
		return Output{}, err
	}
	unlock := s.lock(id)
	defer unlock()
	return s.ready(ctx, id, currentBlock)
}

func (s *Service) ready(ctx context.Context, id string, currentBlock *uint64) (Output, error) {
	o, _, err := s.refresh(ctx, id, currentBlock)
	if err != nil {
		return Output{}, err
	}
	switch {
	case o.Status == StatusSubmitting:
		return o, clierr.New(clierr.CodeApproval, fmt.Sprintf("plan %s is already being submitted by %s since %s; pass --resume once that submitter has stopped",
			o.ID, o.SubmissionID, formatTime(o.SubmittingAt)))
	case o.Status != StatusApproved:
		return o, clierr.New(clierr.CodeApproval, fmt.Sprintf("plan %s is %s, not approved", o.ID, o.Status))
	case !o.CanExecute:
		return o, clierr.New(clierr.CodeConstraint, "plan cannot execute: "+strings.Join(o.BlockingReasons, "; "))
	case o.Bundle.Expired(s.deps.Now()):
		return o, clierr.New(clierr.CodeStale, fmt.Sprintf("bundle %s expired", o.Bundle.ID))
	}
	return o, nil
}

// BeginSubmission claims an approved plan for one submitter by moving it to
// submitting. The claim is a revision-checked write, so of two submitters
// racing for the same plan only one wins. With Resume, a plan already in
// submitting is taken over along with its recorded step progress.
func (s *Service) BeginSubmission(ctx context.Context, id string, req SubmitRequest) (Output, error) {
	if strings.TrimSpace(req.SubmissionID) == "" {
		return Output{}, clierr.New(clierr.CodeUsage, "submission requires an id")
	}
	if err := s.guard(ctx, "submit plan"); err != nil {
		return Output{}, err
	}
	unlock := s.lock(id)
	defer unlock()

	o, err := s.Get(ctx, id)
	if err != nil {
		return Output{}, err
	}
	now := s.deps.Now().UTC()
	resumed := req.Resume && o.Status == StatusSubmitting
	if resumed {
		if o.Bundle.Expired(now) {
			return o, clierr.New(clierr.CodeStale, fmt.Sprintf("bundle %s expired; reject the plan instead of resuming it", o.Bundle.ID))
		}
	} else if o, err = s.ready(ctx, id, req.CurrentBlock); err != nil {
		return o, err
	}

	previous := o.SubmissionID
	o.Status = StatusSubmitting
	o.SubmissionID = req.SubmissionID
	o.SubmittingAt = &now
	o.UpdatedAt = now
	gate(&o)
	if err := s.guard(ctx, "submit plan"); err != nil {
		return o, err
	}
	if err := s.store(ctx, &o, "claiming it for submission"); err != nil {
		return o, err
	}
	reason := "submission started"
	if resumed {
		reason = "submission resumed from " + previous
	}
	s.deps.Metrics.PlanOutcome(string(o.Status))
	s.record(ctx, o, audit.OutcomeSuccess, "", reason)
	s.log.Info(reason, "plan_id", o.ID, "submission_id", o.SubmissionID, "recorded_steps", len(o.Progress))
	return o, nil
}

// RecordStep persists one step's progress for the submitter holding the
// plan. A submitter whose claim was taken over gets an approval error and
// must stop broadcasting.
func (s *Service) RecordStep(ctx context.Context, id, submissionID string, p StepProgress) (Output, error) {
	unlock := s.lock(id)
	defer unlock()

	o, err := s.claimed(ctx, id, submissionID)
	if err != nil {
		return o, err
	}
	now := s.deps.Now().UTC()
	p.UpdatedAt = now
	progress := append([]StepProgress(nil), o.Progress...)
	replaced := false
	for i := range progress {
		if progress[i].StepID == p.StepID {
			progress[i] = p
			replaced = true
		}
	}
	if !replaced {
		progress = append(progress, p)
	}
	o.Progress = progress
	o.TxHashes = mergeHashes(o.TxHashes, p.TxHash)
	o.UpdatedAt = now
	if err := s.store(ctx, &o, "recording step "+p.StepID); err != nil {
		return o, err
	}
	return o, nil
}

// ReleaseSubmission hands an unstarted submission back to approved, for
// gates such as the velocity limit that clear up on their own.
func (s *Service) ReleaseSubmission(ctx context.Context, id, submissionID, reason string) (Output, error) {
	unlock := s.lock(id)
	defer unlock()

	o, err := s.claimed(ctx, id, submissionID)
	if err != nil {
		return o, err
	}
	if len(o.TxHashes) > 0 {
		return o, clierr.New(clierr.CodeUsage, fmt.Sprintf("plan %s has broadcast transactions and cannot be released", o.ID))
	}
	o.Status = StatusApproved
	o.SubmissionID = ""
	o.SubmittingAt = nil
	o.Progress = nil
	o.UpdatedAt = s.deps.Now().UTC()
	gate(&o)
	if err := s.store(ctx, &o, "releasing it"); err != nil {
		return o, err
	}
	s.record(ctx, o, audit.OutcomeBlocked, "", reason)
	return o, nil
}

func (s *Service) MarkSubmitted(ctx context.Context, id, submissionID string, txHashes []string) (Output, error) {
	return s.finish(ctx, id, submissionID, StatusSubmitted, txHashes, "")
}

func (s *Service) MarkFailed(ctx context.Context, id, submissionID string, txHashes []string, reason string) (Output, error) {
	return s.finish(ctx, id, submissionID, StatusFailed, txHashes, reason)
}

func (s *Service) finish(ctx context.Context, id, submissionID string, status Status, txHashes []string, reason string) (Output, error) {
	unlock := s.lock(id)
	defer unlock()

	o, err := s.claimed(ctx, id, submissionID)
	if err != nil {
		return o, err
	}
	o.Status = status
	o.TxHashes = mergeHashes(o.TxHashes, txHashes...)
	o.FailureReason = reason
	o.UpdatedAt = s.deps.Now().UTC()
	gate(&o)
	if err := s.store(ctx, &o, "finishing its submission"); err != nil {
		return o, err
	}
	s.deps.Metrics.PlanOutcome(string(o.Status))
	outcome := audit.OutcomeSuccess
	if status == StatusFailed {
		outcome = audit.OutcomeFailure
	}
	s.record(ctx, o, outcome, "", reason)
	return o, nil
}

// claimed loads the plan and checks that submissionID still holds it.
func (s *Service) claimed(ctx context.Context, id, submissionID string) (Output, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return Output{}, err
	}
	if o.Status != StatusSubmitting {
		return o, clierr.New(clierr.CodeApproval, fmt.Sprintf("plan %s is %s, not submitting", o.ID, o.Status))
	}
	if o.SubmissionID != submissionID {
		return o, clierr.New(clierr.CodeApproval, fmt.Sprintf("plan %s is held by submission %s, not %s", o.ID, o.SubmissionID, submissionID))
	}
	return o, nil
}

func mergeHashes(have []string, add ...string) []string {
	out := append([]string(nil), have...)
	for _, h := range add {
		if h == "" {
			continue
		}
		dup := false
		for _, x := range out {
			if x == h {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, h)
		}
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "an unknown time"
	}
	return t.UTC().Format(time.RFC3339)
}

// ClearQueued moves every queued plan to cleared. It is the kill switch's
// ClearQueuedPlans hook. Plans already submitting are left to the executor,
// which checks the switch before every step.
func (s *Service) ClearQueued(ctx context.Context) (int, error) {
	n, err := s.deps.Repo.ClearQueued(ctx, s.deps.Now().UTC())
	if err != nil {
		return n, clierr.Wrap(clierr.CodeUnavailable, "clear queued plans", err)
	}
	if n > 0 {
		s.log.Warn("queued plans cleared", "count", n)
	}
	return n, nil
}

func (s *Service) record(ctx context.Context, o Output, outcome audit.Outcome, actor, reason string) {
	rec := audit.Record{
		Kind:         audit.KindPlan,
		Timestamp:    s.deps.Now().UTC(),
		PlanID:       o.ID,
		SimulationID: o.Simulation.ID,
		BundleID:     o.Bundle.ID,
		DecisionID:   o.DecisionID,
		Outcome:      outcome,
		Actor:        actor,
		Reason:       reason,
		Error:        o.FailureReason,
	}
	if err := s.deps.Audit.Append(ctx, rec); err != nil {
		s.log.Error("audit plan event", "plan_id", o.ID, "error", err)
	}
}
