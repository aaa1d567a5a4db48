// Package execution runs approved plans: it enforces the safety gates, then
// submits each bundle step in order and waits for its receipt.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/launchguard/launchguard/internal/bundle"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/logger"
	"github.com/launchguard/launchguard/internal/plan"
	"github.com/launchguard/launchguard/internal/policy"
	"github.com/launchguard/launchguard/internal/safety"
	"github.com/launchguard/launchguard/internal/submission"
)

type StepStatus = plan.StepStatus

const (
	StepStatusBroadcast = plan.StepBroadcast
	StepStatusConfirmed = plan.StepConfirmed
	StepStatusReverted  = plan.StepReverted
	StepStatusFailed    = plan.StepFailed
	StepStatusSkipped   = plan.StepSkipped
)

type StepResult struct {
	StepID   string       `json:"step_id"`
	Index    int          `json:"index"`
	Type     string       `json:"type"`
	Status   StepStatus   `json:"status"`
	TxHash   string       `json:"tx_hash,omitempty"`
	Nonce    *uint64      `json:"nonce,omitempty"`
	Route    policy.Route `json:"route,omitempty"`
	Attempts int          `json:"attempts"`
	GasUsed  uint64       `json:"gas_used,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type Result struct {
	PlanID        string          `json:"plan_id"`
	CorrelationID string          `json:"correlation_id"`
	Status        plan.Status     `json:"status"`
	SpentMon      decimal.Decimal `json:"spent_mon"`
	TxHashes      []string        `json:"tx_hashes"`
	Steps         []StepResult    `json:"steps"`
	Error         string          `json:"error,omitempty"`
}

type ExecuteOptions struct {
	Route        policy.Route
	CurrentBlock *uint64
	// VelocityLimitMon overrides the tracker's default limit when positive.
	VelocityLimitMon decimal.Decimal
	// Resume takes over a plan left in submitting by a stopped executor.
	// Confirmed steps are skipped and broadcast steps are awaited, not re-sent.
	Resume bool
}

// PlanService is the part of plan.Service the executor drives.
type PlanService interface {
	BeginSubmission(ctx context.Context, id string, req plan.SubmitRequest) (plan.Output, error)
	RecordStep(ctx context.Context, id, submissionID string, p plan.StepProgress) (plan.Output, error)
	ReleaseSubmission(ctx context.Context, id, submissionID, reason string) (plan.Output, error)
	MarkSubmitted(ctx context.Context, id, submissionID string, txHashes []string) (plan.Output, error)
	MarkFailed(ctx context.Context, id, submissionID string, txHashes []string, reason string) (plan.Output, error)
}

type Submitter interface {
	Submit(ctx context.Context, req submission.TxRequest, opts submission.Options) (submission.Result, error)
}

type Guard interface {
	CheckAllowed(ctx context.Context, action string) error
}

type Deps struct {
	Plans          PlanService
	Submitter      Submitter
	Receipts       submission.ReceiptFetcher
	Guard          Guard
	Velocity       *safety.VelocityTracker
	Sessions       *safety.SessionRegistry
	Contracts      Contracts
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

type Executor struct {
	deps    Deps
	log     *slog.Logger
	running sync.Map
}

func NewExecutor(deps Deps) (*Executor, error) {
	if deps.Plans == nil || deps.Submitter == nil || deps.Velocity == nil {
		return nil, fmt.Errorf("execution: plans, submitter and velocity tracker are required")
	}
	if deps.Contracts.Router == (common.Address{}) {
		return nil, fmt.Errorf("execution: router address is required")
	}
	if deps.Sessions == nil {
		deps.Sessions = safety.NewSessionRegistry(0, nil)
	}
	if deps.ConfirmTimeout <= 0 {
		deps.ConfirmTimeout = submission.DefaultConfig().ConfirmTimeout
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = submission.DefaultConfig().PollInterval
	}
	return &Executor{deps: deps, log: logger.OrDefault(deps.Logger).With("component", "executor")}, nil
}

// ExecutePlan submits an approved plan. The plan is first claimed in the
// plan store, so a second executor sharing that store is turned away. Every
// gate then runs before the first transaction: step calldata policy and the
// velocity limit for the bundle's maximum cost. The kill switch and the
// signing session are re-checked before each step, and each step's progress
// is persisted around its broadcast.
func (e *Executor) ExecutePlan(ctx context.Context, planID string, opts ExecuteOptions) (Result, error) {
	res := Result{PlanID: planID, CorrelationID: "cor_" + uuid.NewString()}
	if err := e.check(ctx); err != nil {
		return res, err
	}
	if _, busy := e.running.LoadOrStore(planID, struct{}{}); busy {
		return res, clierr.New(clierr.CodeUsage, fmt.Sprintf("plan %s is already executing", planID))
	}
	defer e.running.Delete(planID)

	o, err := e.deps.Plans.BeginSubmission(ctx, planID, plan.SubmitRequest{
		SubmissionID: res.CorrelationID,
		CurrentBlock: opts.CurrentBlock,
		Resume:       opts.Resume,
	})
	if err != nil {
		return res, err
	}
	res.Status = o.Status
	b := o.Bundle
	for _, step := range b.Steps {
		if err := validateStepPolicy(b, step, e.deps.Contracts); err != nil {
			return res, e.fail(ctx, &res, err)
		}
	}

	wallet := strings.ToLower(b.Wallet.Hex())
	// A takeover with recorded progress was already counted against the window.
	if !opts.Resume || len(o.Progress) == 0 {
		limit := opts.VelocityLimitMon
		if !limit.IsPositive() {
			limit = e.deps.Velocity.Config().DefaultLimitMon
		}
		if _, err := e.deps.Velocity.Spend(ctx, safety.SpendRecord{
			Session:   wallet,
			AmountMon: b.MaxCostMon,
			Target:    o.ID,
			Method:    string(b.Kind),
		}, limit); err != nil {
			// The plan goes back to approved; it can run once the window frees up.
			if _, rerr := e.deps.Plans.ReleaseSubmission(ctx, o.ID, res.CorrelationID, err.Error()); rerr != nil {
				e.log.Error("release plan after velocity rejection", "plan_id", o.ID, "error", rerr)
			} else {
				res.Status = plan.StatusApproved
			}
			return res, err
		}
		res.SpentMon = b.MaxCostMon
	}

	session := e.deps.Sessions.Open(wallet)
	defer e.deps.Sessions.Close(session.ID)

	log := e.log.With("plan_id", o.ID, "correlation_id", res.CorrelationID)
	log.Info("executing plan", "steps", len(b.Steps), "max_cost_mon", b.MaxCostMon.String(), "resumed_steps", len(o.Progress))

	ok := map[string]bool{}
	for _, step := range b.Steps {
		if err := e.check(ctx); err != nil {
			return res, e.fail(ctx, &res, err)
		}
		if !e.deps.Sessions.Valid(session.ID) {
			return res, e.fail(ctx, &res, clierr.New(clierr.CodeKillSwitch, "signing session revoked"))
		}
		sr, replayed, err := e.replay(ctx, o, step, res.CorrelationID)
		if !replayed {
			if missing := unmetDependency(step, ok); missing != "" {
				sr = StepResult{StepID: step.ID, Index: step.Index, Type: string(step.Type), Status: StepStatusSkipped, Error: "dependency " + missing + " did not succeed"}
				res.Steps = append(res.Steps, sr)
				if err := e.progress(ctx, o.ID, res.CorrelationID, sr); err != nil {
					return res, e.stop(&res, err)
				}
				if step.FailureMode != bundle.FailSkipAndContinue {
					return res, e.fail(ctx, &res, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("step %s skipped: %s", step.ID, sr.Error)))
				}
				continue
			}
			sr, err = e.runStep(ctx, o, step, res.CorrelationID, opts.Route)
		}
		res.Steps = append(res.Steps, sr)
		if sr.TxHash != "" {
			res.TxHashes = append(res.TxHashes, sr.TxHash)
		}
		if err == nil {
			ok[step.ID] = true
			continue
		}
		if isProgressError(err) {
			return res, e.stop(&res, err)
		}
		log.Warn("step failed", "step_id", step.ID, "failure_mode", step.FailureMode, "error", err)
		if step.FailureMode == bundle.FailSkipAndContinue && !clierr.IsSecurity(err) {
			continue
		}
		return res, e.fail(ctx, &res, err)
	}

	if len(ok) == 0 {
		return res, e.fail(ctx, &res, clierr.New(clierr.CodeUnavailable, "no bundle step succeeded"))
	}
	updated, err := e.deps.Plans.MarkSubmitted(ctx, o.ID, res.CorrelationID, res.TxHashes)
	if err != nil {
		return res, err
	}
	res.Status = updated.Status
	log.Info("plan executed", "tx_hashes", len(res.TxHashes))
	return res, nil
}

func (e *Executor) check(ctx context.Context) error {
	if e.deps.Guard == nil {
		return nil
	}
	return e.deps.Guard.CheckAllowed(ctx, "plan execution")
}

// replay returns the outcome an earlier submitter recorded for step. A
// broadcast step is awaited on its recorded hash; a skipped step is
// re-evaluated against its dependencies.
func (e *Executor) replay(ctx context.Context, o plan.Output, step bundle.Step, submissionID string) (StepResult, bool, error) {
	p, seen := o.ProgressFor(step.ID)
	if !seen || p.Status == plan.StepSkipped {
		return StepResult{}, false, nil
	}
	sr := StepResult{StepID: step.ID, Index: step.Index, Type: string(step.Type), Status: p.Status, TxHash: p.TxHash, Nonce: p.Nonce, Error: p.Error}
	switch p.Status {
	case plan.StepConfirmed:
		return sr, true, nil
	case plan.StepBroadcast:
		e.log.Info("awaiting step broadcast by an earlier submission", "plan_id", o.ID, "step_id", step.ID, "tx_hash", p.TxHash)
		sr, err := e.await(ctx, o, step, submissionID, sr)
		return sr, true, err
	default:
		return sr, true, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("step %s %s in an earlier submission: %s", step.ID, p.Status, p.Error))
	}
}

// runStep submits one step and waits for its receipt. Retry-mode steps are
// resubmitted after a revert up to their retry budget. The broadcast is
// recorded before waiting.
func (e *Executor) runStep(ctx context.Context, o plan.Output, step bundle.Step, submissionID string, route policy.Route) (StepResult, error) {
	b := o.Bundle
	sr := StepResult{StepID: step.ID, Index: step.Index, Type: string(step.Type)}
	tries := 1
	if step.FailureMode == bundle.FailRetry && step.MaxRetries > 0 {
		tries += step.MaxRetries
	}
	var lastErr error
	for try := 1; try <= tries; try++ {
		sub, err := e.deps.Submitter.Submit(ctx, submission.TxRequest{
			To:                      step.Target,
			ValueWei:                step.ValueWei,
			Data:                    step.Calldata,
			Gas:                     step.EstimatedGasWithBuffer,
			MaxFeePerGasWei:         b.MaxFeePerGasWei,
			MaxPriorityFeePerGasWei: b.MaxPriorityFeePerGasWei,
		}, submission.Options{
			Route: route,
			Correlation: submission.Correlation{
				ID:           submissionID,
				PlanID:       o.ID,
				SimulationID: o.Simulation.ID,
				BundleID:     b.ID,
				DecisionID:   o.DecisionID,
				StepID:       step.ID,
			},
		})
		sr.Attempts += sub.Attempts
		sr.Route = sub.Route
		if err != nil {
			sr.Status = StepStatusFailed
			sr.Error = err.Error()
			if perr := e.progress(ctx, o.ID, submissionID, sr); perr != nil {
				return sr, perr
			}
			return sr, err
		}
		nonce := sub.Nonce
		sr.TxHash = sub.TxHash
		sr.Nonce = &nonce
		sr.Status = StepStatusBroadcast
		sr.Error = ""
		if err := e.progress(ctx, o.ID, submissionID, sr); err != nil {
			return sr, err
		}
		sr, lastErr = e.await(ctx, o, step, submissionID, sr)
		if lastErr == nil || sr.Status != StepStatusReverted || isProgressError(lastErr) {
			return sr, lastErr
		}
	}
	return sr, lastErr
}

// await waits for the receipt of sr's transaction and records the outcome.
func (e *Executor) await(ctx context.Context, o plan.Output, step bundle.Step, submissionID string, sr StepResult) (StepResult, error) {
	receipt, err := submission.WaitForConfirmation(ctx, e.deps.Receipts, common.HexToHash(sr.TxHash), e.deps.ConfirmTimeout, e.deps.PollInterval)
	var stepErr error
	switch {
	case err != nil:
		sr.Status = StepStatusFailed
		sr.Error = err.Error()
		stepErr = err
	case receipt.Status == types.ReceiptStatusSuccessful:
		sr.Status = StepStatusConfirmed
		sr.Error = ""
		sr.GasUsed = receipt.GasUsed
	default:
		sr.GasUsed = receipt.GasUsed
		sr.Status = StepStatusReverted
		stepErr = clierr.New(clierr.CodeUnavailable, fmt.Sprintf("step %s reverted on-chain (tx %s)", step.ID, sr.TxHash))
		sr.Error = stepErr.Error()
	}
	if err := e.progress(ctx, o.ID, submissionID, sr); err != nil {
		return sr, err
	}
	return sr, stepErr
}

// progressError means step progress could not be persisted. The run stops
// without finishing the plan, which stays in submitting for a resume.
type progressError struct{ err error }

func (p *progressError) Error() string { return "record step progress: " + p.err.Error() }
func (p *progressError) Unwrap() error { return p.err }

func isProgressError(err error) bool {
	var pe *progressError
	return errors.As(err, &pe)
}

func (e *Executor) progress(ctx context.Context, planID, submissionID string, sr StepResult) error {
	_, err := e.deps.Plans.RecordStep(ctx, planID, submissionID, plan.StepProgress{
		StepID: sr.StepID,
		Status: sr.Status,
		TxHash: sr.TxHash,
		Nonce:  sr.Nonce,
		Error:  sr.Error,
	})
	if err != nil {
		return &progressError{err: err}
	}
	return nil
}

// stop ends a run whose progress could not be recorded.
func (e *Executor) stop(res *Result, err error) error {
	res.Error = err.Error()
	e.log.Error("execution stopped", "plan_id", res.PlanID, "correlation_id", res.CorrelationID, "error", err)
	return err
}

func (e *Executor) fail(ctx context.Context, res *Result, cause error) error {
	res.Error = cause.Error()
	updated, err := e.deps.Plans.MarkFailed(ctx, res.PlanID, res.CorrelationID, res.TxHashes, cause.Error())
	if err != nil {
		e.log.Error("mark plan failed", "plan_id", res.PlanID, "error", err)
		return cause
	}
	res.Status = updated.Status
	return cause
}

func unmetDependency(step bundle.Step, ok map[string]bool) string {
	for _, dep := range step.DependsOn {
		if !ok[dep] {
			return dep
		}
	}
	return ""
}
