// Package submission signs and broadcasts transactions over a policy-chosen
// route with per-address nonce reservation, bounded retries and an audit
// record for every attempt.
package submission

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/launchguard/launchguard/internal/audit"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/logger"
	"github.com/launchguard/launchguard/internal/metrics"
	"github.com/launchguard/launchguard/internal/policy"
	"github.com/launchguard/launchguard/internal/signer"
)

type TxRequest struct {
	To                      common.Address
	ValueWei                *big.Int
	Data                    []byte
	Gas                     uint64
	MaxFeePerGasWei         *big.Int
	MaxPriorityFeePerGasWei *big.Int
}

// Correlation ties a submission back through the plan to its decision.
type Correlation struct {
	ID           string `json:"correlation_id"`
	PlanID       string `json:"plan_id,omitempty"`
	SimulationID string `json:"simulation_id,omitempty"`
	BundleID     string `json:"bundle_id,omitempty"`
	DecisionID   string `json:"decision_id,omitempty"`
	StepID       string `json:"step_id,omitempty"`
}

type Options struct {
	Route       policy.Route
	Correlation Correlation
}

type Result struct {
	TxHash        string       `json:"tx_hash"`
	Nonce         uint64       `json:"nonce"`
	Route         policy.Route `json:"route"`
	Attempts      int          `json:"attempts"`
	From          string       `json:"from"`
	CorrelationID string       `json:"correlation_id"`
}

type Guard interface {
	CheckAllowed(ctx context.Context, action string) error
}

type Deps struct {
	Provider Provider
	Signer   signer.Signer
	Rules    policy.RouteRules
	Guard    Guard
	Nonces   *NonceManager
	Audit    audit.Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	NewID    func() string
}

type Service struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.Rules.Validate(); err != nil {
		return nil, err
	}
	if deps.Nonces == nil {
		deps.Nonces = NewNonceManager()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return "cor_" + uuid.NewString() }
	}
	return &Service{cfg: cfg, deps: deps, log: logger.OrDefault(deps.Logger).With("component", "submission")}, nil
}

func (s *Service) Config() Config { return s.cfg }

// ReceiptFetcher exposes the provider for confirmation polling when it
// supports receipts.
func (s *Service) ReceiptFetcher() ReceiptFetcher {
	f, _ := s.deps.Provider.(ReceiptFetcher)
	return f
}

// Submit sends one transaction. The kill switch is consulted before any
// network call and again before every attempt. A route that is forbidden or
// offline fails the submission; no other route is tried.
func (s *Service) Submit(ctx context.Context, req TxRequest, opts Options) (Result, error) {
	corr := opts.Correlation
	if corr.ID == "" {
		corr.ID = s.deps.NewID()
	}
	value := req.ValueWei
	if value == nil {
		value = new(big.Int)
	}
	base := audit.Record{
		Kind:          audit.KindSubmission,
		CorrelationID: corr.ID,
		PlanID:        corr.PlanID,
		SimulationID:  corr.SimulationID,
		BundleID:      corr.BundleID,
		DecisionID:    corr.DecisionID,
		StepID:        corr.StepID,
		ValueWei:      value.String(),
	}
	if s.deps.Signer != nil {
		base.From = s.deps.Signer.Address().Hex()
	}
	result := Result{CorrelationID: corr.ID, From: base.From}

	if err := s.guard(ctx); err != nil {
		return result, s.fail(ctx, base, err)
	}

	route, err := s.deps.Rules.Select(value, opts.Route)
	if err != nil {
		base.Route = string(opts.Route)
		return result, s.fail(ctx, base, err)
	}
	base.Route = string(route)
	result.Route = route

	send, err := s.sender(ctx, route)
	if err != nil {
		return result, s.fail(ctx, base, err)
	}
	if s.deps.Signer == nil {
		return result, s.fail(ctx, base, clierr.New(clierr.CodeSigner, "no signer configured"))
	}
	chainID, err := s.deps.Provider.ChainID(ctx)
	if err != nil {
		return result, s.fail(ctx, base, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		result.Attempts = attempt
		rec := base
		rec.Attempt = attempt
		if attempt > 1 {
			if err := s.deps.Sleep(ctx, time.Duration(attempt-1)*s.cfg.RetryBackoff); err != nil {
				return result, s.fail(ctx, rec, clierr.Wrap(clierr.CodeTimeout, "submission cancelled", err))
			}
			if err := s.guard(ctx); err != nil {
				return result, s.fail(ctx, rec, err)
			}
		}

		hash, nonce, err := s.attempt(ctx, chainID, req, value, send)
		rec.Nonce = nonce
		if err == nil {
			rec.Outcome = audit.OutcomeSuccess
			rec.TxHash = hash.Hex()
			s.append(ctx, rec)
			s.deps.Metrics.SubmissionAttempt(string(route), string(audit.OutcomeSuccess))
			s.log.Info("transaction submitted", "correlation_id", corr.ID, "route", route, "tx_hash", rec.TxHash, "nonce", *nonce, "attempt", attempt)
			result.TxHash = rec.TxHash
			result.Nonce = *nonce
			return result, nil
		}
		lastErr = err
		if !clierr.IsRetryable(err) || attempt == s.cfg.MaxRetries {
			return result, s.fail(ctx, rec, err)
		}
		s.record(ctx, rec, err)
		s.log.Warn("submission attempt failed, retrying", "correlation_id", corr.ID, "attempt", attempt, "error", err)
	}
	return result, lastErr
}

func (s *Service) attempt(ctx context.Context, chainID *big.Int, req TxRequest, value *big.Int, send func(context.Context, *types.Transaction) error) (common.Hash, *uint64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	from := s.deps.Signer.Address()
	nonce, err := s.deps.Nonces.Reserve(attemptCtx, from, s.deps.Provider.PendingNonceAt)
	if err != nil {
		return common.Hash{}, nil, err
	}
	n := nonce
	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: orZero(req.MaxPriorityFeePerGasWei),
		GasFeeCap: orZero(req.MaxFeePerGasWei),
		Gas:       req.Gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := s.deps.Signer.SignTx(chainID, tx)
	if err != nil {
		s.deps.Nonces.Release(from, nonce)
		return common.Hash{}, &n, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := send(attemptCtx, signed); err != nil {
		s.deps.Nonces.Release(from, nonce)
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			return common.Hash{}, &n, clierr.Wrap(clierr.CodeTimeout, "submission timed out", err)
		}
		if _, ok := clierr.As(err); !ok {
			err = clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
		}
		return common.Hash{}, &n, err
	}
	s.deps.Nonces.Commit(from, nonce)
	return signed.Hash(), &n, nil
}

// sender resolves the broadcast function for a route after confirming the
// provider supports it and is healthy.
func (s *Service) sender(ctx context.Context, route policy.Route) (func(context.Context, *types.Transaction) error, error) {
	p := s.deps.Provider
	if p == nil {
		return nil, clierr.ProviderOffline(string(route))
	}
	var send func(context.Context, *types.Transaction) error
	switch route {
	case policy.RoutePublicRPC:
		send = p.SendTransaction
	case policy.RoutePrivateRelay:
		relay, ok := p.(PrivateRelaySubmitter)
		if !ok {
			return nil, clierr.ProviderOffline(string(route))
		}
		send = relay.PrivateRelaySubmit
	case policy.RouteDeferred:
		deferred, ok := p.(DeferredSubmitter)
		if !ok {
			return nil, clierr.ProviderOffline(string(route))
		}
		send = deferred.DeferredSubmit
	default:
		return nil, clierr.PolicyViolation(fmt.Sprintf("unknown submission route %q", route))
	}
	if err := p.HealthCheck(ctx); err != nil {
		return nil, clierr.Wrap(clierr.CodeProviderOffline, fmt.Sprintf("submission route %s is unavailable", route), err)
	}
	return send, nil
}

func (s *Service) guard(ctx context.Context) error {
	if s.deps.Guard == nil {
		return nil
	}
	return s.deps.Guard.CheckAllowed(ctx, "transaction submission")
}

func (s *Service) fail(ctx context.Context, rec audit.Record, err error) error {
	s.record(ctx, rec, err)
	if clierr.IsSecurity(err) {
		s.log.Error("submission blocked", "correlation_id", rec.CorrelationID, "route", rec.Route, "error", err)
	} else {
		s.log.Error("submission failed", "correlation_id", rec.CorrelationID, "route", rec.Route, "error", err)
	}
	return err
}

func (s *Service) record(ctx context.Context, rec audit.Record, err error) {
	code := clierr.CodeOf(err)
	rec.Outcome = audit.OutcomeFailure
	if code == clierr.CodeKillSwitch || code == clierr.CodePolicy || code == clierr.CodeProviderOffline {
		rec.Outcome = audit.OutcomeBlocked
	}
	rec.ErrorCode = clierr.TypeName(code)
	rec.Error = err.Error()
	rec.SecurityEvent = clierr.IsSecurity(err)
	s.append(ctx, rec)
	s.deps.Metrics.SubmissionAttempt(rec.Route, string(rec.Outcome))
}

func (s *Service) append(ctx context.Context, rec audit.Record) {
	rec.Timestamp = s.deps.Now().UTC()
	if err := s.deps.Audit.Append(ctx, rec); err != nil {
		s.log.Error("audit append failed", "correlation_id", rec.CorrelationID, "error", err)
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
