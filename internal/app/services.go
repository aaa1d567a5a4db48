package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/launchguard/launchguard/internal/audit"
	"github.com/launchguard/launchguard/internal/bundle"
	"github.com/launchguard/launchguard/internal/config"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/execution"
	"github.com/launchguard/launchguard/internal/httpx"
	"github.com/launchguard/launchguard/internal/logger"
	"github.com/launchguard/launchguard/internal/metrics"
	"github.com/launchguard/launchguard/internal/model"
	"github.com/launchguard/launchguard/internal/plan"
	"github.com/launchguard/launchguard/internal/registry"
	"github.com/launchguard/launchguard/internal/safety"
	"github.com/launchguard/launchguard/internal/signer"
	"github.com/launchguard/launchguard/internal/simulation"
	"github.com/launchguard/launchguard/internal/storage"
	"github.com/launchguard/launchguard/internal/submission"
)

const relayKeyHeader = "X-Relay-Key"

// services builds the pipeline on first use so read-only commands never dial
// the chain or open more than they need.
type services struct {
	runner   *Runner
	settings config.Settings
	log      *slog.Logger
	metrics  *metrics.Metrics
	closers  []func() error

	store      *storage.Store
	auditSink  audit.Sink
	auditFile  *audit.FileSink
	killSwitch *safety.KillSwitch
	velocity   *safety.VelocityTracker
	sessions   *safety.SessionRegistry
	eth        *ethclient.Client
	simulator  simulation.Simulator
	plans      *plan.Service
	provider   submission.Provider
	submitter  *submission.Service
	executor   *execution.Executor
}

func newServices(r *Runner, settings config.Settings) *services {
	return &services{
		runner:   r,
		settings: settings,
		log:      logger.L(),
		metrics:  metrics.New("launchguard"),
	}
}

func (s *services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *services) Store() (*storage.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	st, err := storage.Open(s.settings.StorePath, s.settings.StoreLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open state store", err)
	}
	s.store = st
	s.closers = append(s.closers, st.Close)
	return st, nil
}

// Audit returns the file sink, fanned out to NATS when a server is
// configured. The file sink is the one read back by audit trace.
func (s *services) Audit() (audit.Sink, error) {
	if s.auditSink != nil {
		return s.auditSink, nil
	}
	file, err := s.AuditFile()
	if err != nil {
		return nil, err
	}
	sinks := audit.MultiSink{file}
	if s.settings.NATSURL != "" {
		ns, err := audit.ConnectNATS(s.settings.NATSURL, s.settings.NATSSubject)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "connect audit stream", err)
		}
		s.closers = append(s.closers, ns.Close)
		sinks = append(sinks, ns)
	}
	s.auditSink = sinks
	return sinks, nil
}

func (s *services) AuditFile() (*audit.FileSink, error) {
	if s.auditFile != nil {
		return s.auditFile, nil
	}
	f, err := audit.NewFileSink(s.settings.AuditPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open audit log", err)
	}
	s.auditFile = f
	return f, nil
}

func (s *services) Sessions() *safety.SessionRegistry {
	if s.sessions == nil {
		s.sessions = safety.NewSessionRegistry(s.settings.SessionTTL, s.runner.now)
	}
	return s.sessions
}

// KillSwitch loads the persisted switch state. Its hooks are wired once the
// plan service exists.
func (s *services) KillSwitch(ctx context.Context) (*safety.KillSwitch, error) {
	if s.killSwitch != nil {
		return s.killSwitch, nil
	}
	st, err := s.Store()
	if err != nil {
		return nil, err
	}
	sink, err := s.Audit()
	if err != nil {
		return nil, err
	}
	ks, err := safety.NewKillSwitch(s.settings.KillSwitch, safety.KillSwitchOptions{
		Store:    st.Safety(),
		Audit:    sink,
		Logger:   s.log,
		Now:      s.runner.now,
		OnChange: s.metrics.SetKillSwitchActive,
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "configure kill switch", err)
	}
	if err := ks.Load(ctx); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "load kill switch state", err)
	}
	s.killSwitch = ks
	return ks, nil
}

func (s *services) Velocity(ctx context.Context) (*safety.VelocityTracker, error) {
	if s.velocity != nil {
		return s.velocity, nil
	}
	st, err := s.Store()
	if err != nil {
		return nil, err
	}
	v, err := safety.NewVelocityTracker(s.settings.Velocity, safety.VelocityOptions{
		Now:      s.runner.now,
		Store:    st.Safety(),
		Logger:   s.log,
		OnReject: func(string) { s.metrics.VelocityRejected() },
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "configure velocity tracker", err)
	}
	if err := v.Load(ctx); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "load velocity window", err)
	}
	s.velocity = v
	return v, nil
}

func (s *services) Eth(ctx context.Context) (*ethclient.Client, error) {
	if s.eth != nil {
		return s.eth, nil
	}
	url, err := registry.ResolveRPCURL(s.settings.RPCURL, s.settings.Generator.ChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	s.eth = client
	s.closers = append(s.closers, func() error {
		client.Close()
		return nil
	})
	return client, nil
}

func (s *services) Simulator(ctx context.Context) (simulation.Simulator, error) {
	if s.simulator != nil {
		return s.simulator, nil
	}
	if s.runner.opts.Simulator != nil {
		s.simulator = s.runner.opts.Simulator
		return s.simulator, nil
	}
	client, err := s.Eth(ctx)
	if err != nil {
		return nil, err
	}
	s.simulator = simulation.NewEngine(simulation.NewRPCBackend(client), simulation.Options{
		Now:    s.runner.now,
		Logger: s.log,
	})
	return s.simulator, nil
}

// Plans builds the plan service and arms the kill switch hooks that clear
// queued plans and revoke sessions.
func (s *services) Plans(ctx context.Context) (*plan.Service, error) {
	if s.plans != nil {
		return s.plans, nil
	}
	st, err := s.Store()
	if err != nil {
		return nil, err
	}
	ks, err := s.KillSwitch(ctx)
	if err != nil {
		return nil, err
	}
	sink, err := s.Audit()
	if err != nil {
		return nil, err
	}
	sim, err := s.Simulator(ctx)
	if err != nil {
		return nil, err
	}
	gen, err := bundle.NewGenerator(s.settings.Generator, bundle.Options{Now: s.runner.now})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "configure bundle generator", err)
	}
	svc, err := plan.NewService(s.settings.Plan, plan.Deps{
		Generator:   gen,
		Simulator:   sim,
		Constraints: s.settings.Constraints,
		Staleness:   s.settings.Staleness,
		Repo:        st.Plans(),
		Guard:       ks,
		Audit:       sink,
		Metrics:     s.metrics,
		Logger:      s.log,
		Now:         s.runner.now,
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "configure plan service", err)
	}
	s.armKillSwitch(ks, svc)
	s.plans = svc
	return svc, nil
}

func (s *services) armKillSwitch(ks *safety.KillSwitch, plans *plan.Service) {
	h := safety.Hooks{RevokeSessions: s.Sessions().RevokeAll}
	if plans != nil {
		h.ClearQueuedPlans = plans.ClearQueued
	} else if s.store != nil {
		repo := s.store.Plans()
		h.ClearQueuedPlans = func(ctx context.Context) (int, error) {
			return repo.ClearQueued(ctx, s.runner.now().UTC())
		}
	}
	ks.SetHooks(h)
}

// Provider returns the transaction provider. A relay URL upgrades the plain
// RPC provider to one that can also submit privately.
func (s *services) Provider(ctx context.Context) (submission.Provider, error) {
	if s.provider != nil {
		return s.provider, nil
	}
	if s.runner.opts.Provider != nil {
		s.provider = s.runner.opts.Provider
		return s.provider, nil
	}
	client, err := s.Eth(ctx)
	if err != nil {
		return nil, err
	}
	eth := submission.NewEthProvider(client)
	if s.settings.RelayURL == "" {
		s.provider = eth
		return eth, nil
	}
	headers := map[string]string{}
	if s.settings.RelayAPIKey != "" {
		headers[relayKeyHeader] = s.settings.RelayAPIKey
	}
	s.provider = submission.NewRelayProvider(eth, s.settings.RelayURL, httpx.New(s.settings.Timeout, s.settings.Retries), headers)
	return s.provider, nil
}

func (s *services) Signer() (signer.Signer, error) {
	if s.runner.opts.Signer != nil {
		return s.runner.opts.Signer, nil
	}
	sg, err := signer.Load(s.settings.KeySource)
	if err != nil {
		return nil, err
	}
	return sg, nil
}

func (s *services) Submitter(ctx context.Context) (*submission.Service, error) {
	if s.submitter != nil {
		return s.submitter, nil
	}
	ks, err := s.KillSwitch(ctx)
	if err != nil {
		return nil, err
	}
	sink, err := s.Audit()
	if err != nil {
		return nil, err
	}
	provider, err := s.Provider(ctx)
	if err != nil {
		return nil, err
	}
	sg, err := s.Signer()
	if err != nil {
		return nil, err
	}
	svc, err := submission.NewService(s.settings.Submission, submission.Deps{
		Provider: provider,
		Signer:   sg,
		Rules:    s.settings.Routes,
		Guard:    ks,
		Nonces:   submission.NewNonceManager(),
		Audit:    sink,
		Metrics:  s.metrics,
		Logger:   s.log,
		Now:      s.runner.now,
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "configure submission", err)
	}
	s.submitter = svc
	return svc, nil
}

func (s *services) Executor(ctx context.Context) (*execution.Executor, error) {
	if s.executor != nil {
		return s.executor, nil
	}
	plans, err := s.Plans(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := s.Submitter(ctx)
	if err != nil {
		return nil, err
	}
	velocity, err := s.Velocity(ctx)
	if err != nil {
		return nil, err
	}
	ks, err := s.KillSwitch(ctx)
	if err != nil {
		return nil, err
	}
	cfg := sub.Config()
	ex, err := execution.NewExecutor(execution.Deps{
		Plans:          plans,
		Submitter:      sub,
		Receipts:       sub.ReceiptFetcher(),
		Guard:          ks,
		Velocity:       velocity,
		Sessions:       s.Sessions(),
		Contracts:      execution.Contracts{Router: s.settings.Generator.Router, Factory: s.settings.Generator.Factory},
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.PollInterval,
		Logger:         s.log,
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "configure executor", err)
	}
	s.executor = ex
	return ex, nil
}

// ProviderStatuses health-checks the provider a command used, for the envelope
// meta. Commands that never touched the chain report nothing.
func (s *services) ProviderStatuses(ctx context.Context) []model.ProviderStatus {
	if s.provider == nil {
		return nil
	}
	start := time.Now()
	err := s.provider.HealthCheck(ctx)
	return []model.ProviderStatus{{
		Name:      s.provider.Name(),
		Status:    statusFromErr(err),
		LatencyMS: time.Since(start).Milliseconds(),
	}}
}
