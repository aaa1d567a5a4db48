package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/launchguard/launchguard/internal/agent"
	"github.com/launchguard/launchguard/internal/bundle"
	"github.com/launchguard/launchguard/internal/consensus"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/httpx"
	"github.com/launchguard/launchguard/internal/plan"
	"github.com/launchguard/launchguard/internal/storage"
)

type tokenOutcome struct {
	Token         string           `json:"token"`
	Signals       int              `json:"signals"`
	DecisionID    string           `json:"decision_id,omitempty"`
	Status        consensus.Status `json:"status,omitempty"`
	Rule          consensus.Rule   `json:"rule,omitempty"`
	AgentFailures []agent.Failure  `json:"agent_failures,omitempty"`
	PlanID        string           `json:"plan_id,omitempty"`
	PlanStatus    plan.Status      `json:"plan_status,omitempty"`
	Error         string           `json:"error,omitempty"`
}

type runSummary struct {
	Signals  int            `json:"signals"`
	Batches  int            `json:"batches"`
	Outcomes []tokenOutcome `json:"outcomes"`
}

// pipeline turns batches of signals into persisted decisions and, when a
// wallet is set, into plans.
type pipeline struct {
	collector *agent.Collector
	engine    *consensus.Engine
	store     *storage.Store
	plans     *plan.Service
	wallet    common.Address
	onBuilt   func(d consensus.FinalDecision)
	summary   runSummary
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var signalsPath, wallet, metricsAddr string
	var once bool
	cmd := mutating(&cobra.Command{
		Use:   "run",
		Short: "Feed signals through the agents, consensus and plan generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var signals []agent.Signal
			if strings.TrimSpace(signalsPath) != "" {
				buf, err := readInput(signalsPath)
				if err != nil {
					return err
				}
				if signals, err = decodeSignals(buf); err != nil {
					return err
				}
			} else if once {
				return clierr.New(clierr.CodeUsage, "--once requires --signals")
			}

			p, err := s.newPipeline(ctx, wallet)
			if err != nil {
				return err
			}
			if strings.TrimSpace(metricsAddr) == "" {
				metricsAddr = s.settings.MetricsAddr
			}
			if err := s.runLoop(ctx, p, signals, once, metricsAddr); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), p.summary, nil, s.svc.ProviderStatuses(ctx))
		},
	})
	cmd.Flags().StringVar(&signalsPath, "signals", "", "Signals file: JSON array or one JSON object per line (- for stdin)")
	cmd.Flags().StringVar(&wallet, "wallet", "", "Generate plans for EXECUTE decisions using this wallet")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&once, "once", false, "Exit after every signal in the file is processed")
	return cmd
}

func (s *runtimeState) newPipeline(ctx context.Context, wallet string) (*pipeline, error) {
	agents := s.runner.opts.Agents
	if len(agents) == 0 {
		client := httpx.New(s.settings.AgentTimeout, s.settings.Retries)
		for _, ep := range s.settings.Agents {
			a, err := agent.NewRemoteAgent(ep.Role, ep.URL, ep.APIKey, client)
			if err != nil {
				return nil, err
			}
			agents = append(agents, a)
		}
	}
	if len(agents) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "no agent endpoints configured")
	}
	engine, err := consensus.NewEngine(s.settings.Consensus, consensus.Options{Now: s.runner.now})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "configure consensus", err)
	}
	st, err := s.svc.Store()
	if err != nil {
		return nil, err
	}
	p := &pipeline{
		collector: agent.NewCollector(agents, agent.CollectorOptions{AgentTimeout: s.settings.AgentTimeout, Logger: s.svc.log}),
		engine:    engine,
		store:     st,
		onBuilt:   func(d consensus.FinalDecision) { s.svc.metrics.DecisionBuilt(string(d.Status)) },
		summary:   runSummary{Outcomes: []tokenOutcome{}},
	}
	if p.wallet, err = parseAddress("--wallet", wallet, false); err != nil {
		return nil, err
	}
	if p.wallet != (common.Address{}) {
		if p.plans, err = s.svc.Plans(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// runLoop feeds signals through the bounded queue. A full queue blocks the
// producer rather than dropping signals.
func (s *runtimeState) runLoop(ctx context.Context, p *pipeline, signals []agent.Signal, once bool, metricsAddr string) error {
	queue := agent.NewSignalQueue(s.settings.QueueCapacity)
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	velocity, err := s.svc.Velocity(ctx)
	if err != nil {
		return err
	}
	velocity.StartSweeper(runCtx)
	s.svc.Sessions().StartSweeper(runCtx, s.settings.Velocity.SweepInterval)
	ks, err := s.svc.KillSwitch(ctx)
	if err != nil {
		return err
	}
	// Activations from other processes also reach the hooks between signals.
	ks.Watch(runCtx, s.settings.Velocity.SweepInterval)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.svc.metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return clierr.Wrap(clierr.CodeUnavailable, "serve metrics", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		s.svc.log.Info("serving metrics", "addr", metricsAddr)
	}

	if once && len(signals) == 0 {
		cancel()
	}
	g.Go(func() error {
		for _, sig := range signals {
			if err := queue.Enqueue(runCtx, sig); err != nil {
				return nil
			}
		}
		return nil
	})
	g.Go(func() error {
		err := queue.Run(runCtx, s.settings.BatchSize, s.settings.FlushInterval, func(ctx context.Context, batch []agent.Signal) error {
			if err := p.handle(ctx, batch); err != nil {
				return err
			}
			if once && p.summary.Signals >= len(signals) {
				cancel()
			}
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !once {
		s.svc.log.Info("run loop stopped", "reason", err)
	}
	return nil
}

// handle processes one batch: signals are grouped per token in arrival order
// and each token gets one decision.
func (p *pipeline) handle(ctx context.Context, batch []agent.Signal) error {
	p.summary.Batches++
	p.summary.Signals += len(batch)
	order := []string{}
	byToken := map[string][]agent.Signal{}
	for _, sig := range batch {
		token := strings.ToLower(strings.TrimSpace(sig.Token))
		if _, ok := byToken[token]; !ok {
			order = append(order, token)
		}
		byToken[token] = append(byToken[token], sig)
	}
	for _, token := range order {
		out, err := p.decide(ctx, token, byToken[token])
		if err != nil {
			return err
		}
		p.summary.Outcomes = append(p.summary.Outcomes, out)
	}
	return nil
}

func (p *pipeline) decide(ctx context.Context, token string, signals []agent.Signal) (tokenOutcome, error) {
	out := tokenOutcome{Token: token, Signals: len(signals)}
	gathered, err := p.collector.Gather(ctx, signals, agent.Query{Token: token})
	if err != nil {
		return out, err
	}
	out.AgentFailures = gathered.Failures
	d, err := p.engine.Build(gathered.Opinions, token)
	if err != nil {
		out.Error = err.Error()
		return out, nil
	}
	if err := p.store.Decisions().Save(ctx, d); err != nil {
		return out, clierr.Wrap(clierr.CodeUnavailable, "save decision", err)
	}
	p.onBuilt(d)
	out.DecisionID, out.Status, out.Rule = d.ID, d.Status, d.TriggeredRule
	if d.Status != consensus.StatusExecute || p.plans == nil {
		return out, nil
	}
	o, err := p.plans.GeneratePlan(ctx, d, plan.Options{Trade: bundle.TradeOptions{Wallet: p.wallet}})
	if err != nil {
		// Plan failures are per token; the loop keeps serving other tokens.
		out.Error = err.Error()
		return out, nil
	}
	out.PlanID, out.PlanStatus = o.ID, o.Status
	return out, nil
}

// decodeSignals accepts a JSON array or a stream of JSON objects.
func decodeSignals(buf []byte) ([]agent.Signal, error) {
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var out []agent.Signal
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "decode signals", err)
		}
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var out []agent.Signal
	for {
		var sig agent.Signal
		err := dec.Decode(&sig)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "decode signals", err)
		}
		out = append(out, sig)
	}
}
