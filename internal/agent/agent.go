package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/launchguard/launchguard/internal/logger"
)

// Signal is one observation fed to the agents: a new launch, a large trade,
// a social spike and so on.
type Signal struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Kind       string         `json:"kind"`
	Token      string         `json:"token"`
	Payload    map[string]any `json:"payload,omitempty"`
	ObservedAt time.Time      `json:"observed_at"`
}

// Query is the question the agents are asked about a token.
type Query struct {
	Token    string `json:"token"`
	Question string `json:"question,omitempty"`
}

// Agent produces an Opinion for a query. Implementations must return an
// opinion whose Role matches Role().
type Agent interface {
	Role() Role
	Analyze(ctx context.Context, signals []Signal, query Query) (Opinion, error)
}

type Failure struct {
	Role  Role   `json:"role"`
	Error string `json:"error"`
}

type Gathered struct {
	Opinions []Opinion `json:"opinions"`
	Failures []Failure `json:"failures,omitempty"`
}

type CollectorOptions struct {
	AgentTimeout time.Duration
	Logger       *slog.Logger
}

// Collector fans a query out to every agent and joins the results in
// agent order.
type Collector struct {
	agents  []Agent
	timeout time.Duration
	log     *slog.Logger
}

func NewCollector(agents []Agent, opts CollectorOptions) *Collector {
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 45 * time.Second
	}
	return &Collector{
		agents:  append([]Agent(nil), agents...),
		timeout: opts.AgentTimeout,
		log:     logger.OrDefault(opts.Logger),
	}
}

// Gather runs every agent concurrently. A failing agent is reported and does
// not cancel the others; the returned error is only set when ctx ends first.
func (c *Collector) Gather(ctx context.Context, signals []Signal, query Query) (Gathered, error) {
	type slot struct {
		opinion Opinion
		err     error
	}
	results := make([]slot, len(c.agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range c.agents {
		i, a := i, a
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			start := time.Now()
			op, err := a.Analyze(actx, signals, query)
			if err == nil && op.Role != a.Role() {
				err = fmt.Errorf("agent declared role %s but returned %s", a.Role(), op.Role)
			}
			if err == nil {
				err = op.Validate()
			}
			results[i] = slot{opinion: op, err: err}
			c.log.Debug("agent finished", "role", a.Role(), "token", query.Token, "latency_ms", time.Since(start).Milliseconds(), "ok", err == nil)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Gathered{}, err
	}

	out := Gathered{Opinions: make([]Opinion, 0, len(results))}
	for i, r := range results {
		if r.err != nil {
			c.log.Warn("agent failed", "role", c.agents[i].Role(), "token", query.Token, "error", r.err)
			out.Failures = append(out.Failures, Failure{Role: c.agents[i].Role(), Error: r.err.Error()})
			continue
		}
		out.Opinions = append(out.Opinions, r.opinion)
	}
	return out, nil
}

// StaticAgent returns a fixed opinion. It backs file-driven runs and tests.
type StaticAgent struct {
	Opinion Opinion
	Err     error
	Delay   time.Duration
}

func (s StaticAgent) Role() Role { return s.Opinion.Role }

func (s StaticAgent) Analyze(ctx context.Context, _ []Signal, _ Query) (Opinion, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return Opinion{}, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return Opinion{}, s.Err
	}
	return s.Opinion, nil
}
