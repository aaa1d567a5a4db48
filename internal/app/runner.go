package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/launchguard/launchguard/internal/agent"
	"github.com/launchguard/launchguard/internal/config"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/logger"
	"github.com/launchguard/launchguard/internal/model"
	"github.com/launchguard/launchguard/internal/out"
	"github.com/launchguard/launchguard/internal/policy"
	"github.com/launchguard/launchguard/internal/schema"
	"github.com/launchguard/launchguard/internal/signer"
	"github.com/launchguard/launchguard/internal/simulation"
	"github.com/launchguard/launchguard/internal/submission"
	"github.com/launchguard/launchguard/internal/version"
)

// Options replaces chain-facing dependencies. Zero fields are built from
// configuration.
type Options struct {
	Stdout    io.Writer
	Stderr    io.Writer
	Now       func() time.Time
	Simulator simulation.Simulator
	Provider  submission.Provider
	Signer    signer.Signer
	// Agents replaces the configured remote agents in the run loop.
	Agents []agent.Agent
}

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	opts   Options
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return NewRunnerWithOptions(Options{Stdout: stdout, Stderr: stderr})
}

func NewRunnerWithOptions(opts Options) *Runner {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{stdout: opts.Stdout, stderr: opts.Stderr, now: opts.Now, opts: opts}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	root        *cobra.Command
	lastCommand string
	lastChainID int64
	svc         *services
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if state.svc != nil {
		if cerr := state.svc.Close(); cerr != nil {
			logger.L().Warn("close services", "error", cerr)
		}
	}
	if err == nil {
		return 0
	}
	state.renderError("", err, nil)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Decision and execution safety pipeline for launchpad trading agents",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastChainID = settings.Generator.ChainID
			logger.SetOutput(s.runner.stderr)
			logger.SetFormat(settings.LogFormat)
			logger.SetLevel(settings.LogLevel)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path, cmd.Annotations[schema.MutatingAnnotation] == "true"); err != nil {
				return err
			}
			if s.svc == nil {
				s.svc = newServices(s.runner, settings)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "HTTP request timeout for agents and relays")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per HTTP request")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&s.flags.LogFormat, "log-format", "", "Log format (json or text)")
	pf.StringVar(&s.flags.RPCURL, "rpc-url", "", "Chain RPC endpoint")
	pf.StringVar(&s.flags.DBPath, "db", "", "Path to the state database")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newConsensusCommand())
	cmd.AddCommand(s.newDecisionCommand())
	cmd.AddCommand(s.newPlanCommand())
	cmd.AddCommand(s.newKillSwitchCommand())
	cmd.AddCommand(s.newVelocityCommand())
	cmd.AddCommand(s.newAuditCommand())
	cmd.AddCommand(s.newRunCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Current().String())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, nil)
		},
	}
}

// mutating marks a command as writing state so schema consumers can tell
// read-only commands apart.
func mutating(cmd *cobra.Command) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[schema.MutatingAnnotation] = "true"
	return cmd
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, providers []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			ChainID:   s.lastChainID,
			Providers: providers,

			KillSwitchActive: s.killSwitchActive(),
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, providers []model.ProviderStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = clierr.TypeName(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:      code,
			Type:      typ,
			Message:   message,
			Retryable: clierr.IsRetryable(err),
		},
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			ChainID:   s.lastChainID,
			Providers: providers,

			KillSwitchActive: s.killSwitchActive(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

// killSwitchActive reports the switch only when the command loaded it.
func (s *runtimeState) killSwitchActive() *bool {
	if s.svc == nil || s.svc.killSwitch == nil {
		return nil
	}
	active := s.svc.killSwitch.Active()
	return &active
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	switch clierr.CodeOf(err) {
	case clierr.CodeUnavailable:
		return "unavailable"
	case clierr.CodeProviderOffline:
		return "offline"
	case clierr.CodeTimeout:
		return "timeout"
	default:
		return "error"
	}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
