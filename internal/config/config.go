package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/launchguard/launchguard/internal/agent"
	"github.com/launchguard/launchguard/internal/bundle"
	"github.com/launchguard/launchguard/internal/consensus"
	"github.com/launchguard/launchguard/internal/constraints"
	"github.com/launchguard/launchguard/internal/plan"
	"github.com/launchguard/launchguard/internal/policy"
	"github.com/launchguard/launchguard/internal/registry"
	"github.com/launchguard/launchguard/internal/safety"
	"github.com/launchguard/launchguard/internal/simulation"
	"github.com/launchguard/launchguard/internal/submission"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	LogLevel       string
	LogFormat      string
	RPCURL         string
	DBPath         string
}

// AgentEndpoint is a remote analyst the run loop fans signals out to.
type AgentEndpoint struct {
	Role   agent.Role
	URL    string
	APIKey string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int
	LogLevel       string
	LogFormat      string

	RPCURL      string
	RelayURL    string
	RelayAPIKey string
	KeySource   string

	StorePath     string
	StoreLockPath string
	AuditPath     string
	NATSURL       string
	NATSSubject   string
	MetricsAddr   string

	Agents        []AgentEndpoint
	AgentTimeout  time.Duration
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	SessionTTL    time.Duration

	Consensus   consensus.Config
	Generator   bundle.Config
	Constraints constraints.Constraints
	Staleness   simulation.StalenessPolicy
	Submission  submission.Config
	Routes      policy.RouteRules
	KillSwitch  safety.KillSwitchConfig
	Velocity    safety.VelocityConfig
	Plan        plan.Config
}

type fileConfig struct {
	Output    string `yaml:"output"`
	Timeout   string `yaml:"timeout"`
	Retries   *int   `yaml:"retries"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Chain     struct {
		ID          *int64 `yaml:"id"`
		RPCURL      string `yaml:"rpc_url"`
		RelayURL    string `yaml:"relay_url"`
		RelayKeyEnv string `yaml:"relay_api_key_env"`
		Router      string `yaml:"router"`
		Factory     string `yaml:"factory"`
	} `yaml:"chain"`
	Storage struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"storage"`
	Audit struct {
		Path        string `yaml:"path"`
		NATSURL     string `yaml:"nats_url"`
		NATSSubject string `yaml:"nats_subject"`
	} `yaml:"audit"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Agents struct {
		Timeout       string `yaml:"timeout"`
		QueueCapacity *int   `yaml:"queue_capacity"`
		BatchSize     *int   `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
		Endpoints     []struct {
			Role      string `yaml:"role"`
			URL       string `yaml:"url"`
			APIKeyEnv string `yaml:"api_key_env"`
		} `yaml:"endpoints"`
	} `yaml:"agents"`
	Consensus struct {
		MinAgentsRequired        *int     `yaml:"min_agents_required"`
		AdversarialVetoThreshold *float64 `yaml:"adversarial_veto_threshold"`
		ConfidenceThreshold      *float64 `yaml:"confidence_threshold"`
		LowConfidenceFloor       *float64 `yaml:"low_confidence_floor"`
		AgreementThreshold       *float64 `yaml:"agreement_threshold"`
		MaxAverageRisk           *float64 `yaml:"max_average_risk"`
		DecisionExpiry           string   `yaml:"decision_expiry"`
	} `yaml:"consensus"`
	Bundle struct {
		GasBufferPercent   *uint64 `yaml:"gas_buffer_percent"`
		BundleExpiry       string  `yaml:"bundle_expiry"`
		SwapDeadline       string  `yaml:"swap_deadline"`
		MaxFeePerGasGwei   string  `yaml:"max_fee_per_gas_gwei"`
		MaxPriorityFeeGwei string  `yaml:"max_priority_fee_gwei"`
		StepMaxRetries     *int    `yaml:"step_max_retries"`
	} `yaml:"bundle"`
	Constraints struct {
		MaxSlippagePct        *float64 `yaml:"max_slippage_pct"`
		MaxBudgetMon          string   `yaml:"max_budget_mon"`
		MaxRiskScore          *float64 `yaml:"max_risk_score"`
		MaxGasPriceGwei       string   `yaml:"max_gas_price_gwei"`
		MaxExecutionTime      string   `yaml:"max_execution_time"`
		RequireManualApproval *bool    `yaml:"require_manual_approval"`
		StaleSimulationBlocks *uint64  `yaml:"stale_simulation_blocks"`
	} `yaml:"constraints"`
	Simulation struct {
		MaxBlocks *uint64 `yaml:"max_blocks"`
		BlockTime string  `yaml:"block_time"`
	} `yaml:"simulation"`
	Submission struct {
		MaxRetries     *int   `yaml:"max_retries"`
		RetryBackoff   string `yaml:"retry_backoff"`
		SubmitTimeout  string `yaml:"submit_timeout"`
		ConfirmTimeout string `yaml:"confirm_timeout"`
		PollInterval   string `yaml:"poll_interval"`
		KeySource      string `yaml:"key_source"`
	} `yaml:"submission"`
	Routes struct {
		PublicMaxMon        string `yaml:"public_max_mon"`
		PrivateRelayEnabled *bool  `yaml:"private_relay_enabled"`
		DeferredEnabled     *bool  `yaml:"deferred_enabled"`
	} `yaml:"routes"`
	Safety struct {
		RequireConfirmation   *bool  `yaml:"require_confirmation"`
		ConfirmationTokenHash string `yaml:"confirmation_token_hash"`
		VelocityWindow        string `yaml:"velocity_window"`
		SweepInterval         string `yaml:"sweep_interval"`
		VelocityLimitMon      string `yaml:"velocity_limit_mon"`
		SessionTTL            string `yaml:"session_ttl"`
	} `yaml:"safety"`
	Plan struct {
		RequireManualApproval *bool `yaml:"require_manual_approval"`
	} `yaml:"plan"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate runs every component's own validation. Out-of-range values are
// errors, never clamped.
func (s Settings) Validate() error {
	if s.OutputMode != "json" && s.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	checks := []func() error{
		s.Consensus.Validate,
		s.Generator.Validate,
		s.Constraints.Validate,
		s.Staleness.Validate,
		s.Submission.Validate,
		s.Routes.Validate,
		s.KillSwitch.Validate,
		s.Velocity.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	if _, ok := registry.DefaultRPCURL(s.Generator.ChainID); !ok && s.RPCURL == "" {
		return fmt.Errorf("chain %d has no default rpc url; set chain.rpc_url", s.Generator.ChainID)
	}
	for i, a := range s.Agents {
		if !a.Role.Valid() {
			return fmt.Errorf("agents.endpoints[%d]: unknown role %q", i, a.Role)
		}
		if strings.TrimSpace(a.URL) == "" {
			return fmt.Errorf("agents.endpoints[%d]: url is required", i)
		}
	}
	if s.QueueCapacity <= 0 || s.BatchSize <= 0 {
		return fmt.Errorf("agents: queue_capacity and batch_size must be positive")
	}
	return nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:    "json",
		Timeout:       10 * time.Second,
		Retries:       2,
		LogLevel:      "info",
		LogFormat:     "json",
		KeySource:     "auto",
		StorePath:     filepath.Join(dataDir, "launchguard.db"),
		StoreLockPath: filepath.Join(dataDir, "launchguard.lock"),
		AuditPath:     filepath.Join(dataDir, "audit.jsonl"),
		NATSSubject:   "launchguard.audit",
		AgentTimeout:  45 * time.Second,
		QueueCapacity: 256,
		BatchSize:     16,
		FlushInterval: 2 * time.Second,
		SessionTTL:    15 * time.Minute,
		Consensus:     consensus.DefaultConfig(),
		Generator:     bundle.DefaultConfig(),
		Constraints:   constraints.Default(),
		Staleness:     simulation.DefaultStalenessPolicy(),
		Submission:    submission.DefaultConfig(),
		Routes:        policy.DefaultRouteRules(),
		Velocity:      safety.DefaultVelocityConfig(),
		Plan:          plan.DefaultConfig(),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "launchguard", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "launchguard"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	setString(&settings.LogLevel, cfg.LogLevel)
	setString(&settings.LogFormat, cfg.LogFormat)

	if cfg.Chain.ID != nil {
		settings.Generator.ChainID = *cfg.Chain.ID
	}
	setString(&settings.RPCURL, cfg.Chain.RPCURL)
	setString(&settings.RelayURL, cfg.Chain.RelayURL)
	if cfg.Chain.RelayKeyEnv != "" {
		settings.RelayAPIKey = os.Getenv(cfg.Chain.RelayKeyEnv)
	}
	if err := setAddress(&settings.Generator.Router, "chain.router", cfg.Chain.Router); err != nil {
		return err
	}
	if err := setAddress(&settings.Generator.Factory, "chain.factory", cfg.Chain.Factory); err != nil {
		return err
	}

	setString(&settings.StorePath, cfg.Storage.Path)
	setString(&settings.StoreLockPath, cfg.Storage.LockPath)
	setString(&settings.AuditPath, cfg.Audit.Path)
	setString(&settings.NATSURL, cfg.Audit.NATSURL)
	setString(&settings.NATSSubject, cfg.Audit.NATSSubject)
	setString(&settings.MetricsAddr, cfg.Metrics.Addr)

	if cfg.Agents.QueueCapacity != nil {
		settings.QueueCapacity = *cfg.Agents.QueueCapacity
	}
	if cfg.Agents.BatchSize != nil {
		settings.BatchSize = *cfg.Agents.BatchSize
	}
	for _, ep := range cfg.Agents.Endpoints {
		a := AgentEndpoint{Role: agent.Role(strings.TrimSpace(ep.Role)), URL: strings.TrimSpace(ep.URL)}
		if ep.APIKeyEnv != "" {
			a.APIKey = os.Getenv(ep.APIKeyEnv)
		}
		settings.Agents = append(settings.Agents, a)
	}

	c := &settings.Consensus
	setInt(&c.MinAgentsRequired, cfg.Consensus.MinAgentsRequired)
	setFloat(&c.AdversarialVetoThreshold, cfg.Consensus.AdversarialVetoThreshold)
	setFloat(&c.ConfidenceThreshold, cfg.Consensus.ConfidenceThreshold)
	setFloat(&c.LowConfidenceFloor, cfg.Consensus.LowConfidenceFloor)
	setFloat(&c.AgreementThreshold, cfg.Consensus.AgreementThreshold)
	setFloat(&c.MaxAverageRisk, cfg.Consensus.MaxAverageRisk)

	g := &settings.Generator
	if cfg.Bundle.GasBufferPercent != nil {
		g.GasBufferPercent = *cfg.Bundle.GasBufferPercent
	}
	setInt(&g.StepMaxRetries, cfg.Bundle.StepMaxRetries)

	k := &settings.Constraints
	setFloat(&k.MaxSlippagePct, cfg.Constraints.MaxSlippagePct)
	setFloat(&k.MaxRiskScore, cfg.Constraints.MaxRiskScore)
	setBool(&k.RequireManualApproval, cfg.Constraints.RequireManualApproval)
	if cfg.Constraints.StaleSimulationBlocks != nil {
		k.StaleSimulationBlocks = *cfg.Constraints.StaleSimulationBlocks
	}

	if cfg.Simulation.MaxBlocks != nil {
		settings.Staleness.MaxBlocks = *cfg.Simulation.MaxBlocks
	}
	setInt(&settings.Submission.MaxRetries, cfg.Submission.MaxRetries)
	setString(&settings.KeySource, cfg.Submission.KeySource)
	setBool(&settings.Routes.PrivateRelayEnabled, cfg.Routes.PrivateRelayEnabled)
	setBool(&settings.Routes.DeferredEnabled, cfg.Routes.DeferredEnabled)
	setBool(&settings.KillSwitch.RequireConfirmation, cfg.Safety.RequireConfirmation)
	setString(&settings.KillSwitch.ConfirmationTokenHash, cfg.Safety.ConfirmationTokenHash)
	setBool(&settings.Plan.RequireManualApproval, cfg.Plan.RequireManualApproval)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"timeout", cfg.Timeout, &settings.Timeout},
		{"agents.timeout", cfg.Agents.Timeout, &settings.AgentTimeout},
		{"agents.flush_interval", cfg.Agents.FlushInterval, &settings.FlushInterval},
		{"consensus.decision_expiry", cfg.Consensus.DecisionExpiry, &c.DecisionExpiry},
		{"bundle.bundle_expiry", cfg.Bundle.BundleExpiry, &g.BundleExpiry},
		{"bundle.swap_deadline", cfg.Bundle.SwapDeadline, &g.SwapDeadline},
		{"constraints.max_execution_time", cfg.Constraints.MaxExecutionTime, &k.MaxExecutionTime},
		{"simulation.block_time", cfg.Simulation.BlockTime, &settings.Staleness.BlockTime},
		{"submission.retry_backoff", cfg.Submission.RetryBackoff, &settings.Submission.RetryBackoff},
		{"submission.submit_timeout", cfg.Submission.SubmitTimeout, &settings.Submission.SubmitTimeout},
		{"submission.confirm_timeout", cfg.Submission.ConfirmTimeout, &settings.Submission.ConfirmTimeout},
		{"submission.poll_interval", cfg.Submission.PollInterval, &settings.Submission.PollInterval},
		{"safety.velocity_window", cfg.Safety.VelocityWindow, &settings.Velocity.Window},
		{"safety.sweep_interval", cfg.Safety.SweepInterval, &settings.Velocity.SweepInterval},
		{"safety.session_ttl", cfg.Safety.SessionTTL, &settings.SessionTTL},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.name, d.raw); err != nil {
			return err
		}
	}

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"bundle.max_fee_per_gas_gwei", cfg.Bundle.MaxFeePerGasGwei, &g.MaxFeePerGasGwei},
		{"bundle.max_priority_fee_gwei", cfg.Bundle.MaxPriorityFeeGwei, &g.MaxPriorityFeeGwei},
		{"constraints.max_budget_mon", cfg.Constraints.MaxBudgetMon, &k.MaxBudgetMon},
		{"constraints.max_gas_price_gwei", cfg.Constraints.MaxGasPriceGwei, &k.MaxGasPriceGwei},
		{"routes.public_max_mon", cfg.Routes.PublicMaxMon, &settings.Routes.PublicMaxMon},
		{"safety.velocity_limit_mon", cfg.Safety.VelocityLimitMon, &settings.Velocity.DefaultLimitMon},
	}
	for _, d := range decimals {
		if err := setDecimal(d.dst, d.name, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv("LAUNCHGUARD_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("LAUNCHGUARD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("LAUNCHGUARD_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("LAUNCHGUARD_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.Generator.ChainID = n
		}
	}
	setString(&settings.LogLevel, os.Getenv("LAUNCHGUARD_LOG_LEVEL"))
	setString(&settings.LogFormat, os.Getenv("LAUNCHGUARD_LOG_FORMAT"))
	setString(&settings.RPCURL, os.Getenv("LAUNCHGUARD_RPC_URL"))
	setString(&settings.RelayURL, os.Getenv("LAUNCHGUARD_RELAY_URL"))
	setString(&settings.RelayAPIKey, os.Getenv("LAUNCHGUARD_RELAY_API_KEY"))
	setString(&settings.KeySource, os.Getenv("LAUNCHGUARD_KEY_SOURCE"))
	setString(&settings.StorePath, os.Getenv("LAUNCHGUARD_DB_PATH"))
	setString(&settings.StoreLockPath, os.Getenv("LAUNCHGUARD_DB_LOCK_PATH"))
	setString(&settings.AuditPath, os.Getenv("LAUNCHGUARD_AUDIT_PATH"))
	setString(&settings.NATSURL, os.Getenv("LAUNCHGUARD_NATS_URL"))
	setString(&settings.MetricsAddr, os.Getenv("LAUNCHGUARD_METRICS_ADDR"))
	setString(&settings.KillSwitch.ConfirmationTokenHash, os.Getenv("LAUNCHGUARD_KILLSWITCH_TOKEN_HASH"))
	if err := setAddress(&settings.Generator.Router, "LAUNCHGUARD_ROUTER", os.Getenv("LAUNCHGUARD_ROUTER")); err != nil {
		return err
	}
	if err := setAddress(&settings.Generator.Factory, "LAUNCHGUARD_FACTORY", os.Getenv("LAUNCHGUARD_FACTORY")); err != nil {
		return err
	}
	return setDecimal(&settings.Velocity.DefaultLimitMon, "LAUNCHGUARD_VELOCITY_LIMIT_MON", os.Getenv("LAUNCHGUARD_VELOCITY_LIMIT_MON"))
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	settings.SelectFields = splitList(flags.Select)
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	setString(&settings.LogLevel, flags.LogLevel)
	setString(&settings.LogFormat, flags.LogFormat)
	setString(&settings.RPCURL, flags.RPCURL)
	setString(&settings.StorePath, flags.DBPath)
	return nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, name, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func setDecimal(dst *decimal.Decimal, name, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func setAddress(dst *common.Address, name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("config %s: invalid address %q", name, raw)
	}
	*dst = common.HexToAddress(raw)
	return nil
}
