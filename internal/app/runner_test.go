package app

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/launchguard/launchguard/internal/agent"
	"github.com/launchguard/launchguard/internal/signer"
	"github.com/launchguard/launchguard/internal/simulation"
)

const (
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testToken = "0x00000000000000000000000000000000000000b1"
)

type chainStub struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func (c *chainStub) Name() string                               { return "stub" }
func (c *chainStub) HealthCheck(context.Context) error          { return nil }
func (c *chainStub) ChainID(context.Context) (*big.Int, error) { return big.NewInt(10143), nil }
func (c *chainStub) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.sent)), nil
}

func (c *chainStub) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	c.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), GasUsed: 120_000}
	return nil
}

func (c *chainStub) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

type harness struct {
	t      *testing.T
	dir    string
	chain  *chainStub
	signer *signer.LocalSigner
	opts   Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	cfgDir := filepath.Join(dir, "config", "launchguard")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	cfg := strings.Join([]string{
		"log_level: error",
		"chain:",
		"  router: \"0x00000000000000000000000000000000000000a1\"",
		"  factory: \"0x00000000000000000000000000000000000000f1\"",
		"agents:",
		"  flush_interval: 20ms",
		"submission:",
		"  poll_interval: 5ms",
		"  confirm_timeout: 2s",
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ls, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testKey})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	chain := &chainStub{receipts: map[common.Hash]*types.Receipt{}}
	backend := simulation.NewScenarioBackend(simulation.BlockRef{Number: 1000, Timestamp: time.Now().UTC()})
	return &harness{
		t:      t,
		dir:    dir,
		chain:  chain,
		signer: ls,
		opts: Options{
			Simulator: simulation.NewEngine(backend, simulation.Options{}),
			Provider:  chain,
			Signer:    ls,
		},
	}
}

// run executes one CLI invocation and returns its exit code, stdout and
// stderr.
func (h *harness) run(args ...string) (int, []byte, []byte) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	opts := h.opts
	opts.Stdout = &stdout
	opts.Stderr = &stderr
	code := NewRunnerWithOptions(opts).Run(args)
	return code, stdout.Bytes(), stderr.Bytes()
}

func (h *harness) mustRun(args ...string) map[string]any {
	h.t.Helper()
	code, stdout, stderr := h.run(args...)
	if code != 0 {
		h.t.Fatalf("%v: exit %d, stderr=%s", args, code, stderr)
	}
	var env map[string]any
	if err := json.Unmarshal(stdout, &env); err != nil {
		h.t.Fatalf("%v: decode envelope: %v (%s)", args, err, stdout)
	}
	if env["success"] != true {
		h.t.Fatalf("%v: expected success envelope, got %v", args, env)
	}
	return env
}

// errorEnvelope decodes the envelope written after any log lines on stderr.
func errorEnvelope(t *testing.T, stderr []byte) map[string]any {
	t.Helper()
	idx := bytes.LastIndex(stderr, []byte("{\n  \"version\""))
	if idx < 0 {
		t.Fatalf("no envelope on stderr: %s", stderr)
	}
	var env map[string]any
	if err := json.Unmarshal(stderr[idx:], &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}

func writeOpinions(t *testing.T, dir string) string {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	var items []map[string]any
	for _, role := range []string{"market_analyst", "sentiment_analyst", "onchain_analyst"} {
		items = append(items, map[string]any{
			"role":             role,
			"recommendation":   "buy",
			"sentiment":        "bullish",
			"confidence_score": 0.9,
			"risk_score":       0.2,
			"rationale":        "volume and holder growth",
			"produced_at":      now,
		})
	}
	buf, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal opinions: %v", err)
	}
	path := filepath.Join(dir, "opinions.json")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write opinions: %v", err)
	}
	return path
}

func dataMap(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	data, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %T", env["data"])
	}
	return data
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("launchguard plan list"); got != "plan list" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := trimRootPath("launchguard"); got != "launchguard" {
		t.Fatalf("unexpected root path %q", got)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" Approved, ,submitted ")
	if len(got) != 2 || got[0] != "approved" || got[1] != "submitted" {
		t.Fatalf("unexpected split %v", got)
	}
	if splitCSV("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}

func TestBlockedCommandRendersFullErrorEnvelope(t *testing.T) {
	h := newHarness(t)
	code, stdout, stderr := h.run("audit", "trace", "--enable-commands", "plan list", "--results-only")
	if code != 16 {
		t.Fatalf("expected exit 16, got %d", code)
	}
	if len(stdout) != 0 {
		t.Fatalf("expected empty stdout, got %s", stdout)
	}
	env := errorEnvelope(t, stderr)
	if env["success"] != false {
		t.Fatalf("expected failure envelope, got %v", env)
	}
	body := env["error"].(map[string]any)
	if body["type"] != "command_blocked" || body["code"].(float64) != 16 {
		t.Fatalf("unexpected error body %v", body)
	}
	meta := env["meta"].(map[string]any)
	if meta["command"] != "audit trace" {
		t.Fatalf("unexpected meta command %v", meta["command"])
	}
	if body["retryable"] != false {
		t.Fatalf("a policy block is not retryable: %v", body)
	}
}

func TestKillSwitchReachableUnderAnyAllowlist(t *testing.T) {
	h := newHarness(t)
	env := h.mustRun("killswitch", "status", "--enable-commands", "plan list")
	meta := env["meta"].(map[string]any)
	if meta["kill_switch_active"] != false {
		t.Fatalf("status should report the switch it loaded, got %v", meta)
	}

	code, _, stderr := h.run("plan", "submit", "--plan-id", "plan_x", "--enable-commands", "read-only")
	if code != 16 {
		t.Fatalf("read-only allowlist must block plan submit, got %d (%s)", code, stderr)
	}
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	h := newHarness(t)
	code, _, stderr := h.run("plan", "list", "--nope")
	if code != 2 {
		t.Fatalf("expected usage exit 2, got %d (%s)", code, stderr)
	}
}

func TestConsensusBuildPersistsDecision(t *testing.T) {
	h := newHarness(t)
	opinions := writeOpinions(t, h.dir)

	env := h.mustRun("consensus", "build", "--opinions", opinions, "--token", testToken)
	d := dataMap(t, env)
	if d["status"] != "EXECUTE" {
		t.Fatalf("expected EXECUTE, got %v (%v)", d["status"], d["triggered_rule"])
	}
	if d["suggested_amount_mon"] != "0.42" {
		t.Fatalf("unexpected suggested amount %v", d["suggested_amount_mon"])
	}
	id, _ := d["id"].(string)
	if id == "" {
		t.Fatal("expected decision id")
	}

	shown := dataMap(t, h.mustRun("decision", "show", "--decision-id", id))
	if shown["id"] != id || shown["target_token"] != testToken {
		t.Fatalf("unexpected stored decision %v", shown)
	}

	code, _, _ := h.run("decision", "show", "--decision-id", "missing")
	if code != 2 {
		t.Fatalf("expected usage exit for missing decision, got %d", code)
	}
}

func TestConsensusBuildRejectsMalformedOpinions(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "bad.json")
	if err := os.WriteFile(path, []byte(`[{"role":"red_team","recommendation":"buy","sentiment":"neutral","confidence_score":0.5,"risk_score":0.5}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, _, stderr := h.run("consensus", "build", "--opinions", path)
	if code != 2 {
		t.Fatalf("expected usage exit, got %d (%s)", code, stderr)
	}
}

func TestPlanLifecycleEndToEnd(t *testing.T) {
	h := newHarness(t)
	wallet := h.signer.Address().Hex()
	opinions := writeOpinions(t, h.dir)
	decisionID := dataMap(t, h.mustRun("consensus", "build", "--opinions", opinions, "--token", testToken))["id"].(string)

	generated := dataMap(t, h.mustRun("plan", "generate", "--decision-id", decisionID, "--wallet", wallet))
	planID, _ := generated["id"].(string)
	if planID == "" {
		t.Fatal("expected plan id")
	}
	if generated["status"] != "pending_approval" {
		t.Fatalf("expected pending_approval, got %v (%v)", generated["status"], generated["blocking_reasons"])
	}

	code, _, _ := h.run("plan", "submit", "--plan-id", planID)
	if code != 22 {
		t.Fatalf("expected approval exit 22 before approval, got %d", code)
	}

	approved := dataMap(t, h.mustRun("plan", "approve", "--plan-id", planID, "--actor", "alice"))
	if approved["status"] != "approved" || approved["approved_by"] != "alice" {
		t.Fatalf("unexpected approval %v", approved)
	}

	env := h.mustRun("plan", "submit", "--plan-id", planID)
	res := dataMap(t, env)
	if res["status"] != "submitted" {
		t.Fatalf("expected submitted, got %v (%v)", res["status"], res["error"])
	}
	hashes, _ := res["tx_hashes"].([]any)
	if len(hashes) == 0 || len(h.chain.sent) != len(hashes) {
		t.Fatalf("expected one hash per sent tx, got %v and %d sent", hashes, len(h.chain.sent))
	}
	meta := env["meta"].(map[string]any)
	if providers, _ := meta["providers"].([]any); len(providers) != 1 {
		t.Fatalf("expected provider status in meta, got %v", meta["providers"])
	}

	status := dataMap(t, h.mustRun("plan", "status", "--plan-id", planID))
	if status["status"] != "submitted" {
		t.Fatalf("expected persisted submitted status, got %v", status["status"])
	}

	trace := h.mustRun("audit", "trace", "--tx-hash", hashes[0].(string))
	records, _ := trace["data"].([]any)
	if len(records) == 0 {
		t.Fatal("expected audit records for the transaction")
	}
	var sawDecision bool
	for _, raw := range records {
		rec := raw.(map[string]any)
		if rec["decision_id"] == decisionID {
			sawDecision = true
		}
	}
	if !sawDecision {
		t.Fatalf("trace did not reach decision %s: %v", decisionID, records)
	}

	list := h.mustRun("plan", "list", "--status", "submitted")
	items, _ := list["data"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one submitted plan, got %v", items)
	}
}

func TestRejectedPlanCannotBeApproved(t *testing.T) {
	h := newHarness(t)
	opinions := writeOpinions(t, h.dir)
	decisionID := dataMap(t, h.mustRun("consensus", "build", "--opinions", opinions, "--token", testToken))["id"].(string)
	planID := dataMap(t, h.mustRun("plan", "generate", "--decision-id", decisionID, "--wallet", h.signer.Address().Hex()))["id"].(string)

	rejected := dataMap(t, h.mustRun("plan", "reject", "--plan-id", planID, "--actor", "bob", "--reason", "too early"))
	if rejected["status"] != "rejected" || rejected["rejection_reason"] != "too early" {
		t.Fatalf("unexpected rejection %v", rejected)
	}
	code, _, _ := h.run("plan", "approve", "--plan-id", planID, "--actor", "alice")
	if code == 0 {
		t.Fatal("expected approve of a rejected plan to fail")
	}
}

func TestKillSwitchBlocksPlanGeneration(t *testing.T) {
	h := newHarness(t)
	opinions := writeOpinions(t, h.dir)
	decisionID := dataMap(t, h.mustRun("consensus", "build", "--opinions", opinions, "--token", testToken))["id"].(string)
	queued := dataMap(t, h.mustRun("plan", "generate", "--decision-id", decisionID, "--wallet", h.signer.Address().Hex()))["id"].(string)

	st := dataMap(t, h.mustRun("killswitch", "activate", "--actor", "ops", "--reason", "incident"))
	if st["active"] != true {
		t.Fatalf("expected active kill switch, got %v", st)
	}

	code, _, stderr := h.run("plan", "generate", "--decision-id", decisionID, "--wallet", h.signer.Address().Hex())
	if code != 30 {
		t.Fatalf("expected kill switch exit 30, got %d (%s)", code, stderr)
	}
	env := errorEnvelope(t, stderr)
	if env["error"].(map[string]any)["code"].(float64) != 30 {
		t.Fatalf("unexpected error body %v", env["error"])
	}

	cleared := dataMap(t, h.mustRun("plan", "status", "--plan-id", queued))
	if cleared["status"] != "cleared" {
		t.Fatalf("expected queued plan to be cleared, got %v", cleared["status"])
	}

	if status := dataMap(t, h.mustRun("killswitch", "status")); status["active"] != true {
		t.Fatalf("expected persisted active state, got %v", status)
	}
	h.mustRun("killswitch", "deactivate", "--actor", "ops", "--reason", "resolved")
	if status := dataMap(t, h.mustRun("killswitch", "status")); status["active"] != false {
		t.Fatalf("expected inactive state, got %v", status)
	}
}

func TestVelocityCheckIsReadOnly(t *testing.T) {
	h := newHarness(t)
	wallet := strings.ToUpper(h.signer.Address().Hex()[2:])
	over := dataMap(t, h.mustRun("velocity", "check", "--session", "0x"+wallet, "--amount-mon", "1.5"))
	if over["allowed"] != false {
		t.Fatalf("expected 1.5 MON over the default limit, got %v", over)
	}
	within := dataMap(t, h.mustRun("velocity", "check", "--session", "0x"+wallet, "--amount-mon", "0.5"))
	if within["allowed"] != true || within["window_total"] != "0" {
		t.Fatalf("expected untouched window, got %v", within)
	}
}

func TestSchemaMarksMutatingCommands(t *testing.T) {
	h := newHarness(t)
	data := dataMap(t, h.mustRun("schema", "plan", "submit"))
	if data["path"] != "launchguard plan submit" {
		t.Fatalf("unexpected schema path %v", data["path"])
	}
	if data["mutating"] != true {
		t.Fatalf("expected plan submit to be mutating, got %v", data)
	}
}

func TestRunOnceProducesDecisions(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	for _, role := range []agent.Role{agent.RoleMarketAnalyst, agent.RoleSentimentAnalyst, agent.RoleOnchainAnalyst} {
		op, err := agent.NewOpinion(agent.OpinionInput{
			Role:            role,
			Recommendation:  agent.RecommendBuy,
			Sentiment:       agent.SentimentBullish,
			ConfidenceScore: 0.9,
			RiskScore:       0.2,
			ProducedAt:      now,
		})
		if err != nil {
			t.Fatalf("opinion: %v", err)
		}
		h.opts.Agents = append(h.opts.Agents, agent.StaticAgent{Opinion: op})
	}
	signals := filepath.Join(h.dir, "signals.jsonl")
	lines := `{"id":"s1","source":"feed","kind":"trade","token":"` + testToken + `"}
{"id":"s2","source":"feed","kind":"holders","token":"` + testToken + `"}
`
	if err := os.WriteFile(signals, []byte(lines), 0o600); err != nil {
		t.Fatalf("write signals: %v", err)
	}

	summary := dataMap(t, h.mustRun("run", "--signals", signals, "--once"))
	if summary["signals"].(float64) != 2 {
		t.Fatalf("expected two signals processed, got %v", summary["signals"])
	}
	outcomes, _ := summary["outcomes"].([]any)
	if len(outcomes) == 0 {
		t.Fatal("expected at least one outcome")
	}
	first := outcomes[0].(map[string]any)
	if first["status"] != "EXECUTE" || first["decision_id"] == "" {
		t.Fatalf("unexpected outcome %v", first)
	}

	code, _, _ := h.run("run", "--once")
	if code != 2 {
		t.Fatalf("expected --once without --signals to be a usage error, got %d", code)
	}
}
