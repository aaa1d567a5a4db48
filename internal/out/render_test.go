package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/launchguard/launchguard/internal/config"
	"github.com/launchguard/launchguard/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"id": "plan_1", "status": "approved"}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"id"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["id"] != "plan_1" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["status"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderSelectDottedPath(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data: map[string]any{
			"id":          "plan_1",
			"constraints": map[string]any{"passed": false, "violations": []any{"x"}},
		},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"constraints.passed", "missing.field"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	c, ok := out["constraints"].(map[string]any)
	if !ok || c["passed"] != false || len(c) != 1 {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
	if _, ok := out["id"]; ok {
		t.Fatalf("unselected field leaked: %s", buf.String())
	}
}

func TestRenderPlainFlattensNestedFields(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data: []map[string]any{{
			"id":     "plan_1",
			"reason": "manual approval",
			"limits": map[string]any{"max_slippage_pct": 5},
		}},
		Meta: model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	line := buf.String()
	if !strings.Contains(line, "id=plan_1") || !strings.Contains(line, "limits.max_slippage_pct=5") {
		t.Fatalf("unexpected plain output: %s", line)
	}
	if !strings.Contains(line, `reason="manual approval"`) {
		t.Fatalf("expected quoted value with spaces: %s", line)
	}
}

func TestRenderPlainEmptyList(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, model.Envelope{Data: []string{}}, config.Settings{OutputMode: "plain", ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
