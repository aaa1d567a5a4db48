package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(nil)
		SetLevel("info")
		SetFormat("text")
	})

	SetLevel("info")
	L().Debug("hidden")
	L().Info("shown", "plan_id", "plan_1")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line should be filtered: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "plan_id=plan_1") {
		t.Fatalf("expected structured attribute, got %s", buf.String())
	}
}

func TestSetFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	t.Cleanup(func() {
		SetOutput(nil)
		SetFormat("text")
	})

	With("route", "public_rpc").Warn("submission failed")
	if !strings.Contains(buf.String(), `"route":"public_rpc"`) {
		t.Fatalf("expected json output, got %s", buf.String())
	}
}
