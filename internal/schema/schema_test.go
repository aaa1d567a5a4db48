package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "launchguard"}
	planCmd := &cobra.Command{Use: "plan", Short: "plan lifecycle"}
	submit := &cobra.Command{
		Use:         "submit",
		Short:       "execute an approved plan",
		Annotations: map[string]string{MutatingAnnotation: "true"},
		RunE:        func(*cobra.Command, []string) error { return nil },
	}
	submit.Flags().String("plan-id", "", "plan to execute")
	submit.Flags().String("route", "", "submission route")
	_ = submit.MarkFlagRequired("plan-id")
	list := &cobra.Command{Use: "list", Aliases: []string{"ls"}, RunE: func(*cobra.Command, []string) error { return nil }}
	planCmd.AddCommand(submit, list)
	root.AddCommand(planCmd)
	return root
}

func TestBuildSchema(t *testing.T) {
	s, err := Build(testTree(), "plan submit")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "launchguard plan submit" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if !s.Runnable || !s.Mutating {
		t.Fatalf("expected runnable mutating command, got %+v", s)
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "plan-id" || !s.Flags[0].Required || s.Flags[1].Required {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
}

func TestBuildSchemaResolvesAliases(t *testing.T) {
	s, err := Build(testTree(), "plan ls")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "launchguard plan list" || s.Mutating {
		t.Fatalf("unexpected schema: %+v", s)
	}
}

func TestBuildSchemaRoot(t *testing.T) {
	s, err := Build(testTree(), "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Runnable || len(s.Subcommands) != 1 || len(s.Subcommands[0].Subcommands) != 2 {
		t.Fatalf("unexpected tree: %+v", s)
	}
}

func TestBuildSchemaUnknownCommand(t *testing.T) {
	if _, err := Build(testTree(), "plan nope"); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}
