package policy

import (
	"testing"

	clierr "github.com/launchguard/launchguard/internal/errors"
)

func TestCheckCommandAllowed(t *testing.T) {
	if err := CheckCommandAllowed(nil, "plan approve", true); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckCommandAllowed([]string{"plan approve"}, "plan  Approve", true); err != nil {
		t.Fatalf("expected command to be allowed: %v", err)
	}
	err := CheckCommandAllowed([]string{"plan status"}, "plan approve", true)
	if clierr.CodeOf(err) != clierr.CodeBlocked {
		t.Fatalf("expected command to be blocked, got %v", err)
	}
}

func TestCommandGroupEntry(t *testing.T) {
	allow := []string{"plan"}
	for _, path := range []string{"plan", "plan submit", "plan launch"} {
		if err := CheckCommandAllowed(allow, path, true); err != nil {
			t.Fatalf("group entry should admit %q: %v", path, err)
		}
	}
	if err := CheckCommandAllowed(allow, "planner", false); err == nil {
		t.Fatal("group entry must match whole words")
	}
	if err := CheckCommandAllowed(allow, "consensus build", true); err == nil {
		t.Fatal("expected consensus build to be blocked")
	}
}

func TestReadOnlyEntry(t *testing.T) {
	allow := []string{ReadOnlyEntry, "plan approve"}
	if err := CheckCommandAllowed(allow, "plan list", false); err != nil {
		t.Fatalf("read-only should admit plan list: %v", err)
	}
	if err := CheckCommandAllowed(allow, "plan approve", true); err != nil {
		t.Fatalf("named entry should still admit plan approve: %v", err)
	}
	if err := CheckCommandAllowed(allow, "plan submit", true); err == nil {
		t.Fatal("read-only must not admit plan submit")
	}
}

func TestEmergencyCommandsAlwaysAllowed(t *testing.T) {
	allow := []string{"plan list"}
	for _, path := range []string{"killswitch activate", "killswitch status"} {
		if err := CheckCommandAllowed(allow, path, path == "killswitch activate"); err != nil {
			t.Fatalf("%s must stay reachable: %v", path, err)
		}
	}
	if err := CheckCommandAllowed(allow, "killswitch deactivate", true); err == nil {
		t.Fatal("deactivation is not an emergency command")
	}
}
