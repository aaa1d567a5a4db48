package version

import (
	"strings"
	"testing"
)

func TestCurrentUsesStampedCommit(t *testing.T) {
	prev := Commit
	Commit = "abc123"
	t.Cleanup(func() { Commit = prev })

	info := Current()
	if info.Commit != "abc123" || info.Name != CLIName || info.GoVersion == "" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if s := info.String(); !strings.Contains(s, "commit: abc123") || !strings.HasPrefix(s, CLIName+" "+CLIVersion) {
		t.Fatalf("unexpected long version %q", s)
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); got != "launchguard/"+CLIVersion {
		t.Fatalf("unexpected user agent %q", got)
	}
}
