package errors

import (
	"context"
	"fmt"
	"testing"
)

func TestExitCodeFollowsWrappedCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(CodePolicy, "route denied", context.Canceled))
	if got := ExitCode(err); got != int(CodePolicy) {
		t.Fatalf("expected exit %d, got %d", CodePolicy, got)
	}
	if ExitCode(nil) != 0 {
		t.Fatal("expected zero exit for nil error")
	}
	if ExitCode(fmt.Errorf("plain")) != int(CodeInternal) {
		t.Fatal("expected internal exit for untyped error")
	}
}

func TestSecurityErrorsAreNeverRetryable(t *testing.T) {
	for _, err := range []error{
		SecurityBreach("x"),
		PolicyViolation("x"),
		ProviderOffline("private_relay"),
		NonceCollision("0xabc"),
		New(CodeKillSwitch, "halted"),
		New(CodeVelocity, "limit"),
	} {
		if !IsSecurity(err) {
			t.Fatalf("expected security class for %v", err)
		}
		if IsRetryable(err) {
			t.Fatalf("security error must not be retryable: %v", err)
		}
	}
}

func TestTransientErrorsAreRetryable(t *testing.T) {
	if !IsRetryable(New(CodeUnavailable, "rpc down")) {
		t.Fatal("expected unavailable to be retryable")
	}
	if !IsRetryable(New(CodeTimeout, "slow")) {
		t.Fatal("expected timeout to be retryable")
	}
	if IsRetryable(New(CodeUsage, "bad input")) {
		t.Fatal("usage errors must not be retried")
	}
	if IsRetryable(fmt.Errorf("untyped")) {
		t.Fatal("untyped errors must not be retried")
	}
}
