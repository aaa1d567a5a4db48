package policy

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	clierr "github.com/launchguard/launchguard/internal/errors"
)

func wei(mon string) *big.Int {
	return decimal.RequireFromString(mon).Shift(18).BigInt()
}

func TestSelectByValue(t *testing.T) {
	rules := DefaultRouteRules()
	route, err := rules.Select(wei("1"), "")
	if err != nil || route != RoutePublicRPC {
		t.Fatalf("expected public route at the limit, got %s %v", route, err)
	}
	route, err = rules.Select(wei("1.01"), "")
	if err != nil || route != RoutePrivateRelay {
		t.Fatalf("expected private relay above the limit, got %s %v", route, err)
	}
}

func TestSelectNeverDowngrades(t *testing.T) {
	rules := DefaultRouteRules()
	rules.PrivateRelayEnabled = false

	_, err := rules.Select(wei("2"), "")
	if clierr.CodeOf(err) != clierr.CodePolicy {
		t.Fatalf("expected policy violation, got %v", err)
	}
	_, err = rules.Select(wei("0.1"), RoutePrivateRelay)
	if clierr.CodeOf(err) != clierr.CodePolicy {
		t.Fatalf("expected policy violation for disabled relay, got %v", err)
	}
	_, err = DefaultRouteRules().Select(wei("5"), RoutePublicRPC)
	if clierr.CodeOf(err) != clierr.CodePolicy {
		t.Fatalf("expected policy violation for public route above limit, got %v", err)
	}
}

func TestDeferredOnlyOnRequest(t *testing.T) {
	rules := DefaultRouteRules()
	rules.DeferredEnabled = true
	route, err := rules.Select(wei("0.5"), "")
	if err != nil || route != RoutePublicRPC {
		t.Fatalf("deferred must not be chosen implicitly, got %s %v", route, err)
	}
	route, err = rules.Select(wei("0.5"), RouteDeferred)
	if err != nil || route != RouteDeferred {
		t.Fatalf("expected deferred route, got %s %v", route, err)
	}
	if _, err := DefaultRouteRules().Select(wei("0.5"), RouteDeferred); err == nil {
		t.Fatal("expected deferred route to be disabled by default")
	}
}

func TestParseRoute(t *testing.T) {
	if r, err := ParseRoute(" Private_Relay "); err != nil || r != RoutePrivateRelay {
		t.Fatalf("unexpected parse: %s %v", r, err)
	}
	if _, err := ParseRoute("carrier-pigeon"); err == nil {
		t.Fatal("expected unknown route error")
	}
}
