package policy

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/units"
)

type Route string

const (
	RoutePublicRPC    Route = "public_rpc"
	RoutePrivateRelay Route = "private_relay"
	RouteDeferred     Route = "deferred"
)

func ParseRoute(v string) (Route, error) {
	switch r := Route(strings.ToLower(strings.TrimSpace(v))); r {
	case "":
		return "", nil
	case RoutePublicRPC, RoutePrivateRelay, RouteDeferred:
		return r, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown submission route %q", v))
	}
}

// RouteRules map a transaction's value to the submission routes it may use.
// Values above PublicMaxMon must go through the private relay; the deferred
// route is used only when explicitly requested.
type RouteRules struct {
	PublicMaxMon        decimal.Decimal `json:"public_max_mon"`
	PrivateRelayEnabled bool            `json:"private_relay_enabled"`
	DeferredEnabled     bool            `json:"deferred_enabled"`
}

func DefaultRouteRules() RouteRules {
	return RouteRules{
		PublicMaxMon:        decimal.NewFromInt(1),
		PrivateRelayEnabled: true,
	}
}

func (r RouteRules) Validate() error {
	if r.PublicMaxMon.IsNegative() {
		return fmt.Errorf("routes: public_max_mon must be >= 0")
	}
	return nil
}

// Select returns the route for a transaction. An empty requested route lets
// the rules choose; a requested route that the rules forbid is a policy
// violation, never a downgrade.
func (r RouteRules) Select(valueWei *big.Int, requested Route) (Route, error) {
	value := units.WeiToMon(valueWei)
	if requested == "" {
		if !value.GreaterThan(r.PublicMaxMon) {
			return RoutePublicRPC, nil
		}
		if r.PrivateRelayEnabled {
			return RoutePrivateRelay, nil
		}
		return "", clierr.PolicyViolation(fmt.Sprintf("value %s MON exceeds the public route limit of %s MON and the private relay is disabled", value.String(), r.PublicMaxMon.String()))
	}
	if err := r.Allowed(requested, valueWei); err != nil {
		return "", err
	}
	return requested, nil
}

func (r RouteRules) Allowed(route Route, valueWei *big.Int) error {
	value := units.WeiToMon(valueWei)
	switch route {
	case RoutePublicRPC:
		if value.GreaterThan(r.PublicMaxMon) {
			return clierr.PolicyViolation(fmt.Sprintf("public route disabled for value %s MON (limit %s MON)", value.String(), r.PublicMaxMon.String()))
		}
	case RoutePrivateRelay:
		if !r.PrivateRelayEnabled {
			return clierr.PolicyViolation("private relay route is disabled")
		}
	case RouteDeferred:
		if !r.DeferredEnabled {
			return clierr.PolicyViolation("deferred route is disabled")
		}
	default:
		return clierr.PolicyViolation(fmt.Sprintf("unknown submission route %q", route))
	}
	return nil
}
