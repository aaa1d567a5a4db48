package registry

import (
	"fmt"
	"strings"
)

const (
	MonadMainnetChainID int64 = 143
	MonadTestnetChainID int64 = 10143

	NativeSymbol   = "MON"
	NativeDecimals = 18
)

// Canonical default RPC endpoints by chain ID, used when no rpc_url is
// configured.
var defaultRPCByChainID = map[int64]string{
	MonadMainnetChainID: "https://rpc.monad.xyz",
	MonadTestnetChainID: "https://testnet-rpc.monad.xyz",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; provide --rpc-url", chainID)
}
