package registry

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestResolveRPCURL(t *testing.T) {
	got, err := ResolveRPCURL("", MonadTestnetChainID)
	if err != nil {
		t.Fatalf("ResolveRPCURL failed: %v", err)
	}
	if got == "" {
		t.Fatal("expected a default testnet rpc")
	}
	got, err = ResolveRPCURL(" http://localhost:8545 ", 1)
	if err != nil || got != "http://localhost:8545" {
		t.Fatalf("expected override to win, got %q err=%v", got, err)
	}
	if _, err := ResolveRPCURL("", 1); err == nil {
		t.Fatal("expected error for chain without default rpc")
	}
}

func TestLaunchpadABIsPack(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	if _, err := LaunchpadRouter.Pack("buy", big.NewInt(1), token, to, big.NewInt(100)); err != nil {
		t.Fatalf("pack buy: %v", err)
	}
	if _, err := LaunchpadRouter.Pack("sell", big.NewInt(5), big.NewInt(1), token, to, big.NewInt(100)); err != nil {
		t.Fatalf("pack sell: %v", err)
	}
	if _, err := LaunchpadFactory.Pack("createToken", "Cat", "CAT", "ipfs://cat"); err != nil {
		t.Fatalf("pack createToken: %v", err)
	}
	if _, ok := ERC20.Events["Transfer"]; !ok {
		t.Fatal("expected Transfer event in erc20 abi")
	}
}
