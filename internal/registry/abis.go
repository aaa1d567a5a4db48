package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI fragments for the launchpad contracts and the tokens it mints.
const (
	ERC20MinimalABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"Transfer","type":"event","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
	]`

	LaunchpadRouterABI = `[
		{"name":"buy","type":"function","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"}]},
		{"name":"sell","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amountOut","type":"uint256"}]},
		{"name":"addLiquidity","type":"function","stateMutability":"payable","inputs":[{"name":"token","type":"address"},{"name":"amountToken","type":"uint256"},{"name":"amountTokenMin","type":"uint256"},{"name":"amountMonMin","type":"uint256"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"liquidity","type":"uint256"}]}
	]`

	LaunchpadFactoryABI = `[
		{"name":"createToken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"tokenURI","type":"string"}],"outputs":[{"name":"token","type":"address"}]}
	]`
)

var (
	ERC20            = mustABI("erc20", ERC20MinimalABI)
	LaunchpadRouter  = mustABI("launchpad router", LaunchpadRouterABI)
	LaunchpadFactory = mustABI("launchpad factory", LaunchpadFactoryABI)
)

func mustABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return parsed
}
