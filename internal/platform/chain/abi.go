package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// erc20PermitABI covers the ERC-20 and EIP-2612 surface the relay touches.
const erc20PermitABI = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"version","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"DOMAIN_SEPARATOR","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

// stakingABI is the delegation pool on the destination chain. Stakes are
// identified by the id emitted in Staked.
const stakingABI = `[
	{"type":"function","name":"stake","stateMutability":"nonpayable","inputs":[{"name":"validator","type":"address"},{"name":"amount","type":"uint256"},{"name":"beneficiary","type":"address"}],"outputs":[{"name":"stakeId","type":"uint256"}]},
	{"type":"function","name":"pendingRewards","stateMutability":"view","inputs":[{"name":"stakeId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"claimAndUnstake","stateMutability":"nonpayable","inputs":[{"name":"stakeId","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"Staked","anonymous":false,"inputs":[{"name":"stakeId","type":"uint256","indexed":true},{"name":"validator","type":"address","indexed":true},{"name":"beneficiary","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Unstaked","anonymous":false,"inputs":[{"name":"stakeId","type":"uint256","indexed":true},{"name":"principal","type":"uint256","indexed":false},{"name":"rewards","type":"uint256","indexed":false}]}
]`

var (
	erc20ABI    = mustParseABI(erc20PermitABI)
	stakingPool = mustParseABI(stakingABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: parse abi: " + err.Error())
	}
	return parsed
}
