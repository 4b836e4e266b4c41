package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// RandomWinnerGameABI is the ABI of the deployed lottery contract.
const RandomWinnerGameABI = `[
  {"type":"function","name":"gameStarted","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"gameId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"maxPlayers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"entryFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"startGame","stateMutability":"nonpayable","inputs":[{"name":"_maxPlayers","type":"uint8"},{"name":"_entryFee","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"joinGame","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"event","name":"GameStarted","anonymous":false,"inputs":[{"name":"gameId","type":"uint256","indexed":false},{"name":"maxPlayers","type":"uint8","indexed":false},{"name":"entryFee","type":"uint256","indexed":false}]},
  {"type":"event","name":"PlayerJoined","anonymous":false,"inputs":[{"name":"gameId","type":"uint256","indexed":false},{"name":"player","type":"address","indexed":false}]},
  {"type":"event","name":"GameEnded","anonymous":false,"inputs":[{"name":"gameId","type":"uint256","indexed":false},{"name":"winner","type":"address","indexed":false},{"name":"requestId","type":"bytes32","indexed":false}]}
]`

// LoadABI parses the ABI at path, or the built-in RandomWinnerGame ABI when
// path is empty.
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return abi.JSON(strings.NewReader(RandomWinnerGameABI))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi file: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi file: %w", err)
	}
	return parsed, nil
}
