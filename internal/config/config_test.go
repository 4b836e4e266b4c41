package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lotteryd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "polygon-mumbai", cfg.Chain)
	assert.Equal(t, uint64(80001), cfg.ChainID)
	assert.Equal(t, 10*time.Second, cfg.Poll.Interval)
	assert.Equal(t, "startGame", cfg.Contract.Methods.StartRound)
	assert.Equal(t, "lottery.80001.view", cfg.Fanout.NATSSubject)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
chain: sepolia
rpc:
  url: https://rpc.example
contract:
  address: `+testContract+`
  inclusion_timeout: 30s
index:
  url: https://subgraph.example/graphql
poll:
  interval: 5s
wallet:
  private_key: "0x01"
gateway:
  allowed_origins: ["https://lottery.example"]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(11155111), cfg.ChainID)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 30*time.Second, cfg.Contract.InclusionTimeout)
	assert.Equal(t, "gameStarted", cfg.Contract.Methods.PhaseFlag, "unset fields keep defaults")
	assert.Equal(t, []string{"https://lottery.example"}, cfg.Gateway.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "chain: polygon\nrpc:\n  url: https://file.example\n")

	t.Setenv("LOTTERY_RPC_URL", "https://env.example")
	t.Setenv("LOTTERY_CHAIN_ID", "31337")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example", cfg.RPC.URL)
	assert.Equal(t, uint64(31337), cfg.ChainID)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Fanout.KafkaBrokers)
	assert.Equal(t, "lottery.31337.view", cfg.Fanout.NATSSubject)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	_, err = LoadConfig(writeConfig(t, "poll: [not, a, map]\n"))
	assert.ErrorContains(t, err, "parse config file")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Chain = "unknown-net"
	cfg.Contract.Address = "nope"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"unknown chain", "rpc.url", "contract.address", "index.url", "wallet"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitAndTrim(" a ,, b "))
	assert.Empty(t, SplitAndTrim(""))
}
