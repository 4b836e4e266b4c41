// Package config loads lotteryd configuration from a YAML file, the
// environment and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for lotteryd.
type Config struct {
	// Chain name (polygon-mumbai, polygon, ethereum, sepolia, ...)
	Chain string `yaml:"chain"`

	// ChainID is the one supported network. Derived from Chain when zero.
	ChainID uint64 `yaml:"chain_id"`

	RPC      RPCConfig      `yaml:"rpc"`
	Contract ContractConfig `yaml:"contract"`
	Index    IndexConfig    `yaml:"index"`
	Poll     PollConfig     `yaml:"poll"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Fanout   FanoutConfig   `yaml:"fanout"`
}

// RPCConfig holds ledger RPC connection settings.
type RPCConfig struct {
	URL string `yaml:"url"`

	// Connection timeout
	Timeout time.Duration `yaml:"timeout"`

	// Retry settings
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ContractConfig describes the lottery contract.
type ContractConfig struct {
	Address string `yaml:"address"`

	// ABIPath overrides the built-in RandomWinnerGame ABI.
	ABIPath string `yaml:"abi_path"`

	Methods MethodConfig `yaml:"methods"`

	// Bounded wait for on-ledger inclusion of mutating calls.
	InclusionTimeout time.Duration `yaml:"inclusion_timeout"`

	// Receipt polling cadence while waiting for inclusion.
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
}

// MethodConfig maps the four contract operations onto ABI method names.
type MethodConfig struct {
	PhaseFlag  string `yaml:"phase_flag"`
	Controller string `yaml:"controller"`
	StartRound string `yaml:"start_round"`
	JoinRound  string `yaml:"join_round"`
}

// IndexConfig holds indexing service settings.
type IndexConfig struct {
	// GraphQL endpoint of the subgraph
	URL string `yaml:"url"`

	Timeout time.Duration `yaml:"timeout"`

	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig configures the optional Redis read-through cache in front of
// the index. Empty RedisAddr disables it.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

// PollConfig holds reconciliation cadence settings.
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`

	// Per-source deadline inside one cycle.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// WalletConfig selects the wallet implementation.
type WalletConfig struct {
	// KeystoreDir enables the keystore wallet.
	KeystoreDir string `yaml:"keystore_dir"`

	// Account preselects a keystore account (defaults to the first).
	Account string `yaml:"account"`

	// PrivateKey enables the headless key wallet. Usually supplied via
	// LOTTERY_PRIVATE_KEY rather than the file.
	PrivateKey string `yaml:"private_key"`

	// How long an unlocked keystore account stays unlocked.
	UnlockDuration time.Duration `yaml:"unlock_duration"`
}

// GatewayConfig holds HTTP/WebSocket server settings.
type GatewayConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// FanoutConfig holds optional view/transition publishers. Empty values
// disable the corresponding sink.
type FanoutConfig struct {
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
	// NATSStream, when set, publishes through a JetStream stream that keeps
	// the last view per subject.
	NATSStream   string   `yaml:"nats_stream"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Chain: "polygon-mumbai",
		RPC: RPCConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RetryInterval: 5 * time.Second,
		},
		Contract: ContractConfig{
			Methods: MethodConfig{
				PhaseFlag:  "gameStarted",
				Controller: "owner",
				StartRound: "startGame",
				JoinRound:  "joinGame",
			},
			InclusionTimeout:    2 * time.Minute,
			ReceiptPollInterval: time.Second,
		},
		Index: IndexConfig{
			Timeout: 10 * time.Second,
			Cache: CacheConfig{
				KeyPrefix: "lottery:index:",
				TTL:       5 * time.Second,
			},
		},
		Poll: PollConfig{
			Interval:    10 * time.Second,
			ReadTimeout: 8 * time.Second,
		},
		Wallet: WalletConfig{
			UnlockDuration: 10 * time.Minute,
		},
		Gateway: GatewayConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Fanout: FanoutConfig{
			KafkaTopic: "lottery-transitions",
		},
	}
}

// LoadConfig loads configuration from file and/or environment.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	// Load from file if provided
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.ChainID == 0 {
		cfg.ChainID = chainNameToID(cfg.Chain)
	}
	if cfg.Fanout.NATSSubject == "" {
		cfg.Fanout.NATSSubject = fmt.Sprintf("lottery.%d.view", cfg.ChainID)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Chain = envOrDefault("LOTTERY_CHAIN", c.Chain)
	c.ChainID = envOrDefaultUint("LOTTERY_CHAIN_ID", c.ChainID)
	c.RPC.URL = envOrDefault("LOTTERY_RPC_URL", c.RPC.URL)
	c.Contract.Address = envOrDefault("LOTTERY_CONTRACT", c.Contract.Address)
	c.Index.URL = envOrDefault("LOTTERY_SUBGRAPH_URL", c.Index.URL)
	c.Index.Cache.RedisAddr = envOrDefault("REDIS_ADDR", c.Index.Cache.RedisAddr)
	c.Index.Cache.RedisPassword = envOrDefault("REDIS_PASSWORD", c.Index.Cache.RedisPassword)
	c.Wallet.KeystoreDir = envOrDefault("LOTTERY_KEYSTORE", c.Wallet.KeystoreDir)
	c.Wallet.PrivateKey = envOrDefault("LOTTERY_PRIVATE_KEY", c.Wallet.PrivateKey)
	c.Gateway.ListenAddr = envOrDefault("LOTTERY_LISTEN_ADDR", c.Gateway.ListenAddr)
	c.Fanout.NATSURL = envOrDefault("NATS_URL", c.Fanout.NATSURL)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Fanout.KafkaBrokers = SplitAndTrim(v)
	}
}

// Validate checks that the fields required to connect are present.
func (c *Config) Validate() error {
	var errs []error
	if c.ChainID == 0 {
		errs = append(errs, fmt.Errorf("unknown chain %q and no chain_id set", c.Chain))
	}
	if c.RPC.URL == "" {
		errs = append(errs, errors.New("rpc.url is required"))
	}
	if !common.IsHexAddress(c.Contract.Address) {
		errs = append(errs, fmt.Errorf("contract.address %q is not a hex address", c.Contract.Address))
	}
	if c.Index.URL == "" {
		errs = append(errs, errors.New("index.url is required"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Contract.InclusionTimeout <= 0 {
		errs = append(errs, errors.New("contract.inclusion_timeout must be positive"))
	}
	if c.Wallet.KeystoreDir == "" && c.Wallet.PrivateKey == "" {
		errs = append(errs, errors.New("either wallet.keystore_dir or wallet.private_key is required"))
	}
	return errors.Join(errs...)
}

func chainNameToID(chain string) uint64 {
	switch chain {
	case "ethereum":
		return 1
	case "sepolia":
		return 11155111
	case "polygon":
		return 137
	case "polygon-mumbai", "mumbai":
		return 80001
	case "polygon-amoy", "amoy":
		return 80002
	case "arbitrum":
		return 42161
	case "optimism":
		return 10
	case "base":
		return 8453
	case "localhost", "hardhat":
		return 31337
	default:
		return 0
	}
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultUint(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

// SplitAndTrim splits a comma-separated string and trims whitespace.
func SplitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
