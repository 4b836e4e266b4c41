package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// CachedReader is a read-through Redis cache in front of a Reader. Replicas
// sharing the cache issue one index query per TTL window. Cache failures fall
// back to the wrapped reader.
type CachedReader struct {
	next   Reader
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// CacheConfig configures a CachedReader.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is joined with the contract address to form the cache key.
	KeyPrefix string
	Contract  common.Address

	TTL time.Duration
}

// NewCachedReader connects to Redis and wraps next.
func NewCachedReader(next Reader, cfg CacheConfig, logger *slog.Logger) (*CachedReader, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewCachedReaderWithClient(next, client, cfg, logger), nil
}

// NewCachedReaderWithClient wraps next using an existing Redis client.
func NewCachedReaderWithClient(next Reader, client *redis.Client, cfg CacheConfig, logger *slog.Logger) *CachedReader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	return &CachedReader{
		next:   next,
		client: client,
		key:    cfg.KeyPrefix + "latest:" + cfg.Contract.Hex(),
		ttl:    cfg.TTL,
		logger: logger.With("component", "index-cache"),
	}
}

type cachedRound struct {
	Empty      bool     `json:"empty,omitempty"`
	ID         string   `json:"id,omitempty"`
	Players    []string `json:"players,omitempty"`
	MaxPlayers uint64   `json:"max_players,omitempty"`
	EntryFee   string   `json:"entry_fee,omitempty"`
	Winner     string   `json:"winner,omitempty"`
}

// FetchLatestRound serves the cached snapshot when present, otherwise asks
// the wrapped reader and caches its answer. Errors are never cached.
func (c *CachedReader) FetchLatestRound(ctx context.Context) (*lottery.Round, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		round, decodeErr := decodeRound(data)
		if decodeErr == nil {
			return round, nil
		}
		c.logger.Warn("discarding undecodable cache entry", "key", c.key, "error", decodeErr)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("index cache read failed", "key", c.key, "error", err)
	}

	round, err := c.next.FetchLatestRound(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeRound(round)
	if err != nil {
		c.logger.Warn("index cache encode failed", "error", err)
		return round, nil
	}
	if err := c.client.Set(ctx, c.key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("index cache write failed", "key", c.key, "error", err)
	}
	return round, nil
}

// Close releases the Redis client.
func (c *CachedReader) Close() error {
	return c.client.Close()
}

func encodeRound(r *lottery.Round) ([]byte, error) {
	if r == nil {
		return json.Marshal(cachedRound{Empty: true})
	}
	out := cachedRound{
		ID:         r.ID,
		MaxPlayers: r.MaxPlayers,
		EntryFee:   "0",
		Players:    make([]string, len(r.Players)),
	}
	if r.EntryFee != nil {
		out.EntryFee = r.EntryFee.String()
	}
	for i, p := range r.Players {
		out.Players[i] = p.Hex()
	}
	if r.HasWinner() {
		out.Winner = r.Winner.Hex()
	}
	return json.Marshal(out)
}

func decodeRound(data []byte) (*lottery.Round, error) {
	var in cachedRound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if in.Empty {
		return nil, nil
	}
	fee, ok := new(big.Int).SetString(in.EntryFee, 10)
	if !ok {
		return nil, fmt.Errorf("invalid entry fee %q", in.EntryFee)
	}
	r := &lottery.Round{
		ID:         in.ID,
		MaxPlayers: in.MaxPlayers,
		EntryFee:   fee,
		Players:    make([]common.Address, len(in.Players)),
	}
	for i, p := range in.Players {
		r.Players[i] = common.HexToAddress(p)
	}
	if in.Winner != "" {
		w := common.HexToAddress(in.Winner)
		r.Winner = &w
	}
	return r, nil
}
