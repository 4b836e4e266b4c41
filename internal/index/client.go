// Package index reads round history from the indexing service (a subgraph
// over the lottery contract's events).
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// LatestRoundQuery fetches a window of the most recent rounds. Ids are
// strings, so the subgraph orders them lexically ("9" above "10") and the
// client picks the numeric maximum from the window.
const LatestRoundQuery = `query LatestRound {
  games(orderBy: id, orderDirection: desc, first: 1000) {
    id
    maxPlayers
    entryFee
    winner
    players
  }
}`

// Reader returns the most recent round snapshot. A nil round with a nil
// error means no round was ever indexed.
type Reader interface {
	FetchLatestRound(ctx context.Context) (*lottery.Round, error)
}

// Config holds the subgraph endpoint settings.
type Config struct {
	URL     string
	Timeout time.Duration

	// Query overrides LatestRoundQuery. It must select a top-level "games"
	// list with the same fields.
	Query string
}

// Client queries a GraphQL endpoint over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a subgraph client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Query == "" {
		cfg.Query = LatestRoundQuery
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "index-client"),
	}
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type latestRoundResponse struct {
	Data struct {
		Games []gameEntity `json:"games"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type gameEntity struct {
	ID         string   `json:"id"`
	MaxPlayers flexUint `json:"maxPlayers"`
	EntryFee   flexUint `json:"entryFee"`
	Winner     *string  `json:"winner"`
	Players    []string `json:"players"`
}

// FetchLatestRound runs the latest-round query.
func (c *Client) FetchLatestRound(ctx context.Context) (*lottery.Round, error) {
	body, err := json.Marshal(graphQLRequest{Query: c.cfg.Query})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query index: %w: %w", lottery.ErrReadFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("query index: status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(snippet)), lottery.ErrReadFailure)
	}

	var out latestRoundResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode index response: %w: %w", lottery.ErrReadFailure, err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, len(out.Errors))
		for i, e := range out.Errors {
			msgs[i] = e.Message
		}
		return nil, fmt.Errorf("index query errors: %s: %w", strings.Join(msgs, "; "), lottery.ErrReadFailure)
	}

	if len(out.Data.Games) == 0 {
		c.logger.Debug("index has no rounds yet")
		return nil, nil
	}

	// Highest numeric id wins, whatever order the subgraph returned.
	games := out.Data.Games
	sort.SliceStable(games, func(i, j int) bool {
		return lottery.RoundIDLess(games[j].ID, games[i].ID)
	})

	round, err := games[0].toRound()
	if err != nil {
		return nil, fmt.Errorf("decode round %q: %w: %w", games[0].ID, lottery.ErrReadFailure, err)
	}
	return round, nil
}

func (g gameEntity) toRound() (*lottery.Round, error) {
	maxPlayers := g.MaxPlayers.big()
	if !maxPlayers.IsUint64() {
		return nil, fmt.Errorf("maxPlayers %s out of range", maxPlayers)
	}
	r := &lottery.Round{
		ID:         g.ID,
		MaxPlayers: maxPlayers.Uint64(),
		EntryFee:   g.EntryFee.big(),
		Players:    make([]common.Address, 0, len(g.Players)),
	}
	for _, p := range g.Players {
		if !common.IsHexAddress(p) {
			return nil, fmt.Errorf("invalid player address %q", p)
		}
		r.Players = append(r.Players, common.HexToAddress(p))
	}
	if g.Winner != nil && *g.Winner != "" {
		if !common.IsHexAddress(*g.Winner) {
			return nil, fmt.Errorf("invalid winner address %q", *g.Winner)
		}
		w := common.HexToAddress(*g.Winner)
		if w != (common.Address{}) {
			r.Winner = &w
		}
	}
	return r, nil
}

// flexUint decodes GraphQL Int (JSON number) and BigInt (JSON string).
type flexUint struct {
	value *big.Int
}

func (f flexUint) big() *big.Int {
	if f.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(f.value)
}

func (f *flexUint) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		f.value = new(big.Int)
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid unsigned integer %s", data)
	}
	f.value = v
	return nil
}
