package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/lottery-pulse/internal/ui"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestFeeOrView(t *testing.T) {
	assert.Equal(t, "5", feeOrView(big.NewInt(5), big.NewInt(7)).String())
	assert.Equal(t, "7", feeOrView(nil, big.NewInt(7)).String())
	assert.Equal(t, "0", feeOrView(nil, nil).String())
}

func TestPrintAffordances(t *testing.T) {
	a := ui.Affordances{
		Phase:        "active",
		RoundID:      "3",
		PlayerCount:  "1 / 2",
		CanJoin:      true,
		JoinFeeEther: "0.01",
		EventLog:     []string{"Round has started with ID: 3"},
		IndexLagging: true,
	}

	var buf bytes.Buffer
	require.NoError(t, printAffordances(&buf, a, false))
	out := buf.String()
	assert.Contains(t, out, "[active] round=3 players=1 / 2 fee=0.01 ETH (index catching up)")
	assert.Contains(t, out, "  Round has started with ID: 3\n")

	buf.Reset()
	require.NoError(t, printAffordances(&buf, a, true))
	var decoded ui.Affordances
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, a.RoundID, decoded.RoundID)
	assert.True(t, decoded.CanJoin)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "watch", "start-round", "join", "status", "follow"})
}
