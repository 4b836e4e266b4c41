package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

func waitPending(t *testing.T, b *Broker) Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := b.Pending(); len(p) == 1 {
			return p[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("prompt never became pending")
	return Request{}
}

func TestBroker_Approve(t *testing.T) {
	b := NewBroker()

	type result struct {
		approval Approval
		err      error
	}
	done := make(chan result, 1)
	go func() {
		a, err := b.Prompt(context.Background(), Request{Kind: PromptConnect, Message: "connect"})
		done <- result{a, err}
	}()

	req := waitPending(t, b)
	require.NotEmpty(t, req.ID)
	require.Equal(t, PromptConnect, req.Kind)
	require.NoError(t, b.Approve(req.ID, "hunter2"))

	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, "hunter2", r.approval.Passphrase)
	require.Empty(t, b.Pending())
}

func TestBroker_Decline(t *testing.T) {
	b := NewBroker()

	done := make(chan error, 1)
	go func() {
		_, err := b.Prompt(context.Background(), Request{Kind: PromptSign})
		done <- err
	}()

	req := waitPending(t, b)
	require.NoError(t, b.Decline(req.ID))

	err := <-done
	require.ErrorIs(t, err, lottery.ErrUserRejected)
}

func TestBroker_ContextCancelIsRejection(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Prompt(ctx, Request{Kind: PromptConnect})
	require.ErrorIs(t, err, lottery.ErrUserRejected)
	require.Empty(t, b.Pending())
}

func TestBroker_ResolveUnknown(t *testing.T) {
	b := NewBroker()
	err := b.Approve("missing", "x")
	require.True(t, errors.Is(err, ErrPromptNotFound))
	require.ErrorIs(t, b.Decline("missing"), ErrPromptNotFound)
}

func TestBroker_Subscribe(t *testing.T) {
	b := NewBroker()
	events, release := b.Subscribe()
	defer release()

	go func() {
		_, _ = b.Prompt(context.Background(), Request{Kind: PromptConnect})
	}()

	opened := <-events
	require.True(t, opened.Open)
	require.NoError(t, b.Decline(opened.Request.ID))

	closed := <-events
	require.False(t, closed.Open)
	require.Equal(t, opened.Request.ID, closed.Request.ID)
}
