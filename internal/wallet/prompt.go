package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// ErrPromptNotFound is returned when resolving a prompt that is no longer
// pending.
var ErrPromptNotFound = errors.New("prompt not found")

// PromptKind distinguishes connect prompts from signing prompts.
type PromptKind string

const (
	PromptConnect PromptKind = "connect"
	PromptSign    PromptKind = "sign"
)

// Request describes one interactive wallet prompt.
type Request struct {
	ID        string         `json:"id"`
	Kind      PromptKind     `json:"kind"`
	Account   common.Address `json:"account"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}

// Approval is the user's answer to an accepted prompt.
type Approval struct {
	Passphrase string
}

// Prompter asks the user to approve a wallet request. Declining, or
// cancelling ctx, returns an error wrapping lottery.ErrUserRejected.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (Approval, error)
}

// PromptEvent is published when a prompt opens or closes.
type PromptEvent struct {
	Request Request `json:"request"`
	Open    bool    `json:"open"`
}

type promptReply struct {
	approval Approval
	declined bool
}

type pendingPrompt struct {
	req   Request
	reply chan promptReply
}

// Broker is a Prompter whose prompts are answered out of band, e.g. by a
// browser page over HTTP.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt
	subs    map[int]chan PromptEvent
	nextSub int
}

// NewBroker creates an empty prompt broker.
func NewBroker() *Broker {
	return &Broker{
		pending: make(map[string]*pendingPrompt),
		subs:    make(map[int]chan PromptEvent),
	}
}

// Prompt registers req and blocks until it is approved, declined or ctx ends.
func (b *Broker) Prompt(ctx context.Context, req Request) (Approval, error) {
	req.ID = uuid.NewString()
	req.CreatedAt = time.Now().UTC()

	p := &pendingPrompt{req: req, reply: make(chan promptReply, 1)}

	b.mu.Lock()
	b.pending[req.ID] = p
	b.publishLocked(PromptEvent{Request: req, Open: true})
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.publishLocked(PromptEvent{Request: req, Open: false})
		b.mu.Unlock()
	}()

	select {
	case r := <-p.reply:
		if r.declined {
			return Approval{}, fmt.Errorf("%s prompt declined: %w", req.Kind, lottery.ErrUserRejected)
		}
		return r.approval, nil
	case <-ctx.Done():
		return Approval{}, fmt.Errorf("%s prompt abandoned (%v): %w", req.Kind, ctx.Err(), lottery.ErrUserRejected)
	}
}

// Approve answers a pending prompt with a passphrase.
func (b *Broker) Approve(id, passphrase string) error {
	return b.resolve(id, promptReply{approval: Approval{Passphrase: passphrase}})
}

// Decline rejects a pending prompt.
func (b *Broker) Decline(id string) error {
	return b.resolve(id, promptReply{declined: true})
}

func (b *Broker) resolve(id string, r promptReply) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	p.reply <- r
	return nil
}

// Pending returns open prompts, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe returns a channel of prompt events and a function releasing it.
func (b *Broker) Subscribe() (<-chan PromptEvent, func()) {
	ch := make(chan PromptEvent, 16)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
}

func (b *Broker) publishLocked(ev PromptEvent) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop
		}
	}
}
