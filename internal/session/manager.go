package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/lottery-pulse/internal/provider"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

var (
	ErrNotConnected     = errors.New("session not connected")
	ErrAlreadyConnected = errors.New("session already connected or connecting")
	ErrSessionClosed    = errors.New("session disconnected during connect")
)

// Conn is the connection surface the session needs. *provider.Conn
// satisfies it.
type Conn interface {
	Read() provider.ReadView
	Account() common.Address
	SetAccount(addr common.Address)
	AccountsChanged() <-chan common.Address
	Signer(ctx context.Context) (*provider.SignView, error)
	Close() error
}

// Connector establishes connections.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// FromAdapter wraps a provider adapter as a Connector.
func FromAdapter(a *provider.Adapter) Connector {
	return ConnectorFunc(func(ctx context.Context) (Conn, error) {
		c, err := a.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Contract is the subset of the chain reader bound to a connection.
type Contract interface {
	Controller(ctx context.Context) (common.Address, error)
	StartRound(ctx context.Context, sv *provider.SignView, maxPlayers uint64, entryFee *big.Int) (*types.Receipt, error)
	JoinRound(ctx context.Context, sv *provider.SignView, entryFee *big.Int) (*types.Receipt, error)
}

// Poller is the recurring reconciliation task.
type Poller interface {
	Run(ctx context.Context) error
}

// Binding is what a connection is bound to while Connected.
type Binding struct {
	Contract Contract
	Poller   Poller
}

// Binder builds the binding for a fresh connection.
type Binder func(conn Conn) (Binding, error)

// live is the resources acquired on entering Connected.
type live struct {
	conn    Conn
	binding Binding
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager is the single writer of session state.
type Manager struct {
	connector Connector
	binder    Binder
	logger    *slog.Logger

	mu    sync.Mutex
	state State
	live  *live
	// gen is bumped on every connect attempt and disconnect so stale results
	// are discarded.
	gen           uint64
	connectCancel context.CancelFunc

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int
}

// NewManager creates a disconnected session.
func NewManager(connector Connector, binder Binder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		connector: connector,
		binder:    binder,
		logger:    logger.With("component", "session"),
		subs:      make(map[int]chan State),
	}
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel of state changes. Call the returned func to
// unsubscribe.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

// Connect moves Disconnected or Rejected to Connecting and then to Connected
// or Rejected. It blocks while the wallet prompt is open; Disconnect or ctx
// cancellation aborts it.
func (m *Manager) Connect(ctx context.Context) (State, error) {
	m.mu.Lock()
	if m.state.Status != StatusDisconnected && m.state.Status != StatusRejected {
		st := m.state
		m.mu.Unlock()
		return st, ErrAlreadyConnected
	}
	m.gen++
	gen := m.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.setLocked(State{Status: StatusConnecting})
	m.mu.Unlock()
	defer cancel()

	m.logger.Info("connecting")

	conn, err := m.connector.Connect(attemptCtx)
	if err != nil {
		return m.reject(gen, err)
	}

	binding, err := m.binder(conn)
	if err != nil {
		conn.Close()
		return m.reject(gen, fmt.Errorf("bind connection: %w", err))
	}

	account := conn.Account()
	privileged := m.resolvePrivilege(attemptCtx, binding.Contract, account)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close()
		return m.State(), ErrSessionClosed
	}
	m.connectCancel = nil

	runCtx, runCancel := context.WithCancel(context.Background())
	l := &live{
		conn:    conn,
		binding: binding,
		cancel:  runCancel,
		done:    make(chan struct{}),
	}
	m.live = l
	m.setLocked(State{
		Status:       StatusConnected,
		Account:      account,
		IsPrivileged: privileged,
	})
	st := m.state
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.poll(runCtx, binding.Poller)
	}()
	go func() {
		defer wg.Done()
		m.watchAccounts(runCtx, gen, conn, binding.Contract)
	}()
	go func() {
		wg.Wait()
		close(l.done)
	}()

	m.logger.Info("connected", "account", account.Hex(), "privileged", privileged)
	return st, nil
}

func (m *Manager) reject(gen uint64, err error) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return m.state, ErrSessionClosed
	}
	m.connectCancel = nil
	m.setLocked(State{Status: StatusRejected, Err: err})
	m.logger.Warn("connect rejected", "error", err)
	return m.state, err
}

// Disconnect resets the session unconditionally. The poll loop and account
// watcher have exited and the connection is closed when it returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	l := m.live
	m.live = nil
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	wasConnected := m.state.Status != StatusDisconnected
	m.setLocked(State{Status: StatusDisconnected})
	m.mu.Unlock()

	if l != nil {
		l.cancel()
		<-l.done
		if err := l.conn.Close(); err != nil {
			m.logger.Warn("close connection", "error", err)
		}
	}
	if wasConnected {
		m.logger.Info("disconnected")
	}
}

// StartRound submits a new round. The contract enforces who may call it.
func (m *Manager) StartRound(ctx context.Context, maxPlayers uint64, entryFee *big.Int) (*types.Receipt, error) {
	l, err := m.connected()
	if err != nil {
		return nil, err
	}
	sv, err := l.conn.Signer(ctx)
	if err != nil {
		return nil, err
	}
	return l.binding.Contract.StartRound(ctx, sv, maxPlayers, entryFee)
}

// JoinRound enters the active round paying entryFee.
func (m *Manager) JoinRound(ctx context.Context, entryFee *big.Int) (*types.Receipt, error) {
	l, err := m.connected()
	if err != nil {
		return nil, err
	}
	sv, err := l.conn.Signer(ctx)
	if err != nil {
		return nil, err
	}
	return l.binding.Contract.JoinRound(ctx, sv, entryFee)
}

func (m *Manager) connected() (*live, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusConnected || m.live == nil {
		return nil, ErrNotConnected
	}
	return m.live, nil
}

func (m *Manager) poll(ctx context.Context, p Poller) {
	if p == nil {
		return
	}
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("poller exited", "error", err)
	}
}

func (m *Manager) watchAccounts(ctx context.Context, gen uint64, conn Conn, contract Contract) {
	changes := conn.AccountsChanged()
	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-changes:
			if !ok {
				return
			}
			conn.SetAccount(addr)
			privileged := m.resolvePrivilege(ctx, contract, addr)

			m.mu.Lock()
			if m.gen == gen && m.state.Status == StatusConnected {
				st := m.state
				st.Account = addr
				st.IsPrivileged = privileged
				m.setLocked(st)
			}
			m.mu.Unlock()

			m.logger.Info("account changed", "account", addr.Hex(), "privileged", privileged)
		}
	}
}

// resolvePrivilege compares account against the contract's controller. A
// failed read resolves to unprivileged.
func (m *Manager) resolvePrivilege(ctx context.Context, contract Contract, account common.Address) bool {
	if contract == nil {
		return false
	}
	controller, err := contract.Controller(ctx)
	if err != nil {
		m.logger.Warn("controller read failed", "error", err)
		return false
	}
	return lottery.SameAddress(controller.Hex(), account.Hex())
}

// setLocked installs st and notifies subscribers. Callers hold m.mu.
func (m *Manager) setLocked(st State) {
	m.state = st

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
