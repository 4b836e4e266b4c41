package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"

	"github.com/marko911/lottery-pulse/internal/session"
	"github.com/marko911/lottery-pulse/internal/ui"
	"github.com/marko911/lottery-pulse/internal/wallet"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

const maxBodyBytes = 16 * 1024

// Check reports whether an optional component is live.
type Check struct {
	Name string
	OK   func() bool
}

// runChecks evaluates checks; a failing check marks the result degraded.
func runChecks(checks []Check) (map[string]bool, bool) {
	results := make(map[string]bool, len(checks))
	healthy := true
	for _, c := range checks {
		ok := c.OK()
		results[c.Name] = ok
		healthy = healthy && ok
	}
	return results, healthy
}

func healthStatus(healthy bool) (string, int) {
	if healthy {
		return "healthy", http.StatusOK
	}
	return "degraded", http.StatusServiceUnavailable
}

// HealthHandler serves a standalone health endpoint over checks.
func HealthHandler(checks ...Check) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results, healthy := runChecks(checks)
		status, code := healthStatus(healthy)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    results,
		})
	})
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := s.deps.Views.View()
	results, healthy := runChecks(s.deps.Checks)
	status, code := healthStatus(healthy)
	s.writeJSON(w, code, map[string]any{
		"status":            status,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"session":           s.deps.Session.State().Status,
		"cycle":             view.Cycle,
		"index_lagging":     view.IndexLagging,
		"websocket_clients": s.hub.ActiveCount(),
		"checks":            results,
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Session.Connect(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Disconnect()
	s.writeJSON(w, http.StatusOK, s.deps.Session.State())
}

type selectAccountRequest struct {
	Account string `json:"account"`
}

func (s *Server) handleSelectAccount(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accounts == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("wallet does not support account selection"))
		return
	}

	var req selectAccountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !common.IsHexAddress(req.Account) {
		s.writeError(w, http.StatusBadRequest, errors.New("account must be a hex address"))
		return
	}

	if err := s.deps.Accounts.SelectAccount(common.HexToAddress(req.Account)); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"account": common.HexToAddress(req.Account).Hex()})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	pending := []wallet.Request{}
	if s.deps.Prompts != nil {
		pending = append(pending, s.deps.Prompts.Pending()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"prompts": pending})
}

type approveRequest struct {
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleApprovePrompt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prompts == nil {
		s.writeError(w, http.StatusNotFound, wallet.ErrPromptNotFound)
		return
	}

	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.deps.Prompts.Approve(id, req.Passphrase); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeclinePrompt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prompts == nil {
		s.writeError(w, http.StatusNotFound, wallet.ErrPromptNotFound)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.deps.Prompts.Decline(id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startRoundRequest struct {
	MaxPlayers uint64 `json:"max_players"`
	// EntryFee is a decimal ether amount, e.g. "0.01".
	EntryFee string `json:"entry_fee"`
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	var req startRoundRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MaxPlayers == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("max_players must be positive"))
		return
	}
	fee, err := ui.ParseEther(req.EntryFee)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if a := ui.Project(s.deps.Views.View(), s.deps.Session.State()); !a.CanStartRound {
		s.writeError(w, http.StatusForbidden, errors.New("starting a round is not available"))
		return
	}

	receipt, err := s.deps.Session.StartRound(r.Context(), req.MaxPlayers, fee)
	s.writeReceipt(w, receipt, err)
}

func (s *Server) handleJoinRound(w http.ResponseWriter, r *http.Request) {
	view := s.deps.Views.View()
	if a := ui.Project(view, s.deps.Session.State()); !a.CanJoin {
		s.writeError(w, http.StatusConflict, errors.New("no round is open for joining"))
		return
	}

	receipt, err := s.deps.Session.JoinRound(r.Context(), bigOrZero(view.EntryFee))
	s.writeReceipt(w, receipt, err)
}

type receiptResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber string `json:"block_number,omitempty"`
	Status      uint64 `json:"status"`
	GasUsed     uint64 `json:"gas_used"`
}

func (s *Server) writeReceipt(w http.ResponseWriter, receipt *types.Receipt, err error) {
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	resp := receiptResponse{
		TxHash:  receipt.TxHash.Hex(),
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		resp.BlockNumber = receipt.BlockNumber.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lottery.ErrNetworkMismatch):
		return http.StatusConflict
	case errors.Is(err, lottery.ErrUserRejected):
		return http.StatusUnauthorized
	case errors.Is(err, lottery.ErrTransactionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lottery.ErrTransactionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, lottery.ErrReadFailure):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrAlreadyConnected),
		errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrPromptNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// bigOrZero keeps a nil fee from reaching the contract call.
func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
