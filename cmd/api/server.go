package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/dispute"
	"escrowflow/lifecycle"
	"escrowflow/party"
)

type ctxKey int

const ctxKeyIdentity ctxKey = iota

// engineAPI is the lifecycle surface the transition endpoint drives.
type engineAPI interface {
	InitializeCustody(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	ConfirmDeposit(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	Accept(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	Reject(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	StartWork(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	Release(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	Reconcile(ctx context.Context, contractID string) (contract.Contract, bool, error)
}

type contractAPI interface {
	Create(ctx context.Context, params contract.CreateParams) (contract.Contract, error)
	List(ctx context.Context, filters contract.ListFilters) ([]contract.Contract, int, error)
}

type contractReader interface {
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	History(ctx context.Context, contractID string) ([]contract.HistoryEntry, error)
}

type disputeAPI interface {
	Open(ctx context.Context, actor auth.Identity, params dispute.OpenParams) (dispute.Record, error)
	AssignMediator(ctx context.Context, actor auth.Identity, disputeID, mediatorID string) (dispute.Record, error)
	Resolve(ctx context.Context, actor auth.Identity, disputeID, winnerID, resolution, details string) (dispute.Record, error)
	ListByContract(ctx context.Context, contractID string) ([]dispute.Record, error)
}

type authAPI interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
}

type partyAPI interface {
	GetByID(ctx context.Context, id string) (party.Profile, error)
	List(ctx context.Context, limit int) ([]party.Profile, error)
	LinkWallet(ctx context.Context, partyID, address string) error
}

// Server holds the wired services behind the HTTP surface.
type Server struct {
	authService     authAPI
	contractService contractAPI
	contracts       contractReader
	engine          engineAPI
	disputeService  disputeAPI
	partyService    partyAPI
	log             *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/api/contracts", s.handleCreateContract)
		r.Get("/api/contracts", s.handleListContracts)
		r.Get("/api/contracts/{id}", s.handleContract)
		r.Get("/api/contracts/{id}/history", s.handleHistory)
		r.Post("/api/contracts/{id}/transitions", s.handleTransition)

		r.Post("/api/contracts/{id}/disputes", s.handleOpenDispute)
		r.Get("/api/contracts/{id}/disputes", s.handleContractDisputes)
		r.Post("/api/disputes/{id}/mediator", s.handleAssignMediator)
		r.Post("/api/disputes/{id}/resolution", s.handleResolveDispute)

		r.Get("/api/parties/{id}", s.handleParty)
		r.Put("/api/parties/me/wallet", s.handleLinkWallet)
	})

	return r
}

// authenticate extracts the bearer token and stashes the verified identity in
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		identity, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "conflict", "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		s.logger().Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User: userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req createContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	// The authenticated caller is always the buyer side of a new contract.
	c, err := s.contractService.Create(r.Context(), contract.CreateParams{
		BuyerID:      identity.PartyID,
		SellerID:     req.SellerID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		Deliverables: req.Deliverables,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toContractResponse(c))
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

	items, total, err := s.contractService.List(r.Context(), contract.ListFilters{
		PartyID:  identity.PartyID,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.logger().Error("list contracts failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "list failed")
		return
	}

	out := make([]contractResponse, 0, len(items))
	for _, c := range items {
		out = append(out, toContractResponse(c))
	}
	writeJSON(w, http.StatusOK, listResponse[contractResponse]{Items: out, Total: total})
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.contracts.GetContract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "contract not found")
			return
		}
		s.logger().Error("get contract failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(c))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.contracts.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger().Error("history failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "history failed")
		return
	}

	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		h := historyResponse{
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		}
		if e.ActingParty != nil {
			h.ActingParty = *e.ActingParty
		}
		out = append(out, h)
	}
	writeJSON(w, http.StatusOK, listResponse[historyResponse]{Items: out, Total: len(out)})
}

// handleTransition is the single entry point for contract state changes. The
// requested action names the operation; the engine decides whether the caller
// and the contract's current status permit it.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	contractID := chi.URLParam(r, "id")

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	var (
		c   contract.Contract
		err error
	)
	switch req.RequestedAction {
	case "initialize_custody":
		c, err = s.engine.InitializeCustody(r.Context(), identity, contractID)
	case "confirm_deposit":
		c, err = s.engine.ConfirmDeposit(r.Context(), identity, contractID)
	case "accept":
		c, err = s.engine.Accept(r.Context(), identity, contractID)
	case "reject":
		c, err = s.engine.Reject(r.Context(), identity, contractID)
	case "start_work":
		c, err = s.engine.StartWork(r.Context(), identity, contractID)
	case "release":
		c, err = s.engine.Release(r.Context(), identity, contractID)
	case "reconcile":
		if identity.Role != auth.RoleMediator {
			writeError(w, http.StatusForbidden, "permission", "reconcile requires a mediator")
			return
		}
		c, _, err = s.engine.Reconcile(r.Context(), contractID)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action "+strconv.Quote(req.RequestedAction))
		return
	}
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, transitionResponse{Success: true, NewStatus: string(c.Status)})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	rec, err := s.disputeService.Open(r.Context(), identity, dispute.OpenParams{
		ContractID:   chi.URLParam(r, "id"),
		ReasonCode:   req.ReasonCode,
		Description:  req.Description,
		MilestoneRef: req.MilestoneRef,
	})
	if err != nil {
		if errors.Is(err, dispute.ErrOpenDisputeExists) {
			writeError(w, http.StatusConflict, "conflict", "contract already has an open dispute")
			return
		}
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleContractDisputes(w http.ResponseWriter, r *http.Request) {
	records, err := s.disputeService.ListByContract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger().Error("list disputes failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "list failed")
		return
	}
	out := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, listResponse[disputeResponse]{Items: out, Total: len(out)})
}

func (s *Server) handleAssignMediator(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req assignMediatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	rec, err := s.disputeService.AssignMediator(r.Context(), identity, chi.URLParam(r, "id"), req.MediatorID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "dispute not found")
			return
		}
		if errors.Is(err, dispute.ErrBadStatus) {
			writeError(w, http.StatusConflict, "invalid_state", err.Error())
			return
		}
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.WinnerID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "winnerId is required")
		return
	}

	rec, err := s.disputeService.Resolve(r.Context(), identity, chi.URLParam(r, "id"), req.WinnerID, req.Resolution, req.Details)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleParty(w http.ResponseWriter, r *http.Request) {
	p, err := s.partyService.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "party not found")
			return
		}
		s.logger().Error("get party failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "lookup failed")
		return
	}

	resp := partyResponse{
		ID:        p.ID,
		Name:      p.Name,
		Role:      p.Role,
		HasWallet: p.WalletAddress != nil && *p.WalletAddress != "",
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLinkWallet(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var req linkWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "address is required")
		return
	}

	if err := s.partyService.LinkWallet(r.Context(), identity.PartyID, req.Address); err != nil {
		if errors.Is(err, party.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "party not found")
			return
		}
		s.logger().Error("link wallet failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "link failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeLifecycleError maps engine/coordinator error kinds to HTTP statuses.
func writeLifecycleError(w http.ResponseWriter, err error) {
	kind := lifecycle.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case lifecycle.KindNotFound:
		status = http.StatusNotFound
	case lifecycle.KindPermission:
		status = http.StatusForbidden
	case lifecycle.KindInvalidState, lifecycle.KindConflict:
		status = http.StatusConflict
	case lifecycle.KindInvalidWinner:
		status = http.StatusBadRequest
	case lifecycle.KindCustody:
		status = http.StatusBadGateway
	}
	writeError(w, status, string(kind), err.Error())
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
