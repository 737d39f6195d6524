package main

import (
	"context"
	"time"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/dispute"
)

func withIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, identity)
}

func identityFrom(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(ctxKeyIdentity).(auth.Identity)
	return identity, ok
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type createContractRequest struct {
	SellerID     string    `json:"sellerId"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
	Deliverables string    `json:"deliverables"`
}

type contractResponse struct {
	ID           string `json:"id"`
	BuyerID      string `json:"buyerId"`
	SellerID     string `json:"sellerId"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	StartDate    string `json:"startDate"`
	EndDate      string `json:"endDate"`
	Deliverables string `json:"deliverables"`
	Status       string `json:"status"`
	EscrowRef    string `json:"escrowRef,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func toContractResponse(c contract.Contract) contractResponse {
	resp := contractResponse{
		ID:           c.ID,
		BuyerID:      c.BuyerID,
		SellerID:     c.SellerID,
		Amount:       c.Amount,
		Currency:     c.Currency,
		StartDate:    c.StartDate.Format(time.RFC3339),
		EndDate:      c.EndDate.Format(time.RFC3339),
		Deliverables: c.Deliverables,
		Status:       string(c.Status),
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
	}
	if c.EscrowRef != nil {
		resp.EscrowRef = *c.EscrowRef
	}
	return resp
}

type historyResponse struct {
	FromStatus  string `json:"fromStatus"`
	ToStatus    string `json:"toStatus"`
	ActingParty string `json:"actingParty,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type transitionRequest struct {
	RequestedAction string `json:"requestedAction"`
}

type transitionResponse struct {
	Success   bool   `json:"success"`
	NewStatus string `json:"newStatus"`
}

type openDisputeRequest struct {
	ReasonCode   string  `json:"reasonCode"`
	Description  string  `json:"description"`
	MilestoneRef *string `json:"milestoneRef,omitempty"`
}

type assignMediatorRequest struct {
	MediatorID string `json:"mediatorId"`
}

type resolveDisputeRequest struct {
	WinnerID   string `json:"winnerId"`
	Resolution string `json:"resolution"`
	Details    string `json:"details"`
}

type disputeResponse struct {
	ID          string `json:"id"`
	ContractID  string `json:"contractId"`
	InitiatorID string `json:"initiatorId"`
	ReasonCode  string `json:"reasonCode"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	MediatorID  string `json:"mediatorId,omitempty"`
	WinnerID    string `json:"winnerId,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	CreatedAt   string `json:"createdAt"`
	ResolvedAt  string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:          rec.ID,
		ContractID:  rec.ContractID,
		InitiatorID: rec.InitiatorID,
		ReasonCode:  rec.ReasonCode,
		Description: rec.Description,
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.MediatorID != nil {
		resp.MediatorID = *rec.MediatorID
	}
	if rec.WinnerID != nil {
		resp.WinnerID = *rec.WinnerID
	}
	if rec.Resolution != nil {
		resp.Resolution = *rec.Resolution
	}
	if rec.ResolvedAt != nil {
		resp.ResolvedAt = rec.ResolvedAt.Format(time.RFC3339)
	}
	return resp
}

type partyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	HasWallet bool   `json:"hasWallet"`
	CreatedAt string `json:"createdAt"`
}

type linkWalletRequest struct {
	Address string `json:"address"`
}
