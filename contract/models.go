package contract

import "time"

// Status enumerates the lifecycle states a contract moves through. Transitions
// between them are owned by the lifecycle engine; nothing else writes status.
type Status string

const (
	StatusSent              Status = "sent"
	StatusAwaitingDeposit   Status = "awaiting_deposit"
	StatusPendingAcceptance Status = "pending_acceptance"
	StatusAccepted          Status = "accepted"
	StatusRejected          Status = "rejected"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusInDispute         Status = "in_dispute"
)

// Contract mirrors the contracts table columns touched by the escrow core.
// Display-level participant lists live elsewhere; custody decisions always
// resolve to the single BuyerID/SellerID pair held here.
type Contract struct {
	ID           string
	BuyerID      string
	SellerID     string
	Amount       int64 // minor units of Currency
	Currency     string
	StartDate    time.Time
	EndDate      time.Time
	Deliverables string
	Status       Status
	EscrowRef    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HistoryEntry captures one immutable status change for a contract.
type HistoryEntry struct {
	ID           int64
	ContractID   string
	FromStatus   Status
	ToStatus     Status
	ActingParty  *string
	CreatedAt    time.Time
}

// OutboxMessage represents a transactional outbox entry awaiting delivery.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

const (
	// OutboxTopicStatusChanged is published with every successful transition.
	OutboxTopicStatusChanged = "contract.status_changed"
	// OutboxTopicCreated is published when a contract row is first created.
	OutboxTopicCreated = "contract.created"
)
