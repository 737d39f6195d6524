// Package custody talks to the external settlement mechanism that actually
// holds the funds. Its state is a second source of truth next to the contract
// ledger; the lifecycle engine keeps the two reconcilable by always moving
// custody first and the ledger second.
package custody

import (
	"context"
	"errors"
	"time"
)

// State is the settlement mechanism's own notion of fund status.
type State string

const (
	StateAwaitingPayment  State = "AWAITING_PAYMENT"
	StateAwaitingDelivery State = "AWAITING_DELIVERY"
	StateComplete         State = "COMPLETE"
	StateDisputed         State = "DISPUTED"
)

var (
	// ErrNotFound signals no escrow record exists for the contract.
	ErrNotFound = errors.New("custody: escrow not found")
	// ErrInvalidState signals the requested operation is not legal from the
	// escrow's current custody state.
	ErrInvalidState = errors.New("custody: operation not allowed in current state")
	// ErrNotAdministrator signals a dispute resolution attempted without the
	// administrator identity.
	ErrNotAdministrator = errors.New("custody: caller is not the administrator")
	// ErrUnavailable signals the settlement mechanism could not be reached or
	// returned an ambiguous failure. Callers must re-query custody state
	// before retrying; the operation may have partially succeeded.
	ErrUnavailable = errors.New("custody: settlement mechanism unavailable")
)

// Record is the per-contract escrow state held by the settlement mechanism.
type Record struct {
	ContractID    string
	BuyerAddress  string
	SellerAddress string
	AdminAddress  string
	FundedAmount  int64
	StartAt       time.Time
	EndAt         time.Time
	State         State
	Expired       bool
}

// CreateParams describes a new escrow keyed by the contract identifier.
type CreateParams struct {
	ContractID    string
	BuyerAddress  string
	SellerAddress string
	EndDate       time.Time
	Description   string
}

// Adapter translates lifecycle intents into settlement-mechanism calls. All
// mutating calls block until the mechanism confirms; none of them are
// retryable blindly except CreateEscrow, which is idempotent per contract.
type Adapter interface {
	// CreateEscrow sets up custody for a contract. If an escrow already
	// exists for the contract this is a no-op, protecting retried
	// initialization calls.
	CreateEscrow(ctx context.Context, params CreateParams) error
	// Record reports the current custody truth for a contract.
	Record(ctx context.Context, contractID string) (Record, error)
	// HasDeposit is true only when custody is AWAITING_DELIVERY with a
	// positive funded amount.
	HasDeposit(ctx context.Context, contractID string) (bool, error)
	// ReleaseFunds pays the seller. Valid only from AWAITING_DELIVERY.
	ReleaseFunds(ctx context.Context, contractID string) error
	// RefundToBuyer pays the buyer back. Valid from AWAITING_DELIVERY or
	// DISPUTED.
	RefundToBuyer(ctx context.Context, contractID string) error
	// SetDisputed freezes the escrow. Valid only from AWAITING_DELIVERY.
	SetDisputed(ctx context.Context, contractID string) error
	// ResolveDispute disburses a DISPUTED escrow to the buyer or seller.
	// Administrator only.
	ResolveDispute(ctx context.Context, contractID string, favorBuyer bool) error
}
