package dispute

import (
	"context"
	"log/slog"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/lifecycle"
)

// Engine is the slice of the lifecycle engine the coordinator drives.
type Engine interface {
	OpenDispute(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	ResolveDispute(ctx context.Context, actor auth.Identity, contractID string, favorBuyer bool) (contract.Contract, error)
}

// ContractReader resolves the buyer/seller pair a winner is validated against.
type ContractReader interface {
	GetContract(ctx context.Context, id string) (contract.Contract, error)
}

// Store abstracts the dispute repository for testability.
type Store interface {
	Create(ctx context.Context, params CreateParams) (Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
	AssignMediator(ctx context.Context, disputeID, mediatorID string) (Record, error)
	MarkResolved(ctx context.Context, disputeID, winnerID, resolution, details string) (Record, error)
	ListByContract(ctx context.Context, contractID string) ([]Record, error)
}

// Coordinator owns the mediator-facing decision flow. The contract-status and
// custody side of a resolution runs through the lifecycle engine first; the
// dispute row only flips to resolved after that succeeds, so a failed custody
// call leaves the dispute under review for the mediator to retry.
type Coordinator struct {
	engine    Engine
	contracts ContractReader
	repo      Store
	log       *slog.Logger
}

func NewCoordinator(engine Engine, contracts ContractReader, repo Store, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{engine: engine, contracts: contracts, repo: repo, log: log}
}

// OpenParams is the dispute-intake form a participant submits.
type OpenParams struct {
	ContractID   string
	ReasonCode   string
	Description  string
	MilestoneRef *string
}

// Open raises a dispute: the engine freezes the contract (and custody, where
// funds are still held), then the dispute record is created.
func (c *Coordinator) Open(ctx context.Context, actor auth.Identity, params OpenParams) (Record, error) {
	if params.ReasonCode == "" {
		return Record{}, lifecycle.NewError(lifecycle.KindInvalidState, "dispute reason required")
	}

	if _, err := c.engine.OpenDispute(ctx, actor, params.ContractID); err != nil {
		return Record{}, err
	}

	rec, err := c.repo.Create(ctx, CreateParams{
		ContractID:   params.ContractID,
		InitiatorID:  actor.PartyID,
		ReasonCode:   params.ReasonCode,
		Description:  params.Description,
		MilestoneRef: params.MilestoneRef,
	})
	if err != nil {
		// The contract is already frozen; a missing record here needs an
		// operator, not a silent retry.
		c.log.Error("dispute record creation failed after contract froze",
			"contract_id", params.ContractID, "initiator", actor.PartyID, "err", err)
		return Record{}, err
	}
	c.log.Info("dispute opened",
		"dispute_id", rec.ID, "contract_id", rec.ContractID, "initiator", actor.PartyID)
	return rec, nil
}

// AssignMediator moves an open dispute to under_review for the given
// mediator. Mediator role required.
func (c *Coordinator) AssignMediator(ctx context.Context, actor auth.Identity, disputeID, mediatorID string) (Record, error) {
	if actor.Role != auth.RoleMediator {
		return Record{}, lifecycle.NewError(lifecycle.KindPermission, "only a mediator may take a dispute")
	}
	if mediatorID == "" {
		mediatorID = actor.PartyID
	}
	return c.repo.AssignMediator(ctx, disputeID, mediatorID)
}

// Resolve decides fund disposition for a disputed contract. The winner must
// be the contract's buyer or seller; their identity determines whether the
// escrow refunds the buyer (contract cancelled) or pays the seller
// (contract completed).
func (c *Coordinator) Resolve(ctx context.Context, actor auth.Identity, disputeID, winnerID, resolution, details string) (Record, error) {
	if actor.Role != auth.RoleMediator {
		return Record{}, lifecycle.NewError(lifecycle.KindPermission, "only a mediator may resolve disputes")
	}

	d, err := c.repo.GetByID(ctx, disputeID)
	if err != nil {
		if err == ErrNotFound {
			return Record{}, lifecycle.NewError(lifecycle.KindNotFound, "dispute %s not found", disputeID)
		}
		return Record{}, err
	}
	if !d.Status.Open() {
		return Record{}, lifecycle.NewError(lifecycle.KindInvalidState, "dispute already %s", d.Status)
	}

	ct, err := c.contracts.GetContract(ctx, d.ContractID)
	if err != nil {
		return Record{}, err
	}

	var favorBuyer bool
	switch winnerID {
	case ct.BuyerID:
		favorBuyer = true
	case ct.SellerID:
		favorBuyer = false
	default:
		return Record{}, lifecycle.NewError(lifecycle.KindInvalidWinner,
			"winner %s is neither buyer nor seller of contract %s", winnerID, ct.ID)
	}

	if _, err := c.engine.ResolveDispute(ctx, actor, ct.ID, favorBuyer); err != nil {
		// Custody or ledger failed: leave the dispute under review so the
		// mediator can retry once custody state is re-checked.
		return Record{}, err
	}

	rec, err := c.repo.MarkResolved(ctx, disputeID, winnerID, resolution, details)
	if err != nil {
		c.log.Error("dispute settled but record update failed",
			"dispute_id", disputeID, "contract_id", ct.ID, "err", err)
		return Record{}, err
	}
	c.log.Info("dispute resolved",
		"dispute_id", rec.ID, "contract_id", ct.ID, "winner", winnerID, "favor_buyer", favorBuyer)
	return rec, nil
}

// ListByContract returns a contract's dispute history.
func (c *Coordinator) ListByContract(ctx context.Context, contractID string) ([]Record, error) {
	return c.repo.ListByContract(ctx, contractID)
}
