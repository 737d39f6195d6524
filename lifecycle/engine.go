// Package lifecycle owns every contract status transition. Each entry point
// follows the same protocol: validate the caller and current status from the
// ledger, perform the custody call and await its confirmation, then commit
// the guarded ledger update. Custody moves first because it is the expensive,
// possibly-irreversible side; a failed custody call therefore never leaves a
// ledger mutation behind, and a ledger conflict after custody success is
// surfaced as a reconciliation case rather than retried.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/custody"
)

// Ledger is the slice of the contract repository the engine needs.
type Ledger interface {
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	UpdateStatus(ctx context.Context, params contract.UpdateStatusParams) (contract.Contract, error)
	SetEscrowReference(ctx context.Context, contractID, ref string) error
}

// Directory resolves a party's settlement address.
type Directory interface {
	WalletAddress(ctx context.Context, partyID string) (string, error)
}

// DisputeChecker reports whether a contract already has an open dispute.
// Implemented by the dispute repository; an interface here keeps the
// dependency pointing from disputes to the engine, not both ways.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, contractID string) (bool, error)
}

type Engine struct {
	ledger   Ledger
	custody  custody.Adapter
	parties  Directory
	disputes DisputeChecker
	log      *slog.Logger
}

func NewEngine(ledger Ledger, adapter custody.Adapter, parties Directory, disputes DisputeChecker, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{ledger: ledger, custody: adapter, parties: parties, disputes: disputes, log: log}
}

// InitializeCustody sets up the escrow for a freshly sent contract. Buyer
// only. The custody create is idempotent, so a retried call after a crashed
// commit converges instead of failing.
func (e *Engine) InitializeCustody(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := e.requireBuyer(actor, c, "initialize custody"); err != nil {
		return contract.Contract{}, err
	}
	if c.Status != contract.StatusSent {
		return contract.Contract{}, errf(KindInvalidState, nil, "cannot initialize custody from status %s", c.Status)
	}

	buyerAddr, err := e.parties.WalletAddress(ctx, c.BuyerID)
	if err != nil {
		return contract.Contract{}, errf(KindInvalidState, err, "buyer has no settlement address")
	}
	sellerAddr, err := e.parties.WalletAddress(ctx, c.SellerID)
	if err != nil {
		return contract.Contract{}, errf(KindInvalidState, err, "seller has no settlement address")
	}

	if err := e.custody.CreateEscrow(ctx, custody.CreateParams{
		ContractID:    c.ID,
		BuyerAddress:  buyerAddr,
		SellerAddress: sellerAddr,
		EndDate:       c.EndDate,
		Description:   c.Deliverables,
	}); err != nil {
		return contract.Contract{}, custodyError(err, "create escrow")
	}
	if err := e.ledger.SetEscrowReference(ctx, c.ID, c.ID); err != nil {
		return contract.Contract{}, errf(KindInternal, err, "record escrow reference")
	}

	// CreateEscrow is idempotent, so a conflict here is safe to retry from
	// scratch rather than a reconciliation case.
	return e.commit(ctx, actor, c, contract.StatusAwaitingDeposit, false, nil)
}

// ConfirmDeposit polls custody for the buyer's deposit and advances the
// contract when it has landed. Poll-based by design: there is no push
// subscription to the settlement mechanism in this core.
func (e *Engine) ConfirmDeposit(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := e.requireParticipant(actor, c, "confirm deposit"); err != nil {
		return contract.Contract{}, err
	}
	if c.Status != contract.StatusAwaitingDeposit {
		return contract.Contract{}, errf(KindInvalidState, nil, "cannot confirm deposit from status %s", c.Status)
	}

	funded, err := e.custody.HasDeposit(ctx, c.ID)
	if err != nil {
		return contract.Contract{}, custodyError(err, "check deposit")
	}
	if !funded {
		return contract.Contract{}, errf(KindCustody, nil, "no deposit detected for contract %s", c.ID)
	}

	// HasDeposit is a read; a conflict here is a plain lost race, safe to
	// retry from scratch.
	return e.commit(ctx, actor, c, contract.StatusPendingAcceptance, false, nil)
}

// Accept records the seller taking the contract. Funds are already in
// custody (AWAITING_DELIVERY), so no custody call is needed.
func (e *Engine) Accept(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := e.requireSeller(actor, c, "accept"); err != nil {
		return contract.Contract{}, err
	}
	if c.Status != contract.StatusPendingAcceptance {
		return contract.Contract{}, errf(KindInvalidState, nil, "cannot accept from status %s", c.Status)
	}
	return e.commit(ctx, actor, c, contract.StatusAccepted, false, nil)
}

// Reject declines the contract and returns the deposit to the buyer.
func (e *Engine) Reject(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := e.requireSeller(actor, c, "reject"); err != nil {
		return contract.Contract{}, err
	}
	if c.Status != contract.StatusPendingAcceptance {
		return contract.Contract{}, errf(KindInvalidState, nil, "cannot reject from status %s", c.Status)
	}
	if err := e.custody.RefundToBuyer(ctx, c.ID); err != nil {
		return contract.Contract{}, custodyError(err, "refund buyer")
	}
	return e.commit(ctx, actor, c, contract.StatusRejected, true, nil)
}

// StartWork marks an accepted contract as in progress. Either participant
// may record it; custody does not distinguish the two states.
func (e *Engine) StartWork(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := e.requireParticipant(actor, c, "start work"); err != nil {
		return contract.Contract{}, err
	}
	if c.Status != contract.StatusAccepted {
		return contract.Contract{}, errf(KindInvalidState, nil, "cannot start work from status %s", c.Status)
	}
	return e.commit(ctx, actor, c, contract.StatusInProgress, false, nil)
}

// Release pays the seller and completes the contract. Buyer only.
func (e *Engine) Release(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := e.requireBuyer(actor, c, "release"); err != nil {
		return contract.Contract{}, err
	}
	if c.Status != contract.StatusAccepted && c.Status != contract.StatusInProgress {
		return contract.Contract{}, errf(KindInvalidState, nil, "cannot release from status %s", c.Status)
	}
	if err := e.custody.ReleaseFunds(ctx, c.ID); err != nil {
		return contract.Contract{}, custodyError(err, "release funds")
	}
	return e.commit(ctx, actor, c, contract.StatusCompleted, true, nil)
}

// OpenDispute freezes a contract under dispute. Buyer or seller only, never
// the mediator, and only while no other dispute is open for the contract.
// For a contract disputed after completion the funds have already left
// custody, so only the ledger status flips; resolution then settles off the
// escrow.
func (e *Engine) OpenDispute(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if err := e.requireParticipant(actor, c, "open dispute"); err != nil {
		return contract.Contract{}, err
	}
	switch c.Status {
	case contract.StatusAccepted, contract.StatusInProgress, contract.StatusCompleted:
	default:
		return contract.Contract{}, errf(KindInvalidState, nil, "cannot dispute from status %s", c.Status)
	}

	open, err := e.disputes.HasOpenDispute(ctx, c.ID)
	if err != nil {
		return contract.Contract{}, errf(KindInternal, err, "check open disputes")
	}
	if open {
		return contract.Contract{}, errf(KindInvalidState, nil, "contract %s already has an open dispute", c.ID)
	}

	custodyMoved := false
	if c.Status != contract.StatusCompleted {
		if err := e.custody.SetDisputed(ctx, c.ID); err != nil {
			return contract.Contract{}, custodyError(err, "set disputed")
		}
		custodyMoved = true
	}
	return e.commit(ctx, actor, c, contract.StatusInDispute, custodyMoved, map[string]any{
		"initiator": actor.PartyID,
	})
}

// ResolveDispute directs fund disposition for a disputed contract. Mediator
// only. favorBuyer refunds the buyer and cancels the contract; otherwise the
// seller is paid and the contract completes.
func (e *Engine) ResolveDispute(ctx context.Context, actor auth.Identity, contractID string, favorBuyer bool) (contract.Contract, error) {
	c, err := e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, err
	}
	if actor.Role != auth.RoleMediator {
		e.logDenied(actor, c.ID, "resolve dispute")
		return contract.Contract{}, errf(KindPermission, nil, "only a mediator may resolve disputes")
	}
	if c.Status != contract.StatusInDispute {
		return contract.Contract{}, errf(KindInvalidState, nil, "cannot resolve from status %s", c.Status)
	}

	rec, err := e.custody.Record(ctx, c.ID)
	if err != nil && !errors.Is(err, custody.ErrNotFound) {
		return contract.Contract{}, custodyError(err, "read custody state")
	}
	custodyMoved := false
	if err == nil && rec.State == custody.StateDisputed {
		if err := e.custody.ResolveDispute(ctx, c.ID, favorBuyer); err != nil {
			return contract.Contract{}, custodyError(err, "resolve dispute")
		}
		custodyMoved = true
	}

	next := contract.StatusCompleted
	if favorBuyer {
		next = contract.StatusCancelled
	}
	return e.commit(ctx, actor, c, next, custodyMoved, map[string]any{
		"favor_buyer": favorBuyer,
	})
}

// Reconcile maps custody truth back onto the ledger for the stranded window
// where a custody call succeeded but the process died before the ledger
// commit. It never issues custody calls. The advanced result reports whether
// the ledger moved.
func (e *Engine) Reconcile(ctx context.Context, contractID string) (c contract.Contract, advanced bool, err error) {
	c, err = e.load(ctx, contractID)
	if err != nil {
		return contract.Contract{}, false, err
	}
	rec, err := e.custody.Record(ctx, contractID)
	if err != nil {
		if errors.Is(err, custody.ErrNotFound) {
			return c, false, nil // nothing in custody yet; ledger is authoritative
		}
		return contract.Contract{}, false, custodyError(err, "read custody state")
	}

	var target contract.Status
	switch rec.State {
	case custody.StateAwaitingPayment:
		if c.Status != contract.StatusSent {
			return c, false, nil
		}
		// The crash happened between escrow creation and the ledger commit;
		// restore the reference the normal path records before committing.
		if err := e.ledger.SetEscrowReference(ctx, c.ID, c.ID); err != nil {
			return contract.Contract{}, false, errf(KindInternal, err, "record escrow reference")
		}
		target = contract.StatusAwaitingDeposit
	case custody.StateAwaitingDelivery:
		if c.Status != contract.StatusAwaitingDeposit {
			return c, false, nil
		}
		target = contract.StatusPendingAcceptance
	case custody.StateDisputed:
		if c.Status == contract.StatusInDispute {
			return c, false, nil
		}
		target = contract.StatusInDispute
	case custody.StateComplete:
		switch c.Status {
		case contract.StatusAccepted, contract.StatusInProgress:
			target = contract.StatusCompleted
		case contract.StatusInDispute:
			// COMPLETE alone cannot tell a refund from a release; the
			// mediator's resolution record must drive this one.
			return c, false, errf(KindConflict, nil, "custody settled but dispute outcome unknown; mediator resolution required")
		default:
			return c, false, nil
		}
	default:
		return c, false, errf(KindInternal, nil, "unknown custody state %q", rec.State)
	}

	updated, err := e.ledger.UpdateStatus(ctx, contract.UpdateStatusParams{
		ContractID:  c.ID,
		Expected:    c.Status,
		Next:        target,
		ActingParty: "",
		Detail:      map[string]any{"source": "reconciliation"},
	})
	if err != nil {
		if errors.Is(err, contract.ErrStatusConflict) {
			// Someone advanced the ledger meanwhile; their write wins.
			return c, false, nil
		}
		return contract.Contract{}, false, errf(KindInternal, err, "reconcile ledger update")
	}
	e.log.Info("reconciled ledger from custody state",
		"contract_id", c.ID, "from", c.Status, "to", target, "custody_state", rec.State)
	return updated, true, nil
}

func (e *Engine) load(ctx context.Context, contractID string) (contract.Contract, error) {
	c, err := e.ledger.GetContract(ctx, contractID)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			return contract.Contract{}, errf(KindNotFound, err, "contract %s not found", contractID)
		}
		return contract.Contract{}, errf(KindInternal, err, "load contract %s", contractID)
	}
	return c, nil
}

// commit performs the guarded ledger write after any custody call succeeded.
// afterCustody marks whether an irreversible custody mutation already ran: a
// conflict then is not a retry case but a reconciliation case, because the
// custody call must not be re-attempted.
func (e *Engine) commit(ctx context.Context, actor auth.Identity, c contract.Contract, next contract.Status, afterCustody bool, detail map[string]any) (contract.Contract, error) {
	updated, err := e.ledger.UpdateStatus(ctx, contract.UpdateStatusParams{
		ContractID:  c.ID,
		Expected:    c.Status,
		Next:        next,
		ActingParty: actor.PartyID,
		Detail:      detail,
	})
	if err != nil {
		switch {
		case errors.Is(err, contract.ErrStatusConflict) && afterCustody:
			e.log.Error("ledger conflict after custody mutation; reconciliation required",
				"contract_id", c.ID, "expected", c.Status, "next", next)
			return contract.Contract{}, errf(KindConflict, err,
				"contract status changed concurrently after custody update; reconcile before retrying")
		case errors.Is(err, contract.ErrStatusConflict):
			return contract.Contract{}, errf(KindConflict, err, "contract status changed concurrently; reload and retry")
		case errors.Is(err, contract.ErrNotFound):
			return contract.Contract{}, errf(KindNotFound, err, "contract %s not found", c.ID)
		default:
			return contract.Contract{}, errf(KindInternal, err, "commit transition to %s", next)
		}
	}
	e.log.Info("contract transition",
		"contract_id", c.ID, "from", c.Status, "to", next, "acting_party", actor.PartyID)
	return updated, nil
}

func (e *Engine) requireBuyer(actor auth.Identity, c contract.Contract, op string) error {
	if actor.PartyID != c.BuyerID {
		e.logDenied(actor, c.ID, op)
		return errf(KindPermission, nil, "only the buyer may %s", op)
	}
	return nil
}

func (e *Engine) requireSeller(actor auth.Identity, c contract.Contract, op string) error {
	if actor.PartyID != c.SellerID {
		e.logDenied(actor, c.ID, op)
		return errf(KindPermission, nil, "only the seller may %s", op)
	}
	return nil
}

func (e *Engine) requireParticipant(actor auth.Identity, c contract.Contract, op string) error {
	if actor.Role == auth.RoleMediator || (actor.PartyID != c.BuyerID && actor.PartyID != c.SellerID) {
		e.logDenied(actor, c.ID, op)
		return errf(KindPermission, nil, "only the buyer or seller may %s", op)
	}
	return nil
}

// Permission denials are logged as potential abuse signals.
func (e *Engine) logDenied(actor auth.Identity, contractID, op string) {
	e.log.Warn("transition denied",
		"contract_id", contractID, "op", op, "party_id", actor.PartyID, "role", actor.Role)
}
