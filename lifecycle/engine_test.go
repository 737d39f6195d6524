package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/custody"
)

const (
	buyerID  = "buyer-1"
	sellerID = "seller-1"
)

var (
	asBuyer    = auth.Identity{PartyID: buyerID, Role: auth.RoleBuyer}
	asSeller   = auth.Identity{PartyID: sellerID, Role: auth.RoleSeller}
	asMediator = auth.Identity{PartyID: "mediator-1", Role: auth.RoleMediator}
	asStranger = auth.Identity{PartyID: "someone-else", Role: auth.RoleBuyer}
)

type fakeLedger struct {
	mu           sync.Mutex
	contracts    map[string]contract.Contract
	updates      []contract.UpdateStatusParams
	conflictNext bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{contracts: make(map[string]contract.Contract)}
}

func (f *fakeLedger) GetContract(_ context.Context, id string) (contract.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[id]
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	return c, nil
}

func (f *fakeLedger) UpdateStatus(_ context.Context, params contract.UpdateStatusParams) (contract.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[params.ContractID]
	if !ok {
		return contract.Contract{}, contract.ErrNotFound
	}
	if f.conflictNext {
		f.conflictNext = false
		return contract.Contract{}, fmt.Errorf("%w (now %s)", contract.ErrStatusConflict, c.Status)
	}
	if c.Status != params.Expected {
		return contract.Contract{}, fmt.Errorf("%w (now %s)", contract.ErrStatusConflict, c.Status)
	}
	c.Status = params.Next
	f.contracts[params.ContractID] = c
	f.updates = append(f.updates, params)
	return c, nil
}

func (f *fakeLedger) SetEscrowReference(_ context.Context, contractID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[contractID]
	if !ok {
		return contract.ErrNotFound
	}
	c.EscrowRef = &ref
	f.contracts[contractID] = c
	return nil
}

func (f *fakeLedger) status(id string) contract.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contracts[id].Status
}

type fakeDirectory struct{ addrs map[string]string }

func (f *fakeDirectory) WalletAddress(_ context.Context, partyID string) (string, error) {
	addr, ok := f.addrs[partyID]
	if !ok {
		return "", fmt.Errorf("no wallet for %s", partyID)
	}
	return addr, nil
}

type fakeDisputes struct{ open map[string]bool }

func (f *fakeDisputes) HasOpenDispute(_ context.Context, contractID string) (bool, error) {
	return f.open[contractID], nil
}

type fixture struct {
	engine   *Engine
	ledger   *fakeLedger
	mem      *custody.Memory
	disputes *fakeDisputes
}

func newFixture(t *testing.T, status contract.Status) (*fixture, string) {
	t.Helper()
	ledger := newFakeLedger()
	mem := custody.NewMemory()
	disputes := &fakeDisputes{open: make(map[string]bool)}
	dir := &fakeDirectory{addrs: map[string]string{buyerID: "0xbuyer", sellerID: "0xseller"}}

	id := "contract-1"
	ledger.contracts[id] = contract.Contract{
		ID:       id,
		BuyerID:  buyerID,
		SellerID: sellerID,
		Amount:   100_00,
		Currency: "USD",
		EndDate:  time.Now().Add(30 * 24 * time.Hour),
		Status:   status,
	}

	// Bring custody in line with the requested ledger status.
	ctx := context.Background()
	if status != contract.StatusSent {
		if err := mem.CreateEscrow(ctx, custody.CreateParams{ContractID: id, BuyerAddress: "0xbuyer", SellerAddress: "0xseller"}); err != nil {
			t.Fatalf("seed escrow: %v", err)
		}
	}
	switch status {
	case contract.StatusPendingAcceptance, contract.StatusAccepted, contract.StatusInProgress:
		if err := mem.Deposit(id, 100_00); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
	case contract.StatusInDispute:
		if err := mem.Deposit(id, 100_00); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
		if err := mem.SetDisputed(ctx, id); err != nil {
			t.Fatalf("seed dispute: %v", err)
		}
	}

	return &fixture{
		engine:   NewEngine(ledger, mem, dir, disputes, nil),
		ledger:   ledger,
		mem:      mem,
		disputes: disputes,
	}, id
}

func custodyState(t *testing.T, mem *custody.Memory, id string) custody.Record {
	t.Helper()
	rec, err := mem.Record(context.Background(), id)
	if err != nil {
		t.Fatalf("custody record: %v", err)
	}
	return rec
}

func TestInitializeCustody(t *testing.T) {
	fx, id := newFixture(t, contract.StatusSent)
	ctx := context.Background()

	c, err := fx.engine.InitializeCustody(ctx, asBuyer, id)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if c.Status != contract.StatusAwaitingDeposit {
		t.Errorf("status = %s", c.Status)
	}
	if rec := custodyState(t, fx.mem, id); rec.State != custody.StateAwaitingPayment {
		t.Errorf("custody state = %s", rec.State)
	}
}

func TestInitializeCustody_SellerDenied(t *testing.T) {
	fx, id := newFixture(t, contract.StatusSent)

	_, err := fx.engine.InitializeCustody(context.Background(), asSeller, id)
	if KindOf(err) != KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}
	if fx.ledger.status(id) != contract.StatusSent {
		t.Errorf("denied call mutated status")
	}
	// Local validation failures must produce zero custody side effects.
	if _, err := fx.mem.Record(context.Background(), id); err != custody.ErrNotFound {
		t.Errorf("denied call created escrow: %v", err)
	}
}

func TestConfirmDeposit(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAwaitingDeposit)
	ctx := context.Background()

	// Not funded yet.
	_, err := fx.engine.ConfirmDeposit(ctx, asBuyer, id)
	if KindOf(err) != KindCustody {
		t.Fatalf("expected custody error before funding, got %v", err)
	}
	if fx.ledger.status(id) != contract.StatusAwaitingDeposit {
		t.Errorf("failed confirm mutated status")
	}

	if err := fx.mem.Deposit(id, 100_00); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	c, err := fx.engine.ConfirmDeposit(ctx, asBuyer, id)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if c.Status != contract.StatusPendingAcceptance {
		t.Errorf("status = %s", c.Status)
	}
}

// Scenario: seller rejects a pending contract and the buyer gets refunded.
func TestReject_RefundsBuyer(t *testing.T) {
	fx, id := newFixture(t, contract.StatusPendingAcceptance)

	c, err := fx.engine.Reject(context.Background(), asSeller, id)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if c.Status != contract.StatusRejected {
		t.Errorf("status = %s", c.Status)
	}
	rec := custodyState(t, fx.mem, id)
	if rec.State != custody.StateComplete || rec.FundedAmount != 0 {
		t.Errorf("custody after refund: state=%s funded=%d", rec.State, rec.FundedAmount)
	}
}

func TestAccept_BuyerDenied(t *testing.T) {
	fx, id := newFixture(t, contract.StatusPendingAcceptance)

	_, err := fx.engine.Accept(context.Background(), asBuyer, id)
	if KindOf(err) != KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}
}

// Scenario: buyer releases an accepted contract; seller is paid.
func TestRelease_Accepted(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAccepted)

	c, err := fx.engine.Release(context.Background(), asBuyer, id)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if c.Status != contract.StatusCompleted {
		t.Errorf("status = %s", c.Status)
	}
	rec := custodyState(t, fx.mem, id)
	if rec.State != custody.StateComplete || rec.FundedAmount != 100_00 {
		t.Errorf("custody after release: state=%s funded=%d", rec.State, rec.FundedAmount)
	}
}

func TestRelease_SellerDenied(t *testing.T) {
	fx, id := newFixture(t, contract.StatusInProgress)

	_, err := fx.engine.Release(context.Background(), asSeller, id)
	if KindOf(err) != KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}
	if rec := custodyState(t, fx.mem, id); rec.State != custody.StateAwaitingDelivery {
		t.Errorf("denied release touched custody: %s", rec.State)
	}
}

func TestRelease_OffGraph(t *testing.T) {
	fx, id := newFixture(t, contract.StatusSent)

	_, err := fx.engine.Release(context.Background(), asBuyer, id)
	if KindOf(err) != KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if fx.ledger.status(id) != contract.StatusSent {
		t.Errorf("off-graph attempt mutated status")
	}
}

// Scenario: custody mechanism unreachable during release; the ledger must
// keep its pre-transition value.
func TestRelease_CustodyFailureLeavesLedgerUntouched(t *testing.T) {
	fx, id := newFixture(t, contract.StatusInProgress)
	fx.mem.FailNext("release", custody.ErrUnavailable)

	_, err := fx.engine.Release(context.Background(), asBuyer, id)
	if KindOf(err) != KindCustody {
		t.Fatalf("expected custody error, got %v", err)
	}
	if fx.ledger.status(id) != contract.StatusInProgress {
		t.Errorf("status = %s after failed custody call", fx.ledger.status(id))
	}
	if len(fx.ledger.updates) != 0 {
		t.Errorf("ledger written despite custody failure")
	}
}

func TestRelease_ConflictAfterCustodyIsReconciliationCase(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAccepted)
	fx.ledger.conflictNext = true

	_, err := fx.engine.Release(context.Background(), asBuyer, id)
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	// The custody release already executed; reconciliation must find COMPLETE.
	if rec := custodyState(t, fx.mem, id); rec.State != custody.StateComplete {
		t.Errorf("custody state = %s", rec.State)
	}

	c, advanced, err := fx.engine.Reconcile(context.Background(), id)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !advanced || c.Status != contract.StatusCompleted {
		t.Errorf("reconcile: advanced=%v status=%s", advanced, c.Status)
	}
}

// Scenario: dispute on an in-progress contract, then a second attempt fails.
func TestOpenDispute(t *testing.T) {
	fx, id := newFixture(t, contract.StatusInProgress)
	ctx := context.Background()

	c, err := fx.engine.OpenDispute(ctx, asBuyer, id)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if c.Status != contract.StatusInDispute {
		t.Errorf("status = %s", c.Status)
	}
	if rec := custodyState(t, fx.mem, id); rec.State != custody.StateDisputed {
		t.Errorf("custody state = %s", rec.State)
	}

	// Second dispute attempt by the other participant.
	_, err = fx.engine.OpenDispute(ctx, asSeller, id)
	if KindOf(err) != KindInvalidState {
		t.Fatalf("expected invalid state on second dispute, got %v", err)
	}
}

func TestOpenDispute_MediatorDenied(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAccepted)

	_, err := fx.engine.OpenDispute(context.Background(), asMediator, id)
	if KindOf(err) != KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestOpenDispute_StrangerDenied(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAccepted)

	_, err := fx.engine.OpenDispute(context.Background(), asStranger, id)
	if KindOf(err) != KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestOpenDispute_BlockedByOpenDisputeRecord(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAccepted)
	fx.disputes.open[id] = true

	_, err := fx.engine.OpenDispute(context.Background(), asBuyer, id)
	if KindOf(err) != KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if rec := custodyState(t, fx.mem, id); rec.State != custody.StateAwaitingDelivery {
		t.Errorf("blocked dispute touched custody: %s", rec.State)
	}
}

// Dispute after completion: funds already moved, custody stays untouched.
func TestOpenDispute_AfterCompletion(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAccepted)
	ctx := context.Background()

	if _, err := fx.engine.Release(ctx, asBuyer, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	c, err := fx.engine.OpenDispute(ctx, asSeller, id)
	if err != nil {
		t.Fatalf("dispute after completion: %v", err)
	}
	if c.Status != contract.StatusInDispute {
		t.Errorf("status = %s", c.Status)
	}
	if rec := custodyState(t, fx.mem, id); rec.State != custody.StateComplete {
		t.Errorf("custody state = %s, want COMPLETE untouched", rec.State)
	}
}

// Scenario: mediator resolves in the buyer's favor; contract cancels and the
// escrow refunds.
func TestResolveDispute_FavorBuyer(t *testing.T) {
	fx, id := newFixture(t, contract.StatusInDispute)

	c, err := fx.engine.ResolveDispute(context.Background(), asMediator, id, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Status != contract.StatusCancelled {
		t.Errorf("status = %s", c.Status)
	}
	rec := custodyState(t, fx.mem, id)
	if rec.State != custody.StateComplete || rec.FundedAmount != 0 {
		t.Errorf("custody after refund resolution: state=%s funded=%d", rec.State, rec.FundedAmount)
	}
}

func TestResolveDispute_FavorSeller(t *testing.T) {
	fx, id := newFixture(t, contract.StatusInDispute)

	c, err := fx.engine.ResolveDispute(context.Background(), asMediator, id, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.Status != contract.StatusCompleted {
		t.Errorf("status = %s", c.Status)
	}
	if rec := custodyState(t, fx.mem, id); rec.FundedAmount != 100_00 {
		t.Errorf("seller payout amount lost: %d", rec.FundedAmount)
	}
}

func TestResolveDispute_NonMediatorDenied(t *testing.T) {
	fx, id := newFixture(t, contract.StatusInDispute)

	_, err := fx.engine.ResolveDispute(context.Background(), asBuyer, id, true)
	if KindOf(err) != KindPermission {
		t.Fatalf("expected permission error, got %v", err)
	}
	if rec := custodyState(t, fx.mem, id); rec.State != custody.StateDisputed {
		t.Errorf("denied resolve touched custody: %s", rec.State)
	}
}

func TestResolveDispute_CustodyFailureKeepsDisputeOpen(t *testing.T) {
	fx, id := newFixture(t, contract.StatusInDispute)
	fx.mem.FailNext("resolve", custody.ErrUnavailable)

	_, err := fx.engine.ResolveDispute(context.Background(), asMediator, id, false)
	if KindOf(err) != KindCustody {
		t.Fatalf("expected custody error, got %v", err)
	}
	if fx.ledger.status(id) != contract.StatusInDispute {
		t.Errorf("status = %s after failed resolution", fx.ledger.status(id))
	}
}

func TestReconcile_DisputedCustody(t *testing.T) {
	// Simulates a crash after SetDisputed succeeded but before the ledger
	// commit: custody says DISPUTED, ledger still says in_progress.
	fx, id := newFixture(t, contract.StatusInProgress)
	if err := fx.mem.SetDisputed(context.Background(), id); err != nil {
		t.Fatalf("seed custody dispute: %v", err)
	}

	c, advanced, err := fx.engine.Reconcile(context.Background(), id)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !advanced || c.Status != contract.StatusInDispute {
		t.Errorf("reconcile: advanced=%v status=%s", advanced, c.Status)
	}
}

func TestReconcile_Consistent(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAccepted)

	c, advanced, err := fx.engine.Reconcile(context.Background(), id)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if advanced {
		t.Errorf("reconcile advanced a consistent contract to %s", c.Status)
	}
}

func TestReconcile_AmbiguousResolution(t *testing.T) {
	// Custody settled while the ledger still says in_dispute: the outcome
	// (refund vs release) cannot be inferred from COMPLETE alone.
	fx, id := newFixture(t, contract.StatusInDispute)
	if err := fx.mem.ResolveDispute(context.Background(), id, false); err != nil {
		t.Fatalf("seed custody resolve: %v", err)
	}

	_, _, err := fx.engine.Reconcile(context.Background(), id)
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUnknownContract(t *testing.T) {
	fx, _ := newFixture(t, contract.StatusSent)

	_, err := fx.engine.Release(context.Background(), asBuyer, "missing")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStartWork(t *testing.T) {
	fx, id := newFixture(t, contract.StatusAccepted)

	c, err := fx.engine.StartWork(context.Background(), asSeller, id)
	if err != nil {
		t.Fatalf("start work: %v", err)
	}
	if c.Status != contract.StatusInProgress {
		t.Errorf("status = %s", c.Status)
	}
	// No custody movement for this edge.
	if rec := custodyState(t, fx.mem, id); rec.State != custody.StateAwaitingDelivery {
		t.Errorf("custody state = %s", rec.State)
	}
}
