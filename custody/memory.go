package custody

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Adapter used by unit tests and the stress harness.
// It enforces the same state guards as the settlement node so engine tests
// exercise realistic custody failures.
type Memory struct {
	mu      sync.Mutex
	records map[string]*Record
	// failNext maps an operation name to an error returned (once) on the next
	// call, simulating an unreachable or rejecting settlement mechanism.
	failNext map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]*Record),
		failNext: make(map[string]error),
	}
}

// FailNext arranges for the next call of op ("create", "release", "refund",
// "dispute", "resolve", "get") to return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

func (m *Memory) takeFailure(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

func (m *Memory) CreateEscrow(_ context.Context, params CreateParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("create"); err != nil {
		return err
	}
	if _, ok := m.records[params.ContractID]; ok {
		return nil // idempotent
	}
	m.records[params.ContractID] = &Record{
		ContractID:    params.ContractID,
		BuyerAddress:  params.BuyerAddress,
		SellerAddress: params.SellerAddress,
		AdminAddress:  "admin",
		StartAt:       time.Now().UTC(),
		EndAt:         params.EndDate,
		State:         StateAwaitingPayment,
	}
	return nil
}

func (m *Memory) Record(_ context.Context, contractID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("get"); err != nil {
		return Record{}, err
	}
	rec, ok := m.records[contractID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *Memory) HasDeposit(ctx context.Context, contractID string) (bool, error) {
	rec, err := m.Record(ctx, contractID)
	if err != nil {
		return false, err
	}
	return rec.State == StateAwaitingDelivery && rec.FundedAmount > 0, nil
}

// Deposit simulates the buyer funding the escrow.
func (m *Memory) Deposit(contractID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[contractID]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StateAwaitingPayment {
		return fmt.Errorf("%w: deposit from %s", ErrInvalidState, rec.State)
	}
	rec.FundedAmount = amount
	rec.State = StateAwaitingDelivery
	return nil
}

func (m *Memory) ReleaseFunds(_ context.Context, contractID string) error {
	return m.mutate("release", contractID, func(rec *Record) error {
		if rec.State != StateAwaitingDelivery {
			return fmt.Errorf("%w: release from %s", ErrInvalidState, rec.State)
		}
		rec.State = StateComplete
		return nil
	})
}

func (m *Memory) RefundToBuyer(_ context.Context, contractID string) error {
	return m.mutate("refund", contractID, func(rec *Record) error {
		if rec.State != StateAwaitingDelivery && rec.State != StateDisputed {
			return fmt.Errorf("%w: refund from %s", ErrInvalidState, rec.State)
		}
		rec.State = StateComplete
		rec.FundedAmount = 0
		return nil
	})
}

func (m *Memory) SetDisputed(_ context.Context, contractID string) error {
	return m.mutate("dispute", contractID, func(rec *Record) error {
		if rec.State != StateAwaitingDelivery {
			return fmt.Errorf("%w: dispute from %s", ErrInvalidState, rec.State)
		}
		rec.State = StateDisputed
		return nil
	})
}

func (m *Memory) ResolveDispute(_ context.Context, contractID string, favorBuyer bool) error {
	return m.mutate("resolve", contractID, func(rec *Record) error {
		if rec.State != StateDisputed {
			return fmt.Errorf("%w: resolve from %s", ErrInvalidState, rec.State)
		}
		rec.State = StateComplete
		if favorBuyer {
			rec.FundedAmount = 0
		}
		return nil
	})
}

func (m *Memory) mutate(op, contractID string, fn func(*Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(op); err != nil {
		return err
	}
	rec, ok := m.records[contractID]
	if !ok {
		return ErrNotFound
	}
	return fn(rec)
}
