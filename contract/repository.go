package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no contract row exists for the identifier.
	ErrNotFound = errors.New("contract: not found")
	// ErrStatusConflict signals the optimistic status guard tripped: the stored
	// status no longer matches what the caller observed. The caller must reload
	// before retrying.
	ErrStatusConflict = errors.New("contract: status changed concurrently")
)

// Repository is the single source of truth for contract status. Every write
// goes through a transaction that also appends the status history row and the
// outbox notification, so readers never observe a transition without its
// audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const contractColumns = `id, buyer_id, seller_id, amount, currency, start_date, end_date, deliverables, status::text, escrow_ref, created_at, updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID, &c.BuyerID, &c.SellerID, &c.Amount, &c.Currency,
		&c.StartDate, &c.EndDate, &c.Deliverables, &c.Status,
		&c.EscrowRef, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// GetContract fetches a contract by its primary key.
func (r *Repository) GetContract(ctx context.Context, id string) (Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`
	c, err := scanContract(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: query by id: %w", err)
	}
	return c, nil
}

// UpdateStatusParams carries one guarded status write plus its audit context.
type UpdateStatusParams struct {
	ContractID  string
	Expected    Status
	Next        Status
	ActingParty string
	Detail      map[string]any
}

// UpdateStatus advances the contract status only if the stored value still
// equals Expected, serialising concurrent transition attempts. The history
// append and outbox notification commit in the same transaction.
func (r *Repository) UpdateStatus(ctx context.Context, params UpdateStatusParams) (Contract, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE contracts
		SET status = $1::contract_status, updated_at = now()
		WHERE id = $2 AND status = $3::contract_status
		RETURNING ` + contractColumns

	c, err := scanContract(tx.QueryRow(ctx, updateSQL, params.Next, params.ContractID, params.Expected))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("contract: update status: %w", err)
		}
		// Distinguish a missing row from a lost race.
		var current Status
		probeErr := tx.QueryRow(ctx, `SELECT status::text FROM contracts WHERE id = $1`, params.ContractID).Scan(&current)
		if errors.Is(probeErr, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		if probeErr != nil {
			return Contract{}, fmt.Errorf("contract: probe status: %w", probeErr)
		}
		return Contract{}, fmt.Errorf("%w (now %s)", ErrStatusConflict, current)
	}

	if err := recordStatusHistory(ctx, tx, params.ContractID, params.Expected, params.Next, params.ActingParty); err != nil {
		return Contract{}, err
	}

	payload := map[string]any{
		"contract_id": params.ContractID,
		"previous":    params.Expected,
		"next":        params.Next,
	}
	if params.ActingParty != "" {
		payload["acting_party"] = params.ActingParty
	}
	for k, v := range params.Detail {
		payload[k] = v
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicStatusChanged, payload); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit status update: %w", err)
	}
	return c, nil
}

// SetEscrowReference stores the external custody identifier once the escrow
// record exists. Writing the same reference twice is a no-op.
func (r *Repository) SetEscrowReference(ctx context.Context, contractID, ref string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE contracts
		SET escrow_ref = $1, updated_at = now()
		WHERE id = $2 AND (escrow_ref IS NULL OR escrow_ref = $1)
	`, ref, contractID)
	if err != nil {
		return fmt.Errorf("contract: set escrow ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, contractID).Scan(&exists); err != nil {
			return fmt.Errorf("contract: probe escrow ref: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("contract: escrow ref already set to a different value")
	}
	return nil
}

// History returns the append-only status trail, oldest first.
func (r *Repository) History(ctx context.Context, contractID string) ([]HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, contract_id, from_status::text, to_status::text, acting_party, created_at
		FROM status_history
		WHERE contract_id = $1
		ORDER BY id ASC
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("contract: history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.ContractID, &e.FromStatus, &e.ToStatus, &e.ActingParty, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("contract: scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate history: %w", err)
	}
	return out, nil
}

func recordStatusHistory(ctx context.Context, tx pgx.Tx, contractID string, from, to Status, actingParty string) error {
	var actor any
	if actingParty != "" {
		actor = actingParty
	}
	const q = `
		INSERT INTO status_history (contract_id, from_status, to_status, acting_party)
		VALUES ($1, $2::contract_status, $3::contract_status, $4::uuid)
	`
	if _, err := tx.Exec(ctx, q, contractID, from, to, actor); err != nil {
		return fmt.Errorf("contract: insert status history: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("contract: enqueue outbox: %w", err)
	}
	return nil
}
