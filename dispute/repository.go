package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested dispute does not exist.
	ErrNotFound = errors.New("dispute: not found")
	// ErrOpenDisputeExists signals the contract already has an open or
	// under-review dispute; the partial unique index enforces this.
	ErrOpenDisputeExists = errors.New("dispute: contract already has an open dispute")
	// ErrBadStatus signals the dispute is not in a status that permits the
	// requested mutation.
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `id, contract_id, initiator_id, reason_code, description, milestone_ref, status::text, mediator_id, winner_id, resolution, resolution_details, created_at, updated_at, resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.ContractID, &rec.InitiatorID, &rec.ReasonCode,
		&rec.Description, &rec.MilestoneRef, &rec.Status, &rec.MediatorID,
		&rec.WinnerID, &rec.Resolution, &rec.ResolutionDetails,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
	)
	return rec, err
}

// CreateParams carries the intake form for a new dispute.
type CreateParams struct {
	ContractID   string
	InitiatorID  string
	ReasonCode   string
	Description  string
	MilestoneRef *string
}

// Create inserts an open dispute. The partial unique index on open statuses
// rejects a second simultaneous dispute for the same contract.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Record, error) {
	insertSQL := `
		INSERT INTO disputes (id, contract_id, initiator_id, reason_code, description, milestone_ref, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'open')
		RETURNING ` + disputeColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, insertSQL,
		uuid.NewString(), params.ContractID, params.InitiatorID, params.ReasonCode, params.Description, params.MilestoneRef))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrOpenDisputeExists
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// GetByID fetches a dispute by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: query by id: %w", err)
	}
	return rec, nil
}

// HasOpenDispute reports whether the contract has an open or under-review
// dispute. Implements the lifecycle engine's dispute check.
func (r *Repository) HasOpenDispute(ctx context.Context, contractID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE contract_id = $1 AND status IN ('open','under_review')
		)
	`, contractID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dispute: check open: %w", err)
	}
	return exists, nil
}

// AssignMediator moves an open dispute to under_review. Fails with
// ErrBadStatus when the dispute has already been picked up or settled.
func (r *Repository) AssignMediator(ctx context.Context, disputeID, mediatorID string) (Record, error) {
	updateSQL := `
		UPDATE disputes
		SET status = 'under_review', mediator_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + disputeColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, updateSQL, disputeID, mediatorID))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: assign mediator: %w", err)
	}
	return Record{}, r.probeStatus(ctx, disputeID)
}

// MarkResolved finalises a dispute after the lifecycle engine settled the
// contract. Only open or under-review disputes can be resolved.
func (r *Repository) MarkResolved(ctx context.Context, disputeID, winnerID, resolution, details string) (Record, error) {
	updateSQL := `
		UPDATE disputes
		SET status = 'resolved',
		    winner_id = $2,
		    resolution = $3,
		    resolution_details = $4,
		    resolved_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status IN ('open','under_review')
		RETURNING ` + disputeColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, updateSQL, disputeID, winnerID, resolution, details))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return Record{}, r.probeStatus(ctx, disputeID)
}

// ListByContract returns all disputes for a contract, newest first.
func (r *Repository) ListByContract(ctx context.Context, contractID string) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE contract_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// probeStatus distinguishes a missing dispute from a guarded status.
func (r *Repository) probeStatus(ctx context.Context, disputeID string) error {
	var status Status
	err := r.pool.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, disputeID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("dispute: probe status: %w", err)
	}
	return fmt.Errorf("%w (status %s)", ErrBadStatus, status)
}
