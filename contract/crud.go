package contract

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateParams carries the fields supplied by the contract CRUD collaborator.
// Contracts always start in 'sent'; only the lifecycle engine moves them on.
type CreateParams struct {
	BuyerID      string
	SellerID     string
	Amount       int64
	Currency     string
	StartDate    time.Time
	EndDate      time.Time
	Deliverables string
}

type ListFilters struct {
	PartyID  string
	Page     int
	PageSize int
}

// CRUDService owns the creation/listing surface the web layer consumes. It
// never touches status beyond the initial 'sent' insert.
type CRUDService struct {
	pool *pgxpool.Pool
}

func NewCRUDService(pool *pgxpool.Pool) *CRUDService {
	return &CRUDService{pool: pool}
}

func (s *CRUDService) Create(ctx context.Context, params CreateParams) (Contract, error) {
	if params.BuyerID == "" || params.SellerID == "" {
		return Contract{}, fmt.Errorf("contract: buyer and seller ids required")
	}
	if params.BuyerID == params.SellerID {
		return Contract{}, fmt.Errorf("contract: buyer and seller must differ")
	}
	if params.Amount <= 0 {
		return Contract{}, fmt.Errorf("contract: invalid amount")
	}
	if params.Currency == "" {
		return Contract{}, fmt.Errorf("contract: currency required")
	}
	if params.EndDate.Before(params.StartDate) {
		return Contract{}, fmt.Errorf("contract: end date precedes start date")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
		INSERT INTO contracts (id, buyer_id, seller_id, amount, currency, start_date, end_date, deliverables, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'sent')
		RETURNING ` + contractColumns

	c, err := scanContract(tx.QueryRow(ctx, insertSQL,
		uuid.NewString(),
		params.BuyerID,
		params.SellerID,
		params.Amount,
		params.Currency,
		params.StartDate,
		params.EndDate,
		params.Deliverables,
	))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}

	payload := map[string]any{
		"contract_id": c.ID,
		"buyer_id":    c.BuyerID,
		"seller_id":   c.SellerID,
		"amount":      c.Amount,
		"currency":    c.Currency,
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicCreated, payload); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit: %w", err)
	}
	return c, nil
}

// List returns contracts where the party is buyer or seller, newest first.
func (s *CRUDService) List(ctx context.Context, filters ListFilters) ([]Contract, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `
		SELECT ` + contractColumns + `
		FROM contracts
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.pool.Query(ctx, query, filters.PartyID, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	records := []Contract{}
	for rows.Next() {
		var c Contract
		if err := rows.Scan(
			&c.ID, &c.BuyerID, &c.SellerID, &c.Amount, &c.Currency,
			&c.StartDate, &c.EndDate, &c.Deliverables, &c.Status,
			&c.EscrowRef, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("contract: iterate: %w", err)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM contracts WHERE buyer_id = $1 OR seller_id = $1`, filters.PartyID).Scan(&total); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}
