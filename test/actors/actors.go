package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/custody"
	"escrowflow/dispute"
	"escrowflow/lifecycle"
)

// Env bundles the wired services the stress actors drive. All actors share one
// engine and one in-memory custody ledger so their calls contend on the same
// optimistic guards a production deployment would.
type Env struct {
	Pool        *pgxpool.Pool
	Engine      *lifecycle.Engine
	Coordinator *dispute.Coordinator
	Contracts   *contract.CRUDService
	Custody     *custody.Memory

	Buyer    auth.Identity
	Seller   auth.Identity
	Mediator auth.Identity
}

// tolerate swallows the contention outcomes actors are expected to hit:
// lost optimistic races, status guards, permission rejections, duplicate
// disputes. Anything else is a real failure.
func tolerate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var le *lifecycle.Error
	if errors.As(err, &le) && le.Kind != lifecycle.KindInternal {
		return nil
	}
	if errors.Is(err, dispute.ErrOpenDisputeExists) || errors.Is(err, dispute.ErrBadStatus) || errors.Is(err, dispute.ErrNotFound) {
		return nil
	}
	// Chaos terminates random backends; the killed session sees 57P01.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57P01" {
		return nil
	}
	if pgconn.SafeToRetry(err) {
		return nil
	}
	return err
}

func contractsByStatus(ctx context.Context, pool *pgxpool.Pool, status contract.Status, limit int) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM contracts WHERE status = $1::contract_status ORDER BY random() LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Factory creates fresh contracts between the shared buyer and seller so the
// other actors always have raw material.
func Factory(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := env.Contracts.Create(ctx, contract.CreateParams{
			BuyerID:      env.Buyer.PartyID,
			SellerID:     env.Seller.PartyID,
			Amount:       int64(1000 + rand.Intn(900000)),
			Currency:     "USD",
			StartDate:    time.Now(),
			EndDate:      time.Now().Add(30 * 24 * time.Hour),
			Deliverables: fmt.Sprintf("deliverable-%d", rand.Int63()),
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("factory create: %w", err)
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// Funder plays the buyer through the funding leg: custody initialization for
// sent contracts, then a simulated on-chain deposit plus confirmation for
// contracts awaiting one.
func Funder(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		ids, err := contractsByStatus(ctx, env.Pool, contract.StatusSent, 4)
		if err != nil {
			return tolerate(err)
		}
		for _, id := range ids {
			if _, err := env.Engine.InitializeCustody(ctx, env.Buyer, id); tolerate(err) != nil {
				return err
			}
		}

		ids, err = contractsByStatus(ctx, env.Pool, contract.StatusAwaitingDeposit, 4)
		if err != nil {
			return tolerate(err)
		}
		for _, id := range ids {
			var amount int64
			if err := env.Pool.QueryRow(ctx, `SELECT amount FROM contracts WHERE id = $1`, id).Scan(&amount); err != nil {
				continue
			}
			_ = env.Custody.Deposit(id, amount)
			if _, err := env.Engine.ConfirmDeposit(ctx, env.Buyer, id); tolerate(err) != nil {
				return err
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Responder plays the seller deciding on funded contracts. Mostly accepts,
// occasionally rejects to exercise the refund path.
func Responder(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		ids, err := contractsByStatus(ctx, env.Pool, contract.StatusPendingAcceptance, 4)
		if err != nil {
			return tolerate(err)
		}
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				if _, err := env.Engine.Reject(ctx, env.Seller, id); tolerate(err) != nil {
					return err
				}
				continue
			}
			if _, err := env.Engine.Accept(ctx, env.Seller, id); tolerate(err) != nil {
				return err
			}
		}

		ids, err = contractsByStatus(ctx, env.Pool, contract.StatusAccepted, 2)
		if err != nil {
			return tolerate(err)
		}
		for _, id := range ids {
			if _, err := env.Engine.StartWork(ctx, env.Seller, id); tolerate(err) != nil {
				return err
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Releaser plays the buyer releasing funds on accepted or in-progress
// contracts. It deliberately races Disputer over the same rows.
func Releaser(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		for _, status := range []contract.Status{contract.StatusAccepted, contract.StatusInProgress} {
			ids, err := contractsByStatus(ctx, env.Pool, status, 3)
			if err != nil {
				return tolerate(err)
			}
			for _, id := range ids {
				if _, err := env.Engine.Release(ctx, env.Buyer, id); tolerate(err) != nil {
					return err
				}
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Disputer raises disputes on in-progress contracts, racing the Releaser for
// the same status guard.
func Disputer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	reasons := []string{"non_delivery", "quality", "scope_change"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		ids, err := contractsByStatus(ctx, env.Pool, contract.StatusInProgress, 2)
		if err != nil {
			return tolerate(err)
		}
		for _, id := range ids {
			actor := env.Buyer
			if rand.Intn(2) == 0 {
				actor = env.Seller
			}
			_, err := env.Coordinator.Open(ctx, actor, dispute.OpenParams{
				ContractID:  id,
				ReasonCode:  reasons[rand.Intn(len(reasons))],
				Description: "stress dispute",
			})
			if tolerate(err) != nil {
				return err
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// Mediator picks up open disputes and resolves them with a random winner,
// driving the custody resolution leg.
func Mediator(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		rows, err := env.Pool.Query(ctx, `
			SELECT d.id, c.buyer_id, c.seller_id
			FROM disputes d JOIN contracts c ON c.id = d.contract_id
			WHERE d.status IN ('open','under_review')
			ORDER BY random() LIMIT 3
		`)
		if err != nil {
			return tolerate(err)
		}
		type row struct{ id, buyer, seller string }
		var pending []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.buyer, &r.seller); err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, r)
		}
		rows.Close()

		for _, r := range pending {
			if _, err := env.Coordinator.AssignMediator(ctx, env.Mediator, r.id, ""); tolerate(err) != nil {
				return err
			}
			winner := r.buyer
			if rand.Intn(2) == 0 {
				winner = r.seller
			}
			if _, err := env.Coordinator.Resolve(ctx, env.Mediator, r.id, winner, "stress_resolution", "decided under stress"); tolerate(err) != nil {
				return err
			}
		}
		time.Sleep(time.Duration(120+rand.Intn(150)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, marking them
// processed or bumping attempts on simulated failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return tolerate(err)
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Reconciler sweeps a random settled-side contract the way an operator cron
// would, mapping custody truth back onto the ledger after lost races.
func Reconciler(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		for _, status := range []contract.Status{contract.StatusAccepted, contract.StatusInProgress, contract.StatusInDispute} {
			ids, err := contractsByStatus(ctx, env.Pool, status, 1)
			if err != nil {
				return tolerate(err)
			}
			for _, id := range ids {
				if _, _, err := env.Engine.Reconcile(ctx, id); tolerate(err) != nil {
					return err
				}
			}
		}
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}
