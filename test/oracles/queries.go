package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the settlement invariants checked during a stress run. Each
// query selects violating rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_dispute",
			SQL: `SELECT contract_id, COUNT(*) FROM disputes
                  WHERE status IN ('open','under_review')
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_no_exit_from_terminal",
			SQL: `SELECT * FROM status_history
                  WHERE from_status IN ('rejected','cancelled')`,
		},
		{
			Name: "O3_history_chain_contiguous",
			SQL: `WITH chain AS (
                      SELECT contract_id, from_status, to_status,
                             LAG(to_status) OVER (PARTITION BY contract_id ORDER BY id) AS prev_to
                      FROM status_history)
                  SELECT * FROM chain WHERE prev_to IS NOT NULL AND from_status <> prev_to`,
		},
		{
			Name: "O4_escrow_ref_after_custody",
			SQL: `SELECT id, status FROM contracts
                  WHERE status <> 'sent' AND escrow_ref IS NULL`,
		},
		{
			Name: "O5_outbox_progress",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O6_resolved_dispute_settles_contract",
			SQL: `SELECT d.id, c.status FROM disputes d
                  JOIN contracts c ON c.id = d.contract_id
                  WHERE d.status = 'resolved'
                    AND c.status = 'in_dispute'
                    AND d.resolved_at < now() - interval '5 seconds'`,
		},
		{
			Name: "O7_history_exists_for_moved_contracts",
			SQL: `SELECT c.id, c.status FROM contracts c
                  WHERE c.status <> 'sent'
                    AND NOT EXISTS (SELECT 1 FROM status_history h WHERE h.contract_id = c.id)`,
		},
		{
			Name: "O8_resolved_dispute_has_winner",
			SQL: `SELECT id FROM disputes
                  WHERE status = 'resolved' AND winner_id IS NULL`,
		},
		{
			Name: "O9_winner_is_participant",
			SQL: `SELECT d.id FROM disputes d
                  JOIN contracts c ON c.id = d.contract_id
                  WHERE d.winner_id IS NOT NULL
                    AND d.winner_id NOT IN (c.buyer_id, c.seller_id)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
