// Package projection maintains the queryable entity tables (accounts, pools,
// obligations, guarantees, default fund, manual resolutions) from core
// outputs. Projections are eventually consistent: the publish fan-out drops
// outputs when the worker falls behind, and Rebuild restores the tables from
// live state.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ClearLedger/internal/clearing"
	"ClearLedger/internal/core"
	"ClearLedger/internal/ledger"
	"ClearLedger/internal/observability"
)

const workerID = "main"

// Worker applies core outputs to the projection tables.
type Worker struct {
	db      *sql.DB
	input   <-chan core.Output
	metrics *observability.Metrics
	logger  zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, input <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:      db,
		input:   input,
		metrics: metrics,
		logger:  logger,
	}
}

// Run applies outputs until ctx is done or the channel closes. A failed
// update is logged and skipped.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.apply(ctx, out); err != nil {
				w.logger.Warn().Err(err).Int64("sequence", out.Sequence).Msg("projection update failed")
			}
			w.lastSeq = out.Sequence
		}
	}
}

// LastSequence returns the sequence of the last output handled.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq
}

func (w *Worker) apply(ctx context.Context, out core.Output) error {
	start := time.Now()
	name := "ledger"
	if out.Clearing != nil {
		name = "clearing"
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch {
	case out.Ledger != nil:
		err = applyLedger(ctx, tx, out.Sequence, out.Ledger)
	case out.Clearing != nil:
		err = applyClearing(ctx, tx, out.Sequence, out.CommittedAt, out.Clearing)
	}
	if err != nil {
		return fmt.Errorf("%s projection: %w", name, err)
	}

	if err := setWatermark(ctx, tx, out.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	return nil
}

func applyLedger(ctx context.Context, tx *sql.Tx, seq int64, c *ledger.Commit) error {
	for _, a := range c.Accounts {
		if err := upsertAccount(ctx, tx, c.Venue, a, seq); err != nil {
			return err
		}
	}
	return upsertPools(ctx, tx, c.Venue, c.Pools, seq)
}

func applyClearing(ctx context.Context, tx *sql.Tx, seq int64, at time.Time, o *clearing.Output) error {
	if ob := o.Obligation; ob != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clearing.obligations
				(reference_id, from_party, to_party, amount, recorded_at, output_sequence, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending')
			ON CONFLICT (reference_id) DO NOTHING
		`, ob.ReferenceID, ob.From, ob.To, ob.Amount, ob.Timestamp, seq); err != nil {
			return fmt.Errorf("insert obligation: %w", err)
		}
	}

	if n := o.Netting; n != nil {
		// Netting consumes every obligation recorded before it.
		if _, err := tx.ExecContext(ctx, `
			UPDATE clearing.obligations
			SET status = 'netted', netting_round = $1
			WHERE status = 'pending' AND output_sequence < $2
		`, n.Round, seq); err != nil {
			return fmt.Errorf("close obligations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clearing.netting_rounds
				(round, executed_at, obligation_count, gross_volume, net_volume, savings, delivered, output_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (round) DO NOTHING
		`, n.Round, n.ExecutedAt, n.ObligationCount, n.GrossVolume, n.NetVolume, n.Savings, n.Delivered(), seq); err != nil {
			return fmt.Errorf("insert netting round: %w", err)
		}
	}

	for _, g := range o.Guarantees {
		if err := upsertGuarantee(ctx, tx, g, seq); err != nil {
			return err
		}
	}

	if touchesDefaultFund(o) {
		if err := upsertDefaultFund(ctx, tx, o.DefaultFund, seq); err != nil {
			return err
		}
	}

	for _, r := range o.Resolutions {
		if err := insertResolution(ctx, tx, r); err != nil {
			return err
		}
	}
	for _, id := range o.Resolved {
		if _, err := tx.ExecContext(ctx, `
			UPDATE clearing.manual_resolutions SET resolved_at = $2 WHERE id = $1
		`, id, at); err != nil {
			return fmt.Errorf("resolve manual resolution: %w", err)
		}
	}
	return nil
}

// touchesDefaultFund reports whether o carries a current default fund
// balance. Only netting, transfers and contributions set it.
func touchesDefaultFund(o *clearing.Output) bool {
	if o.Netting != nil || o.Transfer != nil {
		return true
	}
	for _, r := range o.Records {
		if r.Kind == clearing.KindDefaultFundContrib {
			return true
		}
	}
	return false
}

func upsertAccount(ctx context.Context, tx *sql.Tx, venue string, a ledger.Account, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.accounts (venue, account_id, collateral, pnl, margin_in_use, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (venue, account_id) DO UPDATE
			SET collateral = $3, pnl = $4, margin_in_use = $5, last_sequence = $6, updated_at = NOW()
			WHERE ledger.accounts.last_sequence <= $6
	`, venue, a.ID, a.Collateral, a.PnL, a.MarginInUse, seq)
	if err != nil {
		return fmt.Errorf("upsert account %s/%s: %w", venue, a.ID, err)
	}
	return nil
}

func upsertPools(ctx context.Context, tx *sql.Tx, venue string, p ledger.PoolState, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.pools (venue, funding_pool, insurance_fund, socialized_loss, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (venue) DO UPDATE
			SET funding_pool = $2, insurance_fund = $3, socialized_loss = $4, last_sequence = $5, updated_at = NOW()
			WHERE ledger.pools.last_sequence <= $5
	`, venue, p.FundingPool, p.InsuranceFund, p.SocializedLoss, seq)
	if err != nil {
		return fmt.Errorf("upsert pools %s: %w", venue, err)
	}
	return nil
}

func upsertGuarantee(ctx context.Context, tx *sql.Tx, g clearing.GuaranteeState, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.guarantees (party, balance, minimum, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (party) DO UPDATE
			SET balance = $2, minimum = $3, last_sequence = $4, updated_at = NOW()
			WHERE clearing.guarantees.last_sequence <= $4
	`, g.Party, g.Balance, g.Minimum, seq)
	if err != nil {
		return fmt.Errorf("upsert guarantee %s: %w", g.Party, err)
	}
	return nil
}

func upsertDefaultFund(ctx context.Context, tx *sql.Tx, balance, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.default_fund (id, balance, last_sequence, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
			SET balance = $1, last_sequence = $2, updated_at = NOW()
			WHERE clearing.default_fund.last_sequence <= $2
	`, balance, seq)
	if err != nil {
		return fmt.Errorf("upsert default fund: %w", err)
	}
	return nil
}

func insertResolution(ctx context.Context, tx *sql.Tx, r clearing.ManualResolution) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO clearing.manual_resolutions (id, from_party, to_party, amount, reason, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.From, r.To, r.Amount, r.Reason, r.ReferenceID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert manual resolution %s: %w", r.ID, err)
	}
	return nil
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.projection_watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq)
	return err
}
