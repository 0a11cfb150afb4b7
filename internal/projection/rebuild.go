package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"ClearLedger/internal/clearing"
	"ClearLedger/internal/ledger"
)

// StateSource is the live state Rebuild copies from. *core.Service
// satisfies it.
type StateSource interface {
	Venues() []string
	Venue(id string) (*ledger.AccountLedger, error)
	Clearing() *clearing.ClearingEngine
	Sequence() int64
}

// Rebuild replaces the entity projections with the current state of src.
// Run it after boot, before the projection worker starts, to repair updates
// dropped by the fan-out in an earlier run.
func Rebuild(ctx context.Context, db *sql.DB, src StateSource, logger zerolog.Logger) error {
	seq := src.Sequence()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM ledger.accounts`,
		`DELETE FROM ledger.pools`,
		`DELETE FROM clearing.guarantees`,
		`DELETE FROM clearing.default_fund`,
		`UPDATE clearing.obligations SET status = 'netted' WHERE status = 'pending'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}

	accounts := 0
	for _, id := range src.Venues() {
		l, err := src.Venue(id)
		if err != nil {
			return err
		}
		for _, a := range l.Accounts() {
			if err := upsertAccount(ctx, tx, id, a, seq); err != nil {
				return err
			}
			accounts++
		}
		if err := upsertPools(ctx, tx, id, l.Pools(), seq); err != nil {
			return err
		}
	}

	engine := src.Clearing()
	for _, g := range engine.Guarantees() {
		if err := upsertGuarantee(ctx, tx, g, seq); err != nil {
			return err
		}
	}
	if err := upsertDefaultFund(ctx, tx, engine.DefaultFund(), seq); err != nil {
		return err
	}

	pending := engine.Pending()
	for _, ob := range pending {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO clearing.obligations
				(reference_id, from_party, to_party, amount, recorded_at, output_sequence, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending')
			ON CONFLICT (reference_id) DO UPDATE SET status = 'pending', netting_round = NULL
		`, ob.ReferenceID, ob.From, ob.To, ob.Amount, ob.Timestamp, seq); err != nil {
			return fmt.Errorf("restore pending obligation %s: %w", ob.ReferenceID, err)
		}
	}

	for _, r := range engine.ManualResolutions() {
		if err := insertResolution(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().
		Int64("sequence", seq).
		Int("accounts", accounts).
		Int("pending_obligations", len(pending)).
		Msg("projection rebuild complete")
	return nil
}
