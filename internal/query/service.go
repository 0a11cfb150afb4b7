package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"ClearLedger/internal/audit"
	"ClearLedger/internal/errs"
)

// QueryService provides read-only access to the persisted audit log and the
// projection tables. Current balances are served from the core; this
// service answers history and dashboard queries, each carrying
// as_of_sequence where projections are involved.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService { return &QueryService{db: db} }

// verifyPage bounds how many audit rows VerifyIntegrity holds at once.
const verifyPage = 1000

// GetAccount returns the projected balance of one account.
func (qs *QueryService) GetAccount(ctx context.Context, venue, accountID string) (*AccountView, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("projection watermark: %w", err)
	}

	v := &AccountView{Venue: venue, AccountID: accountID, AsOfSequence: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT collateral, pnl, margin_in_use, last_sequence
		FROM ledger.accounts
		WHERE venue = $1 AND account_id = $2
	`, venue, accountID).Scan(&v.Collateral, &v.PnL, &v.MarginInUse, &v.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", errs.ErrUnknownAccount, venue, accountID)
	}
	if err != nil {
		return nil, err
	}
	v.Available = v.Collateral - v.MarginInUse
	return v, nil
}

// ListAccounts returns every projected account of a venue.
func (qs *QueryService) ListAccounts(ctx context.Context, venue string) ([]AccountView, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	return collect(ctx, qs.db, `
		SELECT account_id, collateral, pnl, margin_in_use, last_sequence
		FROM ledger.accounts
		WHERE venue = $1
		ORDER BY account_id`, []any{venue},
		func(r scanner) (AccountView, error) {
			v := AccountView{Venue: venue, AsOfSequence: asOf}
			err := r.Scan(&v.AccountID, &v.Collateral, &v.PnL, &v.MarginInUse, &v.LastSequence)
			v.Available = v.Collateral - v.MarginInUse
			return v, err
		})
}

// GetPools returns the projected pool state of a venue.
func (qs *QueryService) GetPools(ctx context.Context, venue string) (*PoolsView, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("projection watermark: %w", err)
	}

	p := &PoolsView{Venue: venue, AsOfSequence: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT funding_pool, insurance_fund, socialized_loss
		FROM ledger.pools WHERE venue = $1
	`, venue).Scan(&p.FundingPool, &p.InsuranceFund, &p.SocializedLoss)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownVenue, venue)
	}
	return p, err
}

const auditColumns = `
	SELECT record_id, source, sequence, kind, account, amount, reference_id,
	       caller, recorded_at, hash, output_sequence
	FROM ledger.audit_log`

func scanAuditEntry(r scanner) (AuditEntry, error) {
	var e AuditEntry
	var hash []byte
	err := r.Scan(&e.ID, &e.Source, &e.Sequence, &e.Kind, &e.Account, &e.Amount,
		&e.ReferenceID, &e.Caller, &e.RecordedAt, &hash, &e.OutputSequence)
	e.RecordedAt = e.RecordedAt.UTC()
	e.Hash = hex.EncodeToString(hash)
	return e, err
}

// GetAuditTrail pages backwards through one source's audit records. An
// empty account matches every record; beforeSequence is exclusive.
func (qs *QueryService) GetAuditTrail(ctx context.Context, source, account string, limit int, beforeSequence *int64) ([]AuditEntry, error) {
	q := newSelect(auditColumns)
	q.filter("source = %s", source)
	if account != "" {
		q.filter("account = %s", account)
	}
	if beforeSequence != nil {
		q.filter("sequence < %s", *beforeSequence)
	}
	q.orderLimit("sequence DESC", limit)
	return collect(ctx, qs.db, q.String(), q.args, scanAuditEntry)
}

// GetByReference finds every record carrying referenceID, from any
// source, in output order.
func (qs *QueryService) GetByReference(ctx context.Context, referenceID string) ([]AuditEntry, error) {
	q := newSelect(auditColumns)
	q.filter("reference_id = %s", referenceID)
	q.orderLimit("output_sequence, source, sequence", 0)
	return collect(ctx, qs.db, q.String(), q.args, scanAuditEntry)
}

// GetJournalHistory pages backwards through a source's journal lines. A
// non-empty accountID keeps lines debiting or crediting that user.
func (qs *QueryService) GetJournalHistory(ctx context.Context, source, accountID string, limit int, beforeOutput *int64) ([]JournalEntry, error) {
	q := newSelect(`
		SELECT journal_id, batch_id, event_ref, source, output_sequence,
		       debit_account, credit_account, amount, journal_type, ts_micros
		FROM ledger.journal`)
	q.filter("source = %s", source)
	if accountID != "" {
		q.filter("(debit_account LIKE %s OR credit_account LIKE %s)", "user:"+escapeLike(accountID)+":%")
	}
	if beforeOutput != nil {
		q.filter("output_sequence < %s", *beforeOutput)
	}
	q.orderLimit("output_sequence DESC, journal_id", limit)

	return collect(ctx, qs.db, q.String(), q.args, func(r scanner) (JournalEntry, error) {
		var e JournalEntry
		err := r.Scan(&e.JournalID, &e.BatchID, &e.EventRef, &e.Source, &e.OutputSequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &e.Timestamp)
		return e, err
	})
}

// ListObligations returns obligations newest first, optionally only those
// in status.
func (qs *QueryService) ListObligations(ctx context.Context, status string, limit int) ([]ObligationEntry, error) {
	q := newSelect(`
		SELECT reference_id, from_party, to_party, amount, recorded_at, status, netting_round
		FROM clearing.obligations`)
	if status != "" {
		q.filter("status = %s", status)
	}
	q.orderLimit("output_sequence DESC", limit)

	return collect(ctx, qs.db, q.String(), q.args, func(r scanner) (ObligationEntry, error) {
		var o ObligationEntry
		var round sql.NullInt64
		err := r.Scan(&o.ReferenceID, &o.From, &o.To, &o.Amount, &o.RecordedAt, &o.Status, &round)
		if round.Valid {
			o.NettingRound = &round.Int64
		}
		o.RecordedAt = o.RecordedAt.UTC()
		return o, err
	})
}

// ListNettingRounds returns executed rounds, newest first.
func (qs *QueryService) ListNettingRounds(ctx context.Context, limit int) ([]NettingRound, error) {
	q := newSelect(`
		SELECT round, executed_at, obligation_count, gross_volume, net_volume, savings, delivered
		FROM clearing.netting_rounds`)
	q.orderLimit("round DESC", limit)

	return collect(ctx, qs.db, q.String(), q.args, func(r scanner) (NettingRound, error) {
		var nr NettingRound
		err := r.Scan(&nr.Round, &nr.ExecutedAt, &nr.ObligationCount, &nr.GrossVolume,
			&nr.NetVolume, &nr.Savings, &nr.Delivered)
		nr.ExecutedAt = nr.ExecutedAt.UTC()
		return nr, err
	})
}

// ListResolutions returns manual resolutions oldest first. openOnly hides
// the resolved ones.
func (qs *QueryService) ListResolutions(ctx context.Context, openOnly bool) ([]ResolutionEntry, error) {
	q := `
		SELECT id, from_party, to_party, amount, reason, reference_id, created_at, resolved_at
		FROM clearing.manual_resolutions`
	if openOnly {
		q += " WHERE resolved_at IS NULL"
	}
	q += " ORDER BY created_at, id"

	return collect(ctx, qs.db, q, nil, func(r scanner) (ResolutionEntry, error) {
		var e ResolutionEntry
		var resolved sql.NullTime
		err := r.Scan(&e.ID, &e.From, &e.To, &e.Amount, &e.Reason, &e.ReferenceID, &e.CreatedAt, &resolved)
		e.CreatedAt = e.CreatedAt.UTC()
		if resolved.Valid {
			at := resolved.Time.UTC()
			e.ResolvedAt = &at
		}
		return e, err
	})
}

// --- Admin APIs ---

// VerifyIntegrity re-walks the persisted hash chain of every audit source
// from its genesis hash, and reports how far the projections trail the
// audit log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{IsHealthy: true}

	sources, err := qs.auditSources(ctx)
	if err != nil {
		return nil, err
	}

	for _, source := range sources {
		sr, err := qs.verifySource(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", source, err)
		}
		if sr.FirstBreak != 0 {
			report.IsHealthy = false
		}
		report.Sources = append(report.Sources, sr)
	}

	var maxOutput int64
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(output_sequence), 0) FROM ledger.audit_log
	`).Scan(&maxOutput); err != nil {
		return nil, err
	}
	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if lag := maxOutput - watermark; lag > 0 {
		report.ProjectionLag = lag
	}

	return report, nil
}

func (qs *QueryService) auditSources(ctx context.Context) ([]string, error) {
	return collect(ctx, qs.db, `SELECT DISTINCT source FROM ledger.audit_log ORDER BY source`, nil,
		func(r scanner) (string, error) {
			var src string
			err := r.Scan(&src)
			return src, err
		})
}

func (qs *QueryService) verifySource(ctx context.Context, source string) (SourceReport, error) {
	sr := SourceReport{Source: source}
	prev := audit.GenesisHash(source)

	for {
		page, err := qs.loadChainPage(ctx, source, sr.LastSeq)
		if err != nil {
			return sr, err
		}
		for _, rec := range page {
			if rec.Sequence != sr.LastSeq+1 {
				sr.FirstBreak = sr.LastSeq + 1
				sr.Error = fmt.Sprintf("missing audit record %d", sr.LastSeq+1)
				return sr, nil
			}
			if err := audit.Verify([]audit.Record{rec}, prev); err != nil {
				sr.FirstBreak = rec.Sequence
				sr.Error = err.Error()
				return sr, nil
			}
			prev = rec.Hash
			sr.LastSeq = rec.Sequence
			sr.Records++
		}
		if len(page) < verifyPage {
			return sr, nil
		}
	}
}

func (qs *QueryService) loadChainPage(ctx context.Context, source string, afterSeq int64) ([]audit.Record, error) {
	return collect(ctx, qs.db, `
		SELECT record_id, sequence, kind, account, amount, reference_id, caller,
		       recorded_at, prev_hash, hash
		FROM ledger.audit_log
		WHERE source = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3`, []any{source, afterSeq, verifyPage},
		func(r scanner) (audit.Record, error) {
			rec := audit.Record{Source: source}
			var prevHash, hash []byte
			err := r.Scan(&rec.ID, &rec.Sequence, &rec.Kind, &rec.Account, &rec.Amount,
				&rec.ReferenceID, &rec.Caller, &rec.Timestamp, &prevHash, &hash)
			rec.Timestamp = rec.Timestamp.UTC()
			copy(rec.PrevHash[:], prevHash)
			copy(rec.Hash[:], hash)
			return rec, err
		})
}

// getWatermark is the output sequence the projections reflect; zero before
// the first projection flush.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM ledger.projection_watermark WHERE worker_id = 'main'`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
