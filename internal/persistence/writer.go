package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ClearLedger/internal/audit"
	"ClearLedger/internal/core"
)

// Postgres caps a statement at 65535 bind parameters; the widest row below
// has 12 columns.
const maxRowsPerInsert = 1000

// AuditRow is a row in ledger.audit_log.
type AuditRow struct {
	audit.Record
	OutputSequence int64
}

// JournalRow is a row in ledger.journal.
type JournalRow struct {
	JournalID      uuid.UUID
	BatchID        uuid.UUID
	EventRef       string
	Source         string
	OutputSequence int64
	DebitAccount   string
	CreditAccount  string
	Amount         int64
	JournalType    int32
	TimestampMicro int64
}

// SettlementRow is a row in ledger.settlement_records.
type SettlementRow struct {
	Scope          string
	ReferenceID    string
	Kind           string
	AppliedAt      time.Time
	OutputSequence int64
}

// Rows is everything one or more core outputs append to the durable log.
type Rows struct {
	Audit       []AuditRow
	Journals    []JournalRow
	Settlements []SettlementRow
	LastSeq     int64
}

// Len counts the outputs' rows.
func (r *Rows) Len() int {
	return len(r.Audit) + len(r.Journals) + len(r.Settlements)
}

// Add appends the rows of out.
func (r *Rows) Add(out core.Output) {
	for _, rec := range out.Records() {
		r.Audit = append(r.Audit, AuditRow{Record: rec, OutputSequence: out.Sequence})
	}
	for _, b := range out.Batches() {
		for _, j := range b.Journals {
			r.Journals = append(r.Journals, JournalRow{
				JournalID:      j.JournalID,
				BatchID:        j.BatchID,
				EventRef:       j.EventRef,
				Source:         out.Source,
				OutputSequence: out.Sequence,
				DebitAccount:   j.DebitAccount.AccountPath(),
				CreditAccount:  j.CreditAccount.AccountPath(),
				Amount:         j.Amount,
				JournalType:    int32(j.JournalType),
				TimestampMicro: j.Timestamp,
			})
		}
	}
	if s := settlementOf(out); s != nil {
		r.Settlements = append(r.Settlements, SettlementRow{
			Scope:          s.Scope,
			ReferenceID:    s.ReferenceID,
			Kind:           s.Kind,
			AppliedAt:      s.AppliedAt,
			OutputSequence: out.Sequence,
		})
	}
	if out.Sequence > r.LastSeq {
		r.LastSeq = out.Sequence
	}
}

// Reset empties r, keeping capacity.
func (r *Rows) Reset() {
	r.Audit = r.Audit[:0]
	r.Journals = r.Journals[:0]
	r.Settlements = r.Settlements[:0]
	r.LastSeq = 0
}

// Writer appends audit, journal and settlement rows with multi-row INSERTs.
// Every insert is idempotent (ON CONFLICT DO NOTHING), so a batch replayed
// after a failed commit or a restart from an older snapshot is harmless.
type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// WriteRows writes rows in a single transaction.
func (w *Writer) WriteRows(ctx context.Context, rows *Rows) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &writeError{op: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := w.writeAudit(ctx, tx, rows.Audit); err != nil {
		return &writeError{op: "write_audit", err: err}
	}
	if err := w.writeJournals(ctx, tx, rows.Journals); err != nil {
		return &writeError{op: "write_journals", err: err}
	}
	if err := w.writeSettlements(ctx, tx, rows.Settlements); err != nil {
		return &writeError{op: "write_settlements", err: err}
	}
	if err := tx.Commit(); err != nil {
		return &writeError{op: "tx_commit", err: err}
	}
	return nil
}

func (w *Writer) writeAudit(ctx context.Context, tx *sql.Tx, rows []AuditRow) error {
	return insertChunked(ctx, tx,
		`INSERT INTO ledger.audit_log
		(source, sequence, record_id, kind, account, amount, reference_id, caller, recorded_at, prev_hash, hash, output_sequence)
		VALUES `,
		" ON CONFLICT (source, sequence) DO NOTHING",
		12, len(rows),
		func(i int) []any {
			r := rows[i]
			return []any{
				r.Source, r.Sequence, r.ID, r.Kind, r.Account, r.Amount,
				r.ReferenceID, r.Caller, r.Timestamp, r.PrevHash[:], r.Hash[:], r.OutputSequence,
			}
		})
}

func (w *Writer) writeJournals(ctx context.Context, tx *sql.Tx, rows []JournalRow) error {
	return insertChunked(ctx, tx,
		`INSERT INTO ledger.journal
		(journal_id, batch_id, event_ref, source, output_sequence, debit_account, credit_account, amount, journal_type, ts_micros)
		VALUES `,
		" ON CONFLICT (journal_id) DO NOTHING",
		10, len(rows),
		func(i int) []any {
			j := rows[i]
			return []any{
				j.JournalID, j.BatchID, j.EventRef, j.Source, j.OutputSequence,
				j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, j.TimestampMicro,
			}
		})
}

func (w *Writer) writeSettlements(ctx context.Context, tx *sql.Tx, rows []SettlementRow) error {
	return insertChunked(ctx, tx,
		`INSERT INTO ledger.settlement_records
		(scope, reference_id, kind, applied_at, output_sequence)
		VALUES `,
		" ON CONFLICT (scope, reference_id) DO NOTHING",
		5, len(rows),
		func(i int) []any {
			s := rows[i]
			return []any{s.Scope, s.ReferenceID, s.Kind, s.AppliedAt, s.OutputSequence}
		})
}

// insertChunked issues one multi-row INSERT per maxRowsPerInsert rows.
func insertChunked(ctx context.Context, tx *sql.Tx, prefix, suffix string, cols, n int, row func(i int) []any) error {
	for start := 0; start < n; start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, n)
		args := make([]any, 0, (end-start)*cols)
		for i := start; i < end; i++ {
			args = append(args, row(i)...)
		}
		query := prefix + placeholders(end-start, cols) + suffix
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// placeholders renders "($1, $2), ($3, $4)" for rows x cols parameters.
func placeholders(rows, cols int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// writeError tags a failure with the step that produced it, for metrics.
type writeError struct {
	op  string
	err error
}

func (e *writeError) Error() string { return e.op + ": " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }
