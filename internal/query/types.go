package query

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one persisted audit record.
type AuditEntry struct {
	ID             uuid.UUID `json:"id"`
	Source         string    `json:"source"`
	Sequence       int64     `json:"sequence"`
	Kind           string    `json:"kind"`
	Account        string    `json:"account,omitempty"`
	Amount         int64     `json:"amount"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Caller         string    `json:"caller,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
	Hash           string    `json:"hash"`
	OutputSequence int64     `json:"output_sequence"`
}

// JournalEntry is one persisted double-entry journal line.
type JournalEntry struct {
	JournalID      string `json:"journal_id"`
	BatchID        string `json:"batch_id"`
	EventRef       string `json:"event_ref"`
	Source         string `json:"source"`
	OutputSequence int64  `json:"output_sequence"`
	DebitAccount   string `json:"debit_account"`
	CreditAccount  string `json:"credit_account"`
	Amount         int64  `json:"amount"`
	JournalType    int32  `json:"journal_type"`
	Timestamp      int64  `json:"timestamp_us"`
}

// ObligationEntry is an obligation and what became of it.
type ObligationEntry struct {
	ReferenceID  string    `json:"reference_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       int64     `json:"amount"`
	RecordedAt   time.Time `json:"recorded_at"`
	Status       string    `json:"status"`
	NettingRound *int64    `json:"netting_round,omitempty"`
}

// NettingRound summarizes one executed netting cycle.
type NettingRound struct {
	Round           int64     `json:"round"`
	ExecutedAt      time.Time `json:"executed_at"`
	ObligationCount int       `json:"obligation_count"`
	GrossVolume     int64     `json:"gross_volume"`
	NetVolume       int64     `json:"net_volume"`
	Savings         int64     `json:"savings"`
	Delivered       int64     `json:"delivered"`
}

// ResolutionEntry is a manual resolution, open or closed.
type ResolutionEntry struct {
	ID          uuid.UUID  `json:"id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Amount      int64      `json:"amount"`
	Reason      string     `json:"reason"`
	ReferenceID string     `json:"reference_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy     bool           `json:"is_healthy"`
	Sources       []SourceReport `json:"sources"`
	ProjectionLag int64          `json:"projection_lag"`
}

// SourceReport is the chain check for one audit source.
type SourceReport struct {
	Source     string `json:"source"`
	Records    int64  `json:"records"`
	LastSeq    int64  `json:"last_sequence"`
	FirstBreak int64  `json:"first_break,omitempty"`
	Error      string `json:"error,omitempty"`
}
