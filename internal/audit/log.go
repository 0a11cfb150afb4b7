// Package audit keeps the append-only, hash-chained record of every mutating
// ledger and clearing operation.
package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one immutable audit entry.
type Record struct {
	ID          uuid.UUID `json:"id"`
	Source      string    `json:"source"` // venue id or "clearing"
	Sequence    int64     `json:"sequence"`
	Kind        string    `json:"kind"`
	Account     string    `json:"account,omitempty"`
	Amount      int64     `json:"amount"`
	ReferenceID string    `json:"reference_id,omitempty"`
	Caller      string    `json:"caller,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	PrevHash    [32]byte  `json:"prev_hash"`
	Hash        [32]byte  `json:"hash"`
}

// Digest returns the canonical bytes covered by the record hash.
func (r Record) Digest() []byte {
	buf := make([]byte, 0, 128)
	buf = appendString(buf, r.Source)
	buf = appendString(buf, r.Kind)
	buf = appendString(buf, r.Account)
	buf = appendInt64LE(buf, r.Amount)
	buf = appendString(buf, r.ReferenceID)
	buf = appendString(buf, r.Caller)
	buf = appendInt64LE(buf, r.Timestamp.UnixMicro())
	return buf
}

// Sink receives every appended record. Sinks run under the owner's lock and
// must not block.
type Sink func(Record)

// Log is an append-only audit log for one source.
// Not thread-safe; the owning ledger or engine serializes access.
type Log struct {
	source   string
	sequence int64
	hasher   *ChainHasher
	records  []Record
	retain   int
	sinks    []Sink
}

// NewLog creates a log that keeps the most recent retain records in memory
// (0 keeps everything). Older records live only in the durable store.
func NewLog(source string, retain int) *Log {
	return &Log{
		source: source,
		hasher: NewChainHasher(source),
		retain: retain,
	}
}

// Subscribe registers a sink for new records.
func (l *Log) Subscribe(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Append creates, chains and stores a record, then fans it out to sinks.
func (l *Log) Append(kind, account string, amount int64, referenceID, caller string, ts time.Time) Record {
	l.sequence++
	rec := Record{
		ID:          uuid.New(),
		Source:      l.source,
		Sequence:    l.sequence,
		Kind:        kind,
		Account:     account,
		Amount:      amount,
		ReferenceID: referenceID,
		Caller:      caller,
		Timestamp:   ts.UTC(),
		PrevHash:    l.hasher.Tip(),
	}
	rec.Hash = l.hasher.ComputeHash(rec.Sequence, rec.Digest())

	l.records = append(l.records, rec)
	if l.retain > 0 && len(l.records) > l.retain {
		l.records = append(l.records[:0:0], l.records[len(l.records)-l.retain:]...)
	}

	for _, s := range l.sinks {
		s(rec)
	}
	return rec
}

// Records returns a copy of the retained records, oldest first.
func (l *Log) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Sequence returns the sequence of the last appended record.
func (l *Log) Sequence() int64 {
	return l.sequence
}

// Tip returns the hash of the last appended record.
func (l *Log) Tip() [32]byte {
	return l.hasher.Tip()
}

// Resume continues the chain from a persisted sequence and tip.
func (l *Log) Resume(sequence int64, tip [32]byte) {
	l.sequence = sequence
	l.hasher.Reset(tip)
	l.records = nil
}

// Verify checks that records form an unbroken chain starting at prev.
func Verify(records []Record, prev [32]byte) error {
	for _, rec := range records {
		if rec.PrevHash != prev {
			return fmt.Errorf("audit record %d: prev hash mismatch", rec.Sequence)
		}
		want := chainHash(prev, rec.Sequence, rec.Digest())
		if rec.Hash != want {
			return fmt.Errorf("audit record %d: hash mismatch", rec.Sequence)
		}
		prev = rec.Hash
	}
	return nil
}
