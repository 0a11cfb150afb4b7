package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ClearLedger/internal/audit"
	"ClearLedger/internal/core"
	"ClearLedger/internal/observability"
)

// AuditMessage is the outbound payload for one audit record.
type AuditMessage struct {
	OutputSequence int64        `json:"output_sequence"`
	Record         audit.Record `json:"record"`
}

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher mirrors each audit record onto clear.audit.<kind>.<source>.
// The Nats-Msg-Id is <source>:<sequence>; the stream's duplicate window
// drops records republished after a restart.
type OutboundPublisher struct {
	js      Publisher
	in      <-chan core.Output
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewOutboundPublisher accepts a nil metrics.
func NewOutboundPublisher(js Publisher, in <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, in: in, metrics: metrics, logger: logger}
}

// Run drains the channel until it closes or ctx ends. A failed publish is
// logged and counted but never retried; Postgres keeps the full audit log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		var out core.Output
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok = <-op.in:
		}
		if !ok {
			return nil
		}

		for _, rec := range out.Records() {
			err := op.publish(ctx, out.Sequence, rec)
			op.count(err)
			if err != nil {
				op.logger.Warn().Err(err).
					Int64("sequence", out.Sequence).
					Str("source", rec.Source).
					Int64("audit_sequence", rec.Sequence).
					Msg("audit record not published")
			}
		}
	}
}

func (op *OutboundPublisher) count(err error) {
	if op.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	op.metrics.OutboundPublished.WithLabelValues(result).Inc()
}

func (op *OutboundPublisher) publish(ctx context.Context, seq int64, rec audit.Record) error {
	body, err := json.Marshal(AuditMessage{OutputSequence: seq, Record: rec})
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	msgID := rec.Source + ":" + strconv.FormatInt(rec.Sequence, 10)
	_, err = op.js.Publish(ctx, AuditSubject(rec), body, jetstream.WithMsgID(msgID))
	return err
}

// AuditSubject returns the outbound subject for rec.
func AuditSubject(rec audit.Record) string {
	return fmt.Sprintf("%s.%s.%s", subjectAudit, rec.Kind, rec.Source)
}

// auditStream holds outbound audit records for three days and remembers
// message ids for ten minutes.
var auditStream = jetstream.StreamConfig{
	Name:       "CLEAR_AUDIT",
	Subjects:   []string{subjectAudit + ".>"},
	Storage:    jetstream.FileStorage,
	Retention:  jetstream.LimitsPolicy,
	MaxAge:     72 * time.Hour,
	Duplicates: 10 * time.Minute,
	Replicas:   1,
}

// EnsureOutboundStream declares the audit stream the publisher writes to.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	if _, err := js.CreateOrUpdateStream(ctx, auditStream); err != nil {
		return fmt.Errorf("stream %s: %w", auditStream.Name, err)
	}
	logger.Debug().Str("stream", auditStream.Name).Msg("stream declared")
	return nil
}
