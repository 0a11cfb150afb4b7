package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ClearLedger/internal/auth"
	"ClearLedger/internal/core"
	"ClearLedger/internal/errs"
	"ClearLedger/internal/event"
	"ClearLedger/internal/observability"
)

// Applier runs one command. *core.Service implements it.
type Applier interface {
	Apply(ctx context.Context, cmd event.Command) (core.Result, error)
}

// Message outcomes, also the ingest metric status label.
const (
	StatusApplied   = "applied"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
	StatusRetry     = "retry"
)

// Processor decodes raw events and applies them in arrival order.
type Processor struct {
	decoder *Decoder
	applier Applier
	input   <-chan RawEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewProcessor(decoder *Decoder, applier Applier, input <-chan RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		decoder: decoder,
		applier: applier,
		input:   input,
		metrics: metrics,
		logger:  logger,
	}
}

// Run processes events until ctx is done or the channel closes.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.input:
			if !ok {
				return nil
			}
			p.Handle(ctx, raw)
		}
	}
}

// Handle applies one event and settles the message: Ack on success or
// duplicate, Term on a deterministic rejection, Nak on anything else so
// JetStream redelivers it.
func (p *Processor) Handle(ctx context.Context, raw RawEvent) string {
	op, status := event.CommandUnknown, StatusRejected
	defer func() {
		if p.metrics != nil {
			p.metrics.IngestMessages.WithLabelValues(op.String(), status).Inc()
			if !raw.Published.IsZero() {
				p.metrics.NATSPullLatency.WithLabelValues(subjectRoot(raw.Subject)).Observe(time.Since(raw.Published).Seconds())
			}
		}
	}()

	op, target, err := Route(raw.Subject)
	if err != nil {
		p.reject(raw, err)
		return status
	}
	if raw.Caller == "" || auth.IsReserved(raw.Caller) {
		p.reject(raw, errs.ErrUnauthorized)
		return status
	}

	meta := event.Meta{Caller: raw.Caller, ReceivedAt: raw.Timestamp}
	if op.IsVenueCommand() {
		meta.Venue = target
	}
	cmd, err := p.decoder.Decode(op, meta, raw.Data)
	if err != nil {
		p.reject(raw, err)
		return status
	}
	if pu, ok := cmd.(*event.PriceUpdate); ok && pu.Symbol == "" {
		pu.Symbol = target
	}

	_, err = p.applier.Apply(ctx, cmd)
	switch {
	case err == nil:
		status = StatusApplied
		ack(raw.AckFunc)
	case errors.Is(err, errs.ErrDuplicateOperation):
		status = StatusDuplicate
		ack(raw.AckFunc)
	case errs.KindOf(err) != errs.KindUnknown:
		p.reject(raw, err)
	default:
		status = StatusRetry
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command failed, will be redelivered")
		ack(raw.NakFunc)
	}
	return status
}

func (p *Processor) reject(raw RawEvent, err error) {
	p.logger.Info().
		Err(err).
		Str("subject", raw.Subject).
		Str("caller", raw.Caller).
		Str("code", errs.CodeOf(err)).
		Msg("command rejected")
	ack(raw.TermFunc)
}

func ack(fn func()) {
	if fn != nil {
		fn()
	}
}

func subjectRoot(subject string) string {
	for _, root := range []string{subjectLedger, subjectObligations, subjectPrices} {
		if len(subject) > len(root) && subject[:len(root)] == root {
			return root
		}
	}
	return "other"
}
