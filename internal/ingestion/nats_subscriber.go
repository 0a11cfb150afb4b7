package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"ClearLedger/internal/event"
)

// CallerHeader carries the caller identity on inbound NATS messages.
const CallerHeader = "Clear-Caller"

// Subject roots.
const (
	subjectLedger      = "clear.ledger"
	subjectObligations = "clear.obligations"
	subjectPrices      = "clear.prices"
	subjectAudit       = "clear.audit"
)

// RawEvent is an inbound message before decoding.
type RawEvent struct {
	Subject   string
	Caller    string
	Data      []byte
	Published time.Time // JetStream store time; zero if unknown
	Timestamp time.Time // receive time

	AckFunc  func() // processed, or rejected as a duplicate
	NakFunc  func() // transient failure, redeliver
	TermFunc func() // permanent rejection, never redeliver
}

// inboundStream is one JetStream stream the ledger consumes from.
type inboundStream struct {
	name   string
	root   string
	suffix string
	maxAge time.Duration
}

// Price ticks go stale quickly, so their stream keeps an hour.
var inboundStreams = []inboundStream{
	{name: "CLEAR_LEDGER", root: subjectLedger, suffix: "ledger", maxAge: 72 * time.Hour},
	{name: "CLEAR_OBLIGATIONS", root: subjectObligations, suffix: "obligations", maxAge: 72 * time.Hour},
	{name: "CLEAR_PRICES", root: subjectPrices, suffix: "prices", maxAge: time.Hour},
}

// SubjectConfig binds one durable consumer to a stream filter.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects lists one durable consumer per inbound stream, named
// <consumerPrefix>-<stream> so deployments sharing a server stay apart.
func DefaultSubjects(consumerPrefix string) []SubjectConfig {
	out := make([]SubjectConfig, len(inboundStreams))
	for i, st := range inboundStreams {
		out[i] = SubjectConfig{
			Subject:      st.root + ".>",
			ConsumerName: consumerPrefix + "-" + st.suffix,
			StreamName:   st.name,
		}
	}
	return out
}

// Route maps a subject onto a command type and the venue or symbol it
// addresses:
//
//	clear.ledger.<op>.<venue>[.…]   venue commands
//	clear.obligations.<op>[.…]      clearing commands
//	clear.prices.<symbol>[.…]       price updates
func Route(subject string) (op event.CommandType, target string, err error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "clear" {
		return event.CommandUnknown, "", fmt.Errorf("unroutable subject %q", subject)
	}

	switch parts[1] {
	case "ledger":
		if len(parts) < 4 {
			return event.CommandUnknown, "", fmt.Errorf("subject %q: missing venue", subject)
		}
		op, ok := event.ParseCommandType(parts[2])
		if !ok || !op.IsVenueCommand() {
			return event.CommandUnknown, "", fmt.Errorf("subject %q: %q is not a ledger command", subject, parts[2])
		}
		return op, parts[3], nil

	case "obligations":
		op, ok := event.ParseCommandType(parts[2])
		if !ok || !isClearingCommand(op) {
			return event.CommandUnknown, "", fmt.Errorf("subject %q: %q is not a clearing command", subject, parts[2])
		}
		return op, "", nil

	case "prices":
		return event.CommandPriceUpdate, parts[2], nil
	}
	return event.CommandUnknown, "", fmt.Errorf("unroutable subject %q", subject)
}

func isClearingCommand(op event.CommandType) bool {
	return op >= event.CommandRecordObligation && op <= event.CommandResolveManual
}

// PullOptions tunes how many messages each consumer pulls per request and
// how long a pull waits for them.
type PullOptions struct {
	Batch int
	Wait  time.Duration
}

// NATSSubscriber pulls inbound commands from JetStream and hands them to
// the processor as RawEvents. Acknowledgement is left to the processor.
type NATSSubscriber struct {
	js     jetstream.JetStream
	out    chan<- RawEvent
	pull   PullOptions
	active []jetstream.ConsumeContext
	logger zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawEvent, pull PullOptions, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, out: out, pull: pull, logger: logger}
}

// Subscribe attaches a durable explicit-ack consumer to each subject.
// Unacked messages come back after 30s, at most five times.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	var opts []jetstream.PullConsumeOpt
	if ns.pull.Batch > 0 {
		opts = append(opts, jetstream.PullMaxMessages(ns.pull.Batch))
	}
	if ns.pull.Wait > 0 {
		opts = append(opts, jetstream.PullExpiry(ns.pull.Wait))
	}

	for _, sc := range subjects {
		cons, err := ns.js.CreateOrUpdateConsumer(ctx, sc.StreamName, jetstream.ConsumerConfig{
			Durable:       sc.ConsumerName,
			FilterSubject: sc.Subject,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
		})
		if err != nil {
			return fmt.Errorf("consumer %s on %s: %w", sc.ConsumerName, sc.StreamName, err)
		}

		cc, err := cons.Consume(func(msg jetstream.Msg) { ns.forward(ctx, msg) }, opts...)
		if err != nil {
			return fmt.Errorf("start consumer %s: %w", sc.ConsumerName, err)
		}
		ns.active = append(ns.active, cc)
		ns.logger.Info().Str("filter", sc.Subject).Str("durable", sc.ConsumerName).Msg("consumer attached")
	}
	return nil
}

func (ns *NATSSubscriber) forward(ctx context.Context, msg jetstream.Msg) {
	ev := RawEvent{
		Subject:   msg.Subject(),
		Caller:    msg.Headers().Get(CallerHeader),
		Data:      msg.Data(),
		Timestamp: time.Now(),
		AckFunc:   func() { _ = msg.Ack() },
		NakFunc:   func() { _ = msg.Nak() },
		TermFunc:  func() { _ = msg.Term() },
	}
	if md, err := msg.Metadata(); err == nil {
		ev.Published = md.Timestamp
	}

	select {
	case ns.out <- ev:
	case <-ctx.Done():
		// hand it back for redelivery after restart
		_ = msg.Nak()
	}
}

// Stop detaches every consumer. Messages already forwarded are unaffected.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.active {
		cc.Stop()
	}
	ns.logger.Info().Int("consumers", len(ns.active)).Msg("consumers detached")
}

// EnsureStreams declares the inbound streams, file backed with limits
// retention. Existing streams are updated in place.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for _, st := range inboundStreams {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      st.name,
			Subjects:  []string{st.root + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    st.maxAge,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("stream %s: %w", st.name, err)
		}
		logger.Debug().Str("stream", st.name).Dur("max_age", st.maxAge).Msg("stream declared")
	}
	return nil
}

// ConnectNATS dials url, reconnecting forever, and opens JetStream on it.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.Name("clearledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats connection lost")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("server", c.ConnectedUrl()).Msg("nats connection restored")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("open jetstream: %w", err)
	}
	return nc, js, nil
}
