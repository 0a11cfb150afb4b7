package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ClearLedger/internal/core"
	"ClearLedger/internal/observability"
)

// WorkerConfig tunes batching and retries.
type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration

	// MaxRetries is the number of consecutive failed flushes after which the
	// worker reports unhealthy. It keeps retrying regardless.
	MaxRetries int
}

// rowWriter is the part of Writer the worker needs.
type rowWriter interface {
	WriteRows(ctx context.Context, rows *Rows) error
}

// Worker drains the persist channel and batch-writes to Postgres.
// The core sends to the persist channel with a blocking send, so a worker
// that falls behind stalls the core instead of losing outputs.
type Worker struct {
	writer  rowWriter
	refs    *ReferenceStore
	input   <-chan core.Output
	cfg     WorkerConfig
	metrics *observability.Metrics
	logger  zerolog.Logger

	failures atomic.Int64
	lastSeq  atomic.Int64
}

func NewWorker(w rowWriter, refs *ReferenceStore, input <-chan core.Output, cfg WorkerConfig, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Worker{
		writer:  w,
		refs:    refs,
		input:   input,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Run batches outputs and flushes when the batch is full or the flush
// timeout expires. It flushes what it holds and returns when ctx is done or
// the channel is closed.
func (w *Worker) Run(ctx context.Context) error {
	var rows Rows
	outputs := 0
	var oldest time.Time

	timer := time.NewTimer(w.cfg.FlushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if outputs == 0 {
			return
		}
		if err := w.flushWithRetry(ctx, &rows, outputs, oldest); err != nil {
			w.logger.Error().Err(err).Int("outputs", outputs).Int64("last_sequence", rows.LastSeq).Msg("flush failed")
		}
		rows.Reset()
		outputs = 0
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				flush(context.Background())
				return nil
			}
			if outputs == 0 {
				oldest = out.CommittedAt
			}
			rows.Add(out)
			outputs++

			if outputs >= w.cfg.BatchSize {
				flush(ctx)
				timer.Reset(w.cfg.FlushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(w.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled; on cancellation it makes one last attempt with a
// fresh context.
func (w *Worker) flushWithRetry(ctx context.Context, rows *Rows, outputs int, oldest time.Time) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("outputs", outputs).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), rows, outputs, oldest)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := w.flush(ctx, rows, outputs, oldest)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded after retries")
			}
			return nil
		}

		if n := w.failures.Add(1); n == int64(w.cfg.MaxRetries) {
			w.logger.Error().Err(err).Int64("failures", n).Msg("persistence failing, reporting unhealthy")
		}
	}
}

func (w *Worker) flush(ctx context.Context, rows *Rows, outputs int, oldest time.Time) error {
	start := time.Now()

	if err := w.writer.WriteRows(ctx, rows); err != nil {
		if w.metrics != nil {
			op := "write"
			var we *writeError
			if errors.As(err, &we) {
				op = we.op
			}
			w.metrics.PersistErrors.WithLabelValues(op).Inc()
		}
		return err
	}

	w.failures.Store(0)
	w.lastSeq.Store(rows.LastSeq)
	if w.refs != nil {
		w.refs.Release(rows.Settlements)
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(outputs))
		w.metrics.PersistRecordsWritten.WithLabelValues("audit_log").Add(float64(len(rows.Audit)))
		w.metrics.PersistRecordsWritten.WithLabelValues("journal").Add(float64(len(rows.Journals)))
		w.metrics.PersistRecordsWritten.WithLabelValues("settlement_records").Add(float64(len(rows.Settlements)))
		for source, seq := range lastAuditSequences(rows.Audit) {
			w.metrics.PersistLastSequence.WithLabelValues(source).Set(float64(seq))
		}
		if !oldest.IsZero() {
			w.metrics.ApplyToPersist.Observe(time.Since(oldest).Seconds())
		}
	}
	return nil
}

// LastSequence returns the output sequence of the last committed batch.
func (w *Worker) LastSequence() int64 {
	return w.lastSeq.Load()
}

// Healthy backs readiness: it fails after MaxRetries consecutive
// failed flushes.
func (w *Worker) Healthy(context.Context) error {
	if n := w.failures.Load(); n >= int64(w.cfg.MaxRetries) {
		return fmt.Errorf("persistence: %d consecutive flush failures", n)
	}
	return nil
}

func lastAuditSequences(rows []AuditRow) map[string]int64 {
	out := make(map[string]int64)
	for _, r := range rows {
		if r.Sequence > out[r.Source] {
			out[r.Source] = r.Sequence
		}
	}
	return out
}
