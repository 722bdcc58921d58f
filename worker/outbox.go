// Package worker runs the two continuous background loops of the message
// lifecycle: the outbox worker, which drains retryable deliveries, and the
// turn worker, which resumes turns that never reached a terminal state.
// Both are queued under a gazette task.Group.
package worker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/nohat/openclaw/channel"
	"github.com/nohat/openclaw/journal"
)

// OutboxConfig configures the outbox worker.
type OutboxConfig struct {
	// Interval between passes. Default 1000 ms.
	Interval time.Duration
	// BatchLimit caps rows loaded per pass. Default 64.
	BatchLimit int
	// MaxAge is the delivery TTL window. Default journal.OutboxTTL.
	MaxAge time.Duration
	// ExpireAction selects the TTL sweep behavior. Default journal.ExpireFail.
	ExpireAction journal.ExpireAction
	// StateDir locates the legacy file queue imported on the first pass.
	StateDir string
}

func (c *OutboxConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 64
	}
	if c.MaxAge <= 0 {
		c.MaxAge = journal.OutboxTTL
	}
	if c.ExpireAction == "" {
		c.ExpireAction = journal.ExpireFail
	}
}

// OutboxWorker drains eligible outbox rows through channel adapters.
type OutboxWorker struct {
	outbox   *journal.Outbox
	registry *channel.Registry
	cfg      OutboxConfig

	// startupCutoff is the instant this process began its run. Rows
	// enqueued after it which have never been attempted are being
	// delivered live by an in-process dispatcher, and are invisible here.
	startupCutoff int64
	importOnce    sync.Once
}

// NewOutboxWorker returns a worker over the journal and adapter registry.
func NewOutboxWorker(outbox *journal.Outbox, registry *channel.Registry, cfg OutboxConfig) *OutboxWorker {
	cfg.applyDefaults()
	return &OutboxWorker{
		outbox:        outbox,
		registry:      registry,
		cfg:           cfg,
		startupCutoff: time.Now().UnixMilli(),
	}
}

// QueueTasks queues the worker loop, which runs until the group is
// cancelled.
func (w *OutboxWorker) QueueTasks(tasks *task.Group) {
	tasks.Queue("outboxWorker", func() error {
		var ticker = time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-tasks.Context().Done():
				return nil
			case <-ticker.C:
				w.Pass(tasks.Context())
			}
		}
	})
}

// Pass runs one recovery pass. Errors are swallowed and accounted per-row:
// the next pass retries whatever this one could not settle.
func (w *OutboxWorker) Pass(ctx context.Context) {
	w.importOnce.Do(func() {
		if w.cfg.StateDir == "" {
			return
		}
		if _, err := w.outbox.ImportLegacyFileQueue(ctx, w.cfg.StateDir); err != nil {
			log.WithField("error", err).Warn("legacy file-queue import failed")
		}
	})

	if n, err := w.outbox.ExpireStale(ctx, w.cfg.MaxAge, w.cfg.ExpireAction); err != nil {
		log.WithField("error", err).Warn("outbox TTL sweep failed")
	} else if n > 0 {
		outboxExpiredCounter.Add(float64(n))
		log.WithField("count", n).Info("expired undeliverable outbox rows")
	}

	var rows, err = w.outbox.LoadPending(ctx, w.startupCutoff, w.cfg.BatchLimit)
	if err != nil {
		log.WithField("error", err).Warn("failed to load pending deliveries")
		return
	}

	// Un-drained rows are deferred to the next pass rather than letting one
	// slow channel block the loop.
	var deadline = time.Now().Add(w.cfg.Interval * 3 / 4)
	var deferred int
	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		if time.Now().After(deadline) {
			deferred += len(rows) - i
			break
		}
		if !w.drainOne(ctx, &rows[i]) {
			deferred++
		}
	}
	if deferred > 0 {
		outboxDeferredCounter.Add(float64(deferred))
	}

	if n, err := w.outbox.Prune(ctx, journal.OutboxPruneAge); err != nil {
		log.WithField("error", err).Warn("outbox prune failed")
	} else if n > 0 {
		outboxPrunedCounter.Add(float64(n))
	}
}

// drainOne attempts a single row, returning false when the row was deferred.
func (w *OutboxWorker) drainOne(ctx context.Context, row *journal.DeliveryRow) bool {
	var entry = log.WithFields(log.Fields{
		"delivery": row.ID,
		"channel":  row.Channel,
		"attempt":  row.AttemptCount,
	})

	if row.AttemptCount >= journal.MaxDeliveryRetries {
		if err := w.outbox.MoveToFailed(ctx, row.ID, "delivery retries exhausted"); err != nil {
			entry.WithField("error", err).Warn("failed to terminalize delivery")
		}
		outboxFailedCounter.WithLabelValues("terminal").Inc()
		return true
	}
	if !row.Eligible(time.Now().UnixMilli()) {
		return false
	}

	var req, err = row.Request()
	if err != nil {
		entry.WithField("error", err).Warn("outbox row payload is unreadable")
		_ = w.outbox.MoveToFailed(ctx, row.ID, "invalid delivery payload")
		outboxFailedCounter.WithLabelValues("terminal").Inc()
		return true
	}

	if err = w.registry.Deliver(ctx, req, row.IdempotencyKey); err == nil {
		if err = w.outbox.Ack(ctx, row.ID); err != nil {
			entry.WithField("error", err).Warn("failed to acknowledge delivery")
		}
		outboxDeliveredCounter.Inc()
		return true
	}

	// A cancelled send counts as a transient failure, never an ack: the
	// row retries after backoff unless its turn was aborted.
	entry.WithField("error", err).Info("outbox delivery attempt failed")
	if failErr := w.outbox.FailDelivery(ctx, row.ID, err); failErr != nil {
		entry.WithField("error", failErr).Warn("failed to record delivery failure")
	}
	if journal.IsPermanentError(err) {
		outboxFailedCounter.WithLabelValues("permanent").Inc()
	} else {
		outboxFailedCounter.WithLabelValues("transient").Inc()
	}
	return true
}
