package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/nohat/openclaw/channel"
	"github.com/nohat/openclaw/dispatch"
	"github.com/nohat/openclaw/journal"
	"github.com/nohat/openclaw/message"
)

// TurnConfig configures the turn worker.
type TurnConfig struct {
	// Interval between passes. Default 1200 ms.
	Interval time.Duration
	// MaxPerPass caps recoverable turns dispatched per pass. Default 16.
	MaxPerPass int
	// MinAge keeps the worker from stealing turns which a live in-process
	// driver is still running. Default 5 s.
	MinAge time.Duration
}

func (c *TurnConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 1200 * time.Millisecond
	}
	if c.MaxPerPass <= 0 {
		c.MaxPerPass = 16
	}
	if c.MinAge <= 0 {
		c.MinAge = 5 * time.Second
	}
}

// TurnWorker resumes non-terminal turns which survived a crash, fails stale
// ones, and prunes terminal ones.
type TurnWorker struct {
	turns    *journal.Turns
	outbox   *journal.Outbox
	driver   *dispatch.Driver
	registry *channel.Registry
	reply    dispatch.ReplyFunc
	cfg      TurnConfig
}

// NewTurnWorker returns a worker which replays recoverable turns through the
// given reply function.
func NewTurnWorker(
	turns *journal.Turns,
	outbox *journal.Outbox,
	driver *dispatch.Driver,
	registry *channel.Registry,
	reply dispatch.ReplyFunc,
	cfg TurnConfig,
) *TurnWorker {
	cfg.applyDefaults()
	return &TurnWorker{
		turns:    turns,
		outbox:   outbox,
		driver:   driver,
		registry: registry,
		reply:    reply,
		cfg:      cfg,
	}
}

// QueueTasks queues the worker loop.
func (w *TurnWorker) QueueTasks(tasks *task.Group) {
	tasks.Queue("turnWorker", func() error {
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

// Pass runs one recovery pass.
func (w *TurnWorker) Pass(ctx context.Context) {
	if n, err := w.turns.FailStale(ctx, journal.MaxTurnRecoveryAge); err != nil {
		log.WithField("error", err).Warn("stale turn sweep failed")
	} else if n > 0 {
		turnsStaleCounter.Add(float64(n))
		log.WithField("count", n).Warn("failed stale non-terminal turns")
	}

	var rows, err = w.turns.ListRecoverable(ctx, w.cfg.MinAge, journal.MaxTurnRecoveryAge, w.cfg.MaxPerPass)
	if err != nil {
		log.WithField("error", err).Warn("failed to list recoverable turns")
		return
	}
	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		w.recoverOne(ctx, &rows[i])
	}

	if n, err := w.turns.Prune(ctx, journal.TurnPruneAge); err != nil {
		log.WithField("error", err).Warn("turn prune failed")
	} else if n > 0 {
		turnsPrunedCounter.Add(float64(n))
	}
}

func (w *TurnWorker) recoverOne(ctx context.Context, row *journal.TurnRow) {
	if w.driver.Active().Contains(row.ID) {
		return // A live driver owns this turn.
	}
	var entry = log.WithFields(log.Fields{
		"turn":    row.ID,
		"channel": row.Channel,
		"status":  row.Status,
	})

	// If the turn already produced outbox rows, settle from those rather
	// than re-running the reply generator.
	counts, err := w.outbox.StatusForTurn(ctx, row.ID)
	if err != nil {
		entry.WithField("error", err).Warn("failed to read outbox status of turn")
		return
	}
	switch {
	case counts.Queued > 0:
		return // The outbox worker is still draining it.
	case counts.Delivered > 0 && counts.Failed == 0:
		_ = w.turns.Finalize(ctx, row.ID, journal.TurnDelivered, "all deliveries acknowledged")
		turnsRecoveredCounter.WithLabelValues("settled").Inc()
		return
	case counts.Failed > 0:
		_ = w.turns.Finalize(ctx, row.ID, journal.TurnFailedTerminal, "delivery failed")
		turnsRecoveredCounter.WithLabelValues("settled").Inc()
		return
	}

	var msg = w.turns.HydrateContext(row)
	if msg == nil {
		entry.Warn("turn payload cannot be hydrated")
		if err := w.turns.RecordRecoveryFailure(ctx, row.ID, "invalid turn payload"); err != nil {
			entry.WithField("error", err).Warn("failed to record recovery failure")
		}
		turnsRecoveredCounter.WithLabelValues("invalid").Inc()
		return
	}

	// Replays deliver directly over the route captured at admission; no
	// delivery-queue context is attached.
	var route = row.Route()
	var disp = dispatch.NewDispatcher(dispatch.DispatcherOptions{
		Source: msg.CommandSource,
		Send: func(ctx context.Context, req message.DeliveryRequest) error {
			if req.Channel == "" {
				req.Channel = route.Channel
			}
			if req.To == "" {
				req.To = route.To
			}
			if req.AccountId == "" {
				req.AccountId = route.AccountId
			}
			if req.ThreadId == "" {
				req.ThreadId = message.ThreadID(route.ThreadId)
			}
			if req.ReplyToId == "" {
				req.ReplyToId = route.ReplyToId
			}
			return w.registry.Deliver(ctx, req, "")
		},
	})

	entry.Info("resuming recoverable turn")
	if _, err := w.driver.DispatchResumedTurn(ctx, row.ID, msg, disp, w.reply); err != nil {
		// The driver already recorded the recovery failure.
		entry.WithField("error", err).Warn("turn resume failed")
		turnsRecoveredCounter.WithLabelValues("failed").Inc()
		return
	}
	turnsRecoveredCounter.WithLabelValues("resumed").Inc()
}
