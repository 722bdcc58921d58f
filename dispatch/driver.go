package dispatch

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/nohat/openclaw/journal"
	"github.com/nohat/openclaw/message"
)

// ReplyFunc computes the reply for one inbound context, emitting results
// through the Dispatcher. It is the application's agent integration.
type ReplyFunc func(ctx context.Context, msg *message.Context, d *Dispatcher) error

// Options modify a single dispatch.
type Options struct {
	// TurnID supplies the turn identifier; generated when empty.
	TurnID string
	// Heartbeat marks a synthetic liveness turn: it bypasses admission and
	// leaves no durable record.
	Heartbeat bool
}

// Result reports the outcome of a dispatch.
type Result struct {
	// Accepted is false when admission deduplicated the context.
	Accepted bool
	// TurnID of the (possibly pre-existing) turn.
	TurnID string
	// QueuedFinal reports whether at least one final reply was persisted.
	QueuedFinal bool
	// Stats snapshot of the dispatcher at drain.
	Stats Stats
}

// Driver orchestrates one turn: admission, reply generation through the
// Dispatcher, and turn finalization from the post-drain outbox aggregate.
type Driver struct {
	turns  *journal.Turns
	outbox *journal.Outbox
	active *ActiveTurns

	// FinalizeUnconfirmedSends finalizes a turn as delivered when its final
	// replies queued durably but no send was confirmed in-process. The
	// default (false) records a recovery failure instead, leaving the
	// outbox worker to settle the turn.
	FinalizeUnconfirmedSends bool
}

// NewDriver returns a Driver over the journals, sharing the process-wide
// active-turn set.
func NewDriver(turns *journal.Turns, outbox *journal.Outbox) *Driver {
	return &Driver{
		turns:  turns,
		outbox: outbox,
		active: SharedActiveTurns(),
	}
}

// Active exposes the driver's active-turn set.
func (d *Driver) Active() *ActiveTurns { return d.active }

// DispatchInbound runs one freshly-received context through admission,
// reply generation, and finalization. The dispatcher is drained on every
// exit path.
func (d *Driver) DispatchInbound(ctx context.Context, msg *message.Context, disp *Dispatcher, reply ReplyFunc, opts Options) (Result, error) {
	if opts.Heartbeat {
		// Heartbeats are never durable: generate, drain, done.
		var genErr = reply(ctx, msg, disp)
		disp.MarkComplete()
		disp.WaitForIdle()
		return Result{Accepted: true, Stats: disp.Stats()}, genErr
	}

	var admitted = d.turns.Accept(ctx, msg, opts.TurnID)
	if !admitted.Accepted {
		disp.MarkComplete()
		disp.WaitForIdle()
		log.WithFields(log.Fields{
			"channel": msg.ChannelName(),
			"sid":     msg.MessageSid,
		}).Info("dropping duplicate inbound message")
		return Result{Accepted: false, TurnID: admitted.ID, Stats: disp.Stats()}, nil
	}
	return d.run(ctx, admitted.ID, msg, disp, reply)
}

// DispatchResumedTurn replays a persisted turn whose row already exists.
// Admission is bypassed and inbound dedupe does not apply.
func (d *Driver) DispatchResumedTurn(ctx context.Context, turnID string, msg *message.Context, disp *Dispatcher, reply ReplyFunc) (Result, error) {
	return d.run(ctx, turnID, msg, disp, reply)
}

func (d *Driver) run(ctx context.Context, turnID string, msg *message.Context, disp *Dispatcher, reply ReplyFunc) (Result, error) {
	d.active.Add(turnID)
	defer d.active.Remove(turnID)

	if err := d.turns.MarkRunning(ctx, turnID); err != nil {
		log.WithFields(log.Fields{"turn": turnID, "error": err}).
			Warn("failed to mark turn running")
	}

	if msg.CommandSource != message.CommandSourceNative && disp.SupportsDeliveryQueue() {
		var route = message.RouteFor(msg)
		disp.SetDeliveryQueueContext(QueueContext{
			Channel:   route.Channel,
			To:        route.To,
			AccountId: route.AccountId,
			ThreadId:  message.ThreadID(route.ThreadId),
			ReplyToId: route.ReplyToId,
			TurnID:    turnID,
		})
	}

	var genErr = reply(ctx, msg, disp)
	disp.MarkComplete()
	disp.WaitForIdle()

	var stats = disp.Stats()
	var result = Result{
		Accepted:    true,
		TurnID:      turnID,
		QueuedFinal: stats.FinalsQueued > 0,
		Stats:       stats,
	}

	if genErr != nil {
		if err := d.turns.RecordRecoveryFailure(ctx, turnID,
			fmt.Sprintf("reply generation failed: %v", genErr)); err != nil {
			log.WithFields(log.Fields{"turn": turnID, "error": err}).
				Warn("failed to record turn recovery failure")
		}
		return result, genErr
	}

	if err := d.finalize(ctx, turnID, stats); err != nil {
		return result, err
	}
	return result, nil
}

// finalize settles the turn row from the post-drain outbox aggregate and
// the dispatcher's in-process counters. It converges on the same predicate
// as the outbox-side finalization, so concurrent settlements are idempotent.
func (d *Driver) finalize(ctx context.Context, turnID string, stats Stats) error {
	var counts, err = d.outbox.StatusForTurn(ctx, turnID)
	if err != nil {
		return fmt.Errorf("reading outbox status of turn %s: %w", turnID, err)
	}

	switch {
	case counts.Queued > 0:
		return d.turns.MarkDeliveryPending(ctx, turnID)

	case counts.Delivered > 0 && counts.Failed == 0:
		return d.turns.Finalize(ctx, turnID, journal.TurnDelivered, "all deliveries acknowledged")

	case counts.Failed > 0:
		return d.turns.Finalize(ctx, turnID, journal.TurnFailedTerminal, "delivery failed")

	case stats.FinalsAttempted > 0 && stats.FinalsQueued == 0:
		if stats.FinalsSent > 0 {
			return d.turns.Finalize(ctx, turnID, journal.TurnDelivered, "direct send confirmed")
		}
		return d.turns.RecordRecoveryFailure(ctx, turnID, "final delivery did not queue successfully")

	case stats.FinalsAttempted > 0:
		// Finals were queued but no row remains visible (delivered counts
		// would otherwise be non-zero). Confirmed sends settle delivered;
		// otherwise the stricter path records a recovery failure unless
		// configured to fail open.
		if stats.FinalsSent > 0 || d.FinalizeUnconfirmedSends {
			return d.turns.Finalize(ctx, turnID, journal.TurnDelivered, "direct send confirmed")
		}
		return d.turns.RecordRecoveryFailure(ctx, turnID, "final delivery was not confirmed")

	default:
		// Command-only turn with no final reply.
		return d.turns.Finalize(ctx, turnID, journal.TurnDelivered, "completed without final reply")
	}
}
