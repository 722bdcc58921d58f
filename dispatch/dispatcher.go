// Package dispatch coordinates one turn end to end: the Dispatcher
// serializes reply-generator emissions into durable outbox rows and direct
// sends, and the Driver runs the admission / generation / finalization
// algorithm around it.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nohat/openclaw/journal"
	"github.com/nohat/openclaw/message"
)

// SendFunc delivers one request directly to its channel. Implementations
// resolve their own destination when the request carries none (interaction
// callbacks, resume routes).
type SendFunc func(ctx context.Context, req message.DeliveryRequest) error

// QueueContext routes durable final replies of one turn.
type QueueContext struct {
	Channel   string
	To        string
	AccountId string
	ThreadId  message.ThreadID
	ReplyToId string
	TurnID    string
}

// Stats count the emissions a Dispatcher has processed.
type Stats struct {
	ToolResults     int
	Blocks          int
	FinalsAttempted int
	FinalsQueued    int
	FinalsSent      int
	SendErrors      int
}

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	// Outbox receives durable rows for final replies, once a delivery-queue
	// context is supplied. Nil for direct-only dispatchers.
	Outbox *journal.Outbox
	// Send delivers payloads directly, in lock-step with outbox persistence.
	Send SendFunc
	// Source of the turn. Native interaction sources never accept a
	// delivery-queue context: their one-shot callback tokens must not be
	// replayed to fallback destinations.
	Source message.CommandSource
	// SupportsIdempotency stamps idempotency keys onto enqueued rows.
	SupportsIdempotency bool
}

// Dispatcher is the per-turn emission coordinator. It is single-threaded
// cooperative: emissions are processed in the order received, in the
// caller's goroutine, and WaitForIdle resolves once no work is outstanding.
type Dispatcher struct {
	outbox     *journal.Outbox
	send       SendFunc
	source     message.CommandSource
	idempotent bool

	mu       sync.Mutex
	cond     *sync.Cond
	queueCtx *QueueContext
	stats    Stats
	inflight int
	complete bool
}

// NewDispatcher returns a Dispatcher over the given options.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	var d = &Dispatcher{
		outbox:     opts.Outbox,
		send:       opts.Send,
		source:     opts.Source,
		idempotent: opts.SupportsIdempotency,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SupportsDeliveryQueue reports whether this dispatcher can persist final
// replies to the outbox.
func (d *Dispatcher) SupportsDeliveryQueue() bool { return d.outbox != nil }

// SetDeliveryQueueContext supplies the turn's reply route, enabling durable
// enqueue of final replies. It is refused for native interaction sources.
func (d *Dispatcher) SetDeliveryQueueContext(qc QueueContext) {
	if d.source == message.CommandSourceNative {
		log.WithField("turn", qc.TurnID).
			Debug("suppressing delivery-queue context for interaction-scoped source")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.complete {
		return
	}
	d.queueCtx = &qc
}

// SendToolResult emits an intermediate tool-result update. It is not
// durable: a best-effort direct send only.
func (d *Dispatcher) SendToolResult(ctx context.Context, payloads ...message.ReplyPayload) error {
	return d.sendEphemeral(ctx, &d.stats.ToolResults, payloads)
}

// SendBlockReply emits an intermediate block reply. Not durable.
func (d *Dispatcher) SendBlockReply(ctx context.Context, payloads ...message.ReplyPayload) error {
	return d.sendEphemeral(ctx, &d.stats.Blocks, payloads)
}

func (d *Dispatcher) sendEphemeral(ctx context.Context, counter *int, payloads []message.ReplyPayload) error {
	d.mu.Lock()
	if d.complete {
		d.mu.Unlock()
		return nil
	}
	*counter++
	d.inflight++
	var req = d.composeLocked(payloads)
	var send = d.send
	d.mu.Unlock()
	defer d.finish()

	if send == nil {
		return nil
	}
	if err := send(ctx, req); err != nil {
		d.mu.Lock()
		d.stats.SendErrors++
		d.mu.Unlock()
		// Intermediate updates are best-effort; the turn proceeds.
		log.WithField("error", err).Debug("ephemeral send failed")
	}
	return nil
}

// SendFinalReply emits a final, user-visible reply. With a delivery-queue
// context the payloads are persisted as an outbox row before (and in
// lock-step with) the direct send: a confirmed send acknowledges the row,
// and a failed send schedules it for worker retry.
func (d *Dispatcher) SendFinalReply(ctx context.Context, payloads ...message.ReplyPayload) error {
	d.mu.Lock()
	if d.complete {
		d.mu.Unlock()
		return nil
	}
	var ordinal = d.stats.FinalsAttempted
	d.stats.FinalsAttempted++
	d.inflight++
	var req = d.composeLocked(payloads)
	var qc = d.queueCtx
	var send = d.send
	d.mu.Unlock()
	defer d.finish()

	var rowID string
	if qc != nil {
		var params = journal.EnqueueParams{
			TurnID:  qc.TurnID,
			Request: req,
		}
		if d.idempotent {
			params.IdempotencyKey = fmt.Sprintf("%s:%d", qc.TurnID, ordinal)
		}
		var id, err = d.outbox.Enqueue(ctx, params)
		if err != nil {
			log.WithFields(log.Fields{
				"turn":  qc.TurnID,
				"error": err,
			}).Warn("failed to persist final reply to the outbox")
		} else {
			rowID = id
			d.mu.Lock()
			d.stats.FinalsQueued++
			d.mu.Unlock()
		}
	}

	if send == nil {
		if rowID == "" {
			return fmt.Errorf("final reply has no delivery route")
		}
		return nil // The outbox worker owns delivery.
	}

	var err = send(ctx, req)
	if err == nil {
		d.mu.Lock()
		d.stats.FinalsSent++
		d.mu.Unlock()
		if rowID != "" {
			return d.outbox.Ack(ctx, rowID)
		}
		return nil
	}

	d.mu.Lock()
	d.stats.SendErrors++
	d.mu.Unlock()
	if rowID != "" {
		// The row is durable; the outbox worker retries it with backoff.
		return d.outbox.FailDelivery(ctx, rowID, err)
	}
	return err
}

// composeLocked overlays the queue context's route onto the payloads.
func (d *Dispatcher) composeLocked(payloads []message.ReplyPayload) message.DeliveryRequest {
	var req = message.DeliveryRequest{Payloads: payloads}
	if d.queueCtx != nil {
		req.Channel = d.queueCtx.Channel
		req.To = d.queueCtx.To
		req.AccountId = d.queueCtx.AccountId
		req.ThreadId = d.queueCtx.ThreadId
		req.ReplyToId = d.queueCtx.ReplyToId
	}
	return req
}

func (d *Dispatcher) finish() {
	d.mu.Lock()
	d.inflight--
	d.mu.Unlock()
	d.cond.Broadcast()
}

// MarkComplete stops accepting new emissions. Sends after MarkComplete are
// ignored.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	d.complete = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// WaitForIdle blocks until no emission is outstanding.
func (d *Dispatcher) WaitForIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.inflight > 0 {
		d.cond.Wait()
	}
}

// Stats returns a snapshot of the emission counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
