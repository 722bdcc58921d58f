package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nohat/openclaw/journal"
	"github.com/nohat/openclaw/message"
	"github.com/nohat/openclaw/store"
)

func newTestJournals(t *testing.T) (*journal.Turns, *journal.Outbox) {
	var s, err = store.Open(t.TempDir())
	require.NoError(t, err)
	var turns = journal.NewTurns(s)
	return turns, journal.NewOutbox(s, turns)
}

func inboundContext(sid string) *message.Context {
	return &message.Context{
		Body:               "hello",
		OriginatingChannel: "telegram",
		To:                 "chat-1",
		AccountId:          "acct-1",
		SessionKey:         "main:telegram:chat-1",
		MessageSid:         sid,
	}
}

func sendOK(ctx context.Context, req message.DeliveryRequest) error { return nil }

func sendFailing(err error) SendFunc {
	return func(ctx context.Context, req message.DeliveryRequest) error { return err }
}

func TestDispatcherLockStepDelivery(t *testing.T) {
	var _, outbox = newTestJournals(t)
	var ctx = context.Background()

	var sent []message.DeliveryRequest
	var d = NewDispatcher(DispatcherOptions{
		Outbox: outbox,
		Send: func(ctx context.Context, req message.DeliveryRequest) error {
			sent = append(sent, req)
			return nil
		},
		SupportsIdempotency: true,
	})
	d.SetDeliveryQueueContext(QueueContext{
		Channel: "telegram", To: "chat-1", AccountId: "acct-1", TurnID: "turn-1",
	})

	require.NoError(t, d.SendFinalReply(ctx, message.ReplyPayload{Text: "done"}))
	d.MarkComplete()
	d.WaitForIdle()

	var stats = d.Stats()
	require.Equal(t, 1, stats.FinalsAttempted)
	require.Equal(t, 1, stats.FinalsQueued)
	require.Equal(t, 1, stats.FinalsSent)
	require.Zero(t, stats.SendErrors)

	// The direct send carried the queue context's route.
	require.Len(t, sent, 1)
	require.Equal(t, "telegram", sent[0].Channel)
	require.Equal(t, "chat-1", sent[0].To)

	// The confirmed send acknowledged the durable row, stamping the
	// idempotency key at enqueue.
	counts, err := outbox.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[journal.DeliveryDelivered])

	rows, err := outbox.LoadPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDispatcherFailedSendLeavesRowForRetry(t *testing.T) {
	var _, outbox = newTestJournals(t)
	var ctx = context.Background()

	var d = NewDispatcher(DispatcherOptions{
		Outbox: outbox,
		Send:   sendFailing(fmt.Errorf("network timeout")),
	})
	d.SetDeliveryQueueContext(QueueContext{Channel: "telegram", To: "chat-1", TurnID: "turn-1"})

	// The send failed but the reply is durable, so no error surfaces.
	require.NoError(t, d.SendFinalReply(ctx, message.ReplyPayload{Text: "done"}))

	var stats = d.Stats()
	require.Equal(t, 1, stats.FinalsQueued)
	require.Zero(t, stats.FinalsSent)
	require.Equal(t, 1, stats.SendErrors)

	counts, err := outbox.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[journal.DeliveryFailedRetryable])
}

func TestDispatcherIdempotencyKeys(t *testing.T) {
	var _, outbox = newTestJournals(t)
	var ctx = context.Background()

	var d = NewDispatcher(DispatcherOptions{
		Outbox:              outbox,
		Send:                sendFailing(fmt.Errorf("network timeout")),
		SupportsIdempotency: true,
	})
	d.SetDeliveryQueueContext(QueueContext{Channel: "telegram", To: "chat-1", TurnID: "turn-1"})

	require.NoError(t, d.SendFinalReply(ctx, message.ReplyPayload{Text: "first"}))
	require.NoError(t, d.SendFinalReply(ctx, message.ReplyPayload{Text: "second"}))

	rows, err := outbox.LoadPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	var keys = map[string]bool{}
	for _, row := range rows {
		keys[row.IdempotencyKey] = true
	}
	require.True(t, keys["turn-1:0"])
	require.True(t, keys["turn-1:1"])
}

func TestDispatcherWithoutRoute(t *testing.T) {
	var d = NewDispatcher(DispatcherOptions{})
	var err = d.SendFinalReply(context.Background(), message.ReplyPayload{Text: "done"})
	require.EqualError(t, err, "final reply has no delivery route")
}

func TestDispatcherNativeSourceSuppressesQueue(t *testing.T) {
	var _, outbox = newTestJournals(t)
	var ctx = context.Background()

	var d = NewDispatcher(DispatcherOptions{
		Outbox: outbox,
		Send:   sendOK,
		Source: message.CommandSourceNative,
	})
	// Interaction callbacks must not be replayed to fallback routes, so the
	// context is refused and the final goes direct-only.
	d.SetDeliveryQueueContext(QueueContext{Channel: "discord", To: "interaction-1", TurnID: "turn-1"})

	require.NoError(t, d.SendFinalReply(ctx, message.ReplyPayload{Text: "done"}))
	var stats = d.Stats()
	require.Zero(t, stats.FinalsQueued)
	require.Equal(t, 1, stats.FinalsSent)

	counts, err := outbox.CountByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestDispatcherIgnoresEmissionsAfterComplete(t *testing.T) {
	var d = NewDispatcher(DispatcherOptions{Send: sendOK})
	d.MarkComplete()

	require.NoError(t, d.SendToolResult(context.Background(), message.ReplyPayload{Text: "x"}))
	require.NoError(t, d.SendFinalReply(context.Background(), message.ReplyPayload{Text: "x"}))
	require.Equal(t, Stats{}, d.Stats())
}

func TestDispatcherEphemeralSendsAreBestEffort(t *testing.T) {
	var d = NewDispatcher(DispatcherOptions{Send: sendFailing(fmt.Errorf("boom"))})

	require.NoError(t, d.SendToolResult(context.Background(), message.ReplyPayload{Text: "tool"}))
	require.NoError(t, d.SendBlockReply(context.Background(), message.ReplyPayload{Text: "block"}))

	var stats = d.Stats()
	require.Equal(t, 1, stats.ToolResults)
	require.Equal(t, 1, stats.Blocks)
	require.Equal(t, 2, stats.SendErrors)
}

func TestDriverHappyPath(t *testing.T) {
	var turns, outbox = newTestJournals(t)
	var driver = NewDriver(turns, outbox)
	var ctx = context.Background()

	var disp = NewDispatcher(DispatcherOptions{Outbox: outbox, Send: sendOK})
	result, err := driver.DispatchInbound(ctx, inboundContext("sid-1"), disp,
		func(ctx context.Context, msg *message.Context, d *Dispatcher) error {
			return d.SendFinalReply(ctx, message.ReplyPayload{Text: "reply"})
		}, Options{TurnID: "turn-1"})
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.Equal(t, "turn-1", result.TurnID)
	require.True(t, result.QueuedFinal)

	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, journal.TurnDelivered, row.Status)

	// The turn is no longer held by a live driver.
	require.False(t, driver.Active().Contains("turn-1"))
}

func TestDriverDropsDuplicateInbound(t *testing.T) {
	var turns, outbox = newTestJournals(t)
	var driver = NewDriver(turns, outbox)
	var ctx = context.Background()

	var replies int
	var reply = func(ctx context.Context, msg *message.Context, d *Dispatcher) error {
		replies++
		return d.SendFinalReply(ctx, message.ReplyPayload{Text: "reply"})
	}

	var disp = NewDispatcher(DispatcherOptions{Outbox: outbox, Send: sendOK})
	_, err := driver.DispatchInbound(ctx, inboundContext("sid-1"), disp, reply, Options{})
	require.NoError(t, err)

	disp = NewDispatcher(DispatcherOptions{Outbox: outbox, Send: sendOK})
	result, err := driver.DispatchInbound(ctx, inboundContext("sid-1"), disp, reply, Options{})
	require.NoError(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, 1, replies) // The generator never ran for the duplicate.
}

func TestDriverHeartbeatLeavesNoRecord(t *testing.T) {
	var turns, outbox = newTestJournals(t)
	var driver = NewDriver(turns, outbox)
	var ctx = context.Background()

	var disp = NewDispatcher(DispatcherOptions{Send: sendOK})
	result, err := driver.DispatchInbound(ctx, inboundContext("sid-1"), disp,
		func(ctx context.Context, msg *message.Context, d *Dispatcher) error {
			return d.SendFinalReply(ctx, message.ReplyPayload{Text: "still here"})
		}, Options{Heartbeat: true})
	require.NoError(t, err)
	require.True(t, result.Accepted)

	counts, err := turns.CountByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestDriverRecordsGenerationFailure(t *testing.T) {
	var turns, outbox = newTestJournals(t)
	var driver = NewDriver(turns, outbox)
	var ctx = context.Background()

	var boom = fmt.Errorf("agent unavailable")
	var disp = NewDispatcher(DispatcherOptions{Outbox: outbox, Send: sendOK})
	_, err := driver.DispatchInbound(ctx, inboundContext("sid-1"), disp,
		func(ctx context.Context, msg *message.Context, d *Dispatcher) error {
			return boom
		}, Options{TurnID: "turn-1"})
	require.ErrorIs(t, err, boom)

	// The turn is parked for the recovery worker with one attempt burned.
	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, journal.TurnFailedRetryable, row.Status)
	require.Equal(t, 1, row.AttemptCount)
}

func TestDriverCommandOnlyTurn(t *testing.T) {
	var turns, outbox = newTestJournals(t)
	var driver = NewDriver(turns, outbox)
	var ctx = context.Background()

	var disp = NewDispatcher(DispatcherOptions{Outbox: outbox, Send: sendOK})
	_, err := driver.DispatchInbound(ctx, inboundContext("sid-1"), disp,
		func(ctx context.Context, msg *message.Context, d *Dispatcher) error {
			// A command handled without any user-visible reply.
			return nil
		}, Options{TurnID: "turn-1"})
	require.NoError(t, err)

	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, journal.TurnDelivered, row.Status)
	require.Equal(t, "completed without final reply", row.TerminalReason)
}

func TestDriverLeavesQueuedFinalsPending(t *testing.T) {
	var turns, outbox = newTestJournals(t)
	var driver = NewDriver(turns, outbox)
	var ctx = context.Background()

	// The direct send fails but the row is durable, so the turn parks in
	// delivery_pending for the outbox worker.
	var disp = NewDispatcher(DispatcherOptions{
		Outbox: outbox,
		Send:   sendFailing(fmt.Errorf("network timeout")),
	})
	_, err := driver.DispatchInbound(ctx, inboundContext("sid-1"), disp,
		func(ctx context.Context, msg *message.Context, d *Dispatcher) error {
			return d.SendFinalReply(ctx, message.ReplyPayload{Text: "reply"})
		}, Options{TurnID: "turn-1"})
	require.NoError(t, err)

	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, journal.TurnDeliveryPending, row.Status)
}

func TestDriverUnqueuedUnconfirmedFinal(t *testing.T) {
	var turns, outbox = newTestJournals(t)
	var driver = NewDriver(turns, outbox)
	var ctx = context.Background()

	// No outbox on the dispatcher: the final cannot queue, and its send
	// fails, so the turn records a recovery failure.
	var disp = NewDispatcher(DispatcherOptions{Send: sendFailing(fmt.Errorf("network timeout"))})
	_, err := driver.DispatchInbound(ctx, inboundContext("sid-1"), disp,
		func(ctx context.Context, msg *message.Context, d *Dispatcher) error {
			d.SendFinalReply(ctx, message.ReplyPayload{Text: "reply"})
			return nil
		}, Options{TurnID: "turn-1"})
	require.NoError(t, err)

	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, journal.TurnFailedRetryable, row.Status)
	require.Equal(t, 1, row.AttemptCount)
}

func TestActiveTurns(t *testing.T) {
	var active = NewActiveTurns()
	require.False(t, active.Contains("turn-1"))
	active.Add("turn-1")
	require.True(t, active.Contains("turn-1"))
	active.Remove("turn-1")
	require.False(t, active.Contains("turn-1"))

	require.Same(t, SharedActiveTurns(), SharedActiveTurns())
}
