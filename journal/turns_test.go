package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptDeduplicates(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	var ctx = context.Background()

	var first = turns.Accept(ctx, telegramContext("sid-1"), "")
	require.True(t, first.Accepted)
	require.NotEmpty(t, first.ID)

	// Same context again: rejected, and no second row appears.
	var second = turns.Accept(ctx, telegramContext("sid-1"), "")
	require.False(t, second.Accepted)

	counts, err := turns.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[TurnAccepted])

	// A different message id is a new turn.
	require.True(t, turns.Accept(ctx, telegramContext("sid-2"), "").Accepted)
}

func TestAcceptWithoutDedupeKeyAlwaysAdmits(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	var ctx = context.Background()

	// No MessageSid means no dedupe key; identical contexts each admit.
	var msg = telegramContext("")
	require.True(t, turns.Accept(ctx, msg, "").Accepted)
	require.True(t, turns.Accept(ctx, msg, "").Accepted)

	counts, err := turns.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[TurnAccepted])
}

func TestAcceptCapturesRoute(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	var ctx = context.Background()

	var msg = telegramContext("sid-1")
	msg.ThreadId = "77"
	msg.ReplyToId = "m-9"
	var res = turns.Accept(ctx, msg, "turn-1")
	require.Equal(t, "turn-1", res.ID)

	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, "telegram", row.RouteChannel)
	require.Equal(t, "chat-1", row.RouteTo)
	require.Equal(t, "acct-1", row.RouteAccountID)
	require.Equal(t, "77", row.RouteThreadID)
	require.Equal(t, "m-9", row.RouteReplyToID)
	require.Equal(t, "sid-1", row.ExternalID)
}

func TestTurnTransitions(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	var ctx = context.Background()

	turns.Accept(ctx, telegramContext("sid-1"), "turn-1")
	require.NoError(t, turns.MarkRunning(ctx, "turn-1"))

	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, TurnRunning, row.Status)

	require.NoError(t, turns.MarkDeliveryPending(ctx, "turn-1"))
	require.NoError(t, turns.Finalize(ctx, "turn-1", TurnDelivered, "all deliveries acknowledged"))

	row, err = turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, TurnDelivered, row.Status)
	require.Equal(t, "all deliveries acknowledged", row.TerminalReason)
	require.NotZero(t, row.CompletedAt)
}

func TestTerminalTurnsAreImmutable(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	var ctx = context.Background()

	turns.Accept(ctx, telegramContext("sid-1"), "turn-1")
	require.NoError(t, turns.Finalize(ctx, "turn-1", TurnAborted, "session aborted"))

	// Later transitions are silently ignored.
	require.NoError(t, turns.MarkRunning(ctx, "turn-1"))
	require.NoError(t, turns.MarkDeliveryPending(ctx, "turn-1"))
	require.NoError(t, turns.Finalize(ctx, "turn-1", TurnDelivered, "late ack"))
	require.NoError(t, turns.RecordRecoveryFailure(ctx, "turn-1", "late failure"))

	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, TurnAborted, row.Status)
	require.Equal(t, "session aborted", row.TerminalReason)
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	turns.Accept(context.Background(), telegramContext("sid-1"), "turn-1")
	require.Error(t, turns.Finalize(context.Background(), "turn-1", TurnRunning, ""))
}

func TestRecordRecoveryFailureBacksOffThenTerminalizes(t *testing.T) {
	var turns, _, clock = newTestJournals(t)
	var ctx = context.Background()

	turns.Accept(ctx, telegramContext("sid-1"), "turn-1")

	require.NoError(t, turns.RecordRecoveryFailure(ctx, "turn-1", "reply generation failed"))
	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, TurnFailedRetryable, row.Status)
	require.Equal(t, 1, row.AttemptCount)
	require.Equal(t, clock.now()+TurnRecoveryBackoff.Milliseconds(), row.NextAttemptAt)

	// A second failure before the backoff elapses must not pull the next
	// attempt earlier.
	var prior = row.NextAttemptAt
	clock.advance(time.Second)
	require.NoError(t, turns.RecordRecoveryFailure(ctx, "turn-1", "reply generation failed"))
	row, err = turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, 2, row.AttemptCount)
	require.GreaterOrEqual(t, row.NextAttemptAt, prior)

	// The third failure exhausts the budget.
	require.NoError(t, turns.RecordRecoveryFailure(ctx, "turn-1", "reply generation failed"))
	row, err = turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, TurnFailedTerminal, row.Status)
	require.Equal(t, 3, row.AttemptCount)
	require.Equal(t, "reply generation failed", row.TerminalReason)
}

func TestListRecoverableHonorsAgeAndBackoff(t *testing.T) {
	var turns, _, clock = newTestJournals(t)
	var ctx = context.Background()

	turns.Accept(ctx, telegramContext("sid-1"), "turn-1")

	// Too young: still within the live-driver grace window.
	rows, err := turns.ListRecoverable(ctx, 5*time.Second, MaxTurnRecoveryAge, 16)
	require.NoError(t, err)
	require.Empty(t, rows)

	clock.advance(6 * time.Second)
	rows, err = turns.ListRecoverable(ctx, 5*time.Second, MaxTurnRecoveryAge, 16)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "turn-1", rows[0].ID)

	// A recorded failure pushes the row behind its backoff.
	require.NoError(t, turns.RecordRecoveryFailure(ctx, "turn-1", "transient"))
	rows, err = turns.ListRecoverable(ctx, 5*time.Second, MaxTurnRecoveryAge, 16)
	require.NoError(t, err)
	require.Empty(t, rows)

	clock.advance(TurnRecoveryBackoff + time.Second)
	rows, err = turns.ListRecoverable(ctx, 5*time.Second, MaxTurnRecoveryAge, 16)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Beyond the stale horizon the row no longer lists.
	clock.advance(MaxTurnRecoveryAge)
	rows, err = turns.ListRecoverable(ctx, 5*time.Second, MaxTurnRecoveryAge, 16)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestFailStale(t *testing.T) {
	var turns, _, clock = newTestJournals(t)
	var ctx = context.Background()

	turns.Accept(ctx, telegramContext("sid-1"), "old")
	clock.advance(MaxTurnRecoveryAge + time.Minute)
	turns.Accept(ctx, telegramContext("sid-2"), "fresh")

	n, err := turns.FailStale(ctx, MaxTurnRecoveryAge)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	row, err := turns.Get(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, TurnFailedTerminal, row.Status)
	require.Equal(t, "stale turn", row.TerminalReason)

	row, err = turns.Get(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, TurnAccepted, row.Status)
}

func TestAbortSession(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	var ctx = context.Background()

	turns.Accept(ctx, telegramContext("sid-1"), "turn-1")
	turns.Accept(ctx, telegramContext("sid-2"), "turn-2")
	require.NoError(t, turns.Finalize(ctx, "turn-2", TurnDelivered, "done"))

	var other = telegramContext("sid-3")
	other.SessionKey = "main:telegram:chat-2"
	turns.Accept(ctx, other, "turn-3")

	n, err := turns.AbortSession(ctx, "main:telegram:chat-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n) // Only the non-terminal row of the session.

	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)
	require.Equal(t, TurnAborted, row.Status)

	row, err = turns.Get(ctx, "turn-2")
	require.NoError(t, err)
	require.Equal(t, TurnDelivered, row.Status)

	row, err = turns.Get(ctx, "turn-3")
	require.NoError(t, err)
	require.Equal(t, TurnAccepted, row.Status)
}

func TestPruneTurns(t *testing.T) {
	var turns, _, clock = newTestJournals(t)
	var ctx = context.Background()

	turns.Accept(ctx, telegramContext("sid-1"), "done")
	require.NoError(t, turns.Finalize(ctx, "done", TurnDelivered, "done"))
	turns.Accept(ctx, telegramContext("sid-2"), "open")

	clock.advance(TurnPruneAge + time.Minute)
	n, err := turns.Prune(ctx, TurnPruneAge)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// The non-terminal row survives regardless of age.
	_, err = turns.Get(ctx, "open")
	require.NoError(t, err)
	_, err = turns.Get(ctx, "done")
	require.Error(t, err)
}

func TestHydrateContext(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	var ctx = context.Background()

	turns.Accept(ctx, telegramContext("sid-1"), "turn-1")
	row, err := turns.Get(ctx, "turn-1")
	require.NoError(t, err)

	var msg = turns.HydrateContext(&row)
	require.NotNil(t, msg)
	require.Equal(t, "hello", msg.Body)
	require.Equal(t, "telegram", msg.ChannelName())

	// Unparseable payloads hydrate to nil.
	row.Payload = []byte("not json")
	require.Nil(t, turns.HydrateContext(&row))

	// A parseable payload with no resolvable route also hydrates to nil.
	row.Payload = []byte("{}")
	row.RouteChannel = ""
	row.RouteTo = ""
	require.Nil(t, turns.HydrateContext(&row))
}

func TestAcceptFallbackDeduplicatesInMemory(t *testing.T) {
	var turns, _, _ = newTestJournals(t)
	var ctx = context.Background()

	// Force every database write to fail.
	require.NoError(t, turns.store.DB().Close())

	var first = turns.Accept(ctx, telegramContext("sid-1"), "")
	require.True(t, first.Accepted)
	var second = turns.Accept(ctx, telegramContext("sid-1"), "")
	require.False(t, second.Accepted)

	// Without a message id the fallback accepts unconditionally.
	require.True(t, turns.Accept(ctx, telegramContext(""), "").Accepted)
	require.True(t, turns.Accept(ctx, telegramContext(""), "").Accepted)
}
