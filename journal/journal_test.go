package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nohat/openclaw/message"
	"github.com/nohat/openclaw/store"
)

// testClock is a manually-advanced millisecond clock.
type testClock struct{ ms int64 }

func newTestClock() *testClock {
	return &testClock{ms: time.Now().UnixMilli()}
}

func (c *testClock) now() int64              { return c.ms }
func (c *testClock) advance(d time.Duration) { c.ms += d.Milliseconds() }

func newTestJournals(t *testing.T) (*Turns, *Outbox, *testClock) {
	var s, err = store.Open(t.TempDir())
	require.NoError(t, err)

	var clock = newTestClock()
	var turns = NewTurns(s)
	turns.now = clock.now
	var outbox = NewOutbox(s, turns)
	outbox.now = clock.now
	return turns, outbox, clock
}

func telegramContext(sid string) *message.Context {
	return &message.Context{
		Body:               "hello",
		OriginatingChannel: "telegram",
		To:                 "chat-1",
		AccountId:          "acct-1",
		SessionKey:         "main:telegram:chat-1",
		MessageSid:         sid,
	}
}
