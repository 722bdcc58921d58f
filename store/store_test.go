package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseAndSchema(t *testing.T) {
	var dir = t.TempDir()
	var s, err = Open(dir)
	require.NoError(t, err)
	require.False(t, s.InMemory())

	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)

	// Both lifecycle tables exist and are empty.
	for _, table := range []string{"message_turns", "message_outbox"} {
		var n int
		require.NoError(t, s.DB().QueryRow(
			fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n))
		require.Zero(t, n)
	}
}

func TestOpenIsSingletonPerDirectory(t *testing.T) {
	var dir = t.TempDir()
	var a, err = Open(dir)
	require.NoError(t, err)
	b, err := Open(dir)
	require.NoError(t, err)
	require.Same(t, a, b)

	other, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NotSame(t, a, other)
}

func TestOpenFallsBackToMemory(t *testing.T) {
	// A regular file cannot contain a database file, so the durable open
	// fails and the in-memory fallback engages.
	var parent = t.TempDir()
	var bogus = filepath.Join(parent, "not-a-directory")
	require.NoError(t, os.WriteFile(bogus, []byte("x"), 0600))

	var s, err = Open(bogus)
	require.NoError(t, err)
	require.True(t, s.InMemory())

	// The fallback still accepts writes.
	_, err = s.DB().Exec(`
		INSERT INTO message_outbox (id, channel, target, payload, queued_at, status, next_attempt_at)
		VALUES ('d-1', 'telegram', 'chat-1', '{}', 1, 'queued', 1)`)
	require.NoError(t, err)
}

func TestTransactCommitsAndRollsBack(t *testing.T) {
	var s, err = Open(t.TempDir())
	require.NoError(t, err)
	var ctx = context.Background()

	require.NoError(t, s.Transact(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO message_outbox (id, channel, target, payload, queued_at, status, next_attempt_at)
			VALUES ('d-1', 'telegram', 'chat-1', '{}', 1, 'queued', 1)`)
		return err
	}))

	var boom = fmt.Errorf("boom")
	err = s.Transact(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM message_outbox`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The delete rolled back.
	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM message_outbox`).Scan(&n))
	require.Equal(t, 1, n)
}
