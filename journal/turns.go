// Package journal persists the two halves of the durable message lifecycle:
// the turn journal (message_turns) and the outbox journal (message_outbox).
// All state transitions are conditional UPDATEs predicated on the current
// status, which gives optimistic concurrency without explicit locks.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/nohat/openclaw/message"
	"github.com/nohat/openclaw/store"
)

// TurnStatus is the lifecycle state of a turn row.
type TurnStatus string

const (
	TurnAccepted        TurnStatus = "accepted"
	TurnRunning         TurnStatus = "running"
	TurnDeliveryPending TurnStatus = "delivery_pending"
	TurnFailedRetryable TurnStatus = "failed_retryable"
	TurnDelivered       TurnStatus = "delivered"
	TurnAborted         TurnStatus = "aborted"
	TurnFailedTerminal  TurnStatus = "failed_terminal"
)

// Terminal reports whether the status is final. A row in a terminal state
// never leaves it.
func (s TurnStatus) Terminal() bool {
	switch s {
	case TurnDelivered, TurnAborted, TurnFailedTerminal:
		return true
	}
	return false
}

const (
	// MaxTurnRecoveryAttempts bounds recovery re-dispatches of a single turn.
	MaxTurnRecoveryAttempts = 3
	// TurnRecoveryBackoff delays the next recovery attempt after a failure.
	TurnRecoveryBackoff = 15 * time.Second
	// MaxTurnRecoveryAge is the blanket stale horizon: non-terminal turns
	// older than this are failed outright.
	MaxTurnRecoveryAge = 24 * time.Hour
	// TurnPruneAge is the retention horizon for terminal turn rows.
	TurnPruneAge = 48 * time.Hour

	// dedupeFallbackTTL bounds entries of the in-memory dedupe cache used
	// when the database is unavailable.
	dedupeFallbackTTL = 10 * time.Minute
)

// notTerminalTurns is the reusable predicate of every turn state transition.
const notTerminalTurns = `status NOT IN ('delivered','aborted','failed_terminal')`

// TurnRow is one admitted turn.
type TurnRow struct {
	ID             string
	Channel        string
	AccountID      string
	ExternalID     string
	DedupeKey      string
	SessionKey     string
	Payload        []byte
	RouteChannel   string
	RouteTo        string
	RouteAccountID string
	RouteThreadID  string
	RouteReplyToID string
	Status         TurnStatus
	AcceptedAt     int64
	UpdatedAt      int64
	CompletedAt    int64
	AttemptCount   int
	NextAttemptAt  int64
	TerminalReason string
}

// Turns is the turn journal.
type Turns struct {
	store *store.Store
	now   func() int64 // Milliseconds; replaced in tests.

	// In-memory dedupe fallback, engaged only while the database is failing.
	fallbackMu sync.Mutex
	fallback   *expirable.LRU[string, struct{}]
	lastWarn   time.Time
}

// NewTurns returns a Turns journal over the Store.
func NewTurns(s *store.Store) *Turns {
	return &Turns{
		store: s,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// AcceptResult is the outcome of turn admission.
type AcceptResult struct {
	// Accepted is false when the context deduplicated against a prior turn.
	Accepted bool
	// ID of the turn row (newly created, or the caller-supplied id).
	ID string
}

// Accept admits an inbound context as a durable turn. If id is empty a new
// identifier is generated. Admission deduplicates on the derived dedupe key:
// a second Accept of an identical context reports Accepted=false.
//
// Accept fails open: if the database is unavailable it falls back to an
// in-memory cache keyed by (channel, account, message id) with a bounded
// TTL, and accepts unconditionally when not even that key is computable.
func (t *Turns) Accept(ctx context.Context, msg *message.Context, id string) AcceptResult {
	if id == "" {
		id = uuid.NewString()
	}
	var dedupeKey, hasKey = msg.DedupeKey()

	payload, err := json.Marshal(msg)
	if err != nil {
		// Context shapes are plain data; this does not happen in practice.
		log.WithField("error", err).Warn("failed to serialize turn context; accepting without payload")
		payload = []byte("{}")
	}
	var route = message.RouteFor(msg)
	var now = t.now()

	var result sql.Result
	if hasKey {
		result, err = t.store.DB().ExecContext(ctx, `
			INSERT OR IGNORE INTO message_turns (
				id, channel, account_id, external_id, dedupe_key, session_key,
				payload, route_channel, route_to, route_account_id,
				route_thread_id, route_reply_to_id,
				status, accepted_at, updated_at, next_attempt_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			id, msg.ChannelName(), msg.AccountId, nullable(msg.MessageSid), dedupeKey,
			msg.SessionKey, string(payload),
			route.Channel, route.To, route.AccountId, route.ThreadId, route.ReplyToId,
			TurnAccepted, now, now,
		)
	} else {
		result, err = t.store.DB().ExecContext(ctx, `
			INSERT INTO message_turns (
				id, channel, account_id, external_id, session_key,
				payload, route_channel, route_to, route_account_id,
				route_thread_id, route_reply_to_id,
				status, accepted_at, updated_at, next_attempt_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			id, msg.ChannelName(), msg.AccountId, nullable(msg.MessageSid),
			msg.SessionKey, string(payload),
			route.Channel, route.To, route.AccountId, route.ThreadId, route.ReplyToId,
			TurnAccepted, now, now,
		)
	}

	if err != nil {
		return t.acceptFallback(msg, id, hasKey, err)
	}
	if !hasKey {
		return AcceptResult{Accepted: true, ID: id}
	}
	var n, _ = result.RowsAffected()
	return AcceptResult{Accepted: n == 1, ID: id}
}

// acceptFallback admits (or rejects) via the in-memory cache while the
// database is failing. Warnings are rate-limited to once per minute.
func (t *Turns) acceptFallback(msg *message.Context, id string, hasKey bool, cause error) AcceptResult {
	t.fallbackMu.Lock()
	defer t.fallbackMu.Unlock()

	if now := time.Now(); now.Sub(t.lastWarn) >= time.Minute {
		t.lastWarn = now
		log.WithFields(log.Fields{
			"error":   cause,
			"channel": msg.ChannelName(),
		}).Warn("turn journal unavailable; deduplicating in memory only")
	}

	if !hasKey {
		return AcceptResult{Accepted: true, ID: id}
	}
	if t.fallback == nil {
		t.fallback = expirable.NewLRU[string, struct{}](4096, nil, dedupeFallbackTTL)
	}
	var key = strings.Join(
		[]string{msg.ChannelName(), msg.AccountId, msg.MessageSid}, "\x1f")
	if _, seen := t.fallback.Get(key); seen {
		return AcceptResult{Accepted: false, ID: id}
	}
	t.fallback.Add(key, struct{}{})
	return AcceptResult{Accepted: true, ID: id}
}

// MarkRunning transitions an accepted or failed-retryable turn to running.
func (t *Turns) MarkRunning(ctx context.Context, id string) error {
	var _, err = t.store.DB().ExecContext(ctx, `
		UPDATE message_turns SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		TurnRunning, t.now(), id, TurnAccepted, TurnFailedRetryable)
	return err
}

// MarkDeliveryPending transitions a non-terminal turn to delivery_pending,
// indicating that its outbox rows are still draining.
func (t *Turns) MarkDeliveryPending(ctx context.Context, id string) error {
	var _, err = t.store.DB().ExecContext(ctx, `
		UPDATE message_turns SET status = ?, updated_at = ?
		WHERE id = ? AND `+notTerminalTurns,
		TurnDeliveryPending, t.now(), id)
	return err
}

// Finalize transitions a non-terminal turn to the given terminal status.
// Finalizing an already-terminal turn is a no-op.
func (t *Turns) Finalize(ctx context.Context, id string, status TurnStatus, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	var now = t.now()
	var _, err = t.store.DB().ExecContext(ctx, `
		UPDATE message_turns
		SET status = ?, terminal_reason = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND `+notTerminalTurns,
		status, reason, now, now, id)
	return err
}

// RecordRecoveryFailure accounts one failed recovery attempt. The turn moves
// to failed_retryable with a pushed-out next_attempt_at, or to
// failed_terminal once MaxTurnRecoveryAttempts is reached.
func (t *Turns) RecordRecoveryFailure(ctx context.Context, id, reason string) error {
	return t.store.Transact(ctx, func(tx *sql.Tx) error {
		var status TurnStatus
		var attempts int
		var nextAt int64
		var err = tx.QueryRowContext(ctx, `
			SELECT status, attempt_count, next_attempt_at
			FROM message_turns WHERE id = ?`, id,
		).Scan(&status, &attempts, &nextAt)
		if err == sql.ErrNoRows {
			return nil
		} else if err != nil {
			return err
		} else if status.Terminal() {
			return nil
		}

		var now = t.now()
		attempts++
		if attempts >= MaxTurnRecoveryAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE message_turns
				SET status = ?, attempt_count = ?, terminal_reason = ?,
				    completed_at = ?, updated_at = ?
				WHERE id = ?`,
				TurnFailedTerminal, attempts, reason, now, now, id)
			return err
		}

		// next_attempt_at is monotonically non-decreasing across retries.
		var next = now + TurnRecoveryBackoff.Milliseconds()
		if next < nextAt {
			next = nextAt
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE message_turns
			SET status = ?, attempt_count = ?, next_attempt_at = ?, updated_at = ?
			WHERE id = ?`,
			TurnFailedRetryable, attempts, next, now, id)
		return err
	})
}

// FailStale marks every non-terminal turn accepted before the maxAge horizon
// as failed_terminal, and returns the count of rows so failed.
func (t *Turns) FailStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	var now = t.now()
	var result, err = t.store.DB().ExecContext(ctx, `
		UPDATE message_turns
		SET status = ?, terminal_reason = 'stale turn', completed_at = ?, updated_at = ?
		WHERE accepted_at < ? AND `+notTerminalTurns,
		TurnFailedTerminal, now, now, now-maxAge.Milliseconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// AbortSession flips every non-terminal turn of the session to aborted,
// suppressing further recovery of those rows.
func (t *Turns) AbortSession(ctx context.Context, sessionKey string) (int64, error) {
	var now = t.now()
	var result, err = t.store.DB().ExecContext(ctx, `
		UPDATE message_turns
		SET status = ?, terminal_reason = 'session aborted', completed_at = ?, updated_at = ?
		WHERE session_key = ? AND `+notTerminalTurns,
		TurnAborted, now, now, sessionKey)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Prune deletes terminal turns older than the retention horizon.
func (t *Turns) Prune(ctx context.Context, age time.Duration) (int64, error) {
	var result, err = t.store.DB().ExecContext(ctx, `
		DELETE FROM message_turns
		WHERE NOT (`+notTerminalTurns+`)
		AND COALESCE(completed_at, updated_at, accepted_at) < ?`,
		t.now()-age.Milliseconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListRecoverable returns non-terminal turns accepted within
// [now-maxAge, now-minAge] whose next attempt is due, oldest first.
// The minAge guard keeps the recovery worker from stealing a turn which a
// live in-process driver is still running.
func (t *Turns) ListRecoverable(ctx context.Context, minAge, maxAge time.Duration, limit int) ([]TurnRow, error) {
	var now = t.now()
	var rows, err = t.store.DB().QueryContext(ctx, `
		SELECT `+turnColumns+` FROM message_turns
		WHERE `+notTerminalTurns+`
		AND accepted_at >= ? AND accepted_at <= ?
		AND next_attempt_at <= ?
		ORDER BY accepted_at ASC
		LIMIT ?`,
		now-maxAge.Milliseconds(), now-minAge.Milliseconds(), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TurnRow
	for rows.Next() {
		var row, err = scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Get reads a single turn row.
func (t *Turns) Get(ctx context.Context, id string) (TurnRow, error) {
	var row = t.store.DB().QueryRowContext(ctx, `
		SELECT `+turnColumns+` FROM message_turns WHERE id = ?`, id)
	return scanTurn(row)
}

// CountByStatus aggregates turn rows per status.
func (t *Turns) CountByStatus(ctx context.Context) (map[TurnStatus]int64, error) {
	var rows, err = t.store.DB().QueryContext(ctx, `
		SELECT status, COUNT(*) FROM message_turns GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out = make(map[TurnStatus]int64)
	for rows.Next() {
		var s TurnStatus
		var n int64
		if err = rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// HydrateContext reconstructs the inbound context of a persisted turn.
// It returns nil when the payload cannot be parsed, or when neither the
// captured route nor the payload can resolve a reply destination.
func (t *Turns) HydrateContext(row *TurnRow) *message.Context {
	var msg, err = message.Hydrate(row.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"turn":  row.ID,
			"error": err,
		}).Warn("failed to hydrate turn payload")
		return nil
	}
	var channel = row.RouteChannel
	if channel == "" {
		channel = msg.ChannelName()
	}
	var to = row.RouteTo
	if to == "" {
		to = msg.Peer()
	}
	if channel == "" || to == "" {
		return nil
	}
	return msg
}

// Route returns the reply route captured at admission, falling back to the
// hydrated context for fields the row does not carry.
func (row *TurnRow) Route() message.RouteTarget {
	return message.RouteTarget{
		Channel:   row.RouteChannel,
		To:        row.RouteTo,
		AccountId: row.RouteAccountID,
		ThreadId:  row.RouteThreadID,
		ReplyToId: row.RouteReplyToID,
	}
}

const turnColumns = `
	id, channel, account_id, external_id, dedupe_key, session_key, payload,
	route_channel, route_to, route_account_id, route_thread_id, route_reply_to_id,
	status, accepted_at, updated_at, completed_at,
	attempt_count, next_attempt_at, terminal_reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTurn(r rowScanner) (TurnRow, error) {
	var row TurnRow
	var externalID, dedupeKey, payload sql.NullString
	var routeChannel, routeTo, routeAccount, routeThread, routeReply sql.NullString
	var completedAt sql.NullInt64
	var reason sql.NullString

	var err = r.Scan(
		&row.ID, &row.Channel, &row.AccountID, &externalID, &dedupeKey,
		&row.SessionKey, &payload,
		&routeChannel, &routeTo, &routeAccount, &routeThread, &routeReply,
		&row.Status, &row.AcceptedAt, &row.UpdatedAt, &completedAt,
		&row.AttemptCount, &row.NextAttemptAt, &reason,
	)
	if err != nil {
		return TurnRow{}, err
	}
	row.ExternalID = externalID.String
	row.DedupeKey = dedupeKey.String
	row.Payload = []byte(payload.String)
	row.RouteChannel = routeChannel.String
	row.RouteTo = routeTo.String
	row.RouteAccountID = routeAccount.String
	row.RouteThreadID = routeThread.String
	row.RouteReplyToID = routeReply.String
	row.CompletedAt = completedAt.Int64
	row.TerminalReason = reason.String
	return row, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
