package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nohat/openclaw/message"
	"github.com/nohat/openclaw/store"
)

// DeliveryStatus is the lifecycle state of an outbox row.
type DeliveryStatus string

const (
	DeliveryQueued          DeliveryStatus = "queued"
	DeliveryFailedRetryable DeliveryStatus = "failed_retryable"
	DeliveryDelivered       DeliveryStatus = "delivered"
	DeliveryFailedTerminal  DeliveryStatus = "failed_terminal"
	DeliveryExpired         DeliveryStatus = "expired"
)

// Terminal reports whether the status is final.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryFailedTerminal, DeliveryExpired:
		return true
	}
	return false
}

const (
	// MaxDeliveryRetries bounds delivery attempts of a single outbox row.
	MaxDeliveryRetries = 5
	// OutboxTTL is the default age beyond which undelivered rows expire.
	OutboxTTL = 30 * time.Minute
	// OutboxPruneAge is the retention horizon for terminal outbox rows.
	OutboxPruneAge = 48 * time.Hour
)

// ExpireAction selects what the TTL sweep does with over-age rows.
type ExpireAction string

const (
	// ExpireFail marks over-age rows expired without a further attempt.
	ExpireFail ExpireAction = "fail"
	// ExpireDeliver skips the sweep, leaving aged rows their remaining
	// ordinary retry budget.
	ExpireDeliver ExpireAction = "deliver"
)

// retryBackoff is the fixed delivery backoff table. Attempt counts beyond
// the table clamp to its final entry.
var retryBackoff = []time.Duration{
	5 * time.Second,
	25 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// Backoff returns the delay preceding the given attempt count.
func Backoff(attemptCount int) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	if attemptCount > len(retryBackoff) {
		attemptCount = len(retryBackoff)
	}
	return retryBackoff[attemptCount-1]
}

// permanentErrorPatterns match provider failures which no retry can cure.
// Matching is case-insensitive substring.
var permanentErrorPatterns = []string{
	"no conversation reference found",
	"chat not found",
	"user not found",
	"bot was blocked by the user",
	"forbidden: bot was kicked",
	"chat_id is empty",
	"recipient is not a valid",
	"outbound not configured for channel",
}

// IsPermanentError reports whether the delivery error matches the permanent
// pattern list.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var text = strings.ToLower(err.Error())
	for _, p := range permanentErrorPatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

const notTerminalDeliveries = `status NOT IN ('delivered','failed_terminal','expired')`

// DeliveryRow is one deliverable final payload.
type DeliveryRow struct {
	ID             string
	TurnID         string
	Channel        string
	AccountID      string
	Target         string
	Payload        []byte
	IdempotencyKey string
	QueuedAt       int64
	Status         DeliveryStatus
	AttemptCount   int
	NextAttemptAt  int64
	LastAttemptAt  int64 // Zero when the row has never been attempted.
	LastError      string
	ErrorClass     string
	TerminalReason string
	DeliveredAt    int64
	CompletedAt    int64
}

// Request deserializes the row payload.
func (row *DeliveryRow) Request() (message.DeliveryRequest, error) {
	var req message.DeliveryRequest
	var err = json.Unmarshal(row.Payload, &req)
	return req, err
}

// Eligible reports whether the row may be attempted at the given instant:
// never-attempted rows immediately, others once their backoff has elapsed.
func (row *DeliveryRow) Eligible(nowMs int64) bool {
	if row.AttemptCount == 0 && row.LastAttemptAt == 0 {
		return true
	}
	var since = row.LastAttemptAt
	if row.QueuedAt > since {
		since = row.QueuedAt
	}
	return since+Backoff(row.AttemptCount).Milliseconds() <= nowMs
}

// Outbox is the outbox journal. It owns all row state; the dispatch driver
// and the workers are its only writers.
type Outbox struct {
	store *store.Store
	turns *Turns
	now   func() int64
}

// NewOutbox returns an Outbox journal which finalizes owning turns through
// the given turn journal.
func NewOutbox(s *store.Store, turns *Turns) *Outbox {
	return &Outbox{
		store: s,
		turns: turns,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// EnqueueParams describe one delivery to persist.
type EnqueueParams struct {
	// ID of the row; generated when empty.
	ID string
	// TurnID back-references the owning turn. Empty for system-initiated
	// sends which have no turn.
	TurnID string
	// IdempotencyKey collapses replayed enqueues when the target channel
	// supports idempotent sends. Optional.
	IdempotencyKey string
	// Request is the durable delivery payload.
	Request message.DeliveryRequest
}

// Enqueue persists a queued delivery and returns its row id. Enqueues which
// collide on id or idempotency key are ignored, making replays harmless.
func (o *Outbox) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var payload, err = json.Marshal(&p.Request)
	if err != nil {
		return "", err
	}
	var now = o.now()
	_, err = o.store.DB().ExecContext(ctx, `
		INSERT OR IGNORE INTO message_outbox (
			id, turn_id, channel, account_id, target, payload,
			idempotency_key, queued_at, status, attempt_count, next_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		p.ID, nullable(p.TurnID), p.Request.Channel, nullable(p.Request.AccountId),
		p.Request.To, string(payload), nullable(p.IdempotencyKey),
		now, DeliveryQueued, now)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// LoadPending returns rows eligible for a delivery attempt, oldest first.
//
// When startupCutoff is non-zero, rows enqueued at or after the cutoff which
// have never been attempted are excluded: those are being delivered live by
// an in-process dispatcher and must not be double-sent.
func (o *Outbox) LoadPending(ctx context.Context, startupCutoff int64, limit int) ([]DeliveryRow, error) {
	var now = o.now()
	var rows, err = o.store.DB().QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM message_outbox
		WHERE status IN (?, ?) AND next_attempt_at <= ?
		AND NOT (? > 0 AND queued_at >= ? AND attempt_count = 0 AND last_attempt_at IS NULL)
		ORDER BY queued_at ASC
		LIMIT ?`,
		DeliveryQueued, DeliveryFailedRetryable, now,
		startupCutoff, startupCutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRow
	for rows.Next() {
		var row, err = scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FailDelivery accounts one failed delivery attempt. Errors matching the
// permanent pattern list terminalize the row immediately; transient errors
// increment the attempt count and either schedule a backoff retry or, at
// MaxDeliveryRetries, terminalize it.
func (o *Outbox) FailDelivery(ctx context.Context, id string, deliveryErr error) error {
	var errText string
	if deliveryErr != nil {
		errText = deliveryErr.Error()
	}

	if IsPermanentError(deliveryErr) {
		var now = o.now()
		var _, err = o.store.DB().ExecContext(ctx, `
			UPDATE message_outbox
			SET status = ?, error_class = 'permanent', last_error = ?,
			    terminal_reason = ?, last_attempt_at = ?, completed_at = ?
			WHERE id = ? AND `+notTerminalDeliveries,
			DeliveryFailedTerminal, errText, errText, now, now, id)
		if err != nil {
			return err
		}
		return o.settleTurnOf(ctx, id)
	}

	var becameTerminal bool
	var err = o.store.Transact(ctx, func(tx *sql.Tx) error {
		var status DeliveryStatus
		var attempts int
		var err = tx.QueryRowContext(ctx, `
			SELECT status, attempt_count FROM message_outbox WHERE id = ?`, id,
		).Scan(&status, &attempts)
		if err == sql.ErrNoRows {
			return nil
		} else if err != nil {
			return err
		} else if status.Terminal() {
			return nil
		}

		var now = o.now()
		attempts++
		if attempts >= MaxDeliveryRetries {
			becameTerminal = true
			_, err = tx.ExecContext(ctx, `
				UPDATE message_outbox
				SET status = ?, attempt_count = ?, error_class = 'terminal',
				    last_error = ?, terminal_reason = 'delivery retries exhausted',
				    last_attempt_at = ?, completed_at = ?
				WHERE id = ?`,
				DeliveryFailedTerminal, attempts, errText, now, now, id)
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE message_outbox
			SET status = ?, attempt_count = ?, error_class = 'transient',
			    last_error = ?, next_attempt_at = ?, last_attempt_at = ?
			WHERE id = ?`,
			DeliveryFailedRetryable, attempts, errText,
			now+Backoff(attempts).Milliseconds(), now, id)
		return err
	})
	if err != nil {
		return err
	}
	if becameTerminal {
		return o.settleTurnOf(ctx, id)
	}
	return nil
}

// Ack marks the row delivered and, when its owning turn has no remaining
// active deliveries, finalizes the turn.
func (o *Outbox) Ack(ctx context.Context, id string) error {
	var now = o.now()
	var _, err = o.store.DB().ExecContext(ctx, `
		UPDATE message_outbox
		SET status = ?, delivered_at = ?, completed_at = ?
		WHERE id = ? AND `+notTerminalDeliveries,
		DeliveryDelivered, now, now, id)
	if err != nil {
		return err
	}
	return o.settleTurnOf(ctx, id)
}

// MoveToFailed terminalizes the row with a generic reason and mirrors the
// turn-finalization check.
func (o *Outbox) MoveToFailed(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "delivery failed"
	}
	var now = o.now()
	var _, err = o.store.DB().ExecContext(ctx, `
		UPDATE message_outbox
		SET status = ?, error_class = 'terminal', terminal_reason = ?, completed_at = ?
		WHERE id = ? AND `+notTerminalDeliveries,
		DeliveryFailedTerminal, reason, now, id)
	if err != nil {
		return err
	}
	return o.settleTurnOf(ctx, id)
}

// ExpireStale applies the TTL sweep: rows still queued or retryable past the
// maxAge horizon become expired. The sweep is a no-op under ExpireDeliver.
func (o *Outbox) ExpireStale(ctx context.Context, maxAge time.Duration, action ExpireAction) (int64, error) {
	if action == ExpireDeliver {
		return 0, nil
	}
	var now = o.now()
	var result, err = o.store.DB().ExecContext(ctx, `
		UPDATE message_outbox
		SET status = ?, error_class = 'terminal', terminal_reason = 'expired', completed_at = ?
		WHERE status IN (?, ?) AND queued_at < ?`,
		DeliveryExpired, now, DeliveryQueued, DeliveryFailedRetryable,
		now-maxAge.Milliseconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Prune deletes terminal rows older than the retention horizon.
func (o *Outbox) Prune(ctx context.Context, age time.Duration) (int64, error) {
	var result, err = o.store.DB().ExecContext(ctx, `
		DELETE FROM message_outbox
		WHERE status IN (?, ?, ?)
		AND COALESCE(completed_at, delivered_at, queued_at) < ?`,
		DeliveryDelivered, DeliveryFailedTerminal, DeliveryExpired,
		o.now()-age.Milliseconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TurnCounts aggregate the outbox rows of one turn. Queued spans queued and
// failed_retryable; Failed spans failed_terminal and expired.
type TurnCounts struct {
	Queued    int64
	Delivered int64
	Failed    int64
}

// StatusForTurn aggregates the outbox state of the turn.
func (o *Outbox) StatusForTurn(ctx context.Context, turnID string) (TurnCounts, error) {
	var counts TurnCounts
	var err = o.store.DB().QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status IN (?, ?)), 0),
			COALESCE(SUM(status = ?), 0),
			COALESCE(SUM(status IN (?, ?)), 0)
		FROM message_outbox WHERE turn_id = ?`,
		DeliveryQueued, DeliveryFailedRetryable,
		DeliveryDelivered,
		DeliveryFailedTerminal, DeliveryExpired,
		turnID,
	).Scan(&counts.Queued, &counts.Delivered, &counts.Failed)
	return counts, err
}

// settleTurnOf runs the turn-finalization check for the turn owning the
// given row, if any: once no active rows remain, a turn with at least one
// delivery and no failures finalizes delivered, and a turn with any failure
// finalizes failed. The dispatch driver converges on the same predicate
// post-drain, so concurrent finalizations are idempotent.
func (o *Outbox) settleTurnOf(ctx context.Context, rowID string) error {
	var turnID sql.NullString
	var err = o.store.DB().QueryRowContext(ctx, `
		SELECT turn_id FROM message_outbox WHERE id = ?`, rowID,
	).Scan(&turnID)
	if err == sql.ErrNoRows || !turnID.Valid || turnID.String == "" {
		return nil
	} else if err != nil {
		return err
	}

	counts, err := o.StatusForTurn(ctx, turnID.String)
	if err != nil {
		return err
	}
	switch {
	case counts.Queued > 0:
		return nil
	case counts.Delivered > 0 && counts.Failed == 0:
		return o.turns.Finalize(ctx, turnID.String, TurnDelivered, "all deliveries acknowledged")
	case counts.Failed > 0:
		return o.turns.Finalize(ctx, turnID.String, TurnFailedTerminal, "delivery failed")
	}
	return nil
}

// Get reads a single outbox row.
func (o *Outbox) Get(ctx context.Context, id string) (DeliveryRow, error) {
	var row = o.store.DB().QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM message_outbox WHERE id = ?`, id)
	return scanDelivery(row)
}

// CountByStatus aggregates outbox rows per status.
func (o *Outbox) CountByStatus(ctx context.Context) (map[DeliveryStatus]int64, error) {
	var rows, err = o.store.DB().QueryContext(ctx, `
		SELECT status, COUNT(*) FROM message_outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out = make(map[DeliveryStatus]int64)
	for rows.Next() {
		var s DeliveryStatus
		var n int64
		if err = rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

const deliveryColumns = `
	id, turn_id, channel, account_id, target, payload, idempotency_key,
	queued_at, status, attempt_count, next_attempt_at, last_attempt_at,
	last_error, error_class, terminal_reason, delivered_at, completed_at`

func scanDelivery(r rowScanner) (DeliveryRow, error) {
	var row DeliveryRow
	var turnID, accountID, idemKey sql.NullString
	var lastAttempt, deliveredAt, completedAt sql.NullInt64
	var lastError, errorClass, reason sql.NullString
	var payload string

	var err = r.Scan(
		&row.ID, &turnID, &row.Channel, &accountID, &row.Target, &payload,
		&idemKey, &row.QueuedAt, &row.Status, &row.AttemptCount,
		&row.NextAttemptAt, &lastAttempt,
		&lastError, &errorClass, &reason, &deliveredAt, &completedAt,
	)
	if err != nil {
		return DeliveryRow{}, err
	}
	row.TurnID = turnID.String
	row.AccountID = accountID.String
	row.Payload = []byte(payload)
	row.IdempotencyKey = idemKey.String
	row.LastAttemptAt = lastAttempt.Int64
	row.LastError = lastError.String
	row.ErrorClass = errorClass.String
	row.TerminalReason = reason.String
	row.DeliveredAt = deliveredAt.Int64
	row.CompletedAt = completedAt.Int64
	return row, nil
}
