package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/nohat/openclaw/message"
)

// legacyQueueDir is the pre-journal on-disk delivery queue, relative to the
// state directory.
const legacyQueueDir = "delivery-queue"

// legacyQueuedDelivery is the serialized shape written by the file-queue era.
type legacyQueuedDelivery struct {
	ID         string                 `json:"id"`
	Channel    string                 `json:"channel"`
	To         string                 `json:"to"`
	AccountId  string                 `json:"accountId,omitempty"`
	Payloads   []message.ReplyPayload `json:"payloads"`
	ThreadId   message.ThreadID       `json:"threadId,omitempty"`
	ReplyToId  string                 `json:"replyToId,omitempty"`
	EnqueuedAt int64                  `json:"enqueuedAt,omitempty"`
	RetryCount int                    `json:"retryCount,omitempty"`
	LastError  string                 `json:"lastError,omitempty"`
}

// ImportLegacyFileQueue migrates every *.json entry of the state directory's
// legacy delivery queue into the outbox table, unlinking each file once its
// row is durable. Non-JSON files and malformed entries are skipped. The
// routine is idempotent (rows are keyed by the file's id) and a fixed point
// once the directory is empty.
func (o *Outbox) ImportLegacyFileQueue(ctx context.Context, stateDir string) (int, error) {
	var dir = filepath.Join(stateDir, legacyQueueDir)
	var entries, err = os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	var imported int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var path = filepath.Join(dir, entry.Name())

		raw, err := os.ReadFile(path)
		if err != nil {
			log.WithFields(log.Fields{"file": path, "error": err}).
				Warn("failed to read legacy queued delivery")
			continue
		}
		var legacy legacyQueuedDelivery
		if err = json.Unmarshal(raw, &legacy); err != nil || legacy.ID == "" || legacy.Channel == "" {
			log.WithFields(log.Fields{"file": path, "error": err}).
				Warn("skipping malformed legacy queued delivery")
			continue
		}

		var queuedAt = legacy.EnqueuedAt
		if queuedAt == 0 {
			queuedAt = o.now()
		}
		payload, err := json.Marshal(&message.DeliveryRequest{
			Channel:   legacy.Channel,
			To:        legacy.To,
			AccountId: legacy.AccountId,
			Payloads:  legacy.Payloads,
			ThreadId:  legacy.ThreadId,
			ReplyToId: legacy.ReplyToId,
		})
		if err != nil {
			continue
		}

		_, err = o.store.DB().ExecContext(ctx, `
			INSERT OR IGNORE INTO message_outbox (
				id, channel, account_id, target, payload, last_error,
				queued_at, status, attempt_count, next_attempt_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			legacy.ID, strings.ToLower(legacy.Channel), nullable(legacy.AccountId),
			legacy.To, string(payload), nullable(legacy.LastError),
			queuedAt, DeliveryQueued, legacy.RetryCount, o.now())
		if err != nil {
			return imported, err
		}

		if err = os.Remove(path); err != nil {
			log.WithFields(log.Fields{"file": path, "error": err}).
				Warn("imported legacy delivery but failed to unlink its file")
			continue
		}
		imported++
	}

	if imported > 0 {
		log.WithFields(log.Fields{"dir": dir, "count": imported}).
			Info("imported legacy file-queue deliveries into the outbox")
	}
	return imported, nil
}
