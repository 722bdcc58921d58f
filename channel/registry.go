package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nohat/openclaw/message"
)

// Registry resolves channel names to normalized outbound adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Outbound
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Outbound)}
}

// Register normalizes and installs the adapter, replacing any prior adapter
// of the same channel.
func (r *Registry) Register(o *Outbound) error {
	var normalized, err = Normalize(o)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(normalized.Name)] = normalized
	return nil
}

// Get returns the adapter for the channel, or nil.
func (r *Registry) Get(name string) *Outbound {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[strings.ToLower(name)]
}

// Deliver sends one request through its channel's adapter: destination
// resolution, text chunking, then SendFinal. A missing adapter is a
// permanent delivery error.
func (r *Registry) Deliver(ctx context.Context, req message.DeliveryRequest, idempotencyKey string) error {
	var adapter = r.Get(req.Channel)
	if adapter == nil {
		return fmt.Errorf("outbound not configured for channel %q", req.Channel)
	}

	if adapter.ResolveTarget != nil {
		if err := adapter.ResolveTarget(&req); err != nil {
			return fmt.Errorf("resolving target for channel %q: %w", req.Channel, err)
		}
	}
	req.Payloads = chunkPayloads(adapter, req.Payloads)

	var sc = SendContext{Request: req}
	if adapter.SupportsIdempotencyKey {
		sc.IdempotencyKey = idempotencyKey
	}
	var _, err = adapter.SendFinal(ctx, sc)
	return err
}

// chunkPayloads splits text payloads which exceed the adapter's chunk limit.
func chunkPayloads(adapter *Outbound, payloads []message.ReplyPayload) []message.ReplyPayload {
	if adapter.TextChunkLimit <= 0 {
		return payloads
	}
	var chunker = adapter.Chunker
	if chunker == nil {
		chunker = SplitText
	}

	var out = make([]message.ReplyPayload, 0, len(payloads))
	for _, p := range payloads {
		if p.Text == "" || len(p.Text) <= adapter.TextChunkLimit {
			out = append(out, p)
			continue
		}
		for i, chunk := range chunker(p.Text, adapter.TextChunkLimit) {
			var split = p
			split.Text = chunk
			if i > 0 {
				// Attachments ride only the first chunk.
				split.MediaUrl, split.MediaUrls, split.Poll = "", nil, nil
			}
			out = append(out, split)
		}
	}
	return out
}
