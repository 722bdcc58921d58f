// Package channel defines the outbound adapter contract between the message
// lifecycle and its channel plugins, and the registry through which the
// outbox worker and dispatch driver deliver.
package channel

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nohat/openclaw/message"
)

// DeliveryMode describes how an adapter reaches its provider.
type DeliveryMode string

const (
	// DeliveryDirect sends straight to the provider API.
	DeliveryDirect DeliveryMode = "direct"
	// DeliveryGateway relays through an intermediate gateway process.
	DeliveryGateway DeliveryMode = "gateway"
)

// SendContext carries one delivery into an adapter.
type SendContext struct {
	Request message.DeliveryRequest
	// IdempotencyKey is set when the adapter declares idempotency support,
	// allowing the provider to collapse replayed sends.
	IdempotencyKey string
}

// Result is an adapter's delivery acknowledgement.
type Result struct {
	// MessageID assigned by the provider, when known.
	MessageID string
}

// SendFn is the v2 emission shape.
type SendFn func(ctx context.Context, sc SendContext) (Result, error)

// Outbound is the adapter a channel plugin supplies. Exactly one emission
// shape must be populated: v2 SendFinal, or the legacy v1 SendPayload, or
// the legacy v1 SendText/SendMedia pair.
type Outbound struct {
	Name         string
	DeliveryMode DeliveryMode

	// Chunker splits over-long text; nil selects the default splitter.
	Chunker        func(text string, limit int) []string
	ChunkerMode    string
	TextChunkLimit int
	PollMaxOptions int

	// SupportsIdempotencyKey enables the outbox idempotency_key constraint
	// for rows routed to this channel.
	SupportsIdempotencyKey bool

	// ResolveTarget normalizes the destination in place (e.g. E.164
	// formatting) before any send. Optional.
	ResolveTarget func(req *message.DeliveryRequest) error

	// SendFinal is the v2 emission shape.
	SendFinal SendFn
	// SendPayload, or SendText plus SendMedia, are the legacy v1 shapes.
	SendPayload SendFn
	SendText    SendFn
	SendMedia   SendFn
}

var v1Warned sync.Map

// Normalize returns an always-v2 adapter. Legacy v1 adapters get a
// synthesized SendFinal which walks the request payloads, choosing the media
// path when any media URL is set and the text path otherwise. The first use
// of each v1 channel logs a one-time warning.
func Normalize(o *Outbound) (*Outbound, error) {
	if o.Name == "" {
		return nil, fmt.Errorf("outbound adapter has no channel name")
	}
	if o.SendFinal != nil {
		return o, nil
	}
	if o.SendPayload == nil && o.SendText == nil {
		return nil, fmt.Errorf("channel %q supplies no emission shape", o.Name)
	}

	var normalized = *o
	normalized.SendFinal = func(ctx context.Context, sc SendContext) (Result, error) {
		if _, warned := v1Warned.LoadOrStore(o.Name, true); !warned {
			log.WithField("channel", o.Name).
				Warn("channel uses the legacy v1 outbound adapter shape; migrate to sendFinal")
		}

		if o.SendPayload != nil {
			return o.SendPayload(ctx, sc)
		}

		var last Result
		for _, p := range sc.Request.Payloads {
			var single = sc
			single.Request.Payloads = []message.ReplyPayload{p}

			var err error
			if p.HasMedia() && o.SendMedia != nil {
				last, err = o.SendMedia(ctx, single)
			} else {
				last, err = o.SendText(ctx, single)
			}
			if err != nil {
				return last, err
			}
		}
		return last, nil
	}
	return &normalized, nil
}
