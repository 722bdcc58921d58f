package message

// Poll is a provider-neutral poll attachment.
type Poll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// ReplyPayload is one user-visible unit of an outbound reply.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaUrl  string   `json:"mediaUrl,omitempty"`
	MediaUrls []string `json:"mediaUrls,omitempty"`
	Poll      *Poll    `json:"poll,omitempty"`
	ReplyToId string   `json:"replyToId,omitempty"`
}

// HasMedia reports whether any media URL is set on the payload.
func (p *ReplyPayload) HasMedia() bool {
	return p.MediaUrl != "" || len(p.MediaUrls) > 0
}

// DeliveryRequest is the durable payload of one outbox row: everything a
// channel adapter needs to deliver a final reply to its destination.
type DeliveryRequest struct {
	Channel   string         `json:"channel"`
	To        string         `json:"to"`
	AccountId string         `json:"accountId,omitempty"`
	Payloads  []ReplyPayload `json:"payloads"`
	ThreadId  ThreadID       `json:"threadId,omitempty"`
	ReplyToId string         `json:"replyToId,omitempty"`

	BestEffort  bool `json:"bestEffort,omitempty"`
	GifPlayback bool `json:"gifPlayback,omitempty"`
	Silent      bool `json:"silent,omitempty"`
	Mirror      bool `json:"mirror,omitempty"`
}

// RouteTarget is the reply destination of a turn, captured at admission so
// that crash recovery never re-derives it from a stale context.
type RouteTarget struct {
	Channel   string
	To        string
	AccountId string
	ThreadId  string
	ReplyToId string
}

// RouteFor derives the reply route of an inbound context.
func RouteFor(c *Context) RouteTarget {
	return RouteTarget{
		Channel:   c.ChannelName(),
		To:        c.Peer(),
		AccountId: c.AccountId,
		ThreadId:  c.ThreadId.String(),
		ReplyToId: c.ReplyToId,
	}
}
