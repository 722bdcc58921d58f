// Package message defines the canonical inbound message context and the
// reply payload shapes which the lifecycle journals persist.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandSource describes how a command-bearing message reached us.
type CommandSource string

const (
	// CommandSourceText is an ordinary chat message parsed for commands.
	CommandSourceText CommandSource = "text"
	// CommandSourceNative is a provider-native interaction (e.g. a slash
	// command) whose reply channel is a one-shot callback token. Turns from
	// native sources must never have their replies replayed to fallback
	// destinations.
	CommandSourceNative CommandSource = "native"
)

// ThreadID is a thread or forum-topic identifier. Providers variously encode
// it as a JSON string or number; both decode into the string form.
type ThreadID string

func (t *ThreadID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = ThreadID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("thread id must be a string or number: %w", err)
	}
	*t = ThreadID(n.String())
	return nil
}

func (t ThreadID) String() string { return string(t) }

// Context is the canonical, provider-normalized shape of one inbound message.
// Channel producers construct it; the turn journal serializes it as the
// durable turn payload, and hydrates it again on crash recovery.
type Context struct {
	Body            string `json:"Body,omitempty"`
	BodyForAgent    string `json:"BodyForAgent,omitempty"`
	BodyForCommands string `json:"BodyForCommands,omitempty"`

	From string `json:"From,omitempty"`
	To   string `json:"To,omitempty"`

	// OriginatingChannel and OriginatingTo record the true reply route when
	// the message was forwarded or bridged between surfaces.
	OriginatingChannel string `json:"OriginatingChannel,omitempty"`
	OriginatingTo      string `json:"OriginatingTo,omitempty"`

	SessionKey string `json:"SessionKey,omitempty"`
	AccountId  string `json:"AccountId,omitempty"`

	MessageSid     string `json:"MessageSid,omitempty"`
	MessageSidFull string `json:"MessageSidFull,omitempty"`
	ReplyToId      string `json:"ReplyToId,omitempty"`

	ChatType string `json:"ChatType,omitempty"`
	Provider string `json:"Provider,omitempty"`
	Surface  string `json:"Surface,omitempty"`

	SenderId       string `json:"SenderId,omitempty"`
	SenderName     string `json:"SenderName,omitempty"`
	SenderUsername string `json:"SenderUsername,omitempty"`
	SenderE164     string `json:"SenderE164,omitempty"`

	CommandAuthorized bool `json:"CommandAuthorized,omitempty"`
	WasMentioned      bool `json:"WasMentioned,omitempty"`
	IsForum           bool `json:"IsForum,omitempty"`

	CommandSource CommandSource `json:"CommandSource,omitempty"`
	Timestamp     int64         `json:"Timestamp,omitempty"`
	ThreadId      ThreadID      `json:"ThreadId,omitempty"`
}

// ChannelName resolves the provider identity of the context, preferring the
// originating channel over the raw provider and surface hints.
func (c *Context) ChannelName() string {
	for _, s := range []string{c.OriginatingChannel, c.Provider, c.Surface} {
		if s = strings.TrimSpace(s); s != "" {
			return strings.ToLower(s)
		}
	}
	return ""
}

// Peer resolves the reply destination of the context.
func (c *Context) Peer() string {
	for _, s := range []string{c.OriginatingTo, c.To, c.From, c.SessionKey} {
		if s != "" {
			return s
		}
	}
	return ""
}

// dedupeSep is a non-printable separator, so that no field concatenation can
// collide with another field boundary.
const dedupeSep = "\x1f"

// DedupeKey derives the deterministic admission key for the context.
// It returns ok=false when either the provider or the message SID is absent,
// in which case no deduplication is possible.
func (c *Context) DedupeKey() (string, bool) {
	var provider = c.ChannelName()
	if provider == "" || c.MessageSid == "" {
		return "", false
	}
	return strings.Join([]string{
		provider,
		c.AccountId,
		c.SessionKey,
		c.Peer(),
		c.ThreadId.String(),
		c.MessageSid,
	}, dedupeSep), true
}

// canonicalKeys maps lower-cased key spellings to the canonical field names.
// Hydration accepts both the canonical spelling and legacy lower-camelCase
// spellings written by earlier releases.
var canonicalKeys = func() map[string]string {
	var m = make(map[string]string)
	for _, k := range []string{
		"Body", "BodyForAgent", "BodyForCommands",
		"From", "To",
		"OriginatingChannel", "OriginatingTo",
		"SessionKey", "AccountId",
		"MessageSid", "MessageSidFull", "ReplyToId",
		"ChatType", "Provider", "Surface",
		"SenderId", "SenderName", "SenderUsername", "SenderE164",
		"CommandAuthorized", "WasMentioned", "IsForum",
		"CommandSource", "Timestamp", "ThreadId",
	} {
		m[strings.ToLower(k)] = k
	}
	return m
}()

// Hydrate parses a serialized Context, tolerating legacy key spellings.
// Unknown keys are dropped. When both spellings of a field are present the
// canonical spelling wins.
func Hydrate(raw []byte) (*Context, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parsing context payload: %w", err)
	}

	var normalized = make(map[string]json.RawMessage, len(fields))
	for key, value := range fields {
		var canonical, ok = canonicalKeys[strings.ToLower(key)]
		if !ok {
			continue
		}
		if _, exists := fields[canonical]; exists && key != canonical {
			continue // Canonical spelling wins.
		}
		normalized[canonical] = value
	}

	remarshaled, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	var ctx = new(Context)
	if err := json.Unmarshal(remarshaled, ctx); err != nil {
		return nil, fmt.Errorf("decoding context payload: %w", err)
	}
	return ctx, nil
}
