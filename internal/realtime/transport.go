package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentworkforce/relaystate/internal/channelhub"
	"github.com/agentworkforce/relaystate/internal/presence"
)

var (
	ErrNotSubscribed = errors.New("realtime channel not subscribed")
	ErrClosed        = errors.New("realtime manager closed")
)

// ChangeEvent is the notification emitted after the authoritative copy changed.
type ChangeEvent = channelhub.ChangeEvent

// BroadcastEvent is an ephemeral message relayed between participants.
type BroadcastEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	// Key is the sender's connection key when the transport reports it.
	Key string `json:"key,omitempty"`
}

// ChannelStatus is what a transport reports about one physical channel.
type ChannelStatus int

const (
	ChannelSubscribed ChannelStatus = iota
	ChannelTimedOut
	ChannelError
	ChannelClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelSubscribed:
		return "SUBSCRIBED"
	case ChannelTimedOut:
		return "TIMED_OUT"
	case ChannelError:
		return "CHANNEL_ERROR"
	case ChannelClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handler receives channel callbacks. A transport calls them sequentially
// from its own goroutine.
type Handler struct {
	OnStatus    func(ChannelStatus, error)
	OnChange    func(ChangeEvent)
	OnPresence  func(map[string][]presence.Entry)
	OnBroadcast func(BroadcastEvent)
}

// Channel is one physical subscription to a workspace.
type Channel interface {
	Track(ctx context.Context, entry presence.Entry) error
	Untrack(ctx context.Context) error
	Broadcast(ctx context.Context, event string, payload json.RawMessage) error
	Close() error
}

// Transport opens channels. Open must not wait for the subscription to
// complete; progress is reported through Handler.OnStatus.
type Transport interface {
	Open(ctx context.Context, workspaceID, key string, h Handler) (Channel, error)
}

// dispatch routes a hub frame to the handler.
func dispatch(h Handler, msg channelhub.Message) {
	switch msg.Type {
	case channelhub.TypeSubscribed:
		if h.OnStatus != nil {
			h.OnStatus(ChannelSubscribed, nil)
		}
	case channelhub.TypeChange:
		if h.OnChange != nil && msg.Change != nil {
			h.OnChange(*msg.Change)
		}
	case channelhub.TypePresenceState:
		if h.OnPresence != nil {
			h.OnPresence(decodePresence(msg.Presence))
		}
	case channelhub.TypeBroadcast:
		if h.OnBroadcast != nil {
			h.OnBroadcast(BroadcastEvent{Event: msg.Event, Payload: msg.Payload, Key: msg.Key})
		}
	case channelhub.TypeError:
		if h.OnStatus != nil {
			h.OnStatus(ChannelError, errors.New(string(msg.Payload)))
		}
	}
}

func decodePresence(raw map[string][]json.RawMessage) map[string][]presence.Entry {
	out := make(map[string][]presence.Entry, len(raw))
	for key, payloads := range raw {
		for _, payload := range payloads {
			var entry presence.Entry
			if err := json.Unmarshal(payload, &entry); err != nil {
				continue
			}
			out[key] = append(out[key], entry)
		}
	}
	return out
}
