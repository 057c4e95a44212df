package channelhub

import "encoding/json"

// Message types on a workspace channel.
const (
	TypeSubscribed    = "subscribed"
	TypeChange        = "change"
	TypePresenceState = "presence_state"
	TypeBroadcast     = "broadcast"
	TypeError         = "error"

	TypeTrack   = "track"
	TypeUntrack = "untrack"
)

// ChangeEvent is the table-change notification sent after an accepted write.
type ChangeEvent struct {
	EventType       string          `json:"eventType"`
	CommitTimestamp string          `json:"commit_timestamp"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
}

// Message is one frame on a workspace channel, in either direction.
type Message struct {
	Type     string                       `json:"type"`
	Event    string                       `json:"event,omitempty"`
	Key      string                       `json:"key,omitempty"`
	Payload  json.RawMessage              `json:"payload,omitempty"`
	Change   *ChangeEvent                 `json:"change,omitempty"`
	Presence map[string][]json.RawMessage `json:"presence,omitempty"`
}

// ErrorMessage builds an error frame sent to a client before closing its connection.
func ErrorMessage(code, message string) Message {
	payload, _ := json.Marshal(map[string]string{"code": code, "message": message})
	return Message{Type: TypeError, Payload: payload}
}
