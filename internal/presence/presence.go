package presence

import (
	"sort"
	"strings"
	"time"
)

const fieldKeySeparator = "::"

// FieldKey identifies a field on a route, e.g. "/orders::qty-o1".
func FieldKey(route, baseFieldID string) string {
	return route + fieldKeySeparator + baseFieldID
}

// SplitFieldKey reverses FieldKey. ok is false when key has no separator.
func SplitFieldKey(key string) (route, baseFieldID string, ok bool) {
	idx := strings.LastIndex(key, fieldKeySeparator)
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+len(fieldKeySeparator):], true
}

// Entry is one live participant as seen in a presence snapshot. Key is the
// per-connection key the payload was tracked under.
type Entry struct {
	Key         string    `json:"key,omitempty"`
	UserID      string    `json:"userId"`
	UserEmail   string    `json:"userEmail,omitempty"`
	FieldKey    string    `json:"fieldKey,omitempty"`
	Route       string    `json:"route,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
	ModalScope  string    `json:"modalScope,omitempty"`
}

// Input is what a client announces about itself.
type Input struct {
	UserID     string
	UserEmail  string
	FieldKey   string
	Route      string
	ModalScope string
}

// Publisher announces presence on a workspace channel.
type Publisher interface {
	PublishPresence(workspaceID string, in Input) error
}

// Flatten turns a keyed snapshot into a list ordered by most recent
// heartbeat. Entries older than staleAfter are dropped; zero keeps everything.
func Flatten(snapshot map[string][]Entry, now time.Time, staleAfter time.Duration) []Entry {
	out := make([]Entry, 0, len(snapshot))
	for key, payloads := range snapshot {
		for _, payload := range payloads {
			payload.Key = key
			if Stale(payload, now, staleAfter) {
				continue
			}
			out = append(out, payload)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].HeartbeatAt.Equal(out[j].HeartbeatAt) {
			return out[i].HeartbeatAt.After(out[j].HeartbeatAt)
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func Stale(e Entry, now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 || e.HeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(e.HeartbeatAt) > staleAfter
}

// Prune removes stale entries from an already flattened list. changed
// reports whether anything was dropped.
func Prune(entries []Entry, now time.Time, staleAfter time.Duration) (out []Entry, changed bool) {
	out = make([]Entry, 0, len(entries))
	for _, e := range entries {
		if Stale(e, now, staleAfter) {
			changed = true
			continue
		}
		out = append(out, e)
	}
	return out, changed
}

// EditorsOf lists other connections currently focused on fieldKey.
func EditorsOf(entries []Entry, fieldKey, selfKey string) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.FieldKey == fieldKey && e.Key != selfKey {
			out = append(out, e)
		}
	}
	return out
}

// InScope lists entries announcing the given modal scope.
func InScope(entries []Entry, scope string) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.ModalScope == scope {
			out = append(out, e)
		}
	}
	return out
}
