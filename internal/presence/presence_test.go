package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldKeyRoundTrip(t *testing.T) {
	key := FieldKey("/orders", "qty-o1")
	assert.Equal(t, "/orders::qty-o1", key)
	route, field, ok := SplitFieldKey(key)
	require.True(t, ok)
	assert.Equal(t, "/orders", route)
	assert.Equal(t, "qty-o1", field)

	_, _, ok = SplitFieldKey("plain")
	assert.False(t, ok)
}

func TestFlattenOrdersByHeartbeatAndDropsStale(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	snapshot := map[string][]Entry{
		"conn-a": {{UserID: "alice", HeartbeatAt: now.Add(-10 * time.Second)}},
		"conn-b": {{UserID: "bob", HeartbeatAt: now.Add(-time.Second)}},
		"conn-c": {{UserID: "carol", HeartbeatAt: now.Add(-2 * time.Minute)}},
		"conn-d": {{UserID: "dave", HeartbeatAt: now.Add(-time.Second)}},
	}

	entries := Flatten(snapshot, now, 45*time.Second)
	require.Len(t, entries, 3)
	assert.Equal(t, "conn-b", entries[0].Key)
	assert.Equal(t, "conn-d", entries[1].Key)
	assert.Equal(t, "alice", entries[2].UserID)

	all := Flatten(snapshot, now, 0)
	assert.Len(t, all, 4)
}

func TestPruneAndQueries(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Key: "k1", UserID: "a", FieldKey: "/o::1", ModalScope: "order:1", HeartbeatAt: now},
		{Key: "k2", UserID: "b", FieldKey: "/o::1", HeartbeatAt: now.Add(-time.Hour)},
		{Key: "k3", UserID: "c", FieldKey: "/o::2", ModalScope: "order:1", HeartbeatAt: now},
	}
	pruned, changed := Prune(entries, now, time.Minute)
	assert.True(t, changed)
	assert.Len(t, pruned, 2)

	_, changed = Prune(pruned, now, time.Minute)
	assert.False(t, changed)

	assert.Len(t, EditorsOf(entries, "/o::1", "k1"), 1)
	assert.Len(t, InScope(entries, "order:1"), 2)
}

type recordingPublisher struct {
	mu     sync.Mutex
	inputs []Input
}

func (p *recordingPublisher) PublishPresence(_ string, in Input) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	return nil
}

func TestTrackerGraceWindow(t *testing.T) {
	mock := clock.NewMock()
	pub := &recordingPublisher{}
	tracker := NewTracker(TrackerOptions{
		WorkspaceID: "ws",
		UserID:      "alice",
		Publisher:   pub,
		Grace:       time.Second,
		Clock:       mock,
	})

	assert.False(t, tracker.IsLocalEditActive())
	tracker.Focus("/orders", "qty")
	assert.True(t, tracker.IsLocalEditActive())
	assert.Equal(t, "/orders::qty", tracker.FocusedFieldKey())

	mock.Add(10 * time.Second)
	assert.True(t, tracker.IsLocalEditActive(), "focus never expires")

	tracker.Blur()
	mock.Add(900 * time.Millisecond)
	assert.True(t, tracker.IsLocalEditActive())
	mock.Add(200 * time.Millisecond)
	assert.False(t, tracker.IsLocalEditActive())

	require.Len(t, pub.inputs, 2)
	assert.Equal(t, "/orders::qty", pub.inputs[0].FieldKey)
	assert.Equal(t, "", pub.inputs[1].FieldKey)
	assert.Equal(t, "/orders", pub.inputs[1].Route)
}

func TestTrackerBlurWithoutFocusIsNoop(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := NewTracker(TrackerOptions{WorkspaceID: "ws", Publisher: pub, Clock: clock.NewMock()})
	tracker.Blur()
	assert.Empty(t, pub.inputs)
	assert.True(t, tracker.LastBlur().IsZero())
}
