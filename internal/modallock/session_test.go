package modallock

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaystate/internal/channelhub"
	"github.com/agentworkforce/relaystate/internal/presence"
	"github.com/agentworkforce/relaystate/internal/realtime"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func TestElectEarliestThenSmallestUserID(t *testing.T) {
	assert.Equal(t, "", Elect(nil))
	assert.Equal(t, "bob", Elect([]Participant{
		{UserID: "carol", JoinedAt: t0.Add(time.Second)},
		{UserID: "bob", JoinedAt: t0},
	}))
	tie := []Participant{
		{UserID: "zed", JoinedAt: t0},
		{UserID: "amy", JoinedAt: t0},
		{UserID: "max", JoinedAt: t0},
	}
	assert.Equal(t, "amy", Elect(tie))
	// input order never matters
	assert.Equal(t, "amy", Elect([]Participant{tie[2], tie[0], tie[1]}))
	assert.Equal(t, "zed", tie[0].UserID)
}

type published struct {
	event   string
	payload json.RawMessage
}

type fakeChannel struct {
	mu   sync.Mutex
	sub  realtime.Subscription
	sent []published
}

func (c *fakeChannel) SubscribeWorkspaceChanges(sub realtime.Subscription) func() {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	if sub.OnConnectionState != nil {
		sub.OnConnectionState(realtime.StateSubscribed)
	}
	return func() {}
}

func (c *fakeChannel) PublishWorkspaceBroadcast(_, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{event: event, payload: raw})
	return nil
}

func (c *fakeChannel) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	sub.OnBroadcast(realtime.BroadcastEvent{Event: event, Payload: raw})
}

func (c *fakeChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, p := range c.sent {
		out = append(out, p.event)
	}
	return out
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func openFake(t *testing.T, mock *clock.Mock, userID string, joined time.Time) (*Session, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	s, err := Open(ch, Options{
		WorkspaceID: "ws",
		Scope:       "order:42",
		Self:        Participant{UserID: userID, DisplayName: userID, JoinedAt: joined},
		Clock:       mock,
	})
	require.NoError(t, err)
	return s, ch
}

func TestOpenValidatesOptions(t *testing.T) {
	_, err := Open(&fakeChannel{}, Options{Scope: "s", Self: Participant{UserID: "u"}})
	assert.Error(t, err)
	_, err = Open(&fakeChannel{}, Options{WorkspaceID: "ws", Self: Participant{UserID: "u"}})
	assert.Error(t, err)
	_, err = Open(&fakeChannel{}, Options{WorkspaceID: "ws", Scope: "s"})
	assert.Error(t, err)
	_, err = Open(nil, Options{WorkspaceID: "ws", Scope: "s", Self: Participant{UserID: "u"}})
	assert.Error(t, err)
}

func TestJoinRepliesAndOwnerAnnounces(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)
	s, ch := openFake(t, mock, "alice", t0)
	assert.Equal(t, []string{EventPresence}, ch.events())

	mock.Add(DefaultJoinSettle)
	require.Eventually(t, func() bool { return len(ch.events()) == 2 }, time.Second, time.Millisecond)
	assert.True(t, s.IsOwner())
	ch.reset()

	ch.deliver(t, EventPresence, presencePayload{Scope: "order:42", Action: "join", Participant: Participant{UserID: "bob", JoinedAt: t0.Add(time.Minute)}})
	assert.Equal(t, []string{EventPresence, EventLock}, ch.events())
	assert.Len(t, s.State().Roster, 2)

	// replies are not answered again
	ch.reset()
	ch.deliver(t, EventPresence, presencePayload{Scope: "order:42", Action: "join", Reply: true, Participant: Participant{UserID: "carol", JoinedAt: t0}})
	assert.Empty(t, ch.events())
	assert.Equal(t, "alice", s.State().OwnerUserID, "a late reply never re-elects")

	// other scopes are ignored
	ch.deliver(t, EventPresence, presencePayload{Scope: "order:7", Action: "join", Participant: Participant{UserID: "dan"}})
	assert.Len(t, s.State().Roster, 3)
}

func TestLeaveOrderAndReelection(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)
	s, ch := openFake(t, mock, "alice", t0)
	mock.Add(DefaultJoinSettle)
	require.Eventually(t, func() bool { return len(ch.events()) == 2 }, time.Second, time.Millisecond)
	require.True(t, s.IsOwner())

	require.NoError(t, s.PublishDraftPatch(map[string]any{"qty": 3}))
	ch.reset()
	require.NoError(t, s.Close())
	assert.Equal(t, []string{EventDraftClear, EventUnlock, EventPresence}, ch.events())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.TakeOver(), ErrClosed)

	// the cancelled draft never flushes
	mock.Add(time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Len(t, ch.events(), 3)

	viewer, vch := openFake(t, mock, "bob", t0.Add(time.Second))
	vch.deliver(t, EventPresence, presencePayload{Scope: "order:42", Action: "join", Participant: Participant{UserID: "alice", JoinedAt: t0}})
	vch.deliver(t, EventLock, lockPayload{Scope: "order:42", OwnerUserID: "alice", Since: t0})
	assert.Equal(t, RoleViewer, viewer.State().Role)
	assert.Equal(t, "alice is editing", viewer.State().Banner)

	vch.deliver(t, EventUnlock, unlockPayload{Scope: "order:42", UserID: "alice"})
	vch.deliver(t, EventPresence, presencePayload{Scope: "order:42", Action: "leave", Participant: Participant{UserID: "alice"}})
	assert.Equal(t, RoleEditor, viewer.State().Role)
	assert.Len(t, viewer.State().Roster, 1)
}

func TestLockOrderingConverges(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)
	s, ch := openFake(t, mock, "mia", t0)

	ch.deliver(t, EventLock, lockPayload{Scope: "order:42", OwnerUserID: "bob", Since: t0.Add(2 * time.Second)})
	assert.Equal(t, "bob", s.State().OwnerUserID)

	// an older claim arriving late is ignored
	ch.deliver(t, EventLock, lockPayload{Scope: "order:42", OwnerUserID: "amy", Since: t0.Add(time.Second)})
	assert.Equal(t, "bob", s.State().OwnerUserID)

	// equal time: larger user id wins
	ch.deliver(t, EventLock, lockPayload{Scope: "order:42", OwnerUserID: "carl", Since: t0.Add(2 * time.Second)})
	assert.Equal(t, "carl", s.State().OwnerUserID)
	ch.deliver(t, EventLock, lockPayload{Scope: "order:42", OwnerUserID: "bob", Since: t0.Add(2 * time.Second)})
	assert.Equal(t, "carl", s.State().OwnerUserID)

	// a takeover is adopted on receipt even when stamped earlier
	ch.deliver(t, EventLock, lockPayload{Scope: "order:42", OwnerUserID: "amy", Action: actionTakeover, Since: t0})
	assert.Equal(t, "amy", s.State().OwnerUserID)
}

func TestTakeOverWinsDespiteClockSkew(t *testing.T) {
	hub := channelhub.NewHub(channelhub.HubOptions{})
	aliceClock := clock.NewMock()
	aliceClock.Set(t0)
	bobClock := clock.NewMock()
	bobClock.Set(t0.Add(-10 * time.Second))

	aliceMgr := newHubManager(t, hub)
	alice, err := Open(aliceMgr, Options{
		WorkspaceID: "ws", Scope: "order:42", Clock: aliceClock,
		Self: Participant{UserID: "alice", DisplayName: "Alice", JoinedAt: t0},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return aliceMgr.ConnectionState("ws") == realtime.StateSubscribed }, time.Second, time.Millisecond)
	aliceClock.Add(DefaultJoinSettle)
	require.Eventually(t, alice.IsOwner, time.Second, time.Millisecond)

	bobMgr := newHubManager(t, hub)
	bob, err := Open(bobMgr, Options{
		WorkspaceID: "ws", Scope: "order:42", Clock: bobClock,
		Self: Participant{UserID: "bob", DisplayName: "Bob", JoinedAt: t0.Add(time.Second)},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.State().OwnerUserID == "alice" }, time.Second, time.Millisecond)

	require.NoError(t, bob.TakeOver())
	require.Eventually(t, func() bool {
		return alice.State().OwnerUserID == "bob" && bob.State().OwnerUserID == "bob"
	}, time.Second, time.Millisecond)
	assert.Equal(t, RoleViewer, alice.State().Role)
	assert.Equal(t, "Bob is editing", alice.State().Banner)
	assert.Equal(t, RoleEditor, bob.State().Role)
}

func TestPruneStaleParticipants(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(t0)
	s, ch := openFake(t, mock, "zoe", t0.Add(time.Second))
	ch.deliver(t, EventPresence, presencePayload{Scope: "order:42", Action: "join", Participant: Participant{UserID: "adam", JoinedAt: t0}})
	ch.deliver(t, EventLock, lockPayload{Scope: "order:42", OwnerUserID: "adam", Since: t0})
	require.Equal(t, "adam", s.State().OwnerUserID)

	s.PruneStale(nil)
	assert.Equal(t, "adam", s.State().OwnerUserID, "recent joiners are kept")

	mock.Add(time.Minute)
	s.PruneStale([]presence.Entry{{UserID: "adam", ModalScope: "order:42"}})
	assert.Equal(t, "adam", s.State().OwnerUserID, "live presence keeps a participant")

	ch.reset()
	s.PruneStale([]presence.Entry{{UserID: "adam", ModalScope: "other"}})
	assert.Equal(t, "zoe", s.State().OwnerUserID)
	assert.Equal(t, []string{EventLock}, ch.events())
}

func newHubManager(t *testing.T, hub *channelhub.Hub) *realtime.Manager {
	t.Helper()
	m := realtime.NewManager(realtime.Options{Transport: realtime.NewHubTransport(hub)})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type draftLog struct {
	mu      sync.Mutex
	patches []map[string]any
	clears  int
}

func (d *draftLog) onDraft(_ string, patch map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patches = append(d.patches, patch)
}

func (d *draftLog) onClear(string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clears++
}

func (d *draftLog) snapshot() ([]map[string]any, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]map[string]any(nil), d.patches...), d.clears
}

func TestCollaborationOverRealtimeChannel(t *testing.T) {
	hub := channelhub.NewHub(channelhub.HubOptions{})
	mock := clock.NewMock()
	mock.Set(t0)

	aliceMgr := newHubManager(t, hub)
	alice, err := Open(aliceMgr, Options{
		WorkspaceID: "ws", Scope: "order:42", Clock: mock,
		Self: Participant{UserID: "alice", DisplayName: "Alice", JoinedAt: t0},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return aliceMgr.ConnectionState("ws") == realtime.StateSubscribed }, time.Second, time.Millisecond)
	mock.Add(DefaultJoinSettle)
	require.Eventually(t, alice.IsOwner, time.Second, time.Millisecond)

	bobDrafts := &draftLog{}
	bobMgr := newHubManager(t, hub)
	bob, err := Open(bobMgr, Options{
		WorkspaceID: "ws", Scope: "order:42", Clock: mock,
		Self:         Participant{UserID: "bob", DisplayName: "Bob", JoinedAt: t0.Add(time.Second)},
		OnDraft:      bobDrafts.onDraft,
		OnDraftClear: bobDrafts.onClear,
	})
	require.NoError(t, err)

	// the latecomer adopts the existing owner before its own settle window ends
	require.Eventually(t, func() bool { return bob.State().OwnerUserID == "alice" }, time.Second, time.Millisecond)
	assert.Equal(t, RoleViewer, bob.State().Role)
	assert.Equal(t, "Alice is editing", bob.State().Banner)
	require.Eventually(t, func() bool { return len(alice.State().Roster) == 2 }, time.Second, time.Millisecond)
	mock.Add(DefaultJoinSettle)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, "alice", bob.State().OwnerUserID)

	// coalesced draft relay
	require.NoError(t, alice.PublishDraftPatch(map[string]any{"qty": 1}))
	require.NoError(t, alice.PublishDraftPatch(map[string]any{"note": "rush"}))
	require.NoError(t, alice.PublishDraftPatch(map[string]any{"qty": 2}))
	mock.Add(DefaultDraftFlushDelay)
	require.Eventually(t, func() bool { p, _ := bobDrafts.snapshot(); return len(p) == 1 }, time.Second, time.Millisecond)
	patches, _ := bobDrafts.snapshot()
	assert.Equal(t, map[string]any{"qty": float64(2), "note": "rush"}, patches[0])

	// the last takeover delivered wins everywhere
	require.NoError(t, bob.TakeOver())
	require.Eventually(t, func() bool {
		return alice.State().OwnerUserID == "bob" && bob.State().OwnerUserID == "bob"
	}, time.Second, time.Millisecond)
	assert.Equal(t, RoleViewer, alice.State().Role)

	require.NoError(t, alice.TakeOver())
	require.Eventually(t, func() bool { return bob.State().OwnerUserID == "alice" }, time.Second, time.Millisecond)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		_, clears := bobDrafts.snapshot()
		return clears == 1 && bob.IsOwner() && len(bob.State().Roster) == 1
	}, time.Second, time.Millisecond)
}
