package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaystate/internal/channelhub"
	"github.com/agentworkforce/relaystate/internal/presence"
)

type fakeTransport struct {
	mu       sync.Mutex
	channels []*fakeChannel
	openErr  error
}

func (t *fakeTransport) Open(_ context.Context, workspaceID, key string, h Handler) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	ch := &fakeChannel{workspaceID: workspaceID, key: key, handler: h}
	t.channels = append(t.channels, ch)
	return ch, nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *fakeTransport) last() *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[len(t.channels)-1]
}

type fakeChannel struct {
	workspaceID string
	key         string
	handler     Handler

	mu         sync.Mutex
	tracked    []presence.Entry
	untracked  int
	broadcasts []BroadcastEvent
	closed     bool
}

func (c *fakeChannel) Track(_ context.Context, e presence.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, e)
	return nil
}

func (c *fakeChannel) Untrack(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untracked++
	return nil
}

func (c *fakeChannel) Broadcast(_ context.Context, event string, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, BroadcastEvent{Event: event, Payload: payload})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) trackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

func (c *fakeChannel) lastTracked() presence.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked[len(c.tracked)-1]
}

type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (l *stateLog) record(s ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState(nil), l.states...)
}

func (l *stateLog) last() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return ""
	}
	return l.states[len(l.states)-1]
}

func TestListenersShareOneChannelPerWorkspace(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(Options{Transport: transport, Clock: clock.NewMock()})

	var changesA, changesB int32
	unsubA := m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws", OnRemoteChange: func(ChangeEvent) { atomic.AddInt32(&changesA, 1) }})
	unsubB := m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws", OnRemoteChange: func(ChangeEvent) { atomic.AddInt32(&changesB, 1) }})
	require.Equal(t, 1, transport.count())

	ch := transport.last()
	ch.handler.OnStatus(ChannelSubscribed, nil)
	ch.handler.OnChange(ChangeEvent{EventType: "UPDATE"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&changesA))
	assert.Equal(t, int32(1), atomic.LoadInt32(&changesB))

	unsubA()
	unsubA()
	assert.False(t, ch.isClosed())
	ch.handler.OnChange(ChangeEvent{EventType: "UPDATE"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&changesA))
	assert.Equal(t, int32(2), atomic.LoadInt32(&changesB))

	unsubB()
	assert.True(t, ch.isClosed())
	assert.Equal(t, StateIdle, m.ConnectionState("ws"))

	// a late callback from the closed channel is ignored
	ch.handler.OnChange(ChangeEvent{EventType: "UPDATE"})
	assert.Equal(t, int32(2), atomic.LoadInt32(&changesB))
}

func TestFirstRequestedWorkspaceOwnsTheChannel(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(Options{Transport: transport, Clock: clock.NewMock()})

	logA, logB := &stateLog{}, &stateLog{}
	unsubA := m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws_a", OnConnectionState: logA.record})
	m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws_b", OnConnectionState: logB.record})

	require.Equal(t, 1, transport.count())
	assert.Equal(t, "ws_a", transport.last().workspaceID)
	assert.Equal(t, []ConnectionState{StateSubscribing}, logA.all())
	assert.Equal(t, []ConnectionState{StateIdle}, logB.all())

	unsubA()
	require.Equal(t, 2, transport.count())
	assert.Equal(t, "ws_b", transport.last().workspaceID)
	assert.Equal(t, StateSubscribing, logB.last())

	transport.last().handler.OnStatus(ChannelSubscribed, nil)
	assert.Equal(t, StateSubscribed, m.ConnectionState("ws_b"))
}

func TestListenerOrderSurvivesChurn(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(Options{Transport: transport, Clock: clock.NewMock()})

	unsubA := m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws_a"})
	for i := 0; i < 50; i++ {
		m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws_tmp"})()
	}
	m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws_c"})
	m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws_b"})

	m.mu.Lock()
	assert.Len(t, m.order, 3)
	m.mu.Unlock()

	// the earliest surviving registration is promoted next
	unsubA()
	assert.Equal(t, "ws_c", transport.last().workspaceID)
	m.mu.Lock()
	assert.Len(t, m.order, 2)
	m.mu.Unlock()
}

func TestConnectionStateMachineReconnects(t *testing.T) {
	mock := clock.NewMock()
	transport := &fakeTransport{}
	m := NewManager(Options{Transport: transport, Clock: mock, ReconnectBaseDelay: time.Second})
	log := &stateLog{}
	m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws", OnConnectionState: log.record})

	first := transport.last()
	first.handler.OnStatus(ChannelSubscribed, nil)
	first.handler.OnStatus(ChannelError, errors.New("boom"))
	assert.Equal(t, StateErrored, m.ConnectionState("ws"))

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, time.Millisecond)
	assert.True(t, first.isClosed())
	second := transport.last()
	second.handler.OnStatus(ChannelTimedOut, nil)
	assert.Equal(t, StateReconnecting, m.ConnectionState("ws"))

	// stale status from the first channel does not disturb the second
	first.handler.OnStatus(ChannelSubscribed, nil)
	assert.Equal(t, StateReconnecting, m.ConnectionState("ws"))

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return transport.count() == 3 }, time.Second, time.Millisecond)
	transport.last().handler.OnStatus(ChannelSubscribed, nil)

	assert.Equal(t, []ConnectionState{
		StateSubscribing, StateSubscribed, StateErrored,
		StateSubscribing, StateReconnecting,
		StateSubscribing, StateSubscribed,
	}, log.all())

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, log.last())
	assert.True(t, transport.last().isClosed())
}

func TestOpenFailureSchedulesReconnect(t *testing.T) {
	mock := clock.NewMock()
	transport := &fakeTransport{openErr: errors.New("dial refused")}
	m := NewManager(Options{Transport: transport, Clock: mock})
	log := &stateLog{}
	m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws", OnConnectionState: log.record})
	assert.Equal(t, StateErrored, m.ConnectionState("ws"))

	transport.mu.Lock()
	transport.openErr = nil
	transport.mu.Unlock()
	mock.Add(DefaultReconnectBaseDelay)
	require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, time.Millisecond)
}

func TestDisabledManagerStaysIdle(t *testing.T) {
	m := NewManager(Options{Disabled: true, Transport: &fakeTransport{}})
	log := &stateLog{}
	m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws", OnConnectionState: log.record})
	assert.Equal(t, []ConnectionState{StateIdle}, log.all())
	assert.ErrorIs(t, m.PublishWorkspaceBroadcast("ws", "lock", map[string]string{}), ErrNotSubscribed)
	assert.False(t, m.Enabled())
}

func TestPresenceTrackHeartbeatAndExpiry(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	transport := &fakeTransport{}
	m := NewManager(Options{Transport: transport, Clock: mock, HeartbeatInterval: 10 * time.Second})

	var mu sync.Mutex
	var lists [][]presence.Entry
	m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws", OnPresenceChange: func(e []presence.Entry) {
		mu.Lock()
		lists = append(lists, e)
		mu.Unlock()
	}})
	ch := transport.last()

	// stored before subscription, sent once subscribed
	assert.ErrorIs(t, m.PublishPresence("ws", presence.Input{UserID: "me", FieldKey: "/o::1"}), ErrNotSubscribed)
	ch.handler.OnStatus(ChannelSubscribed, nil)
	require.Equal(t, 1, ch.trackCount())
	started := ch.lastTracked().StartedAt

	mock.Add(5 * time.Second)
	require.NoError(t, m.PublishPresence("ws", presence.Input{UserID: "me", FieldKey: "/o::1"}))
	assert.Equal(t, started, ch.lastTracked().StartedAt, "same field keeps startedAt")
	require.NoError(t, m.PublishPresence("ws", presence.Input{UserID: "me", FieldKey: "/o::2"}))
	assert.True(t, ch.lastTracked().StartedAt.After(started))

	now := mock.Now()
	ch.handler.OnPresence(map[string][]presence.Entry{
		m.Key():  {{UserID: "me", HeartbeatAt: now}},
		"peer_1": {{UserID: "peer", HeartbeatAt: now.Add(-time.Second)}},
	})
	entries := m.Presence("ws")
	require.Len(t, entries, 2)
	assert.Equal(t, m.Key(), entries[0].Key)

	// no refresh from the peer for longer than 3 heartbeats
	tracksBefore := ch.trackCount()
	for i := 0; i < 4; i++ {
		mock.Add(10 * time.Second)
		want := tracksBefore + i + 1
		require.Eventually(t, func() bool { return ch.trackCount() >= want }, time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(m.Presence("ws")) == 0 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, lists[0], 2)
	assert.Empty(t, lists[len(lists)-1])
}

func TestClearPresenceUntracks(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(Options{Transport: transport, Clock: clock.NewMock()})
	m.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws"})
	ch := transport.last()
	ch.handler.OnStatus(ChannelSubscribed, nil)

	require.NoError(t, m.PublishPresence("ws", presence.Input{UserID: "me"}))
	require.NoError(t, m.ClearPresence("ws"))
	require.NoError(t, m.ClearPresence("ws"))
	assert.Equal(t, 1, ch.untracked)
}

func TestBroadcastRelayOverHub(t *testing.T) {
	hub := channelhub.NewHub(channelhub.HubOptions{})
	alice := NewManager(Options{Transport: NewHubTransport(hub)})
	bob := NewManager(Options{Transport: NewHubTransport(hub)})
	defer alice.Close()
	defer bob.Close()

	received := make(chan BroadcastEvent, 4)
	presenceSeen := make(chan []presence.Entry, 16)
	aliceLog, bobLog := &stateLog{}, &stateLog{}
	alice.SubscribeWorkspaceChanges(Subscription{WorkspaceID: "ws", OnConnectionState: aliceLog.record})
	bob.SubscribeWorkspaceChanges(Subscription{
		WorkspaceID:       "ws",
		OnConnectionState: bobLog.record,
		OnBroadcast:       func(ev BroadcastEvent) { received <- ev },
		OnPresenceChange:  func(e []presence.Entry) { presenceSeen <- e },
	})
	require.Eventually(t, func() bool {
		return aliceLog.last() == StateSubscribed && bobLog.last() == StateSubscribed
	}, time.Second, time.Millisecond)

	require.NoError(t, alice.PublishWorkspaceBroadcast("ws", "lock", map[string]string{"ownerUserId": "alice"}))
	select {
	case ev := <-received:
		assert.Equal(t, "lock", ev.Event)
		assert.JSONEq(t, `{"ownerUserId":"alice"}`, string(ev.Payload))
		assert.Equal(t, alice.Key(), ev.Key)
	case <-time.After(time.Second):
		t.Fatal("broadcast not relayed")
	}

	require.NoError(t, alice.PublishPresence("ws", presence.Input{UserID: "alice", FieldKey: "/orders::qty"}))
	require.Eventually(t, func() bool {
		for {
			select {
			case entries := <-presenceSeen:
				for _, e := range entries {
					if e.UserID == "alice" && e.Key == alice.Key() && e.FieldKey == "/orders::qty" {
						return true
					}
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	hub.PublishChange("ws", ChangeEvent{EventType: "UPDATE"})
}

func TestFallbackPollerIsIdempotent(t *testing.T) {
	mock := clock.NewMock()
	p := NewFallbackPoller(mock)
	var ticks int32
	assert.True(t, p.Start(time.Second, func() { atomic.AddInt32(&ticks, 1) }))
	assert.False(t, p.Start(time.Second, func() { atomic.AddInt32(&ticks, 100) }))
	assert.True(t, p.Running())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) == 1 }, time.Second, time.Millisecond)

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ticks))

	cancel := StartFallbackPolling(mock, time.Second, func() { atomic.AddInt32(&ticks, 1) })
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) == 2 }, time.Second, time.Millisecond)
	cancel()
	cancel()
}
