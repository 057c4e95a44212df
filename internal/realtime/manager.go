package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/presence"
)

// ConnectionState is the lifecycle of the manager's physical channel as seen
// by one workspace.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateSubscribing  ConnectionState = "subscribing"
	StateSubscribed   ConnectionState = "subscribed"
	StateReconnecting ConnectionState = "reconnecting"
	StateClosed       ConnectionState = "closed"
	StateErrored      ConnectionState = "errored"
)

const (
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultReconnectBaseDelay = time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	publishTimeout            = 5 * time.Second
)

// Subscription registers interest in one workspace. Any callback may be nil.
type Subscription struct {
	WorkspaceID       string
	OnRemoteChange    func(ChangeEvent)
	OnConnectionState func(ConnectionState)
	OnPresenceChange  func([]presence.Entry)
	OnBroadcast       func(BroadcastEvent)
}

type Options struct {
	Transport Transport
	// Disabled keeps every workspace idle so callers fall back to polling.
	Disabled           bool
	Clock              clock.Clock
	HeartbeatInterval  time.Duration
	PresenceStaleAfter time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Logger             logrus.FieldLogger
}

// Manager multiplexes workspace listeners onto a single physical channel.
// The first workspace requested owns the channel until its last listener
// leaves; listeners of any other workspace stay idle until then.
type Manager struct {
	transport      Transport
	disabled       bool
	clock          clock.Clock
	heartbeatEvery time.Duration
	staleAfter     time.Duration
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	logger         logrus.FieldLogger
	key            string

	mu        sync.Mutex
	listeners map[int]Subscription
	// order holds live listener ids in registration order.
	order     []int
	nextID    int
	active    *session
	gen       int
	self      map[string]presence.Entry
	closed    bool
}

type session struct {
	workspaceID string
	gen         int
	channel     Channel
	state       ConnectionState
	attempts    int
	snapshot    map[string][]presence.Entry
	entries     []presence.Entry
	heartbeat   *clock.Timer
	reconnect   *clock.Timer
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		transport:      opts.Transport,
		disabled:       opts.Disabled || opts.Transport == nil,
		clock:          opts.Clock,
		heartbeatEvery: opts.HeartbeatInterval,
		staleAfter:     opts.PresenceStaleAfter,
		reconnectBase:  opts.ReconnectBaseDelay,
		reconnectMax:   opts.ReconnectMaxDelay,
		logger:         opts.Logger,
		key:            "conn_" + uuid.NewString(),
		listeners:      make(map[int]Subscription),
		self:           make(map[string]presence.Entry),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.heartbeatEvery <= 0 {
		m.heartbeatEvery = DefaultHeartbeatInterval
	}
	if m.staleAfter == 0 {
		m.staleAfter = 3 * m.heartbeatEvery
	}
	if m.reconnectBase <= 0 {
		m.reconnectBase = DefaultReconnectBaseDelay
	}
	if m.reconnectMax <= 0 {
		m.reconnectMax = DefaultReconnectMaxDelay
	}
	if m.logger == nil {
		m.logger = logging.NewLogger("realtime")
	}
	return m
}

// Key is this manager's per-connection presence key.
func (m *Manager) Key() string { return m.key }

func (m *Manager) Enabled() bool { return !m.disabled }

// SubscribeWorkspaceChanges registers sub and returns its idempotent
// unsubscribe. The current connection state is reported immediately.
func (m *Manager) SubscribeWorkspaceChanges(sub Subscription) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if sub.OnConnectionState != nil {
			sub.OnConnectionState(StateClosed)
		}
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = sub
	m.order = append(m.order, id)
	p := m.reconcileLocked()
	state := m.stateLocked(sub.WorkspaceID)
	var entries []presence.Entry
	if m.active != nil && m.active.workspaceID == sub.WorkspaceID {
		entries = append(entries, m.active.entries...)
	}
	// the new listener gets its own initial report below
	p.notes = withoutListener(p.notes, id)
	m.mu.Unlock()

	if sub.OnConnectionState != nil {
		sub.OnConnectionState(state)
	}
	if sub.OnPresenceChange != nil && len(entries) > 0 {
		sub.OnPresenceChange(entries)
	}
	m.execute(p)

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(id) })
	}
}

func (m *Manager) unsubscribe(id int) {
	m.mu.Lock()
	if _, ok := m.listeners[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.listeners, id)
	m.order = removeID(m.order, id)
	p := m.reconcileLocked()
	m.mu.Unlock()
	m.execute(p)
}

// ConnectionState reports the state a listener of workspaceID would see.
func (m *Manager) ConnectionState(workspaceID string) ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(workspaceID)
}

// Presence returns the last flattened presence list for workspaceID.
func (m *Manager) Presence(workspaceID string) []presence.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.workspaceID != workspaceID {
		return nil
	}
	return append([]presence.Entry(nil), m.active.entries...)
}

// PublishPresence tracks this connection on workspaceID. The payload is kept
// and re-sent by the heartbeat and after every resubscribe, so an
// ErrNotSubscribed result is not fatal.
func (m *Manager) PublishPresence(workspaceID string, in presence.Input) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	now := m.clock.Now().UTC()
	entry := presence.Entry{
		UserID:      in.UserID,
		UserEmail:   in.UserEmail,
		FieldKey:    in.FieldKey,
		Route:       in.Route,
		ModalScope:  in.ModalScope,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	if prev, ok := m.self[workspaceID]; ok && prev.FieldKey == in.FieldKey && !prev.StartedAt.IsZero() {
		entry.StartedAt = prev.StartedAt
	}
	m.self[workspaceID] = entry
	ch := m.liveChannelLocked(workspaceID)
	m.mu.Unlock()

	if ch == nil {
		return ErrNotSubscribed
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return ch.Track(ctx, entry)
}

// ClearPresence stops announcing this connection on workspaceID.
func (m *Manager) ClearPresence(workspaceID string) error {
	m.mu.Lock()
	_, had := m.self[workspaceID]
	delete(m.self, workspaceID)
	ch := m.liveChannelLocked(workspaceID)
	m.mu.Unlock()

	if !had || ch == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return ch.Untrack(ctx)
}

// PublishWorkspaceBroadcast sends a best-effort event to the other
// participants of workspaceID. Nothing is queued when not subscribed.
func (m *Manager) PublishWorkspaceBroadcast(workspaceID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	ch := m.liveChannelLocked(workspaceID)
	m.mu.Unlock()
	if ch == nil {
		return ErrNotSubscribed
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := ch.Broadcast(ctx, event, raw); err != nil {
		m.logger.WithError(err).WithField("event", event).Debug("broadcast failed")
		return err
	}
	return nil
}

// Close tears the channel down and reports closed to every listener.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var p plan
	if m.active != nil {
		p.closeChannel = m.teardownLocked()
	}
	for id, sub := range m.listeners {
		p.notes = append(p.notes, stateNote(id, sub, StateClosed))
	}
	m.listeners = make(map[int]Subscription)
	m.order = nil
	m.mu.Unlock()
	m.execute(p)
	return nil
}

type note struct {
	listenerID int
	fn         func()
}

type plan struct {
	notes        []note
	closeChannel Channel
	open         *session
	openGen      int
	track        *presence.Entry
	trackOn      Channel
}

func stateNote(id int, sub Subscription, state ConnectionState) note {
	cb := sub.OnConnectionState
	return note{listenerID: id, fn: func() {
		if cb != nil {
			cb(state)
		}
	}}
}

func withoutListener(notes []note, id int) []note {
	out := notes[:0]
	for _, n := range notes {
		if n.listenerID != id {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) execute(p plan) {
	if p.closeChannel != nil {
		if err := p.closeChannel.Close(); err != nil {
			m.logger.WithError(err).Debug("close channel")
		}
	}
	for _, n := range p.notes {
		n.fn()
	}
	if p.trackOn != nil && p.track != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.trackOn.Track(ctx, *p.track); err != nil {
			m.logger.WithError(err).Debug("presence track failed")
		}
		cancel()
	}
	if p.open != nil {
		m.open(p.open, p.openGen)
	}
}

// reconcileLocked keeps the active channel while its workspace has
// listeners, otherwise promotes the earliest requested workspace.
func (m *Manager) reconcileLocked() plan {
	var p plan
	if m.closed || m.disabled {
		return p
	}
	if m.active != nil {
		if m.hasListenersLocked(m.active.workspaceID) {
			return p
		}
		p.closeChannel = m.teardownLocked()
	}
	workspaceID := m.earliestWorkspaceLocked()
	if workspaceID == "" {
		return p
	}
	m.gen++
	sess := &session{workspaceID: workspaceID, gen: m.gen, state: StateSubscribing}
	m.active = sess
	p.notes = append(p.notes, m.stateNotesLocked(workspaceID, StateSubscribing)...)
	p.open = sess
	p.openGen = sess.gen
	return p
}

func (m *Manager) teardownLocked() Channel {
	sess := m.active
	m.active = nil
	m.stopTimersLocked(sess)
	ch := sess.channel
	sess.channel = nil
	return ch
}

func (m *Manager) stopTimersLocked(sess *session) {
	if sess.heartbeat != nil {
		sess.heartbeat.Stop()
		sess.heartbeat = nil
	}
	if sess.reconnect != nil {
		sess.reconnect.Stop()
		sess.reconnect = nil
	}
}

func (m *Manager) open(sess *session, gen int) {
	ch, err := m.transport.Open(context.Background(), sess.workspaceID, m.key, m.handlerFor(sess, gen))

	m.mu.Lock()
	if m.active != sess || sess.gen != gen {
		m.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		m.logger.WithError(err).WithField("workspace", sess.workspaceID).Warn("open realtime channel failed")
		p := m.scheduleReconnectLocked(sess, StateErrored)
		m.mu.Unlock()
		m.execute(p)
		return
	}
	sess.channel = ch
	var p plan
	if sess.state == StateSubscribed {
		p = m.retrackLocked(sess)
	}
	m.mu.Unlock()
	m.execute(p)
}

func (m *Manager) handlerFor(sess *session, gen int) Handler {
	return Handler{
		OnStatus: func(status ChannelStatus, err error) {
			m.onStatus(sess, gen, status, err)
		},
		OnChange: func(ev ChangeEvent) {
			for _, fn := range m.callbacks(sess, gen, func(s Subscription) func() {
				if s.OnRemoteChange == nil {
					return nil
				}
				return func() { s.OnRemoteChange(ev) }
			}) {
				fn()
			}
		},
		OnPresence: func(snapshot map[string][]presence.Entry) {
			m.onPresence(sess, gen, snapshot)
		},
		OnBroadcast: func(ev BroadcastEvent) {
			for _, fn := range m.callbacks(sess, gen, func(s Subscription) func() {
				if s.OnBroadcast == nil {
					return nil
				}
				return func() { s.OnBroadcast(ev) }
			}) {
				fn()
			}
		},
	}
}

func (m *Manager) currentLocked(sess *session, gen int) bool {
	return !m.closed && m.active == sess && sess.gen == gen
}

func (m *Manager) callbacks(sess *session, gen int, pick func(Subscription) func()) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(sess, gen) {
		return nil
	}
	var out []func()
	for _, id := range m.listenerIDsLocked() {
		sub := m.listeners[id]
		if sub.WorkspaceID != sess.workspaceID {
			continue
		}
		if fn := pick(sub); fn != nil {
			out = append(out, fn)
		}
	}
	return out
}

func (m *Manager) onStatus(sess *session, gen int, status ChannelStatus, err error) {
	m.mu.Lock()
	if !m.currentLocked(sess, gen) {
		m.mu.Unlock()
		return
	}
	var p plan
	log := m.logger.WithField("workspace", sess.workspaceID).WithField("status", status.String())
	switch status {
	case ChannelSubscribed:
		if sess.reconnect != nil {
			sess.reconnect.Stop()
			sess.reconnect = nil
		}
		sess.attempts = 0
		if sess.state != StateSubscribed {
			sess.state = StateSubscribed
			p.notes = m.stateNotesLocked(sess.workspaceID, StateSubscribed)
		}
		m.startHeartbeatLocked(sess, gen)
		retrack := m.retrackLocked(sess)
		p.track, p.trackOn = retrack.track, retrack.trackOn
		log.Debug("realtime channel subscribed")
	case ChannelTimedOut, ChannelClosed:
		log.WithError(err).Info("realtime channel lost, reconnecting")
		p = m.scheduleReconnectLocked(sess, StateReconnecting)
	case ChannelError:
		log.WithError(err).Warn("realtime channel error")
		p = m.scheduleReconnectLocked(sess, StateErrored)
	}
	m.mu.Unlock()
	m.execute(p)
}

func (m *Manager) retrackLocked(sess *session) plan {
	entry, ok := m.self[sess.workspaceID]
	if !ok || sess.channel == nil {
		return plan{}
	}
	entry.HeartbeatAt = m.clock.Now().UTC()
	m.self[sess.workspaceID] = entry
	return plan{track: &entry, trackOn: sess.channel}
}

func (m *Manager) scheduleReconnectLocked(sess *session, state ConnectionState) plan {
	var p plan
	if sess.heartbeat != nil {
		sess.heartbeat.Stop()
		sess.heartbeat = nil
	}
	if sess.state != state {
		sess.state = state
		p.notes = m.stateNotesLocked(sess.workspaceID, state)
	}
	if sess.reconnect != nil {
		return p
	}
	delay := m.reconnectDelay(sess.attempts)
	sess.attempts++
	gen := sess.gen
	sess.reconnect = m.clock.AfterFunc(delay, func() { m.reopen(sess, gen) })
	return p
}

func (m *Manager) reconnectDelay(attempts int) time.Duration {
	delay := m.reconnectBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= m.reconnectMax {
			return m.reconnectMax
		}
	}
	return delay
}

func (m *Manager) reopen(sess *session, gen int) {
	m.mu.Lock()
	if !m.currentLocked(sess, gen) {
		m.mu.Unlock()
		return
	}
	sess.reconnect = nil
	var p plan
	p.closeChannel = sess.channel
	sess.channel = nil
	m.gen++
	sess.gen = m.gen
	sess.state = StateSubscribing
	p.notes = m.stateNotesLocked(sess.workspaceID, StateSubscribing)
	p.open = sess
	p.openGen = sess.gen
	m.mu.Unlock()
	m.execute(p)
}

func (m *Manager) onPresence(sess *session, gen int, snapshot map[string][]presence.Entry) {
	m.mu.Lock()
	if !m.currentLocked(sess, gen) {
		m.mu.Unlock()
		return
	}
	sess.snapshot = snapshot
	sess.entries = presence.Flatten(snapshot, m.clock.Now(), m.staleAfter)
	fns := m.presenceNotesLocked(sess)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *Manager) presenceNotesLocked(sess *session) []func() {
	var out []func()
	for _, id := range m.listenerIDsLocked() {
		sub := m.listeners[id]
		if sub.WorkspaceID != sess.workspaceID || sub.OnPresenceChange == nil {
			continue
		}
		entries := append([]presence.Entry(nil), sess.entries...)
		cb := sub.OnPresenceChange
		out = append(out, func() { cb(entries) })
	}
	return out
}

func (m *Manager) startHeartbeatLocked(sess *session, gen int) {
	if sess.heartbeat != nil {
		sess.heartbeat.Stop()
	}
	sess.heartbeat = m.clock.AfterFunc(m.heartbeatEvery, func() { m.beat(sess, gen) })
}

// beat re-tracks our payload with a fresh heartbeat and expires peers that
// stopped sending theirs.
func (m *Manager) beat(sess *session, gen int) {
	m.mu.Lock()
	if !m.currentLocked(sess, gen) || sess.state != StateSubscribed {
		m.mu.Unlock()
		return
	}
	p := m.retrackLocked(sess)
	var fns []func()
	if pruned, changed := presence.Prune(sess.entries, m.clock.Now(), m.staleAfter); changed {
		sess.entries = pruned
		fns = m.presenceNotesLocked(sess)
	}
	sess.heartbeat = m.clock.AfterFunc(m.heartbeatEvery, func() { m.beat(sess, gen) })
	m.mu.Unlock()

	m.execute(p)
	for _, fn := range fns {
		fn()
	}
}

func (m *Manager) liveChannelLocked(workspaceID string) Channel {
	if m.closed || m.active == nil || m.active.workspaceID != workspaceID || m.active.state != StateSubscribed {
		return nil
	}
	return m.active.channel
}

func (m *Manager) stateLocked(workspaceID string) ConnectionState {
	switch {
	case m.closed:
		return StateClosed
	case m.active != nil && m.active.workspaceID == workspaceID:
		return m.active.state
	default:
		return StateIdle
	}
}

func (m *Manager) stateNotesLocked(workspaceID string, state ConnectionState) []note {
	var out []note
	for _, id := range m.listenerIDsLocked() {
		sub := m.listeners[id]
		if sub.WorkspaceID == workspaceID {
			out = append(out, stateNote(id, sub, state))
		}
	}
	return out
}

func (m *Manager) hasListenersLocked(workspaceID string) bool {
	for _, sub := range m.listeners {
		if sub.WorkspaceID == workspaceID {
			return true
		}
	}
	return false
}

func (m *Manager) earliestWorkspaceLocked() string {
	if len(m.order) == 0 {
		return ""
	}
	return m.listeners[m.order[0]].WorkspaceID
}

func (m *Manager) listenerIDsLocked() []int {
	return append([]int(nil), m.order...)
}

func removeID(ids []int, id int) []int {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
