package channelhub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/logging"
)

// Sink receives frames for one member. Deliver must not block and must not
// call back into the hub.
type Sink interface {
	Deliver(Message)
}

type HubOptions struct {
	Broker Broker
	Clock  clock.Clock
	// StaleAfter expires presence relayed from other instances that stopped
	// refreshing. Zero keeps it until an explicit untrack.
	StaleAfter time.Duration
	Logger     logrus.FieldLogger
}

// Hub holds one room per workspace.
type Hub struct {
	instanceID string
	broker     Broker
	clock      clock.Clock
	staleAfter time.Duration
	logger     logrus.FieldLogger

	mu    sync.Mutex
	rooms map[string]*room

	deliverMu sync.Mutex
}

type room struct {
	members  map[string]*Member
	presence map[string]presenceSlot
}

type presenceSlot struct {
	payload  json.RawMessage
	lastSeen time.Time
	remote   bool
}

type Member struct {
	hub         *Hub
	workspaceID string
	key         string
	sink        Sink

	mu     sync.Mutex
	closed bool
}

type delivery struct {
	sink Sink
	msg  Message
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		instanceID: "hub_" + uuid.NewString(),
		broker:     opts.Broker,
		clock:      opts.Clock,
		staleAfter: opts.StaleAfter,
		logger:     opts.Logger,
		rooms:      make(map[string]*room),
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	if h.logger == nil {
		h.logger = logging.NewLogger("channelhub")
	}
	return h
}

// Join adds a member under key (a fresh one when empty) and sends it the
// subscribed ack followed by the current presence state.
func (h *Hub) Join(workspaceID, key string, sink Sink) *Member {
	if key == "" {
		key = "conn_" + uuid.NewString()
	}
	m := &Member{hub: h, workspaceID: workspaceID, key: key, sink: sink}

	h.mu.Lock()
	r := h.roomLocked(workspaceID)
	if previous, ok := r.members[key]; ok {
		previous.markClosed()
	}
	r.members[key] = m
	state := r.presenceStateLocked()
	h.deliverMu.Lock()
	h.mu.Unlock()

	sink.Deliver(Message{Type: TypeSubscribed, Key: key})
	sink.Deliver(Message{Type: TypePresenceState, Presence: state})
	h.deliverMu.Unlock()
	return m
}

func (m *Member) Key() string { return m.key }

func (m *Member) WorkspaceID() string { return m.workspaceID }

// Track replaces this member's presence payload and pushes the new state to
// the whole room.
func (m *Member) Track(payload json.RawMessage) {
	if m.isClosed() {
		return
	}
	h := m.hub
	h.applyTrack(m.workspaceID, m.key, payload, false)
	h.publish(m.workspaceID, Message{Type: TypeTrack, Key: m.key, Payload: payload})
}

func (m *Member) Untrack() {
	if m.isClosed() {
		return
	}
	h := m.hub
	if h.applyUntrack(m.workspaceID, m.key) {
		h.publish(m.workspaceID, Message{Type: TypeUntrack, Key: m.key})
	}
}

// Broadcast relays an event to every other member of the room.
func (m *Member) Broadcast(event string, payload json.RawMessage) {
	if m.isClosed() {
		return
	}
	msg := Message{Type: TypeBroadcast, Event: event, Key: m.key, Payload: payload}
	m.hub.fanOut(m.workspaceID, msg, m.key)
	m.hub.publish(m.workspaceID, msg)
}

// Leave removes the member and its presence.
func (m *Member) Leave() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	h := m.hub
	h.mu.Lock()
	r, ok := h.rooms[m.workspaceID]
	if !ok || r.members[m.key] != m {
		h.mu.Unlock()
		return
	}
	delete(r.members, m.key)
	_, tracked := r.presence[m.key]
	delete(r.presence, m.key)
	var deliveries []delivery
	if tracked {
		deliveries = r.presenceDeliveriesLocked()
	}
	if len(r.members) == 0 && len(r.presence) == 0 {
		delete(h.rooms, m.workspaceID)
	}
	h.deliverMu.Lock()
	h.mu.Unlock()
	deliver(deliveries)
	h.deliverMu.Unlock()

	if tracked {
		h.publish(m.workspaceID, Message{Type: TypeUntrack, Key: m.key})
	}
}

func (m *Member) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Member) markClosed() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// PublishChange notifies every member of workspaceID about an accepted write.
func (h *Hub) PublishChange(workspaceID string, change ChangeEvent) {
	msg := Message{Type: TypeChange, Change: &change}
	h.fanOut(workspaceID, msg, "")
	h.publish(workspaceID, msg)
}

// Sweep drops relayed presence that has not been refreshed within StaleAfter.
func (h *Hub) Sweep() int {
	if h.staleAfter <= 0 {
		return 0
	}
	cutoff := h.clock.Now().Add(-h.staleAfter)
	dropped := 0

	h.mu.Lock()
	var deliveries []delivery
	for workspaceID, r := range h.rooms {
		changed := false
		for key, slot := range r.presence {
			if slot.remote && slot.lastSeen.Before(cutoff) {
				delete(r.presence, key)
				changed = true
				dropped++
			}
		}
		if changed {
			deliveries = append(deliveries, r.presenceDeliveriesLocked()...)
		}
		if len(r.members) == 0 && len(r.presence) == 0 {
			delete(h.rooms, workspaceID)
		}
	}
	h.deliverMu.Lock()
	h.mu.Unlock()
	deliver(deliveries)
	h.deliverMu.Unlock()
	return dropped
}

// Run consumes the broker, if any, and sweeps stale presence until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	if h.broker != nil {
		go func() {
			errCh <- h.broker.Subscribe(ctx, h.handleEnvelope)
		}()
	}
	interval := h.staleAfter / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return err
			}
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Stats reports active rooms and local members.
func (h *Hub) Stats() (rooms, members int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		rooms++
		members += len(r.members)
	}
	return rooms, members
}

func (h *Hub) handleEnvelope(env Envelope) {
	if env.Origin == h.instanceID {
		return
	}
	msg := env.Message
	switch msg.Type {
	case TypeTrack:
		h.applyTrack(env.WorkspaceID, msg.Key, msg.Payload, true)
	case TypeUntrack:
		h.applyUntrack(env.WorkspaceID, msg.Key)
	case TypeBroadcast, TypeChange:
		h.fanOut(env.WorkspaceID, msg, "")
	default:
		h.logger.Debugf("ignoring relayed %q message", msg.Type)
	}
}

func (h *Hub) applyTrack(workspaceID, key string, payload json.RawMessage, remote bool) {
	h.mu.Lock()
	r := h.roomLocked(workspaceID)
	r.presence[key] = presenceSlot{payload: append(json.RawMessage(nil), payload...), lastSeen: h.clock.Now(), remote: remote}
	deliveries := r.presenceDeliveriesLocked()
	h.deliverMu.Lock()
	h.mu.Unlock()
	deliver(deliveries)
	h.deliverMu.Unlock()
}

func (h *Hub) applyUntrack(workspaceID, key string) bool {
	h.mu.Lock()
	r, ok := h.rooms[workspaceID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, tracked := r.presence[key]; !tracked {
		h.mu.Unlock()
		return false
	}
	delete(r.presence, key)
	deliveries := r.presenceDeliveriesLocked()
	h.deliverMu.Lock()
	h.mu.Unlock()
	deliver(deliveries)
	h.deliverMu.Unlock()
	return true
}

func (h *Hub) fanOut(workspaceID string, msg Message, excludeKey string) {
	h.mu.Lock()
	r, ok := h.rooms[workspaceID]
	if !ok {
		h.mu.Unlock()
		return
	}
	deliveries := make([]delivery, 0, len(r.members))
	for key, m := range r.members {
		if key == excludeKey {
			continue
		}
		deliveries = append(deliveries, delivery{sink: m.sink, msg: msg})
	}
	h.deliverMu.Lock()
	h.mu.Unlock()
	deliver(deliveries)
	h.deliverMu.Unlock()
}

func (h *Hub) publish(workspaceID string, msg Message) {
	if h.broker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.broker.Publish(ctx, Envelope{Origin: h.instanceID, WorkspaceID: workspaceID, Message: msg}); err != nil {
		h.logger.WithError(err).WithField("workspace", workspaceID).Warn("broker publish failed")
	}
}

func (h *Hub) roomLocked(workspaceID string) *room {
	r, ok := h.rooms[workspaceID]
	if !ok {
		r = &room{members: make(map[string]*Member), presence: make(map[string]presenceSlot)}
		h.rooms[workspaceID] = r
	}
	return r
}

func (r *room) presenceStateLocked() map[string][]json.RawMessage {
	state := make(map[string][]json.RawMessage, len(r.presence))
	for key, slot := range r.presence {
		state[key] = []json.RawMessage{slot.payload}
	}
	return state
}

func (r *room) presenceDeliveriesLocked() []delivery {
	state := r.presenceStateLocked()
	out := make([]delivery, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, delivery{sink: m.sink, msg: Message{Type: TypePresenceState, Presence: state}})
	}
	return out
}

func deliver(deliveries []delivery) {
	for _, d := range deliveries {
		d.sink.Deliver(d.msg)
	}
}
