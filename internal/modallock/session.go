package modallock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/presence"
	"github.com/agentworkforce/relaystate/internal/realtime"
)

const (
	EventPresence   = "presence"
	EventLock       = "lock"
	EventUnlock     = "unlock"
	EventDraftPatch = "draft_patch"
	EventDraftClear = "draft_clear"
)

const (
	DefaultDraftFlushDelay = 150 * time.Millisecond
	DefaultJoinSettle      = 400 * time.Millisecond
	DefaultStaleAfter      = 45 * time.Second
)

type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

const actionTakeover = "takeover"

var ErrClosed = errors.New("modal session closed")

// Channel is the slice of realtime.Manager a session needs.
type Channel interface {
	SubscribeWorkspaceChanges(sub realtime.Subscription) func()
	PublishWorkspaceBroadcast(workspaceID, event string, payload any) error
}

type State struct {
	Scope       string
	OwnerUserID string
	Role        Role
	Roster      []Participant
	// Banner is the advisory text shown to viewers.
	Banner string
}

type Options struct {
	WorkspaceID string
	Scope       string
	Self        Participant
	Clock       clock.Clock
	// DraftFlushDelay coalesces draft patches into one broadcast.
	DraftFlushDelay time.Duration
	// JoinSettle is how long a newcomer waits for an existing owner to
	// announce itself before running an election.
	JoinSettle time.Duration
	// PruneWithPresence drops roster members missing from presence for
	// longer than StaleAfter.
	PruneWithPresence bool
	StaleAfter        time.Duration
	OnChange          func(State)
	OnDraft           func(fromUserID string, patch map[string]any)
	OnDraftClear      func(fromUserID string)
	Logger            logrus.FieldLogger
}

type presencePayload struct {
	Scope       string      `json:"scope"`
	Action      string      `json:"action"`
	Reply       bool        `json:"reply,omitempty"`
	Participant Participant `json:"participant"`
}

type lockPayload struct {
	Scope       string    `json:"scope"`
	OwnerUserID string    `json:"ownerUserId"`
	Action      string    `json:"action"`
	Since       time.Time `json:"since"`
}

type unlockPayload struct {
	Scope  string `json:"scope"`
	UserID string `json:"userId"`
}

type draftPayload struct {
	Scope  string         `json:"scope"`
	UserID string         `json:"userId"`
	Patch  map[string]any `json:"patch,omitempty"`
}

// Session is one participant's view of a dialog's collaboration lock.
type Session struct {
	channel     Channel
	workspaceID string
	scope       string
	self        Participant
	clock       clock.Clock
	flushDelay  time.Duration
	joinSettle  time.Duration
	prune       bool
	staleAfter  time.Duration
	onChange    func(State)
	onDraft     func(string, map[string]any)
	onClear     func(string)
	logger      logrus.FieldLogger

	mu          sync.Mutex
	roster      map[string]Participant
	owner       string
	ownerSince  time.Time
	pending     map[string]any
	flushTimer  *clock.Timer
	settleTimer *clock.Timer
	closed      bool
	unsubscribe func()
}

func Open(ch Channel, opts Options) (*Session, error) {
	if ch == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if strings.TrimSpace(opts.WorkspaceID) == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if strings.TrimSpace(opts.Scope) == "" {
		return nil, fmt.Errorf("modal scope is required")
	}
	if strings.TrimSpace(opts.Self.UserID) == "" {
		return nil, fmt.Errorf("self user id is required")
	}
	s := &Session{
		channel:     ch,
		workspaceID: opts.WorkspaceID,
		scope:       opts.Scope,
		self:        opts.Self,
		clock:       opts.Clock,
		flushDelay:  opts.DraftFlushDelay,
		joinSettle:  opts.JoinSettle,
		prune:       opts.PruneWithPresence,
		staleAfter:  opts.StaleAfter,
		onChange:    opts.OnChange,
		onDraft:     opts.OnDraft,
		onClear:     opts.OnDraftClear,
		logger:      opts.Logger,
		roster:      make(map[string]Participant),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.flushDelay <= 0 {
		s.flushDelay = DefaultDraftFlushDelay
	}
	if s.joinSettle <= 0 {
		s.joinSettle = DefaultJoinSettle
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("modallock")
	}
	s.logger = s.logger.WithField("scope", s.scope)
	if s.self.JoinedAt.IsZero() {
		s.self.JoinedAt = s.clock.Now().UTC()
	}
	s.roster[s.self.UserID] = s.self
	s.settleTimer = s.clock.AfterFunc(s.joinSettle, s.electIfVacant)

	sub := realtime.Subscription{
		WorkspaceID: s.workspaceID,
		OnBroadcast: s.handleBroadcast,
		OnConnectionState: func(state realtime.ConnectionState) {
			if state == realtime.StateSubscribed {
				s.announce()
			}
		},
	}
	if s.prune {
		sub.OnPresenceChange = s.PruneStale
	}
	unsubscribe := ch.SubscribeWorkspaceChanges(sub)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return s, nil
}

// State returns the current view.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) IsOwner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner == s.self.UserID
}

// TakeOver claims ownership unconditionally. Peers adopt the claim on receipt
// whatever their own clocks say, so the last takeover delivered wins.
func (s *Session) TakeOver() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.owner = s.self.UserID
	s.ownerSince = s.clock.Now().UTC()
	payload := lockPayload{Scope: s.scope, OwnerUserID: s.owner, Action: actionTakeover, Since: s.ownerSince}
	state := s.stateLocked()
	s.mu.Unlock()

	s.logger.Info("taking over modal lock")
	s.emit(state)
	return s.publish(EventLock, payload)
}

// PublishDraftPatch merges patch into the pending draft, which is flushed as
// a single draft_patch after DraftFlushDelay.
func (s *Session) PublishDraftPatch(patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.pending == nil {
		s.pending = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		s.pending[k] = v
	}
	if s.flushTimer == nil {
		s.flushTimer = s.clock.AfterFunc(s.flushDelay, s.flush)
	}
	return nil
}

// ClearDraft drops any unsent patch and tells viewers to discard theirs.
func (s *Session) ClearDraft() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.dropPendingLocked()
	s.mu.Unlock()
	return s.publish(EventDraftClear, draftPayload{Scope: s.scope, UserID: s.self.UserID})
}

// Close leaves the dialog: clear the draft, release the lock if held and
// announce the departure.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.dropPendingLocked()
	wasOwner := s.owner == s.self.UserID
	s.closed = true
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	var errs []error
	errs = append(errs, s.publish(EventDraftClear, draftPayload{Scope: s.scope, UserID: s.self.UserID}))
	if wasOwner {
		errs = append(errs, s.publish(EventUnlock, unlockPayload{Scope: s.scope, UserID: s.self.UserID}))
	}
	errs = append(errs, s.publish(EventPresence, presencePayload{Scope: s.scope, Action: "leave", Participant: s.self}))
	if unsubscribe != nil {
		unsubscribe()
	}
	return errors.Join(filterNotSubscribed(errs)...)
}

// PruneStale removes participants with no live presence in this scope that
// joined longer than StaleAfter ago.
func (s *Session) PruneStale(live []presence.Entry) {
	now := s.clock.Now()
	alive := make(map[string]bool)
	for _, e := range live {
		if e.ModalScope == s.scope {
			alive[e.UserID] = true
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	ownerGone := false
	for id, p := range s.roster {
		if id == s.self.UserID || alive[id] || now.Sub(p.JoinedAt) <= s.staleAfter {
			continue
		}
		delete(s.roster, id)
		changed = true
		if s.owner == id {
			ownerGone = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	var lock *lockPayload
	if ownerGone {
		s.owner = ""
		s.ownerSince = time.Time{}
		lock = s.electLocked()
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.emit(state)
	if lock != nil {
		_ = s.publish(EventLock, *lock)
	}
}

func (s *Session) announce() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var lock *lockPayload
	if s.owner == s.self.UserID {
		lock = &lockPayload{Scope: s.scope, OwnerUserID: s.owner, Action: "announce", Since: s.ownerSince}
	}
	s.mu.Unlock()

	_ = s.publish(EventPresence, presencePayload{Scope: s.scope, Action: "join", Participant: s.self})
	if lock != nil {
		_ = s.publish(EventLock, *lock)
	}
}

func (s *Session) handleBroadcast(ev realtime.BroadcastEvent) {
	var scoped struct {
		Scope string `json:"scope"`
	}
	if err := json.Unmarshal(ev.Payload, &scoped); err != nil || scoped.Scope != s.scope {
		return
	}
	switch ev.Event {
	case EventPresence:
		var p presencePayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			s.handlePresence(p)
		}
	case EventLock:
		var p lockPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			s.handleLock(p)
		}
	case EventUnlock:
		var p unlockPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			s.handleUnlock(p)
		}
	case EventDraftPatch:
		var p draftPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.UserID != s.self.UserID && s.onDraft != nil {
			s.onDraft(p.UserID, p.Patch)
		}
	case EventDraftClear:
		var p draftPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.UserID != s.self.UserID && s.onClear != nil {
			s.onClear(p.UserID)
		}
	}
}

func (s *Session) handlePresence(p presencePayload) {
	who := p.Participant
	if who.UserID == "" || who.UserID == s.self.UserID {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var lock, elected *lockPayload
	var replyJoin bool
	switch p.Action {
	case "join":
		s.roster[who.UserID] = who
		if !p.Reply {
			replyJoin = true
			if s.owner == s.self.UserID {
				lock = &lockPayload{Scope: s.scope, OwnerUserID: s.owner, Action: "announce", Since: s.ownerSince}
			}
		}
	case "leave":
		delete(s.roster, who.UserID)
		if s.owner == who.UserID {
			s.owner = ""
			s.ownerSince = time.Time{}
			elected = s.electLocked()
		}
	default:
		s.mu.Unlock()
		return
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.emit(state)
	if replyJoin {
		_ = s.publish(EventPresence, presencePayload{Scope: s.scope, Action: "join", Reply: true, Participant: s.self})
	}
	for _, l := range []*lockPayload{lock, elected} {
		if l != nil {
			_ = s.publish(EventLock, *l)
		}
	}
}

func (s *Session) handleLock(p lockPayload) {
	if p.OwnerUserID == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.acceptLockLocked(p) {
		s.mu.Unlock()
		return
	}
	s.owner = p.OwnerUserID
	s.ownerSince = p.Since
	state := s.stateLocked()
	s.mu.Unlock()
	s.emit(state)
}

// acceptLockLocked adopts takeovers as they arrive. Election claims
// (acquire, announce) are ordered by acquisition time, then userId.
func (s *Session) acceptLockLocked(p lockPayload) bool {
	if p.Action == actionTakeover || s.owner == "" {
		return true
	}
	if p.OwnerUserID == s.owner {
		return p.Since.After(s.ownerSince) || s.ownerSince.IsZero()
	}
	if p.Since.After(s.ownerSince) {
		return true
	}
	if p.Since.Equal(s.ownerSince) {
		return p.OwnerUserID > s.owner
	}
	return false
}

func (s *Session) handleUnlock(p unlockPayload) {
	s.mu.Lock()
	if s.closed || s.owner == "" || s.owner != p.UserID {
		s.mu.Unlock()
		return
	}
	s.owner = ""
	s.ownerSince = time.Time{}
	elected := s.electLocked()
	state := s.stateLocked()
	s.mu.Unlock()

	s.emit(state)
	if elected != nil {
		_ = s.publish(EventLock, *elected)
	}
}

func (s *Session) electIfVacant() {
	s.mu.Lock()
	s.settleTimer = nil
	if s.closed || s.owner != "" {
		s.mu.Unlock()
		return
	}
	elected := s.electLocked()
	state := s.stateLocked()
	s.mu.Unlock()

	s.emit(state)
	if elected != nil {
		_ = s.publish(EventLock, *elected)
	}
}

// electLocked assigns the deterministic winner locally. Only the winner
// gets a payload to broadcast.
func (s *Session) electLocked() *lockPayload {
	winner := Elect(s.rosterLocked())
	if winner == "" {
		return nil
	}
	s.owner = winner
	s.ownerSince = time.Time{}
	if winner != s.self.UserID {
		return nil
	}
	s.ownerSince = s.clock.Now().UTC()
	return &lockPayload{Scope: s.scope, OwnerUserID: winner, Action: "acquire", Since: s.ownerSince}
}

func (s *Session) flush() {
	s.mu.Lock()
	s.flushTimer = nil
	if s.closed || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	patch := s.pending
	s.pending = nil
	s.mu.Unlock()
	_ = s.publish(EventDraftPatch, draftPayload{Scope: s.scope, UserID: s.self.UserID, Patch: patch})
}

func (s *Session) dropPendingLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.pending = nil
}

func (s *Session) rosterLocked() []Participant {
	out := make([]Participant, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p)
	}
	return SortRoster(out)
}

func (s *Session) stateLocked() State {
	state := State{
		Scope:       s.scope,
		OwnerUserID: s.owner,
		Role:        RoleViewer,
		Roster:      s.rosterLocked(),
	}
	if s.owner == s.self.UserID {
		state.Role = RoleEditor
		return state
	}
	if s.owner != "" {
		label := s.owner
		if p, ok := s.roster[s.owner]; ok {
			label = p.Label()
		}
		state.Banner = label + " is editing"
	}
	return state
}

func (s *Session) emit(state State) {
	if s.onChange != nil {
		s.onChange(state)
	}
}

func (s *Session) publish(event string, payload any) error {
	err := s.channel.PublishWorkspaceBroadcast(s.workspaceID, event, payload)
	if err != nil && !errors.Is(err, realtime.ErrNotSubscribed) {
		s.logger.WithError(err).WithField("event", event).Debug("modal broadcast failed")
	}
	return err
}

func filterNotSubscribed(errs []error) []error {
	out := errs[:0]
	for _, err := range errs {
		if err != nil && !errors.Is(err, realtime.ErrNotSubscribed) {
			out = append(out, err)
		}
	}
	return out
}
