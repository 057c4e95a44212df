package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/logging"
)

const DefaultGrace = 1500 * time.Millisecond

type TrackerOptions struct {
	WorkspaceID string
	UserID      string
	UserEmail   string
	// Publisher is optional; without it the tracker only answers
	// IsLocalEditActive.
	Publisher Publisher
	Grace     time.Duration
	Clock     clock.Clock
	Logger    logrus.FieldLogger
}

// Tracker follows which field the local user is editing.
type Tracker struct {
	workspaceID string
	userID      string
	userEmail   string
	publisher   Publisher
	grace       time.Duration
	clock       clock.Clock
	logger      logrus.FieldLogger

	mu         sync.Mutex
	focused    bool
	route      string
	fieldKey   string
	modalScope string
	lastBlur   time.Time
}

func NewTracker(opts TrackerOptions) *Tracker {
	t := &Tracker{
		workspaceID: opts.WorkspaceID,
		userID:      opts.UserID,
		userEmail:   opts.UserEmail,
		publisher:   opts.Publisher,
		grace:       opts.Grace,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if t.grace <= 0 {
		t.grace = DefaultGrace
	}
	if t.clock == nil {
		t.clock = clock.New()
	}
	if t.logger == nil {
		t.logger = logging.NewLogger("presence")
	}
	return t
}

func (t *Tracker) Grace() time.Duration { return t.grace }

func (t *Tracker) Focus(route, baseFieldID string) {
	t.mu.Lock()
	t.focused = true
	t.route = route
	t.fieldKey = FieldKey(route, baseFieldID)
	in := t.inputLocked()
	t.mu.Unlock()
	t.publish(in)
}

func (t *Tracker) Blur() {
	t.mu.Lock()
	if !t.focused {
		t.mu.Unlock()
		return
	}
	t.focused = false
	t.fieldKey = ""
	t.lastBlur = t.clock.Now()
	in := t.inputLocked()
	t.mu.Unlock()
	t.publish(in)
}

// SetModalScope marks the user as inside a dialog; empty clears it.
func (t *Tracker) SetModalScope(scope string) {
	t.mu.Lock()
	t.modalScope = scope
	in := t.inputLocked()
	t.mu.Unlock()
	t.publish(in)
}

// IsLocalEditActive is true while a field has focus and for Grace after blur.
func (t *Tracker) IsLocalEditActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.focused {
		return true
	}
	if t.lastBlur.IsZero() {
		return false
	}
	return t.clock.Since(t.lastBlur) < t.grace
}

func (t *Tracker) LastBlur() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBlur
}

func (t *Tracker) FocusedFieldKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fieldKey
}

func (t *Tracker) inputLocked() Input {
	return Input{
		UserID:     t.userID,
		UserEmail:  t.userEmail,
		FieldKey:   t.fieldKey,
		Route:      t.route,
		ModalScope: t.modalScope,
	}
}

func (t *Tracker) publish(in Input) {
	if t.publisher == nil || t.workspaceID == "" {
		return
	}
	if err := t.publisher.PublishPresence(t.workspaceID, in); err != nil {
		t.logger.WithError(err).Debug("presence publish failed")
	}
}
