package synccontroller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/localstore"
	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/realtime"
	"github.com/agentworkforce/relaystate/internal/remote"
	"github.com/agentworkforce/relaystate/internal/syncstatus"
	"github.com/agentworkforce/relaystate/internal/workspacedoc"
)

const (
	DefaultPullDebounce = 250 * time.Millisecond
	// editSettleMargin is added to the edit grace window so a deferred pull
	// lands just after the window closes.
	editSettleMargin = 80 * time.Millisecond
	pullTimeout      = 30 * time.Second
)

var ErrClosed = errors.New("sync controller closed")

// LocalStore is the durable local copy the controller reads and replaces.
type LocalStore interface {
	Document() workspacedoc.Document
	HasDocument() bool
	Commit(doc workspacedoc.Document, origin localstore.Origin) error
	RemoteRevision() remote.Revision
	SetRemote(rev remote.Revision, updatedAt string) error
	ImportDone(workspaceID string) bool
	MarkImportDone(workspaceID string) error
	PublishPromptDismissed() bool
	EditorID() (string, error)
	MarkSaved(at time.Time) error
}

// EditActivity reports whether the user is mid-edit.
type EditActivity interface {
	IsLocalEditActive() bool
	Grace() time.Duration
}

// ChangeSource is the subscription side of realtime.Manager.
type ChangeSource interface {
	SubscribeWorkspaceChanges(sub realtime.Subscription) func()
}

// ImportPrompt asks whether an existing local document should become the
// first remote copy of a workspace.
type ImportPrompt struct {
	WorkspaceID string
	Document    workspacedoc.Document
}

type Options struct {
	WorkspaceID string
	// Gateway may be nil, in which case the controller works local-only.
	Gateway   remote.Gateway
	Local     LocalStore
	Activity  EditActivity
	Validator *workspacedoc.Validator
	// Confirm is asked before publishing local data to an empty remote.
	// Nil means never publish automatically.
	Confirm              func(ctx context.Context, prompt ImportPrompt) (bool, error)
	Clock                clock.Clock
	PullDebounce         time.Duration
	FallbackPollInterval time.Duration
	OnStateReplaced      func(workspacedoc.Document)
	OnStatus             func(syncstatus.Status)
	OnError              func(error)
	Logger               logrus.FieldLogger
}

// State is what Load hands back to the caller.
type State struct {
	Document workspacedoc.Document
	Status   syncstatus.Status
}

// Controller keeps the local document converged with the remote copy.
type Controller struct {
	workspaceID string
	gateway     remote.Gateway
	local       LocalStore
	activity    EditActivity
	validator   *workspacedoc.Validator
	confirm     func(context.Context, ImportPrompt) (bool, error)
	clock       clock.Clock
	debounce    time.Duration
	pollEvery   time.Duration
	onReplaced  func(workspacedoc.Document)
	onError     func(error)
	logger      logrus.FieldLogger
	status      *syncstatus.Machine
	poller      *realtime.FallbackPoller

	baseCtx context.Context
	cancel  context.CancelFunc

	saveMu sync.Mutex

	mu        sync.Mutex
	pullTimer *clock.Timer
	pullGen   int
	pulling   bool
	pullDone  chan struct{}
	saving    bool
	pullAgain bool
	detach    func()
	closed    bool
}

func New(opts Options) (*Controller, error) {
	if opts.Local == nil {
		return nil, fmt.Errorf("local store is required")
	}
	c := &Controller{
		workspaceID: strings.TrimSpace(opts.WorkspaceID),
		gateway:     opts.Gateway,
		local:       opts.Local,
		activity:    opts.Activity,
		validator:   opts.Validator,
		confirm:     opts.Confirm,
		clock:       opts.Clock,
		debounce:    opts.PullDebounce,
		pollEvery:   opts.FallbackPollInterval,
		onReplaced:  opts.OnStateReplaced,
		onError:     opts.OnError,
		logger:      opts.Logger,
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.debounce <= 0 {
		c.debounce = DefaultPullDebounce
	}
	if c.pollEvery <= 0 {
		c.pollEvery = realtime.DefaultFallbackPollInterval
	}
	if c.logger == nil {
		c.logger = logging.NewLogger("synccontroller")
	}
	if c.workspaceID != "" {
		c.logger = c.logger.WithField("workspace", c.workspaceID)
	}
	onStatus := opts.OnStatus
	c.status = syncstatus.NewMachine(syncstatus.Flags{RemoteExists: !c.local.RemoteRevision().IsZero()}, func(prev, next syncstatus.Status) {
		c.logger.Debugf("sync status %s -> %s", prev, next)
		if onStatus != nil {
			onStatus(next)
		}
	})
	c.poller = realtime.NewFallbackPoller(c.clock)
	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Controller) Status() syncstatus.Status { return c.status.Status() }

func (c *Controller) Document() workspacedoc.Document { return c.local.Document() }

// Load runs the one-time import for this workspace, then pulls the
// authoritative copy. Failures are reported in the returned status; the
// local document is always returned.
func (c *Controller) Load(ctx context.Context) (State, error) {
	if c.gateway == nil {
		return State{Document: c.local.Document(), Status: c.status.Status()}, nil
	}
	if err := c.importLocal(ctx); err != nil {
		return State{Document: c.local.Document(), Status: c.status.Status()}, err
	}
	err := c.pull(ctx, false)
	return State{Document: c.local.Document(), Status: c.status.Status()}, err
}

func (c *Controller) importLocal(ctx context.Context) error {
	if c.confirm == nil || c.workspaceID == "" || c.local.ImportDone(c.workspaceID) {
		return nil
	}
	if !c.local.HasDocument() || c.local.PublishPromptDismissed() {
		return c.local.MarkImportDone(c.workspaceID)
	}
	state, err := c.gateway.FetchRemoteState(ctx)
	if err != nil {
		c.fail(err)
		return err
	}
	if state.Exists {
		return c.local.MarkImportDone(c.workspaceID)
	}
	doc := c.local.Document()
	ok, err := c.confirm(ctx, ImportPrompt{WorkspaceID: c.workspaceID, Document: doc})
	if err != nil {
		return err
	}
	if ok {
		editor, _ := c.local.EditorID()
		result, err := c.gateway.PushRemoteState(ctx, remote.PushRequest{UpdatedBy: editor, Data: doc})
		switch {
		case errors.Is(err, remote.ErrConflict):
			// someone published first; the pull that follows adopts theirs
			c.logger.Info("workspace was published concurrently, adopting remote copy")
		case err != nil:
			c.fail(err)
			return err
		default:
			if err := c.local.SetRemote(result.Rev, result.UpdatedAt); err != nil {
				return err
			}
			c.status.Update(func(f *syncstatus.Flags) {
				*f = f.ClearRemoteErrors()
				f.RemoteExists = true
			})
			c.logger.WithField("rev", result.Rev).Info("published local workspace")
		}
	}
	return c.local.MarkImportDone(c.workspaceID)
}

// SaveWith applies updater to a private copy of the document, validates it,
// shows it immediately and pushes it. Any failure restores the document as
// it was before the call.
func (c *Controller) SaveWith(ctx context.Context, updater func(workspacedoc.Document) error) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	before := c.local.Document()
	draft := before.MustClone()
	if draft == nil {
		draft = workspacedoc.New()
	}
	if err := updater(draft); err != nil {
		return err
	}
	if err := c.validator.Validate(draft); err != nil {
		return err
	}
	rev := c.local.RemoteRevision()

	if err := c.local.Commit(draft, localstore.OriginLocal); err != nil {
		return fmt.Errorf("commit local draft: %w", err)
	}
	if c.gateway == nil {
		return nil
	}

	c.setSaving(true)
	defer c.finishSaving()
	c.status.Update(func(f *syncstatus.Flags) { f.Dirty = true })

	editor, _ := c.local.EditorID()
	result, err := c.gateway.PushRemoteState(ctx, remote.PushRequest{IfMatchRev: rev, UpdatedBy: editor, Data: draft})
	if err != nil {
		if rbErr := c.local.Commit(before, localstore.OriginLocal); rbErr != nil {
			c.logger.WithError(rbErr).Error("rollback after failed save")
		}
		c.status.Update(func(f *syncstatus.Flags) {
			f.Dirty = false
			remote.ApplyFailure(f, err)
		})
		c.report(err)
		return fmt.Errorf("save workspace state: %w", err)
	}

	if err := c.local.SetRemote(result.Rev, result.UpdatedAt); err != nil {
		return err
	}
	if err := c.local.MarkSaved(c.clock.Now()); err != nil {
		c.logger.WithError(err).Warn("record last saved time")
	}
	c.status.Update(func(f *syncstatus.Flags) {
		*f = f.ClearRemoteErrors()
		f.Dirty = false
		f.Conflict = false
		f.RemoteExists = true
	})
	return nil
}

// Reload discards local state in favour of the remote copy and clears a
// pending conflict.
func (c *Controller) Reload(ctx context.Context) error {
	if c.gateway == nil {
		return nil
	}
	return c.pull(ctx, true)
}

// HandleRemoteChange reacts to a realtime change notification.
func (c *Controller) HandleRemoteChange(ev realtime.ChangeEvent) {
	c.logger.WithField("event", ev.EventType).Debug("remote change notification")
	c.ScheduleRemotePull()
}

// HandleConnectionState engages the fallback poller whenever realtime
// delivery is not live.
func (c *Controller) HandleConnectionState(state realtime.ConnectionState) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || state == realtime.StateSubscribed {
		c.poller.Stop()
		return
	}
	if c.gateway == nil {
		return
	}
	if c.poller.Start(c.pollEvery, c.ScheduleRemotePull) {
		c.logger.WithField("state", string(state)).Info("realtime unavailable, polling")
	}
}

// Attach subscribes to source for this workspace. The returned function
// detaches and stops polling.
func (c *Controller) Attach(source ChangeSource) func() {
	unsubscribe := source.SubscribeWorkspaceChanges(realtime.Subscription{
		WorkspaceID:       c.workspaceID,
		OnRemoteChange:    c.HandleRemoteChange,
		OnConnectionState: c.HandleConnectionState,
	})
	var once sync.Once
	detach := func() {
		once.Do(func() {
			unsubscribe()
			c.poller.Stop()
		})
	}
	c.mu.Lock()
	c.detach = detach
	c.mu.Unlock()
	return detach
}

func (c *Controller) PollingActive() bool { return c.poller.Running() }

// ScheduleRemotePull arms the single pending pull timer, replacing any
// earlier one. While the user is editing, the pull is pushed past the edit
// grace window.
func (c *Controller) ScheduleRemotePull() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gateway == nil {
		return
	}
	c.armPullLocked()
}

func (c *Controller) armPullLocked() {
	delay := c.debounce
	if c.activity != nil && c.activity.IsLocalEditActive() {
		if deferred := c.activity.Grace() + editSettleMargin; deferred > delay {
			delay = deferred
		}
	}
	if c.pullTimer != nil {
		c.pullTimer.Stop()
	}
	c.pullGen++
	gen := c.pullGen
	c.pullTimer = c.clock.AfterFunc(delay, func() { c.firePull(gen) })
}

func (c *Controller) firePull(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.pullGen {
		c.mu.Unlock()
		return
	}
	c.pullTimer = nil
	if c.activity != nil && c.activity.IsLocalEditActive() {
		c.armPullLocked()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.baseCtx, pullTimeout)
	defer cancel()
	_ = c.pull(ctx, false)
}

// pull fetches the remote copy and adopts it when its revision differs from
// the one we hold. Concurrent automatic calls collapse into one follow-up
// pull; a forced pull waits for the one in flight and then runs.
func (c *Controller) pull(ctx context.Context, force bool) error {
	c.mu.Lock()
	for force && c.pulling {
		done := c.pullDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if c.pulling || (c.saving && !force) {
		c.pullAgain = true
		c.mu.Unlock()
		return nil
	}
	c.pulling = true
	c.pullDone = make(chan struct{})
	c.mu.Unlock()
	defer c.finishPull()

	state, err := c.gateway.FetchRemoteState(ctx)
	if err != nil {
		c.fail(err)
		return err
	}
	if !state.Exists {
		c.status.Update(func(f *syncstatus.Flags) {
			*f = f.ClearRemoteErrors()
			f.RemoteExists = false
			if force {
				f.Conflict = false
			}
		})
		return nil
	}

	held := c.local.RemoteRevision()
	if !force && state.Rev == held && c.local.HasDocument() {
		c.status.Update(func(f *syncstatus.Flags) {
			*f = f.ClearRemoteErrors()
			f.RemoteExists = true
		})
		return nil
	}

	if err := c.local.Commit(state.Data, localstore.OriginRemote); err != nil {
		return fmt.Errorf("adopt remote state: %w", err)
	}
	if err := c.local.SetRemote(state.Rev, state.UpdatedAt); err != nil {
		return err
	}
	c.status.Update(func(f *syncstatus.Flags) {
		*f = f.ClearRemoteErrors()
		f.RemoteExists = true
		f.Dirty = false
		if force {
			f.Conflict = false
		}
	})
	c.logger.WithField("rev", state.Rev).Debug("adopted remote state")
	if c.onReplaced != nil {
		c.onReplaced(state.Data.MustClone())
	}
	return nil
}

func (c *Controller) finishPull() {
	c.mu.Lock()
	c.pulling = false
	close(c.pullDone)
	c.pullDone = nil
	again := c.pullAgain && !c.saving
	if again {
		c.pullAgain = false
		if !c.closed {
			c.armPullLocked()
		}
	}
	c.mu.Unlock()
}

func (c *Controller) setSaving(saving bool) {
	c.mu.Lock()
	c.saving = saving
	c.mu.Unlock()
}

func (c *Controller) finishSaving() {
	c.mu.Lock()
	c.saving = false
	if c.pullAgain && !c.pulling && !c.closed {
		c.pullAgain = false
		c.armPullLocked()
	}
	c.mu.Unlock()
}

func (c *Controller) fail(err error) {
	c.status.Update(func(f *syncstatus.Flags) { remote.ApplyFailure(f, err) })
	c.report(err)
}

func (c *Controller) report(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.logger.WithError(err).WithField("failure", remote.Classify(err).String()).Warn("sync failed")
	if c.onError != nil {
		c.onError(err)
	}
}

// Close stops timers, polling and the realtime subscription.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.pullTimer != nil {
		c.pullTimer.Stop()
		c.pullTimer = nil
	}
	detach := c.detach
	c.mu.Unlock()

	c.cancel()
	if detach != nil {
		detach()
	}
	c.poller.Stop()
}
