package legacysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaystate/internal/localstore"
	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/remote"
	"github.com/agentworkforce/relaystate/internal/syncstatus"
	"github.com/agentworkforce/relaystate/internal/workspacedoc"
)

const DefaultPollInterval = 30 * time.Second

var ErrOverwriteCancelled = errors.New("force overwrite cancelled")

type BannerKind string

const (
	BannerNone          BannerKind = ""
	BannerRemoteChanged BannerKind = "remote-changed"
	BannerConflict      BannerKind = "conflict"
)

// Banner is the non-blocking notice shown above the workspace.
type Banner struct {
	Kind      BannerKind
	Message   string
	RemoteRev remote.Revision
	UpdatedBy string
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notifier shows short-lived toasts.
type Notifier interface {
	Notify(level Level, message string)
}

// LogNotifier writes toasts to a logger.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Notify(level Level, message string) {
	entry := n.Logger.WithField("toast", string(level))
	if level == LevelError {
		entry.Warn(message)
		return
	}
	entry.Info(message)
}

type LocalStore interface {
	Document() workspacedoc.Document
	Commit(doc workspacedoc.Document, origin localstore.Origin) error
	Subscribe(fn func(localstore.Change)) func()
	RemoteRevision() remote.Revision
	SetRemote(rev remote.Revision, updatedAt string) error
	SetRemoteBackup(doc workspacedoc.Document) error
	EditorID() (string, error)
	AutoSync() bool
	SetAutoSync(enabled bool) error
	MarkSaved(at time.Time) error
}

type Options struct {
	Gateway      remote.Gateway
	Local        LocalStore
	Clock        clock.Clock
	PollInterval time.Duration
	Notifier     Notifier
	OnStatus     func(syncstatus.Status)
	OnBanner     func(Banner)
	// ConfirmForceOverwrite is the secondary confirmation ForceOverwrite
	// requires. Nil refuses every overwrite.
	ConfirmForceOverwrite func(ctx context.Context) (bool, error)
	Logger                logrus.FieldLogger
}

// Engine pushes local edits as they happen and polls for remote ones. A
// remote change never overwrites unpushed local edits.
type Engine struct {
	gateway    remote.Gateway
	local      LocalStore
	clock      clock.Clock
	interval   time.Duration
	notifier   Notifier
	onBanner   func(Banner)
	confirm    func(context.Context) (bool, error)
	logger     logrus.FieldLogger
	status     *syncstatus.Machine
	baseCtx    context.Context
	cancel     context.CancelFunc
	unsubLocal func()

	pushMu sync.Mutex

	mu           sync.Mutex
	suppressNext bool
	banner       Banner
}

func New(opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("local store is required")
	}
	e := &Engine{
		gateway:  opts.Gateway,
		local:    opts.Local,
		clock:    opts.Clock,
		interval: opts.PollInterval,
		notifier: opts.Notifier,
		onBanner: opts.OnBanner,
		confirm:  opts.ConfirmForceOverwrite,
		logger:   opts.Logger,
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.interval <= 0 {
		e.interval = DefaultPollInterval
	}
	if e.logger == nil {
		e.logger = logging.NewLogger("legacysync")
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Logger: e.logger}
	}
	onStatus := opts.OnStatus
	e.status = syncstatus.NewMachine(syncstatus.Flags{RemoteExists: !e.local.RemoteRevision().IsZero()}, func(prev, next syncstatus.Status) {
		e.logger.Debugf("sync status %s -> %s", prev, next)
		if onStatus != nil {
			onStatus(next)
		}
	})
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.unsubLocal = e.local.Subscribe(func(change localstore.Change) {
		e.HandleLocalChange(e.baseCtx)
	})
	return e, nil
}

func (e *Engine) Status() syncstatus.Status { return e.status.Status() }

func (e *Engine) Dirty() bool { return e.status.Flags().Dirty }

func (e *Engine) Banner() Banner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.banner
}

// HandleLocalChange runs for every committed local change. A change the
// engine made itself is swallowed once.
func (e *Engine) HandleLocalChange(ctx context.Context) {
	e.mu.Lock()
	if e.suppressNext {
		e.suppressNext = false
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.status.Update(func(f *syncstatus.Flags) { f.Dirty = true })
	if !e.local.AutoSync() {
		return
	}
	_ = e.Push(ctx)
}

// Push sends the current local document against the last-seen revision.
func (e *Engine) Push(ctx context.Context) error {
	return e.push(ctx, e.local.RemoteRevision())
}

func (e *Engine) push(ctx context.Context, ifMatch remote.Revision) error {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	editor, _ := e.local.EditorID()
	result, err := e.gateway.PushRemoteState(ctx, remote.PushRequest{
		IfMatchRev: ifMatch,
		UpdatedBy:  editor,
		Data:       e.local.Document(),
	})
	if err != nil {
		e.status.Update(func(f *syncstatus.Flags) { remote.ApplyFailure(f, err) })
		var conflict *remote.ConflictError
		if errors.As(err, &conflict) {
			e.setBanner(Banner{
				Kind:      BannerConflict,
				Message:   "Your changes conflict with a newer remote copy. Reload it, export yours, or overwrite.",
				RemoteRev: conflict.CurrentRevision,
				UpdatedBy: conflict.UpdatedBy,
			})
		}
		if remote.Classify(err) != remote.FailureNone {
			e.notifier.Notify(LevelError, "Sync failed: "+err.Error())
		}
		return fmt.Errorf("push workspace state: %w", err)
	}

	if err := e.local.SetRemote(result.Rev, result.UpdatedAt); err != nil {
		return err
	}
	if err := e.local.MarkSaved(e.clock.Now()); err != nil {
		e.logger.WithError(err).Warn("record last saved time")
	}
	e.status.Update(func(f *syncstatus.Flags) {
		*f = f.ClearRemoteErrors()
		f.Dirty = false
		f.Conflict = false
		f.RemoteExists = true
	})
	e.setBanner(Banner{})
	e.notifier.Notify(LevelSuccess, "Saved")
	return nil
}

// Poll fetches the remote copy once. A new revision is adopted silently when
// there are no unpushed local edits; otherwise a remote-changed banner is
// raised and local data is left alone. An open conflict keeps its banner.
func (e *Engine) Poll(ctx context.Context) error {
	state, err := e.gateway.FetchRemoteState(ctx)
	if err != nil {
		e.status.Update(func(f *syncstatus.Flags) { remote.ApplyFailure(f, err) })
		return err
	}
	e.status.Update(func(f *syncstatus.Flags) {
		*f = f.ClearRemoteErrors()
		f.RemoteExists = state.Exists
	})
	if !state.Exists || state.Rev == e.local.RemoteRevision() {
		return nil
	}
	if e.status.Flags().Conflict {
		// keep the conflict actions, only track the newest remote revision
		e.mu.Lock()
		banner := e.banner
		e.mu.Unlock()
		if banner.Kind == BannerConflict {
			banner.RemoteRev = state.Rev
			banner.UpdatedBy = state.UpdatedBy
			e.setBanner(banner)
		}
		return nil
	}
	if e.Dirty() {
		who := state.UpdatedBy
		if who == "" {
			who = "another editor"
		}
		e.setBanner(Banner{
			Kind:      BannerRemoteChanged,
			Message:   fmt.Sprintf("The workspace was changed by %s. Reload to take their copy, or export yours first.", who),
			RemoteRev: state.Rev,
			UpdatedBy: state.UpdatedBy,
		})
		return nil
	}

	if err := e.local.SetRemoteBackup(e.local.Document()); err != nil {
		e.logger.WithError(err).Warn("keep remote backup")
	}
	if err := e.adopt(state); err != nil {
		return err
	}
	e.logger.WithField("rev", state.Rev).Info("adopted remote workspace")
	return nil
}

func (e *Engine) adopt(state remote.RemoteState) error {
	e.mu.Lock()
	e.suppressNext = true
	e.mu.Unlock()
	if err := e.local.Commit(state.Data, localstore.OriginRemote); err != nil {
		e.mu.Lock()
		e.suppressNext = false
		e.mu.Unlock()
		return fmt.Errorf("adopt remote state: %w", err)
	}
	if err := e.local.SetRemote(state.Rev, state.UpdatedAt); err != nil {
		return err
	}
	e.status.Update(func(f *syncstatus.Flags) {
		f.Dirty = false
		f.Conflict = false
		f.RemoteExists = true
	})
	e.setBanner(Banner{})
	return nil
}

// DiscardAndReload drops local edits and takes the remote copy.
func (e *Engine) DiscardAndReload(ctx context.Context) error {
	state, err := e.gateway.FetchRemoteState(ctx)
	if err != nil {
		e.status.Update(func(f *syncstatus.Flags) { remote.ApplyFailure(f, err) })
		return err
	}
	if !state.Exists {
		return fmt.Errorf("no remote copy to reload")
	}
	if err := e.adopt(state); err != nil {
		return err
	}
	e.status.Update(func(f *syncstatus.Flags) { *f = f.ClearRemoteErrors() })
	e.notifier.Notify(LevelInfo, "Reloaded the remote workspace")
	return nil
}

// ExportLocal writes the local document to path as indented JSON.
func (e *Engine) ExportLocal(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("export path is required")
	}
	data, err := json.MarshalIndent(e.local.Document(), "", "  ")
	if err != nil {
		return err
	}
	if err := localstore.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("export local workspace: %w", err)
	}
	e.notifier.Notify(LevelInfo, "Exported local workspace to "+path)
	return nil
}

// ForceOverwrite replaces the remote copy with the local one after a
// second confirmation. The current remote revision is fetched first so the
// push cannot be rejected by the conflict it is meant to resolve.
func (e *Engine) ForceOverwrite(ctx context.Context) error {
	if e.confirm == nil {
		return ErrOverwriteCancelled
	}
	ok, err := e.confirm(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOverwriteCancelled
	}
	state, err := e.gateway.FetchRemoteState(ctx)
	if err != nil {
		e.status.Update(func(f *syncstatus.Flags) { remote.ApplyFailure(f, err) })
		return err
	}
	return e.push(ctx, state.Rev)
}

// SetAutoSync persists the preference. Turning it on with unpushed edits
// pushes them once.
func (e *Engine) SetAutoSync(ctx context.Context, enabled bool) error {
	if err := e.local.SetAutoSync(enabled); err != nil {
		return err
	}
	if enabled && e.Dirty() {
		return e.Push(ctx)
	}
	return nil
}

// Run polls every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.WithError(err).Debug("poll failed")
			}
		}
	}
}

func (e *Engine) Close() {
	e.cancel()
	if e.unsubLocal != nil {
		e.unsubLocal()
	}
}

func (e *Engine) setBanner(b Banner) {
	e.mu.Lock()
	if e.banner == b {
		e.mu.Unlock()
		return
	}
	e.banner = b
	cb := e.onBanner
	e.mu.Unlock()
	if cb != nil {
		cb(b)
	}
}
