package synccontroller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaystate/internal/localstore"
	"github.com/agentworkforce/relaystate/internal/realtime"
	"github.com/agentworkforce/relaystate/internal/remote"
	"github.com/agentworkforce/relaystate/internal/syncstatus"
	"github.com/agentworkforce/relaystate/internal/workspacedoc"
)

type fakeGateway struct {
	mu       sync.Mutex
	exists   bool
	rev      int
	data     workspacedoc.Document
	fetchErr error
	pushErr  error
	fetches  int
	pushes   []remote.PushRequest
	// hold blocks the next fetch until closed; started is closed once that
	// fetch is waiting.
	hold    chan struct{}
	started chan struct{}
}

func (g *fakeGateway) revision() remote.Revision {
	if !g.exists {
		return ""
	}
	return remote.Revision(fmt.Sprintf("rev_%d", g.rev))
}

func (g *fakeGateway) FetchRemoteState(ctx context.Context) (remote.RemoteState, error) {
	g.mu.Lock()
	hold, started := g.hold, g.started
	g.hold, g.started = nil, nil
	g.mu.Unlock()
	if hold != nil {
		close(started)
		<-hold
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.fetchErr != nil {
		return remote.RemoteState{}, g.fetchErr
	}
	return remote.RemoteState{Exists: g.exists, Rev: g.revision(), Data: g.data.MustClone()}, nil
}

func (g *fakeGateway) PushRemoteState(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, req)
	if g.pushErr != nil {
		return remote.PushResult{}, g.pushErr
	}
	if req.IfMatchRev != g.revision() {
		return remote.PushResult{}, &remote.ConflictError{ExpectedRevision: req.IfMatchRev, CurrentRevision: g.revision()}
	}
	g.exists = true
	g.rev++
	g.data = req.Data.MustClone()
	return remote.PushResult{Rev: g.revision(), UpdatedAt: "2026-03-01T00:00:00Z"}, nil
}

// remoteEdit simulates another client writing the remote copy.
func (g *fakeGateway) remoteEdit(doc workspacedoc.Document) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exists = true
	g.rev++
	g.data = doc
}

func (g *fakeGateway) fetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

type fakeActivity struct {
	mu     sync.Mutex
	clk    clock.Clock
	grace  time.Duration
	active bool
	blur   time.Time
}

func (a *fakeActivity) focus() {
	a.mu.Lock()
	a.active = true
	a.mu.Unlock()
}

func (a *fakeActivity) unfocus() {
	a.mu.Lock()
	a.active = false
	a.blur = a.clk.Now()
	a.mu.Unlock()
}

func (a *fakeActivity) Grace() time.Duration { return a.grace }

func (a *fakeActivity) IsLocalEditActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return true
	}
	return !a.blur.IsZero() && a.clk.Now().Sub(a.blur) < a.grace
}

type harness struct {
	ctrl     *Controller
	gateway  *fakeGateway
	local    *localstore.Store
	mock     *clock.Mock
	mu       sync.Mutex
	replaced []workspacedoc.Document
	statuses []syncstatus.Status
}

func (h *harness) replacedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.replaced)
}

func newHarness(t *testing.T, gw *fakeGateway, tweak func(*Options)) *harness {
	t.Helper()
	mock := clock.NewMock()
	local, err := localstore.Open(localstore.Options{Dir: t.TempDir(), Clock: mock})
	require.NoError(t, err)
	h := &harness{gateway: gw, local: local, mock: mock}
	opts := Options{
		WorkspaceID: "ws_1",
		Local:       local,
		Clock:       mock,
		OnStateReplaced: func(doc workspacedoc.Document) {
			h.mu.Lock()
			h.replaced = append(h.replaced, doc)
			h.mu.Unlock()
		},
		OnStatus: func(s syncstatus.Status) {
			h.mu.Lock()
			h.statuses = append(h.statuses, s)
			h.mu.Unlock()
		},
	}
	if gw != nil {
		opts.Gateway = gw
	}
	if tweak != nil {
		tweak(&opts)
	}
	ctrl, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	h.ctrl = ctrl
	return h
}

// settle gives mock-clock timer goroutines a chance to run.
func settle() { time.Sleep(20 * time.Millisecond) }

func TestLoadPublishesLocalDocumentOnce(t *testing.T) {
	gw := &fakeGateway{}
	var prompts int
	h := newHarness(t, gw, func(o *Options) {
		o.Confirm = func(ctx context.Context, p ImportPrompt) (bool, error) {
			prompts++
			assert.Equal(t, "ws_1", p.WorkspaceID)
			return true, nil
		}
	})
	require.NoError(t, h.local.Commit(workspacedoc.Document{"orders": []any{"o1"}}, localstore.OriginLocal))

	state, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncstatus.Synced, state.Status)
	assert.Equal(t, 1, prompts)
	require.Len(t, gw.pushes, 1)
	assert.True(t, gw.pushes[0].IfMatchRev.IsZero())
	assert.Equal(t, remote.Revision("rev_1"), h.local.RemoteRevision())
	assert.True(t, h.local.ImportDone("ws_1"))
	// the pull after publishing sees our own revision
	assert.Zero(t, h.replacedCount())

	_, err = h.ctrl.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, prompts)
	assert.Len(t, gw.pushes, 1)
}

func TestLoadDeclinedImportStaysLocalOnly(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, gw, func(o *Options) {
		o.Confirm = func(context.Context, ImportPrompt) (bool, error) { return false, nil }
	})
	require.NoError(t, h.local.Commit(workspacedoc.Document{"orders": []any{}}, localstore.OriginLocal))

	state, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncstatus.LocalOnly, state.Status)
	assert.Zero(t, gw.pushCount())
	assert.True(t, h.local.ImportDone("ws_1"))
	assert.Equal(t, []any{}, state.Document["orders"])
}

func TestLoadAdoptsRemoteAndPullIsIdempotent(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{"remote"}})
	h := newHarness(t, gw, nil)

	state, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncstatus.Synced, state.Status)
	assert.Equal(t, []any{"remote"}, state.Document["orders"])
	assert.Equal(t, 1, h.replacedCount())

	require.NoError(t, h.ctrl.pull(context.Background(), false))
	assert.Equal(t, 1, h.replacedCount())
	assert.Equal(t, 2, gw.fetchCount())
}

func TestSaveWithPushesAgainstHeldRevision(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{}})
	h := newHarness(t, gw, nil)
	_, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)

	err = h.ctrl.SaveWith(context.Background(), func(doc workspacedoc.Document) error {
		doc["orders"] = []any{"o1"}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, gw.pushes, 1)
	assert.Equal(t, remote.Revision("rev_1"), gw.pushes[0].IfMatchRev)
	assert.NotEmpty(t, gw.pushes[0].UpdatedBy)
	assert.Equal(t, remote.Revision("rev_2"), h.local.RemoteRevision())
	assert.Equal(t, syncstatus.Synced, h.ctrl.Status())
	assert.Equal(t, []any{"o1"}, h.ctrl.Document()["orders"])
	assert.False(t, h.local.LastSavedAt().IsZero())
}

func TestSaveConflictRollsBackUntilReload(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{}})
	h := newHarness(t, gw, nil)
	_, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)

	gw.remoteEdit(workspacedoc.Document{"orders": []any{"theirs"}})
	err = h.ctrl.SaveWith(context.Background(), func(doc workspacedoc.Document) error {
		doc["orders"] = []any{"mine"}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrConflict)
	assert.Equal(t, syncstatus.Conflict, h.ctrl.Status())
	assert.Equal(t, []any{}, h.ctrl.Document()["orders"])

	// an automatic pull refreshes data without resolving the conflict
	require.NoError(t, h.ctrl.pull(context.Background(), false))
	assert.Equal(t, syncstatus.Conflict, h.ctrl.Status())

	require.NoError(t, h.ctrl.Reload(context.Background()))
	assert.Equal(t, syncstatus.Synced, h.ctrl.Status())
	assert.Equal(t, []any{"theirs"}, h.ctrl.Document()["orders"])
}

func TestReloadWaitsForPullInFlight(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{}})
	h := newHarness(t, gw, nil)
	_, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)

	gw.remoteEdit(workspacedoc.Document{"orders": []any{"theirs"}})
	err = h.ctrl.SaveWith(context.Background(), func(doc workspacedoc.Document) error {
		doc["orders"] = []any{"mine"}
		return nil
	})
	require.ErrorIs(t, err, remote.ErrConflict)

	hold, started := make(chan struct{}), make(chan struct{})
	gw.mu.Lock()
	gw.hold, gw.started = hold, started
	gw.mu.Unlock()
	go func() { _ = h.ctrl.pull(context.Background(), false) }()
	<-started

	reloaded := make(chan error, 1)
	go func() { reloaded <- h.ctrl.Reload(context.Background()) }()
	settle()
	select {
	case err := <-reloaded:
		t.Fatalf("reload returned %v before the background pull finished", err)
	default:
	}

	close(hold)
	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reload never ran")
	}
	assert.Equal(t, syncstatus.Synced, h.ctrl.Status())
	assert.Equal(t, []any{"theirs"}, h.ctrl.Document()["orders"])
}

func TestReloadGivesUpWhenContextEnds(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{}})
	h := newHarness(t, gw, nil)
	_, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)

	hold, started := make(chan struct{}), make(chan struct{})
	gw.mu.Lock()
	gw.hold, gw.started = hold, started
	gw.mu.Unlock()
	go func() { _ = h.ctrl.pull(context.Background(), false) }()
	<-started
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.ctrl.Reload(ctx), context.DeadlineExceeded)
}

func TestSaveFailureStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want syncstatus.Status
	}{
		{"offline", errors.New("dial tcp: connection refused"), syncstatus.Offline},
		{"auth", &remote.AuthRequiredError{StatusCode: 401}, syncstatus.AuthRequired},
		{"config", &remote.ConfigurationError{Missing: []string{"base url"}}, syncstatus.ConfigError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{}
			gw.remoteEdit(workspacedoc.Document{"orders": []any{"kept"}})
			h := newHarness(t, gw, nil)
			_, err := h.ctrl.Load(context.Background())
			require.NoError(t, err)

			gw.pushErr = tc.err
			err = h.ctrl.SaveWith(context.Background(), func(doc workspacedoc.Document) error {
				doc["orders"] = []any{"lost"}
				return nil
			})
			require.Error(t, err)
			assert.Equal(t, tc.want, h.ctrl.Status())
			assert.Equal(t, []any{"kept"}, h.ctrl.Document()["orders"])
		})
	}
}

func TestSaveRejectedBeforePush(t *testing.T) {
	validator, err := workspacedoc.NewValidator(workspacedoc.DefaultSchema)
	require.NoError(t, err)
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{}})
	h := newHarness(t, gw, func(o *Options) { o.Validator = validator })
	_, err = h.ctrl.Load(context.Background())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = h.ctrl.SaveWith(context.Background(), func(workspacedoc.Document) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = h.ctrl.SaveWith(context.Background(), func(doc workspacedoc.Document) error {
		doc["orders"] = "not a list"
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, workspacedoc.ErrInvalidDocument)
	assert.Zero(t, gw.pushCount())
	assert.Equal(t, []any{}, h.ctrl.Document()["orders"])
}

func TestLocalOnlyWithoutGateway(t *testing.T) {
	h := newHarness(t, nil, nil)
	state, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncstatus.LocalOnly, state.Status)

	require.NoError(t, h.ctrl.SaveWith(context.Background(), func(doc workspacedoc.Document) error {
		doc["orders"] = []any{"o1"}
		return nil
	}))
	assert.Equal(t, []any{"o1"}, h.ctrl.Document()["orders"])
	assert.Equal(t, syncstatus.LocalOnly, h.ctrl.Status())
}

func TestScheduledPullsCoalesce(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{}})
	h := newHarness(t, gw, nil)

	for i := 0; i < 3; i++ {
		h.ctrl.HandleRemoteChange(realtime.ChangeEvent{EventType: "UPDATE"})
		h.mock.Add(100 * time.Millisecond)
	}
	assert.Zero(t, gw.fetchCount())

	h.mock.Add(DefaultPullDebounce)
	require.Eventually(t, func() bool { return h.replacedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gw.fetchCount())
}

func TestPullDeferredWhileEditing(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{}})
	h := newHarness(t, gw, nil)
	activity := &fakeActivity{clk: h.mock, grace: time.Second}
	h.ctrl.activity = activity

	activity.focus()
	h.ctrl.ScheduleRemotePull()
	h.mock.Add(time.Second + editSettleMargin)
	settle()
	assert.Zero(t, gw.fetchCount(), "no pull while a field is focused")

	activity.unfocus()
	h.mock.Add(time.Second)
	settle()
	assert.Zero(t, gw.fetchCount(), "no pull inside the grace window")

	h.mock.Add(editSettleMargin)
	require.Eventually(t, func() bool { return gw.fetchCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFallbackPollingFollowsConnectionState(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{}})
	h := newHarness(t, gw, func(o *Options) { o.FallbackPollInterval = 10 * time.Second })

	h.ctrl.HandleConnectionState(realtime.StateErrored)
	assert.True(t, h.ctrl.PollingActive())

	h.mock.Add(10 * time.Second)
	settle()
	h.mock.Add(DefaultPullDebounce)
	require.Eventually(t, func() bool { return gw.fetchCount() == 1 }, time.Second, 5*time.Millisecond)

	h.ctrl.HandleConnectionState(realtime.StateSubscribed)
	assert.False(t, h.ctrl.PollingActive())
	h.mock.Add(30 * time.Second)
	settle()
	assert.Equal(t, 1, gw.fetchCount())
}

func TestAuthFailureKeepsLocalData(t *testing.T) {
	gw := &fakeGateway{}
	gw.remoteEdit(workspacedoc.Document{"orders": []any{"o1"}})
	h := newHarness(t, gw, nil)
	_, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)

	gw.fetchErr = &remote.AuthRequiredError{StatusCode: 403}
	require.Error(t, h.ctrl.Reload(context.Background()))
	assert.Equal(t, syncstatus.AuthRequired, h.ctrl.Status())
	assert.Equal(t, []any{"o1"}, h.ctrl.Document()["orders"])

	gw.fetchErr = nil
	require.NoError(t, h.ctrl.Reload(context.Background()))
	assert.Equal(t, syncstatus.Synced, h.ctrl.Status())
}
