package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaystate/internal/legacysync"
	"github.com/agentworkforce/relaystate/internal/localstore"
	"github.com/agentworkforce/relaystate/internal/realtime"
	"github.com/agentworkforce/relaystate/internal/remote"
	"github.com/agentworkforce/relaystate/internal/syncstatus"
	"github.com/agentworkforce/relaystate/internal/workspacedoc"
)

type statusReport struct {
	Workspace    string `json:"workspace,omitempty"`
	Status       string `json:"status"`
	LocalRev     string `json:"localRev,omitempty"`
	RemoteRev    string `json:"remoteRev,omitempty"`
	RemoteBy     string `json:"remoteUpdatedBy,omitempty"`
	RemoteAhead  bool   `json:"remoteAhead,omitempty"`
	HasDocument  bool   `json:"hasDocument"`
	AutoSync     bool   `json:"autoSync"`
	LastSavedAt  string `json:"lastSavedAt,omitempty"`
	RemoteFailed string `json:"remoteError,omitempty"`
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare the local document with the remote copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			report := statusReport{
				Workspace:   r.workspaceID(),
				LocalRev:    r.local.RemoteRevision().String(),
				HasDocument: r.local.HasDocument(),
				AutoSync:    r.local.AutoSync(),
			}
			if saved := r.local.LastSavedAt(); !saved.IsZero() {
				report.LastSavedAt = saved.UTC().Format(time.RFC3339)
			}
			flags := syncstatus.Flags{RemoteExists: !r.local.RemoteRevision().IsZero()}
			if gw := r.gateway(); gw != nil {
				state, err := gw.FetchRemoteState(cmd.Context())
				if err != nil {
					remote.ApplyFailure(&flags, err)
					report.RemoteFailed = err.Error()
				} else {
					flags.RemoteExists = state.Exists
					report.RemoteRev = state.Rev.String()
					report.RemoteBy = state.UpdatedBy
					if state.Exists && state.Rev != r.local.RemoteRevision() {
						report.RemoteAhead = true
					} else if state.Exists {
						flags.Dirty = !workspacedoc.Equal(r.local.Document(), state.Data)
					}
				}
			}
			report.Status = syncstatus.Resolve(flags).String()
			r.emit(report, "%s: %s (local %s, remote %s)", displayWorkspace(report.Workspace), report.Status, orNone(report.LocalRev), orNone(report.RemoteRev))
			return nil
		},
	}
}

func newPullCmd(c *cli) *cobra.Command {
	var publish, force bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Adopt the remote copy when it changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			if r.cfg.Legacy {
				engine, err := r.legacyEngine(false, nil, nil)
				if err != nil {
					return err
				}
				defer engine.Close()
				if force {
					err = engine.DiscardAndReload(cmd.Context())
				} else {
					err = engine.Poll(cmd.Context())
				}
				r.printOutcome(engine.Status(), engine.Banner())
				return err
			}

			ctrl, err := r.controller(publish, nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()
			_, err = ctrl.Load(cmd.Context())
			if err == nil && force {
				err = ctrl.Reload(cmd.Context())
			}
			r.printOutcome(ctrl.Status(), legacysync.Banner{})
			return err
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish the local document if the workspace has no remote copy yet")
	cmd.Flags().BoolVar(&force, "force", false, "discard local edits and take the remote copy")
	return cmd
}

func newPushCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "push FILE",
		Short: "Replace the document with FILE (or - for stdin) and push it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			doc, err := readDocument(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			if r.cfg.Legacy {
				if err := r.validator.Validate(doc); err != nil {
					return err
				}
				engine, err := r.legacyEngine(false, nil, nil)
				if err != nil {
					return err
				}
				defer engine.Close()
				// the engine pushes from its store subscription when auto sync is on
				if err := r.local.Commit(doc, localstore.OriginLocal); err != nil {
					return err
				}
				r.printOutcome(engine.Status(), engine.Banner())
				if !r.local.AutoSync() {
					r.emit(map[string]string{"note": "autosync-off"}, "auto sync is off; saved locally only")
				}
				return nil
			}

			ctrl, err := r.controller(false, nil)
			if err != nil {
				return err
			}
			defer ctrl.Close()
			err = ctrl.SaveWith(cmd.Context(), func(draft workspacedoc.Document) error {
				for k := range draft {
					delete(draft, k)
				}
				for k, v := range doc {
					draft[k] = v
				}
				return nil
			})
			r.printOutcome(ctrl.Status(), legacysync.Banner{})
			return err
		},
	}
}

func newWatchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing until interrupted",
		Long: "Watch pushes rewrites of the local document file and adopts remote changes, " +
			"through realtime notifications when available and polling otherwise.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			go func() {
				if err := r.local.Watch(ctx); err != nil {
					r.logger.WithError(err).Warn("local watcher stopped")
				}
			}()
			onStatus := func(s syncstatus.Status) {
				r.emit(map[string]string{"status": s.String()}, "status: %s", s)
			}
			if r.cfg.Legacy {
				return r.watchLegacy(ctx, onStatus)
			}
			return r.watchController(ctx, onStatus)
		},
	}
}

func (r *runtime) watchController(ctx context.Context, onStatus func(syncstatus.Status)) error {
	ctrl, err := r.controller(false, onStatus)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if _, err := ctrl.Load(ctx); err != nil {
		r.logger.WithError(err).Warn("initial load failed")
	}

	unsubscribe := r.local.Subscribe(func(change localstore.Change) {
		if change.Origin != localstore.OriginExternal {
			return
		}
		// a file rewrite counts as an edit, so pulls wait out the grace window
		r.tracker.Focus("file", "document")
		r.tracker.Blur()
		doc := change.Document
		go func() {
			err := ctrl.SaveWith(ctx, func(draft workspacedoc.Document) error {
				for k := range draft {
					delete(draft, k)
				}
				for k, v := range doc {
					draft[k] = v
				}
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.WithError(err).Warn("push local edit failed")
			}
		}()
	})
	defer unsubscribe()

	if r.client != nil && r.cfg.RealtimeEnabled && r.client.Mode() == remote.ModeWorkspace {
		manager := realtime.NewManager(realtime.Options{
			Transport: realtime.NewWebSocketTransport(realtime.WebSocketOptions{
				BaseURL: r.cfg.BaseURL,
				Token:   r.cfg.Token,
			}),
			HeartbeatInterval: r.cfg.HeartbeatInterval,
		})
		defer manager.Close()
		defer ctrl.Attach(manager)()
	} else {
		ctrl.HandleConnectionState(realtime.StateIdle)
	}

	<-ctx.Done()
	return nil
}

func (r *runtime) watchLegacy(ctx context.Context, onStatus func(syncstatus.Status)) error {
	engine, err := r.legacyEngine(false, onStatus, func(b legacysync.Banner) {
		if b.Kind == legacysync.BannerNone {
			return
		}
		r.emit(b, "banner: %s", b.Message)
	})
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.Poll(ctx); err != nil {
		r.logger.WithError(err).Warn("initial poll failed")
	}
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newResolveCmd(c *cli) *cobra.Command {
	var strategy, exportPath string
	var yes bool
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a conflict by reloading, exporting or overwriting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			switch strategy {
			case "reload":
				if !r.cfg.Legacy {
					ctrl, err := r.controller(false, nil)
					if err != nil {
						return err
					}
					defer ctrl.Close()
					err = ctrl.Reload(cmd.Context())
					r.printOutcome(ctrl.Status(), legacysync.Banner{})
					return err
				}
				engine, err := r.legacyEngine(false, nil, nil)
				if err != nil {
					return err
				}
				defer engine.Close()
				err = engine.DiscardAndReload(cmd.Context())
				r.printOutcome(engine.Status(), engine.Banner())
				return err
			case "export":
				engine, err := r.legacyEngine(false, nil, nil)
				if err != nil {
					return err
				}
				defer engine.Close()
				if err := engine.ExportLocal(exportPath); err != nil {
					return err
				}
				r.emit(map[string]string{"exported": exportPath}, "exported local document to %s", exportPath)
				return nil
			case "overwrite":
				engine, err := r.legacyEngine(yes, nil, nil)
				if err != nil {
					return err
				}
				defer engine.Close()
				err = engine.ForceOverwrite(cmd.Context())
				if errors.Is(err, legacysync.ErrOverwriteCancelled) {
					return fmt.Errorf("%w: pass --yes to replace the remote copy", err)
				}
				r.printOutcome(engine.Status(), engine.Banner())
				return err
			default:
				return fmt.Errorf("unknown strategy %q (want reload, export or overwrite)", strategy)
			}
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "reload", "reload, export or overwrite")
	cmd.Flags().StringVar(&exportPath, "export-path", "", "destination file for --strategy export")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm --strategy overwrite")
	return cmd
}

func newAutoSyncCmd(c *cli) *cobra.Command {
	var pushNow bool
	cmd := &cobra.Command{
		Use:       "autosync on|off",
		Short:     "Turn automatic pushing of local edits on or off",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.open(cmd)
			if err != nil {
				return err
			}
			enabled := args[0] == "on"
			if r.client == nil {
				if err := r.local.SetAutoSync(enabled); err != nil {
					return err
				}
				r.emit(map[string]bool{"autoSync": enabled}, "auto sync %s", args[0])
				return nil
			}
			engine, err := r.legacyEngine(false, nil, nil)
			if err != nil {
				return err
			}
			defer engine.Close()
			if err := engine.SetAutoSync(cmd.Context(), enabled); err != nil {
				return err
			}
			if enabled && pushNow {
				if err := engine.Push(cmd.Context()); err != nil {
					r.printOutcome(engine.Status(), engine.Banner())
					return err
				}
			}
			r.emit(map[string]bool{"autoSync": enabled}, "auto sync %s", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&pushNow, "push", false, "push the local document right away when enabling")
	return cmd
}

func (r *runtime) printOutcome(status syncstatus.Status, banner legacysync.Banner) {
	rev := r.local.RemoteRevision().String()
	payload := map[string]string{"status": status.String(), "rev": rev}
	if banner.Kind != legacysync.BannerNone {
		payload["banner"] = banner.Message
	}
	if banner.Kind != legacysync.BannerNone && !r.json {
		fmt.Fprintln(r.out, banner.Message)
	}
	r.emit(payload, "status: %s (rev %s)", status, orNone(rev))
}

func readDocument(path string, stdin io.Reader) (workspacedoc.Document, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("%w: empty input", workspacedoc.ErrInvalidDocument)
	}
	return workspacedoc.Parse(data)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func displayWorkspace(id string) string {
	if id == "" {
		return "workspace"
	}
	return id
}
