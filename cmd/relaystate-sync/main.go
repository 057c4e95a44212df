package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaystate/internal/config"
	"github.com/agentworkforce/relaystate/internal/legacysync"
	"github.com/agentworkforce/relaystate/internal/localstore"
	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/presence"
	"github.com/agentworkforce/relaystate/internal/remote"
	"github.com/agentworkforce/relaystate/internal/synccontroller"
	"github.com/agentworkforce/relaystate/internal/syncstatus"
	"github.com/agentworkforce/relaystate/internal/workspacedoc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries what every subcommand needs before a runtime is opened.
type cli struct {
	loader     *config.Loader
	configFile string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	c := &cli{loader: config.NewLoader()}
	root := &cobra.Command{
		Use:          "relaystate-sync",
		Short:        "Keep a local workspace document in sync with a relaystate gateway",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&c.configFile, "config", "c", os.Getenv("RELAYSTATE_CONFIG"), "path to a YAML config file")
	pf.BoolVar(&c.jsonOutput, "json", false, "print machine-readable output")
	pf.String("base-url", "", "gateway base URL; empty works local-only")
	pf.String("token", "", "bearer token")
	pf.String("workspace", "", "workspace id")
	pf.String("mode", "", "backend layout: workspace or simple")
	pf.String("state-dir", "", "directory holding the local document")
	pf.String("schema", "", "JSON schema file for document validation")
	pf.Bool("legacy", false, "use the single-writer engine")
	pf.Bool("realtime", true, "subscribe to change notifications in watch")
	pf.String("log-level", "", "log level")
	for key, name := range map[string]string{
		"client.base_url":         "base-url",
		"client.token":            "token",
		"client.workspace_id":     "workspace",
		"client.mode":             "mode",
		"client.state_dir":        "state-dir",
		"client.schema_file":      "schema",
		"client.legacy":           "legacy",
		"client.realtime_enabled": "realtime",
		"log.level":               "log-level",
	} {
		// every name above is registered, so binding cannot fail
		_ = c.loader.BindFlag(key, pf.Lookup(name))
	}

	root.AddCommand(
		newStatusCmd(c),
		newPullCmd(c),
		newPushCmd(c),
		newWatchCmd(c),
		newResolveCmd(c),
		newAutoSyncCmd(c),
	)
	return root
}

// runtime is one opened local store plus an optional gateway client.
type runtime struct {
	cfg       config.ClientConfig
	local     *localstore.Store
	client    *remote.HTTPClient
	validator *workspacedoc.Validator
	tracker   *presence.Tracker
	logger    *logrus.Entry
	out       io.Writer
	json      bool
}

func (c *cli) open(cmd *cobra.Command) (*runtime, error) {
	cfg, err := c.loader.Load(c.configFile)
	if err != nil {
		return nil, err
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}
	logger := logging.NewLogger("relaystate-sync")

	local, err := localstore.Open(localstore.Options{Dir: cfg.Client.StateDir})
	if err != nil {
		return nil, fmt.Errorf("open local state: %w", err)
	}
	validator, err := workspacedoc.NewValidatorFromFile(cfg.Client.SchemaFile)
	if err != nil {
		return nil, err
	}
	r := &runtime{
		cfg:       cfg.Client,
		local:     local,
		validator: validator,
		tracker:   presence.NewTracker(presence.TrackerOptions{WorkspaceID: cfg.Client.WorkspaceID, Grace: cfg.Client.EditGrace}),
		logger:    logger,
		out:       cmd.OutOrStdout(),
		json:      c.jsonOutput,
	}
	if cfg.Client.RemoteConfigured() {
		r.client = remote.NewHTTPClient(remote.ClientOptions{
			BaseURL:     cfg.Client.BaseURL,
			Token:       cfg.Client.Token,
			WorkspaceID: cfg.Client.WorkspaceID,
			Mode:        remote.ParseMode(cfg.Client.Mode),
			HTTPClient:  &http.Client{Timeout: cfg.Client.RequestTimeout},
		})
	}
	return r, nil
}

// gateway returns nil, not a typed nil, when no backend is configured.
func (r *runtime) gateway() remote.Gateway {
	if r.client == nil {
		return nil
	}
	return r.client
}

func (r *runtime) workspaceID() string {
	if r.client != nil && r.client.Mode() == remote.ModeSimple {
		return "default"
	}
	return r.cfg.WorkspaceID
}

func (r *runtime) controller(publish bool, onStatus func(syncstatus.Status)) (*synccontroller.Controller, error) {
	opts := synccontroller.Options{
		WorkspaceID:          r.workspaceID(),
		Gateway:              r.gateway(),
		Local:                r.local,
		Activity:             r.tracker,
		Validator:            r.validator,
		PullDebounce:         r.cfg.PullDebounce,
		FallbackPollInterval: r.cfg.FallbackPollInterval,
		OnStatus:             onStatus,
		Logger:               r.logger.WithField("engine", "controller"),
	}
	if publish {
		opts.Confirm = func(context.Context, synccontroller.ImportPrompt) (bool, error) { return true, nil }
	}
	return synccontroller.New(opts)
}

func (r *runtime) legacyEngine(confirmOverwrite bool, onStatus func(syncstatus.Status), onBanner func(legacysync.Banner)) (*legacysync.Engine, error) {
	if r.client == nil {
		return nil, fmt.Errorf("the legacy engine needs --base-url")
	}
	opts := legacysync.Options{
		Gateway:      r.client,
		Local:        r.local,
		PollInterval: r.cfg.LegacyPollInterval,
		OnStatus:     onStatus,
		OnBanner:     onBanner,
		Logger:       r.logger.WithField("engine", "legacy"),
	}
	if confirmOverwrite {
		opts.ConfirmForceOverwrite = func(context.Context) (bool, error) { return true, nil }
	}
	return legacysync.New(opts)
}

// emit prints v as JSON with --json, otherwise as the text line.
func (r *runtime) emit(v any, text string, args ...any) {
	if r.json {
		data, _ := json.Marshal(v)
		fmt.Fprintln(r.out, string(data))
		return
	}
	fmt.Fprintf(r.out, text+"\n", args...)
}
