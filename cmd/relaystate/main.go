package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/relaystate/internal/channelhub"
	"github.com/agentworkforce/relaystate/internal/config"
	"github.com/agentworkforce/relaystate/internal/httpapi"
	"github.com/agentworkforce/relaystate/internal/logging"
	"github.com/agentworkforce/relaystate/internal/relaystate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		logging.NewLogger("relaystate").WithError(err).Fatal("server failed")
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("relaystate", pflag.ContinueOnError)
	configFile := flags.String("config", os.Getenv("RELAYSTATE_CONFIG"), "path to a YAML config file")
	flags.String("addr", "", "listen address")
	flags.String("state-backend", "", "state backend DSN (memory://, file://, postgres://)")
	flags.String("redis-url", "", "redis URL for cross-instance realtime fan-out")
	if err := flags.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader()
	for key, name := range map[string]string{
		"server.addr":              "addr",
		"server.state_backend_dsn": "state-backend",
		"server.redis_url":         "redis-url",
	} {
		if err := loader.BindFlag(key, flags.Lookup(name)); err != nil {
			return err
		}
	}
	cfg, err := loader.Load(*configFile)
	if err != nil {
		return err
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format, nil)
	if err := cfg.Server.Validate(); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg.Server)
	if err != nil {
		return err
	}
	defer a.close()
	return a.serve(ctx)
}

// app owns everything the server process starts.
type app struct {
	cfg     config.ServerConfig
	store   *relaystate.Store
	hub     *channelhub.Hub
	broker  *channelhub.RedisBroker
	server  *httpapi.Server
	handler http.Handler
	logger  *logrus.Entry
}

func newApp(ctx context.Context, cfg config.ServerConfig) (*app, error) {
	logger := logging.NewLogger("relaystate")

	var backend relaystate.StateBackend
	if cfg.StateBackendDSN != "" {
		b, err := relaystate.BuildStateBackendFromDSN(cfg.StateBackendDSN)
		if err != nil {
			return nil, fmt.Errorf("state backend: %w", err)
		}
		backend = b
	}
	store := relaystate.NewStoreWithOptions(relaystate.StoreOptions{
		StateBackend:     backend,
		MaxDocumentBytes: cfg.MaxDocumentSize,
	})

	hubOpts := channelhub.HubOptions{StaleAfter: cfg.PresenceStale}
	var broker *channelhub.RedisBroker
	if cfg.RedisURL != "" {
		b, err := channelhub.NewRedisBroker(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		broker = b
		hubOpts.Broker = b
	}
	hub := channelhub.NewHub(hubOpts)

	server := httpapi.NewServerWithConfig(store, hub, httpapi.ServerConfig{
		JWTSecret:      cfg.JWTSecret,
		Audience:       cfg.Audience,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	logger.WithFields(logrus.Fields{
		"backend": store.GetBackendStatus().Backend,
		"redis":   broker != nil,
	}).Info("state gateway initialized")

	return &app{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		broker:  broker,
		server:  server,
		handler: server,
		logger:  logger,
	}, nil
}

// serve runs the hub and the HTTP listener until ctx ends, then drains
// in-flight requests.
func (a *app) serve(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	hubErr := make(chan error, 1)
	go func() { hubErr <- a.hub.Run(hubCtx) }()

	httpServer := &http.Server{Addr: a.cfg.Addr, Handler: a.handler}
	listenErr := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", a.cfg.Addr).Info("relaystate listening")
		listenErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-hubErr:
		if err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("realtime hub: %w", err)
		}
		<-ctx.Done()
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *app) close() {
	a.server.Close()
	if a.broker != nil {
		_ = a.broker.Close()
	}
	a.store.Close()
}
