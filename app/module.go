// Package app wires the relay's components together with fx.
package app

import (
	"context"
	"net"

	"chatrelay/config"
	"chatrelay/control"
	"chatrelay/db"
	"chatrelay/logging"
	"chatrelay/metrics"
	"chatrelay/registry"
	"chatrelay/server"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Params holds what the command line resolved before the graph is built.
type Params struct {
	ConfigPath string
	// Config, when set, is used instead of loading ConfigPath.
	Config *config.Config
}

// Module returns the fx module for the relay, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatrelay",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStore,
			provideRegistry,
			provideDispatcher,
			provideServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
		fx.Invoke(registerServer, registerMetrics, registerControl),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.Load(p.ConfigPath)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFile)
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*db.DB, error) {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	result, err := store.Migrate()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", cfg.DBPath))

	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func provideRegistry(logger *zap.Logger) *registry.Registry {
	return registry.New(logger.Named("registry"))
}

func provideDispatcher(store *db.DB, reg *registry.Registry, cfg *config.Config, logger *zap.Logger) *server.Dispatcher {
	return server.NewDispatcher(store, reg, logger.Named("dispatch"), server.DispatcherOptions{
		ReplyUnknown: cfg.ReplyUnknown,
		RequireAuth:  cfg.RequireAuth,
	})
}

func provideServer(d *server.Dispatcher, reg *registry.Registry, cfg *config.Config, logger *zap.Logger) *server.Server {
	return server.New(d, reg, &server.ServerConfig{
		Port:         cfg.Port,
		WriteTimeout: cfg.WriteTimeout,
		MaxLineBytes: cfg.MaxLineBytes,
	}, logger)
}

func registerServer(lc fx.Lifecycle, srv *server.Server, shutdowner fx.Shutdowner, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := srv.Listen()
			if err != nil {
				cancel()
				return err
			}
			go func() {
				defer close(done)
				if err := srv.Serve(ctx, ln); err != nil {
					logger.Error("relay server error", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			logger.Info("relay stopped", zap.Int("open_connections", srv.ActiveConnections()))
			return nil
		},
	})
}

func registerMetrics(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) {
	if cfg.MetricsAddr == "" {
		return
	}
	ms := metrics.NewServer(cfg.MetricsAddr, logger)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				return err
			}
			go func() {
				if err := ms.Serve(ln); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: ms.Shutdown,
	})
}

func registerControl(lc fx.Lifecycle, cfg *config.Config, srv *server.Server, shutdowner fx.Shutdowner, logger *zap.Logger) {
	if cfg.ControlSocket == "" {
		return
	}
	ctl := control.New(cfg.ControlSocket, srv, func(reason string) {
		logger.Info("shutting down", zap.String("reason", reason))
		_ = shutdowner.Shutdown()
	}, logger.Named("control"))

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return ctl.Start() },
		OnStop:  func(context.Context) error { return ctl.Stop() },
	})
}
