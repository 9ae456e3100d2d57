package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/intake/internal/api"
	"github.com/rendis/intake/internal/identity"
	"github.com/rendis/intake/internal/logging"
)

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and sweep the dispatch outbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen_addr)")
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	logger, level := newLogger(os.Stderr, cfg.LogLevel)
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sweeper := a.sweeper()
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	handler, err := apiHandler(a, cfg)
	if err != nil {
		return err
	}
	swapper := newHandlerSwapper(handler)

	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		logger.Warn("pid file not written", slog.Any("error", err))
	}
	defer os.Remove(pidPath())

	go reloadOnHangup(ctx, a, cfg, level, swapper)
	return api.Serve(ctx, cfg.ListenAddr, swapper, logger)
}

func apiHandler(a *app, cfg Config) (http.Handler, error) {
	tokens, err := identity.NewDirectory(cfg.APITokens)
	if err != nil {
		return nil, err
	}
	if tokens.Empty() {
		a.logger.Warn("no api tokens configured; authenticated routes will reject every request")
	}
	return api.NewServer(api.Deps{
		Coordinator: a.coord,
		Store:       a.store,
		Hub:         a.hub,
		Tokens:      tokens,
		Logger:      a.logger,
		PublicRuns:  cfg.PublicRuns,
	}), nil
}

// reloadOnHangup re-reads the configuration on SIGHUP and applies what can
// change without a restart.
func reloadOnHangup(ctx context.Context, a *app, current Config, level *slog.LevelVar, swapper *handlerSwapper) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next, err := loadConfig()
		if err != nil {
			a.logger.Error("config reload failed", slog.Any("error", err))
			continue
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
		}
		if d.RoutesChanged {
			h, err := apiHandler(a, next)
			if err != nil {
				a.logger.Error("api reload failed", slog.Any("error", err))
				continue
			}
			swapper.Swap(h)
		}
		if len(d.RestartNeeded) > 0 {
			a.logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
		}
		a.logger.Info("configuration reloaded",
			slog.Bool("routes_changed", d.RoutesChanged),
			slog.Bool("log_level_changed", d.LogLevelChanged))
		current = next
	}
}
