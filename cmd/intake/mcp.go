package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/intake/internal/identity"
	"github.com/rendis/intake/pkg/mcp"
	"github.com/rendis/intake/pkg/schema"
)

func newMCPCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the intake tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := identity.ValidateSubject(subject); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol; logs go to stderr.
			logger, _ := newLogger(os.Stderr, cfg.LogLevel)
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

			srv := mcp.NewIntakeServer(mcp.IntakeServerDeps{
				Coordinator: a.coord,
				Store:       a.store,
				Creator:     schema.Creator{Kind: schema.CreatorUser, ID: subject},
				Logger:      logger,
			})
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "mcp", "creator recorded on runs and versions")
	return cmd
}
