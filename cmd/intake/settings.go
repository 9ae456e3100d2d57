package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/intake/internal/store"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings.json",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				return printConfig(cmd.OutOrStdout(), cfg)
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Persist one setting (nested S3 keys use documents_s3.<field>)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := settingsOnly()
				if err != nil {
					return err
				}
				if err := setConfigValue(&cfg, args[0], args[1]); err != nil {
					return err
				}
				path, err := saveConfig(cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s updated; send SIGHUP to a running server to reload\n", path)
				return nil
			},
		},
	)
	return cmd
}

// settingsOnly loads defaults and settings.json without env overrides, so
// saving never persists values that came from the environment.
func settingsOnly() (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(settingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
	}
	return cfg, nil
}

// printConfig masks credentials.
func printConfig(w io.Writer, cfg Config) error {
	const masked = "********"
	if cfg.VaultKey != "" {
		cfg.VaultKey = masked
	}
	if cfg.DocumentsS3.SecretKey != "" {
		cfg.DocumentsS3.SecretKey = masked
	}
	if len(cfg.APITokens) > 0 {
		tokens := make(map[string]string, len(cfg.APITokens))
		for subject := range cfg.APITokens {
			tokens[subject] = masked
		}
		cfg.APITokens = tokens
	}
	if i := strings.Index(cfg.DatastoreURL, "@"); i > 0 {
		cfg.DatastoreURL = masked + cfg.DatastoreURL[i:]
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage vault secrets referenced as ${{secrets.KEY}}",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Encrypt and store a secret",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withVault(cmd.Context(), func(v vault) error {
					return v.Store(cmd.Context(), args[0], []byte(args[1]))
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List secret keys",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withVault(cmd.Context(), func(v vault) error {
					keys, err := v.List(cmd.Context())
					if err != nil {
						return err
					}
					for _, k := range keys {
						fmt.Fprintln(cmd.OutOrStdout(), k)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Delete a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withVault(cmd.Context(), func(v vault) error {
					return v.Delete(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

type vault interface {
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// withVault opens the configured store and vault for one secret command.
func withVault(ctx context.Context, fn func(vault) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.VaultKey == "" {
		return fmt.Errorf("vault_key is not configured (set INTAKE_VAULT_KEY)")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return err
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	v, err := openVault(s, cfg.VaultKey)
	if err != nil {
		return err
	}
	return fn(v)
}
