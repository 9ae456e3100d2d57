package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/intake/internal/effects"
	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/hooks"
	"github.com/rendis/intake/internal/httpclient"
	"github.com/rendis/intake/internal/isolation"
	"github.com/rendis/intake/internal/logging"
	"github.com/rendis/intake/internal/logic"
	"github.com/rendis/intake/internal/sandbox"
	"github.com/rendis/intake/internal/scheduler"
	"github.com/rendis/intake/internal/secrets"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/internal/streaming"
	"github.com/rendis/intake/internal/validation"
	"github.com/rendis/intake/pkg/schema"
)

// app is the wired engine shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	validator *validation.WorkflowValidator
	coord     *engine.Coordinator
	live      *effects.LiveSink
	closers   []func() error
}

// newLogger builds the JSON logger with run correlation. The returned level
// can be changed at runtime.
func newLogger(w io.Writer, level string) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(logging.ParseLevel(level))
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	return slog.New(logging.NewCorrelationHandler(h)), lv
}

func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	a.store, err = store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var vault secrets.Vault
	if cfg.VaultKey != "" {
		if vault, err = openVault(a.store, cfg.VaultKey); err != nil {
			return nil, err
		}
	}
	var resolver expressions.SecretResolver
	if vault != nil {
		resolver = vault
	}

	client := httpclient.New(httpclient.Config{AllowedHosts: cfg.AllowedHosts, UserAgent: "intake/" + version})

	datastore, err := openDatastore(ctx, a, cfg)
	if err != nil {
		return nil, err
	}
	documents, err := openDocuments(client, cfg)
	if err != nil {
		return nil, err
	}

	a.hub = streaming.NewMemoryHub(256)
	a.live = effects.NewLiveSink(effects.LiveSinkConfig{
		Client:       client,
		Interpolator: expressions.NewInterpolator(resolver),
		Datastore:    datastore,
		Documents:    documents,
		Breakers:     effects.NewBreakers(effects.DefaultBreakerConfig()),
		Logger:       logger,
	})

	iso, err := isolation.NewIsolator()
	if err != nil {
		iso = isolation.NewFallbackIsolator()
	}
	scripts := sandbox.NewEngine(sandbox.NewLibrary(client), logger,
		sandbox.NewJavaScriptRuntime(),
		sandbox.NewLuaRuntime(),
		sandbox.NewPythonRuntime(iso, cfg.PythonPath, isolationLimits(cfg)),
	)
	scripts.SetDefaultTimeout(time.Duration(cfg.HookTimeoutMs) * time.Millisecond)

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	exprEngine := expressions.NewExprEngine()
	jq := expressions.NewGoJQEngine()
	orch := hooks.NewOrchestrator(scripts, exprEngine, jq, a.store, logger)

	a.validator, err = validation.NewWorkflowValidator(validation.Options{
		Languages: orch,
		Rules:     cel,
		Transforms: map[schema.Language]expressions.TransformCompiler{
			schema.LangExpr: exprEngine,
			schema.LangJQ:   jq,
		},
	})
	if err != nil {
		return nil, err
	}

	a.coord, err = engine.NewCoordinator(engine.Config{
		Store:      a.store,
		Evaluator:  logic.NewEvaluator(cel),
		Hooks:      orch,
		Dispatcher: effects.NewDispatcher(effects.NewPreviewSink(), a.live, logger),
		Validator:  a.validator,
		Hub:        a.hub,
		Pool:       engine.NewWorkerPool(max(cfg.PoolSize, 1)),
		Retry:      scheduler.DefaultRetryPolicy(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func isolationLimits(cfg Config) isolation.ResourceLimits {
	limits := isolation.ResourceLimits{MaxMemoryBytes: int64(cfg.ScriptMemoryMB) << 20}
	if cfg.ScriptUID > 0 {
		limits.RunAsUID = uint32(cfg.ScriptUID)
		limits.RunAsGID = uint32(cfg.ScriptUID)
	}
	return limits
}

// sweeper returns the outbox sweeper bound to the live sink.
func (a *app) sweeper() *scheduler.Sweeper {
	return scheduler.NewSweeper(a.store, a.live, scheduler.Config{
		Spec:   a.cfg.OutboxSchedule,
		Policy: scheduler.DefaultRetryPolicy(),
		Hub:    a.hub,
		Logger: a.logger,
	})
}

// Close stops the coordinator and releases databases in reverse order.
func (a *app) Close() {
	if a.coord != nil {
		a.coord.Shutdown()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}

// openVault accepts a hex master key or a passphrase. Passphrases are
// stretched with a salt kept next to the settings file.
func openVault(s secrets.SecretStore, key string) (secrets.Vault, error) {
	if raw, err := secrets.ParseMasterKey(key); err == nil {
		return secrets.NewAESVault(s, secrets.VaultConfig{MasterKey: raw})
	}
	salt, err := vaultSalt()
	if err != nil {
		return nil, err
	}
	return secrets.NewAESVault(s, secrets.VaultConfig{Passphrase: key, Salt: salt})
}

func vaultSalt() ([]byte, error) {
	path := filepath.Join(intakeDir(), "vault.salt")
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == 16 {
		return salt, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read vault salt: %w", err)
	}
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(intakeDir(), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

// openDatastore uses postgres when datastore_url is set and the embedded
// database otherwise.
func openDatastore(ctx context.Context, a *app, cfg Config) (effects.Datastore, error) {
	if cfg.DatastoreURL == "" {
		return effects.NewSQLDatastore(a.store.DB(), effects.DialectSQLite), nil
	}
	ds, err := effects.OpenPostgresDatastore(ctx, cfg.DatastoreURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, ds.Close)
	return ds, nil
}

// openDocuments prefers the webhook when both targets are configured. It
// returns nil when neither is, and live document effects then fail.
func openDocuments(client *httpclient.Client, cfg Config) (effects.DocumentTrigger, error) {
	switch {
	case cfg.DocumentsWebhook != "":
		return effects.NewWebhookDocumentTrigger(client, cfg.DocumentsWebhook), nil
	case cfg.DocumentsS3.Endpoint != "":
		return effects.NewObjectStoreDocumentTrigger(effects.ObjectStoreConfig{
			Endpoint:  cfg.DocumentsS3.Endpoint,
			AccessKey: cfg.DocumentsS3.AccessKey,
			SecretKey: cfg.DocumentsS3.SecretKey,
			Region:    cfg.DocumentsS3.Region,
			Bucket:    cfg.DocumentsS3.Bucket,
			Prefix:    cfg.DocumentsS3.Prefix,
			UseSSL:    cfg.DocumentsS3.UseSSL,
		})
	}
	return nil, nil
}
