package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/intake/internal/isolation"
)

// Config holds all intake configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`
	PublicRuns bool   `json:"public_runs"`
	// APITokens maps a subject to its bearer token.
	APITokens map[string]string `json:"api_tokens,omitempty"`
	// VaultKey is a hex 32-byte master key or a passphrase.
	VaultKey string `json:"vault_key,omitempty"`

	DatastoreURL     string `json:"datastore_url,omitempty"`
	DocumentsWebhook string `json:"documents_webhook,omitempty"`
	DocumentsS3      S3     `json:"documents_s3"`

	OutboxSchedule string   `json:"outbox_schedule"`
	AllowedHosts   []string `json:"allowed_hosts,omitempty"`

	HookTimeoutMs  int    `json:"hook_timeout_ms"`
	PythonPath     string `json:"python_path,omitempty"`
	ScriptMemoryMB int    `json:"script_memory_mb"`
	// ScriptUID is the identity python hooks run under when serving as root.
	ScriptUID int `json:"script_uid"`
}

// S3 configures the object-store document trigger.
type S3 struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:     ":4200",
		DBPath:         filepath.Join(intakeDir(), "intake.db"),
		LogLevel:       "info",
		PoolSize:       10,
		OutboxSchedule: "@every 30s",
		HookTimeoutMs:  5000,
		ScriptMemoryMB: 128,
		ScriptUID:      isolation.NobodyID,
	}
}

func intakeDir() string {
	if v := os.Getenv("INTAKE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".intake"
	}
	return filepath.Join(home, ".intake")
}

func settingsPath() string {
	return filepath.Join(intakeDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(intakeDir(), "intake.pid")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"INTAKE_LISTEN_ADDR":             &cfg.ListenAddr,
		"INTAKE_DB_PATH":                 &cfg.DBPath,
		"INTAKE_LOG_LEVEL":               &cfg.LogLevel,
		"INTAKE_VAULT_KEY":               &cfg.VaultKey,
		"INTAKE_DATASTORE_URL":           &cfg.DatastoreURL,
		"INTAKE_DOCUMENTS_WEBHOOK":       &cfg.DocumentsWebhook,
		"INTAKE_DOCUMENTS_S3_ENDPOINT":   &cfg.DocumentsS3.Endpoint,
		"INTAKE_DOCUMENTS_S3_BUCKET":     &cfg.DocumentsS3.Bucket,
		"INTAKE_DOCUMENTS_S3_REGION":     &cfg.DocumentsS3.Region,
		"INTAKE_DOCUMENTS_S3_PREFIX":     &cfg.DocumentsS3.Prefix,
		"INTAKE_DOCUMENTS_S3_ACCESS_KEY": &cfg.DocumentsS3.AccessKey,
		"INTAKE_DOCUMENTS_S3_SECRET_KEY": &cfg.DocumentsS3.SecretKey,
		"INTAKE_OUTBOX_SCHEDULE":         &cfg.OutboxSchedule,
		"INTAKE_PYTHON_PATH":             &cfg.PythonPath,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"INTAKE_POOL_SIZE":        &cfg.PoolSize,
		"INTAKE_HOOK_TIMEOUT_MS":  &cfg.HookTimeoutMs,
		"INTAKE_SCRIPT_MEMORY_MB": &cfg.ScriptMemoryMB,
		"INTAKE_SCRIPT_UID":       &cfg.ScriptUID,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"INTAKE_PUBLIC_RUNS":          &cfg.PublicRuns,
		"INTAKE_DOCUMENTS_S3_USE_SSL": &cfg.DocumentsS3.UseSSL,
	}
	for key, dst := range bools {
		if v := getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	if v := getenv("INTAKE_ALLOWED_HOSTS"); v != "" {
		cfg.AllowedHosts = splitList(v)
	}
	if v := getenv("INTAKE_API_TOKENS"); v != "" {
		tokens, err := parseTokens(v)
		if err != nil {
			return err
		}
		cfg.APITokens = tokens
	}
	return nil
}

// parseTokens reads "subject=token,subject=token".
func parseTokens(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitList(s) {
		subject, token, ok := strings.Cut(pair, "=")
		if !ok || subject == "" || token == "" {
			return nil, fmt.Errorf("INTAKE_API_TOKENS: %q is not subject=token", pair)
		}
		out[subject] = token
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// saveConfig writes only the fields that differ from the defaults, so new
// defaults in later releases still apply to untouched settings.
func saveConfig(cfg Config) (string, error) {
	full, err := toMap(cfg)
	if err != nil {
		return "", err
	}
	defaults, err := toMap(defaultConfig())
	if err != nil {
		return "", err
	}
	for k, v := range full {
		if reflect.DeepEqual(defaults[k], v) {
			delete(full, k)
		}
	}

	if err := os.MkdirAll(intakeDir(), 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", intakeDir(), err)
	}
	data, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return "", err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func toMap(cfg Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// setConfigValue assigns a settings.json key given as a string.
func setConfigValue(cfg *Config, key, value string) error {
	m, err := toMap(*cfg)
	if err != nil {
		return err
	}
	var parsed any = value
	switch key {
	case "pool_size", "hook_timeout_ms", "script_memory_mb", "script_uid":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer", key)
		}
		parsed = n
	case "public_runs":
		parsed = value == "true" || value == "1"
	case "allowed_hosts":
		parsed = splitList(value)
	case "api_tokens":
		tokens, err := parseTokens(value)
		if err != nil {
			return err
		}
		parsed = tokens
	case "documents_s3.use_ssl":
		m["documents_s3"].(map[string]any)["use_ssl"] = value == "true" || value == "1"
		return fromMap(cfg, m, key)
	default:
		if field, ok := strings.CutPrefix(key, "documents_s3."); ok {
			if !slices.Contains(s3Keys, field) {
				return fmt.Errorf("unknown setting %q", key)
			}
			m["documents_s3"].(map[string]any)[field] = value
			return fromMap(cfg, m, key)
		}
		if _, ok := m[key]; !ok && !slices.Contains(optionalKeys, key) {
			return fmt.Errorf("unknown setting %q", key)
		}
	}
	m[key] = parsed
	return fromMap(cfg, m, key)
}

func fromMap(cfg *Config, m map[string]any, key string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	next := Config{}
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*cfg = next
	return nil
}

// optionalKeys are omitted from the JSON form when empty.
var optionalKeys = []string{"vault_key", "datastore_url", "documents_webhook", "python_path"}

var s3Keys = []string{"endpoint", "bucket", "region", "prefix", "access_key", "secret_key"}

// configDiff describes what changed between two configurations.
type configDiff struct {
	RoutesChanged   bool // api tokens or public runs
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.PublicRuns != new.PublicRuns || !reflect.DeepEqual(old.APITokens, new.APITokens) {
		d.RoutesChanged = true
	}
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		name    string
		changed bool
	}{
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"db_path", old.DBPath != new.DBPath},
		{"pool_size", old.PoolSize != new.PoolSize},
		{"vault_key", old.VaultKey != new.VaultKey},
		{"datastore_url", old.DatastoreURL != new.DatastoreURL},
		{"documents_webhook", old.DocumentsWebhook != new.DocumentsWebhook},
		{"documents_s3", old.DocumentsS3 != new.DocumentsS3},
		{"outbox_schedule", old.OutboxSchedule != new.OutboxSchedule},
		{"allowed_hosts", !slices.Equal(old.AllowedHosts, new.AllowedHosts)},
		{"hook_timeout_ms", old.HookTimeoutMs != new.HookTimeoutMs},
		{"python_path", old.PythonPath != new.PythonPath},
		{"script_memory_mb", old.ScriptMemoryMB != new.ScriptMemoryMB},
		{"script_uid", old.ScriptUID != new.ScriptUID},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartNeeded = append(d.RestartNeeded, f.name)
		}
	}
	return d
}
