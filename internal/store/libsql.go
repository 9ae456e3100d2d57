package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/intake/pkg/schema"
)

var _ Store = (*LibSQLStore)(nil)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/intake.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (shared with the embedded datastore).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Versions ---

func (s *LibSQLStore) PublishVersion(ctx context.Context, v *WorkflowVersion) error {
	if v.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "version has no definition")
	}
	def, err := json.Marshal(v.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin publish", err)
	}
	defer tx.Rollback()

	if v.Version == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_versions WHERE workflow_id = ?`, v.WorkflowID,
		).Scan(&v.Version); err != nil {
			return storeErr("next version", err)
		}
	}
	v.PublishedAt = timeOrNow(v.PublishedAt)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, workflow_id, version, name, definition, checksum, published_by, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.WorkflowID, v.Version, nullStr(v.Name), string(def), v.Checksum, nullStr(v.PublishedBy), v.PublishedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s version %d already published", v.WorkflowID, v.Version).WithCause(err)
		}
		return storeErr("insert version", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit publish", err)
	}
	return nil
}

const versionColumns = `id, workflow_id, version, name, definition, checksum, published_by, published_at`

func (s *LibSQLStore) GetVersion(ctx context.Context, id string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM workflow_versions WHERE id = ?`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow version", id)
	}
	return v, err
}

func (s *LibSQLStore) LatestVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions WHERE workflow_id = ? ORDER BY version DESC LIMIT 1`, workflowID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", workflowID)
	}
	return v, err
}

func (s *LibSQLStore) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM workflow_versions`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY workflow_id, version DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list versions", err)
	}
	defer rows.Close()

	var out []*WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	var name, publishedBy sql.NullString
	var def string
	if err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &name, &def, &v.Checksum, &publishedBy, &v.PublishedAt); err != nil {
		return nil, err
	}
	v.Name = name.String
	v.PublishedBy = publishedBy.String
	v.Definition = &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(def), v.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", v.ID, err)
	}
	return v, nil
}

// --- Runs ---

const runColumns = `id, workflow_id, version_id, status, current_section_id, mode, creator_kind, creator_id,
	progress, answers, version, created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run, events ...*schema.RunEvent) error {
	answers, err := marshalMap(run.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	if run.Version == 0 {
		run.Version = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin create run", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.VersionID, string(run.Status), nullStr(run.CurrentSectionID), string(run.Mode),
		string(run.Creator.Kind), nullStr(run.Creator.ID), run.Progress, answers, run.Version,
		run.CreatedAt, run.UpdatedAt, nullTime(run.CompletedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID).WithCause(err)
		}
		return storeErr("insert run", err)
	}
	if err := appendEventsTx(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit create run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, run *schema.Run, expectedVersion int64, events ...*schema.RunEvent) error {
	answers, err := marshalMap(run.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	run.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin update run", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_section_id = ?, progress = ?, answers = ?, version = version + 1,
		   updated_at = ?, completed_at = ?
		 WHERE id = ? AND version = ?`,
		string(run.Status), nullStr(run.CurrentSectionID), run.Progress, answers,
		run.UpdatedAt, nullTime(run.CompletedAt), run.ID, expectedVersion,
	)
	if err != nil {
		return storeErr("update run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update run", err)
	}
	if n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM runs WHERE id = ?`, run.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("run", run.ID)
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s was modified concurrently (expected version %d, found %d)", run.ID, expectedVersion, current).
			WithDetails(map[string]any{"expected_version": expectedVersion, "current_version": current})
	}

	if err := appendEventsTx(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit update run", err)
	}
	run.Version = expectedVersion + 1
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.VersionID != "" {
		where = append(where, "version_id = ?")
		args = append(args, filter.VersionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []*schema.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row scanner) (*schema.Run, error) {
	r := &schema.Run{}
	var status, mode, creatorKind, answers string
	var section, creatorID sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.VersionID, &status, &section, &mode, &creatorKind, &creatorID,
		&r.Progress, &answers, &r.Version, &r.CreatedAt, &r.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.Mode = schema.Mode(mode)
	r.CurrentSectionID = section.String
	r.Creator = schema.Creator{Kind: schema.CreatorKind(creatorKind), ID: creatorID.String}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	r.Answers = map[string]any{}
	if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
		return nil, fmt.Errorf("unmarshal answers for run %s: %w", r.ID, err)
	}
	return r, nil
}

// --- Run events ---

func (s *LibSQLStore) AppendEvents(ctx context.Context, events ...*schema.RunEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append events", err)
	}
	defer tx.Rollback()
	if err := appendEventsTx(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit events", err)
	}
	return nil
}

// appendEventsTx assigns each event the next per-run sequence inside tx.
func appendEventsTx(ctx context.Context, tx *sql.Tx, events []*schema.RunEvent) error {
	for _, e := range events {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, e.RunID,
		).Scan(&seq); err != nil {
			return storeErr("next event sequence", err)
		}
		e.Sequence = seq
		if e.ID == "" {
			e.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
		}
		e.Timestamp = timeOrNow(e.Timestamp)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_events (id, run_id, sequence, event_type, section_id, payload, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.RunID, seq, e.Type, nullStr(e.SectionID), nullRaw(e.Payload), e.Timestamp,
		); err != nil {
			return storeErr("insert event", err)
		}
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, event_type, section_id, payload, timestamp
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var out []*schema.RunEvent
	for rows.Next() {
		e := &schema.RunEvent{}
		var section, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Type, &section, &payload, &e.Timestamp); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.SectionID = section.String
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Execution logs ---

func (s *LibSQLStore) AppendExecutionLog(ctx context.Context, log *schema.ExecutionLog) error {
	console, err := json.Marshal(log.Console)
	if err != nil {
		return fmt.Errorf("marshal console: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (id, run_id, hook_id, hook_name, phase, section_id, language, status,
		   console, input, output, error, duration_ms, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.RunID, log.HookID, nullStr(log.HookName), string(log.Phase), nullStr(log.SectionID),
		string(log.Language), string(log.Status), string(console), nullRaw(log.Input), nullRaw(log.Output),
		nullStr(log.Error), log.DurationMs, timeOrNow(log.StartedAt), timeOrNow(log.FinishedAt),
	)
	if err != nil {
		return storeErr("insert execution log", err)
	}
	return nil
}

func (s *LibSQLStore) ListExecutionLogs(ctx context.Context, runID string) ([]*schema.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, hook_id, hook_name, phase, section_id, language, status, console, input, output,
		   error, duration_ms, started_at, finished_at
		 FROM execution_logs WHERE run_id = ? ORDER BY started_at ASC, id ASC`, runID)
	if err != nil {
		return nil, storeErr("list execution logs", err)
	}
	defer rows.Close()

	var out []*schema.ExecutionLog
	for rows.Next() {
		l := &schema.ExecutionLog{}
		var hookName, section, console, input, output, errMsg sql.NullString
		var phase, lang, status string
		if err := rows.Scan(&l.ID, &l.RunID, &l.HookID, &hookName, &phase, &section, &lang, &status,
			&console, &input, &output, &errMsg, &l.DurationMs, &l.StartedAt, &l.FinishedAt); err != nil {
			return nil, storeErr("scan execution log", err)
		}
		l.HookName = hookName.String
		l.Phase = schema.Phase(phase)
		l.SectionID = section.String
		l.Language = schema.Language(lang)
		l.Status = schema.ExecStatus(status)
		l.Input = rawOrNil(input)
		l.Output = rawOrNil(output)
		l.Error = errMsg.String
		if console.Valid && console.String != "" && console.String != "null" {
			if err := json.Unmarshal([]byte(console.String), &l.Console); err != nil {
				return nil, fmt.Errorf("unmarshal console for log %s: %w", l.ID, err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Outbox ---

const outboxColumns = `id, run_id, effect_id, kind, effect, payload, data, run_info, status, attempts, max_attempts,
	last_error, next_attempt_at, created_at, updated_at`

func (s *LibSQLStore) EnqueueOutbox(ctx context.Context, e *OutboxEntry) error {
	effect, err := json.Marshal(e.Effect)
	if err != nil {
		return fmt.Errorf("marshal effect: %w", err)
	}
	payload, err := marshalMap(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := marshalMap(e.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	runInfo, err := json.Marshal(e.Run)
	if err != nil {
		return fmt.Errorf("marshal run info: %w", err)
	}
	if e.Status == "" {
		e.Status = OutboxPending
	}
	e.CreatedAt = timeOrNow(e.CreatedAt)
	e.UpdatedAt = e.CreatedAt
	e.NextAttemptAt = timeOrNow(e.NextAttemptAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dispatch_outbox (`+outboxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.EffectID, string(e.Kind), string(effect), payload, data, string(runInfo),
		string(e.Status), e.Attempts, e.MaxAttempts, nullStr(e.LastError), e.NextAttemptAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return storeErr("insert outbox entry", err)
	}
	return nil
}

// DueOutbox returns pending entries whose next attempt is not in the future.
// The due-time cut is applied after scanning so it does not depend on how the
// driver serializes timestamps.
func (s *LibSQLStore) DueOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM dispatch_outbox WHERE status = ? ORDER BY next_attempt_at ASC`,
		string(OutboxPending))
	if err != nil {
		return nil, storeErr("due outbox", err)
	}
	defer rows.Close()
	pending, err := scanOutbox(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var due []*OutboxEntry
	for _, e := range pending {
		if e.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, e)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *LibSQLStore) UpdateOutbox(ctx context.Context, id string, u OutboxUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_outbox SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(u.Status), u.Attempts, nullStr(u.LastError), timeOrNow(u.NextAttemptAt), time.Now().UTC(), id)
	if err != nil {
		return storeErr("update outbox entry", err)
	}
	return checkRowsAffected(res, "outbox entry", id)
}

func (s *LibSQLStore) ListOutbox(ctx context.Context, filter OutboxFilter) ([]*OutboxEntry, error) {
	var where []string
	var args []any
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + outboxColumns + ` FROM dispatch_outbox`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list outbox", err)
	}
	defer rows.Close()
	return scanOutbox(rows)
}

func scanOutbox(rows *sql.Rows) ([]*OutboxEntry, error) {
	var out []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		var kind, effect, payload, status string
		var data, runInfo, lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.EffectID, &kind, &effect, &payload, &data, &runInfo, &status,
			&e.Attempts, &e.MaxAttempts, &lastErr, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, storeErr("scan outbox entry", err)
		}
		e.Kind = schema.EffectKind(kind)
		e.Status = OutboxStatus(status)
		e.LastError = lastErr.String
		if err := json.Unmarshal([]byte(effect), &e.Effect); err != nil {
			return nil, fmt.Errorf("unmarshal outbox effect %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal outbox payload %s: %w", e.ID, err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal outbox data %s: %w", e.ID, err)
			}
		}
		if runInfo.Valid && runInfo.String != "" {
			if err := json.Unmarshal([]byte(runInfo.String), &e.Run); err != nil {
				return nil, fmt.Errorf("unmarshal outbox run %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.IntakeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) *schema.IntakeError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}
