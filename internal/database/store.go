package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const uniqueViolation = "23505"

const sessionColumns = `id, scope_target_id, target_type, target_value, pipeline, config_snapshot,
	status, current_step, is_paused, is_cancelled, started_at, updated_at, ended_at, error_message,
	final_consolidated_subdomains, final_live_web_servers, final_company_domains, final_network_ranges`

const scanJobColumns = `scan_id, session_id, step, tool, status, result_ref, error_message, created_at, updated_at`

// Store is the PostgreSQL implementation of the session, result and
// target stores.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

type sessionRow struct {
	types.Session
	Snapshot []byte `db:"config_snapshot"`
}

func (r *sessionRow) toSession() (*types.Session, error) {
	s := r.Session
	s.ConfigSnapshot = types.ConfigSnapshot{}
	if len(r.Snapshot) > 0 {
		if err := json.Unmarshal(r.Snapshot, &s.ConfigSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode config snapshot: %w", err)
		}
	}
	return &s, nil
}

type toolResultRow struct {
	types.ToolResult
	ItemsJSON []byte `db:"items"`
}

// NewStore connects to PostgreSQL, retrying with exponential backoff while
// the database comes up, and applies pending migrations.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	log = log.WithComponent("database")

	var db *sqlx.DB
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout

	operation := func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
		if err != nil {
			log.Warnw("Database not reachable yet", "error", err, "dsn", maskDSN(cfg.DSN))
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &Store{db: db, cfg: cfg, logger: log}

	if err := NewMigrationRunner(db, log).RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Database store initialized", "max_connections", cfg.MaxConnections)
	return store, nil
}

// maskDSN masks credentials in a DSN for logging
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}

func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	start := time.Now()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.StartedAt.IsZero() {
		session.StartedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = types.SessionStatusRunning
	}

	snapshot, err := json.Marshal(session.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode config snapshot: %w", err)
	}

	query := `
		INSERT INTO auto_scan_sessions (
			id, scope_target_id, target_type, target_value, pipeline, config_snapshot,
			status, current_step, is_paused, is_cancelled, started_at, updated_at
		) VALUES (
			:id, :scope_target_id, :target_type, :target_value, :pipeline, :config_snapshot,
			:status, :current_step, :is_paused, :is_cancelled, :started_at, :updated_at
		)`

	row := sessionRow{Session: *session, Snapshot: snapshot}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if isUniqueViolation(err, "idx_auto_scan_sessions_active") {
			return core.ErrSessionConflict
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}

	s.logger.LogDatabaseOperation(ctx, "insert", "auto_scan_sessions", 1, time.Since(start),
		"session_id", session.ID,
	)
	return nil
}

func (s *Store) getSession(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*types.Session, error) {
	var row sessionRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toSession()
}

func (s *Store) selectSessions(ctx context.Context, query string, args ...interface{}) ([]*types.Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]*types.Session, 0, len(rows))
	for i := range rows {
		session, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	return s.getSession(ctx, s.db,
		`SELECT `+sessionColumns+` FROM auto_scan_sessions WHERE id = $1`, id)
}

func (s *Store) ActiveSession(ctx context.Context, targetID string) (*types.Session, error) {
	return s.getSession(ctx, s.db,
		`SELECT `+sessionColumns+` FROM auto_scan_sessions
		 WHERE scope_target_id = $1 AND status IN ('running', 'paused')`, targetID)
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return s.selectSessions(ctx,
		`SELECT `+sessionColumns+` FROM auto_scan_sessions
		 WHERE status IN ('running', 'paused') ORDER BY started_at DESC`)
}

func (s *Store) ListSessions(ctx context.Context, targetID string) ([]*types.Session, error) {
	if targetID == "" {
		return s.selectSessions(ctx,
			`SELECT `+sessionColumns+` FROM auto_scan_sessions ORDER BY started_at DESC`)
	}
	return s.selectSessions(ctx,
		`SELECT `+sessionColumns+` FROM auto_scan_sessions
		 WHERE scope_target_id = $1 ORDER BY started_at DESC`, targetID)
}

// lockedSession is the part of the session row read under the lock.
type lockedSession struct {
	Status         types.SessionStatus `db:"status"`
	IsPaused       bool                `db:"is_paused"`
	IsCancelled    bool                `db:"is_cancelled"`
	LeaseOwner     sql.NullString      `db:"lease_owner"`
	LeaseExpiresAt sql.NullTime        `db:"lease_expires_at"`
}

// withLockedSession runs fn in a transaction holding the session row lock.
// Terminal sessions are refused before fn runs.
func (s *Store) withLockedSession(ctx context.Context, sessionID string, fn func(tx *sqlx.Tx, locked lockedSession) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var locked lockedSession
	if err := tx.GetContext(ctx, &locked,
		`SELECT status, is_paused, is_cancelled, lease_owner, lease_expires_at
			FROM auto_scan_sessions WHERE id = $1 FOR UPDATE`, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrSessionNotFound
		}
		return fmt.Errorf("failed to lock session: %w", err)
	}
	if locked.Status.IsTerminal() {
		return core.ErrSessionTerminal
	}

	if err := fn(tx, locked); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) AdvanceStep(ctx context.Context, sessionID string, record types.StepRecord, next types.Step) error {
	start := time.Now()
	record.SessionID = sessionID

	err := s.withLockedSession(ctx, sessionID, func(tx *sqlx.Tx, locked lockedSession) error {
		if locked.IsPaused && !locked.IsCancelled {
			return core.ErrSessionPaused
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO auto_scan_steps (
				session_id, step, position, status, scan_id, result_ref, item_count,
				error_message, started_at, ended_at
			) VALUES (
				:session_id, :step, :position, :status, :scan_id, :result_ref, :item_count,
				:error_message, :started_at, :ended_at
			)
			ON CONFLICT (session_id, step) DO UPDATE SET
				status = EXCLUDED.status,
				scan_id = EXCLUDED.scan_id,
				result_ref = EXCLUDED.result_ref,
				item_count = EXCLUDED.item_count,
				error_message = EXCLUDED.error_message,
				started_at = EXCLUDED.started_at,
				ended_at = EXCLUDED.ended_at`, record); err != nil {
			return fmt.Errorf("failed to record step: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE auto_scan_sessions SET current_step = $1, updated_at = $2 WHERE id = $3`,
			next, time.Now().UTC(), sessionID); err != nil {
			return fmt.Errorf("failed to advance current step: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.LogDatabaseOperation(ctx, "advance", "auto_scan_sessions", 1, time.Since(start),
		"session_id", sessionID,
		"step", record.Step,
		"next", next,
	)
	return nil
}

func (s *Store) ListStepRecords(ctx context.Context, sessionID string) ([]types.StepRecord, error) {
	var records []types.StepRecord
	if err := s.db.SelectContext(ctx, &records, `
		SELECT session_id, step, position, status, scan_id, result_ref, item_count,
			error_message, started_at, ended_at
		FROM auto_scan_steps WHERE session_id = $1 ORDER BY position`, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}
	return records, nil
}

func (s *Store) SetPaused(ctx context.Context, sessionID string, paused bool) (*types.Session, error) {
	status := types.SessionStatusRunning
	if paused {
		status = types.SessionStatusPaused
	}

	var updated *types.Session
	err := s.withLockedSession(ctx, sessionID, func(tx *sqlx.Tx, locked lockedSession) error {
		if locked.IsCancelled {
			return fmt.Errorf("%w: %w", core.ErrSessionTerminal, core.ErrCancelRequested)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE auto_scan_sessions SET is_paused = $1, status = $2, updated_at = $3 WHERE id = $4`,
			paused, status, time.Now().UTC(), sessionID); err != nil {
			return fmt.Errorf("failed to update pause flag: %w", err)
		}
		var err error
		updated, err = s.getSession(ctx, tx, `SELECT `+sessionColumns+` FROM auto_scan_sessions WHERE id = $1`, sessionID)
		return err
	})
	return updated, err
}

func (s *Store) RequestCancel(ctx context.Context, sessionID string) (*types.Session, error) {
	var updated *types.Session
	err := s.withLockedSession(ctx, sessionID, func(tx *sqlx.Tx, _ lockedSession) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE auto_scan_sessions SET is_cancelled = true, updated_at = $1 WHERE id = $2`,
			time.Now().UTC(), sessionID); err != nil {
			return fmt.Errorf("failed to update cancel flag: %w", err)
		}
		var err error
		updated, err = s.getSession(ctx, tx, `SELECT `+sessionColumns+` FROM auto_scan_sessions WHERE id = $1`, sessionID)
		return err
	})
	return updated, err
}

func (s *Store) FinishSession(ctx context.Context, sessionID string, status types.SessionStatus, errMsg string, tallies types.Tallies) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish session with non-terminal status %s", status)
	}

	return s.withLockedSession(ctx, sessionID, func(tx *sqlx.Tx, locked lockedSession) error {
		if err := locked.Status.ValidateTransition(status); err != nil {
			return err
		}
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE auto_scan_sessions SET
				status = $1, error_message = $2, is_paused = false, ended_at = $3, updated_at = $3,
				lease_owner = NULL, lease_expires_at = NULL,
				final_consolidated_subdomains = $4, final_live_web_servers = $5,
				final_company_domains = $6, final_network_ranges = $7
			WHERE id = $8`,
			status, errMsg, now,
			tallies.ConsolidatedSubdomains, tallies.LiveWebServers,
			tallies.CompanyDomains, tallies.NetworkRanges,
			sessionID)
		if err != nil {
			return fmt.Errorf("failed to finish session: %w", err)
		}
		return nil
	})
}

func (s *Store) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	return s.withLockedSession(ctx, sessionID, func(tx *sqlx.Tx, locked lockedSession) error {
		now := time.Now().UTC()
		if locked.LeaseOwner.Valid && locked.LeaseOwner.String != owner &&
			locked.LeaseExpiresAt.Valid && now.Before(locked.LeaseExpiresAt.Time) {
			return core.ErrSessionLeased
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE auto_scan_sessions SET lease_owner = $1, lease_expires_at = $2 WHERE id = $3`,
			owner, now.Add(ttl), sessionID); err != nil {
			return fmt.Errorf("failed to write session lease: %w", err)
		}
		return nil
	})
}

func (s *Store) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE auto_scan_sessions SET lease_owner = NULL, lease_expires_at = NULL WHERE id = $1 AND lease_owner = $2`,
		sessionID, owner); err != nil {
		return fmt.Errorf("failed to release session lease: %w", err)
	}
	return nil
}

func (s *Store) GetDefaultConfig(ctx context.Context) (types.ConfigSnapshot, error) {
	var raw []byte
	if err := s.db.GetContext(ctx, &raw, `SELECT config FROM auto_scan_config WHERE id = 1`); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}
	defaults := types.ConfigSnapshot{}
	if err := json.Unmarshal(raw, &defaults); err != nil {
		return nil, fmt.Errorf("failed to decode default config: %w", err)
	}
	return defaults, nil
}

func (s *Store) SaveDefaultConfig(ctx context.Context, defaults types.ConfigSnapshot) error {
	start := time.Now()
	raw, err := json.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_scan_config (id, config, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save default config: %w", err)
	}
	s.logger.LogDatabaseOperation(ctx, "upsert", "auto_scan_config", 1, time.Since(start))
	return nil
}

func (s *Store) CreateScanJob(ctx context.Context, job *types.ScanJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}

	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scan_jobs (`+scanJobColumns+`)
		VALUES (:scan_id, :session_id, :step, :tool, :status, :result_ref, :error_message, :created_at, :updated_at)`,
		job); err != nil {
		if isUniqueViolation(err, "idx_scan_jobs_active") {
			return core.ErrActiveJobExists
		}
		return fmt.Errorf("failed to insert scan job: %w", err)
	}
	return nil
}

func (s *Store) ActiveScanJob(ctx context.Context, sessionID string, step types.Step) (*types.ScanJob, error) {
	var job types.ScanJob
	err := s.db.GetContext(ctx, &job, `
		SELECT `+scanJobColumns+` FROM scan_jobs
		WHERE session_id = $1 AND step = $2 AND status IN ('pending', 'running', 'processing')`,
		sessionID, step)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrScanJobNotFound
		}
		return nil, fmt.Errorf("failed to get active scan job: %w", err)
	}
	return &job, nil
}

func (s *Store) UpdateScanJob(ctx context.Context, scanID string, status types.JobStatus, resultRef, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs SET status = $1, result_ref = $2, error_message = $3, updated_at = $4
		WHERE scan_id = $5`,
		status, resultRef, errMsg, time.Now().UTC(), scanID)
	if err != nil {
		return fmt.Errorf("failed to update scan job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrScanJobNotFound
	}
	return nil
}

func (s *Store) ListScanJobs(ctx context.Context, sessionID string) ([]*types.ScanJob, error) {
	var jobs []*types.ScanJob
	if err := s.db.SelectContext(ctx, &jobs,
		`SELECT `+scanJobColumns+` FROM scan_jobs WHERE session_id = $1 ORDER BY created_at`,
		sessionID); err != nil {
		return nil, fmt.Errorf("failed to list scan jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) AddAssets(ctx context.Context, sessionID string, kind types.AssetKind, step types.Step, values []string) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidated_assets (session_id, kind, value, first_step)
		SELECT $1, $2, v, $3 FROM unnest($4::text[]) AS v
		ON CONFLICT (session_id, kind, value) DO NOTHING`,
		sessionID, kind, step, pq.Array(values))
	if err != nil {
		return 0, fmt.Errorf("failed to add consolidated assets: %w", err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted asset count: %w", err)
	}

	s.logger.LogDatabaseOperation(ctx, "insert", "consolidated_assets", added, time.Since(start),
		"session_id", sessionID,
		"kind", kind,
	)
	return int(added), nil
}

func (s *Store) ListAssets(ctx context.Context, sessionID string, kind types.AssetKind) ([]string, error) {
	var values []string
	if err := s.db.SelectContext(ctx, &values,
		`SELECT value FROM consolidated_assets WHERE session_id = $1 AND kind = $2 ORDER BY value`,
		sessionID, kind); err != nil {
		return nil, fmt.Errorf("failed to list consolidated assets: %w", err)
	}
	return values, nil
}

func (s *Store) CountAssets(ctx context.Context, sessionID string, kind types.AssetKind) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM consolidated_assets WHERE session_id = $1 AND kind = $2`,
		sessionID, kind); err != nil {
		return 0, fmt.Errorf("failed to count consolidated assets: %w", err)
	}
	return n, nil
}

func (s *Store) SaveToolResult(ctx context.Context, result *types.ToolResult) (string, error) {
	if result.Ref == "" {
		result.Ref = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	items := result.Items
	if items == nil {
		items = []string{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result items: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_results (ref, tool, session_id, step, items, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		result.Ref, result.Tool, result.SessionID, result.Step, itemsJSON, result.Raw, result.CreatedAt); err != nil {
		return "", fmt.Errorf("failed to insert tool result: %w", err)
	}
	return result.Ref, nil
}

func (s *Store) GetToolResult(ctx context.Context, ref string) (*types.ToolResult, error) {
	var row toolResultRow
	err := s.db.GetContext(ctx, &row, `
		SELECT ref, tool, session_id, step, items, raw, created_at
		FROM tool_results WHERE ref = $1`, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to get tool result: %w", err)
	}

	result := row.ToolResult
	if err := json.Unmarshal(row.ItemsJSON, &result.Items); err != nil {
		return nil, fmt.Errorf("failed to decode tool result items: %w", err)
	}
	return &result, nil
}

func (s *Store) AddTarget(ctx context.Context, target *types.ScopeTarget) error {
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	if target.Mode == "" {
		target.Mode = "Passive"
	}
	if target.CreatedAt.IsZero() {
		target.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scope_targets (id, type, mode, scope_target, active, created_at)
		VALUES (:id, :type, :mode, :scope_target, :active, :created_at)`, target); err != nil {
		return fmt.Errorf("failed to insert scope target: %w", err)
	}
	return nil
}

func (s *Store) GetTarget(ctx context.Context, id string) (*types.ScopeTarget, error) {
	var target types.ScopeTarget
	if err := s.db.GetContext(ctx, &target,
		`SELECT id, type, mode, scope_target, active, created_at FROM scope_targets WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTargetNotFound
		}
		return nil, fmt.Errorf("failed to get scope target: %w", err)
	}
	return &target, nil
}

func (s *Store) ListTargets(ctx context.Context) ([]*types.ScopeTarget, error) {
	var targets []*types.ScopeTarget
	if err := s.db.SelectContext(ctx, &targets,
		`SELECT id, type, mode, scope_target, active, created_at FROM scope_targets ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list scope targets: %w", err)
	}
	return targets, nil
}
