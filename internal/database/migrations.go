package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
)

// Migration represents a single database migration
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:  db,
		log: log,
	}
}

// MigrationStatus summarises the schema version.
type MigrationStatus struct {
	CurrentVersion int  `json:"current_version" yaml:"current_version"`
	LatestVersion  int  `json:"latest_version" yaml:"latest_version"`
	PendingCount   int  `json:"pending_count" yaml:"pending_count"`
	UpToDate       bool `json:"is_up_to_date" yaml:"is_up_to_date"`
}

// GetAllMigrations returns all available migrations in order
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create scope_targets table",
			Up: `
				CREATE TABLE IF NOT EXISTS scope_targets (
					id TEXT PRIMARY KEY,
					type TEXT NOT NULL CHECK (type IN ('Company', 'Wildcard', 'URL')),
					mode TEXT NOT NULL DEFAULT 'Passive',
					scope_target TEXT NOT NULL,
					active BOOLEAN NOT NULL DEFAULT false,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
			`,
			Down: `DROP TABLE IF EXISTS scope_targets CASCADE;`,
		},
		{
			Version:     2,
			Description: "Create auto_scan_sessions and auto_scan_steps tables",
			Up: `
				CREATE TABLE IF NOT EXISTS auto_scan_sessions (
					id TEXT PRIMARY KEY,
					scope_target_id TEXT NOT NULL,
					target_type TEXT NOT NULL,
					target_value TEXT NOT NULL,
					pipeline TEXT NOT NULL,
					config_snapshot JSONB NOT NULL,
					status TEXT NOT NULL,
					current_step TEXT NOT NULL,
					is_paused BOOLEAN NOT NULL DEFAULT false,
					is_cancelled BOOLEAN NOT NULL DEFAULT false,
					started_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					ended_at TIMESTAMP,
					error_message TEXT NOT NULL DEFAULT '',
					final_consolidated_subdomains INTEGER,
					final_live_web_servers INTEGER,
					final_company_domains INTEGER,
					final_network_ranges INTEGER
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_auto_scan_sessions_active
					ON auto_scan_sessions(scope_target_id) WHERE status IN ('running', 'paused');
				CREATE INDEX IF NOT EXISTS idx_auto_scan_sessions_target
					ON auto_scan_sessions(scope_target_id, started_at DESC);

				CREATE TABLE IF NOT EXISTS auto_scan_steps (
					session_id TEXT NOT NULL REFERENCES auto_scan_sessions(id) ON DELETE CASCADE,
					step TEXT NOT NULL,
					position INTEGER NOT NULL,
					status TEXT NOT NULL,
					scan_id TEXT NOT NULL DEFAULT '',
					result_ref TEXT NOT NULL DEFAULT '',
					item_count INTEGER NOT NULL DEFAULT 0,
					error_message TEXT NOT NULL DEFAULT '',
					started_at TIMESTAMP NOT NULL,
					ended_at TIMESTAMP NOT NULL,
					PRIMARY KEY (session_id, step)
				);
			`,
			Down: `
				DROP TABLE IF EXISTS auto_scan_steps CASCADE;
				DROP TABLE IF EXISTS auto_scan_sessions CASCADE;
			`,
		},
		{
			Version:     3,
			Description: "Create scan_jobs table",
			Up: `
				CREATE TABLE IF NOT EXISTS scan_jobs (
					scan_id TEXT PRIMARY KEY,
					session_id TEXT NOT NULL REFERENCES auto_scan_sessions(id) ON DELETE CASCADE,
					step TEXT NOT NULL,
					tool TEXT NOT NULL,
					status TEXT NOT NULL,
					result_ref TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_scan_jobs_active
					ON scan_jobs(session_id, step) WHERE status IN ('pending', 'running', 'processing');
				CREATE INDEX IF NOT EXISTS idx_scan_jobs_session ON scan_jobs(session_id);
			`,
			Down: `DROP TABLE IF EXISTS scan_jobs CASCADE;`,
		},
		{
			Version:     4,
			Description: "Create tool_results table",
			Up: `
				CREATE TABLE IF NOT EXISTS tool_results (
					ref TEXT PRIMARY KEY,
					tool TEXT NOT NULL,
					session_id TEXT NOT NULL,
					step TEXT NOT NULL,
					items JSONB NOT NULL,
					raw BYTEA,
					created_at TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_tool_results_session ON tool_results(session_id);
			`,
			Down: `DROP TABLE IF EXISTS tool_results CASCADE;`,
		},
		{
			Version:     5,
			Description: "Create consolidated_assets table",
			Up: `
				CREATE TABLE IF NOT EXISTS consolidated_assets (
					session_id TEXT NOT NULL REFERENCES auto_scan_sessions(id) ON DELETE CASCADE,
					kind TEXT NOT NULL,
					value TEXT NOT NULL,
					first_step TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (session_id, kind, value)
				);
				COMMENT ON TABLE consolidated_assets IS 'Append-only consolidated sets per session';
			`,
			Down: `DROP TABLE IF EXISTS consolidated_assets CASCADE;`,
		},
		{
			Version:     6,
			Description: "Create auto_scan_config table",
			Up: `
				CREATE TABLE IF NOT EXISTS auto_scan_config (
					id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
					config JSONB NOT NULL DEFAULT '{}',
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
				COMMENT ON TABLE auto_scan_config IS 'Operator defaults frozen into each new session snapshot';
			`,
			Down: `DROP TABLE IF EXISTS auto_scan_config CASCADE;`,
		},
		{
			Version:     7,
			Description: "Add run lease columns to auto_scan_sessions",
			Up: `
				ALTER TABLE auto_scan_sessions ADD COLUMN IF NOT EXISTS lease_owner TEXT;
				ALTER TABLE auto_scan_sessions ADD COLUMN IF NOT EXISTS lease_expires_at TIMESTAMP;
				COMMENT ON COLUMN auto_scan_sessions.lease_owner IS 'Process currently running the session';
			`,
			Down: `
				ALTER TABLE auto_scan_sessions DROP COLUMN IF EXISTS lease_expires_at;
				ALTER TABLE auto_scan_sessions DROP COLUMN IF EXISTS lease_owner;
			`,
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func sortedMigrations() []Migration {
	all := GetAllMigrations()
	sort.Slice(all, func(i, j int) bool {
		return all[i].Version < all[j].Version
	})
	return all
}

// RunMigrations applies all pending migrations
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	all := sortedMigrations()
	pending := 0
	for _, m := range all {
		if !applied[m.Version] {
			pending++
		}
	}

	if pending == 0 {
		mr.log.Debugw("Database schema is up to date",
			"latest_version", all[len(all)-1].Version,
		)
		return nil
	}

	mr.log.Infow("Found pending migrations", "pending_count", pending)

	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}

	mr.log.Infow("All migrations applied successfully", "migrations_applied", pending)
	return nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, migration Migration) error {
	mr.log.Infow("Applying migration",
		"version", migration.Version,
		"description", migration.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
		migration.Version, migration.Description, time.Now(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// GetMigrationStatus returns the current migration status
func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	all := sortedMigrations()
	status := &MigrationStatus{LatestVersion: all[len(all)-1].Version}
	for v := range applied {
		if v > status.CurrentVersion {
			status.CurrentVersion = v
		}
	}
	for _, m := range all {
		if !applied[m.Version] {
			status.PendingCount++
		}
	}
	status.UpToDate = status.PendingCount == 0
	return status, nil
}

// RollbackMigration rolls back one applied migration
func (mr *MigrationRunner) RollbackMigration(ctx context.Context, version int) error {
	mr.log.Warnw("Rolling back migration", "version", version)

	var migration *Migration
	for _, m := range GetAllMigrations() {
		if m.Version == version {
			m := m
			migration = &m
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration version %d not found", version)
	}
	if migration.Down == "" {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	mr.log.Infow("Migration rolled back successfully", "version", version)
	return nil
}
