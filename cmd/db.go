package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the autoscan PostgreSQL schema.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	Long: `Run all pending database migrations to update the schema.

Every command that opens the store applies pending migrations on its own;
this command only does that and reports the resulting version.

The database connection can be configured via:
- Config file (.autoscan.yaml)
- Environment variables (AUTOSCAN_DATABASE_DSN or DATABASE_URL)
- The --db-dsn flag`,
	RunE: runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE:  runDBStatus,
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Rollback a specific migration",
	Long: `Rollback a specific migration version.

Warning: This will undo changes made by the migration, and the next command
that opens the store applies it again.`,
	Args: cobra.ExactArgs(1),
	RunE: runDBRollback,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
	dbRollbackCmd.Flags().Bool("yes", false, "Do not ask for confirmation")
}

// openPostgres connects and migrates; the caller closes the store.
func openPostgres(ctx context.Context) (*database.Store, error) {
	if cfg.Database.Driver != "postgres" {
		return nil, fmt.Errorf("database commands need the postgres store, got %q", cfg.Database.Driver)
	}
	return database.NewStore(ctx, cfg.Database, log)
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	log.Infow("Starting database migration", "component", "db_migrate")

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Database.ConnectTimeout+time.Minute)
	defer cancel()

	store, err := openPostgres(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer store.Close()

	status, err := database.NewMigrationRunner(store.DB(), log).GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	log.Infow("Database migration completed successfully",
		"component", "db_migrate",
		"version", status.CurrentVersion,
	)
	color.Green("Database schema at version %d", status.CurrentVersion)
	return nil
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Database.ConnectTimeout+10*time.Second)
	defer cancel()

	store, err := openPostgres(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	status, err := database.NewMigrationRunner(store.DB(), log).GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	fmt.Println("Database Migration Status")
	fmt.Println("=========================")
	fmt.Printf("Current Version:  %d\n", status.CurrentVersion)
	fmt.Printf("Latest Version:   %d\n", status.LatestVersion)
	fmt.Printf("Pending:          %d migrations\n", status.PendingCount)

	if status.UpToDate {
		color.Green("\nStatus: Database is up to date")
	} else {
		color.Yellow("\nStatus: Pending migrations need to be applied")
		fmt.Println("\nRun 'autoscan db migrate' to apply pending migrations")
	}
	return nil
}

func runDBRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version number: %s", args[0])
	}

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		color.Yellow("WARNING: You are about to rollback migration version %d", version)
		fmt.Print("Type 'yes' to continue: ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if answer != "yes\n" {
			fmt.Println("Aborted")
			return nil
		}
	}

	log.Warnw("Rolling back database migration",
		"component", "db_rollback",
		"version", version,
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Database.ConnectTimeout+30*time.Second)
	defer cancel()

	store, err := openPostgres(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := database.NewMigrationRunner(store.DB(), log).RollbackMigration(ctx, version); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	log.Infow("Migration rolled back successfully",
		"component", "db_rollback",
		"version", version,
	)
	fmt.Printf("Migration %d rolled back successfully\n", version)
	return nil
}
