package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/workflow/eventstore"
	"example.com/backstage/services/workflow/metrics"
	"example.com/backstage/services/workflow/migration"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Backfill event streams from the legacy tables",
}

var migrateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Back up the legacy tables and convert every legacy workflow into an event stream",
	RunE:  runMigrate,
}

var migrateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compare legacy record counts against the migrated event streams",
	RunE:  runMigrateValidate,
}

var migrateRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the legacy tables from the backup and clear all migrated data",
	RunE:  runMigrateRollback,
}

func init() {
	migrateCmd.AddCommand(migrateRunCmd)
	migrateCmd.AddCommand(migrateValidateCmd)
	migrateCmd.AddCommand(migrateRollbackCmd)
	rootCmd.AddCommand(migrateCmd)
}

func newMigrationEngine() (*migration.Engine, error) {
	db, err := initDatabase(cfg)
	if err != nil {
		return nil, err
	}
	collector := metrics.NewMetrics()
	store := eventstore.NewGormEventStore(db)
	store.SetMetrics(collector)
	return migration.NewEngine(db, store, collector), nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	engine, err := newMigrationEngine()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	report, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	log.Info().
		Int("migrated", report.WorkflowsMigrated).
		Int("skipped", report.WorkflowsSkipped).
		Int64("events", report.EventsAppended).
		Msg("Migration finished")
	if len(report.Failures) > 0 {
		for _, failure := range report.Failures {
			log.Warn().Str("workflow_id", failure.WorkflowID).Str("error", failure.Error).Msg("Record failed")
		}
		return fmt.Errorf("%d legacy records failed to migrate", len(report.Failures))
	}
	return nil
}

func runMigrateValidate(cmd *cobra.Command, args []string) error {
	engine, err := newMigrationEngine()
	if err != nil {
		return err
	}

	report, err := engine.Validate(context.Background())
	if err != nil {
		return err
	}

	for _, result := range report.Results {
		log.Info().
			Str("category", result.Category).
			Int64("legacy", result.LegacyCount).
			Int64("migrated", result.MigratedCount).
			Bool("passed", result.Passed).
			Msg("Validation result")
	}
	if !report.Passed {
		return fmt.Errorf("migration validation failed")
	}
	return nil
}

func runMigrateRollback(cmd *cobra.Command, args []string) error {
	engine, err := newMigrationEngine()
	if err != nil {
		return err
	}
	return engine.Rollback(context.Background())
}
