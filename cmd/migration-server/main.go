package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/migration/internal/config"
	"github.com/ehr/migration/internal/domain/migration"
	"github.com/ehr/migration/internal/platform/db"
	"github.com/ehr/migration/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "migration-server",
		Short: "Clinic data migration service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the migration API server and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the service's own database schema",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := db.NewMigrator(pool, migrations.FS, cfg.DBSchema, logger)
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

// runCmd drives a run from the command line without the HTTP server. Phases
// execute inline; an interrupt stops the phase at its last checkpoint.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Operate on a migration run",
	}
	cmd.PersistentFlags().String("run", "", "Run ID")
	cmd.PersistentFlags().String("clinic", "", "Clinic the run belongs to")
	cmd.PersistentFlags().String("user", "cli", "Operator recorded in the audit trail")

	phaseCmd := &cobra.Command{
		Use:   "phase",
		Short: "Execute one phase of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("phase")
			phase, err := migration.ParsePhase(name)
			if err != nil {
				return err
			}
			return withRun(cmd, func(ctx context.Context, svc *migration.Service, actor migration.Actor, runID uuid.UUID) (interface{}, error) {
				return svc.RunPhase(ctx, actor, runID, phase)
			})
		},
	}
	phaseCmd.Flags().String("phase", "", "Phase to execute (ingest, draft_mapping, transform, validate, load, verify)")
	cmd.AddCommand(phaseCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Resume a paused run and continue its interrupted phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRun(cmd, func(ctx context.Context, svc *migration.Service, actor migration.Actor, runID uuid.UUID) (interface{}, error) {
				return svc.ResumeRun(ctx, actor, runID)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "complete",
		Short: "Mark a verified run completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRun(cmd, func(ctx context.Context, svc *migration.Service, actor migration.Actor, runID uuid.UUID) (interface{}, error) {
				return svc.CompleteRun(ctx, actor, runID)
			})
		},
	})

	return cmd
}

type runFunc func(ctx context.Context, svc *migration.Service, actor migration.Actor, runID uuid.UUID) (interface{}, error)

func withRun(cmd *cobra.Command, fn runFunc) error {
	runFlag, _ := cmd.Flags().GetString("run")
	clinic, _ := cmd.Flags().GetString("clinic")
	user, _ := cmd.Flags().GetString("user")

	runID, err := uuid.Parse(runFlag)
	if err != nil {
		return fmt.Errorf("--run must be a run ID: %w", err)
	}
	if clinic == "" {
		return fmt.Errorf("--clinic is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	out, err := fn(ctx, app.svc, migration.Actor{UserID: user, ClinicID: clinic}, runID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
