package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tblbridge/api/internal/backup"
	"tblbridge/api/internal/capacity"
	"tblbridge/api/internal/config"
	"tblbridge/api/internal/migration"
	"tblbridge/api/internal/store"
)

type runFlags struct {
	dryRun     bool
	batchSize  int
	debug      bool
	silent     bool
	noRollback bool
	noValidate bool
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Assign bridge codes to every tree node and manage migration backups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file overlaid on the environment")
	root.AddCommand(
		newRunCmd(&configPath),
		newRollbackCmd(&configPath),
		newBackupsCmd(&configPath),
		newHistoryCmd(&configPath),
		newAnalyzeCmd(&configPath),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Back up, transform and validate all tree nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			migrationCfg, err := migrationConfig(cfg, flags, cmd.Flags().Changed("batch-size"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := openEnv(ctx, cfg)
			if err != nil {
				return err
			}
			defer env.close()

			engine := migration.New(env.nodes, env.nodes, env.backups, migrationCfg, migration.WithRecorder(env.nodes))
			result, runErr := engine.Run(ctx)
			printReport(cmd.OutOrStdout(), result)
			return runErr
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "compute codes without writing anything")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 10, "nodes per batch")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "log every node")
	cmd.Flags().BoolVar(&flags.silent, "silent", false, "log nothing but the final report")
	cmd.Flags().BoolVar(&flags.noRollback, "no-rollback", false, "keep partial results when the run fails")
	cmd.Flags().BoolVar(&flags.noValidate, "no-validate", false, "skip the integrity check")
	return cmd
}

func newRollbackCmd(configPath *string) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the bridge columns from a backup artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(ref) == "" {
				return errors.New("--backup is required")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			env, err := openEnv(ctx, cfg)
			if err != nil {
				return err
			}
			defer env.close()

			engine := migration.New(env.nodes, env.nodes, env.backups, migration.DefaultConfig())
			if err := engine.Rollback(ctx, ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored bridge columns from %s\n", ref)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "backup", "", "backup ref (file path, file name or minio:// ref)")
	return cmd
}

func newBackupsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backup artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			backups, err := openBackups(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			refs, err := backups.List(cmd.Context(), cfg.BackupPrefix)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Fprintln(cmd.OutOrStdout(), ref)
			}
			return nil
		},
	}
}

func newHistoryCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded migration runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, store.Migrations); err != nil {
				return err
			}
			runs, err := store.NewPostgresStore(db, cfg.NodeTable).ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

// newAnalyzeCmd reports what the detector would assign without touching storage.
func newAnalyzeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Summarize detected capacities over all tree nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			nodes, err := store.NewPostgresStore(db, cfg.NodeTable).ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			printAnalysis(cmd.OutOrStdout(), capacity.Summarize(capacity.AnalyzeBatch(nodes)))
			return nil
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFile(path)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// migrationConfig merges the config file or environment with command-line flags.
// Flags only ever tighten or override what the config says.
func migrationConfig(cfg config.Config, flags runFlags, batchSizeSet bool) (migration.Config, error) {
	level, err := migration.ParseLogLevel(cfg.Migration.LogLevel)
	if err != nil {
		return migration.Config{}, err
	}
	if flags.debug && flags.silent {
		return migration.Config{}, errors.New("--debug and --silent are mutually exclusive")
	}
	switch {
	case flags.debug:
		level = migration.LogDebug
	case flags.silent:
		level = migration.LogSilent
	}

	batchSize := cfg.Migration.BatchSize
	if batchSizeSet {
		if flags.batchSize <= 0 {
			return migration.Config{}, fmt.Errorf("--batch-size must be positive, got %d", flags.batchSize)
		}
		batchSize = flags.batchSize
	}

	return migration.Config{
		DryRun:              flags.dryRun,
		BatchSize:           batchSize,
		BatchPause:          cfg.Migration.BatchPause,
		AutoRollback:        cfg.Migration.AutoRollback && !flags.noRollback,
		ValidateIntegrity:   cfg.Migration.ValidateIntegrity && !flags.noValidate,
		AllowDuplicateNames: cfg.Migration.AllowDuplicateNames,
		BackupPrefix:        cfg.BackupPrefix,
		LogLevel:            level,
	}, nil
}

type env struct {
	db      *sql.DB
	nodes   *store.PostgresStore
	backups backup.Store
}

func (e *env) close() {
	_ = e.db.Close()
}

func openEnv(ctx context.Context, cfg config.Config) (*env, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, store.Migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	backups, err := openBackups(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &env{db: db, nodes: store.NewPostgresStore(db, cfg.NodeTable), backups: backups}, nil
}

func openBackups(ctx context.Context, cfg config.Config) (backup.Store, error) {
	if strings.TrimSpace(cfg.MinIO.Endpoint) == "" {
		return backup.NewFileStore(cfg.BackupDir), nil
	}
	minioStore, err := backup.NewMinIOStore(ctx, backup.MinIOConfig{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return minioStore, nil
}
