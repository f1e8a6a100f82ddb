package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"tryon/internal/adapter/repo"
	"tryon/internal/domain"
	"tryon/internal/infra"
)

var migrationsDir string

var rootCmd = &cobra.Command{
	Use:   "tryonctl",
	Short: "Operational tooling for the try-on generation backend",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQL migrations in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runMigrations(cfg.DatabaseURL, migrationsDir)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect generation-id",
	Short: "Print a generation record and its queue item as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		gens := repo.NewGenerationRepository(pool)
		queue := repo.NewQueueRepository(pool)

		gen, err := gens.GetByID(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load generation: %w", err)
		}
		item, err := queue.GetByGenerationID(ctx, args[0])
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("load queue item: %w", err)
		}

		out := map[string]any{"generation": gen}
		if item != nil {
			out["queue_item"] = item
		}
		encoded, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue generation-id",
	Short: "Return a failed generation's queue item to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		queue := repo.NewQueueRepository(pool)
		if err := queue.ResetForRetry(ctx, args[0]); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("retry budget exhausted for %s", args[0])
			}
			return err
		}
		fmt.Printf("generation %s requeued\n", args[0])
		return nil
	},
}

func main() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "db/migrations", "directory containing .sql migration files")
	rootCmd.AddCommand(migrateCmd, inspectCmd, requeueCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*infra.Config, error) {
	_ = godotenv.Load()
	return infra.LoadConfig()
}

// runMigrations executes each .sql file in lexical order inside its own
// transaction, recording applied files so reruns are no-ops.
func runMigrations(databaseURL, dir string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
	filename TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var applied bool
		if err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check %s: %w", name, err)
		}
		if applied {
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin %s: %w", name, err)
		}
		if _, err := tx.Exec(string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
		fmt.Printf("applied %s\n", name)
	}
	return nil
}
