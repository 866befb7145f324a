// Package main is the entrypoint for the edge-cluster-frontend.
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/edge-cluster-frontend/internal/config"
	"github.com/morezero/edge-cluster-frontend/internal/server"
	"github.com/morezero/edge-cluster-frontend/pkg/db"
)

const usage = `Usage: frontend [command]
       frontend serve              Start the frontend (trust root, NATS, DB, HTTP API).
       frontend migrate up          Run database migrations.
       frontend migrate down        Roll back the last migration that has a .down.sql file.
       frontend migrate status      Show migration status.
       frontend ensure-db [name]    Create database if missing (default name: edge_cluster_test). Uses DATABASE_URL host/user.
       frontend clear               Truncate inventory tables; schema is preserved.
       frontend seed [file]         Seed users, documents, VMs and services from a seed JSON file.

Commands:
  serve           (default) Start the edge cluster frontend.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration.
  migrate status  Show current migration status.
  ensure-db [name] Create database on the same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate inventory data; schema preserved.
  seed [file]     Seed the inventory. Without file: EDGE_SEED_FILE, config/seed.json, seed.json, else the built-in demo seed.

Environment: DATABASE_URL, MIGRATION_PATH, HOST/PORT (default 0.0.0.0:1339), COMMS_URL,
COGNIT_FRONTEND_URL, DISPATCH_TRANSPORT (broker|http).
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("frontend migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("frontend migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("frontend migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("frontend migrate down: %v", err)
			}
		default:
			log.Fatalf("frontend migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("frontend clear: %v", err)
		}
		return
	case "seed":
		seedFile := ""
		if len(args) > 1 {
			seedFile = args[1]
		}
		if err := runSeed(seedFile); err != nil {
			log.Fatalf("frontend seed: %v", err)
		}
		return
	case "ensure-db":
		dbName := "edge_cluster_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("frontend ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("frontend: %v", err)
	}
}

// openPool loads config, validates it for DB commands and connects.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, nil, err
	}
	server.SetupLogging(cfg.LogLevel)
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, pool, nil
}

func runMigrateUp() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	states, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	for _, s := range states {
		mark := "pending"
		if s.Applied {
			mark = "applied"
		}
		fmt.Printf("%-8s %s\n", mark, s.Name)
	}
	return nil
}

func runMigrateDown() error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	name, err := db.MigrationDown(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	if name == "" {
		fmt.Println("Nothing to roll back.")
		return nil
	}
	fmt.Printf("Rolled back %s.\n", name)
	return nil
}

func runClear() error {
	ctx := context.Background()
	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.ClearInventory(ctx, pool); err != nil {
		return fmt.Errorf("clear inventory: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := withDatabase(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// withDatabase replaces the database name of databaseURL; query parameters
// such as sslmode are kept.
func withDatabase(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func runSeed(seedFile string) error {
	ctx := context.Background()
	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.SeedFromFile(ctx, pool, seedFile); err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}
	return nil
}
