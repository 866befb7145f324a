package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearInventory truncates every inventory table. The schema and the
// migration history are kept.
func ClearInventory(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing inventory tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE
		vm_monitoring,
		services,
		vms,
		documents,
		users
		RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Inventory cleared", clearLogPrefix))
	return nil
}
