package data

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/target/jobcoord/internal/migrate"
)

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	return migrate.RunWithOptions(ctx, db, migrate.Options{Logger: logger})
}
