package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "lifecycle_schema_migrations"

// Migrate applies the embedded schema migrations with goose.
func (s *Storage) Migrate(ctx context.Context) error {
	// goose needs database/sql; this shares the pool's connections
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() {
		if err := db.Close(); err != nil {
			s.config.Logger.Warn("failed to close migration handle", lifecycle.Field{Key: "error", Value: err.Error()})
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{log: s.config.Logger})
	goose.SetTableName(migrationsTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through the structured logger
type gooseLogger struct {
	log lifecycle.Logger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info(fmt.Sprintf(format, v...))
}
