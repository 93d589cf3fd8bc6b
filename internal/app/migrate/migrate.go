package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const migrationTimeout = time.Minute

// Runner applies and rolls back the schema migrations under db/migrations.
// Goose needs a database/sql handle, so each operation opens a short-lived
// pgx stdlib connection alongside the pool.
type Runner struct {
	pool   *pgxpool.Pool
	dsn    string
	dir    string
	logger *slog.Logger
}

// New validates the migration source and returns a Runner.
func New(pool *pgxpool.Pool, dsn, dir string, logger *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("migration runner requires a pool")
	}
	if dsn == "" {
		return Runner{}, errors.New("migration runner requires a dsn")
	}
	if dir == "" {
		return Runner{}, errors.New("migration runner requires a migrations dir")
	}
	if _, err := os.Stat(dir); err != nil {
		return Runner{}, fmt.Errorf("stat migrations dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Runner{pool: pool, dsn: dsn, dir: dir, logger: logger.With("component", "migrate")}, nil
}

// Ensure brings the schema up to the latest version.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withDB(func(db *sql.DB) error {
		upCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
		defer cancel()

		r.logger.Info("migrating schema", "dir", r.dir)
		if err := goose.UpContext(upCtx, db, r.dir); err != nil {
			return fmt.Errorf("goose up: %w", err)
		}
		r.logger.Info("schema up to date")
		return nil
	})
}

// Status prints the applied/pending state of each migration.
func (r Runner) Status(ctx context.Context) error {
	return r.withDB(func(db *sql.DB) error {
		statusCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
		defer cancel()

		if err := goose.StatusContext(statusCtx, db, r.dir); err != nil {
			return fmt.Errorf("goose status: %w", err)
		}
		return nil
	})
}

// Down rolls back to targetVersion, or one step when targetVersion is zero.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withDB(func(db *sql.DB) error {
		downCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
		defer cancel()

		if targetVersion > 0 {
			r.logger.Info("rolling back schema", "target", targetVersion)
			if err := goose.DownToContext(downCtx, db, r.dir, targetVersion); err != nil {
				return fmt.Errorf("goose down-to %d: %w", targetVersion, err)
			}
			return nil
		}
		r.logger.Info("rolling back one migration")
		if err := goose.DownContext(downCtx, db, r.dir); err != nil {
			return fmt.Errorf("goose down: %w", err)
		}
		return nil
	})
}

// Ping verifies the pool can reach the database.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (r Runner) Close() {
	r.pool.Close()
}

func (r Runner) withDB(fn func(*sql.DB) error) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping migration connection: %w", err)
	}
	return fn(db)
}
