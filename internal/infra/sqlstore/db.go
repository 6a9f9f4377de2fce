// Package sqlstore persists custody state in a SQL database.
//
// SQLite (modernc.org/sqlite, pure Go) is the default for a single node.
// PostgreSQL is reachable through either lib/pq ("postgres") or the pgx
// stdlib adapter ("pgx"). Queries are written once with "?" placeholders and
// rebound to "$n" for the PostgreSQL drivers.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

// Config selects and locates the database.
type Config struct {
	Driver string // sqlite | postgres | pgx
	Path   string // sqlite file path
	DSN    string // postgres connection string
}

// DB wraps a *sql.DB with the dialect it speaks.
type DB struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured database and runs migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var dsn string
	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite: path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
		dsn = "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	case DriverPostgres, DriverPgx:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%s: dsn is required", driver)
		}
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer connection keeps SQLite transactions serialized.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	db := New(sqlDB, driver)
	if err := db.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an existing connection pool. It does not migrate.
func New(sqlDB *sql.DB, driver string) *DB {
	return &DB{db: sqlDB, driver: driver}
}

// Migrate creates any missing tables.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error { return db.db.PingContext(ctx) }

// Close closes the pool.
func (db *DB) Close() error { return db.db.Close() }

// Driver returns the driver name in use.
func (db *DB) Driver() string { return db.driver }

// rebind rewrites "?" placeholders as "$1", "$2", ... for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres && db.driver != DriverPgx {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
