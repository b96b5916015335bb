// Package database opens the SQL connection shared by the history,
// usage and scheduler stores and papers over the placeholder and DDL
// differences between SQLite, PostgreSQL and MySQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// DB is a *sql.DB tagged with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the database described by driver and dsn and verifies
// the connection.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if d == MySQL {
		dsn, err = mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if d == SQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	return &DB{DB: db, Dialect: d}, nil
}

// Wrap tags an already open connection with a dialect. Tests use it with
// an in-memory SQLite handle.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Rebind rewrites ? placeholders into the dialect's native form.
func (db *DB) Rebind(query string) string {
	if db.Dialect != Postgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Exec runs a statement after rebinding placeholders.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, db.Rebind(query), args...)
}

// Query runs a query after rebinding placeholders.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRow runs a single-row query after rebinding placeholders.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.Rebind(query), args...)
}

// EnsureSchema runs the CREATE TABLE statements and then creates the
// indexes. Each index is a (name, table, columns) triple.
func (db *DB) EnsureSchema(ctx context.Context, tables []string, indexes [][3]string) error {
	for _, stmt := range tables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, idx := range indexes {
		if err := db.ensureIndex(ctx, idx[0], idx[1], idx[2]); err != nil {
			return fmt.Errorf("create index %s: %w", idx[0], err)
		}
	}
	return nil
}

// mysqlDuplicateKeyName is ER_DUP_KEYNAME.
const mysqlDuplicateKeyName = 1061

func (db *DB) ensureIndex(ctx context.Context, name, table, columns string) error {
	if db.Dialect != MySQL {
		_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", name, table, columns))
		return err
	}

	// MySQL has no IF NOT EXISTS for indexes.
	_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s(%s)", name, table, columns))
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateKeyName {
		return nil
	}
	return err
}
