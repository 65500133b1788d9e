package storage

import (
	"fmt"
	"strings"
	"time"
)

// sqliteTimeFormat sorts lexically in the same order as the instants it encodes.
const sqliteTimeFormat = "2006-01-02 15:04:05.000000"

// Driver abstracts database-specific SQL operations.
type Driver interface {
	// DriverName returns the driver name (e.g., "sqlite", "postgres")
	DriverName() string

	// MigrationsDir returns the migrations subdirectory for this dialect.
	MigrationsDir() string

	// Placeholder returns the placeholder for the nth parameter.
	// SQLite: ?, PostgreSQL: $n
	Placeholder(n int) string

	// InsertIgnore returns the statement prefix for an insert that skips
	// rows violating a unique constraint. Pair with OnConflictDoNothing.
	InsertIgnore() string

	// OnConflictDoNothing returns the clause for idempotent inserts.
	// MySQL returns "" and relies on InsertIgnore.
	OnConflictDoNothing(conflictColumns ...string) string

	// ReturningClause returns the RETURNING clause for insert/update.
	// MySQL returns "" and callers use LastInsertId.
	ReturningClause(columns ...string) string

	// TimeValue converts a timestamp into the value bound for this dialect.
	TimeValue(t time.Time) any
}

// Rebind rewrites "?" placeholders into the driver's placeholder syntax.
func Rebind(d Driver, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func onConflictDoNothing(conflictColumns []string) string {
	if len(conflictColumns) == 0 {
		return "ON CONFLICT DO NOTHING"
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(conflictColumns, ", "))
}

func returningClause(columns []string) string {
	if len(columns) == 0 {
		return ""
	}
	return "RETURNING " + strings.Join(columns, ", ")
}

// SQLiteDriver implements Driver for SQLite.
type SQLiteDriver struct{}

func (d *SQLiteDriver) DriverName() string {
	return "sqlite"
}

func (d *SQLiteDriver) MigrationsDir() string {
	return "sqlite"
}

func (d *SQLiteDriver) Placeholder(n int) string {
	return "?"
}

func (d *SQLiteDriver) InsertIgnore() string {
	return "INSERT INTO"
}

func (d *SQLiteDriver) OnConflictDoNothing(conflictColumns ...string) string {
	return onConflictDoNothing(conflictColumns)
}

func (d *SQLiteDriver) ReturningClause(columns ...string) string {
	// SQLite 3.35+ supports RETURNING
	return returningClause(columns)
}

func (d *SQLiteDriver) TimeValue(t time.Time) any {
	// Stored as TEXT so ORDER BY on the column is chronological
	return t.UTC().Format(sqliteTimeFormat)
}

// PostgresDriver implements Driver for PostgreSQL.
type PostgresDriver struct{}

func (d *PostgresDriver) DriverName() string {
	return "postgres"
}

func (d *PostgresDriver) MigrationsDir() string {
	return "postgresql"
}

func (d *PostgresDriver) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (d *PostgresDriver) InsertIgnore() string {
	return "INSERT INTO"
}

func (d *PostgresDriver) OnConflictDoNothing(conflictColumns ...string) string {
	return onConflictDoNothing(conflictColumns)
}

func (d *PostgresDriver) ReturningClause(columns ...string) string {
	return returningClause(columns)
}

func (d *PostgresDriver) TimeValue(t time.Time) any {
	return t.UTC()
}

// MySQLDriver implements Driver for MySQL 8.0+.
type MySQLDriver struct{}

func (d *MySQLDriver) DriverName() string {
	return "mysql"
}

func (d *MySQLDriver) MigrationsDir() string {
	return "mysql"
}

func (d *MySQLDriver) Placeholder(n int) string {
	return "?"
}

func (d *MySQLDriver) InsertIgnore() string {
	return "INSERT IGNORE INTO"
}

func (d *MySQLDriver) OnConflictDoNothing(conflictColumns ...string) string {
	// MySQL doesn't support ON CONFLICT; use INSERT IGNORE instead
	return ""
}

func (d *MySQLDriver) ReturningClause(columns ...string) string {
	// MySQL doesn't support RETURNING clause; use LastInsertId() instead
	return ""
}

func (d *MySQLDriver) TimeValue(t time.Time) any {
	return t.UTC()
}

// NewDriver creates a new driver based on the database URL.
func NewDriver(dbURL string) Driver {
	switch {
	case strings.HasPrefix(dbURL, "postgres"):
		return &PostgresDriver{}
	case strings.HasPrefix(dbURL, "mysql"):
		return &MySQLDriver{}
	default:
		return &SQLiteDriver{}
	}
}
