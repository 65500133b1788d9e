// Package migrations provides automatic dbmate-compatible migration support.
//
// Migration files are applied at engine startup so operators do not need to
// run `dbmate up` by hand. Compatibility with dbmate:
//   - applied versions are tracked in the same `schema_migrations` table
//   - files use the same `-- migrate:up` / `-- migrate:down` sections
//   - SQLite, PostgreSQL and MySQL are supported
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Database types, matching the migration subdirectory names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgresql"
	DriverMySQL    = "mysql"
)

var (
	versionPattern = regexp.MustCompile(`^(\d+)_`)
	upPattern      = regexp.MustCompile(`(?s)-- migrate:up\s*(.*?)(?:-- migrate:down|$)`)
	downPattern    = regexp.MustCompile(`(?s)-- migrate:down\s*(.*)$`)
)

// DetectDBType detects database type from connection URL.
//
// Returns one of "sqlite", "postgresql", "mysql".
func DetectDBType(url string) (string, error) {
	url = strings.ToLower(url)

	switch {
	case strings.HasPrefix(url, "postgres"):
		return DriverPostgres, nil
	case strings.HasPrefix(url, "mysql"):
		return DriverMySQL, nil
	case strings.Contains(url, "sqlite"), strings.HasPrefix(url, "file:"),
		strings.HasSuffix(url, ".db"), url == ":memory:":
		return DriverSQLite, nil
	}
	return "", fmt.Errorf("cannot detect database type from URL: %s", url)
}

// Migration is one migration file.
type Migration struct {
	Version  string
	Filename string
	Up       string
	Down     string
}

// MigrationStatus pairs a migration with whether it has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// Migrator applies the migrations for one database type from a filesystem
// laid out as <dbType>/<version>_<name>.sql.
type Migrator struct {
	db     *sql.DB
	dbType string
	fsys   fs.FS
	logger *slog.Logger
}

// NewMigrator creates a migrator. A nil fsys selects the embedded schema.
func NewMigrator(db *sql.DB, dbType string, fsys fs.FS) *Migrator {
	if fsys == nil {
		fsys = Embedded()
	}
	return &Migrator{db: db, dbType: dbType, fsys: fsys, logger: slog.Default()}
}

// WithLogger sets the logger used for progress messages.
func (m *Migrator) WithLogger(logger *slog.Logger) *Migrator {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Load reads and parses every migration file, ordered by version.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, m.dbType)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read migrations for %s: %w", m.dbType, err)
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(m.fsys, path.Join(m.dbType, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}
		up, down := ParseMigrationFile(string(content))
		out = append(out, Migration{
			Version:  ExtractVersionFromFilename(entry.Name()),
			Filename: entry.Name(),
			Up:       up,
			Down:     down,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration and returns the versions it applied.
// Safe to run from several processes at once: a version recorded by
// another process in the meantime is skipped.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}
	if len(migrations) == 0 {
		m.logger.Warn("no migrations found, skipping automatic migration", "db_type", m.dbType)
		return nil, nil
	}

	if err := EnsureSchemaMigrationsTable(ctx, m.db); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	applied, err := GetAppliedMigrations(ctx, m.db)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var done []string
	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if mig.Up == "" {
			m.logger.Warn("no '-- migrate:up' section found", "filename", mig.Filename)
			continue
		}

		m.logger.Info("applying migration", "filename", mig.Filename)
		if err := ExecuteSQLStatements(ctx, m.db, mig.Up); err != nil {
			return done, fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
		}

		recorded, err := RecordMigration(ctx, m.db, m.dbType, mig.Version)
		if err != nil {
			return done, fmt.Errorf("failed to record migration %s: %w", mig.Version, err)
		}
		if recorded {
			done = append(done, mig.Version)
		} else {
			m.logger.Debug("migration was applied by another worker", "version", mig.Version)
		}
	}

	if len(done) > 0 {
		m.logger.Info("applied migrations", "count", len(done))
	}
	return done, nil
}

// Down rolls back the most recently applied migration and returns its
// version, or "" when nothing is applied.
func (m *Migrator) Down(ctx context.Context) (string, error) {
	migrations, err := m.Load()
	if err != nil {
		return "", err
	}
	applied, err := GetAppliedMigrations(ctx, m.db)
	if err != nil {
		return "", err
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		mig := migrations[i]
		if !applied[mig.Version] {
			continue
		}
		m.logger.Info("rolling back migration", "filename", mig.Filename)
		if err := ExecuteSQLStatements(ctx, m.db, mig.Down); err != nil {
			return "", fmt.Errorf("failed to roll back migration %s: %w", mig.Version, err)
		}
		if _, err := m.db.ExecContext(ctx, m.bind("DELETE FROM schema_migrations WHERE version = ?"), mig.Version); err != nil {
			return "", fmt.Errorf("failed to unrecord migration %s: %w", mig.Version, err)
		}
		return mig.Version, nil
	}
	return "", nil
}

// Status lists every migration with its applied flag.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}
	applied, err := GetAppliedMigrations(ctx, m.db)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		out = append(out, MigrationStatus{Version: mig.Version, Filename: mig.Filename, Applied: applied[mig.Version]})
	}
	return out, nil
}

// Version returns the highest applied version, or "" when none is applied.
func (m *Migrator) Version(ctx context.Context) (string, error) {
	applied, err := GetAppliedMigrations(ctx, m.db)
	if err != nil {
		return "", err
	}
	var latest string
	for v := range applied {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (m *Migrator) bind(query string) string {
	if m.dbType == DriverPostgres {
		return strings.Replace(query, "?", "$1", 1)
	}
	return query
}

// ApplyMigrations applies the pending migrations in migrationsFS for dbType.
func ApplyMigrations(ctx context.Context, db *sql.DB, dbType string, migrationsFS fs.FS) ([]string, error) {
	if migrationsFS == nil {
		slog.Warn("no migrations filesystem provided, skipping automatic migration")
		return nil, nil
	}
	return NewMigrator(db, dbType, migrationsFS).Up(ctx)
}

// EnsureSchemaMigrationsTable creates the dbmate tracking table if needed.
// Concurrent creation by another worker is not an error.
func EnsureSchemaMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY
		)
	`)
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// GetAppliedMigrations returns the set of applied versions. A missing
// tracking table means nothing is applied.
func GetAppliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return applied, nil
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// RecordMigration records a version as applied. It returns false when
// another worker recorded it first.
func RecordMigration(ctx context.Context, db *sql.DB, dbType string, version string) (bool, error) {
	query := "INSERT INTO schema_migrations (version) VALUES (?)"
	if dbType == DriverPostgres {
		query = "INSERT INTO schema_migrations (version) VALUES ($1)"
	}
	if _, err := db.ExecContext(ctx, query, version); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") || strings.Contains(msg, "constraint") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ExtractVersionFromFilename extracts the leading timestamp of a dbmate
// file name: "20261016000000_initial_schema.sql" -> "20261016000000".
func ExtractVersionFromFilename(filename string) string {
	if match := versionPattern.FindStringSubmatch(filename); len(match) > 1 {
		return match[1]
	}
	return strings.TrimSuffix(filename, ".sql")
}

// ParseMigrationFile splits dbmate file content into its up and down SQL.
func ParseMigrationFile(content string) (upSQL string, downSQL string) {
	if match := upPattern.FindStringSubmatch(content); len(match) > 1 {
		upSQL = strings.TrimSpace(match[1])
	}
	if match := downPattern.FindStringSubmatch(content); len(match) > 1 {
		downSQL = strings.TrimSpace(match[1])
	}
	return upSQL, downSQL
}

// ExecuteSQLStatements runs semicolon-separated statements one at a time,
// skipping comment lines and objects that already exist.
func ExecuteSQLStatements(ctx context.Context, db *sql.DB, sqlContent string) error {
	for _, stmt := range splitSQLStatements(sqlContent) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if isAlreadyExists(err) {
				slog.Debug("object already exists, skipping", "error", err)
				continue
			}
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// splitSQLStatements splits on semicolons and drops comment-only lines.
// Semicolons inside string literals are not supported.
func splitSQLStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "42p07") // PostgreSQL: relation already exists
}
