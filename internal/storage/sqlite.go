package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStorage stores specs and workflows in a SQLite file. It is the
// default back end and the one the unit tests run against.
type SQLiteStorage struct {
	*sqlStore
}

// sqlitePragmas are applied to every pooled connection. foreign_keys must
// be on for cascade deletes and the spec deletion guard.
const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// NewSQLiteStorage opens dbPath, which may be a file path, "file:path",
// "sqlite://path" or ":memory:".
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", dbPath, err)
	}
	return &SQLiteStorage{sqlStore: &sqlStore{db: db, driver: &SQLiteDriver{}}}, nil
}

// sqliteDSN appends the connection pragmas. An in-memory database uses a
// shared cache, otherwise every pooled connection would see its own empty
// database.
func sqliteDSN(dbPath string) string {
	dbPath = strings.TrimPrefix(dbPath, "sqlite://")
	switch {
	case dbPath == ":memory:":
		return "file::memory:?cache=shared&" + sqlitePragmas
	case strings.Contains(dbPath, "?"):
		return dbPath + "&" + sqlitePragmas
	default:
		return dbPath + "?" + sqlitePragmas
	}
}
