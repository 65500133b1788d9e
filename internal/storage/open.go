package storage

import "strings"

// Open creates the storage back end selected by the database URL:
// postgres:// and postgresql:// use PostgreSQL, mysql:// uses MySQL, and
// anything else is treated as a SQLite path.
func Open(dbURL string) (Storage, error) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		s, err := NewPostgresStorage(dbURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(dbURL, "mysql://"):
		s, err := NewMySQLStorage(dbURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := NewSQLiteStorage(dbURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
