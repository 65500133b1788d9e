package migrations

import (
	"embed"
	"io/fs"
)

// embedded holds the bundled schema, one subdirectory per database type:
//   - sql/sqlite/*.sql
//   - sql/postgresql/*.sql
//   - sql/mysql/*.sql
//
//go:embed sql
var embedded embed.FS

// Embedded returns the bundled migrations rooted at the per-database
// subdirectories.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		// This should never happen with embedded files
		panic("failed to create sub filesystem for migrations: " + err.Error())
	}
	return sub
}
