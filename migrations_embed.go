package flowkeep

import (
	"io/fs"

	"github.com/i2y/flowkeep/internal/migrations"
)

// EmbeddedMigrationsFS returns the bundled dbmate-compatible migrations
// for callers that manage schema changes themselves (see WithAutoMigrate).
//
// The returned FS contains subdirectories for each database type:
//   - sqlite/
//   - postgresql/
//   - mysql/
func EmbeddedMigrationsFS() fs.FS {
	return migrations.Embedded()
}
