package storage

import (
	"context"

	"github.com/i2y/flowkeep/internal/migrations"
)

// InitializeTestSchema applies the bundled migrations to any Storage.
// This is intended for use in tests only.
func InitializeTestSchema(ctx context.Context, s Storage) error {
	_, err := migrations.NewMigrator(s.DB(), s.Driver().MigrationsDir(), nil).Up(ctx)
	return err
}

// ResetTestData removes every row while keeping the schema, child tables
// first. This is intended for use in tests only.
func ResetTestData(ctx context.Context, s Storage) error {
	for _, table := range []string{
		"user_workflows",
		"workflow_instances",
		"workflows",
		"spec_dependencies",
		"process_specs",
	} {
		if table == "workflows" {
			// Subprocess rows first so the self reference never blocks.
			if _, err := s.DB().ExecContext(ctx, "DELETE FROM workflows WHERE root_id IS NOT NULL"); err != nil {
				return err
			}
		}
		if _, err := s.DB().ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
