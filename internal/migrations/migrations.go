// Package migrations holds the database schema, applied with bun's
// migrator via the migrate CLI command.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
