package store

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/adlio/schema"
)

//go:embed schema.sql
var schemaSQL string

// MigrationsTable records applied migrations.
const MigrationsTable = "indexer_migrations"

// Migrations returns the schema history, oldest first.
func Migrations() []*schema.Migration {
	return []*schema.Migration{{
		ID:     "0001_initial",
		Script: schemaSQL,
	}}
}

// Migrate applies pending migrations. Concurrent runs are serialized by an
// advisory lock.
func Migrate(ctx context.Context, db *sql.DB) error {
	return schema.NewMigrator(
		schema.WithContext(ctx),
		schema.WithTableName(MigrationsTable),
	).Apply(db, Migrations())
}
