// Package migrations resolves the relay_kv schema for a storage dialect.
// Postgres files live at the root of data/sql/migrations and SQLite variants
// under its sqlite/ directory.
package migrations

import (
	"fmt"
	"io/fs"
	"strings"

	relay "github.com/goliatone/go-relay"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	// KVMigration is the version prefix of the relay_kv up/down pair.
	KVMigration = "00001_relay_kv"

	rootPath = "data/sql/migrations"
)

// Source is the migration directory selected for one dialect.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// ParseDialect accepts driver and dialect spellings used across the config
// and maps them to a supported dialect.
func ParseDialect(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: unsupported dialect %q", raw)
	}
}

// ForDialect returns the embedded migrations for dialect. It fails when the
// relay_kv up/down pair is incomplete.
func ForDialect(dialect string) (Source, error) {
	return forDialect(relay.GetMigrationsFS(), dialect)
}

// Register resolves the migrations for dialect and hands them to registerFn,
// typically a persistence client's RegisterSQLMigrations.
func Register(dialect string, registerFn func(fs.FS)) (Source, error) {
	if registerFn == nil {
		return Source{}, fmt.Errorf("migrations: register function is required")
	}
	source, err := ForDialect(dialect)
	if err != nil {
		return Source{}, err
	}
	registerFn(source.FS)
	return source, nil
}

func forDialect(root fs.FS, raw string) (Source, error) {
	dialect, err := ParseDialect(raw)
	if err != nil {
		return Source{}, err
	}
	path := rootPath
	if dialect == DialectSQLite {
		path += "/sqlite"
	}
	sub, err := fs.Sub(root, path)
	if err != nil {
		return Source{}, fmt.Errorf("migrations: resolve %s: %w", path, err)
	}
	for _, suffix := range []string{".up.sql", ".down.sql"} {
		name := KVMigration + suffix
		if _, err := fs.Stat(sub, name); err != nil {
			return Source{}, fmt.Errorf("migrations: %s is missing %s: %w", dialect, name, err)
		}
	}
	return Source{Dialect: dialect, Path: path, FS: sub}, nil
}
