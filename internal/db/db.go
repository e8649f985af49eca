// Package db owns SQLite connection setup (pragmas, embedded migrations) and
// the per-component stores built on top of *sql.DB.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"

	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// DevMode switches migrations from the embedded filesystem to the local
// filesystem for hot-reloading during schema development.
var DevMode = false

// Kind names one of the five SQLite databases the pipeline opens, each with
// its own migration directory under migrations/<kind>.
type Kind string

const (
	KindFileIndex    Kind = "fileindex"
	KindQueue        Kind = "queue"
	KindProducts     Kind = "products"
	KindRegistry     Kind = "registry"
	KindDataRegistry Kind = "dataregistry"
)

// DB wraps a *sql.DB for one Kind of pipeline database.
type DB struct {
	*sql.DB
	Kind Kind
}

func migrationsFor(kind Kind) (fs.FS, error) {
	if DevMode {
		return os.DirFS(fmt.Sprintf("internal/db/migrations/%s", kind)), nil
	}
	return fs.Sub(migrationsFS, fmt.Sprintf("migrations/%s", kind))
}

// applyPragmas sets the WAL/busy-timeout/foreign-key PRAGMAs every pipeline
// database requires for safe concurrent worker access.
func applyPragmas(sdb *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := sdb.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path for the given Kind, applies
// pragmas, and migrates it to the latest schema version.
func Open(kind Kind, path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := applyPragmas(sdb); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	wrapped := &DB{DB: sdb, Kind: kind}

	mfs, err := migrationsFor(kind)
	if err != nil {
		sdb.Close()
		return nil, fmt.Errorf("migrations for %s: %w", kind, err)
	}
	if err := wrapped.MigrateUp(mfs); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("migrate %s: %w", kind, err)
	}
	return wrapped, nil
}
