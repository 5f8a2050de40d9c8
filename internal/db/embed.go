package db

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
)

// DevMode makes getMigrationsFS read migration files from the working tree
// instead of the compiled-in copy, so schema edits take effect without a
// rebuild.
var DevMode = false

// devMigrationsPath is where the migration sources live relative to the repo
// root, which is where dev builds are run from.
const devMigrationsPath = "internal/db/migrations"

//go:embed migrations
var migrationsFS embed.FS

// getMigrationsFS returns the filesystem migration sources are read from,
// rooted at the directory containing the SQL files.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		if _, err := os.Stat(devMigrationsPath); err != nil {
			return nil, fmt.Errorf("dev migrations not found at %s: %w", devMigrationsPath, err)
		}
		return os.DirFS(devMigrationsPath), nil
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("embedded migrations: %w", err)
	}
	return sub, nil
}
