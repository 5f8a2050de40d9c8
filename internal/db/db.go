package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// DB wraps the sqlite handle holding session and detection batch rows.
type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the database at path and brings its schema
// up to date. Most callers want this; OpenDB skips migrations for tooling
// that manages schema versions itself.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	migrations, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}

	return db, nil
}

// OpenDB opens the database with connection pragmas applied but leaves the
// schema alone. The migrate subcommands use this so a half-applied migration
// can still be inspected and forced.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}

	// Force the pragmas to take effect now rather than on first query, so a
	// bad path fails at open time.
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// dsn decorates the database path with the pragmas every connection in the
// pool needs: WAL so readers do not block the batch writer, a busy timeout
// instead of immediate SQLITE_BUSY errors, NORMAL sync (durable under WAL),
// in-memory temp tables, and enforced foreign keys.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=foreign_keys(ON)"
}

// Path returns the filesystem path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// TableStats reports the row count of one user table.
type TableStats struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}

// DatabaseStats summarises the database for the /debug/db-stats endpoint.
type DatabaseStats struct {
	Path        string       `json:"path"`
	TotalSizeMB float64      `json:"total_size_mb"`
	Tables      []TableStats `json:"tables"`
}

// GetDatabaseStats collects per-table row counts and the on-disk size of the
// database file, WAL included.
func (db *DB) GetDatabaseStats() (*DatabaseStats, error) {
	rows, err := db.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := &DatabaseStats{Path: db.path}
	for _, name := range names {
		var count int64
		if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %q", name)).Scan(&count); err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		stats.Tables = append(stats.Tables, TableStats{Name: name, RowCount: count})
	}

	var totalBytes int64
	for _, p := range []string{db.path, db.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			totalBytes += info.Size()
		}
	}
	stats.TotalSizeMB = float64(totalBytes) / (1 << 20)

	return stats, nil
}

// AttachAdminRoutes registers the operational debug surface on mux: tsweb's
// debug index, a live tailsql query UI, table row counts, and a gzipped
// backup download built with VACUUM INTO.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		// The pipeline runs fine without the SQL UI; log and move on.
		log.Printf("tailsql unavailable: %v", err)
	} else {
		tsql.SetDB("sqlite://vision.db", db.DB, &tailsql.DBOptions{
			Label: "Vision DB",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("db-stats", "Table row counts and database size", http.HandlerFunc(db.handleDBStats))
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackup))
}

func (db *DB) handleDBStats(w http.ResponseWriter, r *http.Request) {
	stats, err := db.GetDatabaseStats()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to collect database stats: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("Failed to encode db stats: %v", err)
	}
}

// handleBackup snapshots the database with VACUUM INTO (safe against
// concurrent writers under WAL) and streams the result gzip-compressed.
func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupName := fmt.Sprintf("vision-backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), backupName)

	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupName))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		// The response is already streaming, so an error here can only be
		// logged.
		log.Printf("Backup download aborted: %v", err)
	}
}
