package database

import (
	"cmp"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"kptv-player/work/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

var log = logger.Default().Named("database")

// DB wraps the sql.DB with additional functionality
type DB struct {
	*sql.DB
	path string
}

// Open creates a new database connection in WAL mode and applies migrations.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	wrapper := &DB{DB: db, path: dbPath}

	if err := wrapper.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	log.Info("SQLite database opened at %s", dbPath)
	return wrapper, nil
}

type migration struct {
	version int
	name    string
}

// migrate applies the embedded migrations newer than the schema version kept
// in PRAGMA user_version, one transaction each.
func (db *DB) migrate() error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	pending, err := pendingMigrations(current)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := db.apply(m); err != nil {
			return err
		}
		log.Info("Applied migration %s (schema version %d)", m.name, m.version)
	}
	return nil
}

// pendingMigrations lists "NNN_name.sql" files above current in version order.
func pendingMigrations(current int) ([]migration, error) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	var out []migration
	for _, f := range files {
		name := path.Base(f)
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			return nil, fmt.Errorf("bad migration name %s: %w", name, err)
		}
		if version > current {
			out = append(out, migration{version: version, name: name})
		}
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.version, b.version) })
	return out, nil
}

func (db *DB) apply(m migration) error {
	body, err := migrations.ReadFile(path.Join("migrations", m.name))
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", m.name, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", m.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("migration %s: %w", m.name, err)
	}
	// pragmas take no bind parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.name, err)
	}
	return tx.Commit()
}

// Close closes the database connection
func (db *DB) Close() error {
	log.Debug("Closing database connection")
	return db.DB.Close()
}

// GetStats returns row counts and the database size.
func (db *DB) GetStats() (map[string]any, error) {
	stats := make(map[string]any)

	for _, table := range []string{"kv", "channels"} {
		var count int
		err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table+"_count"] = count
	}

	var pageCount, pageSize int
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	stats["database_size_bytes"] = pageCount * pageSize

	return stats, nil
}
