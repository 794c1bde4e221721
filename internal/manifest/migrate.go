package manifest

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

type migrationFile struct {
	version int
	name    string
	sql     string
}

// migrateUp applies pending migrations in file-name order, one transaction
// each. Applied versions are tracked in schema_migrations.
func migrateUp(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER NOT NULL PRIMARY KEY,
			name       TEXT    NOT NULL,
			applied_at TEXT    NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("manifest: ensure migrations table: %w", err)
	}
	files, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("manifest: load migrations: %w", err)
	}
	for _, f := range files {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, f.version).Scan(&n); err != nil {
			return fmt.Errorf("manifest: check migration %d: %w", f.version, err)
		}
		if n > 0 {
			continue
		}
		if err := applyMigration(db, f); err != nil {
			return fmt.Errorf("manifest: apply %s: %w", f.name, err)
		}
	}
	return nil
}

func loadMigrations() ([]migrationFile, error) {
	var files []migrationFile
	err := fs.WalkDir(migrations, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return nil
		}
		b, err := migrations.ReadFile(path)
		if err != nil {
			return err
		}
		var v int
		if _, err := fmt.Sscanf(d.Name(), "%d_", &v); err != nil {
			return fmt.Errorf("bad migration name %q", d.Name())
		}
		files = append(files, migrationFile{version: v, name: d.Name(), sql: string(b)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func applyMigration(db *sql.DB, f migrationFile) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(f.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, f.version, f.name); err != nil {
		return err
	}
	return tx.Commit()
}
