package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	// Register the pure-Go sqlite driver under the name "sqlite".
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the catalog database at path and applies
// pending migrations. Use ":memory:" in tests.
func OpenSQLite(path string, log zerolog.Logger) (*SQLiteStore, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("manifest: create db dir: %w", err)
		}
	}
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %q: %w", path, err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: ping %q: %w", path, err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, log: log}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

const columns = `file_path, name, family, size_bytes, checksum, context_length, metadata, source_url, is_default, imported_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanManifest(row scanner) (Manifest, error) {
	var (
		m                 Manifest
		meta              string
		isDefault         int
		imported, updated string
	)
	if err := row.Scan(&m.FilePath, &m.Name, &m.Family, &m.SizeBytes, &m.Checksum, &m.ContextLength,
		&meta, &m.SourceURL, &isDefault, &imported, &updated); err != nil {
		return Manifest{}, err
	}
	md, err := ParseMetadata([]byte(meta))
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: decode metadata for %q: %w", m.FilePath, err)
	}
	m.Metadata = md
	m.IsDefault = isDefault != 0
	m.ImportedAt, _ = time.Parse(time.RFC3339Nano, imported)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return m, nil
}

func (s *SQLiteStore) Get(ctx context.Context, path string) (Manifest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM manifests WHERE file_path = ?`, path)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Manifest{}, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Manifest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM manifests ORDER BY name, file_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Upsert(ctx context.Context, m Manifest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertTx(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertTx(ctx context.Context, tx *sql.Tx, m Manifest) error {
	if m.FilePath == "" {
		return errors.New("manifest: empty file path")
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.ImportedAt.IsZero() {
		m.ImportedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Family == "" {
		m.Family = DetectFamily(m.Name, m.Metadata.Arch)
	}
	if m.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE manifests SET is_default = 0 WHERE file_path <> ?`, m.FilePath); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO manifests (`+columns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(file_path) DO UPDATE SET
		name = excluded.name,
		family = excluded.family,
		size_bytes = excluded.size_bytes,
		checksum = excluded.checksum,
		context_length = excluded.context_length,
		metadata = excluded.metadata,
		source_url = excluded.source_url,
		is_default = excluded.is_default,
		updated_at = excluded.updated_at`,
		m.FilePath, m.Name, m.Family, m.SizeBytes, m.Checksum, m.ContextLength, string(meta),
		m.SourceURL, boolInt(m.IsDefault),
		m.ImportedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM manifests WHERE file_path = ?`, path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) EnsureManifestFor(ctx context.Context, path string, meta []byte, sourceURL string, isDefault bool) (Manifest, error) {
	md, err := ParseMetadata(meta)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: metadata for %q: %w", path, err)
	}
	fresh, err := FromFile(path, md)
	if err != nil {
		return Manifest{}, err
	}
	fresh.SourceURL = sourceURL
	fresh.IsDefault = isDefault

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Manifest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	out := fresh
	row := tx.QueryRowContext(ctx, `SELECT `+columns+` FROM manifests WHERE file_path = ?`, path)
	existing, err := scanManifest(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Manifest{}, err
	default:
		out = existing
		out.SizeBytes = fresh.SizeBytes
		out.Checksum = fresh.Checksum
		out.Metadata = existing.Metadata.Merge(md)
		if out.Metadata.NCtxTrain != 0 {
			out.ContextLength = out.Metadata.NCtxTrain
		}
		out.Family = DetectFamily(out.Name, out.Metadata.Arch)
		if sourceURL != "" {
			out.SourceURL = sourceURL
		}
		if isDefault {
			out.IsDefault = true
		}
		out.UpdatedAt = time.Now().UTC()
	}
	if err := upsertTx(ctx, tx, out); err != nil {
		return Manifest{}, err
	}
	if err := tx.Commit(); err != nil {
		return Manifest{}, err
	}
	s.log.Debug().Str("model", path).Str("family", out.Family).Msg("manifest_ensured")
	return out, nil
}
