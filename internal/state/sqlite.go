package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/anneal-io/anneal/internal/resource"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps records in a local SQLite database, one row per
// (scope, id). The schema is managed by embedded migrations.
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
}

func NewSQLiteStore(ctx context.Context, path string, sealer *Sealer) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite backend requires a database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite is a single-writer store

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, sealer: sealer}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, scope, id string) (*resource.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, output, seq, depends_on, created_at, updated_at
		FROM records
		WHERE scope = ? AND id = ?
	`, scope, id)

	rec, err := s.scanRecord(row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) Put(ctx context.Context, scope string, rec *resource.Record) error {
	encoded, err := EncodeOutput(rec.Output, s.sealer)
	if err != nil {
		return fmt.Errorf("failed to encode output for %s: %w", rec.ID, err)
	}
	output, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("failed to serialize output for %s: %w", rec.ID, err)
	}
	deps, err := json.Marshal(rec.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to serialize dependencies for %s: %w", rec.ID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	// New rows take the next per-scope sequence number; replaced rows
	// keep their original seq and created_at.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (scope, id, kind, output, seq, depends_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, COALESCE((SELECT MAX(seq) FROM records WHERE scope = ?), 0) + 1, ?, ?, ?)
		ON CONFLICT(scope, id) DO UPDATE SET
			kind = excluded.kind,
			output = excluded.output,
			depends_on = excluded.depends_on,
			updated_at = excluded.updated_at
	`, scope, rec.ID, string(rec.Kind), string(output), scope, string(deps), now, now)
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, scope, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE scope = ? AND id = ?`, scope, id); err != nil {
		return fmt.Errorf("failed to remove record %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, scope string) ([]*resource.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, output, seq, depends_on, created_at, updated_at
		FROM records
		WHERE scope = ?
		ORDER BY seq ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var recs []*resource.Record
	for rows.Next() {
		var (
			rec       resource.Record
			kind      string
			output    string
			deps      string
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&rec.ID, &kind, &output, &rec.Seq, &deps, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := s.fillRecord(&rec, kind, output, deps, createdAt, updatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope FROM records ORDER BY scope ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

func (s *SQLiteStore) DeleteScope(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("failed to delete scope %q: %w", scope, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scanRecord(row *sql.Row, id string) (*resource.Record, error) {
	var (
		rec       resource.Record
		kind      string
		output    string
		deps      string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&kind, &output, &rec.Seq, &deps, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.ID = id
	if err := s.fillRecord(&rec, kind, output, deps, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) fillRecord(rec *resource.Record, kind, output, deps, createdAt, updatedAt string) error {
	rec.Kind = resource.Kind(kind)

	var raw resource.Output
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return fmt.Errorf("failed to parse output for %s: %w", rec.ID, err)
	}
	decoded, err := DecodeOutput(raw, s.sealer)
	if err != nil {
		return fmt.Errorf("failed to decode output for %s: %w", rec.ID, err)
	}
	rec.Output = decoded

	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &rec.DependsOn); err != nil {
			return fmt.Errorf("failed to parse dependencies for %s: %w", rec.ID, err)
		}
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return fmt.Errorf("failed to parse created_at for %s: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return fmt.Errorf("failed to parse updated_at for %s: %w", rec.ID, err)
	}
	return nil
}
