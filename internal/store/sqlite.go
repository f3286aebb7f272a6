package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/fit"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sweeps(
		id TEXT PRIMARY KEY,
		dataset TEXT NOT NULL,
		created_at TEXT NOT NULL,
		data TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS results(
		sweep_id TEXT NOT NULL REFERENCES sweeps(id),
		run INTEGER NOT NULL,
		status TEXT NOT NULL,
		cost REAL NOT NULL,
		error TEXT,
		payload TEXT NOT NULL,
		PRIMARY KEY(sweep_id, run)
	)`,
}

// SQLiteStore persists sweeps in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and if needed creates) the database at dsn.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	const op = "store.OpenSQLite"

	if dsn == "" {
		return nil, errors.Precondition(op, "database DSN is required")
	}
	if path := dbPath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, op, "creating database directory")
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	// SQLite allows one writer; a single connection also keeps in-memory
	// databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, op, "creating schema")
		}
	}
	return &SQLiteStore{db: db}, nil
}

// dbPath extracts the file path of a DSN, or "" for in-memory databases.
func dbPath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// CreateSweep implements Store.
func (s *SQLiteStore) CreateSweep(ctx context.Context, sw Sweep) error {
	const op = "store.SQLiteStore.CreateSweep"

	if err := validID(op, sw.ID); err != nil {
		return err
	}
	var data sql.NullString
	if sw.Data != nil {
		raw, err := json.Marshal(sw.Data)
		if err != nil {
			return errors.Wrap(err, op)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sweeps WHERE id = ?", sw.ID).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, op)
	}
	if exists > 0 {
		return errors.Precondition(op, "sweep %s already exists", sw.ID)
	}

	_, err = s.db.ExecContext(ctx, "INSERT INTO sweeps(id, dataset, created_at, data) VALUES(?,?,?,?)",
		sw.ID, sw.Dataset, sw.Created.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

func scanSweep(row interface{ Scan(...any) error }) (*Sweep, error) {
	var (
		sw      Sweep
		created string
		data    sql.NullString
	)
	if err := row.Scan(&sw.ID, &sw.Dataset, &created, &data); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, err
	}
	sw.Created = t
	if data.Valid {
		sw.Data = &fit.Dataset{}
		if err := json.Unmarshal([]byte(data.String), sw.Data); err != nil {
			return nil, err
		}
	}
	return &sw, nil
}

// GetSweep implements Store.
func (s *SQLiteStore) GetSweep(ctx context.Context, id string) (*Sweep, error) {
	const op = "store.SQLiteStore.GetSweep"

	row := s.db.QueryRowContext(ctx, "SELECT id, dataset, created_at, data FROM sweeps WHERE id = ?", id)
	sw, err := scanSweep(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, op, "sweep %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return sw, nil
}

// ListSweeps implements Store.
func (s *SQLiteStore) ListSweeps(ctx context.Context) ([]Sweep, error) {
	const op = "store.SQLiteStore.ListSweeps"

	rows, err := s.db.QueryContext(ctx, "SELECT id, dataset, created_at, data FROM sweeps ORDER BY created_at, id")
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	var out []Sweep
	for rows.Next() {
		sw, err := scanSweep(rows)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}
		out = append(out, *sw)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return out, nil
}

// AppendResult implements Store.
func (s *SQLiteStore) AppendResult(ctx context.Context, sweepID string, r fit.Result) error {
	const op = "store.SQLiteStore.AppendResult"

	payload, err := json.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, op, "encoding run %d", r.Run)
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sweeps WHERE id = ?", sweepID).Scan(&exists); err != nil {
		return errors.Wrap(err, op)
	}
	if exists == 0 {
		return errors.Wrapf(ErrNotFound, op, "sweep %s", sweepID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO results(sweep_id, run, status, cost, error, payload) VALUES(?,?,?,?,?,?)`,
		sweepID, r.Run, r.Status, r.Cost, r.Error, string(payload))
	if err != nil {
		return errors.Wrapf(err, op, "persisting run %d", r.Run)
	}
	return nil
}

// Results implements Store.
func (s *SQLiteStore) Results(ctx context.Context, sweepID string) ([]fit.Result, error) {
	const op = "store.SQLiteStore.Results"

	if _, err := s.GetSweep(ctx, sweepID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM results WHERE sweep_id = ? ORDER BY run", sweepID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	defer rows.Close()

	out := []fit.Result{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, op)
		}
		var r fit.Result
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, errors.Wrapf(err, op, "decoding stored run")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, op)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
