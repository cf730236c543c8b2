package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed persistence layer for run history and
// provenance.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

var ErrRunNotFound = errors.New("store: run not found")

// Fixed width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers anyway; one connection also keeps :memory:
	// databases shared.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RunRecord is one row of the run history.
type RunRecord struct {
	ID           string
	Label        string
	State        State
	ExitCode     int
	CleanWorkdir bool
	StartedAt    time.Time
	FinishedAt   time.Time
}

func (s *Store) CreateRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, state, exit_code, clean_workdir, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Label, string(r.State), r.ExitCode, boolInt(r.CleanWorkdir), r.StartedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, id string, state State, exitCode int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		string(state), exitCode, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, label, state, exit_code, clean_workdir, started_at, COALESCE(finished_at, '') FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, state, exit_code, clean_workdir, started_at, COALESCE(finished_at, '') FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface{ Scan(dest ...any) error }

func scanRun(sc scanner) (RunRecord, error) {
	var (
		r                 RunRecord
		state             string
		clean             int
		started, finished string
	)
	if err := sc.Scan(&r.ID, &r.Label, &state, &r.ExitCode, &clean, &started, &finished); err != nil {
		return r, err
	}
	r.State = State(state)
	r.CleanWorkdir = clean != 0
	r.StartedAt, _ = time.Parse(timeLayout, started)
	if finished != "" {
		r.FinishedAt, _ = time.Parse(timeLayout, finished)
	}
	return r, nil
}

// RecordUnit implements Provenance. Recording the same unit twice is a no-op.
func (s *Store) RecordUnit(ctx context.Context, rootID string, u Unit) error {
	var host, path string
	if u.RemoteFolder != nil {
		host, path = u.RemoteFolder.Host, u.RemoteFolder.Path
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO units (id, root_id, parent_id, label, kind, remote_host, remote_path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, rootID, u.Parent, u.Label, string(u.Kind), host, path, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

// Units returns every unit recorded under rootID.
func (s *Store) Units(ctx context.Context, rootID string) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, label, kind, remote_host, remote_path FROM units WHERE root_id = ? ORDER BY created_at, id`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()
	var out []Unit
	for rows.Next() {
		var (
			u          Unit
			kind       string
			host, path string
		)
		if err := rows.Scan(&u.ID, &u.Parent, &u.Label, &kind, &host, &path); err != nil {
			return nil, err
		}
		u.Kind = UnitKind(kind)
		if path != "" {
			u.RemoteFolder = &RemoteData{Host: host, Path: path}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Descendants implements Provenance.
func (s *Store) Descendants(ctx context.Context, rootID string) ([]Unit, error) {
	units, err := s.Units(ctx, rootID)
	if err != nil {
		return nil, err
	}
	return descendants(units, rootID)
}
