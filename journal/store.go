// Package journal keeps a local record of finished generations in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/richinsley/comfygen/client"
	"github.com/richinsley/comfygen/generation"
)

// ErrNotFound is returned when no entry matches a prompt id.
var ErrNotFound = errors.New("journal entry not found")

// Entry is one finished generation.
type Entry struct {
	ID         int64
	PromptID   string
	ServerURL  string
	Workflow   string
	Outcome    string
	Reason     string
	Image      client.ImageRef
	LocalPath  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time between submission and outcome.
func (e Entry) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.FinishedAt.Before(e.StartedAt) {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// EntryFromOutcome fills an Entry from a generation outcome.
func EntryFromOutcome(outcome generation.Outcome, serverURL, workflow string, startedAt time.Time) Entry {
	return Entry{
		PromptID:   outcome.PromptID,
		ServerURL:  serverURL,
		Workflow:   workflow,
		Outcome:    outcome.Kind.String(),
		Reason:     outcome.Reason,
		Image:      outcome.Image,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
}

// Store manages journal persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the journal database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts e and returns its row id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if e.PromptID == "" {
		return 0, errors.New("journal entry requires a prompt id")
	}
	finished := e.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	started := e.StartedAt
	if started.IsZero() {
		started = finished
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO generations (
            prompt_id, server_url, workflow, outcome, reason,
            image_filename, image_subfolder, image_type, local_path,
            started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PromptID,
		e.ServerURL,
		e.Workflow,
		e.Outcome,
		e.Reason,
		e.Image.Filename,
		e.Image.Subfolder,
		e.Image.Type,
		e.LocalPath,
		started.UTC().Format(time.RFC3339Nano),
		finished.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert journal entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal entry id: %w", err)
	}
	return id, nil
}

// SetLocalPath records where the result image was saved.
func (s *Store) SetLocalPath(ctx context.Context, id int64, localPath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE generations SET local_path = ? WHERE id = ?`, localPath, id)
	if err != nil {
		return fmt.Errorf("update journal entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `id, prompt_id, server_url, workflow, outcome, reason,
    image_filename, image_subfolder, image_type, local_path, started_at, finished_at`

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM generations ORDER BY finished_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the newest entry for promptID.
func (s *Store) Get(ctx context.Context, promptID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM generations WHERE prompt_id = ? ORDER BY id DESC LIMIT 1`,
		promptID,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e        Entry
		started  string
		finished string
	)
	err := row.Scan(
		&e.ID,
		&e.PromptID,
		&e.ServerURL,
		&e.Workflow,
		&e.Outcome,
		&e.Reason,
		&e.Image.Filename,
		&e.Image.Subfolder,
		&e.Image.Type,
		&e.LocalPath,
		&started,
		&finished,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan journal entry: %w", err)
	}
	e.StartedAt = parseTime(started)
	e.FinishedAt = parseTime(finished)
	return e, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
