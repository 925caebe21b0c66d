// Package clipindex persists the history of save jobs in SQLite so clips can
// be listed, inspected and deleted without scanning the output directory.
package clipindex

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiroq/replaybuf/internal/fileutil"

	_ "modernc.org/sqlite"
)

// Status is the terminal state of a save job.
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusIncomplete Status = "incomplete"
)

var (
	ErrNotFound    = errors.New("clipindex: clip not found")
	ErrOutsideDir  = errors.New("clipindex: clip path outside output directory")
	ErrMissingPath = errors.New("clipindex: clip has no path")
)

// Clip is one row of the index.
type Clip struct {
	ID         string        `json:"id"`
	Reason     string        `json:"reason,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     Status        `json:"status"`
	Path       string        `json:"path,omitempty"`
	Frames     int           `json:"frames"`
	Skipped    int           `json:"skipped"`
	SizeBytes  int64         `json:"size_bytes"`
	Media      time.Duration `json:"media"`
	ErrorClass string        `json:"error_class,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Index wraps the SQLite database.
type Index struct {
	db   *sql.DB
	path string
}

// Open creates the database file and schema if needed.
func Open(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("clipindex: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("clipindex: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("clipindex: open db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("clipindex: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, path: path}, nil
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists clips (
		id text primary key,
		reason text not null default '',
		started_at integer not null,
		finished_at integer not null,
		status text not null,
		path text not null default '',
		frames integer not null default 0,
		skipped integer not null default 0,
		size_bytes integer not null default 0,
		media_ms integer not null default 0,
		error_class text not null default '',
		error text not null default ''
	);
	create index if not exists idx_clips_started on clips(started_at);
	create index if not exists idx_clips_status on clips(status);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("clipindex: schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (x *Index) Path() string { return x.path }

// Close closes the database.
func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

// RecordClip stores a finished clip. Status defaults to succeeded; callers
// pass StatusPartial when frames were skipped.
func (x *Index) RecordClip(c Clip) error {
	if c.Path == "" {
		return ErrMissingPath
	}
	if c.Status != StatusPartial {
		c.Status = StatusSucceeded
	}
	return x.insert(c)
}

// RecordFailure stores a failed job. Failed jobs never keep a file.
func (x *Index) RecordFailure(c Clip) error {
	c.Status = StatusFailed
	c.Path = ""
	c.SizeBytes = 0
	return x.insert(c)
}

// RecordIncomplete stores a job abandoned at shutdown.
func (x *Index) RecordIncomplete(id, reason string, started, finished time.Time) error {
	return x.insert(Clip{
		ID:         id,
		Reason:     reason,
		StartedAt:  started,
		FinishedAt: finished,
		Status:     StatusIncomplete,
		ErrorClass: "incomplete",
	})
}

func (x *Index) insert(c Clip) error {
	if c.ID == "" {
		return fmt.Errorf("clipindex: empty id")
	}
	_, err := x.db.Exec(`insert into clips
		(id, reason, started_at, finished_at, status, path, frames, skipped, size_bytes, media_ms, error_class, error)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Reason, c.StartedAt.UnixMilli(), c.FinishedAt.UnixMilli(), string(c.Status), c.Path,
		c.Frames, c.Skipped, c.SizeBytes, c.Media.Milliseconds(), c.ErrorClass, c.Error)
	if err != nil {
		return fmt.Errorf("clipindex: insert %s: %w", c.ID, err)
	}
	return nil
}

const columns = `id, reason, started_at, finished_at, status, path, frames, skipped, size_bytes, media_ms, error_class, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanClip(s scanner) (Clip, error) {
	var (
		c                 Clip
		status            string
		started, finished int64
		mediaMS           int64
	)
	if err := s.Scan(&c.ID, &c.Reason, &started, &finished, &status, &c.Path,
		&c.Frames, &c.Skipped, &c.SizeBytes, &mediaMS, &c.ErrorClass, &c.Error); err != nil {
		return Clip{}, err
	}
	c.Status = Status(status)
	c.StartedAt = time.UnixMilli(started)
	c.FinishedAt = time.UnixMilli(finished)
	c.Media = time.Duration(mediaMS) * time.Millisecond
	return c, nil
}

// List returns up to limit clips that have a file, newest first. A limit of
// zero or less returns all of them.
func (x *Index) List(limit int) ([]Clip, error) {
	q := `select ` + columns + ` from clips where path != '' order by started_at desc, rowid desc`
	args := []any{}
	if limit > 0 {
		q += ` limit ?`
		args = append(args, limit)
	}
	return x.query(q, args...)
}

// History returns up to limit jobs of any status, newest first.
func (x *Index) History(limit int) ([]Clip, error) {
	if limit <= 0 {
		return []Clip{}, nil
	}
	return x.query(`select `+columns+` from clips order by started_at desc, rowid desc limit ?`, limit)
}

func (x *Index) query(q string, args ...any) ([]Clip, error) {
	rows, err := x.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("clipindex: query: %w", err)
	}
	defer rows.Close()

	var out []Clip
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("clipindex: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("clipindex: iterate: %w", err)
	}
	return out, nil
}

// Get returns the job with the given id.
func (x *Index) Get(id string) (Clip, error) {
	row := x.db.QueryRow(`select `+columns+` from clips where id = ?`, id)
	c, err := scanClip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Clip{}, ErrNotFound
	}
	if err != nil {
		return Clip{}, fmt.Errorf("clipindex: get %s: %w", id, err)
	}
	return c, nil
}

// Delete removes the job row and, when the clip lives inside outputDir, its
// file and sidecar. A clip outside outputDir is left untouched and reported
// with ErrOutsideDir.
func (x *Index) Delete(id, outputDir string) error {
	c, err := x.Get(id)
	if err != nil {
		return err
	}
	if c.Path != "" {
		if err := removeInside(c.Path, outputDir); err != nil {
			return err
		}
	}
	if _, err := x.db.Exec(`delete from clips where id = ?`, id); err != nil {
		return fmt.Errorf("clipindex: delete %s: %w", id, err)
	}
	return nil
}

// Prune keeps the newest keep clips and deletes the rest (rows, files inside
// outputDir and sidecars). Failed and incomplete rows are not counted. It
// returns the number of clips removed.
func (x *Index) Prune(keep int, outputDir string) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	clips, err := x.List(0)
	if err != nil {
		return 0, err
	}
	if len(clips) <= keep {
		return 0, nil
	}
	removed := 0
	for _, c := range clips[keep:] {
		if err := x.Delete(c.ID, outputDir); err != nil {
			if errors.Is(err, ErrOutsideDir) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// TotalBytes sums the size of all clips that still have a file.
func (x *Index) TotalBytes() (int64, error) {
	var total sql.NullInt64
	if err := x.db.QueryRow(`select sum(size_bytes) from clips where path != ''`).Scan(&total); err != nil {
		return 0, fmt.Errorf("clipindex: total bytes: %w", err)
	}
	return total.Int64, nil
}

// Count returns the number of rows with the given status.
func (x *Index) Count(status Status) (int, error) {
	var n int
	if err := x.db.QueryRow(`select count(*) from clips where status = ?`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("clipindex: count: %w", err)
	}
	return n, nil
}

func removeInside(path, dir string) error {
	if !Inside(path, dir) {
		return fmt.Errorf("%w: %s", ErrOutsideDir, path)
	}
	if err := fileutil.RemovePartial(path); err != nil {
		return err
	}
	if err := fileutil.RemovePartial(fileutil.MetadataPath(path)); err != nil {
		return err
	}
	return nil
}

// Inside reports whether path resolves to a location strictly below dir.
func Inside(path, dir string) bool {
	if dir == "" {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
