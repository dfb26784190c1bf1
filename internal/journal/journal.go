// Package journal records per-file transfer and build problems in a
// SQLite database at the store root, one run id per process run, so an
// operator can inspect what a mirror left behind.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// FileName is the journal database kept at a store root.
const FileName = ".skytiles-journal.db"

// Problem kinds.
const (
	KindNotFound   = "not_found"
	KindFailed     = "failed"
	KindUnreadable = "unreadable"
)

// Entry is one recorded outcome.
type Entry struct {
	Run      string
	Path     string
	Kind     string
	Attempts int
	Err      string
	At       time.Time
}

type Journal struct {
	db   *sql.DB
	stmt *sql.Stmt
	run  string
	mu   sync.Mutex
}

// Open opens or creates the journal at path and starts a new run.
func Open(path, command string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// The journal has a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		started INTEGER NOT NULL,
		finished INTEGER
	);
	CREATE TABLE IF NOT EXISTS problems (
		run_id TEXT NOT NULL REFERENCES runs(id),
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_problems_run ON problems(run_id, kind);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`INSERT INTO runs (id, command, started) VALUES (?, ?, ?)`,
		id.String(), command, time.Now().UnixMilli()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("start run: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO problems (run_id, path, kind, attempts, error, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, stmt: stmt, run: id.String()}, nil
}

// Run returns the id of the current run.
func (j *Journal) Run() string {
	if j == nil {
		return ""
	}
	return j.run
}

// Record stores one outcome. A nil journal discards it.
func (j *Journal) Record(path, kind string, attempts int, cause error) error {
	if j == nil {
		return nil
	}
	var msg sql.NullString
	if cause != nil {
		msg = sql.NullString{String: cause.Error(), Valid: true}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.stmt.Exec(j.run, path, kind, attempts, msg, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("journal: record %s: %w", path, err)
	}
	return nil
}

// Problems returns the entries of run other than NotFound, oldest first.
// An empty run means the current one.
func (j *Journal) Problems(run string) ([]Entry, error) {
	if run == "" {
		run = j.run
	}
	rows, err := j.db.Query(`
		SELECT run_id, path, kind, attempts, error, at FROM problems
		WHERE run_id = ? AND kind != ?
		ORDER BY at, rowid
	`, run, KindNotFound)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e   Entry
			msg sql.NullString
			at  int64
		)
		if err := rows.Scan(&e.Run, &e.Path, &e.Kind, &e.Attempts, &msg, &at); err != nil {
			return nil, err
		}
		e.Err = msg.String
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of entries per kind for run.
func (j *Journal) Counts(run string) (map[string]int, error) {
	if run == "" {
		run = j.run
	}
	rows, err := j.db.Query(`SELECT kind, COUNT(*) FROM problems WHERE run_id = ? GROUP BY kind`, run)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// LastRun returns the id of the most recent earlier run of any of the
// commands, or "" when there is none.
func (j *Journal) LastRun(commands ...string) (string, error) {
	if len(commands) == 0 {
		return "", nil
	}
	args := make([]any, 0, len(commands)+1)
	for _, c := range commands {
		args = append(args, c)
	}
	args = append(args, j.run)
	marks := strings.TrimSuffix(strings.Repeat("?,", len(commands)), ",")
	var id string
	err := j.db.QueryRow(`
		SELECT id FROM runs WHERE command IN (`+marks+`) AND id != ?
		ORDER BY started DESC, id DESC LIMIT 1
	`, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// Close marks the run finished and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(`UPDATE runs SET finished = ? WHERE id = ?`, time.Now().UnixMilli(), j.run)
	_ = j.stmt.Close()
	return errors.Join(err, j.db.Close())
}
