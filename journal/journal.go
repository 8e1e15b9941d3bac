// Package journal keeps a sqlite history of every per file decision.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	ActionSkip  = "SKIP"
	ActionStore = "STOR"
	ActionTomb  = "TOMB"
	ActionCopy  = "COPY"

	// ActionUndelete drops a tombstone of a file that is back on disk.
	ActionUndelete = "UNDL"
)

type Event struct {
	Run     string
	At      time.Time
	Action  string
	Barcode string
	Path    string
	Size    int64
	Mtime   float64
}

// Journal is written from the manager's goroutine only.
type Journal struct {
	db  *sql.DB
	run string
}

// Open opens or creates the journal at path; events are recorded under run.
func Open(path, run string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	// create events table
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (id INTEGER PRIMARY KEY AUTOINCREMENT, run TEXT NOT NULL, at INTEGER NOT NULL, action TEXT NOT NULL, barcode TEXT, path TEXT NOT NULL, size INTEGER, mtime REAL)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS events_run ON events (run)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events index: %w", err)
	}
	return &Journal{db: db, run: run}, nil
}

func (j *Journal) Run() string {
	return j.run
}

func (j *Journal) Record(action, barcode, path string, size int64, mtime float64) error {
	sql := `INSERT INTO events (run, at, action, barcode, path, size, mtime) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.Exec(sql, j.run, time.Now().UnixNano(), action, barcode, path, size, mtime)
	return err
}

// LatestRun returns the run of the newest event, or "" for an empty journal.
func (j *Journal) LatestRun() (string, error) {
	var run string
	err := j.db.QueryRow(`SELECT run FROM events ORDER BY id DESC LIMIT 1`).Scan(&run)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return run, err
}

// Counts returns the number of events of each action in run.
func (j *Journal) Counts(run string) (map[string]int, error) {
	rows, err := j.db.Query(`SELECT action, COUNT(*) FROM events WHERE run = ? GROUP BY action`, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

func (j *Journal) Events(run string) ([]Event, error) {
	rows, err := j.db.Query(`SELECT run, at, action, barcode, path, size, mtime FROM events WHERE run = ? ORDER BY id`, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.Run, &at, &e.Action, &e.Barcode, &e.Path, &e.Size, &e.Mtime); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
