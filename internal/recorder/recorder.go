// Package recorder persists decoded frames to a sqlite database so sessions
// can be inspected after the fact.
package recorder

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Recorder writes frames to sqlite.
type Recorder struct {
	db   *sql.DB
	path string
}

// Row is one recorded frame.
type Row struct {
	ID      int64          `json:"id"`
	Session string         `json:"session_id"`
	Frame   frame.Snapshot `json:"frame"`
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. ":memory:" is supported for tests.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recorder db %s: %w", path, err)
	}
	// A single connection keeps in-memory databases coherent and serialises
	// writes from the poller with reads from debug routes.
	db.SetMaxOpenConns(1)

	r := &Recorder{db: db, path: path}
	if err := r.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateUp runs all pending migrations. The migrate instance is not closed
// because that would close the shared connection.
func (r *Recorder) migrateUp() error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version and dirty flag.
func (r *Recorder) Version() (uint, bool, error) {
	m, err := r.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Record stores f under session.
func (r *Recorder) Record(session string, f *frame.Frame) error {
	snap := f.Snapshot()
	cells, err := json.Marshal(snap.Cells)
	if err != nil {
		return fmt.Errorf("marshal cells: %w", err)
	}
	_, err = r.db.Exec(`
		INSERT INTO frames (session_id, device, seq, captured_at_ns, grid_rows, grid_cols, cells_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session, snap.Device, int64(snap.Seq), snap.CapturedAt.UnixNano(), snap.Rows, snap.Cols, string(cells),
	)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	return nil
}

// Hook returns a frame callback that records every frame under session.
// Failures are logged, never returned, so recording cannot stall polling.
func (r *Recorder) Hook(session string) func(*frame.Frame) {
	return func(f *frame.Frame) {
		if err := r.Record(session, f); err != nil {
			monitoring.Warnf("[recorder] %v", err)
		}
	}
}

// Recent returns up to limit frames, newest first.
func (r *Recorder) Recent(limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.Query(`
		SELECT frame_id, session_id, device, seq, captured_at_ns, grid_rows, grid_cols, cells_json
		FROM frames
		ORDER BY frame_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row        Row
			seq        int64
			capturedNs int64
			cellsJSON  string
		)
		if err := rows.Scan(&row.ID, &row.Session, &row.Frame.Device, &seq, &capturedNs,
			&row.Frame.Rows, &row.Frame.Cols, &cellsJSON); err != nil {
			return nil, err
		}
		row.Frame.Seq = uint64(seq)
		row.Frame.CapturedAt = time.Unix(0, capturedNs).UTC()
		if err := json.Unmarshal([]byte(cellsJSON), &row.Frame.Cells); err != nil {
			return nil, fmt.Errorf("frame %d: decode cells: %w", row.ID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of recorded frames, optionally for one session.
func (r *Recorder) Count(session string) (int, error) {
	var n int
	var err error
	if session == "" {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM frames`).Scan(&n)
	} else {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM frames WHERE session_id = ?`, session).Scan(&n)
	}
	return n, err
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
