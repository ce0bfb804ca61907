package trace

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store persists sessions and their snapshot histories in an embedded
// sqlite database. Snapshot blobs are canonical CBOR, zstd-compressed.
type Store struct {
	db *sqlx.DB
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	module TEXT NOT NULL,
	entry INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	session_id INTEGER NOT NULL,
	idx INTEGER NOT NULL,
	state BLOB NOT NULL,

	FOREIGN KEY(session_id) REFERENCES sessions(id),
	PRIMARY KEY(session_id, idx)
);`

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SessionRow is one persisted session.
type SessionRow struct {
	ID        int64     `db:"id"`
	Module    string    `db:"module"`
	Entry     int       `db:"entry"`
	CreatedAt time.Time `db:"created_at"`
}

// SaveSession persists the session's full history and returns the new
// session id.
func (s *Store) SaveSession(sess *Session, entry int) (int64, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("store: save: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO sessions (module, entry, created_at) VALUES (?, ?, ?)`,
		sess.Module().Name, entry, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("store: save session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: save session: %w", err)
	}

	for idx, snap := range sess.History().Snapshots() {
		raw, err := MarshalSnapshot(snap)
		if err != nil {
			return 0, fmt.Errorf("store: snapshot %d: %w", idx, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO snapshots (session_id, idx, state) VALUES (?, ?, ?)`,
			id, idx, compress(raw)); err != nil {
			return 0, fmt.Errorf("store: snapshot %d: %w", idx, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: save: %w", err)
	}
	return id, nil
}

// Sessions lists persisted sessions, newest first.
func (s *Store) Sessions() ([]SessionRow, error) {
	var rows []SessionRow
	if err := s.db.Select(&rows,
		`SELECT id, module, entry, created_at FROM sessions ORDER BY id DESC`); err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return rows, nil
}

// Session loads one session row by id.
func (s *Store) Session(id int64) (SessionRow, error) {
	var row SessionRow
	if err := s.db.Get(&row,
		`SELECT id, module, entry, created_at FROM sessions WHERE id = ?`, id); err != nil {
		return SessionRow{}, fmt.Errorf("store: session %d: %w", id, err)
	}
	return row, nil
}

// LoadSnapshots returns a session's snapshot history, oldest first.
func (s *Store) LoadSnapshots(id int64) ([]*Snapshot, error) {
	var blobs [][]byte
	if err := s.db.Select(&blobs,
		`SELECT state FROM snapshots WHERE session_id = ? ORDER BY idx`, id); err != nil {
		return nil, fmt.Errorf("store: snapshots for %d: %w", id, err)
	}
	snaps := make([]*Snapshot, 0, len(blobs))
	for idx, blob := range blobs {
		raw, err := decompress(blob)
		if err != nil {
			return nil, fmt.Errorf("store: snapshot %d: %w", idx, err)
		}
		snap, err := UnmarshalSnapshot(raw)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
