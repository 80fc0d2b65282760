package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	// Registers the cgo-free driver under the name "sqlite".
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		memory_token TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_token ON snapshots(memory_token, created_at);

	CREATE TABLE IF NOT EXISTS profiles (
		memory_token TEXT PRIMARY KEY,
		fields TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
`

// SQLiteStore persists snapshots in an embedded SQLite database. Writes
// are serialised per memory token; reads go straight to the database.
type SQLiteStore struct {
	db *sql.DB

	mu         sync.Mutex // protects tokenLocks
	tokenLocks map[string]*sync.Mutex
}

// OpenSQLite opens (creating if needed) the snapshot database at path.
// ":memory:" is accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db: %w", err)
	}

	// WAL keeps readers unblocked during the per-token writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing snapshot schema: %w", err)
	}

	return &SQLiteStore{
		db:         db,
		tokenLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// StoreSnapshot writes a new snapshot under token.
func (s *SQLiteStore) StoreSnapshot(ctx context.Context, token, kind, content string, metadata map[string]any) (Snapshot, error) {
	if token == "" {
		return Snapshot{}, fmt.Errorf("memory token is required")
	}
	if kind == "" {
		kind = KindSnapshot
	}

	snap := Snapshot{
		ID:          "snap_" + uuid.NewString(),
		MemoryToken: token,
		Kind:        kind,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encoding snapshot metadata: %w", err)
	}

	unlock := s.lockToken(token)
	defer unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, memory_token, kind, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.MemoryToken, snap.Kind, snap.Content, string(metaJSON), snap.CreatedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("inserting snapshot: %w", err)
	}
	return snap, nil
}

// RetrieveSnapshots ranks token's snapshots by keyword overlap with the
// query; an empty query falls back to recency order.
func (s *SQLiteStore) RetrieveSnapshots(ctx context.Context, token, query string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_token, kind, content, metadata, created_at
		 FROM snapshots WHERE memory_token = ?
		 ORDER BY created_at DESC`, token)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(query) != "" {
		type scored struct {
			snap  Snapshot
			score int
		}
		ranked := make([]scored, 0, len(snaps))
		for _, snap := range snaps {
			if score := similarity(query, snap.Content); score > 0 {
				ranked = append(ranked, scored{snap: snap, score: score})
			}
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		snaps = snaps[:0]
		for _, r := range ranked {
			snaps = append(snaps, r.snap)
		}
	}

	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

// GetSnapshot returns one snapshot by id. A snapshot owned by a different
// token is indistinguishable from a missing one.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, token, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, memory_token, kind, content, metadata, created_at
		 FROM snapshots WHERE id = ? AND memory_token = ?`, id, token)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}
	return snap, nil
}

// SearchTimeline returns token's snapshots in [from, to], oldest first.
func (s *SQLiteStore) SearchTimeline(ctx context.Context, token string, from, to time.Time, query string) ([]Snapshot, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_token, kind, content, metadata, created_at
		 FROM snapshots
		 WHERE memory_token = ? AND created_at >= ? AND created_at <= ?
		 ORDER BY created_at ASC`, token, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying timeline: %w", err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}

	if q := strings.ToLower(strings.TrimSpace(query)); q != "" {
		filtered := snaps[:0]
		for _, snap := range snaps {
			if strings.Contains(strings.ToLower(snap.Content), q) {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	return snaps, nil
}

// UpdateProfile merges fields into token's profile document.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, token string, fields map[string]any) error {
	if token == "" {
		return fmt.Errorf("memory token is required")
	}

	unlock := s.lockToken(token)
	defer unlock()

	current, err := s.profileLocked(ctx, token)
	if err != nil {
		return err
	}
	for k, v := range fields {
		current[k] = v
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (memory_token, fields, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(memory_token) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
		token, string(merged), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}

// GetProfile returns token's profile document.
func (s *SQLiteStore) GetProfile(ctx context.Context, token string) (map[string]any, error) {
	return s.profileLocked(ctx, token)
}

func (s *SQLiteStore) profileLocked(ctx context.Context, token string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT fields FROM profiles WHERE memory_token = ?`, token).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return fields, nil
}

func (s *SQLiteStore) lockToken(token string) func() {
	s.mu.Lock()
	lock, ok := s.tokenLocks[token]
	if !ok {
		lock = &sync.Mutex{}
		s.tokenLocks[token] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var snap Snapshot
	var metaJSON sql.NullString
	if err := row.Scan(&snap.ID, &snap.MemoryToken, &snap.Kind, &snap.Content, &metaJSON, &snap.CreatedAt); err != nil {
		return Snapshot{}, err
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &snap.Metadata); err != nil {
			return Snapshot{}, fmt.Errorf("decoding snapshot metadata: %w", err)
		}
	}
	return snap, nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
