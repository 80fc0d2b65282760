package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const recordStoreVersion = "1.0"

// Record kinds.
const (
	RecordCreated      = "created"
	RecordStatusChange = "status_change"
	RecordCompleted    = "completed"
)

// Record is one append-only history entry: a session trigger, a status
// transition, or a completion summary.
type Record struct {
	RecordID    string         `json:"record_id"`
	SessionID   string         `json:"session_id"`
	SessionType Type           `json:"session_type"`
	Kind        string         `json:"kind"`
	Status      Status         `json:"status"`
	Reason      EndReason      `json:"reason,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// recordsFile is the on-disk shape of session_records.json.
type recordsFile struct {
	Records      map[string]Record `json:"records"`
	SessionIndex map[string]string `json:"session_index"` // session id -> latest record id
	TypeIndex    map[Type][]string `json:"type_index"`
	Metadata     recordsMeta       `json:"metadata"`
}

type recordsMeta struct {
	TotalRecords int       `json:"total_records"`
	LastSaved    time.Time `json:"last_saved"`
	Version      string    `json:"version"`
}

// RecordStore keeps the append-only session history, indexed by record
// id, session id, and session type, and mirrors it to disk after every
// append. Save failures are logged and retried on the next mutation.
type RecordStore struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex // protects everything below
	records   map[string]Record
	latest    map[string]string   // session id -> latest record id
	bySession map[string][]string // session id -> all record ids, oldest first
	byType    map[Type][]string
}

// NewRecordStore loads (or initializes) the record file at path.
func NewRecordStore(path string, logger *slog.Logger) (*RecordStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RecordStore{
		path:      path,
		logger:    logger.With("component", "record_store"),
		records:   make(map[string]Record),
		latest:    make(map[string]string),
		bySession: make(map[string][]string),
		byType:    make(map[Type][]string),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Append stores a new record and returns its assigned id.
func (r *RecordStore) Append(rec Record) string {
	rec.RecordID = "rec_" + uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.records[rec.RecordID] = rec
	r.latest[rec.SessionID] = rec.RecordID
	r.bySession[rec.SessionID] = append(r.bySession[rec.SessionID], rec.RecordID)
	r.byType[rec.SessionType] = append(r.byType[rec.SessionType], rec.RecordID)
	r.mu.Unlock()

	r.persist()
	return rec.RecordID
}

// Get returns a record by id.
func (r *RecordStore) Get(recordID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[recordID]
	return rec, ok
}

// BySession returns every record for a session, oldest first.
func (r *RecordStore) BySession(sessionID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.bySession[sessionID])
}

// ByType returns every record of a session type, oldest first.
func (r *RecordStore) ByType(t Type) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byType[t])
}

// TotalRecords returns the number of stored records.
func (r *RecordStore) TotalRecords() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// CleanupOldRecords deletes completion records older than keepDays and
// returns how many were removed. Non-completion records are kept: they
// are the durable trail of what was triggered.
func (r *RecordStore) CleanupOldRecords(keepDays int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)

	r.mu.Lock()
	removed := 0
	for id, rec := range r.records {
		if rec.Kind == RecordCompleted && rec.CreatedAt.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	if removed > 0 {
		r.rebuildIndexesLocked()
	}
	r.mu.Unlock()

	if removed > 0 {
		r.persist()
	}
	return removed
}

func (r *RecordStore) collect(ids []string) []Record {
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (r *RecordStore) rebuildIndexesLocked() {
	r.latest = make(map[string]string)
	r.bySession = make(map[string][]string)
	r.byType = make(map[Type][]string)

	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	// Index in chronological order so "latest" and ordering stay correct.
	sortRecordIDs(r.records, ids)
	for _, id := range ids {
		rec := r.records[id]
		r.latest[rec.SessionID] = id
		r.bySession[rec.SessionID] = append(r.bySession[rec.SessionID], id)
		r.byType[rec.SessionType] = append(r.byType[rec.SessionType], id)
	}
}

func (r *RecordStore) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session records: %w", err)
	}

	var file recordsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decoding session records: %w", err)
	}
	if file.Records != nil {
		r.records = file.Records
	}
	r.rebuildIndexesLocked()
	return nil
}

func (r *RecordStore) persist() {
	r.mu.RLock()
	file := recordsFile{
		Records:      make(map[string]Record, len(r.records)),
		SessionIndex: make(map[string]string, len(r.latest)),
		TypeIndex:    make(map[Type][]string, len(r.byType)),
		Metadata: recordsMeta{
			TotalRecords: len(r.records),
			LastSaved:    time.Now().UTC(),
			Version:      recordStoreVersion,
		},
	}
	for id, rec := range r.records {
		file.Records[id] = rec
	}
	for sid, rid := range r.latest {
		file.SessionIndex[sid] = rid
	}
	for t, ids := range r.byType {
		file.TypeIndex[t] = append([]string(nil), ids...)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		r.logger.Error("Failed to encode session records", "error", err)
		return
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		r.logger.Error("Failed to persist session records", "error", err, "path", r.path)
	}
}

func sortRecordIDs(records map[string]Record, ids []string) {
	// Insertion sort: record sets are small and mostly ordered already.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && records[ids[j]].CreatedAt.Before(records[ids[j-1]].CreatedAt); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
