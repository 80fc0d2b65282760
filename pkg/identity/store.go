// Package identity manages known user identities and the speaker-id
// mapping that resolves recognized voices to them. Both files under
// memory/identities/ are stable, append-only JSON: identities are never
// deleted, only added or remapped.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdentityID is bootstrapped on first start and used whenever no
// identity can be resolved for a cycle.
const DefaultIdentityID = "debug"

const (
	identitiesFileName = "identities.json"
	speakerFileName    = "speaker_mapping.json"
)

// Sentinel errors.
var (
	// ErrIdentityExists indicates the identity id is already taken.
	ErrIdentityExists = errors.New("identity already exists")

	// ErrIdentityNotFound indicates no identity with that id is known.
	ErrIdentityNotFound = errors.New("identity not found")
)

// Identity is one known user. MemoryToken is the opaque key that
// partitions the snapshot store; it never changes once assigned.
type Identity struct {
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	SpeakerID   string    `json:"speaker_id,omitempty"`
	MemoryToken string    `json:"memory_token"`
	CreatedAt   time.Time `json:"created_at"`
}

type identitiesFile struct {
	Identities map[string]Identity `json:"identities"`
	SavedAt    time.Time           `json:"saved_at"`
}

type speakerFile struct {
	Mapping map[string]string `json:"mapping"` // speaker_id -> identity_id
	SavedAt time.Time         `json:"saved_at"`
}

// Store holds identities in memory and mirrors every mutation to disk.
// Save failures are logged, never fatal; the in-memory view stays
// authoritative and the next mutation retries the write.
type Store struct {
	dir    string
	logger *slog.Logger

	mu         sync.RWMutex // protects identities, speakers
	identities map[string]Identity
	speakers   map[string]string
}

// NewStore loads (or initializes) the identity files under dir and
// bootstraps the default identity when none exist.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating identity dir: %w", err)
	}

	s := &Store{
		dir:        dir,
		logger:     logger.With("component", "identity_store"),
		identities: make(map[string]Identity),
		speakers:   make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	if len(s.identities) == 0 {
		if _, err := s.Create(DefaultIdentityID, "Debug", ""); err != nil {
			return nil, fmt.Errorf("bootstrapping default identity: %w", err)
		}
		s.logger.Info("Bootstrapped default identity", "identity_id", DefaultIdentityID)
	}
	return s, nil
}

// Create registers a new identity. An empty id gets a generated one; an
// empty display name falls back to the id. The memory token is always
// freshly generated.
func (s *Store) Create(id, displayName, speakerID string) (Identity, error) {
	if id == "" {
		id = "id_" + uuid.NewString()[:8]
	}
	if displayName == "" {
		displayName = id
	}

	s.mu.Lock()
	if _, exists := s.identities[id]; exists {
		s.mu.Unlock()
		return Identity{}, fmt.Errorf("%w: %s", ErrIdentityExists, id)
	}
	ident := Identity{
		IdentityID:  id,
		DisplayName: displayName,
		SpeakerID:   speakerID,
		MemoryToken: "mtk_" + uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
	}
	s.identities[id] = ident
	if speakerID != "" {
		s.speakers[speakerID] = id
	}
	s.mu.Unlock()

	s.persist()
	return ident, nil
}

// Ensure returns the identity with the given id, creating it when absent.
func (s *Store) Ensure(id string) (Identity, error) {
	if ident, ok := s.Get(id); ok {
		return ident, nil
	}
	ident, err := s.Create(id, "", "")
	if errors.Is(err, ErrIdentityExists) {
		// lost a race with a concurrent Ensure
		if existing, ok := s.Get(id); ok {
			return existing, nil
		}
	}
	return ident, err
}

// Get returns the identity with the given id.
func (s *Store) Get(id string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	return ident, ok
}

// Default returns the bootstrap identity.
func (s *Store) Default() Identity {
	ident, _ := s.Get(DefaultIdentityID)
	return ident
}

// ResolveSpeaker maps a recognized speaker id to its identity.
func (s *Store) ResolveSpeaker(speakerID string) (Identity, bool) {
	s.mu.RLock()
	id, ok := s.speakers[speakerID]
	if !ok {
		s.mu.RUnlock()
		return Identity{}, false
	}
	ident, ok := s.identities[id]
	s.mu.RUnlock()
	return ident, ok
}

// MapSpeaker binds a speaker id to an existing identity.
func (s *Store) MapSpeaker(speakerID, identityID string) error {
	s.mu.Lock()
	if _, ok := s.identities[identityID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, identityID)
	}
	s.speakers[speakerID] = identityID
	s.mu.Unlock()

	s.persist()
	return nil
}

// List returns every known identity.
func (s *Store) List() []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, ident)
	}
	return out
}

func (s *Store) load() error {
	if err := readJSONIfExists(filepath.Join(s.dir, identitiesFileName), &identitiesFile{}, func(f *identitiesFile) {
		if f.Identities != nil {
			s.identities = f.Identities
		}
	}); err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}
	if err := readJSONIfExists(filepath.Join(s.dir, speakerFileName), &speakerFile{}, func(f *speakerFile) {
		if f.Mapping != nil {
			s.speakers = f.Mapping
		}
	}); err != nil {
		return fmt.Errorf("loading speaker mapping: %w", err)
	}
	return nil
}

func (s *Store) persist() {
	// Copy under the lock; marshalling happens outside it.
	s.mu.RLock()
	identities := make(map[string]Identity, len(s.identities))
	for k, v := range s.identities {
		identities[k] = v
	}
	speakers := make(map[string]string, len(s.speakers))
	for k, v := range s.speakers {
		speakers[k] = v
	}
	s.mu.RUnlock()

	now := time.Now().UTC()
	idFile := identitiesFile{Identities: identities, SavedAt: now}
	spFile := speakerFile{Mapping: speakers, SavedAt: now}

	if err := writeJSON(filepath.Join(s.dir, identitiesFileName), idFile); err != nil {
		s.logger.Error("Failed to persist identities", "error", err)
	}
	if err := writeJSON(filepath.Join(s.dir, speakerFileName), spFile); err != nil {
		s.logger.Error("Failed to persist speaker mapping", "error", err)
	}
}

func readJSONIfExists[T any](path string, into *T, apply func(*T)) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	apply(into)
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
