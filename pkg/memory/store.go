// Package memory implements the snapshot memory store. Every snapshot is
// owned by exactly one memory token and no accessor crosses tokens: the
// token is the single source of isolation for user memory.
package memory

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
)

// Snapshot kinds.
const (
	KindSnapshot    = "snapshot"    // end-of-turn chat memory
	KindObservation = "observation" // explicit model-stored observation
)

// Sentinel errors.
var (
	// ErrSnapshotNotFound indicates no snapshot with that id exists under
	// the given token (including snapshots owned by other tokens).
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Snapshot is one stored memory unit.
type Snapshot struct {
	ID          string         `json:"id"`
	MemoryToken string         `json:"memory_token"`
	Kind        string         `json:"kind"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Store is the memory interface the processing layer and the chat-path
// tools consume. Implementations serialise writes per token.
type Store interface {
	// StoreSnapshot writes a new snapshot under token.
	StoreSnapshot(ctx context.Context, token, kind, content string, metadata map[string]any) (Snapshot, error)

	// RetrieveSnapshots returns up to limit snapshots under token ranked
	// by similarity to query (recency ranked when query is empty).
	RetrieveSnapshots(ctx context.Context, token, query string, limit int) ([]Snapshot, error)

	// GetSnapshot returns one snapshot by id, only if token owns it.
	GetSnapshot(ctx context.Context, token, id string) (Snapshot, error)

	// SearchTimeline returns token's snapshots inside [from, to] in
	// chronological order, optionally filtered by a substring query.
	SearchTimeline(ctx context.Context, token string, from, to time.Time, query string) ([]Snapshot, error)

	// UpdateProfile merges fields into token's profile document.
	UpdateProfile(ctx context.Context, token string, fields map[string]any) error

	// GetProfile returns token's profile document (empty map when unset).
	GetProfile(ctx context.Context, token string) (map[string]any, error)

	Close() error
}

// similarity is the keyword-overlap score between a query and a snapshot
// content: the number of distinct query words the content contains.
func similarity(query, content string) int {
	queryWords := tokenize(query)
	if len(queryWords) == 0 {
		return 0
	}
	contentWords := make(map[string]struct{})
	for _, w := range tokenize(content) {
		contentWords[w] = struct{}{}
	}
	score := 0
	seen := make(map[string]struct{})
	for _, w := range queryWords {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := contentWords[w]; ok {
			score++
		}
	}
	return score
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
