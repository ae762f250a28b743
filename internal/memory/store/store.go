// Package store implements the Memory Record & Store Adapter (C1): a thin,
// swappable interface in front of whichever vector store backs a
// deployment, plus two concrete adapters (SQLite and Postgres).
package store

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/memory"
)

// Store is the interface every memory record backend implements. All
// operations may fail with an *errors.AppError carrying ErrCodeStoreUnavailable
// (retryable) or ErrCodeInvalidRecord (fatal).
type Store interface {
	// Add stores a record, assigning it an id if empty, and returns the id.
	Add(ctx context.Context, record *memory.Record) (string, error)

	// Search returns records ordered by ascending cosine distance to
	// queryText's embedding, ties broken by descending timestamp. When no
	// embedder is configured, it degenerates to a chronological filter.
	Search(ctx context.Context, queryText string, limit int, sessionFilter string, typeFilter memory.RecordType) ([]memory.Record, error)

	// BySession returns a session's records ordered by descending timestamp.
	BySession(ctx context.Context, sessionID string, typeFilter memory.RecordType, limit int) ([]memory.Record, error)

	// Delete removes a record by id, reporting whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// ClearSession deletes every record owned by a session, returning the count removed.
	ClearSession(ctx context.Context, sessionID string) (int, error)

	// Stats summarizes the store's contents.
	Stats(ctx context.Context) (memory.StoreStats, error)

	// Close releases the backend's resources.
	Close() error
}

// Embedder produces a fixed-dimension embedding for a piece of text. A nil
// Embedder is a valid configuration: Add stores a zero vector and Search
// falls back to chronological ordering, per the C1 contract.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// cosineDistance returns 1 - cosine_similarity(a, b); smaller is closer.
// Both vectors are assumed to have length memory.EmbeddingDim.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - sim
}

// scored pairs a record with its distance from a query, for sorting.
type scored struct {
	record   memory.Record
	distance float64
}

// sortByDistanceThenRecency sorts ascending by distance, breaking ties by
// descending timestamp, matching C1's documented ordering invariant.
func sortByDistanceThenRecency(items []scored) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].distance != items[j].distance {
			return items[i].distance < items[j].distance
		}
		return items[i].record.Timestamp.After(items[j].record.Timestamp)
	})
}

func isZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

func validateRecord(r *memory.Record) error {
	if r.SessionID == "" {
		return errors.NewInvalidRecord("memory record must have a session_id")
	}
	if r.Content == "" {
		return errors.NewInvalidRecord("memory record must have content")
	}
	return nil
}

func newTimestamp() time.Time {
	return time.Now().UTC()
}
