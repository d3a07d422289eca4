// Package storage defines the vector store contract the memory pipeline
// writes through, plus the types shared by its adapters.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/memory"
)

// collectionNamePattern is enforced at adapter construction because the
// collection name is interpolated into DDL and queries as an identifier.
var collectionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateCollectionName rejects names unusable as SQL identifiers.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return memerr.Configuration(fmt.Sprintf("invalid collection name %q: must match %s", name, collectionNamePattern.String()))
	}
	return nil
}

// ValidateFilters rejects filters referencing non-filterable fields.
func ValidateFilters(filters map[string]string) error {
	for field := range filters {
		if !memory.FilterableFields[field] {
			return memerr.InvalidRequest(fmt.Sprintf("field %q is not filterable", field))
		}
	}
	return nil
}

// Item is a fully-formed memory handed to Add.
type Item struct {
	ID        string
	Document  string
	Embedding []float32
	Metadata  memory.Metadata
	CreatedAt time.Time
}

// UpdatePayload carries the replacement document and embedding for one
// existing memory.
type UpdatePayload struct {
	ID        string
	Document  string
	Embedding []float32
}

// Record is a stored memory as read back from an adapter.
type Record struct {
	ID        string
	Document  string
	Metadata  memory.Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScoredRecord is a Record with its cosine similarity to the query, in
// [0, 1] where 1 means identical direction.
type ScoredRecord struct {
	Record
	Similarity float64
}

// VectorStore is the adapter contract. All writes are scoped to the single
// collection the adapter was constructed for.
//
// Add upserts by id and stamps updated_at with the adapter clock. Update and
// Delete skip unknown ids and return the ids actually touched, so callers
// can report per-item NOT_FOUND without a prior existence check.
type VectorStore interface {
	// Setup prepares the backing store (schema, extensions, directories).
	// It is idempotent and must be called before any other method.
	Setup(ctx context.Context) error

	// CreateCollection materializes the collection with the given embedding
	// dimension. metric names the distance function; only "cosine" is
	// supported today. Idempotent.
	CreateCollection(ctx context.Context, metric string, dim int) error

	Add(ctx context.Context, items []Item) ([]string, error)
	Update(ctx context.Context, items []UpdatePayload) ([]string, error)
	Delete(ctx context.Context, ids []string) ([]string, error)

	GetByIDs(ctx context.Context, ids []string) ([]Record, error)

	// QueryByFilter returns up to limit records matching every filter
	// equality, most recently updated first.
	QueryByFilter(ctx context.Context, filters map[string]string, limit int) ([]Record, error)

	// QueryBySimilarity returns one group per query embedding, each holding
	// the topK nearest records under the filters, best match first.
	QueryBySimilarity(ctx context.Context, embeddings [][]float32, filters map[string]string, topK int) ([][]ScoredRecord, error)

	Close()
}
