// Package vector defines the retrieval contracts used by VectorSearch and
// VectorWrite nodes: an Embedder that turns text into vectors and an Index
// that stores and queries them. A deterministic in-process embedder and a
// cosine-similarity memory index back tests and local development; the
// MongoIndex adapter talks to a real Atlas vector search deployment.
package vector

import "context"

// Item is one stored document chunk.
type Item struct {
	// ID uniquely identifies the item within its namespace.
	ID string

	// Embedding is the item's vector representation.
	Embedding []float32

	// Text is the raw chunk text returned to callers on query.
	Text string

	// DocumentID groups chunks by source document; queries filter on it.
	DocumentID string

	// Metadata carries arbitrary chunk attributes.
	Metadata map[string]any
}

// Result is one query hit.
type Result struct {
	ID       string
	Score    float64
	Text     string
	Metadata map[string]any
}

// Filter restricts a query. An empty DocumentIDs list means no restriction.
type Filter struct {
	// DocumentIDs limits hits to chunks of the listed documents.
	DocumentIDs []string
}

// Index is the external vector store contract.
type Index interface {
	// Query returns up to topK items most similar to the embedding, best
	// first, restricted by the filter.
	Query(ctx context.Context, namespace string, embedding []float32, topK int, filter Filter) ([]Result, error)

	// Upsert inserts or replaces items by id.
	Upsert(ctx context.Context, namespace string, items []Item) error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the embedding width.
	Dimensions() int
}
