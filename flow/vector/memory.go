package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index using exact cosine similarity. It backs
// tests and the runnable examples; production deployments use MongoIndex.
type MemoryIndex struct {
	mu    sync.RWMutex
	items map[string]map[string]Item // namespace → id → item
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{items: make(map[string]map[string]Item)}
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(ctx context.Context, namespace string, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.items[namespace]
	if !ok {
		ns = make(map[string]Item)
		m.items[namespace] = ns
	}
	for _, item := range items {
		ns[item.ID] = item
	}
	return nil
}

// Query implements Index.
func (m *MemoryIndex) Query(ctx context.Context, namespace string, embedding []float32, topK int, filter Filter) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	allowed := map[string]bool{}
	for _, id := range filter.DocumentIDs {
		allowed[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Result
	for _, item := range m.items[namespace] {
		if len(allowed) > 0 && !allowed[item.DocumentID] {
			continue
		}
		hits = append(hits, Result{
			ID:       item.ID,
			Score:    cosine(embedding, item.Embedding),
			Text:     item.Text,
			Metadata: item.Metadata,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Len returns the number of items in a namespace.
func (m *MemoryIndex) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items[namespace])
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Index = (*MemoryIndex)(nil)
