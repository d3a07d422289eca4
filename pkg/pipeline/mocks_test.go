package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/evermem/memsrv/pkg/ai"
	"github.com/evermem/memsrv/pkg/memory"
	"github.com/evermem/memsrv/pkg/storage"
)

// scriptedLLM returns canned responses in order and records the calls.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     []string
}

func (s *scriptedLLM) Generate(_ context.Context, _, userMessage string, _ *ai.ResponseSchema) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, userMessage)
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted llm has no response left for call %d", len(s.calls))
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	return response, nil
}

// hashEmbedder derives a deterministic unit vector from the text, so equal
// texts are identical and different texts are (almost surely) not.
type hashEmbedder struct {
	dim int
}

func (h *hashEmbedder) Dim() int { return h.dim }

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = hashVector(text, h.dim)
	}
	return vectors, nil
}

func hashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		hasher := fnv.New64a()
		fmt.Fprintf(hasher, "%s:%d", text, i)
		// Spread hash bits into [-1, 1).
		v[i] = float32(int64(hasher.Sum64())%1000) / 1000
		norm += float64(v[i]) * float64(v[i])
	}
	if norm == 0 {
		v[0] = 1
		norm = 1
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

// memStore is an in-memory VectorStore for pipeline tests.
type memStore struct {
	mu    sync.Mutex
	items map[string]storage.Item
	times map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		items: map[string]storage.Item{},
		times: map[string]time.Time{},
	}
}

func (m *memStore) Setup(context.Context) error                         { return nil }
func (m *memStore) CreateCollection(context.Context, string, int) error { return nil }
func (m *memStore) Close()                                              {}

func (m *memStore) Add(_ context.Context, items []storage.Item) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		m.items[item.ID] = item
		m.times[item.ID] = time.Now().UTC()
		ids = append(ids, item.ID)
	}
	return ids, nil
}

func (m *memStore) Update(_ context.Context, items []storage.UpdatePayload) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := []string{}
	for _, payload := range items {
		item, ok := m.items[payload.ID]
		if !ok {
			continue
		}
		item.Document = payload.Document
		item.Embedding = payload.Embedding
		m.items[payload.ID] = item
		m.times[payload.ID] = time.Now().UTC()
		updated = append(updated, payload.ID)
	}
	return updated, nil
}

func (m *memStore) Delete(_ context.Context, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := []string{}
	for _, id := range ids {
		if _, ok := m.items[id]; !ok {
			continue
		}
		delete(m.items, id)
		delete(m.times, id)
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (m *memStore) GetByIDs(_ context.Context, ids []string) ([]storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := []storage.Record{}
	for _, id := range ids {
		if item, ok := m.items[id]; ok {
			records = append(records, m.toRecord(item))
		}
	}
	return records, nil
}

func (m *memStore) QueryByFilter(_ context.Context, filters map[string]string, limit int) ([]storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := []storage.Record{}
	for _, item := range m.items {
		if matches(item.Metadata, filters) {
			records = append(records, m.toRecord(item))
		}
	}
	sort.Slice(records, func(a, b int) bool { return records[a].UpdatedAt.After(records[b].UpdatedAt) })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *memStore) QueryBySimilarity(_ context.Context, embeddings [][]float32, filters map[string]string, topK int) ([][]storage.ScoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := make([][]storage.ScoredRecord, len(embeddings))
	for qi, query := range embeddings {
		scored := []storage.ScoredRecord{}
		for _, item := range m.items {
			if !matches(item.Metadata, filters) {
				continue
			}
			scored = append(scored, storage.ScoredRecord{
				Record:     m.toRecord(item),
				Similarity: cosine(query, item.Embedding),
			})
		}
		sort.SliceStable(scored, func(a, b int) bool { return scored[a].Similarity > scored[b].Similarity })
		if len(scored) > topK {
			scored = scored[:topK]
		}
		groups[qi] = scored
	}
	return groups, nil
}

func (m *memStore) toRecord(item storage.Item) storage.Record {
	return storage.Record{
		ID:        item.ID,
		Document:  item.Document,
		Metadata:  item.Metadata,
		CreatedAt: item.CreatedAt,
		UpdatedAt: m.times[item.ID],
	}
}

func matches(md memory.Metadata, filters map[string]string) bool {
	values := md.FilterMap()
	for field, want := range filters {
		if values[field] != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	return sim
}

var _ storage.VectorStore = (*memStore)(nil)
var _ ai.LLM = (*scriptedLLM)(nil)
var _ ai.Embedder = (*hashEmbedder)(nil)
