package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermem/memsrv/pkg/memory"
)

func newTestService(t *testing.T, llm *scriptedLLM) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	service, err := NewService(NewServiceInput{
		LLM:      llm,
		Embedder: &hashEmbedder{dim: 8},
		Store:    store,
		Logger:   log.New(io.Discard),
	})
	require.NoError(t, err)
	return service, store
}

func planResponse(items ...map[string]any) string {
	raw, _ := json.Marshal(map[string]any{"plan": items})
	return string(raw)
}

func factsResponseJSON(facts ...string) string {
	raw, _ := json.Marshal(map[string]any{"facts": facts})
	return string(raw)
}

func seedMemory(t *testing.T, service *Service, doc string) string {
	t.Helper()
	confirmations, err := service.CreateRaw(context.Background(), []string{doc}, testMeta(), false)
	require.NoError(t, err)
	require.Len(t, confirmations, 1)
	return confirmations[0].ID
}

func testMeta() memory.Metadata {
	return memory.Metadata{UserID: "u1", AppID: "a1", SessionID: "s1", AgentName: "root"}
}

func TestGenerateNoFactsExtracted(t *testing.T) {
	llm := &scriptedLLM{responses: []string{factsResponseJSON()}}
	service, store := newTestService(t, llm)

	confirmations, err := service.GenerateFromConversation(context.Background(),
		[]memory.Message{
			{Role: "user", Parts: []memory.Part{textPart("hi")}},
			{Role: "model", Parts: []memory.Part{textPart("hello")}},
		}, testMeta(), true)
	require.NoError(t, err)
	assert.Empty(t, confirmations)
	assert.Empty(t, store.items)
}

func TestGenerateEmptyConversationSkipsLLM(t *testing.T) {
	llm := &scriptedLLM{}
	service, _ := newTestService(t, llm)

	confirmations, err := service.GenerateFromConversation(context.Background(), nil, testMeta(), true)
	require.NoError(t, err)
	assert.Empty(t, confirmations)
	assert.Empty(t, llm.calls)
}

func TestGenerateOnEmptyStoreCreatesDirectly(t *testing.T) {
	// Empty store: consolidation is skipped entirely, one LLM call only.
	llm := &scriptedLLM{responses: []string{factsResponseJSON("My name is Jane")}}
	service, store := newTestService(t, llm)

	confirmations, err := service.GenerateFromConversation(context.Background(),
		[]memory.Message{
			{Role: "user", Parts: []memory.Part{textPart("my name is Jane")}},
			{Role: "model", Parts: []memory.Part{textPart("nice to meet you Jane")}},
		}, testMeta(), true)
	require.NoError(t, err)

	require.Len(t, confirmations, 1)
	assert.Equal(t, memory.StatusCreated, confirmations[0].Status)
	assert.Equal(t, "My name is Jane", confirmations[0].Document)
	assert.NotEmpty(t, confirmations[0].ID)
	assert.Len(t, store.items, 1)
	assert.Len(t, llm.calls, 1)
}

func TestGenerateWithoutConsolidation(t *testing.T) {
	llm := &scriptedLLM{responses: []string{factsResponseJSON("fact a", "fact b")}}
	service, store := newTestService(t, llm)

	confirmations, err := service.GenerateFromConversation(context.Background(),
		[]memory.Message{{Role: "user", Parts: []memory.Part{textPart("two facts")}}},
		testMeta(), false)
	require.NoError(t, err)

	assert.Len(t, confirmations, 2)
	assert.Len(t, store.items, 2)
	// Only the extraction call, no consolidation.
	assert.Len(t, llm.calls, 1)
}

func TestCreateConsolidationPlanApplied(t *testing.T) {
	llm := &scriptedLLM{}
	service, store := newTestService(t, llm)

	keepID := seedMemory(t, service, "Jane is an engineer")
	dropID := seedMemory(t, service, "Jane lives in Oslo")

	// Temp ids are assigned by first occurrence in the neighbor list; the
	// plan below maps them back through whatever order the store returned.
	llm.responses = []string{planResponse(
		map[string]any{"id": "7", "text": "Jane has a dog", "action": "CREATE"},
		map[string]any{"id": "0", "text": "updated memory zero", "action": "UPDATE", "old_text": "whatever"},
		map[string]any{"id": "1", "text": "", "action": "DELETE"},
	)}

	confirmations, err := service.CreateRaw(context.Background(),
		[]string{"Jane has a dog"}, testMeta(), true)
	require.NoError(t, err)
	require.Len(t, confirmations, 3)

	assert.Equal(t, memory.StatusCreated, confirmations[0].Status)
	assert.Equal(t, "Jane has a dog", confirmations[0].Document)
	assert.Equal(t, memory.StatusUpdated, confirmations[1].Status)
	assert.Equal(t, memory.StatusDeleted, confirmations[2].Status)

	// One create, one update, one delete: two memories total.
	assert.Len(t, store.items, 2)

	updatedID := confirmations[1].ID
	deletedID := confirmations[2].ID
	assert.ElementsMatch(t, []string{keepID, dropID}, []string{updatedID, deletedID})
	assert.Equal(t, "updated memory zero", store.items[updatedID].Document)
	_, stillThere := store.items[deletedID]
	assert.False(t, stillThere)
}

func TestConsolidationDropsUnknownTempIDs(t *testing.T) {
	llm := &scriptedLLM{}
	service, store := newTestService(t, llm)
	seedMemory(t, service, "existing memory")

	llm.responses = []string{planResponse(
		map[string]any{"id": "99", "text": "bogus update", "action": "UPDATE", "old_text": "x"},
		map[string]any{"id": "42", "text": "", "action": "DELETE"},
		map[string]any{"id": "5", "text": "legit new fact", "action": "CREATE"},
	)}

	confirmations, err := service.CreateRaw(context.Background(),
		[]string{"legit new fact"}, testMeta(), true)
	require.NoError(t, err)

	// Only the CREATE survives validation.
	require.Len(t, confirmations, 1)
	assert.Equal(t, memory.StatusCreated, confirmations[0].Status)
	assert.Len(t, store.items, 2)
}

func TestConsolidationNoopProducesNoWork(t *testing.T) {
	llm := &scriptedLLM{}
	service, store := newTestService(t, llm)
	seedMemory(t, service, "already known fact")

	llm.responses = []string{planResponse(
		map[string]any{"id": "0", "text": "already known fact", "action": "NOOP"},
	)}

	confirmations, err := service.CreateRaw(context.Background(),
		[]string{"already known fact"}, testMeta(), true)
	require.NoError(t, err)
	assert.Empty(t, confirmations)
	assert.Len(t, store.items, 1)
}

func TestConsolidationDedupesNeighbors(t *testing.T) {
	llm := &scriptedLLM{}
	service, _ := newTestService(t, llm)
	seedMemory(t, service, "the single neighbor")

	llm.responses = []string{planResponse()}

	// Two similar facts share the same neighbor; it must appear once.
	_, err := service.CreateRaw(context.Background(),
		[]string{"the single neighbor!", "the single neighbor?"}, testMeta(), true)
	require.NoError(t, err)

	require.Len(t, llm.calls, 1)
	var existing []map[string]string
	payload := llm.calls[0]
	start := 0
	for i := 0; i < len(payload); i++ {
		if payload[i] == '[' {
			start = i
			break
		}
	}
	end := start
	for i := start; i < len(payload); i++ {
		if payload[i] == ']' {
			end = i + 1
			break
		}
	}
	require.NoError(t, json.Unmarshal([]byte(payload[start:end]), &existing))
	assert.Len(t, existing, 1)
	assert.Equal(t, "0", existing[0]["id"])
	assert.Equal(t, "the single neighbor", existing[0]["text"])
}

func TestUpdateRawPartialFailure(t *testing.T) {
	llm := &scriptedLLM{}
	service, store := newTestService(t, llm)
	id := seedMemory(t, service, "original text")

	confirmations, partialFailure, err := service.UpdateRaw(context.Background(), []memory.UpdateItem{
		{ID: id, Document: "revised text"},
		{ID: "missing", Document: "x"},
	})
	require.NoError(t, err)
	assert.True(t, partialFailure)
	require.Len(t, confirmations, 2)

	assert.Equal(t, memory.StatusNotFound, confirmations[0].Status)
	assert.Equal(t, "missing", confirmations[0].ID)
	assert.Equal(t, "DATA NOT FOUND", confirmations[0].Document)

	assert.Equal(t, memory.StatusUpdated, confirmations[1].Status)
	assert.Equal(t, id, confirmations[1].ID)
	assert.Equal(t, "revised text", store.items[id].Document)
}

func TestUpdateRawAllFound(t *testing.T) {
	llm := &scriptedLLM{}
	service, _ := newTestService(t, llm)
	id := seedMemory(t, service, "original")

	confirmations, partialFailure, err := service.UpdateRaw(context.Background(), []memory.UpdateItem{
		{ID: id, Document: "new"},
	})
	require.NoError(t, err)
	assert.False(t, partialFailure)
	require.Len(t, confirmations, 1)
	assert.Equal(t, memory.StatusUpdated, confirmations[0].Status)
}

func TestDeleteByIDsPartialFailure(t *testing.T) {
	llm := &scriptedLLM{}
	service, store := newTestService(t, llm)
	id := seedMemory(t, service, "doomed")

	confirmations, partialFailure, err := service.DeleteByIDs(context.Background(), []string{id, "ghost"})
	require.NoError(t, err)
	assert.True(t, partialFailure)
	require.Len(t, confirmations, 2)

	assert.Equal(t, memory.StatusNotFound, confirmations[0].Status)
	assert.Equal(t, "ghost", confirmations[0].ID)
	assert.Equal(t, memory.StatusDeleted, confirmations[1].Status)
	assert.Empty(t, store.items)
}

func TestSearchByMetadata(t *testing.T) {
	llm := &scriptedLLM{}
	service, _ := newTestService(t, llm)
	seedMemory(t, service, "fact one")
	seedMemory(t, service, "fact two")

	memories, err := service.SearchByMetadata(context.Background(), map[string]string{"user_id": "u1"}, 50)
	require.NoError(t, err)
	assert.Len(t, memories, 2)
	for _, m := range memories {
		assert.Equal(t, "u1", m.Metadata.UserID)
		assert.Nil(t, m.Similarity)
		assert.NotEmpty(t, m.CreatedAt)
		assert.NotEmpty(t, m.UpdatedAt)
	}

	none, err := service.SearchByMetadata(context.Background(), map[string]string{"user_id": "u2"}, 50)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSearchSimilar(t *testing.T) {
	llm := &scriptedLLM{}
	service, _ := newTestService(t, llm)
	seedMemory(t, service, "Jane is an AI engineer")
	seedMemory(t, service, "Jane has a cat")

	memories, err := service.SearchSimilar(context.Background(),
		[]string{"Jane is an AI engineer"}, map[string]string{"user_id": "u1"}, 1)
	require.NoError(t, err)
	require.Len(t, memories, 1)

	assert.Equal(t, "Jane is an AI engineer", memories[0].Document)
	require.NotNil(t, memories[0].Similarity)
	assert.GreaterOrEqual(t, *memories[0].Similarity, 0.0)
	assert.LessOrEqual(t, *memories[0].Similarity, 1.0)
	assert.InDelta(t, 1.0, *memories[0].Similarity, 1e-6)
}

func TestGetByIDsOmitsUnknown(t *testing.T) {
	llm := &scriptedLLM{}
	service, _ := newTestService(t, llm)
	id := seedMemory(t, service, "known")

	memories, err := service.GetByIDs(context.Background(), []string{id, "unknown"})
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, id, memories[0].ID)
}

func TestEventTimestampDefaulted(t *testing.T) {
	llm := &scriptedLLM{}
	service, store := newTestService(t, llm)
	id := seedMemory(t, service, "stamped")

	require.NotNil(t, store.items[id].Metadata.EventTimestamp)
}

func TestNewServiceValidation(t *testing.T) {
	logger := log.New(io.Discard)
	store := newMemStore()
	embedder := &hashEmbedder{dim: 4}
	llm := &scriptedLLM{}

	cases := []NewServiceInput{
		{LLM: nil, Embedder: embedder, Store: store, Logger: logger},
		{LLM: llm, Embedder: nil, Store: store, Logger: logger},
		{LLM: llm, Embedder: embedder, Store: nil, Logger: logger},
		{LLM: llm, Embedder: embedder, Store: store, Logger: nil},
	}
	for i, input := range cases {
		_, err := NewService(input)
		assert.Error(t, err, fmt.Sprintf("case %d", i))
	}
}
