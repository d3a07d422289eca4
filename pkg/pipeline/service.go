package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evermem/memsrv/pkg/ai"
	"github.com/evermem/memsrv/pkg/memory"
	"github.com/evermem/memsrv/pkg/storage"
	"github.com/evermem/memsrv/pkg/telemetry"
)

// consolidationNeighbors is how many nearest memories per fact are shown to
// the consolidation model.
const consolidationNeighbors = 3

// notFoundDocument marks NOT_FOUND confirmations on partial failures.
const notFoundDocument = "DATA NOT FOUND"

// Service orchestrates extraction, consolidation and storage. All methods
// are safe for concurrent use as long as the injected providers are.
type Service struct {
	llm      ai.LLM
	embedder ai.Embedder
	store    storage.VectorStore
	logger   *log.Logger
	now      func() time.Time
}

// NewServiceInput contains the dependencies for Service.
type NewServiceInput struct {
	LLM      ai.LLM
	Embedder ai.Embedder
	Store    storage.VectorStore
	Logger   *log.Logger
}

// NewService wires the pipeline.
func NewService(input NewServiceInput) (*Service, error) {
	if input.LLM == nil {
		return nil, fmt.Errorf("llm cannot be nil")
	}
	if input.Embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if input.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if input.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Service{
		llm:      input.LLM,
		embedder: input.Embedder,
		store:    input.Store,
		logger:   input.Logger,
		now:      time.Now,
	}, nil
}

// GenerateFromConversation extracts facts from a conversation and stores
// them, consolidating against existing memories unless disabled. An empty
// conversation or an extraction yielding no facts returns no confirmations.
func (s *Service) GenerateFromConversation(ctx context.Context, messages []memory.Message, metadata memory.Metadata, consolidate bool) ([]memory.ActionConfirmation, error) {
	ctx, span := telemetry.StartSpan(ctx, "generate_memories", telemetry.KindChain)
	var err error
	defer func() { telemetry.End(span, err) }()

	parsed := ParseMessages(messages)
	if parsed == "" {
		return []memory.ActionConfirmation{}, nil
	}
	span.SetAttributes(
		attribute.String("input.value", telemetry.SafeSerialize(parsed)),
		attribute.String("input.metadata", telemetry.SafeSerialize(metadata)),
	)

	facts, err := ExtractFacts(ctx, s.llm, parsed)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return []memory.ActionConfirmation{}, nil
	}

	if consolidate {
		confirmations, consErr := s.consolidateAndAdd(ctx, facts, metadata)
		err = consErr
		return confirmations, err
	}
	confirmations, createErr := s.createMemories(ctx, facts, metadata)
	err = createErr
	return confirmations, err
}

// CreateRaw stores caller-provided documents, optionally running them
// through consolidation first.
func (s *Service) CreateRaw(ctx context.Context, documents []string, metadata memory.Metadata, consolidate bool) ([]memory.ActionConfirmation, error) {
	if consolidate {
		return s.consolidateAndAdd(ctx, documents, metadata)
	}
	return s.createMemories(ctx, documents, metadata)
}

// consolidateAndAdd reconciles facts with their nearest stored neighbors
// and applies the resulting plan. With no neighbors the facts are created
// directly without a consolidation call.
func (s *Service) consolidateAndAdd(ctx context.Context, facts []string, metadata memory.Metadata) ([]memory.ActionConfirmation, error) {
	ctx, span := telemetry.StartSpan(ctx, "fact_consolidation_chain", telemetry.KindChain)
	var err error
	defer func() { telemetry.End(span, err) }()

	neighbors, err := s.SearchSimilar(ctx, facts, metadata.FilterMap(), consolidationNeighbors)
	if err != nil {
		return nil, err
	}
	if len(neighbors) == 0 {
		s.logger.Info("no similar memories found, creating facts directly")
		confirmations, createErr := s.createMemories(ctx, facts, metadata)
		err = createErr
		return confirmations, err
	}

	// Dedupe across per-fact groups, first occurrence wins, and hand the
	// model small temporary ids instead of store ids.
	unique := lo.UniqBy(neighbors, func(m memory.Response) string { return m.ID })
	tempIDs := make(map[string]string, len(unique))
	existing := make([]existingMemory, len(unique))
	for i, m := range unique {
		tempID := strconv.Itoa(i)
		tempIDs[tempID] = m.ID
		existing[i] = existingMemory{ID: tempID, Text: m.Document}
	}

	s.logger.Info("consolidating facts", "facts", len(facts), "existing", len(existing))
	plan, err := ConsolidateFacts(ctx, s.llm, s.logger, facts, existing)
	if err != nil {
		return nil, err
	}

	confirmations, applyErr := s.applyPlan(ctx, plan, tempIDs, metadata)
	err = applyErr
	return confirmations, err
}

// applyPlan partitions the plan into adds, updates and deletes and applies
// them in that order. Plan items referencing unknown temporary ids are
// dropped with a log line; NOOP items produce no work. There is no rollback
// across the three phases.
func (s *Service) applyPlan(ctx context.Context, plan memory.Plan, tempIDs map[string]string, metadata memory.Metadata) ([]memory.ActionConfirmation, error) {
	var toAdd []string
	var toUpdate []memory.UpdateItem
	var toDelete []string

	for _, item := range plan.Items {
		switch item.Action {
		case memory.ActionCreate:
			toAdd = append(toAdd, item.Text)
		case memory.ActionUpdate:
			storeID, ok := tempIDs[item.ID]
			if !ok {
				s.logger.Error("consolidation plan referenced unknown id, skipping update", "id", item.ID)
				continue
			}
			toUpdate = append(toUpdate, memory.UpdateItem{ID: storeID, Document: item.Text})
		case memory.ActionDelete:
			storeID, ok := tempIDs[item.ID]
			if !ok {
				s.logger.Error("consolidation plan referenced unknown id, skipping delete", "id", item.ID)
				continue
			}
			toDelete = append(toDelete, storeID)
		case memory.ActionNoop:
		default:
			s.logger.Error("consolidation plan contained unknown action, skipping", "action", item.Action)
		}
	}

	confirmations := []memory.ActionConfirmation{}
	if len(toAdd) > 0 {
		created, err := s.createMemories(ctx, toAdd, metadata)
		if err != nil {
			return nil, err
		}
		confirmations = append(confirmations, created...)
	}
	if len(toUpdate) > 0 {
		updated, err := s.updateMemories(ctx, toUpdate)
		if err != nil {
			return nil, err
		}
		confirmations = append(confirmations, updated...)
	}
	if len(toDelete) > 0 {
		deleted, err := s.deleteMemories(ctx, toDelete)
		if err != nil {
			return nil, err
		}
		confirmations = append(confirmations, deleted...)
	}
	return confirmations, nil
}

// createMemories embeds and stores documents under fresh ids.
func (s *Service) createMemories(ctx context.Context, documents []string, metadata memory.Metadata) ([]memory.ActionConfirmation, error) {
	ctx, span := telemetry.StartSpan(ctx, "create_memories", telemetry.KindChain)
	var err error
	defer func() { telemetry.End(span, err) }()

	embeddings, err := s.embedder.Embed(ctx, documents)
	if err != nil {
		return nil, err
	}

	if metadata.EventTimestamp == nil {
		now := s.now().UTC()
		metadata.EventTimestamp = &now
	}

	items := make([]storage.Item, len(documents))
	for i, doc := range documents {
		items[i] = storage.Item{
			ID:        uuid.NewString(),
			Document:  doc,
			Embedding: embeddings[i],
			Metadata:  metadata,
			CreatedAt: s.now().UTC(),
		}
	}

	ids, err := s.store.Add(ctx, items)
	if err != nil {
		return nil, err
	}

	confirmations := make([]memory.ActionConfirmation, len(ids))
	for i, id := range ids {
		confirmations[i] = memory.ActionConfirmation{
			ID:       id,
			Document: documents[i],
			Status:   memory.StatusCreated,
		}
	}
	return confirmations, nil
}

// updateMemories embeds replacement documents and writes them through. The
// caller has already verified the ids exist.
func (s *Service) updateMemories(ctx context.Context, items []memory.UpdateItem) ([]memory.ActionConfirmation, error) {
	ctx, span := telemetry.StartSpan(ctx, "update_memories", telemetry.KindChain)
	var err error
	defer func() { telemetry.End(span, err) }()

	documents := lo.Map(items, func(item memory.UpdateItem, _ int) string { return item.Document })
	embeddings, err := s.embedder.Embed(ctx, documents)
	if err != nil {
		return nil, err
	}

	payloads := make([]storage.UpdatePayload, len(items))
	for i, item := range items {
		payloads[i] = storage.UpdatePayload{
			ID:        item.ID,
			Document:  item.Document,
			Embedding: embeddings[i],
		}
	}

	updatedIDs, err := s.store.Update(ctx, payloads)
	if err != nil {
		return nil, err
	}

	documentsByID := make(map[string]string, len(items))
	for _, item := range items {
		documentsByID[item.ID] = item.Document
	}
	confirmations := make([]memory.ActionConfirmation, len(updatedIDs))
	for i, id := range updatedIDs {
		confirmations[i] = memory.ActionConfirmation{
			ID:       id,
			Document: documentsByID[id],
			Status:   memory.StatusUpdated,
		}
	}
	return confirmations, nil
}

// deleteMemories removes ids from the store.
func (s *Service) deleteMemories(ctx context.Context, ids []string) ([]memory.ActionConfirmation, error) {
	ctx, span := telemetry.StartSpan(ctx, "delete_memories", telemetry.KindChain)
	var err error
	defer func() { telemetry.End(span, err) }()

	deletedIDs, err := s.store.Delete(ctx, ids)
	if err != nil {
		return nil, err
	}

	confirmations := make([]memory.ActionConfirmation, len(deletedIDs))
	for i, id := range deletedIDs {
		confirmations[i] = memory.ActionConfirmation{ID: id, Status: memory.StatusDeleted}
	}
	return confirmations, nil
}

// UpdateRaw updates client-provided ids, reporting NOT_FOUND per missing id.
// The second return value is true when at least one id was missing.
func (s *Service) UpdateRaw(ctx context.Context, items []memory.UpdateItem) ([]memory.ActionConfirmation, bool, error) {
	ids := lo.Map(items, func(item memory.UpdateItem, _ int) string { return item.ID })
	existing, err := s.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, false, err
	}
	known := lo.SliceToMap(existing, func(r storage.Record) (string, bool) { return r.ID, true })

	var toUpdate []memory.UpdateItem
	confirmations := []memory.ActionConfirmation{}
	partialFailure := false
	for _, item := range items {
		if known[item.ID] {
			toUpdate = append(toUpdate, item)
			continue
		}
		partialFailure = true
		confirmations = append(confirmations, memory.ActionConfirmation{
			ID:       item.ID,
			Document: notFoundDocument,
			Status:   memory.StatusNotFound,
		})
	}

	if len(toUpdate) > 0 {
		updated, err := s.updateMemories(ctx, toUpdate)
		if err != nil {
			return nil, false, err
		}
		confirmations = append(confirmations, updated...)
	}
	return confirmations, partialFailure, nil
}

// DeleteByIDs deletes client-provided ids, reporting NOT_FOUND per missing
// id. The second return value is true when at least one id was missing.
func (s *Service) DeleteByIDs(ctx context.Context, ids []string) ([]memory.ActionConfirmation, bool, error) {
	existing, err := s.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, false, err
	}
	known := lo.SliceToMap(existing, func(r storage.Record) (string, bool) { return r.ID, true })

	var toDelete []string
	confirmations := []memory.ActionConfirmation{}
	partialFailure := false
	for _, id := range ids {
		if known[id] {
			toDelete = append(toDelete, id)
			continue
		}
		partialFailure = true
		confirmations = append(confirmations, memory.ActionConfirmation{
			ID:       id,
			Document: notFoundDocument,
			Status:   memory.StatusNotFound,
		})
	}

	if len(toDelete) > 0 {
		deleted, err := s.deleteMemories(ctx, toDelete)
		if err != nil {
			return nil, false, err
		}
		confirmations = append(confirmations, deleted...)
	}
	return confirmations, partialFailure, nil
}

// GetByIDs returns the memories found for the given ids, silently omitting
// unknown ids.
func (s *Service) GetByIDs(ctx context.Context, ids []string) ([]memory.Response, error) {
	records, err := s.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return lo.Map(records, func(r storage.Record, _ int) memory.Response {
		return recordToResponse(r, nil)
	}), nil
}

// SearchByMetadata lists memories matching the filters, most recently
// updated first.
func (s *Service) SearchByMetadata(ctx context.Context, filters map[string]string, limit int) ([]memory.Response, error) {
	records, err := s.store.QueryByFilter(ctx, filters, limit)
	if err != nil {
		return nil, err
	}
	return lo.Map(records, func(r storage.Record, _ int) memory.Response {
		return recordToResponse(r, nil)
	}), nil
}

// SearchSimilar embeds the queries and returns the nearest memories across
// all of them as one flat list, group order preserved.
func (s *Service) SearchSimilar(ctx context.Context, queries []string, filters map[string]string, limit int) ([]memory.Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "search_similar_memories", telemetry.KindChain)
	var err error
	defer func() { telemetry.End(span, err) }()

	embeddings, err := s.embedder.Embed(ctx, queries)
	if err != nil {
		return nil, err
	}

	groups, err := s.store.QueryBySimilarity(ctx, embeddings, filters, limit)
	if err != nil {
		return nil, err
	}

	memories := []memory.Response{}
	for _, group := range groups {
		for _, scored := range group {
			similarity := scored.Similarity
			memories = append(memories, recordToResponse(scored.Record, &similarity))
		}
	}
	return memories, nil
}

func recordToResponse(r storage.Record, similarity *float64) memory.Response {
	resp := memory.Response{
		ID:         r.ID,
		Document:   r.Document,
		Metadata:   r.Metadata,
		Similarity: similarity,
	}
	if !r.CreatedAt.IsZero() {
		resp.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !r.UpdatedAt.IsZero() {
		resp.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}
