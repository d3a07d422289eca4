package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/evermem/memsrv/pkg/ai"
	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/memory"
	"github.com/evermem/memsrv/pkg/telemetry"
)

// existingMemory is what the consolidation model sees: a short temporary id
// and the memory text. Real store ids never reach the model.
type existingMemory struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ConsolidateFacts asks the LLM to reconcile new facts with the existing
// memories and returns the raw plan. Callers validate plan ids against
// their temporary id map.
func ConsolidateFacts(ctx context.Context, llm ai.LLM, logger *log.Logger, newFacts []string, existing []existingMemory) (memory.Plan, error) {
	ctx, span := telemetry.StartSpan(ctx, "fact_consolidation", telemetry.KindBackground)
	var err error
	defer func() { telemetry.End(span, err) }()

	existingJSON, err := json.Marshal(existing)
	if err != nil {
		return memory.Plan{}, memerr.Internal(fmt.Sprintf("failed to serialize existing memories: %v", err))
	}
	factsJSON, err := json.Marshal(newFacts)
	if err != nil {
		return memory.Plan{}, memerr.Internal(fmt.Sprintf("failed to serialize new facts: %v", err))
	}

	message := fmt.Sprintf(`Now, consolidate the facts using the following input:
1. EXISTING_MEMORIES: List of existing memories with `+"`id` and `text`"+`.
%s

2. NEW_FACTS: A list of new facts to process.
%s
`, existingJSON, factsJSON)

	raw, err := llm.Generate(ctx, factConsolidationPrompt, message, planSchema())
	if err != nil {
		return memory.Plan{}, err
	}

	var plan memory.Plan
	if jsonErr := json.Unmarshal([]byte(raw), &plan); jsonErr != nil {
		err = memerr.API(fmt.Sprintf("model returned malformed consolidation plan: %v", jsonErr))
		return memory.Plan{}, err
	}

	logger.Debug("consolidation plan received", "items", len(plan.Items))
	return plan, nil
}
