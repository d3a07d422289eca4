package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evermem/memsrv/pkg/ai"
	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/memory"
	"github.com/evermem/memsrv/pkg/telemetry"
)

// ParseMessages flattens a conversation into "User: ...\nAssistant: ..."
// lines. Only text parts of user and model turns are kept; function calls,
// responses and unknown roles are ignored.
func ParseMessages(messages []memory.Message) string {
	lines := make([]string, 0, len(messages))
	for _, message := range messages {
		for _, part := range message.Parts {
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			switch message.Role {
			case "user":
				lines = append(lines, "User: "+text)
			case "model":
				lines = append(lines, "Assistant: "+text)
			}
		}
	}
	return strings.Join(lines, "\n")
}

type factsResponse struct {
	Facts []string `json:"facts"`
}

// ExtractFacts asks the LLM for the user facts contained in the parsed
// conversation. An empty fact list is a normal outcome, not an error.
func ExtractFacts(ctx context.Context, llm ai.LLM, parsedMessages string) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "fact_extraction", telemetry.KindBackground)
	var err error
	defer func() { telemetry.End(span, err) }()

	raw, err := llm.Generate(ctx,
		factExtractionPrompt,
		"Now, extract the facts from the following conversation:\n"+parsedMessages,
		factsSchema())
	if err != nil {
		return nil, err
	}

	var parsed factsResponse
	if jsonErr := json.Unmarshal([]byte(raw), &parsed); jsonErr != nil {
		err = memerr.API(fmt.Sprintf("model returned malformed fact extraction output: %v", jsonErr))
		return nil, err
	}
	return parsed.Facts, nil
}
