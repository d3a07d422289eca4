package pipeline

import "github.com/evermem/memsrv/pkg/ai"

// factsSchema constrains extraction output to {"facts": [...]}.
func factsSchema() *ai.ResponseSchema {
	return &ai.ResponseSchema{
		Name: "facts",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"facts": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "The facts about the user from the conversation",
				},
			},
			"required":             []string{"facts"},
			"additionalProperties": false,
		},
	}
}

// planSchema constrains consolidation output to {"plan": [...]} with the
// closed action set. old_text is nullable since it only applies to UPDATE.
func planSchema() *ai.ResponseSchema {
	return &ai.ResponseSchema{
		Name: "consolidation_plan",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"plan": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":       map[string]any{"type": "string"},
							"text":     map[string]any{"type": "string"},
							"action":   map[string]any{"type": "string", "enum": []string{"CREATE", "UPDATE", "DELETE", "NOOP"}},
							"old_text": map[string]any{"type": []string{"string", "null"}},
						},
						"required":             []string{"id", "text", "action", "old_text"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"plan"},
			"additionalProperties": false,
		},
	}
}
