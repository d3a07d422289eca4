package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/memory"
)

func textPart(text string) memory.Part {
	return memory.Part{Text: text}
}

func TestParseMessages(t *testing.T) {
	messages := []memory.Message{
		{Role: "user", Parts: []memory.Part{textPart("Hi, my name is Jane.")}},
		{Role: "model", Parts: []memory.Part{textPart("Nice to meet you, Jane!")}},
		{Role: "user", Parts: []memory.Part{textPart("  I am an AI engineer.  ")}},
	}

	parsed := ParseMessages(messages)
	assert.Equal(t, "User: Hi, my name is Jane.\nAssistant: Nice to meet you, Jane!\nUser: I am an AI engineer.", parsed)
}

func TestParseMessagesSkipsNonTextParts(t *testing.T) {
	messages := []memory.Message{
		{Role: "user", Parts: []memory.Part{
			{FunctionCall: json.RawMessage(`{"name":"lookup"}`)},
			textPart("remember this"),
		}},
		{Role: "model", Parts: []memory.Part{
			{FunctionResponse: json.RawMessage(`{"ok":true}`)},
		}},
		{Role: "system", Parts: []memory.Part{textPart("ignored system text")}},
		{Role: "user", Parts: []memory.Part{textPart("   ")}},
	}

	assert.Equal(t, "User: remember this", ParseMessages(messages))
}

func TestParseMessagesEmpty(t *testing.T) {
	assert.Equal(t, "", ParseMessages(nil))
	assert.Equal(t, "", ParseMessages([]memory.Message{{Role: "user"}}))
}

func TestExtractFacts(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"facts": ["My name is Jane", "I am an AI engineer"]}`}}

	facts, err := ExtractFacts(context.Background(), llm, "User: my name is Jane, I am an AI engineer")
	require.NoError(t, err)
	assert.Equal(t, []string{"My name is Jane", "I am an AI engineer"}, facts)
	require.Len(t, llm.calls, 1)
	assert.Contains(t, llm.calls[0], "my name is Jane")
}

func TestExtractFactsEmptyResult(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"facts": []}`}}

	facts, err := ExtractFacts(context.Background(), llm, "User: hi")
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestExtractFactsMalformedOutput(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`not json at all`}}

	_, err := ExtractFacts(context.Background(), llm, "User: hi")
	require.Error(t, err)
	assert.Equal(t, memerr.KindAPI, memerr.KindOf(err))
}
