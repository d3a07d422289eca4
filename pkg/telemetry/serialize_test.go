package telemetry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeSerialize(t *testing.T) {
	assert.Equal(t, "", SafeSerialize(nil))
	assert.Equal(t, "plain", SafeSerialize("plain"))
	assert.Equal(t, `{"a":1}`, SafeSerialize(map[string]int{"a": 1}))
	assert.Equal(t, `["x","y"]`, SafeSerialize([]string{"x", "y"}))
}

func TestSafeSerializeTruncates(t *testing.T) {
	long := strings.Repeat("a", 10000)
	out := SafeSerialize(long)
	assert.Len(t, out, maxAttributeLength)
}

func TestSafeSerializeUnmarshalableFallsBack(t *testing.T) {
	out := SafeSerialize(func() {})
	assert.NotEmpty(t, out)
}
