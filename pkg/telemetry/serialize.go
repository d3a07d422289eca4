package telemetry

import (
	"encoding/json"
	"fmt"
)

const maxAttributeLength = 4000

// SafeSerialize renders v as JSON for span attributes, capped at 4000
// characters. Values that cannot be marshaled are stringified instead of
// failing the span.
func SafeSerialize(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return truncate(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprintf("%v", v))
	}
	return truncate(string(data))
}

func truncate(s string) string {
	if len(s) > maxAttributeLength {
		return s[:maxAttributeLength]
	}
	return s
}
