package wire

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// parsePartialJSON parses a possibly-truncated JSON object and returns a
// best-effort value instead of an error. Mid-stream tool arguments arrive as
// arbitrary fragments; a strict parse is attempted first, then a repair pass
// closes unterminated strings, arrays, and objects. An empty or unparseable
// accumulator yields an empty map so consumers never see nil arguments.
func parsePartialJSON(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err == nil && out != nil {
		return out
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return map[string]any{}
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
