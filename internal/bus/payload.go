package bus

import (
	"bytes"
	"encoding/json"
)

// NormalizePayload flattens the payload shapes that upstream publishers
// emit into the canonical inner document. Accepted shapes:
//
//   - a JSON object wrapping the document under a "data" key
//   - the bare JSON document itself
//   - arbitrary non-JSON bytes, returned unchanged
//
// Unknown wrappers pass through untouched so subscribers can fail with
// context instead of the bus guessing.
func NormalizePayload(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return raw
	}
	if data, ok := envelope["data"]; ok && len(bytes.TrimSpace(data)) > 0 {
		return data
	}
	return raw
}
