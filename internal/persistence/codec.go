package persistence

import (
	"encoding/json"

	"github.com/petrijr/costbook/pkg/api"
)

// Result stats and lineage payloads are stored as JSON text so the SQL
// backends and the Mongo recorder share one readable representation.

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", api.StorageError("encode json", err)
	}
	return string(b), nil
}

func decodeJSON(s string, dst any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return api.StorageError("decode json", err)
	}
	return nil
}

// clonePayload copies a payload through JSON, giving in-memory recorders the
// same number semantics as the durable ones.
func clonePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	s, err := encodeJSON(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeJSON(s, &out); err != nil {
		return nil, err
	}
	return out, nil
}
