package store

import (
	"encoding/json"
	"fmt"
)

// codecVersion is the current encoding version for string-encoded columns.
// Bump it when the column payload shape changes; decodeColumn keeps
// accepting older versions it knows how to read.
const codecVersion = 1

type envelope struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// encodeColumn wraps a collection in the versioned envelope and renders it
// as a string for storage.
func encodeColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column payload: %w", err)
	}
	env, err := json.Marshal(envelope{Version: codecVersion, Data: data})
	if err != nil {
		return "", fmt.Errorf("encode column envelope: %w", err)
	}
	return string(env), nil
}

// decodeColumn decodes a string-encoded column into out. Empty input, an
// unknown version, or corrupt payloads leave out untouched (callers pass a
// pointer to an empty collection), matching the read-side contract that
// decode failures never fail a session load.
func decodeColumn(raw string, out any) {
	if raw == "" {
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Version == 0 {
		// Pre-versioning rows stored the bare collection.
		_ = json.Unmarshal([]byte(raw), out)
		return
	}
	if env.Version > codecVersion {
		return
	}
	_ = json.Unmarshal(env.Data, out)
}
