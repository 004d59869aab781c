package listing

import (
	"encoding/json"
	"fmt"
)

// decode converts a cached value back to its concrete type. Values served
// from the in-process cache keep their Go type and assert directly; values
// that round-tripped through Redis come back as generic JSON containers
// and are re-marshalled.
func decode[T any](v interface{}) (T, error) {
	if typed, ok := v.(T); ok {
		return typed, nil
	}

	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to re-encode cached value: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return out, nil
}
