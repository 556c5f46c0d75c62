package storage

import (
	"encoding/json"
	"fmt"
)

// Values are JSON; amounts encode as decimal strings.

func encode(kind string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return b, nil
}

func decode(kind string, key, b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s at %q: %w", kind, key, err)
	}
	return nil
}
