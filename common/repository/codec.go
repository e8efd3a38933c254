package repository

import (
	"encoding/json"
	"fmt"
)

// marshalDoc serializes a JSON document column, mapping nil to SQL NULL.
func marshalDoc(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return data, nil
}

// unmarshalDoc deserializes a JSON document column; NULL leaves dst alone.
func unmarshalDoc(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}
