package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/offsync/internal/fields"
)

// marshalFields converts a field snapshot to canonical JSON TEXT for storage.
func marshalFields(obj fields.Object) (string, error) {
	if obj == nil {
		obj = fields.Object{}
	}
	data, err := fields.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses canonical JSON TEXT back into a field snapshot.
func unmarshalFields(data string) (fields.Object, error) {
	if data == "" || data == "{}" {
		return fields.Object{}, nil
	}
	obj, err := fields.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return obj, nil
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	var ss []string
	if data == "" {
		return []string{}, nil
	}
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	if ss == nil {
		ss = []string{}
	}
	return ss, nil
}
