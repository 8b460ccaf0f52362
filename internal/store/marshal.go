package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/strategyharness/internal/canonical"
	"github.com/roach88/strategyharness/internal/harness"
)

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := canonical.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal map: %w", err)
	}
	return string(data), nil
}

func marshalEvents(events []harness.EventRecord) (string, error) {
	list := make([]any, len(events))
	for i, e := range events {
		m := map[string]any{"name": e.Name, "emitter": e.Emitter}
		if len(e.Fields) > 0 {
			m["fields"] = e.Fields
		}
		list[i] = m
	}
	data, err := canonical.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("marshal events: %w", err)
	}
	return string(data), nil
}

// Every stored value is a string, so encoding/json decodes without loss.

func unmarshalStrings(data string) ([]string, error) {
	out := []string{}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return out, nil
}

func unmarshalMap(data string) (map[string]string, error) {
	out := map[string]string{}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal map: %w", err)
	}
	return out, nil
}

func unmarshalEvents(data string) ([]harness.EventRecord, error) {
	var out []harness.EventRecord
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
