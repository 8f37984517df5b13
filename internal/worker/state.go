package worker

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// State codecs for the inter-turn state file. The local backend uses
// "json"; the container backend uses "gob", which round-trips a broader
// value set behind the container boundary.
const (
	CodecJSON = "json"
	CodecGob  = "gob"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// reserved reports whether an identifier is never persisted.
func reserved(name string) bool {
	return name == "" || strings.HasPrefix(name, "_")
}

// loadState reads the state file into a fresh scope map. A missing file
// yields an empty scope.
func loadState(path, codec string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	state := map[string]any{}
	switch codec {
	case CodecGob:
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
			return nil, fmt.Errorf("failed to decode state file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to parse state file: %w", err)
		}
	}
	return state, nil
}

// saveState atomically replaces the state file with the serializable
// subset of the scope. Reserved identifiers are skipped. Under the JSON
// codec, unserializable values degrade to their printable string; under
// gob, values that fail to round-trip are dropped.
func saveState(path, codec string, scope map[string]any) error {
	out := make(map[string]any, len(scope))
	for name, value := range scope {
		if reserved(name) {
			continue
		}
		switch codec {
		case CodecGob:
			if gobRoundTrips(value) {
				out[name] = value
			}
		default:
			if _, err := json.Marshal(value); err != nil {
				out[name] = fmt.Sprintf("%v", value)
			} else {
				out[name] = value
			}
		}
	}

	var data []byte
	var err error
	switch codec {
	case CodecGob:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(out); err != nil {
			return fmt.Errorf("failed to encode state: %w", err)
		}
		data = buf.Bytes()
	default:
		data, err = json.Marshal(out)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return os.Rename(tmp, path)
}

func gobRoundTrips(value any) bool {
	var buf bytes.Buffer
	probe := map[string]any{"v": value}
	return gob.NewEncoder(&buf).Encode(probe) == nil
}

// valueText is the textual form of a state value: strings pass through,
// structured values serialize to JSON, everything else prints.
func valueText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}
