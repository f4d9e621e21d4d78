package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	yaml "go.yaml.in/yaml/v3"
)

type format struct {
	name   string
	decode func([]byte) (any, error)
}

// formats maps file extensions to decoders; anything else is read as JSON.
var formats = map[string]format{
	".yaml": {"yaml", decodeYAML},
	".yml":  {"yaml", decodeYAML},
	".toml": {"toml", decodeTOML},
}

func decodeYAML(b []byte) (any, error) {
	var v any
	err := yaml.Unmarshal(b, &v)
	return v, err
}

func decodeTOML(b []byte) (any, error) {
	var v map[string]any
	err := toml.Unmarshal(b, &v)
	return v, err
}

// coerceToJSONBytes re-encodes YAML and TOML as JSON so one strict decoder
// serves every format. It also returns the detected format name.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	f, ok := formats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return data, "json", nil
	}
	tree, err := f.decode(data)
	if err != nil {
		return nil, f.name, fmt.Errorf("%s: %w", f.name, err)
	}
	out, err := json.Marshal(stringKeys(tree))
	if err != nil {
		return nil, f.name, fmt.Errorf("%s to json: %w", f.name, err)
	}
	return out, f.name, nil
}

// stringKeys rewrites map[any]any nodes, which encoding/json rejects.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	}
	return node
}
