package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache holds compiled schemas keyed by their JSON text, so a tool
// re-registered with an identical schema reuses the compiled form.
var schemaCache sync.Map

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateArguments checks args against a tool's input schema and returns
// one human-readable violation per offending field. A nil or empty schema
// accepts anything.
func ValidateArguments(t Tool, args map[string]any) ([]string, error) {
	schema := t.Schema()
	if len(schema) == 0 {
		return nil, nil
	}

	compiled, err := compileSchema(t.Name(), schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}

	// Round-trip through JSON so the validator only sees JSON-native
	// types regardless of how the caller built the map.
	payload, err := json.Marshal(args)
	if err != nil {
		return []string{fmt.Sprintf("arguments are not JSON-encodable: %v", err)}, nil
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	err = compiled.Validate(decoded)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}, nil
	}
	return violations(verr), nil
}

// violations flattens a validation error tree into its leaf causes.
func violations(verr *jsonschema.ValidationError) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			if field == "" {
				field = "(arguments)"
			}
			msg := fmt.Sprintf("%s: %s", strings.ReplaceAll(field, "/", "."), e.Message)
			if !seen[msg] {
				seen[msg] = true
				out = append(out, msg)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	sort.Strings(out)
	return out
}
