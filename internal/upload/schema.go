package upload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"style-pipeline/internal/models"
)

// Per-type metadata schemas. Types without an entry accept any JSON object.
var metadataSchemas = map[string]string{
	models.TypeStylist: `{
		"type": "object",
		"properties": {
			"preferences": {"type": "array", "items": {"type": "string", "maxLength": 64}, "maxItems": 20},
			"occasion": {"type": "string"}
		}
	}`,
	models.TypeBodyScan: `{
		"type": "object",
		"properties": {
			"unit": {"enum": ["cm", "in"]},
			"heightCm": {"type": "number", "minimum": 50, "maximum": 260},
			"pose": {"enum": ["front", "side"]}
		}
	}`,
	models.TypeWardrobe: `{
		"type": "object",
		"properties": {
			"notes": {"type": "string", "maxLength": 500}
		}
	}`,
}

const objectSchema = `{"type": "object"}`

type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	set := make(schemaSet, len(metadataSchemas)+1)
	compile := func(name, src string) (*jsonschema.Schema, error) {
		compiler := jsonschema.NewCompiler()
		url := name + ".json"
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		return compiler.Compile(url)
	}
	for jobType, src := range metadataSchemas {
		s, err := compile(jobType, src)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", jobType, err)
		}
		set[jobType] = s
	}
	s, err := compile("object", objectSchema)
	if err != nil {
		return nil, err
	}
	set[""] = s
	return set, nil
}

// validate checks raw metadata for jobType; empty metadata is always valid.
func (s schemaSet) validate(jobType string, raw []byte) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, models.Invalid("metadata", "must be valid JSON: %v", err)
	}
	schema, ok := s[jobType]
	if !ok {
		schema = s[""]
	}
	if err := schema.Validate(v); err != nil {
		return nil, models.Invalid("metadata", "does not match schema for %q: %v", jobType, err)
	}
	return json.RawMessage(raw), nil
}
