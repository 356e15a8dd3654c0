package adminapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// contentSchemaJSON validates the `content` field shared by downsells and
// shots: a discriminated union keyed on `parse_mode`-adjacent `text` plus
// an optional `media` array of {sha256, kind, r2_key}. Unknown top-level
// properties are rejected at the boundary rather than silently dropped
// (spec §9 design note on discriminated unions).
const contentSchemaJSON = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"parse_mode": {"type": "string", "enum": ["MarkdownV2", "HTML", "plain"]},
		"media": {
			"type": "array",
			"maxItems": 3,
			"items": {
				"type": "object",
				"properties": {
					"sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
					"kind": {"type": "string", "enum": ["photo", "video", "audio"]},
					"r2_key": {"type": "string"}
				},
				"required": ["sha256", "kind", "r2_key"],
				"additionalProperties": false
			}
		}
	},
	"required": ["text"],
	"additionalProperties": false
}`

var contentSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(contentSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("adminapi: parse content schema: %v", err))
	}
	const schemaURL = "mem://tgway/content.json"
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		panic(fmt.Sprintf("adminapi: add content schema resource: %v", err))
	}
	contentSchema, err = compiler.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("adminapi: compile content schema: %v", err))
	}
}

// validateContent rejects a downsell/shot content body that doesn't match
// the discriminated union shape before it is unmarshaled into Go structs.
func validateContent(raw json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse content: %w", err)
	}
	if err := contentSchema.Validate(doc); err != nil {
		return fmt.Errorf("content schema validation: %w", err)
	}
	return nil
}
