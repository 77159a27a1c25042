package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compensationRuleSchemaJSON validates the wire shape of a compensation
// rule create/update body (spec §4.4's header-rewrite config) before it
// ever reaches domain.CompensationRule's loose, tag-less decode. Property
// names match the camelCase wire format the admin UI and these handlers'
// tests send, not the Go field names.
const compensationRuleSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "capabilities", "targetHeader", "sources"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"capabilities": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "string",
				"enum": [
					"anthropic_messages",
					"codex_responses",
					"openai_chat_compatible",
					"openai_extended",
					"gemini_native_generate",
					"gemini_code_assist_internal"
				]
			}
		},
		"targetHeader": {"type": "string", "minLength": 1},
		"sources": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "pattern": "^(headers\\.|body\\.).+"}
		},
		"mode": {"type": "string", "enum": ["missing_only"]},
		"enabled": {"type": "boolean"},
		"isBuiltin": {"type": "boolean"}
	}
}`

var compensationRuleSchema = compileCompensationRuleSchema()

func compileCompensationRuleSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("compensation-rule.json", strings.NewReader(compensationRuleSchemaJSON)); err != nil {
		panic(fmt.Sprintf("admin: compensation rule schema is invalid: %v", err))
	}
	schema, err := compiler.Compile("compensation-rule.json")
	if err != nil {
		panic(fmt.Sprintf("admin: compensation rule schema is invalid: %v", err))
	}
	return schema
}

// validateCompensationRuleBody checks raw against the compensation rule
// JSON Schema, returning a flattened, user-facing error on mismatch.
func validateCompensationRuleBody(raw []byte) error {
	var v interface{}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compensationRuleSchema.Validate(v); err != nil {
		return err
	}
	return nil
}
