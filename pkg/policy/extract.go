package policy

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/agentlane/agentlane/pkg/domain"
)

// ExtractPolicyRules reads the rule set from bundle content. The rules
// may sit at the top level or nested under a "rules" key. Nil or empty
// content yields the zero rule set and ok=false; callers must fail
// closed on it rather than treat it as automatic compliance.
func ExtractPolicyRules(content map[string]any) (domain.PolicyRule, bool, error) {
	if len(content) == 0 {
		return domain.PolicyRule{}, false, nil
	}
	source := content
	if nested, ok := content["rules"].(map[string]any); ok {
		source = nested
	}
	b, err := json.Marshal(source)
	if err != nil {
		return domain.PolicyRule{}, false, err
	}
	var rule domain.PolicyRule
	if err := json.Unmarshal(b, &rule); err != nil {
		return domain.PolicyRule{}, false, fmt.Errorf("malformed policy rules: %w", err)
	}
	if rule.Empty() {
		return domain.PolicyRule{}, false, nil
	}
	return rule, true, nil
}

const bundleSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "definitions": {
    "ruleSet": {
      "type": "object",
      "properties": {
        "allowed_roles":          {"type": "array", "items": {"type": "string"}},
        "denied_roles":           {"type": "array", "items": {"type": "string"}},
        "allow_document_access":  {"type": "boolean"},
        "allow_tool_access":      {"type": "boolean"},
        "max_budget":             {"type": "number", "minimum": 0},
        "max_tokens_per_request": {"type": "integer", "minimum": 0},
        "allowed_actions":        {"type": "array", "items": {"type": "string"}},
        "denied_actions":         {"type": "array", "items": {"type": "string"}}
      }
    }
  },
  "properties": {
    "name":    {"type": "string"},
    "rules":   {"$ref": "#/definitions/ruleSet"},
    "allowed_roles":          {"type": "array", "items": {"type": "string"}},
    "denied_roles":           {"type": "array", "items": {"type": "string"}},
    "allow_document_access":  {"type": "boolean"},
    "allow_tool_access":      {"type": "boolean"},
    "max_budget":             {"type": "number", "minimum": 0},
    "max_tokens_per_request": {"type": "integer", "minimum": 0},
    "allowed_actions":        {"type": "array", "items": {"type": "string"}},
    "denied_actions":         {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	bundleSchema     *gojsonschema.Schema
	bundleSchemaOnce sync.Once
	bundleSchemaErr  error
)

func getBundleSchema() (*gojsonschema.Schema, error) {
	bundleSchemaOnce.Do(func() {
		loader := gojsonschema.NewStringLoader(bundleSchemaJSON)
		bundleSchema, bundleSchemaErr = gojsonschema.NewSchema(loader)
	})
	return bundleSchema, bundleSchemaErr
}

// ValidatePolicyBundle validates bundle content shape before storage.
// It returns the per-field validation failures, empty when valid.
func ValidatePolicyBundle(content map[string]any) ([]string, error) {
	schema, err := getBundleSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling policy bundle schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(content))
	if err != nil {
		return nil, fmt.Errorf("validating policy bundle: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}
