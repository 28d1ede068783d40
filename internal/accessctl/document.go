package accessctl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	dserrors "github.com/systmms/secretd/internal/errors"
)

// policyDocumentSchema validates externally supplied policy documents before
// any rule takes effect. A malformed document must never silently widen
// access.
const policyDocumentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["policies"],
	"properties": {
		"policies": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["principal", "pattern", "operations", "effect"],
				"additionalProperties": false,
				"properties": {
					"principal": {"type": "string", "minLength": 1},
					"pattern": {"type": "string", "minLength": 1},
					"operations": {
						"type": "array",
						"minItems": 1,
						"items": {"enum": ["READ", "WRITE", "ROTATE", "*"]}
					},
					"effect": {"enum": ["allow", "deny"]}
				}
			}
		}
	}
}`

type policyDocument struct {
	Policies []struct {
		Principal  string   `json:"principal"`
		Pattern    string   `json:"pattern"`
		Operations []string `json:"operations"`
		Effect     string   `json:"effect"`
	} `json:"policies"`
}

// ParseDocument validates a JSON policy document against the embedded schema
// and returns its rules.
func ParseDocument(data []byte) ([]Rule, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(policyDocumentSchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, dserrors.UserError{
			Message:    "Failed to parse policy document",
			Suggestion: "Check that the document is valid JSON",
			Err:        err,
		}
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, dserrors.UserError{
			Message:    fmt.Sprintf("Policy document is invalid: %s", strings.Join(problems, "; ")),
			Suggestion: "Each policy needs principal, pattern, operations and effect",
		}
	}

	var doc policyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(doc.Policies))
	for _, p := range doc.Policies {
		ops := make([]Operation, 0, len(p.Operations))
		for _, o := range p.Operations {
			ops = append(ops, Operation(o))
		}
		rules = append(rules, Rule{
			Principal:  p.Principal,
			Pattern:    p.Pattern,
			Operations: ops,
			Effect:     Effect(p.Effect),
		})
	}
	return rules, nil
}
