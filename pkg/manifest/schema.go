// Package manifest loads, validates, and stores the per-(org, uapk) policy
// documents. Documents are validated once against a JSON Schema at load time;
// everything downstream carries validated values.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentgate/agentgate/pkg/contracts"
)

const schemaURL = "https://agentgate.schemas.local/manifest.schema.json"

// manifestSchema is the structural contract for manifest documents. Unknown
// top-level fields are legal and preserved under extensions.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "uapk_id", "org_id", "tools", "capabilities_requested"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "uapk_id": {"type": "string", "minLength": 1},
    "org_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["DRAFT", "ACTIVE", "SUSPENDED", "REVOKED"]},
    "capabilities_requested": {"type": "array", "items": {"type": "string"}},
    "tools": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {"enum": ["http", "webhook", "mock"]},
          "config": {
            "type": "object",
            "properties": {
              "method": {"type": "string"},
              "base_url": {"type": "string"},
              "url": {"type": "string"},
              "allowed_domains": {"type": "array", "items": {"type": "string"}},
              "auth": {
                "type": "object",
                "required": ["scheme", "secret_name"],
                "properties": {
                  "scheme": {"type": "string"},
                  "secret_name": {"type": "string"}
                }
              },
              "timeout_seconds": {"type": "integer", "minimum": 1},
              "allow_http": {"type": "boolean"},
              "follow_redirects": {"type": "boolean"},
              "rate_limit_per_minute": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    },
    "constraints": {
      "type": "object",
      "properties": {
        "max_actions_per_day": {"type": "integer", "minimum": 0},
        "max_actions_per_hour": {"type": "integer", "minimum": 0},
        "require_human_approval": {"type": "array", "items": {"type": "string"}},
        "allowed_hours": {
          "type": "object",
          "required": ["start", "end"],
          "properties": {
            "start": {"type": "integer", "minimum": 0, "maximum": 23},
            "end": {"type": "integer", "minimum": 0, "maximum": 23}
          }
        }
      }
    },
    "policy": {
      "type": "object",
      "properties": {
        "budgets": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "daily": {"type": "integer", "minimum": 0},
              "hourly": {"type": "integer", "minimum": 0}
            }
          }
        },
        "counterparty_allow": {"type": "array", "items": {"type": "string"}},
        "counterparty_deny": {"type": "array", "items": {"type": "string"}},
        "jurisdiction_allow": {"type": "array", "items": {"type": "string"}},
        "tool_allow": {"type": "array", "items": {"type": "string"}},
        "tool_deny": {"type": "array", "items": {"type": "string"}},
        "amount_caps": {"type": "object", "additionalProperties": {"type": "number"}},
        "approval_thresholds": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "action_types": {"type": "array", "items": {"type": "string"}},
              "tools": {"type": "array", "items": {"type": "string"}},
              "amount": {"type": "number"},
              "currency": {"type": "string"}
            }
          }
        },
        "require_capability_token": {"type": "boolean"},
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "expr", "effect", "code"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "expr": {"type": "string", "minLength": 1},
              "effect": {"enum": ["deny", "escalate"]},
              "code": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("manifest schema load failed: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("manifest schema compile failed: %v", err))
	}
	return s
}

// knownTopLevel are the manifest fields with typed homes; everything else
// moves to Extensions on parse.
var knownTopLevel = map[string]bool{
	"version": true, "uapk_id": true, "org_id": true, "tools": true,
	"capabilities_requested": true, "constraints": true, "policy": true,
	"status": true, "extensions": true,
}

// Parse validates a raw manifest document and returns the typed manifest.
// Validation covers schema shape, semver version, and CEL rule compilation,
// so downstream evaluation never re-validates.
func Parse(raw []byte) (*contracts.Manifest, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("manifest: schema validation failed: %w", err)
	}

	var m contracts.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode failed: %w", err)
	}
	if m.Status == "" {
		m.Status = contracts.ManifestDraft
	}

	if _, err := semver.NewVersion(m.Version); err != nil {
		return nil, fmt.Errorf("manifest: version %q is not semver: %w", m.Version, err)
	}

	if _, err := CompileRules(m.Policy.Rules); err != nil {
		return nil, err
	}

	// Preserve unknown top-level fields for forward compatibility.
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err == nil {
		for k, v := range top {
			if !knownTopLevel[k] {
				if m.Extensions == nil {
					m.Extensions = make(map[string]json.RawMessage)
				}
				m.Extensions[k] = v
			}
		}
	}

	return &m, nil
}
