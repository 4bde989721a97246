package persist

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// recordSchemaJSON constrains the PersistenceRecord wire form. Both the
// disk cache and the reference daemon validate against it, so a corrupt
// or truncated record is detected before it can seed a layout.
const recordSchemaJSON = `{
  "type": "object",
  "required": ["tabs", "activeTabId", "updatedAt", "version", "writerId"],
  "properties": {
    "identityKey": {"type": "string"},
    "tabs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "kind", "components", "position"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "kind": {"enum": ["static", "dynamic"]},
          "editMode": {"type": "boolean"},
          "position": {"type": "integer", "minimum": 0},
          "components": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "type", "gridPosition"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "type": {"type": "string"},
                "gridPosition": {
                  "type": "object",
                  "required": ["x", "y", "w", "h"],
                  "properties": {
                    "x": {"type": "integer"},
                    "y": {"type": "integer"},
                    "w": {"type": "integer", "minimum": 1},
                    "h": {"type": "integer", "minimum": 1}
                  }
                },
                "props": {"type": "object"}
              }
            }
          }
        }
      }
    },
    "activeTabId": {"type": "string"},
    "updatedAt": {"type": "string"},
    "version": {"type": "integer", "minimum": 0},
    "writerId": {"type": "string", "minLength": 1}
  }
}`

// RecordValidator validates serialized records against the wire schema.
type RecordValidator struct {
	schema *jsonschema.Schema
}

func NewRecordValidator() (*RecordValidator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// compiler requires for integer bounds.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal record schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("record.json", doc); err != nil {
		return nil, fmt.Errorf("add record schema resource: %w", err)
	}
	schema, err := c.Compile("record.json")
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	return &RecordValidator{schema: schema}, nil
}

// Validate checks raw JSON against the record schema and downgrades any
// failure to ErrCorrupt.
func (v *RecordValidator) Validate(data []byte) error {
	if v == nil || v.schema == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}
