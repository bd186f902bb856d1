package queue

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/xeipuuv/gojsonschema"
)

const payloadSchemaJSON = `{
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {"enum": ["text", "file"]},
    "text": {
      "type": "object",
      "required": ["text"],
      "properties": {
        "text": {"type": "string", "minLength": 1, "pattern": "\\S"},
        "metadata": {"type": "object"}
      }
    },
    "file": {
      "type": "object",
      "required": ["filePath", "fileType", "filename"],
      "properties": {
        "filePath": {"type": "string", "minLength": 1},
        "fileType": {"type": "string", "minLength": 1},
        "filename": {"type": "string", "minLength": 1},
        "metadata": {"type": "object"},
        "deleteAfterProcessing": {"type": "boolean"},
        "fileId": {"type": "string"},
        "claimId": {"type": "string"}
      }
    }
  },
  "oneOf": [
    {"properties": {"kind": {"const": "text"}}, "required": ["text"], "not": {"required": ["file"]}},
    {"properties": {"kind": {"const": "file"}}, "required": ["file"], "not": {"required": ["text"]}}
  ]
}`

var payloadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchemaJSON))
})

// ValidatePayload checks that a payload is a well formed text or file
// variant. Failures are validation errors and never retried.
func ValidatePayload(p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return ingesterr.Validation("validate payload", "payload is not serializable: %v", err)
	}

	schema, err := payloadSchema()
	if err != nil {
		return ingesterr.Validation("validate payload", "payload schema does not compile: %v", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return ingesterr.Validation("validate payload", "schema validation failed: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return ingesterr.Validation("validate payload", "invalid %s payload: %s", p.Kind, strings.Join(msgs, "; "))
	}
	return nil
}
