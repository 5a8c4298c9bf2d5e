package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// documentSchema checks the shape of the file. Ledger sections are only type
// checked here; LedgerConfig.Validate reports their semantic problems.
const documentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"datastore": {
			"type": "object",
			"properties": {
				"type": {"type": "string", "enum": ["badgerds", "memory"]},
				"path": {"type": "string"}
			}
		},
		"metrics": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"prometheusEndpoint": {"type": "string"},
				"reportInterval": {"type": "string"}
			}
		},
		"ledgers": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["id", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"kind": {"type": "string"},
					"realm": {"type": "string"},
					"currency": {"type": "string"},
					"assetScale": {"type": "integer"},
					"endpoint": {"type": "string"},
					"contractAddress": {"type": "string"},
					"chainId": {"type": "integer", "minimum": 0},
					"denom": {"type": "string"},
					"addressPrefix": {"type": "string"},
					"keyName": {"type": "string"},
					"executeTimeout": {"type": "string"},
					"startupRetries": {"type": "integer"},
					"settlement": {"type": ["object", "null"]},
					"fees": {"type": ["object", "null"]}
				}
			}
		}
	}
}`

// validateDocument checks a raw config document against documentSchema.
func validateDocument(doc []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(documentSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return errors.Wrap(err, "failed to validate config")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
