package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema returns the JSON schema of the configuration file.
func JSONSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "certrotor configuration"
	return json.MarshalIndent(schema, "", "  ")
}
