// Package notification holds the daemon's API description.
package notification

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/ghodss/yaml"
)

//go:embed openapi.yaml
var OpenAPIYAML []byte

// LoadSpec parses and validates the embedded API description.
func LoadSpec(ctx context.Context) (*openapi3.T, error) {
	doc, err := openapi3.NewLoader().LoadFromData(OpenAPIYAML)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	return doc, nil
}

// OpenAPIJSON returns the API description as JSON.
func OpenAPIJSON() ([]byte, error) {
	return yaml.YAMLToJSON(OpenAPIYAML)
}
