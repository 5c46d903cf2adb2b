// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package mcpserver

import (
	"encoding/json"
	"fmt"

	"medcp/cli/internal/catalog"

	"github.com/google/jsonschema-go/jsonschema"
)

// InputSchema describes the arguments of t as a JSON Schema object.
// maxRows is the global row cap applied to the limit bound.
func InputSchema(t *catalog.Template, maxRows int) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(t.Params)+2),
	}
	for _, p := range t.Params {
		s.Properties[p.Name] = paramSchema(p)
		if p.Required && p.Default == nil {
			s.Required = append(s.Required, p.Name)
		}
	}

	if t.Paginated {
		ceiling := t.EffectiveCeiling(maxRows)
		s.Properties[catalog.ParamLimit] = &jsonschema.Schema{
			Type:        "integer",
			Description: fmt.Sprintf("Maximum number of rows to return (1-%d, default %d).", ceiling, ceiling),
			Minimum:     ptr(1.0),
			Maximum:     ptr(float64(ceiling)),
		}
		s.Properties[catalog.ParamOffset] = &jsonschema.Schema{
			Type:        "integer",
			Description: "Number of rows to skip, for paging through results.",
			Minimum:     ptr(0.0),
			Maximum:     ptr(float64(catalog.MaxOffset)),
		}
	}
	return s
}

func paramSchema(p catalog.Param) *jsonschema.Schema {
	s := &jsonschema.Schema{Description: p.Description}

	switch p.Type {
	case catalog.TypeString:
		s.Type = "string"
		s.MinLength = positive(p.MinLength)
		s.MaxLength = positive(p.MaxLength)
	case catalog.TypeInt:
		s.Type = "integer"
		s.Minimum, s.Maximum = p.Min, p.Max
	case catalog.TypeNumber:
		s.Type = "number"
		s.Minimum, s.Maximum = p.Min, p.Max
	case catalog.TypeBool:
		s.Type = "boolean"
	case catalog.TypeDate:
		s.Type = "string"
		s.Format = "date"
		s.Pattern = `^\d{4}-\d{2}-\d{2}$`
	case catalog.TypeEnum, catalog.TypeIdentifier:
		s.Type = "string"
		s.Enum = enum(p.Values)
	case catalog.TypeStringList:
		s.Type = "array"
		s.Items = &jsonschema.Schema{Type: "string", MaxLength: positive(p.MaxLength)}
		s.MinItems = positive(p.MinItems)
		s.MaxItems = positive(p.MaxItems)
	case catalog.TypeIdentifierList:
		s.Type = "array"
		s.Items = &jsonschema.Schema{Type: "string", Enum: enum(p.Values)}
		s.MinItems = ptr(1)
		s.UniqueItems = true
	}

	if p.Default != nil {
		if b, err := json.Marshal(p.Default); err == nil {
			s.Default = b
		}
	}
	return s
}

func enum(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func positive(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}

func ptr[T any](v T) *T { return &v }
