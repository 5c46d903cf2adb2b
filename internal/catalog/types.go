// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package catalog holds the fixed set of query templates the engine may run.
// Templates are declared in the embedded templates.yaml, decoded strictly and
// validated once at startup; the resulting Catalog is immutable.
package catalog

import (
	"medcp/cli/internal/backend"
)

// ParamType is the declared type of a template parameter.
type ParamType string

const (
	TypeString         ParamType = "string"
	TypeInt            ParamType = "int"
	TypeNumber         ParamType = "number"
	TypeBool           ParamType = "bool"
	TypeDate           ParamType = "date"
	TypeEnum           ParamType = "enum"
	TypeStringList     ParamType = "string_list"
	TypeIdentifierList ParamType = "identifier_list"
	TypeIdentifier     ParamType = "identifier"
)

// Structural reports whether values of this type are rendered into query text
// (from the allowlist) instead of being bound.
func (t ParamType) Structural() bool {
	return t == TypeIdentifier || t == TypeIdentifierList
}

// Param declares one template parameter and its validation rule.
type Param struct {
	Name        string    `yaml:"name"`
	Type        ParamType `yaml:"type"`
	Description string    `yaml:"description"`
	Required    bool      `yaml:"required"`
	Default     any       `yaml:"default"`

	// string and string_list items
	MinLength int  `yaml:"min_length"`
	MaxLength int  `yaml:"max_length"`
	Lowercase bool `yaml:"lowercase"`

	// EscapeLike marks a string matched literally inside a LIKE pattern.
	// The relational builder escapes \, % and _ before binding it; the
	// query must declare ESCAPE '\'.
	EscapeLike bool `yaml:"escape_like"`

	// int and number
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`

	// lists
	MinItems int `yaml:"min_items"`
	MaxItems int `yaml:"max_items"`

	// enum members, or the allowlist of identifier types
	Values []string `yaml:"values"`
}

// Template is a parameterized query shape bound to exactly one tool.
type Template struct {
	Name        string       `yaml:"name"`
	Title       string       `yaml:"title"`
	Description string       `yaml:"description"`
	Backend     backend.Kind `yaml:"backend"`
	Params      []Param      `yaml:"params"`
	Query       string       `yaml:"query"`

	// Ceiling is the maximum number of rows one call may return.
	Ceiling int `yaml:"ceiling"`
	// Paginated templates accept limit and offset from the caller.
	Paginated bool `yaml:"paginated"`
	// Fields are the output field names in order. They match the column
	// aliases of the query.
	Fields []string `yaml:"fields"`
}

// Reserved bound values every builder supplies itself.
const (
	ParamLimit  = "limit"
	ParamOffset = "offset"
	// ParamSchema is the configured relational schema name (or NULL).
	ParamSchema = "schema"
)

// MaxOffset bounds pagination offsets.
const MaxOffset = 100000

// EffectiveCeiling applies a global row cap; maxRows <= 0 keeps the template's ceiling.
func (t *Template) EffectiveCeiling(maxRows int) int {
	if maxRows > 0 && maxRows < t.Ceiling {
		return maxRows
	}
	return t.Ceiling
}

// Param returns the declared parameter by name.
func (t *Template) Param(name string) (Param, bool) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Validated is the output of Bind: every declared parameter coerced to its
// Go type (nil for absent optional parameters) plus the page window.
type Validated struct {
	Template *Template
	Values   map[string]any
	Limit    int
	Offset   int
}
