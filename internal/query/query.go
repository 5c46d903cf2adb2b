// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package query turns validated template parameters into backend-native query
// text plus bound values. Query text is always the template skeleton; caller
// values only ever travel as driver parameters. The one exception is the
// allowlisted identifiers (labels, relationship types), which are checked
// against the template's allowlist again and quoted before rendering.
package query

import (
	"fmt"
	"regexp"
	"time"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/catalog"
	medcperrors "medcp/cli/internal/errors"
)

var (
	reValue      = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reStructural = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)
)

// BoundQuery is a template instantiated with validated values.
type BoundQuery struct {
	Template *catalog.Template
	Backend  backend.Kind
	Text     string

	// Params holds named graph parameters.
	Params map[string]any
	// Args holds positional relational arguments ($1..$n).
	Args []any

	// Limit is the number of rows the caller asked for; the query itself
	// requests Limit+1 to detect truncation.
	Limit  int
	Offset int
}

// Statement converts q into a driver statement with the given server-side timeout.
func (q *BoundQuery) Statement(timeout time.Duration) backend.Statement {
	return backend.Statement{Text: q.Text, Params: q.Params, Args: q.Args, Timeout: timeout}
}

// Builder builds queries for one backend kind.
type Builder interface {
	Kind() backend.Kind
	Build(v *catalog.Validated) (*BoundQuery, error)
}

// NewBuilders returns one builder per backend kind. schema is the optional
// relational schema prefix.
func NewBuilders(schema string) map[backend.Kind]Builder {
	return map[backend.Kind]Builder{
		backend.Graph:      GraphBuilder{},
		backend.Relational: RelationalBuilder{Schema: schema},
	}
}

// probe returns the row count requested from the backend for a caller limit.
func probe(limit int) int64 { return int64(limit) + 1 }

// reserved returns the builder-supplied value for a reserved placeholder.
func reserved(name string, v *catalog.Validated) (any, bool) {
	switch name {
	case catalog.ParamLimit:
		return probe(v.Limit), true
	case catalog.ParamOffset:
		return int64(v.Offset), true
	}
	return nil, false
}

// identifierValue re-checks an identifier against its allowlist.
func identifierValue(t *catalog.Template, name string, value any) ([]string, error) {
	p, ok := t.Param(name)
	if !ok || !p.Type.Structural() {
		return nil, medcperrors.New(medcperrors.Internal, fmt.Sprintf("template %s: {{%s}} is not an identifier parameter", t.Name, name))
	}

	var items []string
	switch v := value.(type) {
	case string:
		items = []string{v}
	case []string:
		items = v
	default:
		return nil, medcperrors.New(medcperrors.Internal, fmt.Sprintf("template %s: {{%s}} has no validated value", t.Name, name))
	}
	if len(items) == 0 {
		return nil, medcperrors.NewInvalidParameter(name, "must contain at least 1 item")
	}

	allowed := make(map[string]bool, len(p.Values))
	for _, a := range p.Values {
		allowed[a] = true
	}
	for _, item := range items {
		if !allowed[item] {
			return nil, medcperrors.NewInvalidParameter(name, fmt.Sprintf("%q is not allowed", item))
		}
	}
	return items, nil
}

func checkBackend(v *catalog.Validated, want backend.Kind) error {
	if v == nil || v.Template == nil {
		return medcperrors.New(medcperrors.Internal, "nothing to build")
	}
	if v.Template.Backend != want {
		return medcperrors.New(medcperrors.Internal,
			fmt.Sprintf("template %s targets %s, not %s", v.Template.Name, v.Template.Backend, want))
	}
	return nil
}
