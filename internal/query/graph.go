// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package query

import (
	"fmt"
	"strings"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/catalog"
	medcperrors "medcp/cli/internal/errors"
)

// GraphBuilder builds Cypher queries. $name placeholders are already native
// Cypher parameters; only {{label}}-style identifiers are rendered.
type GraphBuilder struct{}

func (GraphBuilder) Kind() backend.Kind { return backend.Graph }

func (GraphBuilder) Build(v *catalog.Validated) (*BoundQuery, error) {
	if err := checkBackend(v, backend.Graph); err != nil {
		return nil, err
	}
	t := v.Template

	params := make(map[string]any)
	for _, m := range reValue.FindAllStringSubmatch(t.Query, -1) {
		name := m[1]
		if _, done := params[name]; done {
			continue
		}
		if val, ok := reserved(name, v); ok {
			params[name] = val
			continue
		}
		val, ok := v.Values[name]
		if !ok {
			return nil, medcperrors.New(medcperrors.Internal, fmt.Sprintf("template %s: $%s has no validated value", t.Name, name))
		}
		params[name] = val
	}

	var buildErr error
	text := reStructural.ReplaceAllStringFunc(t.Query, func(match string) string {
		name := reStructural.FindStringSubmatch(match)[1]
		items, err := identifierValue(t, name, v.Values[name])
		if err != nil {
			if buildErr == nil {
				buildErr = err
			}
			return match
		}
		quoted := make([]string, len(items))
		for i, item := range items {
			quoted[i] = quoteCypher(item)
		}
		return strings.Join(quoted, "|")
	})
	if buildErr != nil {
		return nil, buildErr
	}

	return &BoundQuery{
		Template: t,
		Backend:  backend.Graph,
		Text:     text,
		Params:   params,
		Limit:    v.Limit,
		Offset:   v.Offset,
	}, nil
}

// quoteCypher backtick-quotes a label or relationship type.
func quoteCypher(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
