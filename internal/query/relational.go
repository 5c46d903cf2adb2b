// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package query

import (
	"fmt"
	"strconv"
	"strings"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/catalog"
	medcperrors "medcp/cli/internal/errors"

	"github.com/jackc/pgx/v5"
)

// RelationalBuilder builds PostgreSQL queries against the OMOP clinical schema.
type RelationalBuilder struct {
	// Schema is the optional schema the clinical tables live in.
	Schema string
}

func (RelationalBuilder) Kind() backend.Kind { return backend.Relational }

// Build rewrites $name placeholders to positional $1..$n in order of first
// appearance. A name used twice reuses its position.
func (b RelationalBuilder) Build(v *catalog.Validated) (*BoundQuery, error) {
	if err := checkBackend(v, backend.Relational); err != nil {
		return nil, err
	}
	t := v.Template

	positions := make(map[string]int)
	var args []any
	var buildErr error

	text := reValue.ReplaceAllStringFunc(t.Query, func(match string) string {
		name := match[1:]
		if pos, ok := positions[name]; ok {
			return "$" + strconv.Itoa(pos)
		}

		val, ok := reserved(name, v)
		switch {
		case ok:
		case name == catalog.ParamSchema:
			val = b.schemaValue()
		default:
			val, ok = v.Values[name]
			if !ok && buildErr == nil {
				buildErr = medcperrors.New(medcperrors.Internal, fmt.Sprintf("template %s: $%s has no validated value", t.Name, name))
			}
			if p, declared := t.Param(name); declared && p.EscapeLike {
				if s, isString := val.(string); isString {
					val = escapeLike(s)
				}
			}
		}

		args = append(args, val)
		positions[name] = len(args)
		return "$" + strconv.Itoa(len(args))
	})
	if buildErr != nil {
		return nil, buildErr
	}

	text = reStructural.ReplaceAllStringFunc(text, func(match string) string {
		name := reStructural.FindStringSubmatch(match)[1]
		if name == catalog.ParamSchema {
			return b.schemaPrefix()
		}
		if buildErr == nil {
			buildErr = medcperrors.New(medcperrors.Internal, fmt.Sprintf("template %s: {{%s}} is not supported by the relational builder", t.Name, name))
		}
		return match
	})
	if buildErr != nil {
		return nil, buildErr
	}

	return &BoundQuery{
		Template: t,
		Backend:  backend.Relational,
		Text:     text,
		Args:     args,
		Limit:    v.Limit,
		Offset:   v.Offset,
	}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match itself under LIKE ... ESCAPE '\'.
func escapeLike(s string) string { return likeEscaper.Replace(s) }

// schemaPrefix returns the sanitised "schema". prefix or "" when unset.
func (b RelationalBuilder) schemaPrefix() string {
	s := strings.TrimSpace(b.Schema)
	if s == "" {
		return ""
	}
	return pgx.Identifier{s}.Sanitize() + "."
}

func (b RelationalBuilder) schemaValue() any {
	s := strings.TrimSpace(b.Schema)
	if s == "" {
		return nil
	}
	return s
}
