// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package normalize converts backend-native result sets into the uniform
// document returned to tool callers: ordered rows of named fields whose values
// are one of a small set of kinds, plus pagination metadata.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"medcp/cli/internal/backend"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/query"
)

// Field is one named value of a row.
type Field struct {
	Name  string
	Value any
}

// Row is an ordered list of fields. It marshals to a JSON object whose keys
// keep the template's field order.
type Row []Field

// Get returns the value of the named field.
func (r Row) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Result is the normalized result of one invocation. It is never modified
// after Normalize returns.
type Result struct {
	Tool    string       `json:"tool"`
	Backend backend.Kind `json:"backend"`
	Fields  []string     `json:"fields"`
	Rows    []Row        `json:"rows"`

	RowCount int `json:"rowCount"`
	// TotalCount is only set when the backend returned the last page.
	TotalCount *int `json:"totalCount,omitempty"`
	Truncated  bool `json:"truncated"`

	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset *int `json:"nextOffset,omitempty"`

	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latencyMs"`
}

// Normalize maps raw rows onto the template's output fields. Rows past the
// requested limit are dropped and flag the result as truncated.
func Normalize(raw *backend.RawResult, q *query.BoundQuery, latency time.Duration) (*Result, error) {
	if raw == nil || q == nil || q.Template == nil {
		return nil, medcperrors.New(medcperrors.Internal, "nothing to normalize")
	}
	t := q.Template

	index := make(map[string]int, len(raw.Columns))
	for i, c := range raw.Columns {
		index[c] = i
	}
	cols := make([]int, len(t.Fields))
	for i, f := range t.Fields {
		pos, ok := index[f]
		if !ok {
			return nil, medcperrors.New(medcperrors.Internal, fmt.Sprintf("template %s: result has no column %q", t.Name, f))
		}
		cols[i] = pos
	}

	limit := q.Limit
	if limit <= 0 || limit > t.Ceiling {
		limit = t.Ceiling
	}

	rows := raw.Rows
	truncated := len(rows) > limit
	if truncated {
		rows = rows[:limit]
	}

	res := &Result{
		Tool:      t.Name,
		Backend:   t.Backend,
		Fields:    append([]string(nil), t.Fields...),
		Rows:      make([]Row, 0, len(rows)),
		Truncated: truncated,
		Limit:     limit,
		Offset:    q.Offset,
		Latency:   latency,
		LatencyMS: latency.Milliseconds(),
	}

	for _, values := range rows {
		row := make(Row, len(t.Fields))
		for i, f := range t.Fields {
			var v any
			if cols[i] < len(values) {
				v = Value(values[cols[i]])
			}
			row[i] = Field{Name: f, Value: v}
		}
		res.Rows = append(res.Rows, row)
	}
	res.RowCount = len(res.Rows)

	if truncated {
		next := q.Offset + limit
		res.NextOffset = &next
	} else if q.Offset == 0 || res.RowCount > 0 {
		// an empty page past the end says nothing about the total
		total := q.Offset + res.RowCount
		res.TotalCount = &total
	}
	return res, nil
}
