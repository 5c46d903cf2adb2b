// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	medcperrors "medcp/cli/internal/errors"
)

// DateLayout is the only accepted date format.
const DateLayout = "2006-01-02"

// violation is a rule failure for one parameter value.
type violation struct {
	reason string
}

func violated(format string, args ...any) *violation {
	return &violation{reason: fmt.Sprintf(format, args...)}
}

// Bind validates params against the template, fail-fast in declaration order,
// and returns the coerced values. Parameters the template does not declare are
// ignored. maxRows is the global row cap (0 for none).
func (t *Template) Bind(params map[string]any, maxRows int) (*Validated, error) {
	out := &Validated{
		Template: t,
		Values:   make(map[string]any, len(t.Params)),
	}

	for _, p := range t.Params {
		raw, present := params[p.Name]
		if !present || raw == nil {
			switch {
			case p.Default != nil:
				raw = p.Default
			case p.Type == TypeIdentifierList:
				raw = anySlice(p.Values)
			case p.Required:
				return nil, medcperrors.NewInvalidParameter(p.Name, "is required")
			default:
				out.Values[p.Name] = nil
				continue
			}
		}

		v, bad := coerce(p, raw)
		if bad != nil {
			return nil, medcperrors.NewInvalidParameter(p.Name, bad.reason)
		}
		out.Values[p.Name] = v
	}

	ceiling := t.EffectiveCeiling(maxRows)
	out.Limit = ceiling
	if t.Paginated {
		limit, err := pageValue(params, ParamLimit, ceiling, 1, ceiling)
		if err != nil {
			return nil, err
		}
		offset, err := pageValue(params, ParamOffset, 0, 0, MaxOffset)
		if err != nil {
			return nil, err
		}
		out.Limit, out.Offset = limit, offset
	}
	return out, nil
}

func pageValue(params map[string]any, name string, def, lo, hi int) (int, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return def, nil
	}
	lof, hif := float64(lo), float64(hi)
	v, bad := coerce(Param{Name: name, Type: TypeInt, Min: &lof, Max: &hif}, raw)
	if bad != nil {
		return 0, medcperrors.NewInvalidParameter(name, bad.reason)
	}
	return int(v.(int64)), nil
}

// coerce converts a JSON-native value to the parameter's Go type and checks its rule.
func coerce(p Param, raw any) (any, *violation) {
	switch p.Type {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, violated("must be a string")
		}
		return checkString(p, s)

	case TypeInt:
		n, bad := toInt(raw)
		if bad != nil {
			return nil, bad
		}
		if bad := checkRange(p, float64(n)); bad != nil {
			return nil, bad
		}
		return n, nil

	case TypeNumber:
		f, bad := toFloat(raw)
		if bad != nil {
			return nil, bad
		}
		if bad := checkRange(p, f); bad != nil {
			return nil, bad
		}
		return f, nil

	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, violated("must be true or false")
			}
			return b, nil
		}
		return nil, violated("must be true or false")

	case TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC().Truncate(24 * time.Hour), nil
		case string:
			d, err := time.Parse(DateLayout, strings.TrimSpace(v))
			if err != nil {
				return nil, violated("must be a date in YYYY-MM-DD format")
			}
			return d, nil
		}
		return nil, violated("must be a date in YYYY-MM-DD format")

	case TypeEnum, TypeIdentifier:
		s, ok := raw.(string)
		if !ok {
			return nil, violated("must be one of %s", strings.Join(p.Values, ", "))
		}
		canonical, found := member(p.Values, s)
		if !found {
			return nil, violated("must be one of %s", strings.Join(p.Values, ", "))
		}
		return canonical, nil

	case TypeStringList, TypeIdentifierList:
		items, bad := toStrings(raw)
		if bad != nil {
			return nil, bad
		}
		out := make([]string, 0, len(items))
		seen := make(map[string]bool, len(items))
		for i, item := range items {
			var v string
			if p.Type == TypeIdentifierList {
				canonical, found := member(p.Values, item)
				if !found {
					return nil, violated("item %d must be one of %s", i, strings.Join(p.Values, ", "))
				}
				v = canonical
			} else {
				s, bad := checkString(Param{MinLength: max(p.MinLength, 1), MaxLength: p.MaxLength, Lowercase: p.Lowercase}, item)
				if bad != nil {
					return nil, violated("item %d %s", i, bad.reason)
				}
				v = s.(string)
			}
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
		if p.Type == TypeIdentifierList && len(out) == 0 {
			return nil, violated("must contain at least 1 item")
		}
		if p.MinItems > 0 && len(out) < p.MinItems {
			return nil, violated("must contain at least %d distinct items", p.MinItems)
		}
		if p.MaxItems > 0 && len(out) > p.MaxItems {
			return nil, violated("must contain at most %d items", p.MaxItems)
		}
		return out, nil
	}

	return nil, violated("has unsupported type %q", p.Type)
}

func checkString(p Param, s string) (any, *violation) {
	s = strings.TrimSpace(s)
	if !utf8.ValidString(s) {
		return nil, violated("must be valid UTF-8")
	}
	n := utf8.RuneCountInString(s)
	if p.MinLength > 0 && n < p.MinLength {
		if p.MinLength == 1 {
			return nil, violated("must not be empty")
		}
		return nil, violated("must be at least %d characters", p.MinLength)
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		return nil, violated("must be at most %d characters", p.MaxLength)
	}
	if strings.ContainsRune(s, 0) {
		return nil, violated("must not contain NUL characters")
	}
	if p.Lowercase {
		s = strings.ToLower(s)
	}
	return s, nil
}

func checkRange(p Param, f float64) *violation {
	if p.Min != nil && f < *p.Min {
		return violated("must be at least %s", formatBound(*p.Min))
	}
	if p.Max != nil && f > *p.Max {
		return violated("must be at most %s", formatBound(*p.Max))
	}
	return nil
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toInt(raw any) (int64, *violation) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) || math.Abs(v) > 1<<53 {
			return 0, violated("must be an integer")
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, violated("must be an integer")
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, violated("must be an integer")
		}
		return n, nil
	}
	return 0, violated("must be an integer")
}

func toFloat(raw any) (float64, *violation) {
	switch v := raw.(type) {
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, violated("must be a finite number")
		}
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, violated("must be a number")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, violated("must be a number")
		}
		return f, nil
	}
	return 0, violated("must be a number")
}

func toStrings(raw any) ([]string, *violation) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, violated("item %d must be a string", i)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, violated("must be a list of strings")
}

// member matches s case-insensitively against values and returns the canonical spelling.
func member(values []string, s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return v, true
		}
	}
	return "", false
}

func anySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
