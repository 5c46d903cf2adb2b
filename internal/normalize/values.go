// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package normalize

import (
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// ValueKind is the normalized kind of a field value.
type ValueKind string

const (
	KindString  ValueKind = "string"
	KindNumber  ValueKind = "number"
	KindBoolean ValueKind = "boolean"
	KindDate    ValueKind = "date"
	KindNull    ValueKind = "null"
	KindNested  ValueKind = "nested"
)

const dateOnly = "2006-01-02"

// Date is a normalized date or timestamp. It marshals as a JSON string.
type Date string

// KindOf reports the kind of a normalized value.
func KindOf(v any) ValueKind {
	switch v.(type) {
	case nil:
		return KindNull
	case string:
		return KindString
	case Date:
		return KindDate
	case bool:
		return KindBoolean
	case int64, float64:
		return KindNumber
	case map[string]any, []any:
		return KindNested
	}
	return KindString
}

// Value converts a driver-native value into a normalized one.
func Value(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case bool:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return finite(float64(x))
	case float64:
		return finite(x)

	case time.Time:
		return dateValue(x)
	case pgtype.Numeric:
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return finite(f.Float64)
	case pgtype.Date:
		if !x.Valid {
			return nil
		}
		if x.InfinityModifier != pgtype.Finite {
			return x.InfinityModifier.String()
		}
		return dateValue(x.Time)
	case [16]byte:
		return uuid.UUID(x).String()
	case []byte:
		return `\x` + hex.EncodeToString(x)

	case dbtype.Node:
		return node(x)
	case dbtype.Relationship:
		return relationship(x)
	case dbtype.Path:
		nodes := make([]any, len(x.Nodes))
		for i, n := range x.Nodes {
			nodes[i] = node(n)
		}
		rels := make([]any, len(x.Relationships))
		for i, r := range x.Relationships {
			rels[i] = relationship(r)
		}
		return map[string]any{"nodes": nodes, "relationships": rels}
	case dbtype.Date:
		return Date(x.Time().Format(dateOnly))
	case dbtype.LocalDateTime:
		return Date(x.Time().Format("2006-01-02T15:04:05.999999999"))
	case dbtype.LocalTime:
		return x.Time().Format("15:04:05.999999999")
	case dbtype.Time:
		return x.Time().Format("15:04:05.999999999Z07:00")
	case dbtype.Duration:
		return x.String()
	case dbtype.Point2D:
		return map[string]any{"srid": int64(x.SpatialRefId), "x": x.X, "y": x.Y}
	case dbtype.Point3D:
		return map[string]any{"srid": int64(x.SpatialRefId), "x": x.X, "y": x.Y, "z": x.Z}

	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Value(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Value(val)
		}
		return out
	case fmt.Stringer:
		return x.String()
	}

	return reflected(v)
}

// reflected handles typed slices and maps such as []string or map[string]int64.
func reflected(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Value(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Value(iter.Value().Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Value(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

// dateValue renders midnight UTC as a plain date and anything else as RFC 3339.
func dateValue(t time.Time) Date {
	u := t.UTC()
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
		return Date(u.Format(dateOnly))
	}
	return Date(t.Format(time.RFC3339Nano))
}

// finite maps NaN and infinities, which JSON cannot carry, to strings.
func finite(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

func node(n dbtype.Node) map[string]any {
	labels := make([]any, len(n.Labels))
	for i, l := range n.Labels {
		labels[i] = l
	}
	return map[string]any{
		"elementId":  n.ElementId,
		"labels":     labels,
		"properties": Value(n.Props),
	}
}

func relationship(r dbtype.Relationship) map[string]any {
	return map[string]any{
		"elementId":      r.ElementId,
		"type":           r.Type,
		"startElementId": r.StartElementId,
		"endElementId":   r.EndElementId,
		"properties":     Value(r.Props),
	}
}
