package catalog

import (
	"testing"
	"time"

	"medcp/cli/internal/backend"
	medcperrors "medcp/cli/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_LoadsEveryTool(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	want := map[string]backend.Kind{
		"query_knowledge_graph":      backend.Graph,
		"check_drug_interactions":    backend.Graph,
		"find_treatments":            backend.Graph,
		"get_knowledge_graph_schema": backend.Graph,
		"query_clinical_records":     backend.Relational,
		"get_patient_measurements":   backend.Relational,
		"get_drug_exposures":         backend.Relational,
		"list_clinical_tables":       backend.Relational,
	}
	assert.Len(t, c.Templates(), len(want))
	for name, kind := range want {
		tmpl, ok := c.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, kind, tmpl.Backend, name)
	}

	tmpl, _ := c.Lookup("query_clinical_records")
	assert.Equal(t, 500, tmpl.Ceiling)
	assert.Equal(t, []string{"personId", "condition", "recordDate", "endDate", "yearOfBirth", "gender"}, tmpl.Fields)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
templates:
  - name: t
    backend: graph
    ceiling: 1
    fields: [x]
    query: RETURN 1 AS x
    cache: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache")
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "undeclared placeholder",
			doc: `
templates:
  - name: t
    backend: graph
    ceiling: 10
    fields: [x]
    query: MATCH (n) WHERE n.name = $name RETURN n.name AS x`,
			want: "$name is not declared",
		},
		{
			name: "unused parameter",
			doc: `
templates:
  - name: t
    backend: graph
    ceiling: 10
    fields: [x]
    params:
      - {name: drug, type: string}
    query: RETURN 1 AS x`,
			want: `"drug" is never used`,
		},
		{
			name: "string rendered into text",
			doc: `
templates:
  - name: t
    backend: graph
    ceiling: 10
    fields: [x]
    params:
      - {name: label, type: string}
    query: MATCH (n:{{label}}) RETURN n AS x`,
			want: "cannot be rendered",
		},
		{
			name: "bad allowlist entry",
			doc: `
templates:
  - name: t
    backend: graph
    ceiling: 10
    fields: [x]
    params:
      - {name: label, type: identifier, values: ["Drug) DETACH DELETE (n"]}
    query: MATCH (n:{{label}}) RETURN n AS x`,
			want: "not a plain identifier",
		},
		{
			name: "zero ceiling and unknown backend",
			doc: `
templates:
  - name: t
    backend: document
    ceiling: 0
    fields: [x]
    query: RETURN 1 AS x`,
			want: "ceiling must be positive",
		},
		{
			name: "paginated without offset",
			doc: `
templates:
  - name: t
    backend: relational
    ceiling: 10
    paginated: true
    fields: [x]
    query: SELECT 1 AS x LIMIT $limit`,
			want: "must use $limit and $offset",
		},
		{
			name: "duplicate field",
			doc: `
templates:
  - name: t
    backend: relational
    ceiling: 10
    fields: [x, x]
    query: SELECT 1 AS x`,
			want: "duplicated",
		},
		{
			name: "escape_like on a graph template",
			doc: `
templates:
  - name: t
    backend: graph
    ceiling: 10
    fields: [x]
    params:
      - {name: drug, type: string, escape_like: true}
    query: MATCH (n) WHERE n.name CONTAINS $drug RETURN n.name AS x`,
			want: "only supported by relational templates",
		},
		{
			name: "escape_like on a non-string",
			doc: `
templates:
  - name: t
    backend: relational
    ceiling: 10
    fields: [x]
    params:
      - {name: id, type: int, escape_like: true}
    query: SELECT $id AS x`,
			want: "escape_like needs a string parameter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func lookup(t *testing.T, name string) *Template {
	t.Helper()
	c, err := Default()
	require.NoError(t, err)
	tmpl, ok := c.Lookup(name)
	require.True(t, ok)
	return tmpl
}

func TestBind_ClinicalRecords(t *testing.T) {
	tmpl := lookup(t, "query_clinical_records")

	v, err := tmpl.Bind(map[string]any{
		"condition": "  diabetes ",
		"since":     "2024-01-01",
		"ignored":   "'; DROP TABLE person; --",
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, "diabetes", v.Values["condition"])
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), v.Values["since"])
	assert.Nil(t, v.Values["until"])
	assert.NotContains(t, v.Values, "ignored")
	assert.Equal(t, 500, v.Limit)
	assert.Equal(t, 0, v.Offset)
}

func TestBind_Defaults(t *testing.T) {
	tmpl := lookup(t, "query_knowledge_graph")

	v, err := tmpl.Bind(map[string]any{"entity": "metformin", "entity_type": "disease", "limit": float64(20), "offset": "40"}, 0)
	require.NoError(t, err)

	assert.Equal(t, "Disease", v.Values["entity_type"])
	assert.Len(t, v.Values["relationship_types"], 7)
	assert.Equal(t, 20, v.Limit)
	assert.Equal(t, 40, v.Offset)

	v, err = tmpl.Bind(map[string]any{"entity": "metformin"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Drug", v.Values["entity_type"])
}

func TestBind_GlobalRowCap(t *testing.T) {
	tmpl := lookup(t, "get_drug_exposures")

	v, err := tmpl.Bind(map[string]any{"person_id": 7}, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, v.Limit)

	_, err = tmpl.Bind(map[string]any{"person_id": 7, "limit": 51}, 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit: must be at most 50")
}

func TestBind_DrugListNormalised(t *testing.T) {
	tmpl := lookup(t, "check_drug_interactions")

	v, err := tmpl.Bind(map[string]any{"drugs": []any{"Metformin", "lisinopril", "METFORMIN", "Atorvastatin"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"metformin", "lisinopril", "atorvastatin"}, v.Values["drugs"])
}

func TestBind_Violations(t *testing.T) {
	tests := []struct {
		tool       string
		params     map[string]any
		wantField  string
		wantReason string
	}{
		{"query_clinical_records", map[string]any{}, "condition", "is required"},
		{"query_clinical_records", map[string]any{"condition": "   "}, "condition", "must not be empty"},
		{"query_clinical_records", map[string]any{"condition": 42}, "condition", "must be a string"},
		{"query_clinical_records", map[string]any{"condition": "flu", "since": "01/02/2024"}, "since", "must be a date in YYYY-MM-DD format"},
		// fail-fast: condition is checked before since
		{"query_clinical_records", map[string]any{"condition": 1, "since": "bad"}, "condition", "must be a string"},
		{"query_clinical_records", map[string]any{"condition": "flu", "offset": -1}, "offset", "must be at least 0"},
		{"query_clinical_records", map[string]any{"condition": "flu", "limit": 0}, "limit", "must be at least 1"},
		{"query_clinical_records", map[string]any{"condition": "flu", "limit": 2.5}, "limit", "must be an integer"},
		{"get_patient_measurements", map[string]any{"person_id": "abc"}, "person_id", "must be an integer"},
		{"get_patient_measurements", map[string]any{"person_id": 0}, "person_id", "must be at least 1"},
		{"check_drug_interactions", map[string]any{"drugs": []any{"metformin"}}, "drugs", "at least 2 distinct items"},
		{"check_drug_interactions", map[string]any{"drugs": []any{"metformin", "METFORMIN"}}, "drugs", "at least 2 distinct items"},
		{"check_drug_interactions", map[string]any{"drugs": []any{"a", 3}}, "drugs", "item 1 must be a string"},
		{"check_drug_interactions", map[string]any{"drugs": "metformin,lisinopril"}, "drugs", "must be a list of strings"},
		{"query_knowledge_graph", map[string]any{"entity": "x", "entity_type": "Drug) DETACH DELETE (n"}, "entity_type", "must be one of"},
		{"query_knowledge_graph", map[string]any{"entity": "x", "relationship_types": []any{"TREATS", "OWNS"}}, "relationship_types", "item 1 must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.tool+"/"+tt.wantField+"/"+tt.wantReason, func(t *testing.T) {
			_, err := lookup(t, tt.tool).Bind(tt.params, 0)
			require.Error(t, err)

			e, ok := medcperrors.As(err)
			require.True(t, ok)
			assert.Equal(t, medcperrors.InvalidParameter, e.Kind)
			assert.Equal(t, tt.wantField, e.Field)
			assert.Contains(t, e.Reason, tt.wantReason)
		})
	}
}

func TestEffectiveCeiling(t *testing.T) {
	tmpl := &Template{Ceiling: 200}
	assert.Equal(t, 200, tmpl.EffectiveCeiling(0))
	assert.Equal(t, 50, tmpl.EffectiveCeiling(50))
	assert.Equal(t, 200, tmpl.EffectiveCeiling(1000))
}
