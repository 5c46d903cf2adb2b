package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/catalog"
	"medcp/cli/internal/engine"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/pool"
	"medcp/cli/internal/query"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type configured map[backend.Kind]bool

func (c configured) Configured(kind backend.Kind) bool { return c[kind] }

var both = configured{backend.Graph: true, backend.Relational: true}

// runnerFunc adapts a function to engine.Runner.
type runnerFunc func(ctx context.Context, q *query.BoundQuery) (*engine.Outcome, error)

func (f runnerFunc) Execute(ctx context.Context, q *query.BoundQuery) (*engine.Outcome, error) {
	return f(ctx, q)
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []*query.BoundQuery
	raw   func(q *query.BoundQuery) *backend.RawResult
	err   error
}

func (r *recordingRunner) Execute(_ context.Context, q *query.BoundQuery) (*engine.Outcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, q)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &engine.Outcome{Raw: r.raw(q), Latency: 4 * time.Millisecond, Attempts: 1}, nil
}

func clinicalRows(n int) func(*query.BoundQuery) *backend.RawResult {
	return func(*query.BoundQuery) *backend.RawResult {
		raw := &backend.RawResult{Columns: []string{"personId", "condition", "recordDate", "endDate", "yearOfBirth", "gender"}}
		for i := range n {
			raw.Rows = append(raw.Rows, []any{
				int64(1000 + i), "Type 2 diabetes mellitus",
				time.Date(2024, 5, 30-i%28, 0, 0, 0, 0, time.UTC), nil, int32(1961), "FEMALE",
			})
		}
		return raw
	}
}

func newDispatcher(t *testing.T, prefix string, runner engine.Runner, backends Backends, opts Options) *Dispatcher {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	builders := query.NewBuilders("cdm")
	reg, err := NewRegistry(cat, prefix, builders)
	require.NoError(t, err)
	return New(zerolog.Nop(), reg, builders, runner, backends, opts)
}

func TestInvoke_ClinicalRecords(t *testing.T) {
	runner := &recordingRunner{raw: clinicalRows(3)}
	d := newDispatcher(t, "", runner, both, Options{AllowTruncation: true})

	res, inv, err := d.InvokeTraced(context.Background(), ToolCall{
		Name:   "query_clinical_records",
		Params: map[string]any{"condition": "Type 2 Diabetes", "since": "2024-01-01", "limit": float64(10)},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []State{Received, Validated, Built, Executing, Completed}, inv.History)
	assert.Equal(t, backend.Relational, inv.Backend)
	assert.NotEmpty(t, inv.ID)

	assert.Equal(t, 3, res.RowCount)
	assert.False(t, res.Truncated)
	require.NotNil(t, res.TotalCount)
	assert.Equal(t, 3, *res.TotalCount)
	assert.Equal(t, []string{"personId", "condition", "recordDate", "endDate", "yearOfBirth", "gender"}, res.Fields)

	require.Len(t, runner.calls, 1)
	q := runner.calls[0]
	assert.Equal(t, 10, q.Limit)
	assert.Contains(t, q.Text, `"cdm".`)
	assert.Contains(t, q.Args, int64(11))
}

func TestInvoke_CheckDrugInteractions(t *testing.T) {
	interactions := [][]any{
		{"aspirin", "warfarin", "pharmacodynamic", "major"},
		{"fluconazole", "warfarin", "interaction", nil},
	}
	tests := []struct {
		name     string
		rows     [][]any
		wantJSON string
	}{
		{
			name: "pairs found",
			rows: interactions,
			wantJSON: `[{"drugA":"aspirin","drugB":"warfarin","interactionType":"pharmacodynamic","severity":"major"},` +
				`{"drugA":"fluconazole","drugB":"warfarin","interactionType":"interaction","severity":null}]`,
		},
		{name: "no interaction recorded", rows: nil, wantJSON: `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &recordingRunner{raw: func(*query.BoundQuery) *backend.RawResult {
				return &backend.RawResult{Columns: []string{"drugA", "drugB", "interactionType", "severity"}, Rows: tt.rows}
			}}
			d := newDispatcher(t, "", runner, both, Options{AllowTruncation: true})

			res, err := d.Invoke(context.Background(), ToolCall{
				Name:   "check_drug_interactions",
				Params: map[string]any{"drugs": []any{"Warfarin", "Aspirin", "Fluconazole"}},
			})
			require.NoError(t, err)

			assert.Equal(t, backend.Graph, res.Backend)
			assert.Equal(t, []string{"drugA", "drugB", "interactionType", "severity"}, res.Fields)
			assert.Equal(t, len(tt.rows), res.RowCount)
			assert.False(t, res.Truncated)
			require.NotNil(t, res.Rows)

			b, err := json.Marshal(res.Rows)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantJSON, string(b))

			require.Len(t, runner.calls, 1)
			q := runner.calls[0]
			assert.Equal(t, backend.Graph, q.Backend)
			assert.Equal(t, []string{"warfarin", "aspirin", "fluconazole"}, q.Params["drugs"])
		})
	}
}

func TestInvoke_UnknownTool(t *testing.T) {
	runner := &recordingRunner{}
	d := newDispatcher(t, "", runner, both, Options{})

	res, inv, err := d.InvokeTraced(context.Background(), ToolCall{Name: "drop_tables"})
	assert.Nil(t, res)
	assert.True(t, medcperrors.IsKind(err, medcperrors.UnknownTool))
	assert.Equal(t, Failed, inv.State)
	assert.Empty(t, runner.calls)
}

func TestInvoke_InvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		params map[string]any
		field  string
	}{
		{"missing condition", "query_clinical_records", map[string]any{}, "condition"},
		{"bad date", "query_clinical_records", map[string]any{"condition": "asthma", "since": "01/02/2024"}, "since"},
		{"limit above ceiling", "query_clinical_records", map[string]any{"condition": "asthma", "limit": 501}, "limit"},
		{"negative offset", "find_treatments", map[string]any{"disease": "asthma", "offset": -1}, "offset"},
		{"one drug", "check_drug_interactions", map[string]any{"drugs": []any{"warfarin"}}, "drugs"},
		{"label outside allowlist", "query_knowledge_graph", map[string]any{"entity": "BRCA1", "entity_type": "Person"}, "entity_type"},
		{"relationship outside allowlist", "query_knowledge_graph", map[string]any{"entity": "BRCA1", "relationship_types": []any{"TREATS", "DETACH DELETE"}}, "relationship_types"},
		{"fractional person id", "get_patient_measurements", map[string]any{"person_id": 1.5}, "person_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &recordingRunner{}
			d := newDispatcher(t, "", runner, both, Options{AllowTruncation: true})

			res, err := d.Invoke(context.Background(), ToolCall{Name: tt.tool, Params: tt.params})
			assert.Nil(t, res)
			e, ok := medcperrors.As(err)
			require.True(t, ok)
			assert.Equal(t, medcperrors.InvalidParameter, e.Kind)
			assert.Equal(t, tt.field, e.Field)
			assert.NotEmpty(t, e.Reason)
			assert.Empty(t, runner.calls)
		})
	}
}

// countingConnector proves validation happens before any pool use.
type countingConnector struct {
	kind  backend.Kind
	opens int
	mu    sync.Mutex
}

func (c *countingConnector) Kind() backend.Kind { return c.kind }

func (c *countingConnector) Open(context.Context, backend.Descriptor) (backend.Driver, error) {
	c.mu.Lock()
	c.opens++
	c.mu.Unlock()
	return nil, medcperrors.New(medcperrors.Configuration, "not reachable in this test")
}

type descriptors struct{ configured }

func (descriptors) Descriptor(kind backend.Kind) (backend.Descriptor, error) {
	return backend.Descriptor{Kind: kind, Host: "localhost"}, nil
}

func TestInvoke_InvalidParameterNeverTouchesPool(t *testing.T) {
	conn := &countingConnector{kind: backend.Relational}
	pm := pool.New(zerolog.Nop(), descriptors{both}, map[backend.Kind]backend.Connector{backend.Relational: conn}, pool.Options{})
	defer pm.Close(context.Background())

	exec := engine.New(zerolog.Nop(), pm, engine.Options{Timeout: time.Second})
	d := newDispatcher(t, "", exec, both, Options{AllowTruncation: true})

	_, err := d.Invoke(context.Background(), ToolCall{
		Name:   "query_clinical_records",
		Params: map[string]any{"condition": "asthma'; DROP TABLE person; --", "until": "tomorrow"},
	})
	assert.True(t, medcperrors.IsKind(err, medcperrors.InvalidParameter))
	assert.Equal(t, int64(0), pm.Stats()[backend.Relational].Acquires)
	assert.Equal(t, 0, conn.opens)
}

func TestInvoke_UnconfiguredBackend(t *testing.T) {
	runner := &recordingRunner{}
	d := newDispatcher(t, "", runner, configured{backend.Relational: true}, Options{})

	_, err := d.Invoke(context.Background(), ToolCall{Name: "find_treatments", Params: map[string]any{"disease": "asthma"}})
	assert.True(t, medcperrors.IsKind(err, medcperrors.Configuration))
	assert.Contains(t, err.Error(), "knowledge graph is not configured")
	assert.Empty(t, runner.calls)
}

func TestInvoke_Truncation(t *testing.T) {
	call := ToolCall{Name: "query_clinical_records", Params: map[string]any{"condition": "hypertension", "limit": 5}}

	d := newDispatcher(t, "", &recordingRunner{raw: clinicalRows(6)}, both, Options{AllowTruncation: true})
	res, err := d.Invoke(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 5, res.RowCount)
	assert.Nil(t, res.TotalCount)
	require.NotNil(t, res.NextOffset)
	assert.Equal(t, 5, *res.NextOffset)

	d = newDispatcher(t, "", &recordingRunner{raw: clinicalRows(6)}, both, Options{AllowTruncation: false})
	res, err = d.Invoke(context.Background(), call)
	assert.Nil(t, res)
	assert.True(t, medcperrors.IsKind(err, medcperrors.ResultTooLarge))
}

func TestInvoke_TimeoutEndsTimedOut(t *testing.T) {
	runner := &recordingRunner{err: medcperrors.New(medcperrors.Timeout, "knowledge graph query exceeded the 30s deadline")}
	d := newDispatcher(t, "", runner, both, Options{})

	_, inv, err := d.InvokeTraced(context.Background(), ToolCall{Name: "find_treatments", Params: map[string]any{"disease": "asthma"}})
	assert.True(t, medcperrors.IsKind(err, medcperrors.Timeout))
	assert.Equal(t, TimedOut, inv.State)
}

func TestInvoke_NormalizerFailure(t *testing.T) {
	runner := runnerFunc(func(context.Context, *query.BoundQuery) (*engine.Outcome, error) {
		return &engine.Outcome{Raw: &backend.RawResult{Columns: []string{"unexpected"}}}, nil
	})
	d := newDispatcher(t, "", runner, both, Options{})

	res, inv, err := d.InvokeTraced(context.Background(), ToolCall{Name: "find_treatments", Params: map[string]any{"disease": "asthma"}})
	assert.Nil(t, res)
	assert.Equal(t, medcperrors.Internal, medcperrors.KindOf(err))
	assert.Equal(t, Failed, inv.State)
}

func TestInvoke_Idempotent(t *testing.T) {
	d := newDispatcher(t, "", &recordingRunner{raw: clinicalRows(4)}, both, Options{AllowTruncation: true})
	call := ToolCall{Name: "query_clinical_records", Params: map[string]any{"condition": "asthma"}}

	first, err := d.Invoke(context.Background(), call)
	require.NoError(t, err)
	second, err := d.Invoke(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, first.Rows, second.Rows)
}

func TestInvoke_NamespacePrefix(t *testing.T) {
	runner := &recordingRunner{raw: clinicalRows(1)}
	d := newDispatcher(t, "ehr-", runner, both, Options{AllowTruncation: true})

	for _, name := range []string{"ehr-query_clinical_records", "query_clinical_records"} {
		res, err := d.Invoke(context.Background(), ToolCall{Name: name, Params: map[string]any{"condition": "asthma"}})
		require.NoError(t, err, name)
		assert.Equal(t, "query_clinical_records", res.Tool)
	}

	_, err := d.Invoke(context.Background(), ToolCall{Name: "other-query_clinical_records"})
	assert.True(t, medcperrors.IsKind(err, medcperrors.UnknownTool))
}

func TestInvoke_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	d := newDispatcher(t, "", &recordingRunner{raw: clinicalRows(2)}, both, Options{AllowTruncation: true, TracerProvider: tp})
	_, err := d.Invoke(context.Background(), ToolCall{Name: "query_clinical_records", Params: map[string]any{"condition": "asthma"}})
	require.NoError(t, err)
	_, err = d.Invoke(context.Background(), ToolCall{Name: "nope"})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	done := spans[0]
	assert.Equal(t, "medcp.invoke", done.Name())
	assert.Equal(t, codes.Ok, done.Status().Code)
	assert.Contains(t, done.Attributes(), attribute.String("medcp.backend", "relational"))
	assert.Contains(t, done.Attributes(), attribute.String("medcp.outcome", "completed"))
	assert.Contains(t, done.Attributes(), attribute.Int("medcp.row_count", 2))

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Contains(t, failed.Attributes(), attribute.String("medcp.error_kind", "unknown_tool"))
}

func TestInvoke_Concurrent(t *testing.T) {
	d := newDispatcher(t, "", &recordingRunner{raw: clinicalRows(2)}, both, Options{AllowTruncation: true})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Invoke(context.Background(), ToolCall{Name: "query_clinical_records", Params: map[string]any{"condition": "asthma"}})
			if assert.NoError(t, err) {
				assert.Equal(t, 2, res.RowCount)
			}
		}()
	}
	wg.Wait()
}
