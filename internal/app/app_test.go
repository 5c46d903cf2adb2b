package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/config"
	"medcp/cli/internal/dispatch"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/keychain"

	"github.com/99designs/keyring"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ raw *backend.RawResult }

func (c stubConn) Query(context.Context, backend.Statement) (*backend.RawResult, error) {
	return c.raw, nil
}

func (stubConn) Release() {}

type stubDriver struct {
	raw    *backend.RawResult
	mu     sync.Mutex
	closed bool
}

func (d *stubDriver) Ping(context.Context) error { return nil }

func (d *stubDriver) Acquire(context.Context) (backend.Conn, error) { return stubConn{raw: d.raw}, nil }

func (d *stubDriver) Close(context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type stubConnector struct {
	kind   backend.Kind
	driver *stubDriver
	seen   backend.Descriptor
}

func (c *stubConnector) Kind() backend.Kind { return c.kind }

func (c *stubConnector) Open(_ context.Context, d backend.Descriptor) (backend.Driver, error) {
	c.seen = d
	return c.driver, nil
}

func clinicalConfig() *config.Config {
	return &config.Config{
		Namespace: "ehr",
		LogLevel:  "info",
		LogFormat: "json",
		ClinicalRecords: config.ClinicalConfig{
			Host:      "db.internal",
			Port:      5432,
			Database:  "omop",
			Username:  "reader",
			SecretRef: keychain.KeyClinicalRecordsPassword,
			Schema:    "cdm",
			SSLMode:   "prefer",
		},
		Engine: config.EngineConfig{QueryTimeout: 5 * time.Second, AllowTruncation: true},
		Pool:   config.PoolConfig{MaxConns: 2, ReconnectAttempts: 1},
	}
}

func newStore(t *testing.T) *keychain.Manager {
	t.Helper()
	store := keychain.NewManagerWithRing(keyring.NewArrayKeyring(nil))
	require.NoError(t, store.Set(keychain.KeyClinicalRecordsPassword, "s3cret"))
	return store
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&config.Config{LogLevel: "info", LogFormat: "json"}, zerolog.Nop(), nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one database")
}

func TestApp_EndToEnd(t *testing.T) {
	driver := &stubDriver{raw: &backend.RawResult{
		Columns: []string{"personId", "condition", "recordDate", "endDate", "yearOfBirth", "gender"},
		Rows: [][]any{
			{int64(7), "Asthma", time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), nil, int32(1990), "MALE"},
		},
	}}
	conn := &stubConnector{kind: backend.Relational, driver: driver}

	a, err := New(clinicalConfig(), zerolog.Nop(), newStore(t), Options{
		Connectors: map[backend.Kind]backend.Connector{backend.Relational: conn},
		Version:    "test",
	})
	require.NoError(t, err)

	res, err := a.Dispatcher.Invoke(context.Background(), dispatch.ToolCall{
		Name:   "ehr-query_clinical_records",
		Params: map[string]any{"condition": "asthma"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, "s3cret", conn.seen.Secret.Reveal())
	assert.Equal(t, "cdm", conn.seen.Schema)

	_, err = a.Dispatcher.Invoke(context.Background(), dispatch.ToolCall{
		Name:   "find_treatments",
		Params: map[string]any{"disease": "asthma"},
	})
	assert.True(t, medcperrors.IsKind(err, medcperrors.Configuration))

	require.NoError(t, a.Close())
	assert.True(t, driver.closed)
	require.NoError(t, a.Close())
}

func TestApp_MCPServerExposesConfiguredTools(t *testing.T) {
	a, err := New(clinicalConfig(), zerolog.Nop(), newStore(t), Options{
		Connectors: map[backend.Kind]backend.Connector{},
	})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	_, err = a.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	session, err := mcp.NewClient(&mcp.Implementation{Name: "test-client"}, nil).Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	list, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list.Tools, 4)
	for _, tool := range list.Tools {
		assert.Contains(t, tool.Name, "ehr-")
	}
}
