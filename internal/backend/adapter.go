// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package backend defines the two backend kinds the engine federates over and the
// driver contract each of them implements. The knowledge graph is served by the
// neo4j driver (session per call) and the clinical records store by pgx
// (pooled connection per call). Every call runs inside a read-only transaction.
package backend

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Kind identifies a backend.
type Kind string

const (
	// Graph is the biomedical knowledge graph.
	Graph Kind = "graph"
	// Relational is the de-identified clinical records store.
	Relational Kind = "relational"
)

// Kinds lists every backend kind in a stable order.
var Kinds = []Kind{Graph, Relational}

// Valid reports whether k is a known backend kind.
func (k Kind) Valid() bool { return k == Graph || k == Relational }

// DisplayName returns the user-facing name of the backend.
func (k Kind) DisplayName() string {
	switch k {
	case Graph:
		return "knowledge graph"
	case Relational:
		return "clinical records"
	default:
		return string(k)
	}
}

// ServiceName returns the health service name of the backend.
func (k Kind) ServiceName() string {
	switch k {
	case Graph:
		return "medcp.knowledge_graph"
	case Relational:
		return "medcp.clinical_records"
	default:
		return "medcp." + string(k)
	}
}

// Secret is a resolved password. It never prints its value.
type Secret string

func (s Secret) String() string { return "***" }

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string { return `"***"` }

// MarshalText redacts the secret in JSON/YAML output.
func (s Secret) MarshalText() ([]byte, error) { return []byte("***"), nil }

// Reveal returns the plaintext value. Only connectors call it.
func (s Secret) Reveal() string { return string(s) }

// Descriptor holds the resolved connection settings of one backend.
// Descriptors are immutable once resolved.
type Descriptor struct {
	Kind Kind

	// URI addresses the knowledge graph (bolt:// or neo4j://).
	URI string
	// Host and Port address the clinical records store.
	Host string
	Port int

	Database  string
	Username  string
	SecretRef string
	Secret    Secret

	// Schema is the optional relational namespace prefix.
	Schema  string
	SSLMode string

	MaxConns int
	LogLevel string
}

// Address returns a printable location of the backend without credentials.
func (d Descriptor) Address() string {
	if d.Kind == Graph {
		return d.URI
	}
	if d.Port == 0 {
		return d.Host
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Statement is a fully bound query ready for a driver.
// Graph statements use Params, relational statements use Args.
type Statement struct {
	Text    string
	Params  map[string]any
	Args    []any
	Timeout time.Duration
}

// RawResult is the driver-native result: column names and row values in column order.
type RawResult struct {
	Columns []string
	Rows    [][]any
}

// Conn is a handle obtained from a Driver for one invocation.
type Conn interface {
	// Query runs st in a read-only transaction and collects every row.
	Query(ctx context.Context, st Statement) (*RawResult, error)
	// Release returns the handle to its driver. It is safe to call more than once.
	Release()
}

// Driver is a live connection pool (relational) or driver (graph) for one backend.
type Driver interface {
	Ping(ctx context.Context) error
	Acquire(ctx context.Context) (Conn, error)
	Close(ctx context.Context) error
}

// Connector opens drivers for one backend kind.
type Connector interface {
	Kind() Kind
	Open(ctx context.Context, d Descriptor) (Driver, error)
}
