// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"net/url"
	"strings"
)

// Neo4jResolver validates bolt/neo4j URIs. Credentials are passed to the
// driver separately, so the URI itself must not embed them.
type Neo4jResolver struct{}

// NewNeo4jResolver creates a new Neo4j resolver
func NewNeo4jResolver() *Neo4jResolver {
	return &Neo4jResolver{}
}

// Validate checks the URI scheme, host and the absence of inline credentials.
func (r *Neo4jResolver) Validate(info *DSNInfo) error {
	uri := strings.TrimSpace(info.Host)
	if uri == "" {
		return NewParseError("missing knowledge graph URI", "set KNOWLEDGE_GRAPH_URI, e.g. bolt://localhost:7687")
	}
	if DetectDBType(uri) != DBTypeNeo4j {
		return NewParseError("unsupported URI scheme", "use bolt://, bolt+s://, neo4j:// or neo4j+s://")
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return NewParseError("malformed URI", "use the form bolt://host:7687")
	}
	if parsed.User != nil {
		return NewParseError("URI must not contain credentials", "set KNOWLEDGE_GRAPH_USERNAME and store the password as a secret")
	}
	if parsed.Hostname() == "" {
		return NewParseError("missing host", "use the form bolt://host:7687")
	}
	if port := parsed.Port(); port != "" && !rePort.MatchString(port) {
		return NewParseError("invalid port number: "+port, "port must be numeric")
	}
	if strings.TrimSpace(info.User) == "" {
		return NewParseError("missing username", "set KNOWLEDGE_GRAPH_USERNAME or knowledge_graph.username")
	}

	return nil
}

// Normalize returns the trimmed URI.
func (r *Neo4jResolver) Normalize(info *DSNInfo) (string, error) {
	if info == nil {
		return "", NewParseError("nil DSN info", "")
	}
	return strings.TrimSpace(info.Host), nil
}
