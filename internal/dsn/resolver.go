// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package dsn

import (
	"strings"
)

// boltSchemes are the URI schemes accepted by the neo4j driver.
var boltSchemes = []string{
	"bolt://", "bolt+s://", "bolt+ssc://",
	"neo4j://", "neo4j+s://", "neo4j+ssc://",
}

// DetectDBType detects the database type from a URI
func DetectDBType(uri string) DBType {
	lower := strings.ToLower(strings.TrimSpace(uri))

	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DBTypePostgreSQL
	}
	for _, scheme := range boltSchemes {
		if strings.HasPrefix(lower, scheme) {
			return DBTypeNeo4j
		}
	}

	return DBTypeUnknown
}

// resolverFor returns the resolver for a database type.
func resolverFor(t DBType) (Resolver, error) {
	switch t {
	case DBTypePostgreSQL:
		return NewPostgreSQLResolver(), nil
	case DBTypeNeo4j:
		return NewNeo4jResolver(), nil
	default:
		return nil, NewParseError("unknown database type", "use postgresql for clinical records or bolt:// / neo4j:// for the knowledge graph")
	}
}

// Build validates info and returns the normalized connection string.
// This is the main entry point for backend connectors.
func Build(info *DSNInfo) (string, error) {
	if info == nil {
		return "", NewParseError("missing connection settings", "")
	}

	resolver, err := resolverFor(info.Type)
	if err != nil {
		return "", err
	}
	if err := resolver.Validate(info); err != nil {
		return "", err
	}
	return resolver.Normalize(info)
}
